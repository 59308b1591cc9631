package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/healingd/internal/healing"
)

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := Connect(server.ClientURL(), nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNewPublisher_RequiresConnection(t *testing.T) {
	_, err := NewPublisher(nil, "", nil)
	require.Error(t, err)
}

func TestSubjects(t *testing.T) {
	server := startTestNATSServer(t)
	p, err := NewPublisher(connect(t, server), "", nil)
	require.NoError(t, err)

	assert.Equal(t, "healing.sessions.pi_abc.validating", p.SessionSubject("pi_abc", healing.StateValidating))
	assert.Equal(t, "healing.reports.escalated", p.ReportSubject(healing.OutcomeEscalated))
}

func TestSessionChanged(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	sub, err := nc.SubscribeSync("ops.sessions.>")
	require.NoError(t, err)

	p, err := NewPublisher(nc, "ops", nil)
	require.NoError(t, err)
	p.SessionChanged(context.Background(), &healing.Session{
		ID:       "s-1",
		Key:      "pi_abc",
		State:    healing.StateDeploying,
		Attempts: 2,
		Origin:   "acme/api",
	})
	require.NoError(t, p.Flush(context.Background()))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ops.sessions.pi_abc.deploying", msg.Subject)

	var ev SessionEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "s-1", ev.ID)
	assert.Equal(t, 2, ev.Attempts)
	assert.Equal(t, healing.StateDeploying, ev.State)
}

func TestSessionArchived(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	sub, err := nc.SubscribeSync("healing.reports.*")
	require.NoError(t, err)

	p, err := NewPublisher(nc, "healing", nil)
	require.NoError(t, err)
	p.SessionArchived(context.Background(), healing.Report{
		Key:      "pi_abc",
		Outcome:  healing.OutcomeFailed,
		Attempts: []healing.Attempt{{Number: 1, ErrorKind: healing.KindVerificationTimeout}},
	})
	require.NoError(t, p.Flush(context.Background()))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "healing.reports.failed", msg.Subject)

	var r healing.Report
	require.NoError(t, json.Unmarshal(msg.Data, &r))
	require.Len(t, r.Attempts, 1)
	assert.Equal(t, healing.KindVerificationTimeout, r.Attempts[0].ErrorKind)
}

func TestPublish_ClosedConnectionDoesNotPanic(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	p, err := NewPublisher(nc, "healing", nil)
	require.NoError(t, err)
	nc.Close()

	assert.NotPanics(t, func() {
		p.SessionChanged(context.Background(), &healing.Session{Key: "pi_abc", State: healing.StateOpen})
	})
}
