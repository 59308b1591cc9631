// Package notify fans healing session events out over NATS.
//
// Events are published to subjects:
//   - {prefix}.sessions.{key}.{state}   every saved state change
//   - {prefix}.reports.{outcome}        every archived report
//
// Publishing is fire-and-forget: a lost event never blocks or fails a
// session transition.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healingd/internal/healing"
)

// SessionEvent is the payload of a session subject.
type SessionEvent struct {
	Key           string        `json:"key"`
	ID            string        `json:"id"`
	State         healing.State `json:"state"`
	Attempts      int           `json:"attempts"`
	Origin        string        `json:"origin"`
	Category      string        `json:"category"`
	CooldownUntil time.Time     `json:"cooldown_until,omitzero"`
	Reason        string        `json:"reason,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Publisher implements healing.Notifier on a NATS connection.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// Connect dials url with reconnects enabled.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("healingd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return nc, nil
}

// NewPublisher returns a Publisher using subjects under prefix.
func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) (*Publisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if prefix == "" {
		prefix = "healing"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// SessionSubject is the subject for a session state change.
func (p *Publisher) SessionSubject(key string, state healing.State) string {
	return fmt.Sprintf("%s.sessions.%s.%s", p.prefix, key, state)
}

// ReportSubject is the subject for an archived report.
func (p *Publisher) ReportSubject(outcome healing.Outcome) string {
	return fmt.Sprintf("%s.reports.%s", p.prefix, outcome)
}

// SessionChanged publishes a SessionEvent.
func (p *Publisher) SessionChanged(_ context.Context, s *healing.Session) {
	p.publish(p.SessionSubject(s.Key, s.State), SessionEvent{
		Key:           s.Key,
		ID:            s.ID,
		State:         s.State,
		Attempts:      s.Attempts,
		Origin:        s.Origin,
		Category:      s.Category,
		CooldownUntil: s.CooldownUntil,
		Reason:        s.Reason,
		UpdatedAt:     s.UpdatedAt,
	})
}

// SessionArchived publishes the full report.
func (p *Publisher) SessionArchived(_ context.Context, r healing.Report) {
	p.publish(p.ReportSubject(r.Outcome), r)
}

func (p *Publisher) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("failed to encode event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// Flush waits until the server has processed everything published so far.
func (p *Publisher) Flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return p.nc.FlushWithContext(ctx)
}

var _ healing.Notifier = (*Publisher)(nil)
