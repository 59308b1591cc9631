package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"

	"github.com/fyrsmithlabs/healingd/internal/config"
	"github.com/fyrsmithlabs/healingd/internal/incident"
	"github.com/fyrsmithlabs/healingd/internal/remediation"
)

func testRequest() ReasonRequest {
	return ReasonRequest{
		Key: "pi_0123456789abcdef0123456789abcdef",
		Events: []incident.NormalizedEvent{{
			ID: "e1", Kind: incident.KindMonitor, Origin: "api", Subject: "HighErrorRate",
			Category: "alert", Description: "5xx rate above 5%",
		}},
	}
}

func testConfig(baseURL string) config.ReasonerConfig {
	return config.ReasonerConfig{
		Provider:      "openai",
		APIKey:        config.Secret("sk-test"),
		Model:         "gpt-4o-mini",
		BaseURL:       baseURL,
		MinConfidence: 0.7,
		MaxProposals:  3,
	}
}

func chatServer(t *testing.T, status int, content string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if rf, _ := req["response_format"].(map[string]any); rf["type"] != "json_object" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
			return
		}
		body, _ := json.Marshal(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []any{map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestOpenAIReasoner_Propose(t *testing.T) {
	srv, calls := chatServer(t, http.StatusOK, twoProposals)
	r, err := NewOpenAIReasoner(testConfig(srv.URL+"/v1"), nil)
	require.NoError(t, err)

	p, err := r.Propose(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "raise pool size", p.Title)
	assert.NoError(t, p.Validate())
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIReasoner_Unavailable(t *testing.T) {
	srv, _ := chatServer(t, http.StatusBadGateway, "")
	r, err := NewOpenAIReasoner(testConfig(srv.URL+"/v1"), nil)
	require.NoError(t, err)

	_, err = r.Propose(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrReasonerUnavailable)
}

func TestOpenAIReasoner_NoProposal(t *testing.T) {
	srv, _ := chatServer(t, http.StatusOK, `{"proposals": [], "no_fix_reason": "needs a human"}`)
	r, err := NewOpenAIReasoner(testConfig(srv.URL+"/v1"), nil)
	require.NoError(t, err)

	_, err = r.Propose(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrNoProposal)
}

func TestNewOpenAIReasoner_RequiresKey(t *testing.T) {
	cfg := testConfig("")
	cfg.APIKey = ""
	_, err := NewOpenAIReasoner(cfg, nil)
	require.Error(t, err)
}

type fakeLLM struct {
	content string
	err     error
	block   bool
	got     []llms.MessageContent
}

func (f *fakeLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.got = messages
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.content}}}, nil
}

func (f *fakeLLM) Call(context.Context, string, ...llms.CallOption) (string, error) {
	return "", errors.New("not used")
}

func TestOllamaReasoner_Propose(t *testing.T) {
	llm := &fakeLLM{content: twoProposals}
	r := newLangchainReasoner(llm, testConfig(""), nil)

	p, err := r.Propose(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, remediation.FixConfigChange, p.FixType)
	require.Len(t, llm.got, 2)
	assert.Equal(t, schema.ChatMessageTypeSystem, llm.got[0].Role)
	assert.Equal(t, schema.ChatMessageTypeHuman, llm.got[1].Role)
	require.Len(t, llm.got[0].Parts, 1)
	system, ok := llm.got[0].Parts[0].(llms.TextContent)
	require.True(t, ok)
	assert.Contains(t, system.Text, "JSON object")
}

func TestOllamaReasoner_Errors(t *testing.T) {
	r := newLangchainReasoner(&fakeLLM{err: errors.New("connection refused")}, testConfig(""), nil)
	_, err := r.Propose(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrReasonerUnavailable)

	r = newLangchainReasoner(&fakeLLM{block: true}, testConfig(""), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Propose(ctx, testRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPropose_RequiresEvents(t *testing.T) {
	r := newLangchainReasoner(&fakeLLM{content: twoProposals}, testConfig(""), nil)
	_, err := r.Propose(context.Background(), ReasonRequest{Key: "pi_x"})
	require.Error(t, err)
}

func TestPropose_RateLimited(t *testing.T) {
	cfg := testConfig("")
	cfg.RequestsPerMinute = 1
	r := newLangchainReasoner(&fakeLLM{content: twoProposals}, cfg, nil)

	_, err := r.Propose(context.Background(), testRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Propose(ctx, testRequest())
	require.Error(t, err, "second call must wait a full minute for a token")
}

func TestNew(t *testing.T) {
	r, err := New(testConfig("http://localhost:1/v1"), nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAIReasoner{}, r)

	cfg := testConfig("")
	cfg.Provider = "bard"
	_, err = New(cfg, nil)
	require.Error(t, err)
}
