package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/mizuki/agentrelay/internal/audit"
	"github.com/mizuki/agentrelay/internal/config"
	"github.com/mizuki/agentrelay/internal/delivery"
	"github.com/mizuki/agentrelay/internal/router"
	"github.com/mizuki/agentrelay/internal/session"
	"github.com/mizuki/agentrelay/pkg/relayqueue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	reply string
	err   error
}

func (f *fakeInvoker) Invoke(_ context.Context, _ *config.Snapshot, _ *config.AgentDefinition, _ []session.Turn) (string, error) {
	return f.reply, f.err
}

type gatewayFixture struct {
	url      string
	queue    *relayqueue.Queue
	auditLog *audit.Log
}

func newGatewayFixture(t *testing.T, invoker delivery.Invoker, securityYAML string) *gatewayFixture {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pm.md"), []byte("You are the PM."), 0644))

	content := `
agents:
  pm:
    endpoint: http://localhost:1234/v1/chat/completions
    system_prompt: pm.md
` + securityYAML
	configPath := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	store := config.NewStore(configPath)
	sessions := session.NewStore()
	queue := relayqueue.New()
	t.Cleanup(func() { queue.Close() })
	auditLog := audit.NewLog(filepath.Join(dir, "audit.jsonl"))

	server, err := NewServer(Config{
		Addr:     "127.0.0.1:0",
		Store:    store,
		Router:   router.New(store, sessions, invoker),
		Queue:    queue,
		AuditLog: auditLog,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &gatewayFixture{url: ts.URL, queue: queue, auditLog: auditLog}
}

func postChat(t *testing.T, fixture *gatewayFixture, body string, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, fixture.url+"/chat", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var payload map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	return resp, payload
}

func TestServer_Health(t *testing.T) {
	fixture := newGatewayFixture(t, &fakeInvoker{reply: "hi"}, "")

	resp, err := http.Get(fixture.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "ok", payload["status"])
}

func TestServer_ChatRoundTrip(t *testing.T) {
	fixture := newGatewayFixture(t, &fakeInvoker{reply: "hi there"}, "")

	resp, payload := postChat(t, fixture, `{"session_id":"s1","target":"pm","message":"hello"}`, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hi there", payload["reply"])
	assert.Equal(t, "pm", payload["target"])
	assert.Equal(t, "s1", payload["session_id"])

	records, err := fixture.auditLog.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "hello", records[0].Message)
	assert.Equal(t, "hi there", records[0].Reply)
}

func TestServer_ChatRejectsIncompletePayload(t *testing.T) {
	fixture := newGatewayFixture(t, &fakeInvoker{reply: "hi"}, "")

	cases := []string{
		`{"target":"pm","message":"hello"}`,
		`{"session_id":"s1","message":"hello"}`,
		`{"session_id":"s1","target":"pm"}`,
		`not json`,
	}
	for _, body := range cases {
		resp, _ := postChat(t, fixture, body, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body: %s", body)
	}
}

func TestServer_ChatUnknownTarget(t *testing.T) {
	fixture := newGatewayFixture(t, &fakeInvoker{reply: "hi"}, "")

	resp, payload := postChat(t, fixture, `{"session_id":"s1","target":"ghost","message":"hello"}`, nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, payload["error"], "ghost")
}

func TestServer_ChatDeliveryFailureIsBadGateway(t *testing.T) {
	invoker := &fakeInvoker{err: &delivery.Error{Agent: "pm", Attempts: 2, Err: errors.New("connection refused")}}
	fixture := newGatewayFixture(t, invoker, "")

	resp, _ := postChat(t, fixture, `{"session_id":"s1","target":"pm","message":"hello"}`, nil)

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServer_ChatQueueClosedIsUnavailable(t *testing.T) {
	fixture := newGatewayFixture(t, &fakeInvoker{reply: "hi"}, "")
	require.NoError(t, fixture.queue.Close())

	resp, _ := postChat(t, fixture, `{"session_id":"s1","target":"pm","message":"hello"}`, nil)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_AuthRejectsMissingToken(t *testing.T) {
	t.Setenv("RELAY_TOKEN", "secret")
	fixture := newGatewayFixture(t, &fakeInvoker{reply: "hi"}, `
security:
  enabled: true
  token_env: RELAY_TOKEN
`)

	resp, _ := postChat(t, fixture, `{"session_id":"s1","target":"pm","message":"hello"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = postChat(t, fixture, `{"session_id":"s1","target":"pm","message":"hello"}`,
		map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_AuthAcceptsValidToken(t *testing.T) {
	t.Setenv("RELAY_TOKEN", "secret")
	fixture := newGatewayFixture(t, &fakeInvoker{reply: "hi"}, `
security:
  enabled: true
  token_env: RELAY_TOKEN
`)

	resp, payload := postChat(t, fixture, `{"session_id":"s1","target":"pm","message":"hello"}`,
		map[string]string{"Authorization": "Bearer secret"})

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hi", payload["reply"])
}

func TestServer_AuthUndefinedTokenEnvIsServerError(t *testing.T) {
	fixture := newGatewayFixture(t, &fakeInvoker{reply: "hi"}, `
security:
  enabled: true
  token_env: RELAY_TOKEN_UNSET_FOR_TEST
`)

	resp, payload := postChat(t, fixture, `{"session_id":"s1","target":"pm","message":"hello"}`,
		map[string]string{"Authorization": "Bearer anything"})

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, payload["error"], "token misconfiguration")
}

func TestServer_HealthBypassesAuth(t *testing.T) {
	t.Setenv("RELAY_TOKEN", "secret")
	fixture := newGatewayFixture(t, &fakeInvoker{reply: "hi"}, `
security:
  enabled: true
  token_env: RELAY_TOKEN
`)

	resp, err := http.Get(fixture.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	_, err := NewServer(Config{})
	assert.Error(t, err)
}
