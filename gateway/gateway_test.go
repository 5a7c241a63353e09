package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaycore/errors"
	"github.com/c360/relaycore/health"
)

// fakeRelay scripts the bridge surface
type fakeRelay struct {
	sendErr       error
	taskResult    json.RawMessage
	taskErr       error
	conversations []string

	lastConversation string
	lastBody         string
	lastMethod       string
	lastTimeout      time.Duration
}

func (f *fakeRelay) SendMessage(_ context.Context, conversationID, body string) error {
	f.lastConversation = conversationID
	f.lastBody = body
	return f.sendErr
}

func (f *fakeRelay) SendTask(_ context.Context, conversationID, method string, _ any, timeout time.Duration) (json.RawMessage, error) {
	f.lastConversation = conversationID
	f.lastMethod = method
	f.lastTimeout = timeout
	return f.taskResult, f.taskErr
}

func (f *fakeRelay) Conversations(_ context.Context) ([]string, error) {
	return f.conversations, nil
}

func (f *fakeRelay) PendingTasks() int { return 2 }
func (f *fakeRelay) Address() string   { return "@relay:example.org" }

func newTestServer(t *testing.T, relay *fakeRelay) *Server {
	t.Helper()

	tracker := health.NewTracker("bus")
	tracker.SetHealthy("bus")

	s, err := NewServer(Config{Port: 8080}, relay, tracker, nil)
	require.NoError(t, err)
	return s
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, int64(1<<20), cfg.MaxRequestBytes)

	bad := Config{Port: 70000}
	assert.Error(t, bad.Validate())
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeRelay{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, health.StatusHealthy, resp.Status)
	assert.Equal(t, "@relay:example.org", resp.Address)
	assert.Equal(t, 2, resp.PendingTasks)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSendMessageEndpoint(t *testing.T) {
	relay := &fakeRelay{}
	s := newTestServer(t, relay)

	body, _ := json.Marshal(sendMessageRequest{ConversationID: "conv-1", Body: "hello"})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages", bytes.NewReader(body)))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "conv-1", relay.lastConversation)
	assert.Equal(t, "hello", relay.lastBody)
}

func TestSendMessageValidation(t *testing.T) {
	s := newTestServer(t, &fakeRelay{})

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "{not json"},
		{"missing body", `{"conversation_id": "conv-1"}`},
		{"missing conversation", `{"body": "hi"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/messages", bytes.NewReader([]byte(tt.body))))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSendTaskEndpoint(t *testing.T) {
	relay := &fakeRelay{taskResult: json.RawMessage(`{"status":"done"}`)}
	s := newTestServer(t, relay)

	body := `{"conversation_id": "conv-1", "method": "agent.run", "params": {"cmd": "x"}, "timeout_ms": 2500}`
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader([]byte(body))))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "agent.run", relay.lastMethod)
	assert.Equal(t, 2500*time.Millisecond, relay.lastTimeout)

	var resp sendTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.JSONEq(t, `{"status":"done"}`, string(resp.Result))
}

func TestSendTaskErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "timeout maps to 504",
			err:        errors.WrapTransient(errors.ErrCallTimeout, "Bridge", "SendTask", "await reply"),
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:       "task in flight maps to 409",
			err:        errors.WrapInvalid(errors.ErrTaskInFlight, "Bridge", "SendTask", "claim slot"),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "not connected maps to 503",
			err:        errors.WrapTransient(errors.ErrNotConnected, "Bridge", "SendTask", "check connection"),
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeRelay{taskErr: tt.err})

			body := `{"conversation_id": "conv-1", "method": "agent.run"}`
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader([]byte(body))))

			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp["error"])
			// Internal detail never leaks to callers
			assert.NotContains(t, resp["error"], "Bridge.SendTask")
		})
	}
}

func TestConversationsEndpoint(t *testing.T) {
	relay := &fakeRelay{conversations: []string{"conv-1", "conv-2"}}
	s := newTestServer(t, relay)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"conv-1", "conv-2"}, resp["conversations"])
}

func TestCORSHeaders(t *testing.T) {
	relay := &fakeRelay{}
	tracker := health.NewTracker()
	s, err := NewServer(Config{CORSOrigins: []string{"https://console.example.org"}}, relay, tracker, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "https://console.example.org")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "https://console.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	// Unknown origins get no CORS headers
	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "https://evil.example.org")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
