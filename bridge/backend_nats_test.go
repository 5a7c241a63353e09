package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/relaycore/errors"
)

// fakeRequester is an in-memory chatRequester with a scripted response
type fakeRequester struct {
	response []byte
	err      error
	subject  string
	payload  []byte
}

func (f *fakeRequester) Request(_ context.Context, subject string, data []byte) ([]byte, error) {
	f.subject = subject
	f.payload = data
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func TestNATSBackendRoundTrip(t *testing.T) {
	resp, _ := json.Marshal(chatResponse{Reply: "hello back", SessionID: "sess-9"})
	req := &fakeRequester{response: resp}
	backend := &NATSBackend{bus: req, subject: "relay.chat.request", timeout: time.Second}

	reply, sessionID, err := backend.SendMessage(context.Background(), "hello", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "hello back", reply)
	assert.Equal(t, "sess-9", sessionID)
	assert.Equal(t, "relay.chat.request", req.subject)

	var sent chatRequest
	require.NoError(t, json.Unmarshal(req.payload, &sent))
	assert.Equal(t, "hello", sent.Text)
	assert.Equal(t, "sess-1", sent.SessionID)
}

func TestNATSBackendUndecodableReply(t *testing.T) {
	req := &fakeRequester{response: []byte("plain text, not the reply shape")}
	backend := &NATSBackend{bus: req, subject: "relay.chat.request", timeout: time.Second}

	_, _, err := backend.SendMessage(context.Background(), "hello", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrProtocol)
	assert.True(t, errors.IsInvalid(err), "expected invalid classification, got %v", err)
}

func TestNATSBackendServiceError(t *testing.T) {
	resp, _ := json.Marshal(chatResponse{Error: "model unavailable"})
	req := &fakeRequester{response: resp}
	backend := &NATSBackend{bus: req, subject: "relay.chat.request", timeout: time.Second}

	_, _, err := backend.SendMessage(context.Background(), "hello", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")
}
