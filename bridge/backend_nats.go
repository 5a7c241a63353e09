package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/relaycore/errors"
	"github.com/c360/relaycore/natsbus"
)

// chatRequest is the request/reply payload exchanged with the chat service
type chatRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

type chatResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// chatRequester is the slice of the bus the backend depends on
type chatRequester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

// NATSBackend forwards conversational text to the chat service over bus
// request/reply
type NATSBackend struct {
	bus     chatRequester
	subject string
	timeout time.Duration
}

var _ ChatBackend = (*NATSBackend)(nil)

// NewNATSBackend creates a backend addressing the given request subject
func NewNATSBackend(bus *natsbus.Bus, subject string, timeout time.Duration) *NATSBackend {
	if subject == "" {
		subject = "relay.chat.request"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NATSBackend{bus: bus, subject: subject, timeout: timeout}
}

// SendMessage forwards text with its session binding and returns the reply
func (n *NATSBackend) SendMessage(ctx context.Context, text, sessionID string) (string, string, error) {
	payload, err := json.Marshal(chatRequest{Text: text, SessionID: sessionID})
	if err != nil {
		return "", "", errors.WrapInvalid(err, "NATSBackend", "SendMessage", "marshal request")
	}

	reqCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	data, err := n.bus.Request(reqCtx, n.subject, payload)
	if err != nil {
		return "", "", errors.WrapTransient(err, "NATSBackend", "SendMessage", "chat request")
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", "", errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrProtocol, err),
			"NATSBackend", "SendMessage", "decode response")
	}
	if resp.Error != "" {
		return "", "", errors.WrapTransient(
			fmt.Errorf("%s", resp.Error),
			"NATSBackend", "SendMessage", "chat service error")
	}

	return resp.Reply, resp.SessionID, nil
}
