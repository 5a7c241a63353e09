package bridge

import (
	"context"
	"time"
)

// InboundMessage is one message observed on the conversational stream
type InboundMessage struct {
	ConversationID string
	Sender         string
	Body           string
	SentAt         time.Time
}

// Provider is the conversational transport the bridge rides on: an
// append-only, replay-capable stream of messages across conversations.
// Listen delivers messages in the order the stream yields them. The
// returned channel closes when the stream fails and cannot recover on its
// own, which makes the bridge restart the listener; implementations backed
// by self-healing transports keep the channel open across reconnects and
// handle recovery themselves.
type Provider interface {
	Listen(ctx context.Context) (<-chan InboundMessage, error)
	Send(ctx context.Context, conversationID, body string) error
	List(ctx context.Context) ([]string, error)
}

// Signer exposes the bridge's own messaging identity. Address is used to
// skip self-authored messages; Sign authenticates outbound payloads where
// the transport requires it.
type Signer interface {
	Address() string
	Sign(data []byte) ([]byte, error)
}

// ChatBackend receives forwarded conversational text. An empty sessionID
// starts a new session; the returned session id (possibly new) threads
// multi-turn context for the identity.
type ChatBackend interface {
	SendMessage(ctx context.Context, text, sessionID string) (reply, newSessionID string, err error)
}
