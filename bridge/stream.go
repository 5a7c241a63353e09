package bridge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/relaycore/errors"
	"github.com/c360/relaycore/natsbus"
)

// streamMessage is the wire form of one conversational message on the log
type streamMessage struct {
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
	Signature      string    `json:"signature,omitempty"`
}

// StreamProvider is a Provider backed by a JetStream stream. Messages are
// appended to per-conversation subjects and replayed to the listener in log
// order, which gives the bridge its unordered-but-replayable semantics.
type StreamProvider struct {
	bus    *natsbus.Bus
	signer Signer
	logger Logger

	streamName    string
	subjectPrefix string

	mu    sync.Mutex
	known map[string]struct{}
}

var _ Provider = (*StreamProvider)(nil)

// NewStreamProvider creates a provider over the given bus. The backing
// stream is created on first Listen.
func NewStreamProvider(bus *natsbus.Bus, signer Signer, logger Logger) *StreamProvider {
	if logger == nil {
		logger = &defaultLogger{}
	}
	return &StreamProvider{
		bus:           bus,
		signer:        signer,
		logger:        logger,
		streamName:    "RELAY_CONVERSATIONS",
		subjectPrefix: "relay.conv",
		known:         make(map[string]struct{}),
	}
}

// Listen starts consuming the conversation log. The returned channel stays
// open for the life of ctx: the bus owns reconnection and consumer
// recovery, so transient consumer failures are logged rather than closing
// the channel.
func (p *StreamProvider) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	if _, err := p.bus.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     p.streamName,
		Subjects: []string{p.subjectPrefix + ".>"},
	}); err != nil {
		return nil, errors.WrapTransient(err, "StreamProvider", "Listen", "ensure stream")
	}

	ch := make(chan InboundMessage, 64)

	err := p.bus.ConsumeStream(ctx, p.streamName, p.subjectPrefix+".>", func(data []byte) {
		var wire streamMessage
		if err := json.Unmarshal(data, &wire); err != nil {
			p.logger.Errorf("dropping undecodable stream message: %v", err)
			return
		}

		p.remember(wire.ConversationID)

		select {
		case ch <- InboundMessage{
			ConversationID: wire.ConversationID,
			Sender:         wire.Sender,
			Body:           wire.Body,
			SentAt:         wire.SentAt,
		}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "StreamProvider", "Listen", "start consumer")
	}

	return ch, nil
}

// Send appends a signed message to the conversation's subject
func (p *StreamProvider) Send(ctx context.Context, conversationID, body string) error {
	sig, err := p.signer.Sign([]byte(body))
	if err != nil {
		return errors.Wrap(err, "StreamProvider", "Send", "sign message")
	}

	wire := streamMessage{
		ConversationID: conversationID,
		Sender:         p.signer.Address(),
		Body:           body,
		SentAt:         time.Now().UTC(),
		Signature:      hex.EncodeToString(sig),
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return errors.WrapInvalid(err, "StreamProvider", "Send", "marshal message")
	}

	subject := p.subjectPrefix + "." + subjectToken(conversationID) + ".msg"
	if err := p.bus.PublishToStream(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "StreamProvider", "Send", "publish message")
	}

	p.remember(conversationID)
	return nil
}

// List returns the conversations observed so far, sorted
func (p *StreamProvider) List(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.known))
	for id := range p.known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (p *StreamProvider) remember(conversationID string) {
	if conversationID == "" {
		return
	}
	p.mu.Lock()
	p.known[conversationID] = struct{}{}
	p.mu.Unlock()
}

// subjectToken maps an arbitrary conversation id to a NATS subject token
func subjectToken(id string) string {
	var sb strings.Builder
	sb.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}
