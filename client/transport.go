package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/relaycore/errors"
)

// Transport is a duplex byte-message connection to the platform. Messages
// returns a channel that delivers inbound frames in arrival order and is
// closed when the connection is lost; after a successful Connect the channel
// is fresh.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, data []byte) error
	Messages() <-chan []byte
	Close() error
}

// WSTransport is a websocket Transport
type WSTransport struct {
	url     string
	headers map[string]string
	logger  Logger

	mu   sync.Mutex
	conn *websocket.Conn
	msgs chan []byte

	writeMu sync.Mutex

	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	maxMessageSize   int64
}

var _ Transport = (*WSTransport)(nil)

// WSOption configures a WSTransport
type WSOption func(*WSTransport)

// WithWSHeaders sets headers sent during the websocket handshake
func WithWSHeaders(headers map[string]string) WSOption {
	return func(t *WSTransport) {
		t.headers = headers
	}
}

// WithWSLogger sets the transport logger
func WithWSLogger(logger Logger) WSOption {
	return func(t *WSTransport) {
		t.logger = logger
	}
}

// WithWSMaxMessageSize caps the size of inbound frames
func WithWSMaxMessageSize(n int64) WSOption {
	return func(t *WSTransport) {
		t.maxMessageSize = n
	}
}

// NewWSTransport creates a websocket transport for url (ws:// or wss://)
func NewWSTransport(url string, opts ...WSOption) *WSTransport {
	t := &WSTransport{
		url:              url,
		logger:           &defaultLogger{},
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     10 * time.Second,
		maxMessageSize:   10 * 1024 * 1024,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials the websocket endpoint and starts the read pump
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return errors.WrapInvalid(
			fmt.Errorf("already connected"),
			"WSTransport", "Connect", "connection already established")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.handshakeTimeout,
	}

	header := make(map[string][]string, len(t.headers))
	for k, v := range t.headers {
		header[k] = []string{v}
	}

	conn, resp, err := dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil {
			return errors.WrapTransient(err, "WSTransport", "Connect",
				fmt.Sprintf("dial %s (status %d)", t.url, resp.StatusCode))
		}
		return errors.WrapTransient(err, "WSTransport", "Connect",
			fmt.Sprintf("dial %s", t.url))
	}

	conn.SetReadLimit(t.maxMessageSize)

	t.conn = conn
	t.msgs = make(chan []byte, 64)

	go t.readPump(conn, t.msgs)

	t.logger.Debugf("websocket connected to %s", t.url)
	return nil
}

// readPump reads frames until the connection fails, then closes the
// message channel to signal connection loss.
func (t *WSTransport) readPump(conn *websocket.Conn, msgs chan<- []byte) {
	defer close(msgs)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Errorf("websocket read failed: %v", err)
			}
			t.detach(conn)
			return
		}

		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		msgs <- data
	}
}

// detach clears the stored connection if it is still the one that failed
func (t *WSTransport) detach(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == conn {
		t.conn = nil
	}
	_ = conn.Close()
}

// Send writes one text frame
func (t *WSTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return errors.ErrNotConnected
	}

	deadline := time.Now().Add(t.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := conn.SetWriteDeadline(deadline); err != nil {
		return errors.WrapTransient(err, "WSTransport", "Send", "set write deadline")
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.WrapTransient(err, "WSTransport", "Send", "write message")
	}
	return nil
}

// Messages returns the inbound frame channel for the current connection
func (t *WSTransport) Messages() <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msgs
}

// Close closes the websocket connection
func (t *WSTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()

	return conn.Close()
}
