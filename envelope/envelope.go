// Package envelope defines the logical wire unit of the messaging core:
// requests, correlated replies, push events, and the raw-text fallback for
// counterparties that do not speak the structured protocol.
package envelope

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/relaycore/errors"
)

// Kind discriminates the envelope variants. Inbound payloads are parsed into
// exactly one variant; anything that fails structured parsing is RawText,
// never a protocol violation.
type Kind int

const (
	// KindRawText is plain conversational text that did not parse as JSON
	KindRawText Kind = iota
	// KindRequest carries a method invocation with a correlation id
	KindRequest
	// KindReply carries the result or error for a correlation id
	KindReply
	// KindEvent is an unsolicited push event
	KindEvent
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindRawText:
		return "raw_text"
	case KindRequest:
		return "request"
	case KindReply:
		return "reply"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// ErrorBody is the error member of a reply envelope
type ErrorBody struct {
	Message string `json:"message"`
}

// Envelope is the tagged union over {Request, Reply, Event, RawText}.
// Which fields are meaningful depends on Kind.
type Envelope struct {
	Kind Kind `json:"-"`

	// Request and Reply
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`

	// Event
	Type  string          `json:"type,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`

	// RawText fallback: the original payload verbatim
	Raw string `json:"-"`
}

// probe mirrors the wire object for shape detection without committing to a
// variant. json.RawMessage fields distinguish "absent" from "null".
type probe struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *ErrorBody      `json:"error"`
	Type   string          `json:"type"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// Classify parses a payload into an explicit variant. Precedence follows the
// dispatcher contract: a correlated reply first, then a request, then a push
// event, with RawText as the fallback arm for anything else.
func Classify(data []byte) Envelope {
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return Envelope{Kind: KindRawText, Raw: string(data)}
	}

	switch {
	case p.ID != "" && (p.Result != nil || p.Error != nil):
		return Envelope{
			Kind:   KindReply,
			ID:     p.ID,
			Result: p.Result,
			Error:  p.Error,
		}
	case p.ID != "" && p.Method != "":
		return Envelope{
			Kind:   KindRequest,
			ID:     p.ID,
			Method: p.Method,
			Params: p.Params,
		}
	case p.Type == "event" && p.Event != "":
		return Envelope{
			Kind:  KindEvent,
			Type:  p.Type,
			Event: p.Event,
			Data:  p.Data,
		}
	default:
		return Envelope{Kind: KindRawText, Raw: string(data)}
	}
}

// NewRequest builds a request envelope with a fresh correlation id
func NewRequest(method string, params any) (Envelope, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return Envelope{}, errors.WrapInvalid(err, "Envelope", "NewRequest", "marshal params")
	}
	return Envelope{
		Kind:   KindRequest,
		ID:     NewCorrelationID(),
		Method: method,
		Params: raw,
	}, nil
}

// NewReply builds a result reply for a correlation id
func NewReply(id string, result any) (Envelope, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Envelope{}, errors.WrapInvalid(err, "Envelope", "NewReply", "marshal result")
	}
	return Envelope{Kind: KindReply, ID: id, Result: raw}, nil
}

// NewErrorReply builds an error reply for a correlation id
func NewErrorReply(id, message string) Envelope {
	return Envelope{Kind: KindReply, ID: id, Error: &ErrorBody{Message: message}}
}

// NewEvent builds a push event envelope
func NewEvent(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, errors.WrapInvalid(err, "Envelope", "NewEvent", "marshal data")
	}
	return Envelope{Kind: KindEvent, Type: "event", Event: event, Data: raw}, nil
}

// Encode serializes the envelope for the wire. RawText envelopes encode as
// their original text, unframed.
func (e Envelope) Encode() ([]byte, error) {
	switch e.Kind {
	case KindRawText:
		return []byte(e.Raw), nil
	case KindRequest:
		return json.Marshal(struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}{e.ID, e.Method, e.Params})
	case KindReply:
		if e.Error != nil {
			return json.Marshal(struct {
				ID    string     `json:"id"`
				Error *ErrorBody `json:"error"`
			}{e.ID, e.Error})
		}
		return json.Marshal(struct {
			ID     string          `json:"id"`
			Result json.RawMessage `json:"result"`
		}{e.ID, e.Result})
	case KindEvent:
		return json.Marshal(struct {
			Type  string          `json:"type"`
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}{"event", e.Event, e.Data})
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown envelope kind %d", e.Kind),
			"Envelope", "Encode", "validate kind")
	}
}

// ReplyValue returns the payload a caller should see for this reply: the
// result member when present, otherwise the whole reply re-encoded. RawText
// replies yield their text as a JSON string.
func (e Envelope) ReplyValue() json.RawMessage {
	switch {
	case e.Kind == KindRawText:
		raw, _ := json.Marshal(e.Raw)
		return raw
	case e.Result != nil:
		return e.Result
	default:
		raw, _ := e.Encode()
		return raw
	}
}

// NewCorrelationID generates a collision-resistant correlation id:
// 128 random bits, hex encoded. Falls back to a timestamp-based id if the
// system random source fails.
func NewCorrelationID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
