package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// ReservedPrefix marks event names that are synthesized by the transport itself.
	// User code may not register or emit names that start with it.
	ReservedPrefix = "__"

	// ReadyEvent is sent by the UI host once it has attached to both streams.
	ReadyEvent = ReservedPrefix + "ready__"

	interactionPrefix = ReservedPrefix + "event__"
)

var (
	ErrReservedEventName = errors.New("uipipe: reserved event name")
	ErrEmptyEventName    = errors.New("uipipe: empty event name")
	ErrMalformedEnvelope = errors.New("uipipe: malformed envelope")
)

// Envelope is one event message as it travels on a stream.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Ready is the payload of the ReadyEvent handshake.
type Ready struct {
	SessionID string `json:"sessionID"`
	PID       int    `json:"pid"`
}

// ValidateName returns an error if name may not be used for user events.
func ValidateName(name string) error {
	if name == "" {
		return ErrEmptyEventName
	}
	if strings.HasPrefix(name, ReservedPrefix) {
		return fmt.Errorf("%w: %q", ErrReservedEventName, name)
	}
	return nil
}

// IsReserved reports whether name starts with the reserved prefix.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}

// InteractionEvent returns the synthesized event name for an interaction with a UI element,
// e.g. InteractionEvent("my_button", "click") == "__event__.my_button.click".
func InteractionEvent(elementID, interaction string) string {
	return interactionPrefix + "." + elementID + "." + interaction
}

// Encode serializes an envelope as compact JSON followed by a single newline.
// Names are not validated here, that is the job of the emitting side.
func Encode(event string, payload any) ([]byte, error) {
	if event == "" {
		return nil, ErrEmptyEventName
	}
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case nil:
		raw = json.RawMessage("null")
	default:
		b, err := marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encoding payload for %q: %w", event, err)
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	b, err := marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope %q: %w", event, err)
	}
	return append(b, '\n'), nil
}

// marshal is json.Marshal without HTML escaping and without the trailing newline
// that json.Encoder adds. Compact output never contains a literal newline.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses b as exactly one envelope.
// Any failure is reported as ErrMalformedEnvelope.
func Decode(b []byte) (Envelope, error) {
	if !json.Valid(b) {
		return Envelope{}, fmt.Errorf("%w: invalid JSON", ErrMalformedEnvelope)
	}
	if err := validateShape(b); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrMalformedEnvelope, err)
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// Unmarshal decodes the payload into v.
func (e Envelope) Unmarshal(v any) error {
	return json.Unmarshal(e.Payload, v)
}
