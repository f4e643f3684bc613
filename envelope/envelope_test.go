package envelope

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		event   string
		payload any
	}{
		{name: "string", event: "ping", payload: "hi"},
		{name: "null", event: "ping", payload: nil},
		{name: "number", event: "count", payload: 42.5},
		{name: "bool", event: "flag", payload: true},
		{name: "list", event: "list", payload: []any{1.0, "two", nil}},
		{name: "map", event: "obj", payload: map[string]any{"a": "b", "nested": map[string]any{"c": 1.0}}},
		{name: "newlines in payload", event: "text", payload: "line1\nline2\r\n"},
		{name: "html", event: "html", payload: "<b>&</b>"},
		{name: "unicode", event: "héllo", payload: "ü "},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			b, err := Encode(c.event, c.payload)
			require.NoError(t, err)

			assert.Equal(t, byte('\n'), b[len(b)-1])
			assert.Equal(t, 1, bytes.Count(b, []byte("\n")), "only the trailing delimiter may be a literal newline")

			env, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, c.event, env.Event)

			var got any
			require.NoError(t, env.Unmarshal(&got))
			assert.Equal(t, c.payload, got)
		})
	}
}

func TestEncodeRawPayloadIsCompacted(t *testing.T) {
	b, err := Encode("raw", json.RawMessage("{\n  \"a\": 1\n}"))
	require.NoError(t, err)
	assert.Equal(t, `{"event":"raw","payload":{"a":1}}`+"\n", string(b))
}

func TestEncodeRejectsEmptyName(t *testing.T) {
	_, err := Encode("", 1)
	assert.ErrorIs(t, err, ErrEmptyEventName)
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{name: "not json", input: `{"event":`},
		{name: "array", input: `[1,2]`},
		{name: "string", input: `"ping"`},
		{name: "missing payload", input: `{"event":"ping"}`},
		{name: "missing event", input: `{"payload":1}`},
		{name: "empty event", input: `{"event":"","payload":1}`},
		{name: "non-string event", input: `{"event":7,"payload":1}`},
		{name: "two values", input: `{"event":"a","payload":1}{"event":"b","payload":2}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Decode([]byte(c.input))
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}

func TestDecodeNullPayload(t *testing.T) {
	env, err := Decode([]byte(`{"event":"x","payload":null}`))
	require.NoError(t, err)
	assert.Equal(t, "x", env.Event)
	assert.Equal(t, json.RawMessage("null"), env.Payload)
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("x"))
	assert.NoError(t, ValidateName("_x"))
	assert.ErrorIs(t, ValidateName("__x"), ErrReservedEventName)
	assert.ErrorIs(t, ValidateName(ReadyEvent), ErrReservedEventName)
	assert.ErrorIs(t, ValidateName(""), ErrEmptyEventName)
}

func TestInteractionEvent(t *testing.T) {
	name := InteractionEvent("my_button", "click")
	assert.Equal(t, "__event__.my_button.click", name)
	assert.True(t, IsReserved(name))
}
