package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/guseggert/uipipe/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmits(t *testing.T) {
	cases := []struct {
		name   string
		args   []string
		exp    []envelope.Envelope
		expErr bool
	}{
		{
			name: "payloads",
			args: []string{`greet="hi"`, `count=3`, `obj={"a":[1,2]}`},
			exp: []envelope.Envelope{
				{Event: "greet", Payload: json.RawMessage(`"hi"`)},
				{Event: "count", Payload: json.RawMessage(`3`)},
				{Event: "obj", Payload: json.RawMessage(`{"a":[1,2]}`)},
			},
		},
		{
			name: "missing payload is null",
			args: []string{"refresh"},
			exp:  []envelope.Envelope{{Event: "refresh", Payload: json.RawMessage(`null`)}},
		},
		{name: "reserved name", args: []string{"__ready__=1"}, expErr: true},
		{name: "empty name", args: []string{"=1"}, expErr: true},
		{name: "invalid json", args: []string{"x={"}, expErr: true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			envs, err := parseEmits(c.args)
			if c.expErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.exp, envs)
		})
	}
}

func TestEnvelopeWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &envelopeWriter{w: &buf}
	require.NoError(t, w.write("pong", json.RawMessage(`{"n": 1}`)))
	assert.Equal(t, `{"event":"pong","payload":{"n":1}}`+"\n", buf.String())
}
