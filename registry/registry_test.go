package registry

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/guseggert/uipipe/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nop(json.RawMessage) error { return nil }

func TestReservedNames(t *testing.T) {
	r := New()
	err := r.Register("__x", nop)
	assert.ErrorIs(t, err, envelope.ErrReservedEventName)
	assert.Equal(t, 0, r.Len())

	require.NoError(t, r.Register("x", nop))
	_, ok := r.Lookup("x")
	assert.True(t, ok)
}

func TestNilHandler(t *testing.T) {
	assert.ErrorIs(t, New().Register("x", nil), ErrNilHandler)
}

func TestReplace(t *testing.T) {
	r := New()
	var called string
	require.NoError(t, r.Register("x", func(json.RawMessage) error { called = "a"; return nil }))
	require.NoError(t, r.Register("x", func(json.RawMessage) error { called = "b"; return nil }))

	h, ok := r.Lookup("x")
	require.True(t, ok)
	require.NoError(t, h(nil))
	assert.Equal(t, "b", called)
	assert.Equal(t, 1, r.Len())
}

func TestClear(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("x", nop))
	require.NoError(t, r.Register("y", nop))
	require.NoError(t, r.RegisterInteraction("btn", "click", nop))

	r.Clear("x")
	r.Clear("missing")
	_, ok := r.Lookup("x")
	assert.False(t, ok)
	assert.Equal(t, []string{envelope.InteractionEvent("btn", "click"), "y"}, r.Names())

	r.ClearAll()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Names())
}

func TestRegisterInteraction(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterInteraction("my_button", "click", nop))
	_, ok := r.Lookup("__event__.my_button.click")
	assert.True(t, ok)

	assert.Error(t, r.RegisterInteraction("", "click", nop))
	assert.Error(t, r.RegisterInteraction("my_button", "", nop))
}

func TestTyped(t *testing.T) {
	type msg struct {
		Text string `json:"text"`
	}
	var got msg
	h := Typed(func(m msg) error {
		got = m
		return nil
	})
	require.NoError(t, h(json.RawMessage(`{"text":"hello"}`)))
	assert.Equal(t, "hello", got.Text)

	assert.Error(t, h(json.RawMessage(`"not an object"`)))

	sentinel := errors.New("boom")
	failing := Typed(func(string) error { return sentinel })
	assert.ErrorIs(t, failing(json.RawMessage(`"x"`)), sentinel)
}

func TestModifyFromHandler(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("self", func(json.RawMessage) error {
		r.Clear("self")
		return r.Register("other", nop)
	}))
	require.NoError(t, r.Register("keep", nop))

	h, ok := r.Lookup("self")
	require.True(t, ok)
	require.NoError(t, h(nil))

	assert.Equal(t, []string{"keep", "other"}, r.Names())
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				_ = r.Register("x", nop)
				r.Lookup("x")
				r.Clear("x")
				r.Names()
			}
		}()
	}
	wg.Wait()
}
