// Package registry maps event names to handlers.
//
// A name has at most one handler: registering again replaces the previous handler.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/guseggert/uipipe/envelope"
)

var ErrNilHandler = errors.New("uipipe: nil handler")

// Handler is invoked with the payload of an inbound envelope.
type Handler func(payload json.RawMessage) error

// Typed adapts a function taking a decoded payload into a Handler.
func Typed[T any](f func(T) error) Handler {
	return func(payload json.RawMessage) error {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return fmt.Errorf("decoding payload as %T: %w", v, err)
		}
		return f(v)
	}
}

// Registry is safe for concurrent use. Handlers may modify the registry while they run.
type Registry struct {
	mut      sync.RWMutex
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register sets the handler for a user event, replacing any existing one.
func (r *Registry) Register(name string, h Handler) error {
	if err := envelope.ValidateName(name); err != nil {
		return err
	}
	return r.set(name, h)
}

// RegisterInteraction sets the handler for interactions forwarded by the UI host
// for the given element, e.g. ("my_button", "click").
func (r *Registry) RegisterInteraction(elementID, interaction string, h Handler) error {
	if elementID == "" || interaction == "" {
		return fmt.Errorf("element ID and interaction are required, got %q and %q", elementID, interaction)
	}
	return r.set(envelope.InteractionEvent(elementID, interaction), h)
}

func (r *Registry) set(name string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	r.mut.Lock()
	defer r.mut.Unlock()
	r.handlers[name] = h
	return nil
}

// Clear removes the handler for name, if any.
func (r *Registry) Clear(name string) {
	r.mut.Lock()
	defer r.mut.Unlock()
	delete(r.handlers, name)
}

// ClearAll removes every handler, including interaction handlers.
func (r *Registry) ClearAll() {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.handlers = map[string]Handler{}
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Len() int {
	r.mut.RLock()
	defer r.mut.RUnlock()
	return len(r.handlers)
}

// Names returns the registered event names in sorted order.
func (r *Registry) Names() []string {
	r.mut.RLock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	r.mut.RUnlock()
	sort.Strings(names)
	return names
}
