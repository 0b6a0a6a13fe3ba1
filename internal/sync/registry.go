// Package sync is the hub's coordination core: it mirrors session liveness
// in memory, fans RPCs out to runner sockets, and drives spawn and restart
// flows end to end.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultAckTimeout bounds how long an RPC waits for the owning runner
// socket to answer.
const DefaultAckTimeout = 30 * time.Second

// RPCHandler serves one registered method, normally by forwarding over the
// owning runner's socket and waiting for the reply.
type RPCHandler func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Registry maps scoped method names ("machine-1:spawn-happy-session",
// "<sessionId>:killSession") to the runner socket currently owning them.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]RPCHandler
}

// NewRegistry creates an empty RPC registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]RPCHandler)}
}

// Register binds a method to a handler, replacing any previous owner.
func (r *Registry) Register(method string, handler RPCHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = handler
}

// Unregister removes a method binding. Idempotent.
func (r *Registry) Unregister(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, method)
}

// UnregisterAll removes every binding matching the given owner predicate,
// used when a runner socket disconnects.
func (r *Registry) UnregisterAll(match func(method string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for method := range r.handlers {
		if match(method) {
			delete(r.handlers, method)
		}
	}
}

// Call dispatches a registered method with an ack-timeout. A method with no
// registered handler is an immediate error, not a wait.
func (r *Registry) Call(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	r.mu.RLock()
	handler, ok := r.handlers[method]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s", method)
	}

	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		data json.RawMessage
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := handler(ctx, params)
		ch <- result{data, err}
	}()

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("rpc %s: %w", method, ctx.Err())
	}
}

// Has reports whether a handler is currently registered.
func (r *Registry) Has(method string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[method]
	return ok
}
