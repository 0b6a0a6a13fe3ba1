package sync

import (
	"context"
	"fmt"
	"sync"
)

// PermissionOutcome is a client's answer to a pending permission request.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"` // "selected" or "cancelled"
	OptionID string `json:"optionId,omitempty"`
}

// Cancelled reports whether the client dismissed the request.
func (o PermissionOutcome) Cancelled() bool {
	return o.Outcome == "cancelled"
}

// PermissionRequest is what the broker surfaces to connected clients while
// an agent waits for an answer.
type PermissionRequest struct {
	RequestID string        `json:"requestId"`
	SessionID string        `json:"sessionId"`
	Title     string        `json:"title,omitempty"`
	Options   []interface{} `json:"options,omitempty"`
}

type pendingPermission struct {
	request PermissionRequest
	ch      chan PermissionOutcome
}

// PermissionBroker parks agent-side permission requests until a client
// resolves them. One outstanding answer per request id; late or duplicate
// resolutions are rejected.
type PermissionBroker struct {
	mu      sync.Mutex
	pending map[string]*pendingPermission
}

// NewPermissionBroker creates an empty broker.
func NewPermissionBroker() *PermissionBroker {
	return &PermissionBroker{pending: make(map[string]*pendingPermission)}
}

// Request parks a permission request and blocks until Resolve is called or
// the context ends. A cancelled context yields a cancelled outcome so the
// agent is never left hanging.
func (b *PermissionBroker) Request(ctx context.Context, req PermissionRequest) (PermissionOutcome, error) {
	if req.RequestID == "" {
		return PermissionOutcome{}, fmt.Errorf("permission request without an id")
	}

	p := &pendingPermission{request: req, ch: make(chan PermissionOutcome, 1)}

	b.mu.Lock()
	if _, exists := b.pending[req.RequestID]; exists {
		b.mu.Unlock()
		return PermissionOutcome{}, fmt.Errorf("permission request %s already pending", req.RequestID)
	}
	b.pending[req.RequestID] = p
	b.mu.Unlock()

	select {
	case outcome := <-p.ch:
		return outcome, nil
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, req.RequestID)
		b.mu.Unlock()
		return PermissionOutcome{Outcome: "cancelled"}, nil
	}
}

// Resolve answers a pending request. Unknown ids are an error: the request
// may have already been answered or its session torn down.
func (b *PermissionBroker) Resolve(requestID string, outcome PermissionOutcome) error {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("no pending permission request %s", requestID)
	}
	p.ch <- outcome
	return nil
}

// Pending lists requests still waiting on an answer, for clients that
// reconnect mid-request.
func (b *PermissionBroker) Pending(sessionID string) []PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []PermissionRequest
	for _, p := range b.pending {
		if sessionID == "" || p.request.SessionID == sessionID {
			out = append(out, p.request)
		}
	}
	return out
}
