package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hapi-sh/hapi/internal/common/logger"
)

// HeartbeatInterval is how often each subscription receives a heartbeat
// event to keep its transport from idling out.
const HeartbeatInterval = 30 * time.Second

// SendFunc pushes one event down a subscription's transport. An error marks
// the transport dead; the router unsubscribes it.
type SendFunc func(event *SyncEvent) error

// SubscribeOptions describe one event stream attachment.
type SubscribeOptions struct {
	Namespace string
	// All delivers every event in the namespace regardless of target.
	All       bool
	SessionID string
	MachineID string
	// Visible marks the subscriber's UI as currently on screen; toast
	// delivery counts only visible subscriptions.
	Visible       bool
	Send          SendFunc
	SendHeartbeat func() error
}

type subscription struct {
	id        string
	namespace string
	all       bool
	sessionID string
	machineID string
	visible   bool
	send      SendFunc
	heartbeat func() error
}

func (s *subscription) matches(event *SyncEvent) bool {
	if s.namespace != event.Namespace {
		return false
	}
	if s.all {
		return true
	}
	if s.sessionID != "" && event.SessionID == s.sessionID {
		return true
	}
	if s.machineID != "" && event.MachineID == s.machineID {
		return true
	}
	return false
}

// Router fans SyncEvents out to live subscriptions, filtered by namespace
// and subscription shape. Reads dominate writes; the registry is guarded by
// a RWMutex.
type Router struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	logger *logger.Logger
}

// NewRouter creates an empty subscription router.
func NewRouter(log *logger.Logger) *Router {
	return &Router{
		subs:   make(map[string]*subscription),
		logger: log.WithFields(zap.String("component", "event-router")),
	}
}

// Subscribe attaches an event stream and returns its subscription id.
func (r *Router) Subscribe(opts SubscribeOptions) string {
	sub := &subscription{
		id:        uuid.New().String(),
		namespace: opts.Namespace,
		all:       opts.All,
		sessionID: opts.SessionID,
		machineID: opts.MachineID,
		visible:   opts.Visible,
		send:      opts.Send,
		heartbeat: opts.SendHeartbeat,
	}
	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()
	r.logger.Debug("subscription added",
		zap.String("subscription_id", sub.id),
		zap.String("namespace", opts.Namespace))
	return sub.id
}

// Unsubscribe detaches a stream. Idempotent: unknown ids are ignored.
func (r *Router) Unsubscribe(id string) {
	r.mu.Lock()
	_, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if ok {
		r.logger.Debug("subscription removed", zap.String("subscription_id", id))
	}
}

// SetVisibility flips a subscription's visible flag. Returns false when the
// subscription no longer exists.
func (r *Router) SetVisibility(id string, visible bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	sub.visible = visible
	return true
}

// Dispatch delivers an event to every matching subscription and returns the
// delivery count. Dead transports are pruned.
func (r *Router) Dispatch(event *SyncEvent) int {
	r.mu.RLock()
	targets := make([]*subscription, 0, 4)
	for _, sub := range r.subs {
		if sub.matches(event) {
			targets = append(targets, sub)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if err := sub.send(event); err != nil {
			r.logger.Debug("dropping dead subscription",
				zap.String("subscription_id", sub.id),
				zap.Error(err))
			r.Unsubscribe(sub.id)
			continue
		}
		delivered++
	}
	return delivered
}

// SendToast delivers a toast to every matching subscription in the
// namespace and returns the number of VISIBLE subscriptions it reached.
// Zero means nobody is watching; callers fall back to web push.
func (r *Router) SendToast(namespace, sessionID string, data json.RawMessage) int {
	event := NewSyncEvent(ToastEvent, namespace, data)
	event.SessionID = sessionID

	// The visible flag is snapshotted under the lock; SetVisibility may
	// flip it concurrently with delivery.
	type toastTarget struct {
		sub     *subscription
		visible bool
	}
	r.mu.RLock()
	targets := make([]toastTarget, 0, 4)
	for _, sub := range r.subs {
		if sub.matches(event) {
			targets = append(targets, toastTarget{sub: sub, visible: sub.visible})
		}
	}
	r.mu.RUnlock()

	visible := 0
	for _, target := range targets {
		if err := target.sub.send(event); err != nil {
			r.Unsubscribe(target.sub.id)
			continue
		}
		if target.visible {
			visible++
		}
	}
	return visible
}

// RunHeartbeats emits a heartbeat on every subscription at
// HeartbeatInterval until ctx is cancelled. Failed heartbeats unsubscribe.
func (r *Router) RunHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.RLock()
			subs := make([]*subscription, 0, len(r.subs))
			for _, sub := range r.subs {
				subs = append(subs, sub)
			}
			r.mu.RUnlock()
			for _, sub := range subs {
				if sub.heartbeat == nil {
					continue
				}
				if err := sub.heartbeat(); err != nil {
					r.Unsubscribe(sub.id)
				}
			}
		}
	}
}

// Count returns the number of live subscriptions, for diagnostics.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
