package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/events"
	"github.com/hapi-sh/hapi/internal/store"
)

// SessionExpiry is how long a session may go without a keepalive before it
// is flipped inactive.
const SessionExpiry = 30 * time.Second

type cachedSession struct {
	namespace string
	active    bool
	activeAt  int64
	thinking  bool
}

// Cache is the sync engine's in-memory liveness mirror. Every mutation
// writes the store first, then the mirror, then broadcasts (write →
// reconcile → broadcast).
type Cache struct {
	mu       sync.Mutex
	sessions map[string]*cachedSession
	// waiters are signalled when their session first reports alive.
	waiters map[string][]chan struct{}

	store     *store.Store
	publisher *events.Publisher
	logger    *logger.Logger
}

// NewCache creates the liveness mirror over the given store and publisher.
func NewCache(st *store.Store, pub *events.Publisher, log *logger.Logger) *Cache {
	return &Cache{
		sessions:  make(map[string]*cachedSession),
		waiters:   make(map[string][]chan struct{}),
		store:     st,
		publisher: pub,
		logger:    log.WithFields(zap.String("component", "session-cache")),
	}
}

// HandleSessionAlive processes a runner keepalive. Keepalives older than the
// mirror's activeAt are ignored; a thinking flag is only broadcast when
// provided and changed.
func (c *Cache) HandleSessionAlive(ctx context.Context, sessionID, namespace string, at int64, thinking *bool) {
	c.mu.Lock()
	entry, ok := c.sessions[sessionID]
	if !ok {
		entry = &cachedSession{namespace: namespace}
		c.sessions[sessionID] = entry
	}
	if at < entry.activeAt {
		c.mu.Unlock()
		return
	}

	wasActive := entry.active
	entry.active = true
	entry.activeAt = at

	thinkingChanged := false
	newThinking := entry.thinking
	if thinking != nil && *thinking != entry.thinking {
		thinkingChanged = true
		newThinking = *thinking
		entry.thinking = newThinking
	}

	waiters := c.waiters[sessionID]
	delete(c.waiters, sessionID)
	c.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	if err := c.store.MarkSessionAlive(ctx, sessionID, namespace, at, newThinking); err != nil {
		c.logger.WithSessionID(sessionID).Warn("failed to persist keepalive", zap.Error(err))
	}

	payload := map[string]interface{}{"active": true, "activeAt": at}
	if thinkingChanged {
		payload["thinking"] = newThinking
	}
	if !wasActive || thinkingChanged {
		data, _ := json.Marshal(payload)
		c.publisher.SessionUpdated(ctx, namespace, sessionID, data)
	}
}

// HandleSessionEnd flips a session inactive immediately. The broadcast
// carries thinking:false alongside: a dead session never shows a spinner.
func (c *Cache) HandleSessionEnd(ctx context.Context, sessionID, namespace string, at int64) {
	c.mu.Lock()
	entry, ok := c.sessions[sessionID]
	if ok {
		entry.active = false
		entry.thinking = false
	} else {
		c.sessions[sessionID] = &cachedSession{namespace: namespace, activeAt: at}
	}
	c.mu.Unlock()

	c.markInactive(ctx, sessionID, namespace, at)
}

// ForceInactive marks a session inactive in the mirror only, used when a
// kill RPC failed and the runner's real state is unknown.
func (c *Cache) ForceInactive(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.sessions[sessionID]; ok {
		entry.active = false
		entry.thinking = false
	}
}

// ExpireInactive sweeps sessions whose last keepalive is older than
// SessionExpiry. Every expiry broadcast includes thinking:false — omitting
// it leaves viewers spinning on a dead session.
func (c *Cache) ExpireInactive(ctx context.Context, now int64) {
	expiry := SessionExpiry.Milliseconds()

	c.mu.Lock()
	expired := make(map[string]string) // sessionID -> namespace
	for id, entry := range c.sessions {
		if entry.active && now-entry.activeAt > expiry {
			entry.active = false
			entry.thinking = false
			expired[id] = entry.namespace
		}
	}
	c.mu.Unlock()

	for id, namespace := range expired {
		c.markInactive(ctx, id, namespace, now)
	}
}

func (c *Cache) markInactive(ctx context.Context, sessionID, namespace string, at int64) {
	if err := c.store.MarkSessionInactive(ctx, sessionID, namespace, at); err != nil {
		c.logger.WithSessionID(sessionID).Warn("failed to persist inactive state", zap.Error(err))
	}
	data, _ := json.Marshal(map[string]interface{}{"active": false, "thinking": false})
	c.publisher.SessionUpdated(ctx, namespace, sessionID, data)
}

// IsActive reports the mirror's view of a session.
func (c *Cache) IsActive(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.sessions[sessionID]
	return ok && entry.active
}

// WaitForActive blocks until the session reports alive or the timeout
// elapses. Returns true when the session became active.
func (c *Cache) WaitForActive(ctx context.Context, sessionID string, timeout time.Duration) bool {
	c.mu.Lock()
	if entry, ok := c.sessions[sessionID]; ok && entry.active {
		c.mu.Unlock()
		return true
	}
	w := make(chan struct{})
	c.waiters[sessionID] = append(c.waiters[sessionID], w)
	c.mu.Unlock()

	select {
	case <-w:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

// RunExpiry sweeps for expired sessions once per second until ctx ends.
func (c *Cache) RunExpiry(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ExpireInactive(ctx, time.Now().UnixMilli())
		}
	}
}
