package push

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/events"
	"github.com/hapi-sh/hapi/internal/store"
)

// fakeSender records deliveries; sends run concurrently.
type fakeSender struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeSender) Send(_ context.Context, sub *store.PushSubscription, _ []byte) error {
	f.mu.Lock()
	f.calls = append(f.calls, sub.Endpoint)
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail[sub.Endpoint]
	}
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeSender) reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

func newTestNotifier(t *testing.T) (*Notifier, *store.Store, *events.Router, *fakeSender) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "hapi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	router := events.NewRouter(logger.Default())
	sender := &fakeSender{}
	return NewNotifier(st, router, sender, logger.Default()), st, router, sender
}

func TestNotify_VisibleToastSuppressesPush(t *testing.T) {
	n, st, router, sender := newTestNotifier(t)
	ctx := context.Background()

	_, err := st.SavePushSubscription(ctx, "default", "https://push.example/a", "p256dh", "auth")
	require.NoError(t, err)

	router.Subscribe(events.SubscribeOptions{
		Namespace: "default",
		All:       true,
		Visible:   true,
		Send:      func(*events.SyncEvent) error { return nil },
	})

	require.NoError(t, n.NotifyPermissionRequest(ctx, "default", "s1", "Run rm -rf build?"))
	assert.Empty(t, sender.sent(), "visible toast delivery must not trigger push")
}

func TestNotify_NoViewersFallsBackToPush(t *testing.T) {
	n, st, router, sender := newTestNotifier(t)
	ctx := context.Background()

	_, err := st.SavePushSubscription(ctx, "default", "https://push.example/a", "p256dh", "auth")
	require.NoError(t, err)
	_, err = st.SavePushSubscription(ctx, "default", "https://push.example/b", "p256dh", "auth")
	require.NoError(t, err)

	// A connected but hidden client: the toast reaches it yet counts zero.
	router.Subscribe(events.SubscribeOptions{
		Namespace: "default",
		All:       true,
		Visible:   false,
		Send:      func(*events.SyncEvent) error { return nil },
	})

	require.NoError(t, n.NotifyPermissionRequest(ctx, "default", "s1", "Run tests?"))
	assert.ElementsMatch(t, []string{"https://push.example/a", "https://push.example/b"}, sender.sent())

	// A second notification pushes again, exactly once per endpoint.
	sender.reset()
	require.NoError(t, n.NotifyPermissionRequest(ctx, "default", "s1", "Run tests?"))
	assert.Len(t, sender.sent(), 2)
}

func TestNotify_GoneSubscriptionPruned(t *testing.T) {
	n, st, _, sender := newTestNotifier(t)
	ctx := context.Background()

	_, err := st.SavePushSubscription(ctx, "default", "https://push.example/dead", "p256dh", "auth")
	require.NoError(t, err)
	sender.fail = map[string]error{"https://push.example/dead": ErrSubscriptionGone}

	require.NoError(t, n.NotifyPermissionRequest(ctx, "default", "s1", "hello"))

	subs, err := st.ListPushSubscriptions(ctx, "default")
	require.NoError(t, err)
	assert.Empty(t, subs, "410 endpoints are removed")
}

func TestNotify_NamespaceScoped(t *testing.T) {
	n, st, _, sender := newTestNotifier(t)
	ctx := context.Background()

	_, err := st.SavePushSubscription(ctx, "other", "https://push.example/other", "p256dh", "auth")
	require.NoError(t, err)

	require.NoError(t, n.NotifyPermissionRequest(ctx, "default", "s1", "hello"))
	assert.Empty(t, sender.sent())
}

func TestLoadOrCreateVAPID_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "vapid.json")

	keys, err := LoadOrCreateVAPID(path)
	require.NoError(t, err)
	assert.NotEmpty(t, keys.PublicKey)
	assert.NotEmpty(t, keys.PrivateKey)

	again, err := LoadOrCreateVAPID(path)
	require.NoError(t, err)
	assert.Equal(t, keys.PublicKey, again.PublicKey)
	assert.Equal(t, keys.PrivateKey, again.PrivateKey)
}
