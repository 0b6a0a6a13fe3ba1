package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hapi-sh/hapi/internal/auth"
	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/events"
	"github.com/hapi-sh/hapi/internal/events/bus"
	"github.com/hapi-sh/hapi/internal/flavor"
	"github.com/hapi-sh/hapi/internal/gateway"
	"github.com/hapi-sh/hapi/internal/push"
	"github.com/hapi-sh/hapi/internal/store"
	hapisync "github.com/hapi-sh/hapi/internal/sync"
)

const testBaseToken = "test-access-token"

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	log := logger.Default()

	st, err := store.Open(filepath.Join(t.TempDir(), "hapi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	memBus := bus.NewMemoryBus(log)
	t.Cleanup(func() { memBus.Close() })
	pub := events.NewPublisher(memBus, log)
	router := events.NewRouter(log)
	cache := hapisync.NewCache(st, pub, log)
	registry := hapisync.NewRegistry()
	catalog := flavor.Builtin()
	engine := hapisync.NewEngine(st, cache, registry, catalog, pub, log)
	broker := hapisync.NewPermissionBroker()
	gw := gateway.New(st, cache, registry, pub, broker, nil, log)
	verifier := auth.NewVerifier(testBaseToken, []byte("test-jwt-secret"))

	server := NewServer(Deps{
		Store:     st,
		Engine:    engine,
		Cache:     cache,
		Registry:  registry,
		Router:    router,
		Publisher: pub,
		Gateway:   gw,
		Broker:    broker,
		Verifier:  verifier,
		QR:        auth.NewQRBroker(),
		Flavors:   catalog,
		VAPID:     &push.VAPIDKeys{PublicKey: "pub", PrivateKey: "priv"},
		BaseToken: testBaseToken,
	}, log)
	return server, st
}

func doRequest(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_ExchangeAndUse(t *testing.T) {
	s, st := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/auth", "", map[string]string{
		"accessToken": testBaseToken + ":team",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	jwt := body["token"].(string)
	assert.Equal(t, "team", body["namespace"])

	_, err := st.GetOrCreateSession(context.Background(), store.CreateSessionParams{Tag: "work", Namespace: "team"})
	require.NoError(t, err)

	rec = doRequest(t, s, http.MethodGet, "/api/sessions", jwt, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Sessions []*store.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed.Sessions, 1)

	// The JWT is namespace-scoped; default-namespace data is invisible.
	rec = doRequest(t, s, http.MethodGet, "/api/sessions", testBaseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Empty(t, listed.Sessions)
}

func TestAuth_RejectsBadToken(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/auth", "", map[string]string{"accessToken": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/sessions", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestQRLogin_FullFlow(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/qr", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	created := decodeBody(t, rec)
	id := created["id"].(string)
	secret := created["secret"].(string)

	poll := func() (int, map[string]interface{}) {
		rec := doRequest(t, s, http.MethodGet, fmt.Sprintf("/qr/%s?s=%s", id, secret), "", nil)
		return rec.Code, decodeBody(t, rec)
	}

	code, body := poll()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending", body["status"])

	// Confirm as an authed caller in namespace "team".
	rec = doRequest(t, s, http.MethodPost, fmt.Sprintf("/api/qr/%s/confirm?s=%s", id, secret), testBaseToken+":team", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	code, body = poll()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "confirmed", body["status"])
	assert.Equal(t, testBaseToken+":team", body["accessToken"])

	// The token is claimable once.
	code, body = poll()
	assert.Equal(t, http.StatusGone, code)
	assert.Equal(t, "expired", body["status"])
}

func TestPatchSession_VersionConflict(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	session, err := st.GetOrCreateSession(ctx, store.CreateSessionParams{Tag: "work", Namespace: "default"})
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodPatch, "/api/sessions/"+session.ID, testBaseToken, map[string]interface{}{
		"metadata":        map[string]string{"title": "first"},
		"expectedVersion": 0,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Same expected version again: stale.
	rec = doRequest(t, s, http.MethodPatch, "/api/sessions/"+session.ID, testBaseToken, map[string]interface{}{
		"metadata":        map[string]string{"title": "second"},
		"expectedVersion": 0,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "version-mismatch", body["result"])
}

func TestSessionRoutes_NotFoundAndOffline(t *testing.T) {
	s, st := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/sessions/no-such-id", testBaseToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	session, err := st.GetOrCreateSession(context.Background(), store.CreateSessionParams{Tag: "work", Namespace: "default"})
	require.NoError(t, err)

	// No runner owns the session: in-session ops are 503.
	rec = doRequest(t, s, http.MethodPost, "/api/sessions/"+session.ID+"/abort", testBaseToken, map[string]string{})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSpawn_MachineOffline(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/machines/machine-1/spawn", testBaseToken, map[string]string{
		"directory": "/work",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPushSubscribeRoundTrip(t *testing.T) {
	s, st := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/push/vapid-public-key", testBaseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pub", decodeBody(t, rec)["publicKey"])

	rec = doRequest(t, s, http.MethodPost, "/api/push/subscribe", testBaseToken, map[string]interface{}{
		"endpoint": "https://push.example/a",
		"keys":     map[string]string{"p256dh": "k1", "auth": "k2"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	subs, err := st.ListPushSubscriptions(context.Background(), "default")
	require.NoError(t, err)
	require.Len(t, subs, 1)

	rec = doRequest(t, s, http.MethodDelete, "/api/push/subscribe", testBaseToken, map[string]string{
		"endpoint": "https://push.example/a",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	subs, err = st.ListPushSubscriptions(context.Background(), "default")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestPermissionResolve(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	session, err := st.GetOrCreateSession(ctx, store.CreateSessionParams{Tag: "work", Namespace: "default"})
	require.NoError(t, err)

	answered := make(chan hapisync.PermissionOutcome, 1)
	go func() {
		outcome, err := s.deps.Broker.Request(ctx, hapisync.PermissionRequest{
			RequestID: "req-1",
			SessionID: session.ID,
			Title:     "Write to main.go?",
		})
		assert.NoError(t, err)
		answered <- outcome
	}()
	require.Eventually(t, func() bool {
		return len(s.deps.Broker.Pending(session.ID)) == 1
	}, time.Second, 5*time.Millisecond)

	rec := doRequest(t, s, http.MethodGet, "/api/sessions/"+session.ID+"/permissions", testBaseToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Requests []hapisync.PermissionRequest `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Requests, 1)

	rec = doRequest(t, s, http.MethodPost, "/api/sessions/"+session.ID+"/permissions/req-1", testBaseToken, map[string]string{
		"outcome": "selected", "optionId": "allow",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case outcome := <-answered:
		assert.Equal(t, "selected", outcome.Outcome)
		assert.Equal(t, "allow", outcome.OptionID)
	case <-time.After(time.Second):
		t.Fatal("permission request never resolved")
	}

	// Double-resolve is rejected.
	rec = doRequest(t, s, http.MethodPost, "/api/sessions/"+session.ID+"/permissions/req-1", testBaseToken, map[string]string{
		"outcome": "cancelled",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostMessage_StoresAndReturns(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	session, err := st.GetOrCreateSession(ctx, store.CreateSessionParams{Tag: "work", Namespace: "default"})
	require.NoError(t, err)

	rec := doRequest(t, s, http.MethodPost, "/api/sessions/"+session.ID+"/messages", testBaseToken, map[string]string{
		"text": "hello agent",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var message store.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &message))
	assert.Equal(t, int64(1), message.Seq)

	messages, err := st.GetMessages(ctx, session.ID, 10, nil)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}
