package store

import (
	"context"

	"github.com/google/uuid"
)

// SavePushSubscription registers a web-push endpoint. Re-registering an
// endpoint in the same namespace refreshes its keys.
func (s *Store) SavePushSubscription(ctx context.Context, namespace, endpoint, keyP256dh, keyAuth string) (*PushSubscription, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	sub := &PushSubscription{
		ID:        uuid.New().String(),
		Namespace: namespace,
		Endpoint:  endpoint,
		KeyP256dh: keyP256dh,
		KeyAuth:   keyAuth,
		CreatedAt: nowMs(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (id, namespace, endpoint, key_p256dh, key_auth, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, endpoint) DO UPDATE SET key_p256dh = excluded.key_p256dh, key_auth = excluded.key_auth
	`, sub.ID, sub.Namespace, sub.Endpoint, sub.KeyP256dh, sub.KeyAuth, sub.CreatedAt)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListPushSubscriptions returns all subscriptions registered in a namespace.
func (s *Store) ListPushSubscriptions(ctx context.Context, namespace string) ([]*PushSubscription, error) {
	subs := []*PushSubscription{}
	err := s.ro.SelectContext(ctx, &subs, `SELECT * FROM push_subscriptions WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, err
	}
	return subs, nil
}

// DeletePushSubscription removes an endpoint registration. Used when the
// push service reports the subscription gone (404/410).
func (s *Store) DeletePushSubscription(ctx context.Context, namespace, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE namespace = ? AND endpoint = ?`, namespace, endpoint)
	return err
}
