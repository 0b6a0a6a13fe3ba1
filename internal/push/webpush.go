package push

import (
	"context"
	"errors"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/hapi-sh/hapi/internal/store"
)

// ErrSubscriptionGone means the push service no longer recognizes the
// endpoint (404/410) and the subscription should be dropped.
var ErrSubscriptionGone = errors.New("push subscription gone")

// Sender delivers one payload to one subscription endpoint.
type Sender interface {
	Send(ctx context.Context, sub *store.PushSubscription, payload []byte) error
}

// WebPushSender sends through the Web Push protocol with VAPID auth.
type WebPushSender struct {
	keys       *VAPIDKeys
	subscriber string
	ttl        int
}

// NewWebPushSender creates a sender. subscriber is the contact URI push
// services may use to reach the operator (mailto: or https:).
func NewWebPushSender(keys *VAPIDKeys, subscriber string) *WebPushSender {
	if subscriber == "" {
		subscriber = "https://github.com/hapi-sh/hapi"
	}
	return &WebPushSender{keys: keys, subscriber: subscriber, ttl: 60}
}

func (s *WebPushSender) Send(ctx context.Context, sub *store.PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.KeyP256dh,
			Auth:   sub.KeyAuth,
		},
	}, &webpush.Options{
		Subscriber:      s.subscriber,
		VAPIDPublicKey:  s.keys.PublicKey,
		VAPIDPrivateKey: s.keys.PrivateKey,
		TTL:             s.ttl,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return ErrSubscriptionGone
	}
	if resp.StatusCode >= 400 {
		return errors.New("push service rejected notification: " + resp.Status)
	}
	return nil
}
