package push

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/events"
	"github.com/hapi-sh/hapi/internal/store"
)

// maxConcurrentPushes bounds parallel web-push deliveries per notification.
const maxConcurrentPushes = 4

// Notification is the deep-link payload a service worker renders.
type Notification struct {
	Title string           `json:"title"`
	Body  string           `json:"body"`
	Tag   string           `json:"tag,omitempty"`
	Data  NotificationData `json:"data"`
}

// NotificationData routes a notification tap back into the app.
type NotificationData struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Notifier tries a toast over live event streams first and falls back to
// Web Push only when no visible client saw it.
type Notifier struct {
	store  *store.Store
	router *events.Router
	sender Sender
	logger *logger.Logger
}

// NewNotifier wires the toast-then-push pipeline.
func NewNotifier(st *store.Store, router *events.Router, sender Sender, log *logger.Logger) *Notifier {
	return &Notifier{
		store:  st,
		router: router,
		sender: sender,
		logger: log.WithFields(zap.String("component", "push-notifier")),
	}
}

// Notify shows a notification for a session event. When at least one
// visible client receives the toast, push stays quiet; otherwise every
// registered endpoint gets the payload once. Gone endpoints are pruned.
func (n *Notifier) Notify(ctx context.Context, namespace string, note Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return err
	}

	if seen := n.router.SendToast(namespace, note.Data.SessionID, payload); seen > 0 {
		return nil
	}

	subs, err := n.store.ListPushSubscriptions(ctx, namespace)
	if err != nil {
		return err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentPushes)
	for _, sub := range subs {
		sub := sub
		group.Go(func() error {
			err := n.sender.Send(groupCtx, sub, payload)
			if errors.Is(err, ErrSubscriptionGone) {
				n.logger.Info("pruning gone push subscription", zap.String("endpoint", sub.Endpoint))
				if delErr := n.store.DeletePushSubscription(groupCtx, namespace, sub.Endpoint); delErr != nil {
					n.logger.Warn("failed to prune push subscription", zap.Error(delErr))
				}
				return nil
			}
			if err != nil {
				n.logger.Warn("push delivery failed", zap.String("endpoint", sub.Endpoint), zap.Error(err))
			}
			return nil
		})
	}
	return group.Wait()
}

// NotifyPermissionRequest is the common case: an agent is blocked waiting
// for the user.
func (n *Notifier) NotifyPermissionRequest(ctx context.Context, namespace, sessionID, title string) error {
	return n.Notify(ctx, namespace, Notification{
		Title: "Agent needs your input",
		Body:  title,
		Tag:   "permission:" + sessionID,
		Data: NotificationData{
			Type:      "permission-request",
			SessionID: sessionID,
			URL:       "/session/" + sessionID,
		},
	})
}
