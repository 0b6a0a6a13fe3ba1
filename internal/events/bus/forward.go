package bus

import (
	"context"

	"github.com/hapi-sh/hapi/internal/events"
)

// Forward wires the bus into a router: every event published on any
// namespace subject is dispatched to the router's live subscriptions. This
// is what lets a multi-node deployment fan NATS events out to local SSE
// streams.
func Forward(b Bus, router *events.Router) (Subscription, error) {
	return b.Subscribe(events.SubjectAllNamespaces, func(_ context.Context, event *events.SyncEvent) error {
		router.Dispatch(event)
		return nil
	})
}
