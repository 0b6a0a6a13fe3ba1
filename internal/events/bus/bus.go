// Package bus provides the event bus carrying SyncEvents between the hub's
// publishers and its subscription routers. Two implementations exist: an
// in-memory bus for single-node deployments and a NATS bus for clustering.
package bus

import (
	"context"

	"github.com/hapi-sh/hapi/internal/events"
)

// Handler consumes one event from the bus.
type Handler func(ctx context.Context, event *events.SyncEvent) error

// Subscription is an active bus subscription. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event transport. Subjects support NATS-style wildcards:
// * matches one token, > matches the rest.
type Bus interface {
	Publish(ctx context.Context, subject string, event *events.SyncEvent) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
