package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/hapi-sh/hapi/internal/common/logger"
)

// BusPublisher is the slice of the event bus the publisher needs. The bus
// package's implementations satisfy it.
type BusPublisher interface {
	Publish(ctx context.Context, subject string, event *SyncEvent) error
}

// Publisher emits canonical SyncEvents onto the bus, one per observable
// store mutation (write, then reconcile the mirror, then publish).
type Publisher struct {
	bus    BusPublisher
	logger *logger.Logger
}

// NewPublisher creates a publisher over the given bus.
func NewPublisher(b BusPublisher, log *logger.Logger) *Publisher {
	return &Publisher{bus: b, logger: log.WithFields(zap.String("component", "event-publisher"))}
}

// SessionAdded publishes a new session's summary.
func (p *Publisher) SessionAdded(ctx context.Context, namespace, sessionID string, data json.RawMessage) {
	event := NewSyncEvent(SessionAdded, namespace, data)
	event.SessionID = sessionID
	p.publish(ctx, event)
}

// SessionUpdated publishes a session state change.
func (p *Publisher) SessionUpdated(ctx context.Context, namespace, sessionID string, data json.RawMessage) {
	event := NewSyncEvent(SessionUpdated, namespace, data)
	event.SessionID = sessionID
	p.publish(ctx, event)
}

// SessionRemoved publishes a session deletion.
func (p *Publisher) SessionRemoved(ctx context.Context, namespace, sessionID string) {
	event := NewSyncEvent(SessionRemoved, namespace, nil)
	event.SessionID = sessionID
	p.publish(ctx, event)
}

// MachineUpdated publishes a machine state change.
func (p *Publisher) MachineUpdated(ctx context.Context, namespace, machineID string, data json.RawMessage) {
	event := NewSyncEvent(MachineUpdated, namespace, data)
	event.MachineID = machineID
	p.publish(ctx, event)
}

// MessageReceived publishes a newly appended session message.
func (p *Publisher) MessageReceived(ctx context.Context, namespace, sessionID string, data json.RawMessage) {
	event := NewSyncEvent(MessageReceived, namespace, data)
	event.SessionID = sessionID
	p.publish(ctx, event)
}

// ConnectionChanged publishes runner socket connect/disconnect.
func (p *Publisher) ConnectionChanged(ctx context.Context, namespace, machineID string, connected bool) {
	data, _ := json.Marshal(map[string]bool{"connected": connected})
	event := NewSyncEvent(ConnectionChanged, namespace, data)
	event.MachineID = machineID
	p.publish(ctx, event)
}

func (p *Publisher) publish(ctx context.Context, event *SyncEvent) {
	if err := p.bus.Publish(ctx, SubjectForNamespace(event.Namespace), event); err != nil {
		p.logger.Error("failed to publish event",
			zap.String("event_type", string(event.Type)),
			zap.String("namespace", event.Namespace),
			zap.Error(err))
	}
}
