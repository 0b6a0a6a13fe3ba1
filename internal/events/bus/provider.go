package bus

import (
	"fmt"
	"strings"

	"github.com/hapi-sh/hapi/internal/common/config"
	"github.com/hapi-sh/hapi/internal/common/logger"
)

// Provide builds the configured bus implementation: a NATS URL selects the
// NATS bus, otherwise single-node in-memory delivery.
func Provide(cfg *config.Config, log *logger.Logger) (Bus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := NewNATSBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, func() error { natsBus.Close(); return nil }, nil
	}
	memBus := NewMemoryBus(log)
	return memBus, func() error { return nil }, nil
}
