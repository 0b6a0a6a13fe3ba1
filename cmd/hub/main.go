// Package main runs the hapi hub: the control plane every runner and client
// connects to. One process owns the store, the event fabric and the HTTP
// surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hapi-sh/hapi/internal/auth"
	"github.com/hapi-sh/hapi/internal/common/config"
	"github.com/hapi-sh/hapi/internal/common/logger"
	"github.com/hapi-sh/hapi/internal/common/tracing"
	"github.com/hapi-sh/hapi/internal/events"
	"github.com/hapi-sh/hapi/internal/events/bus"
	"github.com/hapi-sh/hapi/internal/flavor"
	"github.com/hapi-sh/hapi/internal/gateway"
	"github.com/hapi-sh/hapi/internal/hub/api"
	"github.com/hapi-sh/hapi/internal/push"
	"github.com/hapi-sh/hapi/internal/store"
	hapisync "github.com/hapi-sh/hapi/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("hub failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	home := filepath.Dir(cfg.Database.Path)
	if err := os.MkdirAll(home, 0o700); err != nil {
		return fmt.Errorf("failed to create data root: %w", err)
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	eventBus, closeBus, err := bus.Provide(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer closeBus()

	publisher := events.NewPublisher(eventBus, log)
	router := events.NewRouter(log)
	forward, err := bus.Forward(eventBus, router)
	if err != nil {
		return fmt.Errorf("failed to bridge event bus: %w", err)
	}
	defer forward.Unsubscribe()
	go router.RunHeartbeats(ctx)

	cache := hapisync.NewCache(st, publisher, log)
	go cache.RunExpiry(ctx)

	registry := hapisync.NewRegistry()
	flavors, err := flavor.Load(cfg.Runner.FlavorFile)
	if err != nil {
		return err
	}
	engine := hapisync.NewEngine(st, cache, registry, flavors, publisher, log)

	vapid, err := loadVAPID(cfg, home)
	if err != nil {
		return fmt.Errorf("failed to load vapid keys: %w", err)
	}
	sender := push.NewWebPushSender(vapid, cfg.Push.Subject)
	notifier := push.NewNotifier(st, router, sender, log)

	broker := hapisync.NewPermissionBroker()
	gw := gateway.New(st, cache, registry, publisher, broker, notifier, log)

	baseToken, err := loadAccessToken(home, log)
	if err != nil {
		return fmt.Errorf("failed to load access token: %w", err)
	}
	verifier := auth.NewVerifier(baseToken, []byte(cfg.Auth.JWTSecret))

	qr := auth.NewQRBroker()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				qr.Sweep()
			}
		}
	}()

	server := api.NewServer(api.Deps{
		Store:     st,
		Engine:    engine,
		Cache:     cache,
		Registry:  registry,
		Router:    router,
		Publisher: publisher,
		Gateway:   gw,
		Broker:    broker,
		Verifier:  verifier,
		QR:        qr,
		Flavors:   flavors,
		VAPID:     vapid,
		BaseToken: baseToken,
	}, log)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	return server.Run(ctx, addr)
}

// loadVAPID prefers configured keys and otherwise persists a generated pair
// next to the database.
func loadVAPID(cfg *config.Config, home string) (*push.VAPIDKeys, error) {
	if cfg.Push.VAPIDPublicKey != "" && cfg.Push.VAPIDPrivateKey != "" {
		return &push.VAPIDKeys{
			PublicKey:  cfg.Push.VAPIDPublicKey,
			PrivateKey: cfg.Push.VAPIDPrivateKey,
		}, nil
	}
	return push.LoadOrCreateVAPID(filepath.Join(home, "vapid.json"))
}

// loadAccessToken reads the hub's base access token, minting one on first
// run. Runners and clients present this token (optionally ":ns"-suffixed).
func loadAccessToken(home string, log *logger.Logger) (string, error) {
	path := filepath.Join(home, "access.token")
	data, err := os.ReadFile(path)
	if err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", err
	}
	log.Info("generated hub access token", zap.String("path", path))
	return token, nil
}
