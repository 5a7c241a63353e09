// Command relaycore runs the messaging bridge daemon: the conversational
// bridge, the HTTP gateway, the metrics endpoint, and optionally the
// platform socket client.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/c360/relaycore/bridge"
	"github.com/c360/relaycore/client"
	"github.com/c360/relaycore/config"
	"github.com/c360/relaycore/gateway"
	"github.com/c360/relaycore/health"
	"github.com/c360/relaycore/metric"
	"github.com/c360/relaycore/natsbus"
	"github.com/c360/relaycore/pkg/retry"
	"github.com/c360/relaycore/session"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("relaycore exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracker := health.NewTracker("bus")
	registry := metric.NewRegistry()

	bus, err := natsbus.New(cfg.NATS.URL,
		natsbus.WithName(cfg.NATS.Name),
		natsbus.WithLogger(&slogAdapter{logger.With("component", "natsbus")}),
		natsbus.WithHealthChangeHandler(func(healthy bool) {
			if healthy {
				tracker.SetHealthy("bus")
			} else {
				tracker.SetUnhealthy("bus", fmt.Errorf("connection lost"))
			}
		}))
	if err != nil {
		return fmt.Errorf("create bus: %w", err)
	}

	// NATS is usually a moment behind the daemon at startup, so keep trying
	// before giving up.
	err = retry.Do(ctx, retry.Persistent(), func() error {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return bus.Connect(connectCtx)
	})
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := bus.Close(closeCtx); err != nil {
			logger.Error("close bus", "error", err)
		}
	}()
	tracker.SetHealthy("bus")

	signer, err := buildSigner(cfg)
	if err != nil {
		return err
	}

	sessions, err := buildSessionStore(ctx, cfg, bus)
	if err != nil {
		return err
	}

	backend, err := buildBackend(cfg, bus)
	if err != nil {
		return err
	}

	provider := bridge.NewStreamProvider(bus, signer,
		&slogAdapter{logger.With("component", "stream")})

	b, err := bridge.New(provider, backend, sessions, signer,
		bridge.WithLogger(&slogAdapter{logger.With("component", "bridge")}),
		bridge.WithMetrics(registry),
		bridge.WithTaskTimeout(time.Duration(cfg.Bridge.TaskTimeoutMs)*time.Millisecond),
		bridge.WithRestartDelay(time.Duration(cfg.Bridge.RestartDelayMs)*time.Millisecond),
		bridge.WithMessageRate(cfg.Bridge.RatePerSecond, cfg.Bridge.RateBurst))
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}

	gw, err := gateway.NewServer(cfg.Gateway, b, tracker,
		&slogAdapter{logger.With("component", "gateway")})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	metricsServer := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := b.Run(groupCtx)
		if err != nil && groupCtx.Err() == nil {
			return fmt.Errorf("bridge: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- gw.Start() }()
		select {
		case err := <-errCh:
			return fmt.Errorf("gateway: %w", err)
		case <-groupCtx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return gw.Stop(shutdownCtx)
		}
	})

	group.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- metricsServer.Start() }()
		select {
		case err := <-errCh:
			return fmt.Errorf("metrics: %w", err)
		case <-groupCtx.Done():
			return metricsServer.Stop()
		}
	})

	if cfg.Client.SocketURL != "" {
		socketClient, err := buildSocketClient(cfg, registry, logger, tracker)
		if err != nil {
			return err
		}
		group.Go(func() error {
			connectCtx, cancel := context.WithTimeout(groupCtx, 30*time.Second)
			defer cancel()
			if err := socketClient.Connect(connectCtx); err != nil {
				tracker.SetUnhealthy("socket", err)
				logger.Error("socket connect failed", "error", err)
				// Non-fatal: the bridge keeps running without the socket
				return nil
			}
			tracker.SetHealthy("socket")
			<-groupCtx.Done()
			return socketClient.Close()
		})
	}

	logger.Info("relaycore started",
		"address", cfg.Platform.Address,
		"gateway_port", cfg.Gateway.Port,
		"metrics_port", cfg.Metrics.Port,
		"backend", cfg.Bridge.Backend)

	return group.Wait()
}

func buildSigner(cfg *config.Config) (*bridge.LocalSigner, error) {
	var seed []byte
	if cfg.Platform.SignerSeed != "" {
		var err error
		seed, err = hex.DecodeString(cfg.Platform.SignerSeed)
		if err != nil {
			return nil, fmt.Errorf("decode signer seed: %w", err)
		}
	} else {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate signer seed: %w", err)
		}
	}
	return bridge.NewLocalSigner(cfg.Platform.Address, seed)
}

func buildSessionStore(ctx context.Context, cfg *config.Config, bus *natsbus.Bus) (session.Store, error) {
	if cfg.Bridge.SessionStore != "kv" {
		return session.NewMemoryStore(), nil
	}

	bucket, err := bus.EnsureKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.Bridge.SessionBucket,
		TTL:    time.Duration(cfg.Bridge.SessionTTLSecs) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure session bucket: %w", err)
	}
	return session.NewKVStore(bucket), nil
}

func buildBackend(cfg *config.Config, bus *natsbus.Bus) (bridge.ChatBackend, error) {
	switch cfg.Bridge.Backend {
	case "openai":
		return bridge.NewOpenAIBackend(
			cfg.Bridge.OpenAIAPIKey,
			cfg.Bridge.OpenAIModel,
			cfg.Bridge.SystemPrompt), nil
	case "nats", "":
		return bridge.NewNATSBackend(bus, cfg.Bridge.ChatSubject,
			time.Duration(cfg.Bridge.TaskTimeoutMs)*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown bridge backend %q", cfg.Bridge.Backend)
	}
}

func buildSocketClient(cfg *config.Config, registry *metric.Registry, logger *slog.Logger, tracker *health.Tracker) (*client.Client, error) {
	adapter := &slogAdapter{logger.With("component", "client")}
	transport := client.NewWSTransport(cfg.Client.SocketURL, client.WithWSLogger(adapter))

	c, err := client.New(transport,
		client.WithLogger(adapter),
		client.WithMetrics(registry),
		client.WithCallTimeout(time.Duration(cfg.Client.CallTimeoutMs)*time.Millisecond),
		client.WithBackoffBase(time.Duration(cfg.Client.BackoffBaseMs)*time.Millisecond),
		client.WithMaxReconnectAttempts(cfg.Client.MaxReconnectAttempts),
		client.WithStateChangeHandler(func(_, newState client.ConnState) {
			if newState == client.StateConnected {
				tracker.SetHealthy("socket")
			} else {
				tracker.SetUnhealthy("socket", fmt.Errorf("state %s", newState))
			}
		}))
	if err != nil {
		return nil, fmt.Errorf("create socket client: %w", err)
	}

	// Surface all platform events into the structured log
	c.OnAny(func(event string, data json.RawMessage) {
		logger.Debug("platform event", "event", event, "data", string(data))
	})

	return c, nil
}

// slogAdapter bridges slog to the per-package Logger interfaces
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Printf(format string, v ...any) {
	a.l.Info(fmt.Sprintf(format, v...))
}

func (a *slogAdapter) Errorf(format string, v ...any) {
	a.l.Error(fmt.Sprintf(format, v...))
}

func (a *slogAdapter) Debugf(format string, v ...any) {
	a.l.Debug(fmt.Sprintf(format, v...))
}
