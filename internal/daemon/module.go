// Package daemon hosts one messaging engine per profile and serves it over
// gRPC on a Unix socket.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/messaging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/restapi"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideProfile,
			provideBus,
			provideLock,
			provideService,
			provideStateServer,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if p.Debug {
		level = zapcore.DebugLevel
	}
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName, level)
}

func provideProfile(p Params, logger *zap.Logger) (*config.Profile, error) {
	path := session.ProfilePath(p.ProfileName)
	prof, err := config.LoadProfile(path)
	if err != nil {
		return nil, err
	}
	if err := prof.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	logger.Info("profile loaded",
		zap.String("path", path),
		zap.String("user_id", prof.UserID),
		zap.String("server_url", prof.ServerURL),
		zap.String("ws_url", prof.WSURL),
	)
	return prof, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideService(prof *config.Profile, b *bus.Bus, logger *zap.Logger) (*messaging.Service, error) {
	var rest messaging.API
	if prof.ServerURL != "" {
		c, err := restapi.New(restapi.Config{
			BaseURL: prof.ServerURL,
			Token:   prof.Token,
			UserID:  prof.UserID,
		}, logger)
		if err != nil {
			return nil, err
		}
		rest = c
	} else {
		logger.Warn("no server_url configured, running offline")
	}

	cfg := messaging.Config{
		Transport: transport.Config{
			URL:         prof.WSURL,
			BaseDelay:   prof.Transport.ReconnectBaseDelay.Duration,
			MaxAttempts: prof.Transport.MaxReconnectAttempts,
		},
		PageSize:       prof.Sync.PageSize,
		TypingDebounce: prof.Typing.Debounce.Duration,
		TypingTTL:      prof.Typing.TTL.Duration,
		SweepInterval:  prof.Typing.SweepInterval.Duration,
		PresenceTTL:    prof.Presence.StaleAfter.Duration,
	}
	header := http.Header{}
	header.Set("X-User-ID", prof.UserID)
	if prof.Token != "" {
		header.Set("Authorization", "Bearer "+prof.Token)
	}
	return messaging.New(cfg, rest, transport.WebSocketDialer{Header: header}, b, logger), nil
}

func provideStateServer(p Params, svc *messaging.Service, b *bus.Bus, logger *zap.Logger) *api.StateServer {
	return api.NewStateServer(svc, b, p.ProfileName, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, ms *MetricsServer, svc *messaging.Service, prof *config.Profile, lk *lock.Lock, b *bus.Bus, logger *zap.Logger) {
	var stopMetrics, unobserve func()
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			stopMetrics = metrics.Watch(b)
			unobserve = svc.Subscribe(metrics.ObserveState)

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			ms.Start()

			// Load and connect in the background; failures land in the
			// store and the transport keeps retrying.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := svc.Initialize(ctx, prof.UserID); err != nil {
					logger.Warn("initial connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := svc.Close(ctx); err != nil {
				logger.Warn("error draining engine", zap.Error(err))
			}
			srv.Stop(ctx)
			ms.Stop(ctx)
			unobserve()
			stopMetrics()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
