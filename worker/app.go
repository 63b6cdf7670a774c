package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/common/broker"
	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/engine"
	"github.com/mkesani1/stockclerk-sub001/eventbus"
	"github.com/mkesani1/stockclerk-sub001/ipc"
	"github.com/mkesani1/stockclerk-sub001/kv"
	"github.com/mkesani1/stockclerk-sub001/model"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/queue"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

const defaultHeartbeatInterval = 10 * time.Second

type Config struct {
	ServiceName       string
	TenantID          string
	MetricsAddr       string
	DatabaseURL       string
	RedisAddr         string
	AMQPUser          string
	AMQPPass          string
	AMQPHost          string
	AMQPPort          string
	HeartbeatInterval time.Duration
	ReconcileInterval time.Duration
	PollInterval      time.Duration
	// ProviderRateLimit caps provider API calls per channel, in requests per
	// minute. Zero disables limiting.
	ProviderRateLimit int
	// FakeProviders wires the in-memory provider for every channel type.
	// Local development only; real deployments register SDK adapters.
	FakeProviders bool
}

// App is one tenant worker: a single Engine plus the IPC plumbing that keeps
// the orchestrator informed.
type App struct {
	cfg    Config
	logger *zap.Logger
	engine *engine.Engine
	out    *ipc.Writer

	closeBroker func() error
	closeRepo   func() error
	closeKV     func() error
}

func NewApp(cfg Config, logger *zap.Logger) (*App, error) {
	repo, err := repository.NewPostgresRepository(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	kvs, err := kv.NewRedis(cfg.RedisAddr)
	if err != nil {
		repo.Close()
		return nil, err
	}

	ch, closeBroker, err := broker.Connect(cfg.AMQPUser, cfg.AMQPPass, cfg.AMQPHost, cfg.AMQPPort)
	if err != nil {
		kvs.Close()
		repo.Close()
		return nil, err
	}

	providers := provider.NewRegistry()
	providers.RequestsPerMinute = cfg.ProviderRateLimit
	if cfg.FakeProviders {
		for _, t := range []model.ChannelType{model.ChannelEposNow, model.ChannelWix, model.ChannelDeliveroo} {
			providers.RegisterFactory(t, func(channel *model.Channel) (provider.Provider, error) {
				return provider.NewMemory(channel.ID), nil
			})
		}
	}

	eng := engine.New(cfg.TenantID, repo, kvs, providers, queue.NewRabbit(ch, logger), logger, engine.Config{
		ReconcileInterval: cfg.ReconcileInterval,
		PollInterval:      cfg.PollInterval,
	})
	eng.UseMetrics(metrics.NewSyncMetrics(cfg.ServiceName))
	eng.Watcher.Metrics = metrics.NewWebhookMetrics(cfg.ServiceName)

	return &App{
		cfg:         cfg,
		logger:      logger,
		engine:      eng,
		out:         ipc.NewWriter(os.Stdout),
		closeBroker: closeBroker,
		closeRepo:   repo.Close,
		closeKV:     kvs.Close,
	}, nil
}

// Run starts the engine and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	defer a.engine.Stop()

	detach := a.forwardEvents()
	defer detach()

	if a.cfg.MetricsAddr != "" {
		go a.serveMetrics(ctx)
	}

	if err := a.out.Write(ipc.Message{Kind: ipc.Ready, TenantID: a.cfg.TenantID}); err != nil {
		a.logger.Warn("failed to write ready message", zap.Error(err))
	}

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.out.Write(ipc.Message{Kind: ipc.Heartbeat, TenantID: a.cfg.TenantID}); err != nil {
				a.logger.Warn("failed to write heartbeat", zap.Error(err))
			}
		}
	}
}

// forwardEvents relays progress events to the parent so it can fan them out
// to operator-facing surfaces without reaching into the tenant process.
func (a *App) forwardEvents() func() {
	return a.engine.Bus().Subscribe(func(ev eventbus.Event) {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return
		}
		_ = a.out.Write(ipc.Message{
			Kind:     ipc.Event,
			TenantID: a.cfg.TenantID,
			Event:    string(ev.Type),
			Payload:  payload,
		})
	},
		eventbus.StockUpdated,
		eventbus.SyncStarted,
		eventbus.SyncCompleted,
		eventbus.SyncFailed,
		eventbus.DriftDetected,
		eventbus.DriftRepaired,
		eventbus.AlertTriggered,
		eventbus.ChannelConnected,
		eventbus.ChannelDisconnected,
	)
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		a.logger.Error("metrics server failed", zap.Error(err))
	}
}

func (a *App) close() {
	if err := a.closeBroker(); err != nil {
		a.logger.Warn("failed to close broker connection", zap.Error(err))
	}
	if err := a.closeKV(); err != nil {
		a.logger.Warn("failed to close redis connection", zap.Error(err))
	}
	if err := a.closeRepo(); err != nil {
		a.logger.Warn("failed to close database connection", zap.Error(err))
	}
}
