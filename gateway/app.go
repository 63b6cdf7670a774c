package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/common/broker"
	"github.com/mkesani1/stockclerk-sub001/common/metrics"
	"github.com/mkesani1/stockclerk-sub001/discovery"
	"github.com/mkesani1/stockclerk-sub001/discovery/consul"
	"github.com/mkesani1/stockclerk-sub001/queue"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

type Config struct {
	ServiceName string
	InstanceID  string
	HTTPAddr    string
	ConsulAddr  string
	DatabaseURL string
	AMQPUser    string
	AMQPPass    string
	AMQPHost    string
	AMQPPort    string
}

// App is the webhook ingress: it resolves the target tenant channel, enqueues
// the raw delivery at webhook priority and acknowledges immediately. All
// interpretation of the payload happens in the tenant worker.
type App struct {
	config       Config
	logger       *zap.Logger
	registry     discovery.Registry
	registration *ServiceRegistration
	repo         *repository.PostgresRepository
	closeBroker  func() error
	httpServer   *http.Server
	httpMetrics  *metrics.HTTPMetrics
	webhooks     *metrics.WebhookMetrics
	jobs         queue.Queue
}

func NewApp(cfg Config, log *zap.Logger) (*App, error) {
	registry, err := createRegistry(cfg.ConsulAddr, log)
	if err != nil {
		return nil, err
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	ch, closeBroker, err := broker.Connect(cfg.AMQPUser, cfg.AMQPPass, cfg.AMQPHost, cfg.AMQPPort)
	if err != nil {
		repo.Close()
		return nil, err
	}

	return &App{
		config:      cfg,
		logger:      log,
		registry:    registry,
		repo:        repo,
		closeBroker: closeBroker,
		jobs:        queue.NewRabbit(ch, log),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	if a.registry != nil {
		registration, err := RegisterService(ctx, a.registry, a.config.InstanceID, a.config.ServiceName, a.config.HTTPAddr)
		if err != nil {
			return err
		}
		a.registration = registration
	}

	a.httpMetrics = metrics.NewHTTPMetrics(a.config.ServiceName)
	a.webhooks = metrics.NewWebhookMetrics(a.config.ServiceName)

	mux := http.NewServeMux()
	handler := NewHandler(a.repo, a.jobs, a.webhooks, a.logger)
	handler.registerRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	a.httpServer = &http.Server{
		Addr:    a.config.HTTPAddr,
		Handler: a.metricsMiddleware(mux),
	}

	a.logger.Info("starting http server", zap.String("addr", a.config.HTTPAddr))
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down gracefully")

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Error("http server shutdown error", zap.Error(err))
		}
	}
	if err := a.closeBroker(); err != nil {
		a.logger.Error("broker close error", zap.Error(err))
	}
	if err := a.repo.Close(); err != nil {
		a.logger.Error("database close error", zap.Error(err))
	}

	if a.registration != nil {
		return a.registration.Deregister(ctx)
	}
	return nil
}

func createRegistry(addr string, log *zap.Logger) (discovery.Registry, error) {
	if addr == "" {
		log.Info("consul address not provided, service discovery disabled")
		return nil, nil
	}
	return consul.NewRegistry(addr)
}

// metricsMiddleware records request counts and durations, skipping the
// /metrics endpoint itself.
func (a *App) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		a.httpMetrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(recorder.statusCode), time.Since(start))
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
