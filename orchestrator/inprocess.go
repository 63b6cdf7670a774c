package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/common/broker"
	"github.com/mkesani1/stockclerk-sub001/common/logger"
	"github.com/mkesani1/stockclerk-sub001/engine"
	"github.com/mkesani1/stockclerk-sub001/kv"
	"github.com/mkesani1/stockclerk-sub001/model"
	"github.com/mkesani1/stockclerk-sub001/provider"
	"github.com/mkesani1/stockclerk-sub001/queue"
	"github.com/mkesani1/stockclerk-sub001/repository"
)

// engineDeps is the shared infrastructure behind every in-process engine: one
// Redis connection, one broker channel, one provider registry.
type engineDeps struct {
	kvs       kv.Store
	jobs      queue.Queue
	providers *provider.Registry
	close     func()
}

func connectDeps(cfg Config, log *zap.Logger) (*engineDeps, error) {
	kvs, err := kv.NewRedis(cfg.RedisAddr)
	if err != nil {
		return nil, err
	}

	ch, closeBroker, err := broker.Connect(cfg.AMQPUser, cfg.AMQPPass, cfg.AMQPHost, cfg.AMQPPort)
	if err != nil {
		kvs.Close()
		return nil, err
	}

	providers := provider.NewRegistry()
	if cfg.FakeProviders {
		for _, t := range []model.ChannelType{model.ChannelEposNow, model.ChannelWix, model.ChannelDeliveroo} {
			providers.RegisterFactory(t, func(channel *model.Channel) (provider.Provider, error) {
				return provider.NewMemory(channel.ID), nil
			})
		}
	}

	return &engineDeps{
		kvs:       kvs,
		jobs:      queue.NewRabbit(ch, log),
		providers: providers,
		close: func() {
			closeBroker()
			kvs.Close()
		},
	}, nil
}

// fallbackEngineFactory connects the shared dependencies on first use, so the
// orchestrator opens no Redis or broker connections of its own while every
// tenant still has a healthy worker. The connections live until the process
// exits.
func fallbackEngineFactory(cfg Config, repo repository.Repository, log *zap.Logger) func(string) (*engine.Engine, error) {
	var (
		once sync.Once
		deps *engineDeps
		err  error
	)
	return func(tenantID string) (*engine.Engine, error) {
		once.Do(func() {
			deps, err = connectDeps(cfg, log)
		})
		if err != nil {
			return nil, err
		}
		return engine.New(tenantID, repo, deps.kvs, deps.providers, deps.jobs,
			logger.ForTenant(log, tenantID), engine.Config{}), nil
	}
}

// runInProcess runs every tenant engine inside the orchestrator process,
// sharing one database pool, one Redis connection and one broker channel. A
// panic in one tenant can take down all of them; this mode exists for local
// development, not production.
func runInProcess(ctx context.Context, cfg Config, repo repository.Repository, log *zap.Logger) error {
	deps, err := connectDeps(cfg, log)
	if err != nil {
		return err
	}
	defer deps.close()

	engines := make(map[string]*engine.Engine)
	defer func() {
		for _, e := range engines {
			e.Stop()
		}
	}()

	syncTenants := func() {
		tenantIDs, err := repo.GetAllTenantIDs(ctx)
		if err != nil {
			log.Error("failed to list tenants", zap.Error(err))
			return
		}
		want := make(map[string]bool, len(tenantIDs))
		for _, id := range tenantIDs {
			want[id] = true
			if _, ok := engines[id]; ok {
				continue
			}
			e := engine.New(id, repo, deps.kvs, deps.providers, deps.jobs, logger.ForTenant(log, id), engine.Config{})
			if err := e.Start(ctx); err != nil {
				log.Error("failed to start tenant engine",
					zap.String("tenant_id", id), zap.Error(err))
				continue
			}
			engines[id] = e
			log.Info("tenant engine started in-process", zap.String("tenant_id", id))
		}
		for id, e := range engines {
			if !want[id] {
				e.Stop()
				delete(engines, id)
				log.Info("tenant engine stopped", zap.String("tenant_id", id))
			}
		}
	}

	syncTenants()
	ticker := time.NewTicker(DefaultTenantPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			syncTenants()
		}
	}
}
