package main

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/engine"
)

// fallbackPool runs in-process engines for tenants whose dedicated worker hit
// the restart cap. Their queues keep draining, at reduced isolation, until an
// operator clears the latch; webhooks the gateway already accepted are never
// left unserved.
type fallbackPool struct {
	logger    *zap.Logger
	newEngine func(tenantID string) (*engine.Engine, error)

	mu      sync.Mutex
	engines map[string]*engine.Engine
}

func newFallbackPool(logger *zap.Logger, newEngine func(tenantID string) (*engine.Engine, error)) *fallbackPool {
	return &fallbackPool{
		logger:    logger,
		newEngine: newEngine,
		engines:   make(map[string]*engine.Engine),
	}
}

// Serve starts an in-process engine for the tenant unless one is already
// running. Safe to call on every lifecycle event.
func (p *fallbackPool) Serve(ctx context.Context, tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.engines[tenantID]; ok {
		return
	}

	e, err := p.newEngine(tenantID)
	if err != nil {
		p.logger.Error("failed to build fallback engine",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	if err := e.Start(ctx); err != nil {
		p.logger.Error("failed to start fallback engine",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return
	}
	p.engines[tenantID] = e
	p.logger.Warn("serving tenant in-process after worker suspension",
		zap.String("tenant_id", tenantID))
}

// Serving reports whether the tenant currently runs on a fallback engine.
func (p *fallbackPool) Serving(tenantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.engines[tenantID]
	return ok
}

// StopAll stops every fallback engine.
func (p *fallbackPool) StopAll() {
	p.mu.Lock()
	engines := p.engines
	p.engines = make(map[string]*engine.Engine)
	p.mu.Unlock()

	for _, e := range engines {
		e.Stop()
	}
}
