package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/discovery"
)

// ServiceRegistration holds a live Consul registration and its TTL refresher.
type ServiceRegistration struct {
	registry    discovery.Registry
	instanceID  string
	serviceName string
	stopChan    chan struct{}
}

// RegisterService registers the instance with the discovery registry and
// starts the TTL health-check loop.
func RegisterService(ctx context.Context, registry discovery.Registry, instanceID, serviceName, addr string) (*ServiceRegistration, error) {
	if err := registry.Register(ctx, instanceID, serviceName, addr); err != nil {
		return nil, err
	}

	sr := &ServiceRegistration{
		registry:    registry,
		instanceID:  instanceID,
		serviceName: serviceName,
		stopChan:    make(chan struct{}),
	}

	go sr.startHealthCheck()

	return sr, nil
}

func (sr *ServiceRegistration) startHealthCheck() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sr.stopChan:
			return
		case <-ticker.C:
			if err := sr.registry.HealthCheck(sr.instanceID, sr.serviceName); err != nil {
				zap.L().Warn("health check failed", zap.Error(err))
			}
		}
	}
}

// Deregister stops the TTL loop and removes the instance from the registry.
func (sr *ServiceRegistration) Deregister(ctx context.Context) error {
	close(sr.stopChan)
	return sr.registry.Deregister(ctx, sr.instanceID, sr.serviceName)
}
