package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// RedisPinger adapts a redis client to Pinger.
type RedisPinger struct {
	Client redis.UniversalClient
}

func (p RedisPinger) Ping(ctx context.Context) error { return p.Client.Ping(ctx).Err() }

type HealthService interface {
	Liveness(ctx context.Context) error
	Readiness(ctx context.Context) error
}

type healthService struct {
	deps   map[string]Pinger
	logger *slog.Logger
}

// NewHealthService checks every named dependency on readiness.
func NewHealthService(deps map[string]Pinger, logger *slog.Logger) HealthService {
	l := logger.With("layer", "service", "component", "healthService")
	return &healthService{deps: deps, logger: l}
}

func (s *healthService) Liveness(ctx context.Context) error {
	s.logger.Debug("Liveness check passed")
	return nil
}

func (s *healthService) Readiness(ctx context.Context) error {
	// we wait upto 2 seconds
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for name, dep := range s.deps {
		if err := dep.Ping(ctx); err != nil {
			s.logger.Error("Readiness check failed", slog.String("dependency", name), slog.Any("error", err))
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	s.logger.Debug("Readiness check passed")
	return nil
}
