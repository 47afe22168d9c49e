package services

import (
	"context"
	"fmt"
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping() error
}

// HealthChecker is implemented by remote model clients.
type HealthChecker interface {
	IsHealthy(ctx context.Context) bool
}

// HealthImplementation implements the health service
type HealthImplementation struct {
	db    Pinger
	model HealthChecker // nil for the local model
}

// NewHealthService creates a new health service implementation. model may be nil.
func NewHealthService(db Pinger, model HealthChecker) *HealthImplementation {
	return &HealthImplementation{db: db, model: model}
}

// Healthz implements the liveness probe
func (h *HealthImplementation) Healthz(ctx context.Context) error {
	return nil
}

// Readyz implements the readiness probe: the database must answer and a
// remote model, when configured, must report SERVING.
func (h *HealthImplementation) Readyz(ctx context.Context) error {
	if h.db != nil {
		if err := h.db.Ping(); err != nil {
			return unavailable(fmt.Sprintf("database: %v", err))
		}
	}
	if h.model != nil && !h.model.IsHealthy(ctx) {
		return unavailable("model server is not serving")
	}
	return nil
}
