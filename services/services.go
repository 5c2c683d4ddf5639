package services

import (
	"context"
	"time"

	"procastinot-backend/clock"
	"procastinot-backend/core/challenge"
	"procastinot-backend/models"
	store "procastinot-backend/storage/challenge"
)

// HealthService reports whether the process can reach its store and whether sweeps are running.
type HealthService struct {
	store   store.Store
	clock   clock.Clock
	started time.Time
	// schedulerRunning is nil when the scheduler is disabled.
	schedulerRunning func() bool
}

// NewHealthService creates a new health service
func NewHealthService(s store.Store, clk clock.Clock, schedulerRunning func() bool) *HealthService {
	return &HealthService{
		store:            s,
		clock:            clk,
		started:          clk.Now(),
		schedulerRunning: schedulerRunning,
	}
}

// GetHealthStatus returns current health status
func (s *HealthService) GetHealthStatus(ctx context.Context) *models.HealthResponse {
	now := s.clock.Now()
	resp := &models.HealthResponse{
		Status:    "healthy",
		Message:   "ProcastiNot backend is running",
		Timestamp: now.Unix(),
		Uptime:    now.Sub(s.started).Truncate(time.Second).String(),
		Checks:    map[string]string{"store": "ok"},
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := s.store.List(ctx, challenge.Filter{Limit: 1}); err != nil {
		resp.Status = "degraded"
		resp.Message = "Store is unreachable"
		resp.Checks["store"] = err.Error()
	}

	switch {
	case s.schedulerRunning == nil:
		resp.Checks["scheduler"] = "disabled"
	case s.schedulerRunning():
		resp.Checks["scheduler"] = "running"
	default:
		resp.Checks["scheduler"] = "stopped"
	}
	return resp
}
