package handlers

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"procastinot-backend/clock"
	"procastinot-backend/models"
	"procastinot-backend/scheduler"
)

// SweepRunner runs one sweep immediately.
type SweepRunner interface {
	RunReminderSweep(ctx context.Context) (scheduler.SweepReport, error)
	RunExpirySweep(ctx context.Context) (scheduler.SweepReport, error)
	RunOverdueSweep(ctx context.Context) (scheduler.SweepReport, error)
}

// SweepHandler lets an operator trigger a sweep outside its schedule.
type SweepHandler struct {
	*BaseHandler
	runner SweepRunner
	clock  clock.Clock
}

// NewSweepHandler creates a new sweep handler
func NewSweepHandler(runner SweepRunner, clk clock.Clock, log logrus.FieldLogger) *SweepHandler {
	return &SweepHandler{
		BaseHandler: NewBaseHandler(log),
		runner:      runner,
		clock:       clk,
	}
}

// HandleRun runs the sweep named in the path and reports its tally.
func (h *SweepHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["sweep"]
	var run func(context.Context) (scheduler.SweepReport, error)
	switch name {
	case scheduler.SweepReminder:
		run = h.runner.RunReminderSweep
	case scheduler.SweepExpiry:
		run = h.runner.RunExpirySweep
	case scheduler.SweepOverdue:
		run = h.runner.RunOverdueSweep
	default:
		h.sendError(w, http.StatusNotFound, "Unknown sweep "+name)
		return
	}

	ranAt := h.clock.Now().UTC()
	report, err := run(r.Context())
	if err != nil {
		h.sendDomainError(w, r, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, "Sweep finished", models.SweepRunResponse{
		Sweep:     name,
		Matched:   report.Matched,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Skipped:   report.Skipped,
		RanAt:     ranAt,
	})
}
