// Package handlers exposes the challenge lifecycle over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"procastinot-backend/core/challenge"
	"procastinot-backend/models"
	"procastinot-backend/services"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// BaseHandler provides common functionality for all handlers
type BaseHandler struct {
	log logrus.FieldLogger
}

// NewBaseHandler creates a new base handler
func NewBaseHandler(log logrus.FieldLogger) *BaseHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &BaseHandler{log: log}
}

// sendJSON sends a JSON response
func (h *BaseHandler) sendJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.log.WithError(err).Warn("failed to encode response")
		}
	}
}

// sendError sends an error response
func (h *BaseHandler) sendError(w http.ResponseWriter, statusCode int, message string, errs ...string) {
	h.sendJSON(w, statusCode, models.NewErrorResponse(message, errs...))
}

// sendSuccess sends a success response
func (h *BaseHandler) sendSuccess(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	h.sendJSON(w, statusCode, models.NewSuccessResponse(message, data))
}

// parseJSON parses JSON from request
func (h *BaseHandler) parseJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// sendDomainError maps lifecycle errors onto status codes.
func (h *BaseHandler) sendDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *challenge.ValidationError
		ierr *challenge.InvalidStateError
		derr *challenge.DeadlinePassedError
	)
	switch {
	case errors.As(err, &verr):
		msgs := make([]string, 0, len(verr.Fields))
		for _, f := range verr.Fields {
			msgs = append(msgs, f.Field+": "+f.Message)
		}
		h.sendError(w, http.StatusBadRequest, "Validation error", msgs...)
	case errors.As(err, &derr):
		h.sendError(w, http.StatusBadRequest, "Challenge deadline has passed")
	case errors.As(err, &ierr):
		h.sendError(w, http.StatusConflict, fmt.Sprintf("Challenge is %s", ierr.Current), err.Error())
	case errors.Is(err, challenge.ErrNotFound):
		h.sendError(w, http.StatusNotFound, "Challenge not found")
	default:
		h.log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		h.sendError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// HealthHandler handles health check requests
type HealthHandler struct {
	*BaseHandler
	healthService *services.HealthService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(healthService *services.HealthService, log logrus.FieldLogger) *HealthHandler {
	return &HealthHandler{
		BaseHandler:   NewBaseHandler(log),
		healthService: healthService,
	}
}

// HandleHealth answers 200 when healthy and 503 when degraded.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.healthService.GetHealthStatus(r.Context())
	resp := models.NewSuccessResponse(health.Message, health)
	status := http.StatusOK
	if health.Status != "healthy" {
		resp.Success = false
		status = http.StatusServiceUnavailable
	}
	h.sendJSON(w, status, resp)
}
