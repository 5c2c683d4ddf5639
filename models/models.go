package models

import "time"

// APIResponse is the envelope every JSON endpoint answers with.
type APIResponse struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message,omitempty"`
	Data    interface{}            `json:"data,omitempty"`
	Errors  []string               `json:"errors,omitempty"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// NewSuccessResponse creates a success response
func NewSuccessResponse(message string, data interface{}) *APIResponse {
	return &APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	}
}

// NewSuccessResponseWithMeta creates a success response with metadata
func NewSuccessResponseWithMeta(data interface{}, meta map[string]interface{}) *APIResponse {
	return &APIResponse{
		Success: true,
		Data:    data,
		Meta:    meta,
	}
}

// NewErrorResponse creates an error response
func NewErrorResponse(message string, errors ...string) *APIResponse {
	return &APIResponse{
		Success: false,
		Message: message,
		Errors:  errors,
	}
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Timestamp int64             `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// NotifyACPRequest asks for the reviewer to be told about proof submitted on-chain.
type NotifyACPRequest struct {
	ChallengeID int64  `json:"challengeId"`
	ProofCID    string `json:"proofCid"`
}

// EmailLookupResponse answers a wallet to email lookup.
type EmailLookupResponse struct {
	Wallet string `json:"wallet"`
	Email  string `json:"email"`
}

// SweepRunResponse reports a manually triggered sweep.
type SweepRunResponse struct {
	Sweep     string    `json:"sweep"`
	Matched   int       `json:"matched"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	RanAt     time.Time `json:"ran_at"`
}
