package http

import (
	"encoding/json"

	"github.com/fyrsmithlabs/devtrace/internal/phase"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// PhasesResponse is the response body for GET /api/v1/phases.
type PhasesResponse struct {
	Phases  []phase.Descriptor `json:"phases"`
	Aliases map[string]string  `json:"aliases,omitempty"`
}

// InvokeRequest is the request body for POST /api/v1/phases/:name.
type InvokeRequest struct {
	Input   json.RawMessage `json:"input"`
	Options phase.Options   `json:"options,omitempty"`
}

// InvokeResponse is the response body for a successful invocation.
type InvokeResponse struct {
	Phase  string          `json:"phase"`
	TaskID string          `json:"task_id"`
	Output json.RawMessage `json:"output"`
}

// ErrorResponse is the body of every failed request. Kind is a fault kind
// or one of the endpoint's own kinds.
type ErrorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Error kinds produced by the endpoint itself.
const (
	KindNotFound    = "not_found"
	KindBadRequest  = "bad_request"
	KindSaturated   = "saturated"
	KindRateLimited = "rate_limited"
	KindInternal    = "internal"
)
