package http

import "github.com/fyrsmithlabs/forgeloop/internal/search"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// BeginOperationRequest is the request body for POST /v1/operations.
type BeginOperationRequest struct {
	OperationType string `json:"operation_type"`
}

// BeginOperationResponse is the response body for POST /v1/operations.
type BeginOperationResponse struct {
	OperationID string `json:"operation_id"`
}

// EndOperationRequest is the request body for POST /v1/operations/:id/end.
type EndOperationRequest struct {
	Success      bool    `json:"success"`
	ErrorMessage string  `json:"error_message,omitempty"`
	Confidence   float64 `json:"confidence"`
	Quality      float64 `json:"quality"`
	TokensUsed   int     `json:"tokens_used"`
	UserFeedback string  `json:"user_feedback,omitempty"`
}

// SearchRequest is the request body for POST /v1/errors/search.
type SearchRequest struct {
	Problem string               `json:"problem"`
	Context search.SearchContext `json:"context"`
}

// OutcomeRequest is the request body for POST /v1/solutions/outcome.
// Either EntryID or Problem identifies the solution.
type OutcomeRequest struct {
	Problem        string  `json:"problem,omitempty"`
	EntryID        string  `json:"entry_id,omitempty"`
	Worked         bool    `json:"worked"`
	ErrorType      string  `json:"error_type,omitempty"`
	FixTimeSeconds float64 `json:"fix_time_seconds,omitempty"`
}

// StatusResponse acknowledges a request without a payload.
type StatusResponse struct {
	Status string `json:"status"`
}
