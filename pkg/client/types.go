package client

import (
	"fmt"

	"github.com/loykin/svcorch/internal/history"
	"github.com/loykin/svcorch/internal/logger"
	"github.com/loykin/svcorch/internal/orchestrator"
)

// Response types are shared with the server so both ends agree on the wire format.
type (
	Status    = orchestrator.Status
	Result    = orchestrator.Result
	PortCheck = orchestrator.PortCheck
	LogEntry  = logger.Entry
	Event     = history.Event
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-2xx responses that carry no operation result.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (HTTP %d): %s", e.StatusCode, e.Message)
}
