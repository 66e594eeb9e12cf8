package controlapi

import (
	"regexp"
	"strings"

	"github.com/rafaeljc/bifrost/internal/recorder"
	"github.com/rafaeljc/bifrost/internal/rollback"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// flagIDRegex keeps ids URL-safe.
var flagIDRegex = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// validateFlagID enforces the format and length rules for flag ids.
func validateFlagID(id string) *ErrorResponse {
	if id == "" {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Flag id is required"}
	}
	if len(id) > 255 {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Flag id must be at most 255 characters"}
	}
	if !flagIDRegex.MatchString(id) {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Flag id may only contain letters, numbers, dots, underscores and hyphens",
		}
	}
	return nil
}

// ListResponse wraps list endpoints with offset pagination.
type ListResponse struct {
	Data       any        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// Pagination metadata for the frontend pager.
type Pagination struct {
	TotalItems  int `json:"total_items"`
	TotalPages  int `json:"total_pages"`
	CurrentPage int `json:"current_page"`
	PageSize    int `json:"page_size"`
}

// RollbackRequest is the payload of POST /flags/{id}/rollback.
type RollbackRequest struct {
	Reason string `json:"reason"`
	// Language scopes the rollback; empty disables the flag everywhere.
	Language string `json:"language,omitempty"`
}

// Sanitize trims whitespace.
func (r *RollbackRequest) Sanitize() {
	r.Reason = strings.TrimSpace(r.Reason)
	r.Language = strings.TrimSpace(r.Language)
}

// Validate checks field lengths.
func (r *RollbackRequest) Validate() *ErrorResponse {
	if len(r.Reason) > 1024 {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Reason must be at most 1024 characters"}
	}
	if len(r.Language) > 16 {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Language must be at most 16 characters"}
	}
	return nil
}

// RecordMetricRequest is the payload of POST /flags/{id}/metrics.
type RecordMetricRequest struct {
	Metric string `json:"metric"`
	// Value is a pointer so a missing value is not read as zero.
	Value    *float64 `json:"value"`
	Language string   `json:"language,omitempty"`
}

// Validate checks required fields.
func (r *RecordMetricRequest) Validate() *ErrorResponse {
	var details []ErrorDetail
	if strings.TrimSpace(r.Metric) == "" {
		details = append(details, ErrorDetail{Field: "metric", Issue: "required"})
	}
	if r.Value == nil {
		details = append(details, ErrorDetail{Field: "value", Issue: "required"})
	}
	if len(details) > 0 {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Invalid metric sample", Details: details}
	}
	return nil
}

// EvaluateRequest is the payload of POST /flags/{id}/evaluate.
type EvaluateRequest struct {
	Context ruleengine.Context `json:"context"`
	// Default is served for unknown or disabled flags; omitted means null.
	Default ruleengine.Value `json:"default"`
}

// MetricsResponse is the recorder snapshot of one flag, keyed "metric:scope".
type MetricsResponse struct {
	FlagID string                       `json:"flag_id"`
	Series map[string][]recorder.Sample `json:"series"`
}

// HistoryResponse lists rollback events, oldest first.
type HistoryResponse struct {
	Data []rollback.Event `json:"data"`
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details provides optional granular validation errors.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail provides context about specific field validation failures.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}
