package crawlapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// CodeAlreadyQueued is the service error code sent with HTTP 429 when the
// website already has a crawl queued or running.
const CodeAlreadyQueued = 9021

// APIError is a non-2xx response from the crawl service.
type APIError struct {
	StatusCode int
	// Code is the service-specific intric_error_code, zero when absent.
	Code   int
	Detail string
}

func (e *APIError) Error() string {
	if e.StatusCode == http.StatusUnprocessableEntity {
		return "Validation error: " + e.Detail
	}
	return fmt.Sprintf("API Error %d: %s", e.StatusCode, e.Detail)
}

// Conflict reports whether the error means a crawl is already active.
func (e *APIError) Conflict() bool {
	return e.StatusCode == http.StatusTooManyRequests && e.Code == CodeAlreadyQueued
}

type errorBody struct {
	Detail json.RawMessage `json:"detail"`
	Code   int             `json:"intric_error_code"`
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Detail: "Unknown error"}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		apiErr.Detail = "Unknown error - non-JSON response"
		return apiErr
	}
	apiErr.Code = eb.Code
	if len(eb.Detail) == 0 || string(eb.Detail) == "null" {
		return apiErr
	}
	var s string
	if err := json.Unmarshal(eb.Detail, &s); err == nil {
		apiErr.Detail = s
		return apiErr
	}
	apiErr.Detail = strings.TrimSpace(string(eb.Detail))
	return apiErr
}
