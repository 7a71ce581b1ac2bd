package llm

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrorType classifies a provider failure.
type ErrorType string

const (
	ErrorTypeEndpoint  ErrorType = "endpoint"
	ErrorTypeAuth      ErrorType = "auth"
	ErrorTypeModel     ErrorType = "model"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeResponse  ErrorType = "response"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// Error is a classified provider error.
type Error struct {
	Type       ErrorType
	Message    string
	Retryable  bool
	Cause      error
	StatusCode int
	Model      string
	Endpoint   string
}

func (e *Error) Error() string {
	parts := []string{string(e.Type)}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if host := endpointHost(e.Endpoint); host != "" {
		parts = append(parts, "endpoint="+host)
	}
	parts = append(parts, e.Message)

	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Cause)
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable lets the retry package honor the classification.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// NewError creates a classified error.
func NewError(errType ErrorType, message string, retryable bool, cause error) *Error {
	return &Error{Type: errType, Message: message, Retryable: retryable, Cause: cause}
}

// endpointHost keeps only the host so credentials in URLs never reach logs.
func endpointHost(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host
}

func errorFromStatus(status int, cause error, model, endpoint string) *Error {
	var e *Error
	switch {
	case status == 401 || status == 403:
		e = NewError(ErrorTypeAuth, "authentication failed", false, cause)
	case status == 404:
		e = NewError(ErrorTypeModel, "model or endpoint not found", false, cause)
	case status == 408:
		e = NewError(ErrorTypeTimeout, "request timeout", true, cause)
	case status == 429:
		e = NewError(ErrorTypeRateLimit, "rate limited", true, cause)
	case status >= 500:
		e = NewError(ErrorTypeEndpoint, "server error", true, cause)
	default:
		e = NewError(ErrorTypeUnknown, "request rejected", false, cause)
	}
	e.StatusCode = status
	e.Model = model
	e.Endpoint = endpoint
	return e
}

// ClassifyError wraps err in an *Error, inspecting the message when the
// provider SDK did not supply a status code.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}

	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	for _, code := range []int{401, 403, 404, 408, 429, 500, 502, 503, 504} {
		if strings.Contains(msg, fmt.Sprintf("%d", code)) {
			return errorFromStatus(code, err, "", "")
		}
	}

	switch {
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid api key"):
		return NewError(ErrorTypeAuth, "authentication failed", false, err)
	case strings.Contains(lower, "model") && (strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist")):
		return NewError(ErrorTypeModel, "model not found", false, err)
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "no such host"):
		return NewError(ErrorTypeEndpoint, "connection failed", true, err)
	case strings.Contains(lower, "deadline exceeded"), strings.Contains(lower, "timeout"):
		return NewError(ErrorTypeTimeout, "request timeout", true, err)
	case strings.Contains(lower, "context canceled"):
		return NewError(ErrorTypeUnknown, "request cancelled", false, err)
	case strings.Contains(lower, "rate limit"):
		return NewError(ErrorTypeRateLimit, "rate limited", true, err)
	case strings.Contains(lower, "overloaded"):
		return NewError(ErrorTypeEndpoint, "provider overloaded", true, err)
	}
	return NewError(ErrorTypeUnknown, "llm error", false, err)
}

// IsRetryable returns true if err is a retryable *Error.
func IsRetryable(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Retryable
	}
	return false
}

// GetErrorType extracts the ErrorType from an error.
func GetErrorType(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}
