package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrDuplicateSlug is returned by Register for a slug already present.
	ErrDuplicateSlug = errors.New("transport: duplicate slug")
	// ErrNoActiveTransport is returned when the configured slug is not registered.
	ErrNoActiveTransport = errors.New("transport: no active transport")
)

// DeliveryError is a failed delivery attempt.
type DeliveryError struct {
	Slug       string
	Reason     string
	StatusCode int
	// Transient marks failures worth retrying later (timeouts, 429, 5xx).
	Transient bool
	Cause     error
}

func (e *DeliveryError) Error() string {
	msg := e.Reason
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Slug, msg)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

// IsTransient reports whether err wraps a transient DeliveryError.
func IsTransient(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Transient
	}
	return false
}

// ClassifyStatus reports whether an HTTP error status is worth retrying.
func ClassifyStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusRequestTimeout ||
		(statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

// ConfigurationError means the active transport cannot send because it is
// not configured and ready.
type ConfigurationError struct {
	Slug     string
	Messages []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("transport %s is not configured", e.Slug)
	}
	return fmt.Sprintf("transport %s is not configured: %s", e.Slug, strings.Join(e.Messages, " "))
}
