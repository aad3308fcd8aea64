package stt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Category tells the orchestrator what a backend failure means for the call.
type Category string

const (
	// CategoryTransient failures (timeout, network, rate limit) fall back to
	// the next backend.
	CategoryTransient Category = "transient"
	// CategoryFatal failures (malformed request, auth) abort the call.
	CategoryFatal Category = "fatal"
	// CategoryNoBackend means every backend was unavailable or exhausted.
	CategoryNoBackend Category = "no_backend"
)

// ErrNoBackendAvailable is returned when no backend could serve a call.
var ErrNoBackendAvailable = errors.New("no transcription backend available")

// ErrLiveUnsupported is returned by StartLive when no live-capable backend started.
var ErrLiveUnsupported = errors.New("no live transcription backend available")

// Error is a backend failure tagged with its category by the layer that raised it.
type Error struct {
	Backend  string
	Category Category
	Err      error
}

func (e *Error) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient tags err as recoverable.
func Transient(backend string, err error) error {
	return &Error{Backend: backend, Category: CategoryTransient, Err: err}
}

// Fatal tags err as non-recoverable.
func Fatal(backend string, err error) error {
	return &Error{Backend: backend, Category: CategoryFatal, Err: err}
}

// Tag wraps err with the category Classify assigns to it.
func Tag(backend string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Backend: backend, Category: Classify(err), Err: err}
}

// CategoryOf returns the category carried by err, classifying untagged errors.
func CategoryOf(err error) Category {
	var se *Error
	if errors.As(err, &se) {
		return se.Category
	}
	if errors.Is(err, ErrNoBackendAvailable) {
		return CategoryNoBackend
	}
	return Classify(err)
}

// IsRecoverable reports whether err should trigger fallback to the next backend.
func IsRecoverable(err error) bool {
	return CategoryOf(err) == CategoryTransient
}

// HTTPStatusError is a non-2xx response from an HTTP backend.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// Classify decides the category of an untagged error.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNoBackendAvailable) {
		return CategoryNoBackend
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	var he *HTTPStatusError
	if errors.As(err, &he) {
		switch he.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return CategoryTransient
		}
		return CategoryFatal
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return CategoryTransient
		}
		return CategoryFatal
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return CategoryTransient
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"timeout", "timed out", "network", "rate limit", "temporary",
		"connection reset", "connection refused", "502", "503", "504"} {
		if strings.Contains(msg, hint) {
			return CategoryTransient
		}
	}
	return CategoryFatal
}
