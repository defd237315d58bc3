// Package remote talks to the size-limited document hosts that hold chunk
// bytes. A host accepts an upload and returns an opaque, durable handle; the
// handle resolves to a direct URL that stops working after about an hour.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	ErrNotFound    = errors.New("remote object not found")
	ErrExpired     = errors.New("direct url expired or revoked")
	ErrQuotaOrAuth = errors.New("remote credential rejected or rate limited")
	ErrTransient   = errors.New("remote host unavailable")
)

// Host is one document host identity (one credential).
type Host interface {
	// Name identifies the host in logs, without secrets.
	Name() string
	// Upload stores one document and returns its durable handle.
	Upload(ctx context.Context, filename string, data io.Reader, size int64) (string, error)
	// Resolve turns a handle into a time-limited direct fetch URL.
	Resolve(ctx context.Context, handle string) (string, error)
}

// Deleter is an optional interface for hosts that can remove stored objects.
type Deleter interface {
	Delete(ctx context.Context, handle string) error
}

// StatusError is a non-success response from a host API or a direct URL.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
	kind       error
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// APIError classifies a failed host API call (upload, resolve).
func APIError(op string, status int, body string) *StatusError {
	var kind error
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusTooManyRequests:
		kind = ErrQuotaOrAuth
	case status == http.StatusNotFound, status == http.StatusGone:
		kind = ErrNotFound
	case status >= 500:
		kind = ErrTransient
	}
	return &StatusError{Op: op, StatusCode: status, Body: body, kind: kind}
}

// FetchError classifies a failed GET against a direct URL. 403, 404 and 410
// are what hosts return once a direct URL has expired.
func FetchError(status int, body string) *StatusError {
	var kind error
	switch {
	case status == http.StatusForbidden, status == http.StatusNotFound, status == http.StatusGone,
		status == http.StatusUnauthorized:
		kind = ErrExpired
	case status == http.StatusTooManyRequests, status >= 500:
		kind = ErrTransient
	}
	return &StatusError{Op: "fetch", StatusCode: status, Body: body, kind: kind}
}

// readErrorBody reads at most 1KB of a failed response for diagnostics.
func readErrorBody(r io.Reader) string {
	buf := make([]byte, 1024)
	n, _ := io.ReadAtLeast(r, buf, 1)
	return string(buf[:n])
}
