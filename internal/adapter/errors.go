package adapter

import (
	"errors"
	"fmt"
	"net/http"
)

// TransientError marks a failure worth retrying with backoff: HTTP 429,
// 5xx, or a network-level error.
type TransientError struct {
	Err         error
	RateLimited bool // true for 429
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retrying cannot fix: a non-429 4xx or a
// corrupt pagination state. The adapter terminates early.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent: %v", e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// ConfigError marks an invalid query or missing credential detected by
// Validate before any network call.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "invalid query: " + e.Reason }

func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// classifyStatus maps an HTTP status to the taxonomy. 2xx returns nil.
func classifyStatus(status int, url string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &TransientError{Err: fmt.Errorf("%s: rate limited (429)", url), RateLimited: true}
	case status >= 500:
		return &TransientError{Err: fmt.Errorf("%s: server error (%d)", url, status)}
	default:
		return &PermanentError{Err: fmt.Errorf("%s: status %d", url, status)}
	}
}
