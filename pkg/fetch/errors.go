package fetch

import (
	"errors"
	"fmt"
)

// Kind classifies fetch failures
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindTransport        Kind = "transport"
	KindInvalidSource    Kind = "invalid_source"
)

// FetchError reports why a source could not be read
type FetchError struct {
	Kind   Kind
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// HTTPStatusError is the cause of a transport failure on a non-2xx response
type HTTPStatusError struct {
	StatusCode int
	Status     string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %s", e.Status)
}

// ErrPayloadTooLarge is the cause of a transport failure when a body exceeds
// the configured size limit
var ErrPayloadTooLarge = errors.New("payload exceeds size limit")

// KindOf returns the kind of a FetchError in err's chain, or "" if none
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsTimeout checks if err is a fetch timeout
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsNotFound checks if err reports a missing source
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
