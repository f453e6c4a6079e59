package completion

import (
	"errors"
	"fmt"
)

// Configuration errors. These are returned by New before any network call.
var (
	ErrNoCredentials     = errors.New("completion: credential pool is empty")
	ErrNoModels          = errors.New("completion: no candidate models configured")
	ErrNilClient         = errors.New("completion: chat client is nil")
	ErrMalformedResponse = errors.New("completion: malformed provider response")
	ErrEmptyCompletion   = errors.New("completion: provider returned an empty completion")
)

// StatusError is a non-2xx response from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// FatalError aborts the whole search: the request shape is assumed wrong and neither
// retrying nor switching model or credential will fix it.
type FatalError struct {
	Credential int
	Model      string
	Err        error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal completion error (key %d, model %s): %v", e.Credential, e.Model, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned when every credential and model was tried without success.
type ExhaustedError struct {
	Calls int
	Last  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all credentials and models exhausted after %d calls: %v", e.Calls, e.Last)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// IsFatal reports whether err aborted the search without failover.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsExhausted reports whether err means every candidate was tried.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}
