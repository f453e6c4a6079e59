package completion

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type class int

const (
	classSuccess class = iota
	classRetryable
	classNotFound
	classFatal
	classCancelled
)

func (c class) String() string {
	switch c {
	case classSuccess:
		return "success"
	case classRetryable:
		return "retryable"
	case classNotFound:
		return "not_found"
	case classFatal:
		return "fatal"
	case classCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// result is one classified call.
type result struct {
	class  class
	status int
	note   string
	err    error
}

// RetryableStatus reports whether an HTTP status is worth retrying on the same model.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// classify maps a call result onto the failover policy. parent is the caller's context,
// used to tell a per-attempt deadline apart from caller cancellation.
func classify(parent context.Context, resp *ChatResponse, err error) result {
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}

	if err == nil {
		if resp == nil || strings.TrimSpace(resp.Content) == "" {
			// An empty completion cannot be told apart from a silent provider fault.
			return result{class: classRetryable, status: status, note: NoteEmptyCompletion, err: ErrEmptyCompletion}
		}
		return result{class: classSuccess, status: status}
	}

	if parent.Err() != nil {
		return result{class: classCancelled, status: status, note: NoteCancelled, err: parent.Err()}
	}

	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		status = statusErr.StatusCode
		switch {
		case status == http.StatusNotFound:
			return result{class: classNotFound, status: status, note: NoteModelNotFound, err: err}
		case RetryableStatus(status):
			return result{class: classRetryable, status: status, err: err}
		default:
			return result{class: classFatal, status: status, note: NoteFatal, err: err}
		}
	case errors.Is(err, context.DeadlineExceeded):
		return result{class: classRetryable, status: 0, note: NoteTimeout, err: err}
	case errors.Is(err, ErrMalformedResponse):
		return result{class: classRetryable, status: status, note: NoteMalformedResponse, err: err}
	default:
		return result{class: classRetryable, status: 0, note: NoteTransportError, err: err}
	}
}
