package fetch

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/cryptolog/apt-offline/pkg/fault"
)

// StatusError is a non-success HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %s", e.URL, e.Status)
}

func (e *StatusError) Code() int {
	return e.StatusCode
}

// RetryExhaustedError means every in-place retry of a stalled read failed.
type RetryExhaustedError struct {
	URL     string
	Retries int
	Err     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("GET %s: giving up after %d retries: %v", e.URL, e.Retries, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

func (e *RetryExhaustedError) Code() int {
	return fault.CodeRetryExhausted
}

var (
	_ fault.Coder = (*StatusError)(nil)
	_ fault.Coder = (*RetryExhaustedError)(nil)
)

// transient reports whether a read failure is worth resuming.
func transient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
