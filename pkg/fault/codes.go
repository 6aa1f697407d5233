package fault

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"syscall"
)

const (
	CodeResolve        = -3
	CodeAbort          = 1
	CodeNotExist       = 2
	CodePermission     = 13
	CodeReset          = 104
	CodeRefused        = 111
	CodeNotFound       = 404
	CodeProxyAuth      = 407
	CodeGatewayTimeout = 504
	CodeReadTimeout    = 10054
	CodeConnectTimeout = 10060
	CodeRetryExhausted = 101010
)

// Coder is implemented by errors that carry their own classification code,
// such as HTTP status errors.
type Coder interface {
	Code() int
}

// CodeOf derives the classification code for err. Errors with no better
// match are treated as an explicit abort.
func CodeOf(err error) int {
	if err == nil {
		return 0
	}

	var coder Coder
	if errors.As(err, &coder) {
		return coder.Code()
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeResolve
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Timeout() {
		if opErr.Op == "dial" {
			return CodeConnectTimeout
		}
		return CodeReadTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeReadTimeout
	}

	switch {
	case errors.Is(err, syscall.ECONNRESET):
		return CodeReset
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeRefused
	case errors.Is(err, fs.ErrPermission):
		return CodePermission
	case errors.Is(err, fs.ErrNotExist):
		return CodeNotExist
	case errors.Is(err, context.Canceled):
		return CodeAbort
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return CodeAbort
}
