package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Categories of a failed upstream exchange. An *UpstreamError always carries
// exactly one of them, so callers can use errors.Is.
var (
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamReset       = errors.New("upstream connection reset")
	ErrClientGone          = errors.New("client gone")
)

// UpstreamError describes a failed exchange with one upstream server.
type UpstreamError struct {
	Addr     string
	Category error
	// Written reports whether the response status line had already been
	// sent to the client when the failure happened.
	Written bool
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Addr, e.Category, e.Err)
}

func (e *UpstreamError) Unwrap() []error { return []error{e.Category, e.Err} }

// CategoryName is the short label used in logs and metrics.
func CategoryName(err error) string {
	switch {
	case errors.Is(err, ErrClientGone):
		return "client_gone"
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, ErrUpstreamReset):
		return "reset"
	case errors.Is(err, ErrUpstreamUnreachable):
		return "unreachable"
	default:
		return "other"
	}
}

// classify maps a transport error to a category. inbound is the client
// request context; its cancellation wins over anything the transport saw.
func classify(inbound context.Context, err error, midStream bool) error {
	if inbound.Err() != nil {
		return ErrClientGone
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ErrUpstreamUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrUpstreamUnreachable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrUpstreamTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrUpstreamTimeout
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return ErrUpstreamUnreachable
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return ErrUpstreamReset
	}
	if midStream {
		return ErrUpstreamReset
	}
	return ErrUpstreamUnreachable
}
