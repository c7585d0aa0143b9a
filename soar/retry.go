package soar

import (
	"context"
	"errors"
	"net"
	"os"
	"syscall"
)

// ErrorType is the retry category of a sink error.
type ErrorType string

const (
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypePermanent ErrorType = "permanent"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// ErrInvalidCommand marks a command no sink can ever accept.
var ErrInvalidCommand = errors.New("invalid intervention command")

// ClassifyError determines the retry category of err.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, ErrInvalidCommand) {
		return ErrorTypePermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}
	// The daemon not listening yet is the common case at startup.
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, os.ErrNotExist) {
		return ErrorTypeNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorTypeNetwork
	}
	return ErrorTypeUnknown
}

// ShouldRetry reports whether err may succeed on a later attempt.
func ShouldRetry(err error) bool {
	return ClassifyError(err) != ErrorTypePermanent
}
