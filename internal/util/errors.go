package util

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies failures by how the miner reacts to them
type ErrorKind string

const (
	KindNetwork       ErrorKind = "network"
	KindTimeout       ErrorKind = "timeout"
	KindProtocol      ErrorKind = "protocol"
	KindAuthorization ErrorKind = "authorization"
	KindRejected      ErrorKind = "rejected"
	KindProcess       ErrorKind = "process"
	KindSafety        ErrorKind = "safety"
	KindConfig        ErrorKind = "config"
)

// Error is a classified error carrying the failing operation
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failed", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is recovered locally by reconnecting
func (e *Error) Retryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindTimeout
}

// Fatal reports whether the failure must stop the miner
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindAuthorization, KindProcess, KindConfig:
		return true
	}
	return false
}

// WrapError classifies err; nil stays nil
func WrapError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err, inferring network/timeout for
// untyped transport errors
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return ""
}

// IsFatal reports whether err carries a fatal classification
func IsFatal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Fatal()
	}
	return false
}
