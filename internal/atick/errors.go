package atick

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching of connection failures.
var (
	ErrConnectTimeout = errors.New("connect timeout")
	ErrConnectFailed  = errors.New("connect failed")
)

// ConnectErrorKind distinguishes an expired connect budget from a refused attempt.
type ConnectErrorKind int

const (
	ConnectFailed ConnectErrorKind = iota
	ConnectTimeout
)

func (k ConnectErrorKind) String() string {
	if k == ConnectTimeout {
		return "timeout"
	}
	return "failed"
}

// ConnectError reports that no connection could be established within budget.
// The transport's own error is reduced to Reason and is not wrapped, so
// transport error types never cross this boundary.
type ConnectError struct {
	Kind    ConnectErrorKind
	Address string
	Reason  string
}

func (e *ConnectError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connect to %s: %s", e.Address, e.Kind)
	}
	return fmt.Sprintf("connect to %s: %s: %s", e.Address, e.Kind, e.Reason)
}

// Unwrap exposes only the domain sentinel.
func (e *ConnectError) Unwrap() error {
	if e.Kind == ConnectTimeout {
		return ErrConnectTimeout
	}
	return ErrConnectFailed
}

// GattOp names the register operation that failed.
type GattOp string

const (
	GattRead  GattOp = "read"
	GattWrite GattOp = "write"
)

// GattError reports a characteristic that could not be resolved, read or written.
type GattError struct {
	Op             GattOp
	Service        string
	Characteristic string
	Err            error
}

func (e *GattError) Error() string {
	return fmt.Sprintf("gatt %s %s (service %s): %v", e.Op, e.Characteristic, e.Service, e.Err)
}

func (e *GattError) Unwrap() error {
	return e.Err
}

// PayloadError reports a register value that does not have the expected layout.
type PayloadError struct {
	Characteristic string
	Detail         string
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("malformed payload from %s: %s", e.Characteristic, e.Detail)
}
