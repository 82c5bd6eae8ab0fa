package payout

import (
	"errors"
	"fmt"
)

var (
	// ErrPayout matches every adapter failure, including rejections.
	ErrPayout = errors.New("payout error")
	// ErrTransactionRejected means the upstream refused the payout or
	// retries were exhausted on a retryable status. Terminal for the request.
	ErrTransactionRejected = errors.New("transaction rejected")
	ErrUnknownTransaction  = errors.New("unknown transaction")
	ErrPayloadFormat       = errors.New("unexpected payload format")
)

// Error is the adapter error type. Kind is one of the sentinels above.
type Error struct {
	Kind       error
	Message    string
	StatusCode int
	// Signature is the request signature computed before the failure, if any.
	Signature string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Is(target error) bool {
	return target == e.Kind || target == ErrPayout
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SignatureOf returns the signature carried by an adapter error, or "".
func SignatureOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Signature
	}
	return ""
}

// StatusCodeOf returns the upstream HTTP status carried by an adapter error, or 0.
func StatusCodeOf(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	return 0
}
