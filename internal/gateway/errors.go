package gateway

import (
	"errors"
	"fmt"
)

// Error is a failure reaching the backend or a non-success response from
// it. Message holds the text meant for the user.
type Error struct {
	Op         string
	StatusCode int // 0 when the request never got a response
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Message
	}
	return e.Op + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a gateway Error.
func IsTransport(err error) bool {
	var ge *Error
	return errors.As(err, &ge)
}

func httpStatusError(op string, status int, detail string) *Error {
	msg := detail
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	return &Error{Op: op, StatusCode: status, Message: msg}
}

func networkError(op string, err error) *Error {
	return &Error{Op: op, Message: err.Error(), Err: err}
}
