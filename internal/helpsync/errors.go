package helpsync

import (
	"errors"
	"fmt"
)

var (
	ErrNetwork    = errors.New("network error")
	ErrDecode     = errors.New("decode error")
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("request not found")
)

// NetworkError covers transport failures and non-2xx responses. StatusCode is
// zero when no response was received.
type NetworkError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("%s: http %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op + ": network error"
	}
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// DecodeError means the service answered but the payload did not have the
// expected shape.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode response: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
