package service

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("either email or phoneNumber must be provided")
	ErrContactNotFound  = errors.New("contact not found")
	ErrBrokenLink       = errors.New("secondary contact does not link to a primary")
	ErrStoreUnavailable = errors.New("contact store unavailable")
)

// StoreError reports a failed store operation. It matches both
// ErrStoreUnavailable and the underlying cause under errors.Is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

// storeErr wraps err unless it already carries a classification.
func storeErr(op string, err error) error {
	var se *StoreError
	if errors.As(err, &se) || errors.Is(err, ErrBrokenLink) || errors.Is(err, ErrInvalidInput) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
