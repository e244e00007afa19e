package models

import (
	"errors"
	"fmt"
)

// TransientFetchError is returned once the remote client has exhausted its
// retries on network errors, 5xx responses or rate limiting. The next
// scheduled run is expected to try again.
type TransientFetchError struct {
	Entity   EntityType
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error for %s after %d attempt(s): %v", e.Entity, e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// FatalConfigError means the remote rejected our credential. Retrying does
// not help until the configuration changes.
type FatalConfigError struct {
	Status int
	Err    error
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("credential rejected (status %d): %v", e.Status, e.Err)
}

func (e *FatalConfigError) Unwrap() error { return e.Err }

// MalformedItemError marks a single remote record that could not be
// normalized. Jobs skip and count it.
type MalformedItemError struct {
	Entity EntityType
	Field  string
	Reason string
}

func (e *MalformedItemError) Error() string {
	return fmt.Sprintf("malformed %s item: %s %s", e.Entity, e.Field, e.Reason)
}

// StoreWriteError wraps a local persistence failure
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write %s: %v", e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var target *TransientFetchError
	return errors.As(err, &target)
}

func IsFatalConfig(err error) bool {
	var target *FatalConfigError
	return errors.As(err, &target)
}

func IsMalformed(err error) bool {
	var target *MalformedItemError
	return errors.As(err, &target)
}

func IsStoreWrite(err error) bool {
	var target *StoreWriteError
	return errors.As(err, &target)
}
