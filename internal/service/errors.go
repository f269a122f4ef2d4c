package service

import (
	"errors"
	"fmt"
)

// Purchase and profile outcomes the caller must be able to tell apart.
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadyUnlocked   = errors.New("item already unlocked")
	ErrUnknownItem       = errors.New("unknown item")
	ErrItemLocked        = errors.New("item is locked")
	ErrUserNotFound      = errors.New("user not found")
	ErrSessionNotFound   = errors.New("session not found")
)

// RemoteError reports a failure talking to the remote store. Its message
// names only the operation; the cause is available through errors.Unwrap.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: remote store unavailable", e.Op)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// domainErrors are returned to callers unchanged.
var domainErrors = []error{
	ErrInvalidArgument,
	ErrInsufficientFunds,
	ErrAlreadyUnlocked,
	ErrUnknownItem,
	ErrItemLocked,
	ErrUserNotFound,
	ErrSessionNotFound,
}

// classify passes domain errors through and wraps everything else.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, d := range domainErrors {
		if errors.Is(err, d) {
			return err
		}
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}
	return &RemoteError{Op: op, Err: err}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
