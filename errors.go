package d3

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// ErrStorageUnavailable wraps every failure of the local store backend.
	ErrStorageUnavailable = errors.New("d3: local storage unavailable")

	// ErrNotAvailableOffline is returned by read-through reads when the remote
	// could not be reached and nothing was cached for the key.
	ErrNotAvailableOffline = errors.New("d3: not available offline")

	// ErrNotFound means the remote answered and the row does not exist.
	ErrNotFound = errors.New("d3: not found")

	// ErrQueueCorrupt marks a queued record that cannot be decoded.
	ErrQueueCorrupt = errors.New("d3: queued intent is corrupt")

	// ErrCannotSave means a write could neither reach the remote nor be queued.
	ErrCannotSave = errors.New("d3: cannot save")

	errStoreClosed = errors.New("store closed")
)

// ============================================================================
// Remote errors
// ============================================================================

// ErrorKind classifies a remote failure.
type ErrorKind int

const (
	// KindUnknown is a failure that is neither a transport problem nor an
	// explicit rejection, e.g. a 500 or an undecodable body.
	KindUnknown ErrorKind = iota
	// KindNetwork is a transient connectivity failure: dial errors, timeouts,
	// gateway errors.
	KindNetwork
	// KindRejected is a validation, permission or conflict refusal.
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// RemoteError is returned by every Remote and PassageSource implementation.
type RemoteError struct {
	Kind    ErrorKind
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Status != 0 && e.Code != "":
		return fmt.Sprintf("%s: %s (%d %s): %s", e.Op, e.Kind, e.Status, e.Code, msg)
	case e.Status != 0:
		return fmt.Sprintf("%s: %s (%d): %s", e.Op, e.Kind, e.Status, msg)
	case e.Code != "":
		return fmt.Sprintf("%s: %s (%s): %s", e.Op, e.Kind, e.Code, msg)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is a transient connectivity failure.
func IsNetworkError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Kind == KindNetwork
}

// IsRejected reports whether the remote refused the operation.
func IsRejected(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Kind == KindRejected
}

func networkError(op string, err error) *RemoteError {
	return &RemoteError{Kind: KindNetwork, Op: op, Err: err}
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}
