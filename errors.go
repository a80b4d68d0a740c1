package gossiplog

import (
	"errors"
	"fmt"

	peer "github.com/libp2p/go-libp2p-core/peer"
)

var (
	// ErrNotFound is returned when a record is not in the log.
	ErrNotFound = errors.New("record not found")

	// ErrClosed is returned when operations on a log or service are invoked
	// after it's been closed.
	ErrClosed = errors.New("gossiplog closed")

	// ErrStopIteration can be returned by an Iterate callback to stop early
	// without failing.
	ErrStopIteration = errors.New("stop iteration")

	// ErrQueueFull is returned when a sync cannot be scheduled because the
	// queue is at capacity.
	ErrQueueFull = errors.New("sync queue full")
)

// MissingParentError is returned when a record names a parent the log does
// not have. It is recoverable: the record can be inserted once a sync has
// fetched its ancestors.
type MissingParentError struct {
	ID     ID
	Parent ID
}

func (e *MissingParentError) Error() string {
	return fmt.Sprintf("missing parent %s of record %s", e.Parent, e.ID)
}

// InvalidMessageError is returned when a record fails validation, either in
// the codec or in the application.
type InvalidMessageError struct {
	ID     ID
	Reason string
	Err    error
}

func (e *InvalidMessageError) Error() string {
	msg := "invalid message"
	if !e.ID.IsZero() {
		msg += " " + e.ID.String()
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidMessageError) Unwrap() error {
	return e.Err
}

// InvalidSignatureError is returned when a record's signature is missing,
// unexpected or does not verify.
type InvalidSignatureError struct {
	ID     ID
	Reason string
}

func (e *InvalidSignatureError) Error() string {
	return fmt.Sprintf("invalid signature on record %s: %s", e.ID, e.Reason)
}

// CorruptionError is returned when stored data contradicts itself, e.g. an
// entry whose key does not match its content. It is fatal and never repaired.
type CorruptionError struct {
	Key    []byte
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt entry %x: %s", e.Key, e.Reason)
}

// ExceededRetryLimitError is returned by the scheduler once every attempt
// to sync with a peer has failed.
type ExceededRetryLimitError struct {
	Peer     peer.ID
	Attempts int
	Err      error
}

func (e *ExceededRetryLimitError) Error() string {
	return fmt.Sprintf("sync with %s failed after %d attempts: %s", e.Peer, e.Attempts, e.Err)
}

func (e *ExceededRetryLimitError) Unwrap() error {
	return e.Err
}

// SyncError wraps a failed sync attempt with the peer it was made against.
type SyncError struct {
	Peer peer.ID
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync with %s: %s", e.Peer, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}
