// Package shared provides the process-wide atomic primitives the scheduler
// coordinates through: a FIFO list, a bounded counter, a boolean flag, and a
// publish/subscribe channel.
//
// Every mutating method is a single atomic operation in the backing service,
// so any number of schedulers, in one process or many, can share a Store
// without client-side locking.
package shared

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks a failure to reach the backing service. Callers treat
// it as transient and retry after a delay.
var ErrUnavailable = errors.New("shared store unavailable")

// StorageError wraps a backend failure with the operation and key involved.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("shared %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("shared %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is reports every StorageError as ErrUnavailable.
func (e *StorageError) Is(target error) bool { return target == ErrUnavailable }

func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

type Store interface {
	// PushBack appends value to the tail of the list at key.
	PushBack(ctx context.Context, key, value string) error
	// PushFront inserts value at the head of the list at key.
	PushFront(ctx context.Context, key, value string) error
	// PopFront removes and returns the head of the list, waiting up to
	// timeout for one to appear. ok is false when the wait ran out. A zero
	// timeout never waits.
	PopFront(ctx context.Context, key string, timeout time.Duration) (value string, ok bool, err error)
	// Len returns the current list length.
	Len(ctx context.Context, key string) (int64, error)

	// IncrBelow increments the counter at key only if its current value is
	// below ceiling, and reports whether it did.
	IncrBelow(ctx context.Context, key string, ceiling int64) (bool, error)
	// DecrFloor decrements the counter at key without letting it go below
	// zero. clamped is true when the counter was already at zero.
	DecrFloor(ctx context.Context, key string) (value int64, clamped bool, err error)
	Counter(ctx context.Context, key string) (int64, error)
	SetCounter(ctx context.Context, key string, value int64) error

	// Flag returns false for a missing key.
	Flag(ctx context.Context, key string) (bool, error)
	SetFlag(ctx context.Context, key string, value bool) error

	Publish(ctx context.Context, channel, message string) error
	// Subscribe delivers messages published on channel until ctx is done,
	// then closes the returned channel.
	Subscribe(ctx context.Context, channel string) (<-chan string, error)

	Close() error
}
