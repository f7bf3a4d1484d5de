// Package queue implements the abstract Request Queue contract: a durable
// FIFO of encoded items with batch pop, push, and an active flag gating pop.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/slicingmelon/fetchengine/internal/item"
)

// ErrQueue signals the backing store is unavailable; it is surfaced to the
// caller of Pop/Push and is not caught by the engine's dispatch loop.
var ErrQueue = errors.New("queue: backing store error")

// DecodeError wraps a per-entry decode failure encountered during Pop. The
// offending entry is dropped from the returned batch; it does not fail the
// whole Pop call.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("queue: decode error: %v", e.Cause) }
func (e *DecodeError) Unwrap() error { return e.Cause }

// Queue is the abstract contract the engine depends on. Implementations
// never block: Pop returns immediately with whatever is available (possibly
// empty), Push acknowledges once items are durably enqueued.
type Queue interface {
	// Pop removes and returns up to n items, oldest-first. Returns an empty,
	// non-nil slice if the queue is empty or inactive. Decode errors for
	// individual entries are reported via onDecodeError (may be nil) and the
	// entry is dropped from the result.
	Pop(ctx context.Context, n int, onDecodeError func(*DecodeError)) ([]*item.Item, error)

	// Push enqueues items in the given order.
	Push(ctx context.Context, items ...*item.Item) error

	// Clear removes all items under the queue's key. Behavior when the key
	// does not exist is backing-specific (no error for the Redis backing).
	Clear(ctx context.Context) error

	// Active reports whether Pop is currently permitted to return items.
	Active() bool

	// SetActive toggles the active flag. While inactive, Pop returns empty
	// regardless of contents. The engine never calls this itself; it exists
	// for external orchestration.
	SetActive(bool)
}
