package sink

import (
	"context"
	"errors"
	"io"
)

// ErrWriteFailure is returned when the durable publish fails. The run must
// fail and the watermark stay untouched: no partial state was committed, so
// the run is fully retryable.
var ErrWriteFailure = errors.New("write failure")

// ObjectStore publishes objects atomically: a reader at the target key must
// never observe a partially written object.
type ObjectStore interface {
	// Put writes the object at key. The write is staged and only becomes
	// visible at key once complete.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Exists reports whether an object is visible at key.
	Exists(ctx context.Context, key string) (bool, error)
}
