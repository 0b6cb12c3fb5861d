package fetch

import (
	"errors"
	"fmt"

	"github.com/Sternrassler/quota-fetch/pkg/remote"
	"github.com/Sternrassler/quota-fetch/pkg/store"
)

var (
	// ErrTableExists is returned by Run when the destination already exists.
	ErrTableExists = store.ErrTableExists

	// ErrInvalidRequest is returned for requests that fail validation.
	ErrInvalidRequest = errors.New("invalid fetch request")

	// ErrRetryExhausted is wrapped by chunk errors whose retry budget ran out.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

// FetchError is a chunk-level failure. Fatal errors were not retried.
type FetchError struct {
	ChunkID  string
	Attempts int
	Fatal    bool
	Err      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	kind := "transient"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("chunk %s failed (%s, %d attempts): %v", e.ChunkID, kind, e.Attempts, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// StoreWriteError means the local store rejected a write. It aborts the run.
type StoreWriteError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StoreWriteError) Unwrap() error {
	return e.Err
}

// IsAbort reports whether err must abort the whole run rather than fail a
// single chunk.
func IsAbort(err error) bool {
	var (
		authErr  *remote.AuthError
		storeErr *StoreWriteError
	)
	return errors.As(err, &authErr) || errors.As(err, &storeErr)
}
