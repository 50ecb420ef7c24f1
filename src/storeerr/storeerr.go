// Package storeerr defines the store-level error kinds and the
// URI-framing helpers. The pool frames connection and greeting failures
// with the store URI (WrapOpen, StoreUnreachable); errors from an
// operation on an already open connection are returned by src/store
// without the URI. Connection-level errors (protocol
// desynchronization, daemon-reported failures, version mismatches) are
// defined in src/daemon and src/wire, which this package deliberately
// does not depend on; it exists so src/pool and src/store can share a
// taxonomy without importing each other.
package storeerr

import "fmt"

// StoreUnreachable means the socket could not be opened, or the pool's
// sticky failure latch has already tripped for this store.
type StoreUnreachable struct {
	URI string
	Err error
}

func (e *StoreUnreachable) Error() string {
	return fmt.Sprintf("store '%s' is unreachable: %v", e.URI, e.Err)
}
func (e *StoreUnreachable) Unwrap() error { return e.Err }

// UnsupportedOperation means the requested operation can't be expressed
// on the negotiated protocol version (e.g. a non-normal build mode on a
// daemon older than minor 15, or repair on a content-addressed add on a
// daemon older than minor 25).
type UnsupportedOperation struct {
	Op     string
	Reason string
}

func (e *UnsupportedOperation) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// WithURI prefixes err's message with the store URI. No package of
// this module calls it.
func WithURI(uri string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("store '%s': %w", uri, err)
}

// WrapOpen wraps a greeting-time failure with the
// "cannot open connection to remote store '<uri>': <inner>" framing.
func WrapOpen(uri string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("cannot open connection to remote store '%s': %w", uri, err)
}
