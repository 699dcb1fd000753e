package store

import "errors"

// Error taxonomy from spec.md §7. NotFound is not logged; BadEncoding
// is per-record and non-fatal (the iterator skips it); Corruption and
// IOError are logged at ERROR and fail only the containing operation;
// Backend covers any other goleveldb-reported status the core does not
// otherwise classify.
var (
	ErrNotFound    = errors.New("store: not found")
	ErrBadEncoding = errors.New("store: bad encoding")
	ErrCorruption  = errors.New("store: corruption")
	ErrIOError     = errors.New("store: io error")
	ErrBackend     = errors.New("store: backend error")
	ErrWrongType   = errors.New("store: wrong type")

	// ErrUninitialized is returned by Open when no saved instance
	// state exists yet, per spec.md §4.C Initialization step 1.
	ErrUninitialized = errors.New("store: uninitialized")
)
