package storage

import "errors"

// ErrNotFound is returned by exact lookups when the requested entity was
// never created. It is distinct from "not yet visible in search", which is
// a transient condition of the eventually consistent search reads.
var ErrNotFound = errors.New("not found")

// ErrMalformedCursor is returned when a page cursor cannot be decoded,
// callers should treat it as invalid input rather than a storage failure.
var ErrMalformedCursor = errors.New("malformed cursor")
