package registry

import "errors"

// ErrNotFound is returned by any Get/Send lookup against an unknown id or
// endpoint name.
var ErrNotFound = errors.New("registry: not found")

// ErrCapacity is returned when a registration would exceed a configured
// maximum.
var ErrCapacity = errors.New("registry: at capacity")
