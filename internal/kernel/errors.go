package kernel

import "errors"

var (
	// ErrAlreadyStarted is returned by Start on a running kernel.
	ErrAlreadyStarted = errors.New("kernel: already started")
	// ErrNotStarted is returned when an operation needs a running kernel.
	ErrNotStarted = errors.New("kernel: not started")
	// ErrUnknownQueryType is returned for unregistered query type names or ids.
	ErrUnknownQueryType = errors.New("kernel: unknown query type")
	// ErrDuplicateQueryType is returned when a name is registered twice.
	ErrDuplicateQueryType = errors.New("kernel: query type already registered")
	// ErrNoDestination is returned by Send without a destination address.
	ErrNoDestination = errors.New("kernel: message has no destination")
	// ErrUnknownInstance is returned by worklog transitions for instances not
	// in the active registry.
	ErrUnknownInstance = errors.New("kernel: unknown query instance")
	// ErrAnchorNotFound is returned when the anchor node is not stored locally.
	ErrAnchorNotFound = errors.New("kernel: anchor node not found")
)
