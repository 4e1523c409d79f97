package correlation

import "errors"

var (
	// ErrNotInitialized is raised by the package-level functions when Init
	// has not been called.
	ErrNotInitialized = errors.New("correlation: store not initialized")
	// ErrNoScheduler is returned by New when no loop was supplied.
	ErrNoScheduler = errors.New("correlation: no scheduler loop configured")
)
