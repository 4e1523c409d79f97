package v1

import "errors"

var (
	ErrLoopStopped = errors.New("scheduler loop is not running")
	ErrBadDelay    = errors.New("ms must be an integer between 0 and 10000")
	ErrBadPath     = errors.New("path must start with /")
	ErrBadLimit    = errors.New("limit must be a positive integer")
	ErrDetached    = errors.New("response is no longer writable")
	ErrNoUpstream  = errors.New("no gRPC upstream configured")
)
