package runtime

import "errors"

// Error taxonomy for lifecycle operations. Callers branch with errors.Is;
// the underlying Docker error is always wrapped so transport detail
// survives to the logs.
var (
	// ErrNotFound: no container (or tenant resource) matches the target.
	ErrNotFound = errors.New("not found")

	// ErrRuntimeUnavailable: the Docker daemon could not be reached or
	// answered with a transport-level failure.
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")

	// ErrAlreadyExists: the deterministic container name is taken. Only
	// surfaced internally; Create absorbs it into success.
	ErrAlreadyExists = errors.New("container already exists")

	// ErrInvalid: bad plan name or argument. The caller's fault.
	ErrInvalid = errors.New("invalid argument")

	// ErrResourceExhausted: no host ports or tenant slots remain.
	ErrResourceExhausted = errors.New("resource exhausted")
)
