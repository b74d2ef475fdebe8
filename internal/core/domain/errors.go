package domain

import "errors"

// Sentinel errors returned by the orchestrator and its adapters. Callers
// match them with errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrStorageUnreachable means the remote storage host could not be
	// reached within the configured timeout.
	ErrStorageUnreachable = errors.New("storage host unreachable")

	// ErrStorageOperationFailed means the remote host was reached but the
	// command exited non-zero.
	ErrStorageOperationFailed = errors.New("storage operation failed")

	// ErrMountFailed means the sshfs bridge could not bind the remote
	// directory to the local path.
	ErrMountFailed = errors.New("mount failed")

	// ErrImagePullFailed means the workload image could not be pulled.
	ErrImagePullFailed = errors.New("image pull failed")

	// ErrRuntimeCreateFailed means the container could not be created or
	// started.
	ErrRuntimeCreateFailed = errors.New("runtime create failed")

	// ErrConflict means a concurrent or duplicate request was rejected:
	// another operation holds the customer's lock, the instance is in a
	// state that forbids the transition, or a uniqueness constraint fired.
	ErrConflict = errors.New("conflicting request")

	// ErrNotFound means no instance record exists for the customer.
	ErrNotFound = errors.New("instance not found")

	// ErrInvalidWorkloadType means the requested workload is not in the
	// supported set.
	ErrInvalidWorkloadType = errors.New("invalid workload type")

	// ErrInvalidSubdomain means the customer-chosen slug is not a valid
	// DNS label.
	ErrInvalidSubdomain = errors.New("invalid subdomain")
)
