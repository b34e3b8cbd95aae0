package compositor

import "errors"

// Error kinds returned synchronously from mount and admin operations, and
// the stable kinds carried by policy-originated and backend-originated
// failures. These are sentinel values, not an exhaustive discriminated
// union; callers compare with errors.Is.
var (
	// ErrInvalidName is returned when a prefix or tool name fails validation.
	ErrInvalidName = errors.New("compositor: invalid name")

	// ErrDuplicatePrefix is returned when mounting a prefix that is already in use.
	ErrDuplicatePrefix = errors.New("compositor: duplicate prefix")

	// ErrPinned is returned when an operation would remove a pinned mount.
	ErrPinned = errors.New("compositor: mount is pinned")

	// ErrUnknownPrefix is returned when an operation references a prefix that isn't mounted.
	ErrUnknownPrefix = errors.New("compositor: unknown prefix")

	// ErrBackendInitFailed wraps an error returned by a backend's initialize call.
	ErrBackendInitFailed = errors.New("compositor: backend init failed")

	// ErrBackendDied marks a backend as permanently gone (stdio EOF, HTTP permanent failure).
	ErrBackendDied = errors.New("compositor: backend died")

	// ErrApprovalCancelled is delivered to an approval awaiter when its call is cancelled.
	ErrApprovalCancelled = errors.New("compositor: approval cancelled")

	// ErrApprovalNotFound is returned by Resolve for an unknown call_id.
	ErrApprovalNotFound = errors.New("compositor: approval not found")

	// ErrApprovalAlreadyResolved is returned by a second Resolve for the same call_id.
	ErrApprovalAlreadyResolved = errors.New("compositor: approval already resolved")
)

// PolicyErrorKind is the stable, machine-readable kind attached to a
// policy-originated tool error.
type PolicyErrorKind string

const (
	PolicyDeniedContinue  PolicyErrorKind = "PolicyDeniedContinue"
	PolicyDeniedAbort     PolicyErrorKind = "PolicyDeniedAbort"
	PolicyEvaluatorError  PolicyErrorKind = "PolicyEvaluatorError"
	BackendReservedMisuse PolicyErrorKind = "BackendReservedMisuse"
)

// PolicyEvaluatorErrorMsg is the canonical message surfaced to clients
// when the policy evaluator times out or panics, so that tests and
// operators can recognize this failure class without leaking sandbox
// internals.
const PolicyEvaluatorErrorMsg = "policy_evaluator_error"

// ReservedGatewayErrorCode is the well-known numeric error code the gateway
// reserves for itself. A backend that returns this code is assumed to be
// (accidentally or maliciously) impersonating a gateway denial and is
// remapped to BackendReservedMisuse before the result reaches the caller.
const ReservedGatewayErrorCode = -32099
