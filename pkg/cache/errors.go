package cache

import "errors"

// Error kinds surfaced by the cache core. Only ErrConfiguration is ever
// returned to a caller directly (at manager construction); the rest are
// silenced at the manager boundary and only observable through the event
// stream, per the failure-semantics contract.
var (
	// ErrConfiguration indicates a backend kind is unsupported or a
	// required sub-configuration is missing. Fatal to manager construction.
	ErrConfiguration = errors.New("cache: invalid configuration")

	// ErrBackendUnavailable indicates the backend was not connected or
	// initialized when an operation was invoked.
	ErrBackendUnavailable = errors.New("cache: backend unavailable")

	// ErrBackendIO indicates a transient I/O error talking to a backend.
	ErrBackendIO = errors.New("cache: backend io error")

	// ErrNotFound indicates the absence of an entry. Never returned to
	// callers of the manager; the bundled backends report a clean miss as
	// ok=false rather than with this error.
	ErrNotFound = errors.New("cache: entry not found")

	// ErrDeserialization indicates a malformed on-disk or on-wire entry.
	// Treated as ErrNotFound by callers; the backend deletes the
	// offending key on a best-effort basis.
	ErrDeserialization = errors.New("cache: entry deserialization failed")
)
