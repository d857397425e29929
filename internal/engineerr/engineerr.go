// Package engineerr defines the error taxonomy shared by the indexing and
// search engine. Callers compare with errors.Is against the sentinels below;
// wrapped errors (fmt.Errorf("...: %w", ErrNotFound)) keep the underlying
// detail while still classifying cleanly for callers and logs.
package engineerr

import "errors"

var (
	// ErrInvalidArgument indicates a caller error: malformed input that is
	// never retried and surfaced to the caller verbatim.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates a referenced repository or file is unknown.
	ErrNotFound = errors.New("not found")

	// ErrBackendUnavailable indicates a transient lexical or vector backend
	// failure. Hybrid searches degrade to the surviving backend; indexing
	// marks the affected (kind, repository) run as failed without aborting
	// the rest of the job.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrConflict indicates a duplicate repository name or path.
	ErrConflict = errors.New("conflict")

	// ErrTransientIO indicates a file disappeared between scan and read, or
	// a permission flicker. The file is skipped for this run and
	// reconsidered on the next scan.
	ErrTransientIO = errors.New("transient io error")

	// ErrFatal indicates metadata-store corruption or unreadable
	// configuration. The process refuses to start the affected subsystem.
	ErrFatal = errors.New("fatal error")

	// ErrTimeout indicates a search exceeded its soft deadline.
	ErrTimeout = errors.New("timeout")
)
