package job

import "errors"

var (
	// ErrConflict signals a duplicate active job for the same natural key.
	ErrConflict = errors.New("an active job already exists for this source")

	// ErrNotFound signals that no job row exists for the given natural key.
	ErrNotFound = errors.New("no job found for the given key")

	// ErrInvalidTransition signals a status write that would move a job
	// backward once an active or terminal state has been reached.
	ErrInvalidTransition = errors.New("illegal status transition")

	// ErrArtifactMissing signals a zero-exit Fetcher run that produced no
	// recognizable media file. Always fatal, never retried.
	ErrArtifactMissing = errors.New("no media artifact produced")

	// ErrAgeRestricted marks a Fetcher failure caused by an access
	// restriction on the source, surfaced distinctly so clients can offer
	// a credential remediation.
	ErrAgeRestricted = errors.New("source is age restricted")
)
