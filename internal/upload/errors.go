package upload

import "errors"

var (
	// ErrInvalidRequest marks input rejected at the boundary.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSessionNotFound is returned for an unknown upload ID.
	ErrSessionNotFound = errors.New("upload not found")

	// ErrUnknownChunk is returned for a chunk index outside the session.
	ErrUnknownChunk = errors.New("chunk not found")

	// ErrChunkOutOfRange is returned when a chunk body does not fit inside the declared file.
	ErrChunkOutOfRange = errors.New("chunk out of range")

	// ErrChunksMissing is returned by Finalize while any chunk is still pending.
	ErrChunksMissing = errors.New("chunks missing")

	// ErrFinalizeBusy is returned by Finalize while another finalize is processing the session.
	ErrFinalizeBusy = errors.New("finalize in progress")

	// ErrSessionFailed is returned by Finalize for a session whose hash pass failed.
	ErrSessionFailed = errors.New("upload failed")
)
