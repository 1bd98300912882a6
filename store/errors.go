package store

import "errors"

var (
	// ErrAlreadyProcessed: the event's content was already processed (or is
	// deleted/pruned/invalid); a silently successful no-op for callers that
	// race on the same content.
	ErrAlreadyProcessed = errors.New("event content already processed")

	// ErrEmptyContentHashMismatch: the envelope declares content_len == 0
	// but its content hash is not the hash of the empty string.
	ErrEmptyContentHashMismatch = errors.New("empty content with non-empty content hash")

	// ErrHashMismatch: the provided bytes do not hash to the envelope's
	// content hash (or their length disagrees with content_len).
	ErrHashMismatch = errors.New("content bytes do not match content hash")

	// ErrInvalidContent: the kind handler refused to parse the payload.
	ErrInvalidContent = errors.New("invalid content payload")

	// ErrStaleHead: publish named a parent head that is not one of the
	// author's current heads.
	ErrStaleHead = errors.New("stale head")

	// ErrUnknownEvent: the operation targets an event that was never
	// ingested.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrStoreCorrupted: a persisted record failed to decode. Fatal at the
	// engine level.
	ErrStoreCorrupted = errors.New("store corrupted")
)
