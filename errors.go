package rostra

import "errors"

var (
	// ErrMalformedEnvelope is returned when envelope bytes cannot be parsed.
	ErrMalformedEnvelope = errors.New("malformed event envelope")

	// ErrBadSignature is returned when the envelope signature does not
	// verify against the author key.
	ErrBadSignature = errors.New("bad event signature")
)
