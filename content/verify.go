// Package content verifies streamed payload bytes against the content hash
// an event committed to. Transports hand chunks to a Verifier as they
// arrive; a stream that overruns the declared length or ends on the wrong
// hash is discarded wholesale, so the engine never sees unverified bytes.
package content

import (
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/dpc/rostra"
)

// ErrVerification is returned when the streamed bytes do not match what the
// event committed to.
type ErrVerification struct {
	EventID rostra.EventID
	Reason  string
}

func (e *ErrVerification) Error() string {
	return fmt.Sprintf("content verification failed for %s: %s", e.EventID, e.Reason)
}

// Verifier accumulates streamed content chunks, hashing incrementally.
type Verifier struct {
	eventID rostra.EventID
	want    rostra.ContentHash
	wantLen uint32

	hasher *blake3.Hasher
	buf    []byte
	failed bool
}

// NewVerifier starts verification of one event's payload stream.
func NewVerifier(eventID rostra.EventID, want rostra.ContentHash, wantLen uint32) *Verifier {
	return &Verifier{
		eventID: eventID,
		want:    want,
		wantLen: wantLen,
		hasher:  blake3.New(),
		buf:     make([]byte, 0, wantLen),
	}
}

// Write feeds the next chunk. A stream running past the declared length
// fails immediately; the partial buffer is dropped and the fetch counts as
// failed.
func (v *Verifier) Write(p []byte) (int, error) {
	if v.failed {
		return 0, &ErrVerification{EventID: v.eventID, Reason: "stream already failed"}
	}
	if uint64(len(v.buf))+uint64(len(p)) > uint64(v.wantLen) {
		v.discard()
		return 0, &ErrVerification{EventID: v.eventID, Reason: "stream longer than declared content length"}
	}
	v.hasher.Write(p)
	v.buf = append(v.buf, p...)
	return len(p), nil
}

// Verified finishes the stream, returning the payload when both length and
// hash match the event's commitment.
func (v *Verifier) Verified() ([]byte, error) {
	if v.failed {
		return nil, &ErrVerification{EventID: v.eventID, Reason: "stream already failed"}
	}
	if uint32(len(v.buf)) != v.wantLen {
		v.discard()
		return nil, &ErrVerification{EventID: v.eventID, Reason: "stream shorter than declared content length"}
	}
	var sum [32]byte
	v.hasher.Sum(sum[:0])
	if rostra.ContentHash(sum) != v.want {
		v.discard()
		return nil, &ErrVerification{EventID: v.eventID, Reason: "content hash mismatch"}
	}
	return v.buf, nil
}

func (v *Verifier) discard() {
	v.failed = true
	v.buf = nil
}
