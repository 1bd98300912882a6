package store

import (
	"encoding/binary"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/dpc/rostra"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Composite keys are packed big-endian so LMDB's lexicographic order is the
// scan order. (The event envelope itself is little-endian; that layout is a
// wire contract and never used as a key.)

func putUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func getUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func authorTimeKey(author rostra.RostraID, ts rostra.Timestamp, id rostra.EventID) []byte {
	k := make([]byte, 32+8+16)
	copy(k[0:32], author[:])
	binary.BigEndian.PutUint64(k[32:40], uint64(ts))
	copy(k[40:56], id[:])
	return k
}

func splitAuthorTimeKey(k []byte) (rostra.Timestamp, rostra.EventID) {
	return rostra.Timestamp(binary.BigEndian.Uint64(k[32:40])), rostra.EventID(k[40:56])
}

func authorEventKey(author rostra.RostraID, id rostra.EventID) []byte {
	k := make([]byte, 32+16)
	copy(k[0:32], author[:])
	copy(k[32:48], id[:])
	return k
}

func contentMissingKey(nextAttempt rostra.Timestamp, id rostra.EventID) []byte {
	k := make([]byte, 8+16)
	binary.BigEndian.PutUint64(k[0:8], uint64(nextAttempt))
	copy(k[8:24], id[:])
	return k
}

func splitContentMissingKey(k []byte) (rostra.Timestamp, rostra.EventID) {
	return rostra.Timestamp(binary.BigEndian.Uint64(k[0:8])), rostra.EventID(k[8:24])
}

func authorPairKey(a, b rostra.RostraID) []byte {
	k := make([]byte, 64)
	copy(k[0:32], a[:])
	copy(k[32:64], b[:])
	return k
}

func notificationKey(recipient rostra.RostraID, ts rostra.Timestamp, seq uint64) []byte {
	k := make([]byte, 32+8+8)
	copy(k[0:32], recipient[:])
	binary.BigEndian.PutUint64(k[32:40], uint64(ts))
	binary.BigEndian.PutUint64(k[40:48], seq)
	return k
}

func splitNotificationKey(k []byte) (rostra.Timestamp, uint64) {
	return rostra.Timestamp(binary.BigEndian.Uint64(k[32:40])), binary.BigEndian.Uint64(k[40:48])
}

func timelineKey(ts rostra.Timestamp, id rostra.EventID) []byte {
	k := make([]byte, 8+16)
	binary.BigEndian.PutUint64(k[0:8], uint64(ts))
	copy(k[8:24], id[:])
	return k
}

func splitTimelineKey(k []byte) (rostra.Timestamp, rostra.EventID) {
	return rostra.Timestamp(binary.BigEndian.Uint64(k[0:8])), rostra.EventID(k[8:24])
}

// contentState is the per-event payload state. Absence of a record means
// Processed.
type contentState struct {
	kind contentStateKind

	// Missing bookkeeping
	lastAttempt  rostra.Timestamp
	attemptCount uint32
	nextAttempt  rostra.Timestamp

	// Deleted
	deletedBy rostra.EventID
}

type contentStateKind uint8

const (
	stateMissing contentStateKind = 0x01
	stateInvalid contentStateKind = 0x02
	stateDeleted contentStateKind = 0x03
	statePruned  contentStateKind = 0x04
)

func (s contentState) encode() []byte {
	switch s.kind {
	case stateMissing:
		b := make([]byte, 1+8+4+8)
		b[0] = byte(stateMissing)
		binary.BigEndian.PutUint64(b[1:9], uint64(s.lastAttempt))
		binary.BigEndian.PutUint32(b[9:13], s.attemptCount)
		binary.BigEndian.PutUint64(b[13:21], uint64(s.nextAttempt))
		return b
	case stateDeleted:
		b := make([]byte, 1+16)
		b[0] = byte(stateDeleted)
		copy(b[1:17], s.deletedBy[:])
		return b
	default:
		return []byte{byte(s.kind)}
	}
}

func decodeContentState(b []byte) (contentState, error) {
	if len(b) < 1 {
		return contentState{}, fmt.Errorf("%w: empty content state record", ErrStoreCorrupted)
	}
	s := contentState{kind: contentStateKind(b[0])}
	switch s.kind {
	case stateMissing:
		if len(b) != 1+8+4+8 {
			return s, fmt.Errorf("%w: truncated missing state record", ErrStoreCorrupted)
		}
		s.lastAttempt = rostra.Timestamp(binary.BigEndian.Uint64(b[1:9]))
		s.attemptCount = binary.BigEndian.Uint32(b[9:13])
		s.nextAttempt = rostra.Timestamp(binary.BigEndian.Uint64(b[13:21]))
	case stateDeleted:
		if len(b) != 1+16 {
			return s, fmt.Errorf("%w: truncated deleted state record", ErrStoreCorrupted)
		}
		s.deletedBy = rostra.EventID(b[1:17])
	case stateInvalid, statePruned:
	default:
		return s, fmt.Errorf("%w: unknown content state tag %d", ErrStoreCorrupted, b[0])
	}
	return s, nil
}

// missingRecord is the value of events_missing: an event referenced as a
// parent before being ingested, possibly already deleted by a later event.
// The author comes from the referencing event (parents always share their
// child's author).
type missingRecord struct {
	author    rostra.RostraID
	deletedBy rostra.EventID
}

func (r missingRecord) encode() []byte {
	if r.deletedBy.IsZero() {
		b := make([]byte, 32)
		copy(b, r.author[:])
		return b
	}
	b := make([]byte, 32+16)
	copy(b[0:32], r.author[:])
	copy(b[32:48], r.deletedBy[:])
	return b
}

func decodeMissingRecord(b []byte) (missingRecord, error) {
	switch len(b) {
	case 32:
		return missingRecord{author: rostra.RostraID(b)}, nil
	case 48:
		return missingRecord{
			author:    rostra.RostraID(b[0:32]),
			deletedBy: rostra.EventID(b[32:48]),
		}, nil
	default:
		return missingRecord{}, fmt.Errorf("%w: bad events_missing record size %d", ErrStoreCorrupted, len(b))
	}
}

// followRecord is the value of follow_state. Cold structured records are
// kept as JSON.
type followRecord struct {
	Ts   rostra.Timestamp  `json:"ts"`
	Mode rostra.FollowMode `json:"mode"`
	Tags []string          `json:"tags,omitempty"`
}

// profileRecord is the latest-wins social profile snapshot of an author.
type profileRecord struct {
	Ts          rostra.Timestamp `json:"ts"`
	EventID     rostra.EventID   `json:"event_id"`
	DisplayName string           `json:"display_name"`
	Bio         string           `json:"bio"`
	Avatar      *rostra.Avatar   `json:"avatar,omitempty"`
}
