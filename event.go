package rostra

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// Wire layout of the signed envelope (little-endian, 192 bytes):
//
//	[0]       version
//	[1]       flags
//	[2:4]     kind
//	[4:36]    author
//	[36:44]   timestamp
//	[44:60]   parent
//	[60:76]   aux_parent
//	[76:108]  content_hash
//	[108:112] content_len
//	[112:128] aux_key
//	[128:192] signature
//
// The signature covers bytes 0..128. The event id is the first 16 bytes of
// the BLAKE3 hash of the full 192 bytes.
const (
	EventSize       = 192
	eventSignedSize = 128
)

// Envelope flags.
const (
	// FlagDeleteAuxContent marks the event as a deletion of the aux parent's
	// content.
	FlagDeleteAuxContent uint8 = 1 << 0
)

// AuxKey is the kind-specific 16-byte key of an event, e.g. a persona tag.
type AuxKey [16]byte

var ZeroAuxKey = AuxKey{}

// AuxKeyFromString packs a short string (a persona tag) into an AuxKey.
// Longer strings are truncated.
func AuxKeyFromString(s string) AuxKey {
	var k AuxKey
	copy(k[:], s)
	return k
}

// String unpacks the aux key back into a string, dropping zero padding.
func (k AuxKey) String() string {
	end := len(k)
	for end > 0 && k[end-1] == 0 {
		end--
	}
	return string(k[:end])
}

// Event is the unsigned part of the envelope.
type Event struct {
	Version     uint8
	Flags       uint8
	Kind        Kind
	Author      RostraID
	Timestamp   Timestamp
	Parent      EventID
	AuxParent   EventID
	ContentHash ContentHash
	ContentLen  uint32
	AuxKey      AuxKey
}

// SignedEvent is a decoded envelope: the event, its signature and the id
// computed over the full wire bytes.
type SignedEvent struct {
	Event
	Sig [64]byte
	ID  EventID
}

// EmptyContentHash is the BLAKE3 hash of the empty byte string, used as the
// content hash of events with no content.
var EmptyContentHash = HashContent(nil)

// HashContent computes the BLAKE3 content hash over the given bytes.
func HashContent(b []byte) ContentHash {
	return ContentHash(blake3.Sum256(b))
}

// IsDeleteAuxContent reports whether this event declares the aux parent's
// content deleted.
func (evt Event) IsDeleteAuxContent() bool {
	return evt.Flags&FlagDeleteAuxContent != 0 && !evt.AuxParent.IsZero()
}

func (evt Event) encodeSignedPart(buf []byte) {
	buf[0] = evt.Version
	buf[1] = evt.Flags
	binary.LittleEndian.PutUint16(buf[2:4], uint16(evt.Kind))
	copy(buf[4:36], evt.Author[:])
	binary.LittleEndian.PutUint64(buf[36:44], uint64(evt.Timestamp))
	copy(buf[44:60], evt.Parent[:])
	copy(buf[60:76], evt.AuxParent[:])
	copy(buf[76:108], evt.ContentHash[:])
	binary.LittleEndian.PutUint32(buf[108:112], evt.ContentLen)
	copy(buf[112:128], evt.AuxKey[:])
}

// Serialize encodes the full 192-byte envelope.
func (evt SignedEvent) Serialize() []byte {
	buf := make([]byte, EventSize)
	evt.encodeSignedPart(buf[:eventSignedSize])
	copy(buf[eventSignedSize:], evt.Sig[:])
	return buf
}

// ComputeID computes the short event id over the serialized envelope.
func (evt SignedEvent) ComputeID() EventID {
	sum := blake3.Sum256(evt.Serialize())
	return EventID(sum[0:16])
}

// VerifySignature checks the Ed25519 signature against the author key.
func (evt SignedEvent) VerifySignature() bool {
	var buf [eventSignedSize]byte
	evt.encodeSignedPart(buf[:])
	return ed25519.Verify(evt.Author[:], buf[:], evt.Sig[:])
}

// ParseEvent decodes a 192-byte envelope. It rejects malformed sizes and
// unknown versions, and computes the event id; it does not verify the
// signature.
func ParseEvent(buf []byte) (*SignedEvent, error) {
	if len(buf) != EventSize {
		return nil, fmt.Errorf("%w: event envelope should be %d bytes, got %d",
			ErrMalformedEnvelope, EventSize, len(buf))
	}
	if buf[0] != 0 {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrMalformedEnvelope, buf[0])
	}
	evt := &SignedEvent{
		Event: Event{
			Version:     buf[0],
			Flags:       buf[1],
			Kind:        Kind(binary.LittleEndian.Uint16(buf[2:4])),
			Author:      RostraID(buf[4:36]),
			Timestamp:   Timestamp(binary.LittleEndian.Uint64(buf[36:44])),
			Parent:      EventID(buf[44:60]),
			AuxParent:   EventID(buf[60:76]),
			ContentHash: ContentHash(buf[76:108]),
			ContentLen:  binary.LittleEndian.Uint32(buf[108:112]),
			AuxKey:      AuxKey(buf[112:128]),
		},
		Sig: [64]byte(buf[eventSignedSize:EventSize]),
	}
	sum := blake3.Sum256(buf)
	evt.ID = EventID(sum[0:16])
	return evt, nil
}

// Sign signs the event with the given secret, setting Author, Sig and ID.
func (evt *SignedEvent) Sign(sec IDSecret) error {
	evt.Author = sec.RostraID()
	var buf [eventSignedSize]byte
	evt.encodeSignedPart(buf[:])
	copy(evt.Sig[:], ed25519.Sign(sec.signingKey(), buf[:]))
	evt.ID = evt.ComputeID()
	return nil
}
