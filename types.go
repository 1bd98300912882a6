package rostra

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// RostraID is an author identity: an Ed25519 public key.
type RostraID [32]byte

var ZeroID = RostraID{}

// String renders the id in its human bech32 form ("rstr1...").
func (id RostraID) String() string {
	bits5, err := bech32.ConvertBits(id[:], 8, 5, true)
	if err != nil {
		panic(fmt.Errorf("failed to convert id bits: %w", err))
	}
	s, err := bech32.Encode(IDPrefix, bits5)
	if err != nil {
		panic(fmt.Errorf("failed to bech32-encode id: %w", err))
	}
	return s
}

func (id RostraID) Hex() string { return hex.EncodeToString(id[:]) }

func (id RostraID) MarshalText() ([]byte, error)  { return []byte(id.String()), nil }
func (id *RostraID) UnmarshalText(b []byte) error {
	parsed, err := RostraIDFromString(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// IDPrefix is the bech32 human-readable part of a rendered RostraID.
const IDPrefix = "rstr"

func RostraIDFromString(s string) (RostraID, error) {
	id := RostraID{}
	prefix, bits5, err := bech32.DecodeNoLimit(s)
	if err != nil {
		return id, err
	}
	if prefix != IDPrefix {
		return id, fmt.Errorf("invalid id prefix '%s'", prefix)
	}
	data, err := bech32.ConvertBits(bits5, 5, 8, false)
	if err != nil {
		return id, fmt.Errorf("failed to translate id into 8 bits: %w", err)
	}
	if len(data) != 32 {
		return id, fmt.Errorf("id should be 32 bytes (%d)", len(data))
	}
	copy(id[:], data)
	return id, nil
}

func MustRostraIDFromString(s string) RostraID {
	id, err := RostraIDFromString(s)
	if err != nil {
		panic(err)
	}
	return id
}

// EventID is the short event id: a truncated BLAKE3 of the signed envelope.
type EventID [16]byte

var ZeroEventID = EventID{}

func (id EventID) String() string { return hex.EncodeToString(id[:]) }
func (id EventID) IsZero() bool   { return id == ZeroEventID }

func (id EventID) MarshalText() ([]byte, error)  { return []byte(id.String()), nil }
func (id *EventID) UnmarshalText(b []byte) error {
	parsed, err := EventIDFromHex(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func EventIDFromHex(idh string) (EventID, error) {
	id := EventID{}
	if len(idh) != 32 {
		return id, fmt.Errorf("event id should be 32-char hex, got '%s'", idh)
	}
	if _, err := hex.Decode(id[:], []byte(idh)); err != nil {
		return id, fmt.Errorf("'%s' is not valid hex: %w", idh, err)
	}
	return id, nil
}

func MustEventIDFromHex(idh string) EventID {
	id, err := EventIDFromHex(idh)
	if err != nil {
		panic(err)
	}
	return id
}

// ContentHash is the BLAKE3 hash of an event's content bytes.
type ContentHash [32]byte

func (h ContentHash) String() string { return hex.EncodeToString(h[:]) }

func ContentHashFromHex(s string) (ContentHash, error) {
	h := ContentHash{}
	if len(s) != 64 {
		return h, fmt.Errorf("content hash should be 64-char hex, got '%s'", s)
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("'%s' is not valid hex: %w", s, err)
	}
	return h, nil
}

// Timestamp is an author-asserted number of seconds since the unix epoch.
// Monotonicity is not required.
type Timestamp uint64

func Now() Timestamp { return Timestamp(time.Now().Unix()) }

func (t Timestamp) Time() time.Time { return time.Unix(int64(t), 0) }
