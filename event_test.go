package rostra

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testSecret(fill byte) IDSecret {
	var sec IDSecret
	for i := range sec {
		sec[i] = fill
	}
	return sec
}

func TestEnvelopeRoundtrip(t *testing.T) {
	sec := testSecret(7)
	content := []byte(`{"content":"hello"}`)

	evt := &SignedEvent{
		Event: Event{
			Flags:       FlagDeleteAuxContent,
			Kind:        KindSocialPost,
			Timestamp:   1700000000,
			Parent:      MustEventIDFromHex("00112233445566778899aabbccddeeff"),
			AuxParent:   MustEventIDFromHex("ffeeddccbbaa99887766554433221100"),
			ContentHash: HashContent(content),
			ContentLen:  uint32(len(content)),
			AuxKey:      AuxKeyFromString("persona"),
		},
	}
	require.NoError(t, evt.Sign(sec))
	require.Equal(t, sec.RostraID(), evt.Author)

	buf := evt.Serialize()
	require.Len(t, buf, EventSize)

	parsed, err := ParseEvent(buf)
	require.NoError(t, err)
	require.Equal(t, evt.Event, parsed.Event)
	require.Equal(t, evt.Sig, parsed.Sig)
	require.Equal(t, evt.ID, parsed.ID)
	require.True(t, parsed.VerifySignature())
	require.Equal(t, "persona", parsed.AuxKey.String())
}

func TestParseEventRejectsMalformed(t *testing.T) {
	_, err := ParseEvent(make([]byte, EventSize-1))
	require.ErrorIs(t, err, ErrMalformedEnvelope)

	_, err = ParseEvent(make([]byte, EventSize+3))
	require.ErrorIs(t, err, ErrMalformedEnvelope)

	bad := make([]byte, EventSize)
	bad[0] = 9 // unknown version
	_, err = ParseEvent(bad)
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestSignatureCoversEnvelope(t *testing.T) {
	sec := testSecret(3)
	evt := &SignedEvent{
		Event: Event{
			Kind:        KindRaw,
			Timestamp:   42,
			ContentHash: EmptyContentHash,
		},
	}
	require.NoError(t, evt.Sign(sec))
	require.True(t, evt.VerifySignature())

	tampered := *evt
	tampered.Timestamp = 43
	require.False(t, tampered.VerifySignature())

	tampered = *evt
	tampered.ContentHash[5] ^= 1
	require.False(t, tampered.VerifySignature())
}

func TestEventIDCoversSignature(t *testing.T) {
	sec := testSecret(5)
	evt := &SignedEvent{Event: Event{Kind: KindRaw, Timestamp: 1, ContentHash: EmptyContentHash}}
	require.NoError(t, evt.Sign(sec))

	id := evt.ComputeID()
	require.Equal(t, evt.ID, id)

	// flipping a signature bit changes the id
	evt.Sig[0] ^= 1
	require.NotEqual(t, id, evt.ComputeID())
}

func TestEmptyContentHash(t *testing.T) {
	require.Equal(t, HashContent([]byte{}), EmptyContentHash)
	require.Equal(t, HashContent(nil), EmptyContentHash)
	require.NotEqual(t, HashContent([]byte{0}), EmptyContentHash)
}
