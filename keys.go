package rostra

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/tyler-smith/go-bip39"
)

// IDSecret is the secret half of an identity: 32 bytes of entropy used as an
// Ed25519 seed, carried around as a 24-word mnemonic.
type IDSecret [32]byte

func GenerateIDSecret() IDSecret {
	var sec IDSecret
	if _, err := io.ReadFull(rand.Reader, sec[:]); err != nil {
		panic(fmt.Errorf("failed to read random bytes when generating id secret"))
	}
	return sec
}

// IDSecretFromMnemonic parses the 24-word human form of a secret.
func IDSecretFromMnemonic(mnemonic string) (IDSecret, error) {
	var sec IDSecret
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return sec, fmt.Errorf("invalid mnemonic: %w", err)
	}
	if len(entropy) != 32 {
		return sec, fmt.Errorf("id secret mnemonic should carry 32 bytes of entropy (%d)", len(entropy))
	}
	copy(sec[:], entropy)
	return sec, nil
}

// Mnemonic renders the secret as its 24-word human form.
func (sec IDSecret) Mnemonic() string {
	mnemonic, err := bip39.NewMnemonic(sec[:])
	if err != nil {
		panic(fmt.Errorf("failed to encode id secret mnemonic: %w", err))
	}
	return mnemonic
}

func (sec IDSecret) signingKey() ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(sec[:])
}

// RostraID derives the public identity of this secret.
func (sec IDSecret) RostraID() RostraID {
	var id RostraID
	copy(id[:], sec.signingKey().Public().(ed25519.PublicKey))
	return id
}
