package contract

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// Derivation children selecting the sub-contract key.
const (
	prefundChild = 0
	escrowChild  = 1
)

// TedKeypairs holds one witness's private keys for both sub-contracts.
type TedKeypairs struct {
	Prefund *btcec.PrivateKey
	Escrow  *btcec.PrivateKey
}

func (k TedKeypairs) Public() ParticipantKeys {
	return ParticipantKeys{
		Prefund: k.Prefund.PubKey(),
		Escrow:  k.Escrow.PubKey(),
	}
}

// GenerateTedKeypairs creates a fresh witness identity. Keys are single-use
// per loan.
func GenerateTedKeypairs() (TedKeypairs, error) {
	prefund, err := btcec.NewPrivateKey()
	if err != nil {
		return TedKeypairs{}, err
	}
	escrow, err := btcec.NewPrivateKey()
	if err != nil {
		return TedKeypairs{}, err
	}
	return TedKeypairs{Prefund: prefund, Escrow: escrow}, nil
}

// TedKeypairsFromBytes loads a raw 64-byte key file: the prefund secret
// followed by the escrow secret.
func TedKeypairsFromBytes(raw []byte) (TedKeypairs, error) {
	if len(raw) != 64 {
		return TedKeypairs{}, fmt.Errorf("invalid key file length %d", len(raw))
	}
	prefund, _ := btcec.PrivKeyFromBytes(raw[:32])
	escrow, _ := btcec.PrivKeyFromBytes(raw[32:])
	return TedKeypairs{Prefund: prefund, Escrow: escrow}, nil
}

func (k TedKeypairs) Bytes() []byte {
	out := make([]byte, 0, 64)
	out = append(out, k.Prefund.Serialize()...)
	out = append(out, k.Escrow.Serialize()...)
	return out
}

// DeriveTedKeypairs derives the witness identity from an extended private key
// at the given path. Child 0 selects the prefund key, child 1 the escrow key.
func DeriveTedKeypairs(master *hdkeychain.ExtendedKey, path []uint32) (TedKeypairs, error) {
	derive := func(child uint32) (*btcec.PrivateKey, error) {
		key := master
		var err error
		for _, step := range append(append([]uint32{}, path...), child) {
			if key, err = key.Derive(step); err != nil {
				return nil, err
			}
		}
		return key.ECPrivKey()
	}
	prefund, err := derive(prefundChild)
	if err != nil {
		return TedKeypairs{}, fmt.Errorf("prefund key derivation: %w", err)
	}
	escrow, err := derive(escrowChild)
	if err != nil {
		return TedKeypairs{}, fmt.Errorf("escrow key derivation: %w", err)
	}
	return TedKeypairs{Prefund: prefund, Escrow: escrow}, nil
}

// DeriveTedPublicKeys is the watch-only variant over an extended public key.
func DeriveTedPublicKeys(master *hdkeychain.ExtendedKey, path []uint32) (ParticipantKeys, error) {
	derive := func(child uint32) (*btcec.PublicKey, error) {
		key := master
		var err error
		for _, step := range append(append([]uint32{}, path...), child) {
			if key, err = key.Derive(step); err != nil {
				return nil, err
			}
		}
		return key.ECPubKey()
	}
	prefund, err := derive(prefundChild)
	if err != nil {
		return ParticipantKeys{}, fmt.Errorf("prefund key derivation: %w", err)
	}
	escrow, err := derive(escrowChild)
	if err != nil {
		return ParticipantKeys{}, fmt.Errorf("escrow key derivation: %w", err)
	}
	return ParticipantKeys{Prefund: prefund, Escrow: escrow}, nil
}
