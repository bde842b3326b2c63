package script

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/firefish-io/go-escrow/types"
)

func testKey(t *testing.T, seed byte) *btcec.PublicKey {
	t.Helper()
	raw := make([]byte, 32)
	raw[31] = seed
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv.PubKey()
}

func TestInternalKeyIsFixed(t *testing.T) {
	key := InternalKey()
	require.Equal(t, internalKeyBytes, schnorr.SerializePubKey(key))
}

func TestNewPubKeysRejectsDuplicates(t *testing.T) {
	a, b := testKey(t, 1), testKey(t, 2)
	_, err := NewPubKeys(a, a, b)
	require.ErrorIs(t, err, ErrDuplicateKeys)
	_, err = NewPubKeys(a, b, b)
	require.ErrorIs(t, err, ErrDuplicateKeys)
	_, err = NewPubKeys(a, b, a)
	require.ErrorIs(t, err, ErrDuplicateKeys)
}

func TestSortedIsOrderIndependent(t *testing.T) {
	a, b, c := testKey(t, 1), testKey(t, 2), testKey(t, 3)
	perms := [][3]*btcec.PublicKey{
		{a, b, c}, {a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	}
	var want []byte
	for i, perm := range perms {
		keys, err := NewPubKeys(perm[0], perm[1], perm[2])
		require.NoError(t, err)
		sorted := keys.Sorted()
		for j := 0; j < 2; j++ {
			left := schnorr.SerializePubKey(sorted[j])
			right := schnorr.SerializePubKey(sorted[j+1])
			require.Negative(t, bytes.Compare(left, right))
		}
		script, err := keys.MultisigScript()
		require.NoError(t, err)
		if i == 0 {
			want = script
		} else {
			require.Equal(t, want, script, "multisig script must not depend on key order")
		}
	}
}

func TestPermuteMatchesSortedOrder(t *testing.T) {
	a, b, c := testKey(t, 1), testKey(t, 2), testKey(t, 3)
	keys, err := NewPubKeys(b, c, a)
	require.NoError(t, err)
	permuted := keys.Permute([3][]byte{
		schnorr.SerializePubKey(keys.Borrower),
		schnorr.SerializePubKey(keys.TedO),
		schnorr.SerializePubKey(keys.TedP),
	})
	sorted := keys.Sorted()
	for i := range sorted {
		require.Equal(t, schnorr.SerializePubKey(sorted[i]), permuted[i])
	}
}

func TestPubKeysRoundTrip(t *testing.T) {
	keys, err := NewPubKeys(testKey(t, 1), testKey(t, 2), testKey(t, 3))
	require.NoError(t, err)
	w := types.NewWriter()
	keys.Encode(w)
	got, err := DecodePubKeys(types.NewReader(w.Bytes()))
	require.NoError(t, err)
	require.Equal(t,
		schnorr.SerializePubKey(keys.Borrower), schnorr.SerializePubKey(got.Borrower))
	require.Equal(t,
		schnorr.SerializePubKey(keys.TedO), schnorr.SerializePubKey(got.TedO))
	require.Equal(t,
		schnorr.SerializePubKey(keys.TedP), schnorr.SerializePubKey(got.TedP))
}

func TestCancelLeafScriptEncodesSequence(t *testing.T) {
	borrower := testKey(t, 7)
	script42, err := CancelLeafScript(borrower, 42)
	require.NoError(t, err)
	script43, err := CancelLeafScript(borrower, 43)
	require.NoError(t, err)
	require.NotEqual(t, script42, script43)
	// 0x2a push, OP_CSV (0xb2), OP_DROP (0x75), key push, OP_CHECKSIG (0xac)
	require.Equal(t, byte(0xb2), script42[2])
	require.Equal(t, byte(0x75), script42[3])
	require.Equal(t, byte(0xac), script42[len(script42)-1])
}

func TestPrefundOutputDeterministic(t *testing.T) {
	keys, err := NewPubKeys(testKey(t, 1), testKey(t, 2), testKey(t, 3))
	require.NoError(t, err)
	var leafHash chainhash.Hash
	leafHash[0] = 0xab

	first, err := PrefundOutput(keys, leafHash)
	require.NoError(t, err)
	second, err := PrefundOutput(keys, leafHash)
	require.NoError(t, err)
	require.Equal(t,
		schnorr.SerializePubKey(first.OutputKey),
		schnorr.SerializePubKey(second.OutputKey))
	require.Equal(t, first.ParityOdd, second.ParityOdd)

	escrow, err := EscrowOutput(keys)
	require.NoError(t, err)
	require.NotEqual(t,
		schnorr.SerializePubKey(first.OutputKey),
		schnorr.SerializePubKey(escrow.OutputKey))
}

func TestControlBlockSizes(t *testing.T) {
	keys, err := NewPubKeys(testKey(t, 1), testKey(t, 2), testKey(t, 3))
	require.NoError(t, err)
	var sibling chainhash.Hash
	sibling[5] = 1

	prefund, err := PrefundOutput(keys, sibling)
	require.NoError(t, err)
	withProof, err := prefund.ControlBlock(&sibling)
	require.NoError(t, err)
	require.Len(t, withProof, 33+32)

	escrow, err := EscrowOutput(keys)
	require.NoError(t, err)
	withoutProof, err := escrow.ControlBlock(nil)
	require.NoError(t, err)
	require.Len(t, withoutProof, 33)
}

func TestAddressEncoding(t *testing.T) {
	keys, err := NewPubKeys(testKey(t, 1), testKey(t, 2), testKey(t, 3))
	require.NoError(t, err)
	output, err := EscrowOutput(keys)
	require.NoError(t, err)

	mainnet, err := output.Address(types.Mainnet)
	require.NoError(t, err)
	require.Equal(t, "bc", mainnet.String()[:2])
	regtest, err := output.Address(types.Regtest)
	require.NoError(t, err)
	require.Equal(t, "bcrt", regtest.String()[:4])

	pkScript, err := output.PkScript()
	require.NoError(t, err)
	require.Len(t, pkScript, 34)
	require.Equal(t, byte(0x51), pkScript[0])
}
