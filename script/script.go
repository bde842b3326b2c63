// Package script derives every output script used by the loan contract.
//
// All derivations are deterministic: given the same keys and lock parameters
// the three participants must arrive at byte-identical scripts, addresses and
// control blocks. Key ordering is fixed by lexicographic sort of the x-only
// serializations, never by map iteration.
package script

import (
	"bytes"
	"encoding/hex"
	"errors"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/firefish-io/go-escrow/types"
)

// ErrDuplicateKeys is returned when two participants present the same key.
var ErrDuplicateKeys = errors.New("duplicate participant keys")

// internalKeyHex is a NUMS point: the hash of a fixed public string, so no
// party can know its discrete log and the key-spend path is unusable.
const internalKeyHex = "42bd12e5ccca5b830e755b1e9d7104bdf89819276746d7b5d42cb2a227bff08d"

var internalKeyBytes = func() []byte {
	buf, err := hex.DecodeString(internalKeyHex)
	if err != nil {
		panic(err)
	}
	return buf
}()

// InternalKey returns the shared unspendable taproot internal key.
func InternalKey() *btcec.PublicKey {
	key, err := schnorr.ParsePubKey(internalKeyBytes)
	if err != nil {
		panic("statically known internal key is valid: " + err.Error())
	}
	return key
}

// PubKeys holds the per-contract public keys of all three participants.
type PubKeys struct {
	Borrower *btcec.PublicKey
	TedO     *btcec.PublicKey
	TedP     *btcec.PublicKey
}

func NewPubKeys(borrower, tedO, tedP *btcec.PublicKey) (PubKeys, error) {
	b := schnorr.SerializePubKey(borrower)
	o := schnorr.SerializePubKey(tedO)
	p := schnorr.SerializePubKey(tedP)
	if bytes.Equal(b, o) || bytes.Equal(b, p) || bytes.Equal(o, p) {
		return PubKeys{}, ErrDuplicateKeys
	}
	return PubKeys{Borrower: borrower, TedO: tedO, TedP: tedP}, nil
}

// Sorted returns the three keys ordered by their x-only serialization.
func (k PubKeys) Sorted() [3]*btcec.PublicKey {
	keys := [3]*btcec.PublicKey{k.Borrower, k.TedO, k.TedP}
	sort.Slice(keys[:], func(i, j int) bool {
		return bytes.Compare(
			schnorr.SerializePubKey(keys[i]), schnorr.SerializePubKey(keys[j]),
		) < 0
	})
	return keys
}

// Permutation maps each sorted-key position to the index of that key in the
// (borrower, tedO, tedP) tuple, so witness stacks can be assembled without
// re-sorting signatures by key.
func (k PubKeys) Permutation() [3]int {
	sorted := k.Sorted()
	origin := [3]*btcec.PublicKey{k.Borrower, k.TedO, k.TedP}
	var perm [3]int
	for sortedIdx, key := range sorted {
		target := schnorr.SerializePubKey(key)
		for originIdx, candidate := range origin {
			if bytes.Equal(schnorr.SerializePubKey(candidate), target) {
				perm[sortedIdx] = originIdx
				break
			}
		}
	}
	return perm
}

// Permute reorders the (borrower, tedO, tedP) tuple into sorted-key order.
func (k PubKeys) Permute(items [3][]byte) [3][]byte {
	perm := k.Permutation()
	return [3][]byte{items[perm[0]], items[perm[1]], items[perm[2]]}
}

// MultisigScript builds the 3-of-3 tapscript leaf over the sorted keys.
func (k PubKeys) MultisigScript() ([]byte, error) {
	sorted := k.Sorted()
	return txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(sorted[0])).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddData(schnorr.SerializePubKey(sorted[1])).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddData(schnorr.SerializePubKey(sorted[2])).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

func (k PubKeys) MultisigLeafHash() (chainhash.Hash, error) {
	script, err := k.MultisigScript()
	if err != nil {
		return chainhash.Hash{}, err
	}
	return txscript.NewBaseTapLeaf(script).TapHash(), nil
}

func (k PubKeys) Encode(w *types.Writer) {
	w.WriteXOnlyKey(k.Borrower)
	w.WriteXOnlyKey(k.TedO)
	w.WriteXOnlyKey(k.TedP)
}

func DecodePubKeys(r *types.Reader) (PubKeys, error) {
	borrower, err := r.ReadXOnlyKey()
	if err != nil {
		return PubKeys{}, err
	}
	tedO, err := r.ReadXOnlyKey()
	if err != nil {
		return PubKeys{}, err
	}
	tedP, err := r.ReadXOnlyKey()
	if err != nil {
		return PubKeys{}, err
	}
	return NewPubKeys(borrower, tedO, tedP)
}

// CancelLeafScript builds the borrower's prefund escape hatch: a script-path
// spend gated by a relative lock encoded in the sequence value.
func CancelLeafScript(borrower *btcec.PublicKey, sequence uint32) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddInt64(int64(sequence)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(schnorr.SerializePubKey(borrower)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

func LeafHash(script []byte) chainhash.Hash {
	return txscript.NewBaseTapLeaf(script).TapHash()
}

func branchHash(left, right chainhash.Hash) chainhash.Hash {
	if bytes.Compare(left[:], right[:]) > 0 {
		left, right = right, left
	}
	return *chainhash.TaggedHash(chainhash.TagTapBranch, left[:], right[:])
}

// TaprootOutput is a computed taproot output key with its parity, enough to
// build both the output script and control blocks for script-path spends.
type TaprootOutput struct {
	OutputKey *btcec.PublicKey
	ParityOdd bool
}

func computeTaprootOutput(root chainhash.Hash) TaprootOutput {
	outputKey := txscript.ComputeTaprootOutputKey(InternalKey(), root[:])
	return TaprootOutput{
		OutputKey: outputKey,
		ParityOdd: outputKey.SerializeCompressed()[0] == 0x03,
	}
}

// PrefundOutput derives the prefund taproot output. The tree has two leaves:
// the borrower's cancel leaf (known to witnesses only as a hash) and the
// multisig leaf.
func PrefundOutput(keys PubKeys, borrowerLeafHash chainhash.Hash) (TaprootOutput, error) {
	multisigHash, err := keys.MultisigLeafHash()
	if err != nil {
		return TaprootOutput{}, err
	}
	root := branchHash(borrowerLeafHash, multisigHash)
	return computeTaprootOutput(root), nil
}

// EscrowOutput derives the escrow taproot output whose only leaf is the
// multisig script.
func EscrowOutput(keys PubKeys) (TaprootOutput, error) {
	multisigHash, err := keys.MultisigLeafHash()
	if err != nil {
		return TaprootOutput{}, err
	}
	return computeTaprootOutput(multisigHash), nil
}

// ControlBlock serializes the control block proving leaf inclusion. The
// sibling argument is the hash of the other branch, nil for single-leaf trees.
func (t TaprootOutput) ControlBlock(sibling *chainhash.Hash) ([]byte, error) {
	block := txscript.ControlBlock{
		InternalKey:     InternalKey(),
		OutputKeyYIsOdd: t.ParityOdd,
		LeafVersion:     txscript.BaseLeafVersion,
	}
	if sibling != nil {
		block.InclusionProof = sibling[:]
	}
	return block.ToBytes()
}

// PkScript returns the v1 witness program paying the output key.
func (t TaprootOutput) PkScript() ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(schnorr.SerializePubKey(t.OutputKey)).
		Script()
}

// Address encodes the output as bech32m for the given network.
func (t TaprootOutput) Address(network types.Network) (btcutil.Address, error) {
	return btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(t.OutputKey), network.Params,
	)
}
