package types

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestIntegerRoundTrips(t *testing.T) {
	w := NewWriter()
	w.WriteBE32(0xdeadbeef)
	w.WriteBE64(0x0102030405060708)
	w.WriteLE32(42)
	w.WriteLE64(100_000)
	w.WriteByte(7)

	r := NewReader(w.Bytes())
	be32, err := r.ReadBE32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), be32)
	be64, err := r.ReadBE64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), be64)
	le32, err := r.ReadLE32()
	require.NoError(t, err)
	require.Equal(t, uint32(42), le32)
	le64, err := r.ReadLE64()
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), le64)
	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(7), b)
	require.True(t, r.Empty())
}

func TestReadPastEnd(t *testing.T) {
	r := NewReader([]byte{1, 2})
	_, err := r.ReadBE32()
	require.ErrorIs(t, err, ErrUnexpectedEnd)
}

func TestKeyAndSignatureRoundTrip(t *testing.T) {
	raw := make([]byte, 32)
	raw[31] = 9
	priv, _ := btcec.PrivKeyFromBytes(raw)
	hash := chainhash.HashB([]byte("message"))
	sig, err := schnorr.Sign(priv, hash)
	require.NoError(t, err)

	w := NewWriter()
	w.WriteXOnlyKey(priv.PubKey())
	w.WriteSignature(sig)

	r := NewReader(w.Bytes())
	key, err := r.ReadXOnlyKey()
	require.NoError(t, err)
	require.Equal(t, schnorr.SerializePubKey(priv.PubKey()), schnorr.SerializePubKey(key))
	got, err := r.ReadSignature()
	require.NoError(t, err)
	require.Equal(t, sig.Serialize(), got.Serialize())
}

func TestTxOutAndOutPointRoundTrip(t *testing.T) {
	txOut := &wire.TxOut{Value: 54_321, PkScript: []byte{0x51, 0x20, 0xaa}}
	op := wire.OutPoint{Index: 3}
	op.Hash[0] = 0xff

	w := NewWriter()
	w.WriteTxOut(txOut)
	w.WriteOutPoint(op)

	r := NewReader(w.Bytes())
	gotOut, err := r.ReadTxOut()
	require.NoError(t, err)
	require.Equal(t, txOut, gotOut)
	gotOp, err := r.ReadOutPoint()
	require.NoError(t, err)
	require.Equal(t, op, gotOp)
	require.True(t, r.Empty())
}

func TestTxRoundTrip(t *testing.T) {
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{Sequence: 0xfffffffd})
	tx.AddTxOut(&wire.TxOut{Value: 1000, PkScript: []byte{0x51}})
	tx.LockTime = 1234

	w := NewWriter()
	w.WriteTx(tx)
	w.WriteByte(0xee) // trailing data must survive

	r := NewReader(w.Bytes())
	got, err := r.ReadTx()
	require.NoError(t, err)
	require.Equal(t, tx.TxHash(), got.TxHash())
	trailer, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte(0xee), trailer)
	require.True(t, r.Empty())
}

func TestSpendableTxoRoundTrip(t *testing.T) {
	txo := SpendableTxo{
		OutPoint: wire.OutPoint{Index: 1},
		TxOut:    wire.TxOut{Value: 777, PkScript: []byte{0x51, 0x20, 0x01}},
		Sequence: 42,
	}
	w := NewWriter()
	txo.Encode(w)
	r := NewReader(w.Bytes())
	got, err := DecodeSpendableTxo(r)
	require.NoError(t, err)
	require.Equal(t, txo, got)
	require.True(t, r.Empty())
}

func TestNetworkFromMagic(t *testing.T) {
	for _, net := range []Network{Mainnet, Testnet, Regtest, Signet} {
		got, err := NetworkFromMagic(net.Magic())
		require.NoError(t, err)
		require.Equal(t, net.Name, got.Name)
	}
	_, err := NetworkFromMagic(wire.BitcoinNet(0x12345678))
	require.Error(t, err)
}

func TestPredictWeightMatchesAssembledTx(t *testing.T) {
	// One taproot script-path input with known witness element sizes and a
	// single P2TR output.
	witness := wire.TxWitness{
		make([]byte, 64),
		make([]byte, 64),
		make([]byte, 64),
		make([]byte, 102),
		make([]byte, 65),
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{Sequence: 0xfffffffd, Witness: witness})
	outScript := make([]byte, 34)
	tx.AddTxOut(&wire.TxOut{Value: 500, PkScript: outScript})

	sizes := make([]int, 0, len(witness))
	for _, elem := range witness {
		sizes = append(sizes, len(elem))
	}
	predicted := PredictWeight(
		[]InputWeightPrediction{{WitnessElementSizes: sizes}},
		[]int{len(outScript)},
	)
	require.Equal(t, TxWeight(tx), predicted)
}

func TestFeeForWeightRoundsUp(t *testing.T) {
	require.EqualValues(t, 1, FeeForWeight(1, 1))
	require.EqualValues(t, 1, FeeForWeight(4, 1))
	require.EqualValues(t, 2, FeeForWeight(5, 1))
	require.EqualValues(t, 300, FeeForWeight(600, 2))
}
