package utils

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/firefish-io/go-escrow/types"
)

func TestParseTransactionsHexRoundTrip(t *testing.T) {
	first := wire.NewMsgTx(2)
	first.AddTxIn(&wire.TxIn{Sequence: 1})
	first.AddTxOut(&wire.TxOut{Value: 100, PkScript: []byte{0x51}})
	second := wire.NewMsgTx(2)
	second.AddTxIn(&wire.TxIn{Sequence: 2})
	second.AddTxOut(&wire.TxOut{Value: 200, PkScript: []byte{0x52}})

	firstHex, err := TxToHex(first)
	require.NoError(t, err)
	secondHex, err := TxToHex(second)
	require.NoError(t, err)

	txs, err := ParseTransactionsHex(firstHex + secondHex + "\n")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, first.TxHash(), txs[0].TxHash())
	require.Equal(t, second.TxHash(), txs[1].TxHash())

	_, err = ParseTransactionsHex("zz")
	require.Error(t, err)
	_, err = ParseTransactionsHex("")
	require.Error(t, err)
}

func TestParseAddressScript(t *testing.T) {
	// P2WPKH on regtest
	script, err := ParseAddressScript(
		"bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080", types.Regtest,
	)
	require.NoError(t, err)
	require.Len(t, script, 22)
	require.Equal(t, byte(0x00), script[0])

	// wrong network
	_, err = ParseAddressScript(
		"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", types.Regtest,
	)
	require.Error(t, err)

	_, err = ParseAddressScript("not-an-address", types.Regtest)
	require.Error(t, err)
}

func TestBase64RoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, 0xfe, 0xff}
	encoded := EncodeBase64(data)
	got, err := DecodeBase64(encoded + "\n")
	require.NoError(t, err)
	require.Equal(t, data, got)

	_, err = DecodeBase64("!!!")
	require.Error(t, err)
}
