package utils

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/firefish-io/go-escrow/types"
)

// ParseTransactionsHex decodes a concatenated hex string of one or more
// consensus-serialized transactions, the format node RPCs and block explorers
// hand out.
func ParseTransactionsHex(raw string) ([]*wire.MsgTx, error) {
	raw = strings.TrimSpace(raw)
	buf, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction hex: %w", err)
	}
	r := types.NewReader(buf)
	var txs []*wire.MsgTx
	for !r.Empty() {
		tx, err := r.ReadTx()
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("no transactions in input")
	}
	return txs, nil
}

// TxToHex consensus-serializes a transaction to hex.
func TxToHex(tx *wire.MsgTx) (string, error) {
	w := types.NewWriter()
	w.WriteTx(tx)
	return hex.EncodeToString(w.Bytes()), nil
}

// ParseAddressScript decodes a bech32/bech32m address for the given network
// and returns its output script.
func ParseAddressScript(addr string, network types.Network) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, network.Params)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if !decoded.IsForNet(network.Params) {
		return nil, fmt.Errorf("address %q belongs to a different network", addr)
	}
	return txscript.PayToAddrScript(decoded)
}

// DecodeBase64 strips whitespace and decodes standard base64, the transport
// wrapper of every human-interchanged message.
func DecodeBase64(raw string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	return data, nil
}

// EncodeBase64 wraps bytes for human interchange.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
