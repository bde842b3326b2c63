package contract

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
)

// PrefundFromPSBT extracts the wallet-signed prefund transaction from a
// finalized PSBT. Wallets commonly hand over funding transactions in this
// form; the extracted transaction is what the borrower feeds into the escrow
// construction.
func PrefundFromPSBT(packet *psbt.Packet) (*wire.MsgTx, error) {
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("prefund psbt is not fully signed: %w", err)
	}
	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("failed to extract prefund transaction: %w", err)
	}
	return tx, nil
}

// ParsePrefundPSBT decodes a base64 PSBT and extracts the transaction.
func ParsePrefundPSBT(encoded string) (*wire.MsgTx, error) {
	packet, err := psbt.NewFromRawBytes(strings.NewReader(encoded), true)
	if err != nil {
		return nil, fmt.Errorf("invalid psbt: %w", err)
	}
	return PrefundFromPSBT(packet)
}
