package contract

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/firefish-io/go-escrow/types"
)

// SpendInfo is the borrower-to-witness handoff finalizing the funding address.
// It carries the borrower's prefund key, the hash of the borrower's cancel
// leaf, the chosen collateral amount and an echo of the funding script the
// borrower derived. Witnesses recompute the script from the key material and
// refuse to sign anything if a single byte differs.
type SpendInfo struct {
	BorrowerKey    *btcec.PublicKey
	ReturnLeafHash chainhash.Hash
	Collateral     btcutil.Amount
	FundingScript  []byte
}

func (s *SpendInfo) Encode(w *types.Writer) {
	w.WriteByte(byte(MessagePrefundSpendInfo))
	w.WriteXOnlyKey(s.BorrowerKey)
	w.Write(s.ReturnLeafHash[:])
	w.WriteLE64(uint64(s.Collateral))
	w.WriteVarBytes(s.FundingScript)
}

func (s *SpendInfo) Serialize() []byte {
	w := types.NewWriter()
	s.Encode(w)
	return w.Bytes()
}

func DecodeSpendInfo(r *types.Reader) (*SpendInfo, error) {
	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if id != byte(MessagePrefundSpendInfo) {
		return nil, InvalidMessageError{Expected: MessagePrefundSpendInfo, Got: id}
	}
	info := &SpendInfo{}
	if info.BorrowerKey, err = r.ReadXOnlyKey(); err != nil {
		return nil, fmt.Errorf("invalid borrower key: %w", err)
	}
	hash, err := r.ReadBytes(chainhash.HashSize)
	if err != nil {
		return nil, err
	}
	copy(info.ReturnLeafHash[:], hash)
	collateral, err := r.ReadLE64()
	if err != nil {
		return nil, err
	}
	info.Collateral = btcutil.Amount(collateral)
	if info.FundingScript, err = r.ReadVarBytes(); err != nil {
		return nil, err
	}
	return info, nil
}

func ParseSpendInfo(raw []byte) (*SpendInfo, error) {
	r := types.NewReader(raw)
	info, err := DecodeSpendInfo(r)
	if err != nil {
		return nil, fmt.Errorf("invalid spend info: %w", err)
	}
	return info, nil
}

// MatchesScript reports whether the echoed funding script equals the locally
// derived one.
func (s *SpendInfo) MatchesScript(derived []byte) bool {
	return bytes.Equal(s.FundingScript, derived)
}
