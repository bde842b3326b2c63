package contract

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/firefish-io/go-escrow/types"
)

// One escrow signature per input; more inputs than this cannot fit a block.
const maxInputCount = 4_000_000 / (32 + 4 + 4 + 1)

// BorrowerSignatures are the borrower's pre-signatures over the four outcome
// transactions. The field order is frozen on the wire.
type BorrowerSignatures struct {
	Recover     *schnorr.Signature
	Repayment   *schnorr.Signature
	Default     *schnorr.Signature
	Liquidation *schnorr.Signature
}

func (s *BorrowerSignatures) Encode(w *types.Writer) {
	w.WriteByte(byte(MessageBorrowerSigs))
	w.WriteSignature(s.Recover)
	w.WriteSignature(s.Repayment)
	w.WriteSignature(s.Default)
	w.WriteSignature(s.Liquidation)
}

func DecodeBorrowerSignatures(r *types.Reader) (*BorrowerSignatures, error) {
	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if id != byte(MessageBorrowerSigs) {
		return nil, InvalidMessageError{Expected: MessageBorrowerSigs, Got: id}
	}
	sigs := &BorrowerSignatures{}
	if sigs.Recover, err = r.ReadSignature(); err != nil {
		return nil, err
	}
	if sigs.Repayment, err = r.ReadSignature(); err != nil {
		return nil, err
	}
	if sigs.Default, err = r.ReadSignature(); err != nil {
		return nil, err
	}
	if sigs.Liquidation, err = r.ReadSignature(); err != nil {
		return nil, err
	}
	return sigs, nil
}

func decodeSignatureList(r *types.Reader) ([]*schnorr.Signature, error) {
	count, err := r.ReadBE32()
	if err != nil {
		return nil, err
	}
	if count > maxInputCount {
		return nil, fmt.Errorf("too many signatures: %d", count)
	}
	sigs := make([]*schnorr.Signature, 0, count)
	for i := uint32(0); i < count; i++ {
		sig, err := r.ReadSignature()
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

func encodeSignatureList(w *types.Writer, sigs []*schnorr.Signature) {
	w.WriteBE32(uint32(len(sigs)))
	for _, sig := range sigs {
		w.WriteSignature(sig)
	}
}

// TedOSignatures is TED-O's bundle: pre-signatures over recover, repayment
// and default plus one escrow signature per funding input.
type TedOSignatures struct {
	Recover   *schnorr.Signature
	Repayment *schnorr.Signature
	Default   *schnorr.Signature
	Escrow    []*schnorr.Signature
}

func (s *TedOSignatures) Encode(w *types.Writer) {
	w.WriteByte(byte(MessageTedOSigs))
	w.WriteSignature(s.Recover)
	w.WriteSignature(s.Repayment)
	w.WriteSignature(s.Default)
	encodeSignatureList(w, s.Escrow)
}

func DecodeTedOSignatures(r *types.Reader) (*TedOSignatures, error) {
	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if id != byte(MessageTedOSigs) {
		return nil, InvalidMessageError{Expected: MessageTedOSigs, Got: id}
	}
	sigs := &TedOSignatures{}
	if sigs.Recover, err = r.ReadSignature(); err != nil {
		return nil, err
	}
	if sigs.Repayment, err = r.ReadSignature(); err != nil {
		return nil, err
	}
	if sigs.Default, err = r.ReadSignature(); err != nil {
		return nil, err
	}
	if sigs.Escrow, err = decodeSignatureList(r); err != nil {
		return nil, err
	}
	return sigs, nil
}

// TedPSignatures is TED-P's bundle. Repayment, default and liquidation
// signatures are deliberately absent: TED-P produces them fresh when
// finalizing an outcome, which is what makes TED-P's cooperation necessary.
type TedPSignatures struct {
	Recover *schnorr.Signature
	Escrow  []*schnorr.Signature
}

func (s *TedPSignatures) Encode(w *types.Writer) {
	w.WriteByte(byte(MessageTedPSigs))
	w.WriteSignature(s.Recover)
	encodeSignatureList(w, s.Escrow)
}

func DecodeTedPSignatures(r *types.Reader) (*TedPSignatures, error) {
	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if id != byte(MessageTedPSigs) {
		return nil, InvalidMessageError{Expected: MessageTedPSigs, Got: id}
	}
	sigs := &TedPSignatures{}
	if sigs.Recover, err = r.ReadSignature(); err != nil {
		return nil, err
	}
	if sigs.Escrow, err = decodeSignatureList(r); err != nil {
		return nil, err
	}
	return sigs, nil
}

// TedSignatures is either witness's bundle, distinguished by message id.
type TedSignatures struct {
	O *TedOSignatures
	P *TedPSignatures
}

func (s *TedSignatures) Encode(w *types.Writer) {
	if s.O != nil {
		s.O.Encode(w)
		return
	}
	s.P.Encode(w)
}

// DecodeTedSignatures decodes a witness bundle if one is present. It returns
// nil without error on empty input so it can consume an optional trailer.
func DecodeTedSignatures(r *types.Reader) (*TedSignatures, error) {
	if r.Empty() {
		return nil, nil
	}
	id, err := r.PeekByte()
	if err != nil {
		return nil, err
	}
	switch MessageID(id) {
	case MessageTedOSigs:
		sigs, err := DecodeTedOSignatures(r)
		if err != nil {
			return nil, err
		}
		return &TedSignatures{O: sigs}, nil
	case MessageTedPSigs:
		sigs, err := DecodeTedPSignatures(r)
		if err != nil {
			return nil, err
		}
		return &TedSignatures{P: sigs}, nil
	default:
		return nil, fmt.Errorf("invalid witness signature message id %d", id)
	}
}

// BroadcastRequest carries the borrower's escrow input signatures back to the
// platform once the escrow transaction is final.
type BroadcastRequest struct {
	Signatures []*schnorr.Signature
}

func (b *BroadcastRequest) Encode(w *types.Writer) {
	w.WriteByte(byte(MessageEscrowSigsFromBorrower))
	encodeSignatureList(w, b.Signatures)
}

func DecodeBroadcastRequest(r *types.Reader) (*BroadcastRequest, error) {
	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if id != byte(MessageEscrowSigsFromBorrower) {
		return nil, InvalidMessageError{Expected: MessageEscrowSigsFromBorrower, Got: id}
	}
	sigs, err := decodeSignatureList(r)
	if err != nil {
		return nil, err
	}
	return &BroadcastRequest{Signatures: sigs}, nil
}
