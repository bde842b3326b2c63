package session

import (
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"

	"github.com/firefish-io/go-escrow/contract"
	"github.com/firefish-io/go-escrow/types"
)

// BorrowerState is any persisted borrower session state. Cancel stays
// available everywhere; everything else is state-specific.
type BorrowerState interface {
	StateID() StateID
	Serialize() []byte

	Cancel(
		transactions []*wire.MsgTx, feeRate uint64, currentHeight uint32,
		delay contract.RelativeDelay,
	) (*wire.MsgTx, error)
}

func (b *BorrowerWaitingForFunding) StateID() StateID { return StateWaitingForFunding }

func (b *BorrowerAwaitingEscrowSigs) StateID() StateID { return StateEscrowAwaitingEscrowSigs }

func (b *BorrowerSigsVerified) StateID() StateID { return StateEscrowSigsVerified }

func (b *BorrowerEscrowSigned) StateID() StateID { return StateAwaitingEscrowConfirmation }

func borrowerHeader(w *types.Writer, state StateID) {
	CurrentVersion.Encode(w)
	w.WriteByte(byte(ParticipantBorrower))
	w.WriteByte(byte(state))
}

func (b *BorrowerWaitingForFunding) Serialize() []byte {
	w := types.NewWriter()
	borrowerHeader(w, b.StateID())
	b.escrowKeys.Encode(w)
	b.params.Encode(w)
	b.data.encode(w)
	return w.Bytes()
}

func (b *BorrowerAwaitingEscrowSigs) Serialize() []byte {
	w := types.NewWriter()
	borrowerHeader(w, b.StateID())
	w.WriteSignature(b.recoverSig)
	w.WriteSignature(b.repaymentSig)
	b.escrowKeys.Encode(w)
	b.params.Encode(w)
	b.templates.Encode(w)
	b.data.encode(w)
	if b.received != nil {
		b.received.Encode(w)
	}
	return w.Bytes()
}

func (b *BorrowerSigsVerified) Serialize() []byte {
	w := types.NewWriter()
	borrowerHeader(w, b.StateID())
	w.WriteSignature(b.recoverSig)
	w.WriteSignature(b.repaymentSig)
	b.escrowKeys.Encode(w)
	b.params.Encode(w)
	b.templates.Encode(w)
	b.data.encode(w)
	b.tedOSigs.Encode(w)
	b.tedPSigs.Encode(w)
	return w.Bytes()
}

func (b *BorrowerEscrowSigned) Serialize() []byte {
	w := types.NewWriter()
	borrowerHeader(w, b.StateID())
	w.WriteTx(b.escrowTx)
	w.WriteTx(b.recoverTx)
	b.data.encode(w)
	return w.Bytes()
}

type borrowerSigsCore struct {
	recoverSig   *schnorr.Signature
	repaymentSig *schnorr.Signature
	escrowKeys   contract.TedKeys
	params       contract.EscrowParams
	templates    *contract.TemplateSet
	data         escrowData
}

func decodeBorrowerSigsCore(r *types.Reader, version StateVersion) (borrowerSigsCore, error) {
	var core borrowerSigsCore
	var err error
	if core.recoverSig, err = r.ReadSignature(); err != nil {
		return core, err
	}
	if core.repaymentSig, err = r.ReadSignature(); err != nil {
		return core, err
	}
	if core.escrowKeys, err = contract.DecodeTedKeys(r); err != nil {
		return core, err
	}
	if core.params, err = contract.DecodeEscrowParams(r, offerVersionFor(version)); err != nil {
		return core, err
	}
	if core.templates, err = contract.DecodeTemplateSet(r, core.escrowKeys); err != nil {
		return core, err
	}
	if core.data, err = decodeEscrowData(r); err != nil {
		return core, err
	}
	return core, nil
}

// LoadBorrower reads any borrower state file, upgrading v0 content on the
// fly.
func LoadBorrower(raw []byte) (BorrowerState, error) {
	r := types.NewReader(raw)
	version, err := DecodeVersion(r)
	if err != nil {
		return nil, err
	}
	participant, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if participant != byte(ParticipantBorrower) {
		return nil, InvalidStateError{Field: "participant id", Got: participant}
	}
	stateID, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch StateID(stateID) {
	case StateWaitingForFunding:
		escrowKeys, err := contract.DecodeTedKeys(r)
		if err != nil {
			return nil, err
		}
		params, err := contract.DecodeEscrowParams(r, offerVersionFor(version))
		if err != nil {
			return nil, err
		}
		data, err := decodeEscrowData(r)
		if err != nil {
			return nil, err
		}
		return &BorrowerWaitingForFunding{
			params: params, escrowKeys: escrowKeys, data: data,
		}, nil

	case StateEscrowAwaitingEscrowSigs:
		core, err := decodeBorrowerSigsCore(r, version)
		if err != nil {
			return nil, err
		}
		received, err := contract.DecodeTedSignatures(r)
		if err != nil {
			return nil, err
		}
		return &BorrowerAwaitingEscrowSigs{
			params:       core.params,
			escrowKeys:   core.escrowKeys,
			templates:    core.templates,
			recoverSig:   core.recoverSig,
			repaymentSig: core.repaymentSig,
			data:         core.data,
			received:     received,
		}, nil

	case StateEscrowSigsVerified:
		core, err := decodeBorrowerSigsCore(r, version)
		if err != nil {
			return nil, err
		}
		tedOSigs, err := contract.DecodeTedOSignatures(r)
		if err != nil {
			return nil, err
		}
		tedPSigs, err := contract.DecodeTedPSignatures(r)
		if err != nil {
			return nil, err
		}
		return &BorrowerSigsVerified{
			params:       core.params,
			escrowKeys:   core.escrowKeys,
			templates:    core.templates,
			recoverSig:   core.recoverSig,
			repaymentSig: core.repaymentSig,
			data:         core.data,
			tedOSigs:     tedOSigs,
			tedPSigs:     tedPSigs,
		}, nil

	case StateAwaitingEscrowConfirmation:
		escrowTx, err := r.ReadTx()
		if err != nil {
			return nil, err
		}
		recoverTx, err := r.ReadTx()
		if err != nil {
			return nil, err
		}
		data, err := decodeEscrowData(r)
		if err != nil {
			return nil, err
		}
		return &BorrowerEscrowSigned{
			escrowTx: escrowTx, recoverTx: recoverTx, data: data,
		}, nil

	default:
		return nil, InvalidStateError{Field: "state id", Got: stateID}
	}
}
