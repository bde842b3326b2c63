package session

import (
	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/firefish-io/go-escrow/contract"
	"github.com/firefish-io/go-escrow/types"
)

// TedState is any persisted witness session state.
type TedState interface {
	Role() contract.TedRole
	StateID() StateID
	Serialize() []byte
}

func (t *TedAwaitingSpendInfo) StateID() StateID { return StateEscrowAwaitingFunding }

func (t *TedPresigned) StateID() StateID { return StateAwaitingEscrowConfirmation }

func participantFor(role contract.TedRole) ParticipantID {
	if role == contract.RoleTedO {
		return ParticipantTedO
	}
	return ParticipantTedP
}

func roleFor(participant byte) (contract.TedRole, error) {
	switch ParticipantID(participant) {
	case ParticipantTedO:
		return contract.RoleTedO, nil
	case ParticipantTedP:
		return contract.RoleTedP, nil
	default:
		return 0, InvalidStateError{Field: "participant id", Got: participant}
	}
}

func (p *tedPrefund) encode(w *types.Writer) {
	if p.ready == nil {
		w.WriteByte(byte(StatePrefundAwaitingSpendInfo))
		w.WriteMagic(p.network.Magic())
		p.keys.Encode(w)
	} else {
		w.WriteByte(byte(StatePrefundReady))
		p.ready.Encode(w)
	}
	w.Write(p.prefundKey.Serialize())
}

func decodeTedPrefund(r *types.Reader) (tedPrefund, error) {
	var state tedPrefund
	tag, err := r.ReadByte()
	if err != nil {
		return state, err
	}
	switch StateID(tag) {
	case StatePrefundAwaitingSpendInfo:
		magic, err := r.ReadMagic()
		if err != nil {
			return state, err
		}
		if state.network, err = types.NetworkFromMagic(magic); err != nil {
			return state, err
		}
		if state.keys, err = contract.DecodeTedKeys(r); err != nil {
			return state, err
		}
	case StatePrefundReady:
		prefund, err := contract.DecodePrefund(r)
		if err != nil {
			return state, err
		}
		state.ready = prefund
		state.network = prefund.Network
		state.keys = contract.TedKeys{
			TedO: prefund.Keys.TedO,
			TedP: prefund.Keys.TedP,
		}
	default:
		return state, InvalidStateError{Field: "prefund state id", Got: tag}
	}
	secret, err := r.ReadBytes(32)
	if err != nil {
		return state, err
	}
	state.prefundKey, _ = btcec.PrivKeyFromBytes(secret)
	return state, nil
}

func (t *TedAwaitingSpendInfo) Serialize() []byte {
	w := types.NewWriter()
	CurrentVersion.Encode(w)
	w.WriteByte(byte(participantFor(t.role)))
	w.WriteByte(byte(t.StateID()))
	w.Write(t.escrowKey.Serialize())
	t.escrowKeys.Encode(w)
	t.params.Encode(w)
	t.prefund.encode(w)
	return w.Bytes()
}

func (t *TedPresigned) Serialize() []byte {
	w := types.NewWriter()
	CurrentVersion.Encode(w)
	w.WriteByte(byte(participantFor(t.role)))
	w.WriteByte(byte(t.StateID()))
	w.Write(t.escrowKey.Serialize())
	t.escrowKeys.Encode(w)
	t.borrowerSigs.Encode(w)
	t.params.Encode(w)
	t.templates.Encode(w)
	t.prefund.encode(w)
	return w.Bytes()
}

// LoadTed reads either witness state file, upgrading v0 content on the fly.
func LoadTed(raw []byte) (TedState, error) {
	r := types.NewReader(raw)
	version, err := DecodeVersion(r)
	if err != nil {
		return nil, err
	}
	participant, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	role, err := roleFor(participant)
	if err != nil {
		return nil, err
	}
	stateID, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	secret, err := r.ReadBytes(32)
	if err != nil {
		return nil, err
	}
	escrowKey, _ := btcec.PrivKeyFromBytes(secret)

	switch StateID(stateID) {
	case StateEscrowAwaitingFunding:
		escrowKeys, err := contract.DecodeTedKeys(r)
		if err != nil {
			return nil, err
		}
		params, err := contract.DecodeEscrowParams(r, offerVersionFor(version))
		if err != nil {
			return nil, err
		}
		prefund, err := decodeTedPrefund(r)
		if err != nil {
			return nil, err
		}
		return &TedAwaitingSpendInfo{
			role:       role,
			escrowKey:  escrowKey,
			params:     params,
			escrowKeys: escrowKeys,
			prefund:    prefund,
		}, nil

	case StateAwaitingEscrowConfirmation:
		escrowKeys, err := contract.DecodeTedKeys(r)
		if err != nil {
			return nil, err
		}
		borrowerSigs, err := contract.DecodeBorrowerSignatures(r)
		if err != nil {
			return nil, err
		}
		params, err := contract.DecodeEscrowParams(r, offerVersionFor(version))
		if err != nil {
			return nil, err
		}
		templates, err := contract.DecodeTemplateSet(r, escrowKeys)
		if err != nil {
			return nil, err
		}
		prefund, err := decodeTedPrefund(r)
		if err != nil {
			return nil, err
		}
		return &TedPresigned{
			role:         role,
			escrowKey:    escrowKey,
			params:       params,
			escrowKeys:   escrowKeys,
			borrowerSigs: borrowerSigs,
			templates:    templates,
			prefund:      prefund,
		}, nil

	default:
		return nil, InvalidStateError{Field: "state id", Got: stateID}
	}
}
