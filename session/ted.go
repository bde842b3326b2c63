package session

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"

	"github.com/firefish-io/go-escrow/contract"
	"github.com/firefish-io/go-escrow/script"
	"github.com/firefish-io/go-escrow/types"
)

// ErrKeysNotInOffer is returned when the supplied witness keys match neither
// role in the offer.
var ErrKeysNotInOffer = errors.New("keys do not match any witness role in the offer")

// tedPrefund is the witness view of the prefund contract: before the
// spend-info arrives only the witness keys are known, afterwards the full
// contract is.
type tedPrefund struct {
	network    types.Network
	keys       contract.TedKeys
	prefundKey *btcec.PrivateKey

	// Set once the spend-info has been verified.
	ready *contract.Prefund
}

// AssignOffer matches the witness keys against the offer and initializes the
// session for whichever role they belong to.
func AssignOffer(keys contract.TedKeypairs, offer *contract.Offer) (*TedAwaitingSpendInfo, error) {
	matches := func(priv *btcec.PrivateKey, pub *btcec.PublicKey) bool {
		return bytes.Equal(
			schnorr.SerializePubKey(priv.PubKey()), schnorr.SerializePubKey(pub),
		)
	}
	var role contract.TedRole
	switch {
	case matches(keys.Prefund, offer.PrefundKeys.TedO) &&
		matches(keys.Escrow, offer.EscrowKeys.TedO):
		role = contract.RoleTedO
	case matches(keys.Prefund, offer.PrefundKeys.TedP) &&
		matches(keys.Escrow, offer.EscrowKeys.TedP):
		role = contract.RoleTedP
	default:
		return nil, ErrKeysNotInOffer
	}
	log.WithField("role", role).Debug("offer assigned")
	return &TedAwaitingSpendInfo{
		role:       role,
		escrowKey:  keys.Escrow,
		params:     offer.Params,
		escrowKeys: offer.EscrowKeys,
		prefund: tedPrefund{
			network:    offer.Params.Network,
			keys:       offer.PrefundKeys,
			prefundKey: keys.Prefund,
		},
	}, nil
}

// TedAwaitingSpendInfo is a witness that accepted the offer and waits for the
// borrower's spend-info and presign request.
type TedAwaitingSpendInfo struct {
	role       contract.TedRole
	escrowKey  *btcec.PrivateKey
	params     contract.EscrowParams
	escrowKeys contract.TedKeys
	prefund    tedPrefund
}

func (t *TedAwaitingSpendInfo) Role() contract.TedRole {
	return t.role
}

func (t *TedAwaitingSpendInfo) Network() types.Network {
	return t.params.Network
}

// SetSpendInfo verifies the borrower's handoff by recomputing the funding
// script from the key material. A single differing byte rejects the message
// before any signature can ever be produced for it.
func (t *TedAwaitingSpendInfo) SetSpendInfo(info *contract.SpendInfo) error {
	if t.prefund.ready != nil {
		return contract.ErrSpendInfoAlreadySet
	}
	keys, err := script.NewPubKeys(
		info.BorrowerKey, t.prefund.keys.TedO, t.prefund.keys.TedP,
	)
	if err != nil {
		return err
	}
	prefund, err := contract.NewPrefund(t.prefund.network, keys, info.ReturnLeafHash)
	if err != nil {
		return err
	}
	derived, err := prefund.FundingScript()
	if err != nil {
		return err
	}
	if !info.MatchesScript(derived) {
		return contract.ErrSpendInfoMismatch
	}
	if info.Collateral < t.params.MinCollateral {
		return contract.ErrUndercollateralized
	}
	t.prefund.ready = prefund
	log.WithField("role", t.role).Debug("spend info verified")
	return nil
}

// FundingAddress is available once the spend-info has been verified, letting
// the witness watch the chain independently.
func (t *TedAwaitingSpendInfo) FundingAddress() (btcutil.Address, error) {
	if t.prefund.ready == nil {
		return nil, errors.New("spend info not received yet")
	}
	return t.prefund.ready.FundingAddress()
}

// Presign validates the borrower's funding announcement, recomputes every
// template and sighash locally, verifies the borrower's pre-signatures and
// only then signs. The returned bundle is what travels back to the borrower.
func (t *TedAwaitingSpendInfo) Presign(
	req *contract.PresignRequest,
) (*TedPresigned, *contract.TedSignatures, error) {
	if err := req.Funding.Validate(&t.params); err != nil {
		return nil, nil, err
	}
	templates, err := contract.BuildTemplates(&t.params, t.escrowKeys, req.Funding)
	if err != nil {
		return nil, nil, err
	}
	if err := templates.VerifyBorrower(req.Signatures); err != nil {
		return nil, nil, fmt.Errorf("borrower signatures: %w", err)
	}

	var bundle contract.TedSignatures
	switch t.role {
	case contract.RoleTedO:
		sigs, err := templates.SignTedO(t.escrowKey, t.prefund.ready, t.prefund.prefundKey)
		if err != nil {
			return nil, nil, err
		}
		bundle.O = sigs
	case contract.RoleTedP:
		sigs, err := templates.SignTedP(t.escrowKey, t.prefund.ready, t.prefund.prefundKey)
		if err != nil {
			return nil, nil, err
		}
		bundle.P = sigs
	}
	log.WithFields(log.Fields{
		"role":        t.role,
		"escrow_txid": templates.EscrowTxid(),
	}).Debug("templates presigned")
	next := &TedPresigned{
		role:         t.role,
		escrowKey:    t.escrowKey,
		params:       t.params,
		escrowKeys:   t.escrowKeys,
		borrowerSigs: req.Signatures,
		templates:    templates,
		prefund:      t.prefund,
	}
	return next, &bundle, nil
}

// TedPresigned is a witness that released its pre-signatures and waits for
// the escrow to confirm. Outcome finalization happens from here.
type TedPresigned struct {
	role         contract.TedRole
	escrowKey    *btcec.PrivateKey
	params       contract.EscrowParams
	escrowKeys   contract.TedKeys
	borrowerSigs *contract.BorrowerSignatures
	templates    *contract.TemplateSet
	prefund      tedPrefund
}

func (t *TedPresigned) Role() contract.TedRole {
	return t.role
}

func (t *TedPresigned) EscrowTxid() chainhash.Hash {
	return t.templates.EscrowTxid()
}

// Explain renders the template set for operator review.
func (t *TedPresigned) Explain() string {
	return t.templates.Explain()
}

// finalizeOutcome verifies TED-O's signature for the outcome, adds a fresh
// TED-P signature and assembles the witness. Only TED-P can finalize: its
// signatures are never pre-shared for these templates.
func (t *TedPresigned) finalizeOutcome(
	tx *wire.MsgTx, sighash func() ([]byte, error),
	borrowerSig, tedOSig *schnorr.Signature,
) (*wire.MsgTx, error) {
	if t.role != contract.RoleTedP {
		return nil, contract.ErrInvalidRole
	}
	hash, err := sighash()
	if err != nil {
		return nil, err
	}
	if !tedOSig.Verify(hash, t.escrowKeys.TedO) {
		return nil, fmt.Errorf("ted-o signature: %w", contract.ErrBadSignature)
	}
	ownSig, err := schnorr.Sign(t.escrowKey, hash)
	if err != nil {
		return nil, err
	}
	if err := t.templates.FinalizeOutcome(tx, borrowerSig, tedOSig, ownSig); err != nil {
		return nil, err
	}
	return tx, nil
}

// SignRepayment finalizes the repayment transaction with TED-O's signature.
func (t *TedPresigned) SignRepayment(tedOSig *schnorr.Signature) (*wire.MsgTx, error) {
	return t.finalizeOutcome(
		t.templates.Repayment, t.templates.RepaymentSighash,
		t.borrowerSigs.Repayment, tedOSig,
	)
}

// SignDefault finalizes the default transaction with TED-O's signature.
func (t *TedPresigned) SignDefault(tedOSig *schnorr.Signature) (*wire.MsgTx, error) {
	return t.finalizeOutcome(
		t.templates.Default, t.templates.DefaultSighash,
		t.borrowerSigs.Default, tedOSig,
	)
}

// SignLiquidation completes the liquidation with TED-O's half-signature.
func (t *TedPresigned) SignLiquidation(tedOSig *schnorr.Signature) (*wire.MsgTx, error) {
	return t.finalizeOutcome(
		t.templates.Liquidation, t.templates.LiquidationSighash,
		t.borrowerSigs.Liquidation, tedOSig,
	)
}

// LiquidationSignature emits TED-O's liquidation half. TED-P consumes it
// through SignLiquidation; this ordering is what makes liquidation require
// TED-O first.
func (t *TedPresigned) LiquidationSignature() (*schnorr.Signature, error) {
	if t.role != contract.RoleTedO {
		return nil, contract.ErrInvalidRole
	}
	return t.templates.SignOutcomeWith(t.templates.Liquidation, t.escrowKey)
}
