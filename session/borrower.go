package session

import (
	"fmt"
	"time"

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

// escrowData is the borrower's private contract material carried through
// every state: the return script, the prefund contract and the prefund key
// with its cancel lock.
type escrowData struct {
	returnScript   []byte
	prefund        *contract.Prefund
	prefundKey     *btcec.PrivateKey
	cancelSequence uint32
}

func (d *escrowData) cancelLeaf() ([]byte, error) {
	return script.CancelLeafScript(d.prefundKey.PubKey(), d.cancelSequence)
}

func (d *escrowData) encode(w *types.Writer) {
	w.WriteByte(borrowerEscrowDataMarker)
	w.WriteVarBytes(d.returnScript)
	d.prefund.Encode(w)
	w.Write(d.prefundKey.Serialize())
	w.WriteLE32(d.cancelSequence)
}

func decodeEscrowData(r *types.Reader) (escrowData, error) {
	var data escrowData
	marker, err := r.ReadByte()
	if err != nil {
		return data, err
	}
	if marker != borrowerEscrowDataMarker {
		return data, InvalidStateError{Field: "escrow data marker", Got: marker}
	}
	if data.returnScript, err = r.ReadVarBytes(); err != nil {
		return data, err
	}
	if data.prefund, err = contract.DecodePrefund(r); err != nil {
		return data, err
	}
	secret, err := r.ReadBytes(32)
	if err != nil {
		return data, err
	}
	data.prefundKey, _ = btcec.PrivKeyFromBytes(secret)
	if data.cancelSequence, err = r.ReadLE32(); err != nil {
		return data, err
	}
	return data, nil
}

// cancel builds the borrower's escape-hatch transaction; available in every
// borrower state.
func (d *escrowData) cancel(
	transactions []*wire.MsgTx, feeRate uint64, currentHeight uint32,
	delay contract.RelativeDelay,
) (*wire.MsgTx, error) {
	leaf, err := d.cancelLeaf()
	if err != nil {
		return nil, err
	}
	return contract.BuildCancel(
		d.prefund, d.prefundKey, leaf, d.cancelSequence,
		d.returnScript, transactions, feeRate, currentHeight, delay,
	)
}

// AcceptParams are the borrower's choices when accepting an offer.
type AcceptParams struct {
	// Network the caller expects; the offer must match.
	Network types.Network

	// Now is the acceptance time used for the expiry check.
	Now time.Time

	// ReturnScript receives the collateral on repayment, recovery and cancel.
	ReturnScript []byte

	// CancelSequence is the relative lock (blocks) of the prefund cancel
	// path.
	CancelSequence uint32

	// PrefundKey is the borrower's single-use prefund key; generated when
	// nil.
	PrefundKey *btcec.PrivateKey
}

// AcceptOffer validates the offer, derives the prefund contract and returns
// the borrower's first session state.
func AcceptOffer(offer *contract.Offer, params AcceptParams) (*BorrowerWaitingForFunding, error) {
	if err := offer.Validate(params.Network, params.Now); err != nil {
		return nil, err
	}
	prefundKey := params.PrefundKey
	if prefundKey == nil {
		var err error
		if prefundKey, err = btcec.NewPrivateKey(); err != nil {
			return nil, err
		}
	}
	cancelLeaf, err := script.CancelLeafScript(prefundKey.PubKey(), params.CancelSequence)
	if err != nil {
		return nil, err
	}
	keys, err := script.NewPubKeys(
		prefundKey.PubKey(), offer.PrefundKeys.TedO, offer.PrefundKeys.TedP,
	)
	if err != nil {
		return nil, err
	}
	prefund, err := contract.NewPrefund(
		offer.Params.Network, keys, script.LeafHash(cancelLeaf),
	)
	if err != nil {
		return nil, err
	}
	log.WithField("network", offer.Params.Network).Debug("offer accepted")
	return &BorrowerWaitingForFunding{
		params:     offer.Params,
		escrowKeys: offer.EscrowKeys,
		data: escrowData{
			returnScript:   params.ReturnScript,
			prefund:        prefund,
			prefundKey:     prefundKey,
			cancelSequence: params.CancelSequence,
		},
	}, nil
}

// BorrowerWaitingForFunding is the borrower before any coins moved: the
// funding address is known, the ceremony has not started.
type BorrowerWaitingForFunding struct {
	params     contract.EscrowParams
	escrowKeys contract.TedKeys
	data       escrowData
}

func (b *BorrowerWaitingForFunding) Network() types.Network {
	return b.params.Network
}

func (b *BorrowerWaitingForFunding) FundingAddress() (btcutil.Address, error) {
	return b.data.prefund.FundingAddress()
}

// SpendInfo derives the handoff message for the witnesses.
func (b *BorrowerWaitingForFunding) SpendInfo() (*contract.SpendInfo, error) {
	return b.data.prefund.SpendInfo(b.params.MinCollateral)
}

func (b *BorrowerWaitingForFunding) Cancel(
	transactions []*wire.MsgTx, feeRate uint64, currentHeight uint32,
	delay contract.RelativeDelay,
) (*wire.MsgTx, error) {
	return b.data.cancel(transactions, feeRate, currentHeight, delay)
}

// FundingReceived consumes the observed funding transactions, derives the
// full template set, pre-signs it with a fresh ephemeral key and returns the
// next state together with the presign request for the witnesses. The
// ephemeral secret is dropped on purpose: only the recover and repayment
// signatures survive.
func (b *BorrowerWaitingForFunding) FundingReceived(
	opts contract.FundingOptions,
) (*BorrowerAwaitingEscrowSigs, *contract.PresignRequest, error) {
	ephemeralKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}
	funding, err := contract.BuildFunding(
		&b.params, b.data.prefund, b.data.returnScript, ephemeralKey.PubKey(), opts,
	)
	if err != nil {
		return nil, nil, err
	}
	templates, err := contract.BuildTemplates(&b.params, b.escrowKeys, funding)
	if err != nil {
		return nil, nil, err
	}
	sigs, err := templates.SignBorrower(ephemeralKey)
	if err != nil {
		return nil, nil, err
	}
	log.WithFields(log.Fields{
		"escrow_txid": templates.EscrowTxid(),
		"inputs":      len(funding.Inputs),
	}).Debug("escrow templates derived")
	next := &BorrowerAwaitingEscrowSigs{
		params:       b.params,
		escrowKeys:   b.escrowKeys,
		templates:    templates,
		recoverSig:   sigs.Recover,
		repaymentSig: sigs.Repayment,
		data:         b.data,
	}
	return next, &contract.PresignRequest{Funding: funding, Signatures: sigs}, nil
}

// BorrowerAwaitingEscrowSigs is the borrower after pre-signing, waiting for
// the witness signature bundles.
type BorrowerAwaitingEscrowSigs struct {
	params       contract.EscrowParams
	escrowKeys   contract.TedKeys
	templates    *contract.TemplateSet
	recoverSig   *schnorr.Signature
	repaymentSig *schnorr.Signature
	data         escrowData

	// First witness bundle when it arrived before the second.
	received *contract.TedSignatures
}

func (b *BorrowerAwaitingEscrowSigs) Network() types.Network {
	return b.params.Network
}

func (b *BorrowerAwaitingEscrowSigs) EscrowTxid() chainhash.Hash {
	return b.templates.EscrowTxid()
}

func (b *BorrowerAwaitingEscrowSigs) Cancel(
	transactions []*wire.MsgTx, feeRate uint64, currentHeight uint32,
	delay contract.RelativeDelay,
) (*wire.MsgTx, error) {
	return b.data.cancel(transactions, feeRate, currentHeight, delay)
}

// ReceiveBundle stores the first witness bundle. The two witnesses may answer
// in any order; whichever arrives second completes the set through
// VerifySignatures.
func (b *BorrowerAwaitingEscrowSigs) ReceiveBundle(sigs *contract.TedSignatures) error {
	if b.received != nil {
		if (b.received.O != nil) == (sigs.O != nil) {
			return fmt.Errorf("duplicate bundle from the same witness")
		}
		return fmt.Errorf("both bundles present, call VerifySignatures")
	}
	b.received = sigs
	return nil
}

// PendingBundle returns the stored early-arrival bundle, if any.
func (b *BorrowerAwaitingEscrowSigs) PendingBundle() *contract.TedSignatures {
	return b.received
}

// VerifySignatures checks both witness bundles against the locally recomputed
// sighashes and the keys pinned in the offer. On success the recover
// transaction witness is finalized so it can be backed up before the escrow
// transaction exists anywhere.
func (b *BorrowerAwaitingEscrowSigs) VerifySignatures(
	tedO *contract.TedOSignatures, tedP *contract.TedPSignatures,
) (*BorrowerSigsVerified, error) {
	if err := b.templates.VerifyTedO(b.escrowKeys.TedO, tedO); err != nil {
		return nil, fmt.Errorf("ted-o bundle: %w", err)
	}
	if err := b.templates.VerifyTedP(b.escrowKeys.TedP, tedP); err != nil {
		return nil, fmt.Errorf("ted-p bundle: %w", err)
	}
	if err := b.templates.FinalizeOutcome(
		b.templates.Recover, b.recoverSig, tedO.Recover, tedP.Recover,
	); err != nil {
		return nil, err
	}
	log.Debug("witness bundles verified, recover transaction finalized")
	return &BorrowerSigsVerified{
		params:       b.params,
		escrowKeys:   b.escrowKeys,
		templates:    b.templates,
		recoverSig:   b.recoverSig,
		repaymentSig: b.repaymentSig,
		data:         b.data,
		tedOSigs:     tedO,
		tedPSigs:     tedP,
	}, nil
}

// BorrowerSigsVerified holds verified witness bundles; the recover
// transaction is final and must be backed up before proceeding.
type BorrowerSigsVerified struct {
	params       contract.EscrowParams
	escrowKeys   contract.TedKeys
	templates    *contract.TemplateSet
	recoverSig   *schnorr.Signature
	repaymentSig *schnorr.Signature
	data         escrowData
	tedOSigs     *contract.TedOSignatures
	tedPSigs     *contract.TedPSignatures
}

func (b *BorrowerSigsVerified) Network() types.Network {
	return b.params.Network
}

// RecoverTx returns the finalized recover transaction for backup.
func (b *BorrowerSigsVerified) RecoverTx() *wire.MsgTx {
	return b.templates.Recover
}

func (b *BorrowerSigsVerified) EscrowTxid() chainhash.Hash {
	return b.templates.EscrowTxid()
}

func (b *BorrowerSigsVerified) LiquidatorAmount() btcutil.Amount {
	return b.templates.LiquidatorAmount(&b.params)
}

func (b *BorrowerSigsVerified) Cancel(
	transactions []*wire.MsgTx, feeRate uint64, currentHeight uint32,
	delay contract.RelativeDelay,
) (*wire.MsgTx, error) {
	return b.data.cancel(transactions, feeRate, currentHeight, delay)
}

// AssembleEscrow verifies the witnesses' escrow signatures, signs with the
// borrower's prefund key and produces the broadcast-ready escrow transaction.
// The caller must have confirmed the recover backup first.
func (b *BorrowerSigsVerified) AssembleEscrow() (*BorrowerEscrowSigned, error) {
	escrowTx, err := b.templates.AssembleEscrow(
		b.data.prefund, b.tedOSigs, b.tedPSigs,
		func(sighash []byte) (*schnorr.Signature, error) {
			return schnorr.Sign(b.data.prefundKey, sighash)
		},
	)
	if err != nil {
		return nil, err
	}
	log.WithField("escrow_txid", escrowTx.TxHash()).Debug("escrow transaction signed")
	return &BorrowerEscrowSigned{
		escrowTx:  escrowTx,
		recoverTx: b.templates.Recover,
		data:      b.data,
	}, nil
}

// BorrowerEscrowSigned is the terminal ceremony state: the borrower holds a
// broadcast-ready escrow transaction and signed transactions for every
// outcome.
type BorrowerEscrowSigned struct {
	escrowTx  *wire.MsgTx
	recoverTx *wire.MsgTx
	data      escrowData
}

func (b *BorrowerEscrowSigned) EscrowTx() *wire.MsgTx {
	return b.escrowTx
}

func (b *BorrowerEscrowSigned) RecoverTx() *wire.MsgTx {
	return b.recoverTx
}

func (b *BorrowerEscrowSigned) Cancel(
	transactions []*wire.MsgTx, feeRate uint64, currentHeight uint32,
	delay contract.RelativeDelay,
) (*wire.MsgTx, error) {
	return b.data.cancel(transactions, feeRate, currentHeight, delay)
}

// BroadcastRequest extracts the borrower's escrow signatures for the
// platform.
func (b *BorrowerEscrowSigned) BroadcastRequest() (*contract.BroadcastRequest, error) {
	return broadcastRequestFromTx(b.escrowTx, b.data.prefund.Keys)
}

func broadcastRequestFromTx(
	tx *wire.MsgTx, keys script.PubKeys,
) (*contract.BroadcastRequest, error) {
	perm := keys.Permutation()
	position := 0
	for sortedIdx, originIdx := range perm {
		if originIdx == 0 {
			// the witness is a stack, so count from the top
			position = 2 - sortedIdx
		}
	}
	sigs := make([]*schnorr.Signature, 0, len(tx.TxIn))
	for i, txIn := range tx.TxIn {
		if len(txIn.Witness) <= position {
			return nil, fmt.Errorf("input %d is not finalized", i)
		}
		sig, err := schnorr.ParseSignature(txIn.Witness[position])
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		sigs = append(sigs, sig)
	}
	return &contract.BroadcastRequest{Signatures: sigs}, nil
}
