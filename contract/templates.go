package contract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"

	"github.com/firefish-io/go-escrow/script"
	"github.com/firefish-io/go-escrow/types"
)

const (
	// Repayment, default and liquidation signal RBF with this sequence, which
	// keeps the lock time field enforced. Repayment and liquidation set the
	// lock time to 0: using the same lock time as the escrow transaction would
	// create an identifiable footprint, and broken anti-fee-sniping is worse
	// than none. Default carries the offer's default lock time.
	sequenceRBFNoLockTime uint32 = 0xfffffffd

	// Zero sequence enables both RBF and the absolute lock time; used by the
	// recover transaction and by anti-fee-sniping escrow inputs.
	sequenceLockTimeEnabled uint32 = 0
)

// EscrowFunding is the borrower's funding announcement: the ephemeral escrow
// key, the prefund outputs being spent and the outputs of every outcome
// transaction. Together with the offer it determines the whole template set.
type EscrowFunding struct {
	EphemeralKey          *btcec.PublicKey
	TxHeight              uint32
	ContractPosition      uint32
	EscrowAmount          btcutil.Amount
	CollateralDefault     btcutil.Amount
	CollateralLiquidation btcutil.Amount
	Inputs                []types.SpendableTxo
	ExtraOutputs          []*wire.TxOut
	RepaymentOutputs      []*wire.TxOut
	RecoverOutputs        []*wire.TxOut
}

func (f *EscrowFunding) Encode(w *types.Writer) {
	w.WriteByte(byte(MessageEscrowFunding))
	w.WriteXOnlyKey(f.EphemeralKey)
	w.WriteLE32(f.TxHeight)
	w.WriteBE32(f.ContractPosition)
	w.WriteLE64(uint64(f.EscrowAmount))
	w.WriteLE64(uint64(f.CollateralDefault))
	w.WriteLE64(uint64(f.CollateralLiquidation))
	w.WriteBE32(uint32(len(f.Inputs)))
	for _, txo := range f.Inputs {
		txo.Encode(w)
	}
	writeTxOuts := func(outs []*wire.TxOut) {
		w.WriteBE32(uint32(len(outs)))
		for _, txOut := range outs {
			w.WriteTxOut(txOut)
		}
	}
	writeTxOuts(f.ExtraOutputs)
	writeTxOuts(f.RepaymentOutputs)
	writeTxOuts(f.RecoverOutputs)
}

func DecodeEscrowFunding(r *types.Reader) (*EscrowFunding, error) {
	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if id != byte(MessageEscrowFunding) {
		return nil, InvalidMessageError{Expected: MessageEscrowFunding, Got: id}
	}
	funding := &EscrowFunding{}
	if funding.EphemeralKey, err = r.ReadXOnlyKey(); err != nil {
		return nil, fmt.Errorf("invalid ephemeral key: %w", err)
	}
	if funding.TxHeight, err = r.ReadLE32(); err != nil {
		return nil, err
	}
	if funding.ContractPosition, err = r.ReadBE32(); err != nil {
		return nil, err
	}
	escrowAmount, err := r.ReadLE64()
	if err != nil {
		return nil, err
	}
	collateralDefault, err := r.ReadLE64()
	if err != nil {
		return nil, err
	}
	collateralLiquidation, err := r.ReadLE64()
	if err != nil {
		return nil, err
	}
	funding.EscrowAmount = btcutil.Amount(escrowAmount)
	funding.CollateralDefault = btcutil.Amount(collateralDefault)
	funding.CollateralLiquidation = btcutil.Amount(collateralLiquidation)
	inputCount, err := r.ReadBE32()
	if err != nil {
		return nil, err
	}
	if inputCount > maxInputCount {
		return nil, fmt.Errorf("too many inputs: %d", inputCount)
	}
	funding.Inputs = make([]types.SpendableTxo, 0, inputCount)
	for i := uint32(0); i < inputCount; i++ {
		txo, err := types.DecodeSpendableTxo(r)
		if err != nil {
			return nil, err
		}
		funding.Inputs = append(funding.Inputs, txo)
	}
	readTxOuts := func() ([]*wire.TxOut, error) {
		count, err := r.ReadBE32()
		if err != nil {
			return nil, err
		}
		if count > maxExtraOutputs {
			return nil, fmt.Errorf("too many outputs: %d", count)
		}
		outs := make([]*wire.TxOut, 0, count)
		for i := uint32(0); i < count; i++ {
			txOut, err := r.ReadTxOut()
			if err != nil {
				return nil, err
			}
			outs = append(outs, txOut)
		}
		return outs, nil
	}
	if funding.ExtraOutputs, err = readTxOuts(); err != nil {
		return nil, err
	}
	if funding.RepaymentOutputs, err = readTxOuts(); err != nil {
		return nil, err
	}
	if funding.RecoverOutputs, err = readTxOuts(); err != nil {
		return nil, err
	}
	return funding, nil
}

// Validate checks the borrower's announcement against the offer before any
// templates are derived. Checks like collateral <= escrow amount are absent
// on purpose: a lying borrower only produces transactions that cannot be
// mined, never ones that shortchange the liquidator.
func (f *EscrowFunding) Validate(params *EscrowParams) error {
	if uint64(f.ContractPosition) > uint64(len(f.ExtraOutputs)) {
		return fmt.Errorf(
			"%w: position %d, %d extra outputs",
			ErrContractPositionOutOfRange, f.ContractPosition, len(f.ExtraOutputs),
		)
	}
	if f.CollateralDefault < params.MinCollateral ||
		f.CollateralLiquidation < params.MinCollateral {
		return fmt.Errorf(
			"%w: default %s, liquidation %s, minimum %s",
			ErrUndercollateralized,
			f.CollateralDefault, f.CollateralLiquidation, params.MinCollateral,
		)
	}
	return nil
}

// PresignRequest is the borrower's full message to each witness: the funding
// announcement followed by the borrower's own pre-signatures.
type PresignRequest struct {
	Funding    *EscrowFunding
	Signatures *BorrowerSignatures
}

func (p *PresignRequest) Encode(w *types.Writer) {
	p.Funding.Encode(w)
	p.Signatures.Encode(w)
}

func (p *PresignRequest) Serialize() []byte {
	w := types.NewWriter()
	p.Encode(w)
	return w.Bytes()
}

func ParsePresignRequest(raw []byte) (*PresignRequest, error) {
	r := types.NewReader(raw)
	funding, err := DecodeEscrowFunding(r)
	if err != nil {
		return nil, fmt.Errorf("invalid presign request: %w", err)
	}
	sigs, err := DecodeBorrowerSignatures(r)
	if err != nil {
		return nil, fmt.Errorf("invalid presign request: %w", err)
	}
	return &PresignRequest{Funding: funding, Signatures: sigs}, nil
}

// TemplateSet is the full set of unsigned contract transactions. Txids are
// fixed at construction time (witness data does not change them) so each
// template can spend its predecessor before any signature exists.
type TemplateSet struct {
	BorrowerEph *btcec.PublicKey

	escrowKeys       script.PubKeys
	multisigScript   []byte
	multisigLeafHash chainhash.Hash
	contractIndex    uint32
	escrowPrevouts   []*wire.TxOut

	Escrow      *wire.MsgTx
	Repayment   *wire.MsgTx
	Default     *wire.MsgTx
	Liquidation *wire.MsgTx
	Recover     *wire.MsgTx
}

// insertTxOut copies base with item inserted at index.
func insertTxOut(base []*wire.TxOut, item *wire.TxOut, index uint32) []*wire.TxOut {
	result := make([]*wire.TxOut, 0, len(base)+1)
	result = append(result, base[:index]...)
	result = append(result, item)
	result = append(result, base[index:]...)
	return result
}

// BuildTemplates derives all escrow-stage templates from the offer parameters
// and the borrower's validated funding announcement. The construction is
// deterministic: all three participants derive byte-identical transactions.
func BuildTemplates(
	params *EscrowParams, keys TedKeys, funding *EscrowFunding,
) (*TemplateSet, error) {
	escrowKeys, err := script.NewPubKeys(funding.EphemeralKey, keys.TedO, keys.TedP)
	if err != nil {
		return nil, err
	}
	escrowOutput, err := script.EscrowOutput(escrowKeys)
	if err != nil {
		return nil, err
	}
	escrowScript, err := escrowOutput.PkScript()
	if err != nil {
		return nil, err
	}
	multisigScript, err := escrowKeys.MultisigScript()
	if err != nil {
		return nil, err
	}

	escrowTx := wire.NewMsgTx(2)
	escrowTx.LockTime = funding.TxHeight
	escrowPrevouts := make([]*wire.TxOut, 0, len(funding.Inputs))
	for _, txo := range funding.Inputs {
		prevOut, txIn := txo.UnpackWithEmptySig()
		escrowPrevouts = append(escrowPrevouts, prevOut)
		escrowTx.AddTxIn(txIn)
	}
	escrowTx.TxOut = insertTxOut(funding.ExtraOutputs, &wire.TxOut{
		Value:    int64(funding.EscrowAmount),
		PkScript: escrowScript,
	}, funding.ContractPosition)

	escrowOutPoint := wire.OutPoint{
		Hash:  escrowTx.TxHash(),
		Index: funding.ContractPosition,
	}
	outcomeTx := func(outputs []*wire.TxOut, sequence, lockTime uint32) *wire.MsgTx {
		tx := wire.NewMsgTx(2)
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: escrowOutPoint,
			Sequence:         sequence,
		})
		tx.TxOut = outputs
		tx.LockTime = lockTime
		return tx
	}

	terminationDefault := insertTxOut(params.ExtraTerminationOutputs, &wire.TxOut{
		Value:    int64(funding.CollateralDefault),
		PkScript: params.LiquidatorScriptDefault,
	}, params.LiquidatorOutputIndex)
	terminationLiquidation := insertTxOut(params.ExtraTerminationOutputs, &wire.TxOut{
		Value:    int64(funding.CollateralLiquidation),
		PkScript: params.LiquidatorScriptLiquidation,
	}, params.LiquidatorOutputIndex)

	return &TemplateSet{
		BorrowerEph:      funding.EphemeralKey,
		escrowKeys:       escrowKeys,
		multisigScript:   multisigScript,
		multisigLeafHash: script.LeafHash(multisigScript),
		contractIndex:    funding.ContractPosition,
		escrowPrevouts:   escrowPrevouts,
		Escrow:           escrowTx,
		Repayment:        outcomeTx(funding.RepaymentOutputs, sequenceRBFNoLockTime, 0),
		Default:          outcomeTx(terminationDefault, sequenceRBFNoLockTime, params.DefaultLockTime),
		Liquidation:      outcomeTx(terminationLiquidation, sequenceRBFNoLockTime, 0),
		Recover:          outcomeTx(funding.RecoverOutputs, sequenceLockTimeEnabled, params.RecoverLockTime),
	}, nil
}

// EscrowOutput returns the contract output created by the escrow transaction.
func (t *TemplateSet) EscrowOutput() *wire.TxOut {
	return t.Escrow.TxOut[t.contractIndex]
}

func (t *TemplateSet) EscrowTxid() chainhash.Hash {
	return t.Escrow.TxHash()
}

func (t *TemplateSet) outcomeSighash(tx *wire.MsgTx) ([]byte, error) {
	prevOut := t.EscrowOutput()
	fetcher := txscript.NewCannedPrevOutputFetcher(prevOut.PkScript, prevOut.Value)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	leaf := txscript.NewBaseTapLeaf(t.multisigScript)
	return txscript.CalcTapscriptSignaturehash(
		sigHashes, txscript.SigHashDefault, tx, 0, fetcher, leaf,
	)
}

func (t *TemplateSet) RepaymentSighash() ([]byte, error) {
	return t.outcomeSighash(t.Repayment)
}

func (t *TemplateSet) DefaultSighash() ([]byte, error) {
	return t.outcomeSighash(t.Default)
}

func (t *TemplateSet) LiquidationSighash() ([]byte, error) {
	return t.outcomeSighash(t.Liquidation)
}

func (t *TemplateSet) RecoverSighash() ([]byte, error) {
	return t.outcomeSighash(t.Recover)
}

// EscrowSighash is one funding input's sighash on the escrow transaction.
type EscrowSighash struct {
	InputIndex int
	Hash       []byte
}

// EscrowSighashes computes the sighash of every escrow input paying the
// prefund funding script, spending through the prefund multisig leaf.
func (t *TemplateSet) EscrowSighashes(prefund *Prefund) ([]EscrowSighash, error) {
	fundingScript, err := prefund.FundingScript()
	if err != nil {
		return nil, err
	}
	multisigScript, err := prefund.Keys.MultisigScript()
	if err != nil {
		return nil, err
	}
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range t.Escrow.TxIn {
		fetcher.AddPrevOut(txIn.PreviousOutPoint, t.escrowPrevouts[i])
	}
	sigHashes := txscript.NewTxSigHashes(t.Escrow, fetcher)
	leaf := txscript.NewBaseTapLeaf(multisigScript)
	var hashes []EscrowSighash
	for i, prevOut := range t.escrowPrevouts {
		if !bytes.Equal(prevOut.PkScript, fundingScript) {
			continue
		}
		hash, err := txscript.CalcTapscriptSignaturehash(
			sigHashes, txscript.SigHashDefault, t.Escrow, i, fetcher, leaf,
		)
		if err != nil {
			return nil, fmt.Errorf("escrow sighash for input %d: %w", i, err)
		}
		hashes = append(hashes, EscrowSighash{InputIndex: i, Hash: hash})
	}
	return hashes, nil
}

func (t *TemplateSet) signOutcome(
	tx *wire.MsgTx, key *btcec.PrivateKey,
) (*schnorr.Signature, error) {
	hash, err := t.outcomeSighash(tx)
	if err != nil {
		return nil, err
	}
	return schnorr.Sign(key, hash)
}

func (t *TemplateSet) signEscrow(
	prefund *Prefund, key *btcec.PrivateKey,
) ([]*schnorr.Signature, error) {
	hashes, err := t.EscrowSighashes(prefund)
	if err != nil {
		return nil, err
	}
	sigs := make([]*schnorr.Signature, 0, len(hashes))
	for _, h := range hashes {
		sig, err := schnorr.Sign(key, h.Hash)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, nil
}

// SignBorrower produces the borrower's pre-signatures with the ephemeral key.
func (t *TemplateSet) SignBorrower(key *btcec.PrivateKey) (*BorrowerSignatures, error) {
	repayment, err := t.signOutcome(t.Repayment, key)
	if err != nil {
		return nil, err
	}
	defaultSig, err := t.signOutcome(t.Default, key)
	if err != nil {
		return nil, err
	}
	liquidation, err := t.signOutcome(t.Liquidation, key)
	if err != nil {
		return nil, err
	}
	recover, err := t.signOutcome(t.Recover, key)
	if err != nil {
		return nil, err
	}
	return &BorrowerSignatures{
		Recover:     recover,
		Repayment:   repayment,
		Default:     defaultSig,
		Liquidation: liquidation,
	}, nil
}

// SignTedO produces TED-O's bundle. The escrow signatures are produced with
// the prefund key when the prefund contract is known; a witness that never
// learned the spend info contributes no escrow signatures.
func (t *TemplateSet) SignTedO(
	escrowKey *btcec.PrivateKey, prefund *Prefund, prefundKey *btcec.PrivateKey,
) (*TedOSignatures, error) {
	repayment, err := t.signOutcome(t.Repayment, escrowKey)
	if err != nil {
		return nil, err
	}
	defaultSig, err := t.signOutcome(t.Default, escrowKey)
	if err != nil {
		return nil, err
	}
	recover, err := t.signOutcome(t.Recover, escrowKey)
	if err != nil {
		return nil, err
	}
	var escrow []*schnorr.Signature
	if prefund != nil {
		if escrow, err = t.signEscrow(prefund, prefundKey); err != nil {
			return nil, err
		}
	}
	return &TedOSignatures{
		Recover:   recover,
		Repayment: repayment,
		Default:   defaultSig,
		Escrow:    escrow,
	}, nil
}

// SignTedP produces TED-P's bundle.
func (t *TemplateSet) SignTedP(
	escrowKey *btcec.PrivateKey, prefund *Prefund, prefundKey *btcec.PrivateKey,
) (*TedPSignatures, error) {
	recover, err := t.signOutcome(t.Recover, escrowKey)
	if err != nil {
		return nil, err
	}
	var escrow []*schnorr.Signature
	if prefund != nil {
		if escrow, err = t.signEscrow(prefund, prefundKey); err != nil {
			return nil, err
		}
	}
	return &TedPSignatures{Recover: recover, Escrow: escrow}, nil
}

// SignOutcomeWith signs a single outcome template; used by the witnesses when
// an outcome is exercised (TED-O's liquidation half, TED-P's finalizations).
func (t *TemplateSet) SignOutcomeWith(
	tx *wire.MsgTx, key *btcec.PrivateKey,
) (*schnorr.Signature, error) {
	return t.signOutcome(tx, key)
}

func (t *TemplateSet) verifyOutcome(
	tx *wire.MsgTx, sig *schnorr.Signature, key *btcec.PublicKey,
) error {
	hash, err := t.outcomeSighash(tx)
	if err != nil {
		return err
	}
	if !sig.Verify(hash, key) {
		return ErrBadSignature
	}
	return nil
}

// VerifyBorrower checks the borrower's bundle against the ephemeral key baked
// into the template set.
func (t *TemplateSet) VerifyBorrower(sigs *BorrowerSignatures) error {
	return t.VerifyBorrowerKey(t.BorrowerEph, sigs)
}

func (t *TemplateSet) VerifyBorrowerKey(
	key *btcec.PublicKey, sigs *BorrowerSignatures,
) error {
	if err := t.verifyOutcome(t.Repayment, sigs.Repayment, key); err != nil {
		return fmt.Errorf("repayment: %w", err)
	}
	if err := t.verifyOutcome(t.Recover, sigs.Recover, key); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if err := t.verifyOutcome(t.Default, sigs.Default, key); err != nil {
		return fmt.Errorf("default: %w", err)
	}
	if err := t.verifyOutcome(t.Liquidation, sigs.Liquidation, key); err != nil {
		return fmt.Errorf("liquidation: %w", err)
	}
	return nil
}

// VerifyTedO checks TED-O's outcome signatures against the given key. Escrow
// signatures are verified separately during escrow assembly where the prefund
// sighashes are available.
func (t *TemplateSet) VerifyTedO(key *btcec.PublicKey, sigs *TedOSignatures) error {
	if err := t.verifyOutcome(t.Repayment, sigs.Repayment, key); err != nil {
		return fmt.Errorf("repayment: %w", err)
	}
	if err := t.verifyOutcome(t.Recover, sigs.Recover, key); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	if err := t.verifyOutcome(t.Default, sigs.Default, key); err != nil {
		return fmt.Errorf("default: %w", err)
	}
	return nil
}

// VerifyTedP checks TED-P's recover signature against the given key.
func (t *TemplateSet) VerifyTedP(key *btcec.PublicKey, sigs *TedPSignatures) error {
	if err := t.verifyOutcome(t.Recover, sigs.Recover, key); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	return nil
}

// assembleWitness builds the multisig witness stack. Signatures are pushed in
// reverse sorted-key order because the witness is a stack.
func assembleWitness(
	keys script.PubKeys, borrower, tedO, tedP *schnorr.Signature,
	leafScript, controlBlock []byte,
) wire.TxWitness {
	sigs := keys.Permute([3][]byte{
		borrower.Serialize(), tedO.Serialize(), tedP.Serialize(),
	})
	return wire.TxWitness{sigs[2], sigs[1], sigs[0], leafScript, controlBlock}
}

// FinalizeOutcome fills the witness of an outcome transaction from the three
// participant signatures. The caller must have verified the signatures; this
// only assembles.
func (t *TemplateSet) FinalizeOutcome(
	tx *wire.MsgTx, borrower, tedO, tedP *schnorr.Signature,
) error {
	escrowOutput, err := script.EscrowOutput(t.escrowKeys)
	if err != nil {
		return err
	}
	controlBlock, err := escrowOutput.ControlBlock(nil)
	if err != nil {
		return err
	}
	tx.TxIn[0].Witness = assembleWitness(
		t.escrowKeys, borrower, tedO, tedP, t.multisigScript, controlBlock,
	)
	return nil
}

// AssembleEscrow verifies both witnesses' escrow signatures input by input,
// obtains the borrower's signature through the callback and fills in every
// witness stack. The returned transaction is ready to broadcast.
func (t *TemplateSet) AssembleEscrow(
	prefund *Prefund,
	tedOSigs *TedOSignatures, tedPSigs *TedPSignatures,
	sign func(sighash []byte) (*schnorr.Signature, error),
) (*wire.MsgTx, error) {
	hashes, err := t.EscrowSighashes(prefund)
	if err != nil {
		return nil, err
	}
	if len(tedOSigs.Escrow) < len(hashes) || len(tedPSigs.Escrow) < len(hashes) {
		return nil, ErrMissingSignature
	}
	multisigScript, err := prefund.Keys.MultisigScript()
	if err != nil {
		return nil, err
	}
	controlBlock, err := prefund.MultisigControlBlock()
	if err != nil {
		return nil, err
	}

	result := t.Escrow.Copy()
	for j, h := range hashes {
		tedO := tedOSigs.Escrow[j]
		tedP := tedPSigs.Escrow[j]
		if !tedO.Verify(h.Hash, prefund.Keys.TedO) {
			return nil, fmt.Errorf("ted-o escrow input %d: %w", h.InputIndex, ErrBadSignature)
		}
		if !tedP.Verify(h.Hash, prefund.Keys.TedP) {
			return nil, fmt.Errorf("ted-p escrow input %d: %w", h.InputIndex, ErrBadSignature)
		}
		borrower, err := sign(h.Hash)
		if err != nil {
			return nil, err
		}
		result.TxIn[h.InputIndex].Witness = assembleWitness(
			prefund.Keys, borrower, tedO, tedP, multisigScript, controlBlock,
		)
	}
	return result, nil
}

// Explain renders a human-readable description of the template set for a
// witness operator to review before signing.
func (t *TemplateSet) Explain() string {
	var b strings.Builder
	b.WriteString("The borrower is spending these inputs:\n")
	for i, txIn := range t.Escrow.TxIn {
		prevOut := t.escrowPrevouts[i]
		fmt.Fprintf(
			&b, " * %d sats from %s:%d with sequence %d\n",
			prevOut.Value, txIn.PreviousOutPoint.Hash, txIn.PreviousOutPoint.Index,
			txIn.Sequence,
		)
	}
	b.WriteString("to create these outputs:\n")
	for i, txOut := range t.Escrow.TxOut {
		fmt.Fprintf(&b, " * %d sats to %x", txOut.Value, txOut.PkScript)
		if uint32(i) == t.contractIndex {
			b.WriteString(" <- this is the multisig contract\n")
		} else {
			b.WriteByte('\n')
		}
	}
	b.WriteString("consumed by one of these:\n")
	describe := func(name string, tx *wire.MsgTx) {
		fmt.Fprintf(&b, " * %s with lock time %d:\n", name, tx.LockTime)
		for _, txOut := range tx.TxOut {
			fmt.Fprintf(&b, "    - %d sats to %x\n", txOut.Value, txOut.PkScript)
		}
	}
	describe("recover", t.Recover)
	describe("repayment", t.Repayment)
	describe("default", t.Default)
	describe("liquidation", t.Liquidation)
	return b.String()
}

func (t *TemplateSet) Encode(w *types.Writer) {
	w.WriteXOnlyKey(t.BorrowerEph)
	w.WriteBE32(t.contractIndex)
	w.WriteBE32(uint32(len(t.escrowPrevouts)))
	for _, prevOut := range t.escrowPrevouts {
		w.WriteTxOut(prevOut)
	}
	w.WriteTx(t.Escrow)
	w.WriteTx(t.Repayment)
	w.WriteTx(t.Default)
	w.WriteTx(t.Liquidation)
	w.WriteTx(t.Recover)
}

// DecodeTemplateSet reads a template set back, rebuilding the multisig leaf
// from the stored ephemeral key and the witness keys of the offer.
func DecodeTemplateSet(r *types.Reader, keys TedKeys) (*TemplateSet, error) {
	borrowerEph, err := r.ReadXOnlyKey()
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral key: %w", err)
	}
	contractIndex, err := r.ReadBE32()
	if err != nil {
		return nil, err
	}
	prevoutCount, err := r.ReadBE32()
	if err != nil {
		return nil, err
	}
	if prevoutCount > maxInputCount {
		return nil, fmt.Errorf("too many prevouts: %d", prevoutCount)
	}
	prevouts := make([]*wire.TxOut, 0, prevoutCount)
	for i := uint32(0); i < prevoutCount; i++ {
		prevOut, err := r.ReadTxOut()
		if err != nil {
			return nil, err
		}
		prevouts = append(prevouts, prevOut)
	}
	readTx := func() (*wire.MsgTx, error) { return r.ReadTx() }
	escrowTx, err := readTx()
	if err != nil {
		return nil, err
	}
	repayment, err := readTx()
	if err != nil {
		return nil, err
	}
	defaultTx, err := readTx()
	if err != nil {
		return nil, err
	}
	liquidation, err := readTx()
	if err != nil {
		return nil, err
	}
	recover, err := readTx()
	if err != nil {
		return nil, err
	}
	escrowKeys, err := script.NewPubKeys(borrowerEph, keys.TedO, keys.TedP)
	if err != nil {
		return nil, err
	}
	multisigScript, err := escrowKeys.MultisigScript()
	if err != nil {
		return nil, err
	}
	if _, err := safecast.ToInt(contractIndex); err != nil {
		return nil, err
	}
	if int(contractIndex) >= len(escrowTx.TxOut) {
		return nil, ErrContractPositionOutOfRange
	}
	return &TemplateSet{
		BorrowerEph:      borrowerEph,
		escrowKeys:       escrowKeys,
		multisigScript:   multisigScript,
		multisigLeafHash: script.LeafHash(multisigScript),
		contractIndex:    contractIndex,
		escrowPrevouts:   prevouts,
		Escrow:           escrowTx,
		Repayment:        repayment,
		Default:          defaultTx,
		Liquidation:      liquidation,
		Recover:          recover,
	}, nil
}

// EscrowKeys exposes the escrow-context key set for witness assembly.
func (t *TemplateSet) EscrowKeys() script.PubKeys {
	return t.escrowKeys
}

// LiquidatorAmount returns the smaller of the two liquidator payouts; callers
// displaying the contract should be pessimistic.
func (t *TemplateSet) LiquidatorAmount(params *EscrowParams) btcutil.Amount {
	defaultAmount := t.Default.TxOut[params.LiquidatorOutputIndex].Value
	liquidationAmount := t.Liquidation.TxOut[params.LiquidatorOutputIndex].Value
	if defaultAmount < liquidationAmount {
		return btcutil.Amount(defaultAmount)
	}
	return btcutil.Amount(liquidationAmount)
}
