package contract

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/ccoveille/go-safecast"

	"github.com/firefish-io/go-escrow/types"
)

const (
	schnorrSigLen = 64

	// x-only key push (33) + CHECKSIGVERIFY, twice, + final key push + CHECKSIG
	multisigScriptLen = 3*33 + 3*1

	controlBlockBaseLen = 33
)

// sequence bit layout per BIP-68
const (
	sequenceLockTimeDisabled = uint32(1) << 31
	sequenceTypeTime         = uint32(1) << 22
	sequenceLockValueMask    = uint32(0x0000ffff)
)

func sequenceIsHeightLocked(sequence uint32) bool {
	return sequence&sequenceLockTimeDisabled == 0 && sequence&sequenceTypeTime == 0
}

func sequenceIsTimeLocked(sequence uint32) bool {
	return sequence&sequenceLockTimeDisabled == 0 && sequence&sequenceTypeTime != 0
}

// RelativeDelay extends a relative lock when spending the cancel path later
// than strictly necessary. Units must match the underlying sequence.
type RelativeDelay struct {
	Blocks    uint32
	TimeUnits uint32
}

// OffsetSequence adds the delay to an existing relative-lock sequence.
func (d RelativeDelay) OffsetSequence(sequence uint32) (uint32, error) {
	if d.Blocks == 0 && d.TimeUnits == 0 {
		return sequence, nil
	}
	if !sequenceIsHeightLocked(sequence) && !sequenceIsTimeLocked(sequence) {
		return 0, ErrSequenceNotLocked
	}
	switch {
	case d.Blocks != 0 && sequenceIsHeightLocked(sequence):
		extended := sequence + d.Blocks
		if extended < sequence || !sequenceIsHeightLocked(extended) ||
			d.Blocks > sequenceLockValueMask-sequence&sequenceLockValueMask {
			return 0, ErrSequenceOverflow
		}
		return extended, nil
	case d.TimeUnits != 0 && sequenceIsTimeLocked(sequence):
		extended := sequence + d.TimeUnits
		if extended < sequence || !sequenceIsTimeLocked(extended) ||
			d.TimeUnits > sequenceLockValueMask-sequence&sequenceLockValueMask {
			return 0, ErrSequenceOverflow
		}
		return extended, nil
	default:
		return 0, ErrSequenceUnitMismatch
	}
}

// ExtractSpendableOutputs collects all outputs of the given transactions that
// pay the wanted script. It also derives the anti-fee-sniping lock height: the
// largest block-based lock time among the funding transactions. When a height
// is found every extracted input gets a zero sequence so the lock time is
// enforced; otherwise lock time stays disabled.
func ExtractSpendableOutputs(
	transactions []*wire.MsgTx, wantScript []byte,
) ([]types.SpendableTxo, uint32, error) {
	var maxLockHeight uint32
	var outputs []types.SpendableTxo
	for _, tx := range transactions {
		txid := tx.TxHash()
		if tx.LockTime != 0 && !isTimeLock(tx.LockTime) && lockTimeEnabled(tx) {
			if tx.LockTime > maxLockHeight {
				maxLockHeight = tx.LockTime
			}
		}
		for i, txOut := range tx.TxOut {
			if !bytes.Equal(txOut.PkScript, wantScript) {
				continue
			}
			// Non-witness inputs would make the escrow txid malleable and
			// every pre-signed child invalid. The funding script is always a
			// witness program, so this only guards future changes.
			if !isWitnessProgram(txOut.PkScript) {
				return nil, 0, fmt.Errorf("funding output %s:%d is not segwit", txid, i)
			}
			vout, err := safecast.ToUint32(i)
			if err != nil {
				return nil, 0, err
			}
			outputs = append(outputs, types.SpendableTxo{
				OutPoint: wire.OutPoint{Hash: txid, Index: vout},
				TxOut:    *txOut,
				Sequence: sequenceRBFNoLockTime,
			})
		}
	}
	if maxLockHeight != 0 {
		for i := range outputs {
			outputs[i].Sequence = sequenceLockTimeEnabled
		}
	}
	return outputs, maxLockHeight, nil
}

func lockTimeEnabled(tx *wire.MsgTx) bool {
	for _, txIn := range tx.TxIn {
		if txIn.Sequence != wire.MaxTxInSequenceNum {
			return true
		}
	}
	return false
}

func isWitnessProgram(pkScript []byte) bool {
	if len(pkScript) < 4 || len(pkScript) > 42 {
		return false
	}
	if pkScript[0] != 0x00 && (pkScript[0] < 0x51 || pkScript[0] > 0x60) {
		return false
	}
	return int(pkScript[1]) == len(pkScript)-2
}

// prefundSpendPrediction is the witness size of one escrow input spending the
// prefund multisig leaf: three signatures, the leaf script and a control
// block carrying the hidden borrower-leaf hash.
var prefundSpendPrediction = types.InputWeightPrediction{
	WitnessElementSizes: []int{
		schnorrSigLen,
		schnorrSigLen,
		schnorrSigLen,
		multisigScriptLen,
		controlBlockBaseLen + 32,
	},
}

// escrowSpendPrediction is the same spend off the escrow output, whose tree
// has a single leaf and therefore an empty inclusion proof.
var escrowSpendPrediction = types.InputWeightPrediction{
	WitnessElementSizes: []int{
		schnorrSigLen,
		schnorrSigLen,
		schnorrSigLen,
		multisigScriptLen,
		controlBlockBaseLen,
	},
}

func sumTxOuts(outs []*wire.TxOut) btcutil.Amount {
	var total btcutil.Amount
	for _, txOut := range outs {
		total += btcutil.Amount(txOut.Value)
	}
	return total
}

func scriptLens(outs []*wire.TxOut) []int {
	lens := make([]int, 0, len(outs))
	for _, txOut := range outs {
		lens = append(lens, len(txOut.PkScript))
	}
	return lens
}

func repeatPrediction(p types.InputWeightPrediction, n int) []types.InputWeightPrediction {
	preds := make([]types.InputWeightPrediction, n)
	for i := range preds {
		preds[i] = p
	}
	return preds
}

// FundingOptions parameterize the borrower's escrow construction.
type FundingOptions struct {
	// Transactions observed to pay the funding address.
	Transactions []*wire.MsgTx

	// Fee rate of the escrow transaction, sat/vB.
	EscrowFeeRate uint64

	// Fee rate of the pre-signed outcome transactions, sat/vB. Usually the
	// relay minimum: outcomes are fee-bumped at broadcast time.
	FinalizationFeeRate uint64

	// Extra escrow outputs (fee bumping) and the contract position among them.
	EscrowExtraOutputs []*wire.TxOut
	ContractPosition   uint32

	// Extra outputs on the borrower-destined outcomes.
	RepaymentExtraOutputs []*wire.TxOut
	RecoverExtraOutputs   []*wire.TxOut
}

// FundingOptionsFromHints derives funding options from the platform's hints,
// with the relay-minimum finalization fee rate and the hinted fee-bump
// outputs wired in.
func FundingOptionsFromHints(hints *EscrowHints) FundingOptions {
	return FundingOptions{
		Transactions:          hints.Transactions,
		EscrowFeeRate:         hints.FeeRate,
		FinalizationFeeRate:   1,
		EscrowExtraOutputs:    []*wire.TxOut{hints.EscrowFeeBumpTxOut},
		ContractPosition:      0,
		RepaymentExtraOutputs: []*wire.TxOut{hints.FinalizationFeeBumpOut},
		RecoverExtraOutputs:   []*wire.TxOut{hints.FinalizationFeeBumpOut},
	}
}

// BuildFunding turns the observed funding transactions into the borrower's
// funding announcement. Fees are computed from predicted final weights, the
// escrow amount is whatever the funding covers after the escrow fee, and each
// outcome output is the escrow amount minus that outcome's fee and extras.
func BuildFunding(
	params *EscrowParams, prefund *Prefund, returnScript []byte,
	ephemeralKey *btcec.PublicKey, opts FundingOptions,
) (*EscrowFunding, error) {
	fundingScript, err := prefund.FundingScript()
	if err != nil {
		return nil, err
	}
	inputs, maxLockHeight, err := ExtractSpendableOutputs(opts.Transactions, fundingScript)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, ErrNoMatchingOutputs
	}
	if uint64(opts.ContractPosition) > uint64(len(opts.EscrowExtraOutputs)) {
		return nil, ErrContractPositionOutOfRange
	}

	// witness version byte + OP_PUSHBYTES_32 + x-only key
	escrowOutLens := append([]int{1 + 1 + 32}, scriptLens(opts.EscrowExtraOutputs)...)
	escrowWeight := types.PredictWeight(
		repeatPrediction(prefundSpendPrediction, len(inputs)), escrowOutLens,
	)
	repaymentOutLens := append([]int{len(returnScript)}, scriptLens(opts.RepaymentExtraOutputs)...)
	repaymentWeight := types.PredictWeight(
		repeatPrediction(escrowSpendPrediction, 1), repaymentOutLens,
	)
	recoverOutLens := append([]int{len(returnScript)}, scriptLens(opts.RecoverExtraOutputs)...)
	recoverWeight := types.PredictWeight(
		repeatPrediction(escrowSpendPrediction, 1), recoverOutLens,
	)
	defaultOutLens := append(
		scriptLens(params.ExtraTerminationOutputs), len(params.LiquidatorScriptDefault),
	)
	defaultWeight := types.PredictWeight(
		repeatPrediction(escrowSpendPrediction, 1), defaultOutLens,
	)
	liquidationOutLens := append(
		scriptLens(params.ExtraTerminationOutputs), len(params.LiquidatorScriptLiquidation),
	)
	liquidationWeight := types.PredictWeight(
		repeatPrediction(escrowSpendPrediction, 1), liquidationOutLens,
	)

	escrowFee := types.FeeForWeight(escrowWeight, opts.EscrowFeeRate)
	repaymentFee := types.FeeForWeight(repaymentWeight, opts.FinalizationFeeRate)
	recoverFee := types.FeeForWeight(recoverWeight, opts.FinalizationFeeRate)
	defaultFee := types.FeeForWeight(defaultWeight, opts.FinalizationFeeRate)
	liquidationFee := types.FeeForWeight(liquidationWeight, opts.FinalizationFeeRate)

	fundingAmount := btcutil.Amount(0)
	for _, txo := range inputs {
		fundingAmount += btcutil.Amount(txo.TxOut.Value)
	}
	escrowExtra := sumTxOuts(opts.EscrowExtraOutputs)
	repaymentExtra := sumTxOuts(opts.RepaymentExtraOutputs)
	recoverExtra := sumTxOuts(opts.RecoverExtraOutputs)
	terminationExtra := sumTxOuts(params.ExtraTerminationOutputs)
	collateral := terminationExtra + params.MinCollateral

	requiredEscrow := maxAmount(
		repaymentFee+repaymentExtra,
		recoverFee+recoverExtra,
		defaultFee+collateral,
		liquidationFee+collateral,
	)
	escrowCost := escrowFee + escrowExtra
	required := requiredEscrow + escrowCost
	if fundingAmount < required {
		return nil, UnderfundedError{Required: required, Available: fundingAmount}
	}
	escrowAmount := fundingAmount - escrowCost

	repaymentOut := &wire.TxOut{
		Value:    int64(escrowAmount - repaymentFee - repaymentExtra),
		PkScript: returnScript,
	}
	recoverOut := &wire.TxOut{
		Value:    int64(escrowAmount - recoverFee - recoverExtra),
		PkScript: returnScript,
	}
	for _, txOut := range []*wire.TxOut{repaymentOut, recoverOut} {
		if txrules.IsDustOutput(txOut, txrules.DefaultRelayFeePerKb) {
			return nil, fmt.Errorf(
				"%w: %d sats to return script", ErrDustOutput, txOut.Value,
			)
		}
	}

	return &EscrowFunding{
		EphemeralKey:          ephemeralKey,
		TxHeight:              maxLockHeight,
		ContractPosition:      opts.ContractPosition,
		EscrowAmount:          escrowAmount,
		CollateralDefault:     escrowAmount - defaultFee - terminationExtra,
		CollateralLiquidation: escrowAmount - liquidationFee - terminationExtra,
		Inputs:                inputs,
		ExtraOutputs:          opts.EscrowExtraOutputs,
		RepaymentOutputs:      append(opts.RepaymentExtraOutputs, repaymentOut),
		RecoverOutputs:        append(opts.RecoverExtraOutputs, recoverOut),
	}, nil
}

func maxAmount(amounts ...btcutil.Amount) btcutil.Amount {
	max := amounts[0]
	for _, a := range amounts[1:] {
		if a > max {
			max = a
		}
	}
	return max
}

// BuildCancel constructs and signs the borrower's cancel transaction from the
// transactions paying the funding script.
func BuildCancel(
	prefund *Prefund, borrowerKey *btcec.PrivateKey,
	cancelLeaf []byte, cancelSequence uint32,
	returnScript []byte, transactions []*wire.MsgTx,
	feeRate uint64, currentHeight uint32, delay RelativeDelay,
) (*wire.MsgTx, error) {
	fundingScript, err := prefund.FundingScript()
	if err != nil {
		return nil, err
	}
	inputs, _, err := ExtractSpendableOutputs(transactions, fundingScript)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, ErrNoMatchingOutputs
	}
	sequence, err := delay.OffsetSequence(cancelSequence)
	if err != nil {
		return nil, err
	}
	for i := range inputs {
		inputs[i].Sequence = sequence
	}

	prediction := types.InputWeightPrediction{
		WitnessElementSizes: []int{
			schnorrSigLen,
			len(cancelLeaf),
			controlBlockBaseLen + 32,
		},
	}
	weight := types.PredictWeight(
		repeatPrediction(prediction, len(inputs)), []int{len(returnScript)},
	)
	fee := types.FeeForWeight(weight, feeRate)
	totalIn := btcutil.Amount(0)
	for _, txo := range inputs {
		totalIn += btcutil.Amount(txo.TxOut.Value)
	}
	if fee > totalIn {
		return nil, UnderfundedError{Required: fee, Available: totalIn}
	}
	txOut := &wire.TxOut{
		Value:    int64(totalIn - fee),
		PkScript: returnScript,
	}
	if txrules.IsDustOutput(txOut, txrules.DefaultRelayFeePerKb) {
		return nil, fmt.Errorf("%w: %d sats after fees", ErrDustOutput, txOut.Value)
	}
	return prefund.SpendCancel(
		borrowerKey, cancelLeaf, inputs, []*wire.TxOut{txOut}, currentHeight,
	)
}
