package types

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

const witnessScaleFactor = 4

// InputWeightPrediction describes an input whose signature data is not yet
// known but whose final size is. Predictions must be exact: a wrong size makes
// the published fee rate a lie.
type InputWeightPrediction struct {
	ScriptSigSize       int
	WitnessElementSizes []int
}

func varIntSize(v uint64) int {
	switch {
	case v < 0xfd:
		return 1
	case v <= 0xffff:
		return 3
	case v <= 0xffffffff:
		return 5
	default:
		return 9
	}
}

// PredictWeight computes the BIP-141 weight of a transaction with the given
// inputs and output script lengths before any witness data exists.
func PredictWeight(inputs []InputWeightPrediction, outputScriptLens []int) int64 {
	// version + locktime
	base := 4 + 4
	base += varIntSize(uint64(len(inputs)))
	witness := 0
	hasWitness := false
	for _, in := range inputs {
		// outpoint + scriptsig varint + scriptsig + sequence
		base += 36 + varIntSize(uint64(in.ScriptSigSize)) + in.ScriptSigSize + 4
		if len(in.WitnessElementSizes) > 0 {
			hasWitness = true
		}
		witness += varIntSize(uint64(len(in.WitnessElementSizes)))
		for _, elem := range in.WitnessElementSizes {
			witness += varIntSize(uint64(elem)) + elem
		}
	}
	base += varIntSize(uint64(len(outputScriptLens)))
	for _, scriptLen := range outputScriptLens {
		// value + script varint + script
		base += 8 + varIntSize(uint64(scriptLen)) + scriptLen
	}
	if !hasWitness {
		return int64(base) * witnessScaleFactor
	}
	// marker and flag bytes
	witness += 2
	return int64(base)*witnessScaleFactor + int64(witness)
}

// FeeForWeight converts a weight and a fee rate in sat/vB into the total fee,
// rounding the virtual size up as relay policy does.
func FeeForWeight(weight int64, satPerVByte uint64) btcutil.Amount {
	vsize := (weight + witnessScaleFactor - 1) / witnessScaleFactor
	return btcutil.Amount(vsize * int64(satPerVByte))
}

// TxWeight returns the exact weight of a fully assembled transaction.
func TxWeight(tx *wire.MsgTx) int64 {
	base := int64(tx.SerializeSizeStripped())
	total := int64(tx.SerializeSize())
	return base*(witnessScaleFactor-1) + total
}
