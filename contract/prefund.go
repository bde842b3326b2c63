package contract

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/firefish-io/go-escrow/script"
	"github.com/firefish-io/go-escrow/types"
)

// Prefund is the refundable staging contract. The borrower funds it from a
// regular wallet; the escrow transaction later spends it through the
// cooperative path while the cancel leaf lets the borrower reclaim the coins
// if the ceremony stalls.
type Prefund struct {
	Network            types.Network
	Keys               script.PubKeys
	BorrowerReturnHash chainhash.Hash

	// Cached taproot output, recomputed on decode.
	output script.TaprootOutput
}

// NewPrefund assembles the prefund contract once the borrower's spending
// conditions are known.
func NewPrefund(
	network types.Network, keys script.PubKeys, borrowerReturnHash chainhash.Hash,
) (*Prefund, error) {
	output, err := script.PrefundOutput(keys, borrowerReturnHash)
	if err != nil {
		return nil, err
	}
	return &Prefund{
		Network:            network,
		Keys:               keys,
		BorrowerReturnHash: borrowerReturnHash,
		output:             output,
	}, nil
}

// FundingScript returns the script the borrower's wallet must pay.
func (p *Prefund) FundingScript() ([]byte, error) {
	return p.output.PkScript()
}

// FundingAddress returns the address encoding of the funding script.
func (p *Prefund) FundingAddress() (btcutil.Address, error) {
	return p.output.Address(p.Network)
}

// SpendInfo derives the public handoff for the witnesses.
func (p *Prefund) SpendInfo(collateral btcutil.Amount) (*SpendInfo, error) {
	fundingScript, err := p.FundingScript()
	if err != nil {
		return nil, err
	}
	return &SpendInfo{
		BorrowerKey:    p.Keys.Borrower,
		ReturnLeafHash: p.BorrowerReturnHash,
		Collateral:     collateral,
		FundingScript:  fundingScript,
	}, nil
}

// MultisigControlBlock proves inclusion of the multisig leaf in the prefund
// tree; the sibling is the hidden borrower leaf.
func (p *Prefund) MultisigControlBlock() ([]byte, error) {
	return p.output.ControlBlock(&p.BorrowerReturnHash)
}

func (p *Prefund) cancelControlBlock(multisigLeafHash chainhash.Hash) ([]byte, error) {
	return p.output.ControlBlock(&multisigLeafHash)
}

// SpendCancel builds and signs the borrower's cancel transaction spending the
// given prefund outputs through the cancel leaf. The lock time is set to the
// current height for anti-fee-sniping.
func (p *Prefund) SpendCancel(
	borrowerKey *btcec.PrivateKey, cancelLeaf []byte,
	inputs []types.SpendableTxo, outputs []*wire.TxOut, currentHeight uint32,
) (*wire.MsgTx, error) {
	fundingScript, err := p.FundingScript()
	if err != nil {
		return nil, err
	}
	multisigHash, err := p.Keys.MultisigLeafHash()
	if err != nil {
		return nil, err
	}
	controlBlock, err := p.cancelControlBlock(multisigHash)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = currentHeight
	prevOuts := make([]*wire.TxOut, 0, len(inputs))
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, txo := range inputs {
		prevOut, txIn := txo.UnpackWithEmptySig()
		prevOuts = append(prevOuts, prevOut)
		tx.AddTxIn(txIn)
		fetcher.AddPrevOut(txIn.PreviousOutPoint, prevOut)
	}
	tx.TxOut = outputs

	leaf := txscript.NewBaseTapLeaf(cancelLeaf)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, prevOut := range prevOuts {
		if !bytes.Equal(prevOut.PkScript, fundingScript) {
			continue
		}
		sighash, err := txscript.CalcTapscriptSignaturehash(
			sigHashes, txscript.SigHashDefault, tx, i, fetcher, leaf,
		)
		if err != nil {
			return nil, fmt.Errorf("cancel sighash for input %d: %w", i, err)
		}
		sig, err := schnorr.Sign(borrowerKey, sighash)
		if err != nil {
			return nil, err
		}
		tx.TxIn[i].Witness = wire.TxWitness{
			sig.Serialize(), cancelLeaf, controlBlock,
		}
	}
	return tx, nil
}

func (p *Prefund) Encode(w *types.Writer) {
	w.WriteMagic(p.Network.Magic())
	p.Keys.Encode(w)
	w.Write(p.BorrowerReturnHash[:])
}

func DecodePrefund(r *types.Reader) (*Prefund, error) {
	magic, err := r.ReadMagic()
	if err != nil {
		return nil, err
	}
	network, err := types.NetworkFromMagic(magic)
	if err != nil {
		return nil, err
	}
	keys, err := script.DecodePubKeys(r)
	if err != nil {
		return nil, err
	}
	hash, err := r.ReadBytes(chainhash.HashSize)
	if err != nil {
		return nil, err
	}
	var returnHash chainhash.Hash
	copy(returnHash[:], hash)
	return NewPrefund(network, keys, returnHash)
}
