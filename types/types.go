package types

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// Network identifies the Bitcoin network a contract operates on. The wire
// magic is used as the canonical serialized form so that new networks
// supported by btcd work without touching the encoding.
type Network struct {
	Name   string
	Params *chaincfg.Params
}

var (
	Mainnet = Network{Name: "mainnet", Params: &chaincfg.MainNetParams}
	Testnet = Network{Name: "testnet", Params: &chaincfg.TestNet3Params}
	Regtest = Network{Name: "regtest", Params: &chaincfg.RegressionNetParams}
	Signet  = Network{Name: "signet", Params: &chaincfg.SigNetParams}
)

var supportedNetworks = []Network{Mainnet, Testnet, Regtest, Signet}

func NetworkFromString(name string) (Network, error) {
	for _, net := range supportedNetworks {
		if net.Name == name {
			return net, nil
		}
	}
	return Network{}, fmt.Errorf("unknown network %q", name)
}

func NetworkFromMagic(magic wire.BitcoinNet) (Network, error) {
	for _, net := range supportedNetworks {
		if net.Params.Net == magic {
			return net, nil
		}
	}
	return Network{}, fmt.Errorf("unknown network magic %#08x", uint32(magic))
}

func (n Network) Magic() wire.BitcoinNet {
	return n.Params.Net
}

func (n Network) String() string {
	return n.Name
}

func (n Network) IsZero() bool {
	return n.Params == nil
}

// SpendableTxo carries everything needed to spend an output except the
// signature data.
type SpendableTxo struct {
	OutPoint wire.OutPoint
	TxOut    wire.TxOut
	Sequence uint32
}

// UnpackWithEmptySig splits the txo into the output being spent and an input
// spending it with empty witness data.
func (s SpendableTxo) UnpackWithEmptySig() (*wire.TxOut, *wire.TxIn) {
	txOut := s.TxOut
	txIn := &wire.TxIn{
		PreviousOutPoint: s.OutPoint,
		Sequence:         s.Sequence,
	}
	return &txOut, txIn
}

func (s SpendableTxo) Encode(w *Writer) {
	w.WriteOutPoint(s.OutPoint)
	w.WriteTxOut(&s.TxOut)
	w.WriteLE32(s.Sequence)
}

func DecodeSpendableTxo(r *Reader) (SpendableTxo, error) {
	var txo SpendableTxo
	outPoint, err := r.ReadOutPoint()
	if err != nil {
		return txo, err
	}
	txOut, err := r.ReadTxOut()
	if err != nil {
		return txo, err
	}
	sequence, err := r.ReadLE32()
	if err != nil {
		return txo, err
	}
	txo.OutPoint = outPoint
	txo.TxOut = *txOut
	txo.Sequence = sequence
	return txo, nil
}
