// Package contract implements the loan contract itself: the platform offer,
// the borrower-to-witness handoffs, the unsigned transaction template set and
// the signature bundles exchanged during the pre-signing ceremony.
//
// Every serialized artifact has a canonical byte encoding with fixed field
// order. The encodings are shared by all three participants; a single byte of
// drift breaks signature verification, so nothing here depends on map
// iteration order or other non-determinism.
package contract

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/ccoveille/go-safecast"

	"github.com/firefish-io/go-escrow/types"
)

// MessageID tags every message exchanged between participants.
type MessageID byte

const (
	MessageOffer MessageID = iota
	MessagePrefundHints
	MessagePrefundSpendInfo
	MessageEscrowHints
	MessageEscrowFunding
	MessageBorrowerSigs
	MessageTedOSigs
	MessageTedPSigs
	MessageEscrowSigsFromBorrower
)

// offerVersion is the current offer wire version. Version 0 offers carried a
// single liquidator output; they still decode through the documented upgrade.
const offerVersion byte = 1

// More extra outputs than this cannot fit a block.
const maxExtraOutputs = 4_000_000 / 9

// TedKeys holds the witness public keys for one sub-contract.
type TedKeys struct {
	TedO *btcec.PublicKey
	TedP *btcec.PublicKey
}

func (k TedKeys) Encode(w *types.Writer) {
	w.WriteXOnlyKey(k.TedO)
	w.WriteXOnlyKey(k.TedP)
}

func DecodeTedKeys(r *types.Reader) (TedKeys, error) {
	tedO, err := r.ReadXOnlyKey()
	if err != nil {
		return TedKeys{}, err
	}
	tedP, err := r.ReadXOnlyKey()
	if err != nil {
		return TedKeys{}, err
	}
	return TedKeys{TedO: tedO, TedP: tedP}, nil
}

// EscrowParams is the key-independent part of the offer.
type EscrowParams struct {
	Network types.Network

	// Script receiving the collateral when the loan is not repaid.
	LiquidatorScriptDefault []byte

	// Script receiving the collateral on forced liquidation.
	LiquidatorScriptLiquidation []byte

	// Minimum collateral required by the lender.
	MinCollateral btcutil.Amount

	// Extra outputs on every termination transaction, usually a single
	// fee-bump output for the liquidator side.
	ExtraTerminationOutputs []*wire.TxOut

	// Position of the liquidator output among the extra outputs. Randomized
	// at offer creation so the contract output is not trivially fingerprinted.
	LiquidatorOutputIndex uint32

	// Absolute lock time of the recover transaction.
	RecoverLockTime uint32

	// Absolute lock time of the default transaction.
	DefaultLockTime uint32
}

func (p *EscrowParams) Encode(w *types.Writer) {
	w.WriteMagic(p.Network.Magic())
	w.WriteBE32(p.LiquidatorOutputIndex)
	w.WriteLE32(p.RecoverLockTime)
	w.WriteLE32(p.DefaultLockTime)
	w.WriteVarBytes(p.LiquidatorScriptDefault)
	w.WriteVarBytes(p.LiquidatorScriptLiquidation)
	w.WriteLE64(uint64(p.MinCollateral))
	w.WriteBE32(uint32(len(p.ExtraTerminationOutputs)))
	for _, txOut := range p.ExtraTerminationOutputs {
		w.WriteTxOut(txOut)
	}
}

// DecodeEscrowParams decodes the key-independent offer fields at the given
// encoding version. State files pin the version through their own header.
func DecodeEscrowParams(r *types.Reader, version byte) (EscrowParams, error) {
	return decodeEscrowParams(r, version)
}

func decodeEscrowParams(r *types.Reader, version byte) (EscrowParams, error) {
	var params EscrowParams
	magic, err := r.ReadMagic()
	if err != nil {
		return params, err
	}
	network, err := types.NetworkFromMagic(magic)
	if err != nil {
		return params, err
	}
	params.Network = network
	if params.LiquidatorOutputIndex, err = r.ReadBE32(); err != nil {
		return params, err
	}
	if params.RecoverLockTime, err = r.ReadLE32(); err != nil {
		return params, err
	}
	if params.DefaultLockTime, err = r.ReadLE32(); err != nil {
		return params, err
	}
	switch version {
	case 0:
		// Single liquidator output: promote it to the default/liquidation
		// pair with liquidation := default.
		liquidatorOut, err := r.ReadTxOut()
		if err != nil {
			return params, err
		}
		params.LiquidatorScriptDefault = liquidatorOut.PkScript
		params.LiquidatorScriptLiquidation = liquidatorOut.PkScript
		params.MinCollateral = btcutil.Amount(liquidatorOut.Value)
	case 1:
		if params.LiquidatorScriptDefault, err = r.ReadVarBytes(); err != nil {
			return params, err
		}
		if params.LiquidatorScriptLiquidation, err = r.ReadVarBytes(); err != nil {
			return params, err
		}
		collateral, err := r.ReadLE64()
		if err != nil {
			return params, err
		}
		params.MinCollateral = btcutil.Amount(collateral)
	default:
		return params, UnknownOfferVersionError{Version: version}
	}
	extraCount, err := r.ReadBE32()
	if err != nil {
		return params, err
	}
	if extraCount > maxExtraOutputs {
		return params, fmt.Errorf("too many extra outputs: %d", extraCount)
	}
	if uint64(params.LiquidatorOutputIndex) > uint64(extraCount) {
		return params, fmt.Errorf(
			"%w: index %d, %d extra outputs",
			ErrContractPositionOutOfRange, params.LiquidatorOutputIndex, extraCount,
		)
	}
	params.ExtraTerminationOutputs = make([]*wire.TxOut, 0, extraCount)
	for i := uint32(0); i < extraCount; i++ {
		txOut, err := r.ReadTxOut()
		if err != nil {
			return params, err
		}
		params.ExtraTerminationOutputs = append(params.ExtraTerminationOutputs, txOut)
	}
	return params, nil
}

// Offer is the platform's loan proposal handed to all three participants.
type Offer struct {
	Params      EscrowParams
	EscrowKeys  TedKeys
	PrefundKeys TedKeys
}

func (o *Offer) Encode(w *types.Writer) {
	w.WriteByte(offerVersion)
	o.PrefundKeys.Encode(w)
	o.EscrowKeys.Encode(w)
	o.Params.Encode(w)
}

func (o *Offer) Serialize() []byte {
	w := types.NewWriter()
	o.Encode(w)
	return w.Bytes()
}

func DecodeOffer(r *types.Reader) (*Offer, error) {
	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if version > offerVersion {
		return nil, UnknownOfferVersionError{Version: version}
	}
	prefundKeys, err := DecodeTedKeys(r)
	if err != nil {
		return nil, fmt.Errorf("invalid prefund keys: %w", err)
	}
	escrowKeys, err := DecodeTedKeys(r)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow keys: %w", err)
	}
	params, err := decodeEscrowParams(r, version)
	if err != nil {
		return nil, err
	}
	return &Offer{
		Params:      params,
		EscrowKeys:  escrowKeys,
		PrefundKeys: prefundKeys,
	}, nil
}

func ParseOffer(raw []byte) (*Offer, error) {
	r := types.NewReader(raw)
	offer, err := DecodeOffer(r)
	if err != nil {
		return nil, fmt.Errorf("invalid offer: %w", err)
	}
	return offer, nil
}

// Validate checks the offer against the caller's expectations before a
// keypair is generated or anything is persisted.
func (o *Offer) Validate(network types.Network, now time.Time) error {
	if o.Params.Network.Magic() != network.Magic() {
		return fmt.Errorf(
			"%w: offer targets %s, caller requested %s",
			ErrNetworkMismatch, o.Params.Network, network,
		)
	}
	if isTimeLock(o.Params.DefaultLockTime) {
		expires, err := safecast.ToInt64(o.Params.DefaultLockTime)
		if err != nil {
			return err
		}
		if now.Unix() >= expires {
			return ErrOfferExpired
		}
	}
	if o.Params.RecoverLockTime >= o.Params.DefaultLockTime {
		return errors.New("recover lock time must precede default lock time")
	}
	return nil
}

// isTimeLock reports whether an absolute lock time value is interpreted as a
// unix timestamp rather than a block height.
func isTimeLock(lockTime uint32) bool {
	return lockTime >= 500_000_000
}

// ParticipantKeys is one witness's key pair announcement covering both
// sub-contracts, printed as ffa{o|p}k<prefund-hex><escrow-hex>.
type ParticipantKeys struct {
	Prefund *btcec.PublicKey
	Escrow  *btcec.PublicKey
}

func (k ParticipantKeys) Format(symbol rune) string {
	return fmt.Sprintf(
		"ffa%ck%x%x",
		symbol,
		schnorr.SerializePubKey(k.Prefund),
		schnorr.SerializePubKey(k.Escrow),
	)
}

// TedRole distinguishes the two witness key-holders.
type TedRole byte

const (
	RoleTedO TedRole = 'o'
	RoleTedP TedRole = 'p'
)

func (r TedRole) String() string {
	if r == RoleTedO {
		return "TED-O"
	}
	return "TED-P"
}

// ParseTedKeys parses a ffa-prefixed witness key announcement.
func ParseTedKeys(s string) (TedRole, ParticipantKeys, error) {
	var keys ParticipantKeys
	if len(s) != 5+64+64 {
		return 0, keys, fmt.Errorf("invalid ted keys length %d", len(s))
	}
	if !strings.HasPrefix(s, "ffa") || s[4] != 'k' {
		return 0, keys, fmt.Errorf("invalid ted keys prefix %q", s[:5])
	}
	role := TedRole(s[3])
	if role != RoleTedO && role != RoleTedP {
		return 0, keys, fmt.Errorf("invalid ted role %q", s[3])
	}
	parseKey := func(hexKey string) (*btcec.PublicKey, error) {
		buf, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, err
		}
		return schnorr.ParsePubKey(buf)
	}
	prefund, err := parseKey(s[5 : 5+64])
	if err != nil {
		return 0, keys, fmt.Errorf("invalid prefund key: %w", err)
	}
	escrow, err := parseKey(s[5+64:])
	if err != nil {
		return 0, keys, fmt.Errorf("invalid escrow key: %w", err)
	}
	keys.Prefund = prefund
	keys.Escrow = escrow
	return role, keys, nil
}

// EscrowHints are the platform's funding suggestions: the fee rate, the
// fee-bump outputs and the transactions observed to pay the funding script.
type EscrowHints struct {
	FeeRate                uint64 // sat/vB
	EscrowFeeBumpTxOut     *wire.TxOut
	FinalizationFeeBumpOut *wire.TxOut
	Transactions           []*wire.MsgTx
}

func (h *EscrowHints) Encode(w *types.Writer) {
	w.WriteByte(byte(MessageEscrowHints))
	w.WriteBE64(h.FeeRate)
	w.WriteTxOut(h.EscrowFeeBumpTxOut)
	w.WriteTxOut(h.FinalizationFeeBumpOut)
	w.WriteBE32(uint32(len(h.Transactions)))
	for _, tx := range h.Transactions {
		w.WriteTx(tx)
	}
}

func DecodeEscrowHints(r *types.Reader) (*EscrowHints, error) {
	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if id != byte(MessageEscrowHints) {
		return nil, InvalidMessageError{Expected: MessageEscrowHints, Got: id}
	}
	hints := &EscrowHints{}
	if hints.FeeRate, err = r.ReadBE64(); err != nil {
		return nil, err
	}
	if hints.EscrowFeeBumpTxOut, err = r.ReadTxOut(); err != nil {
		return nil, err
	}
	if hints.FinalizationFeeBumpOut, err = r.ReadTxOut(); err != nil {
		return nil, err
	}
	count, err := r.ReadBE32()
	if err != nil {
		return nil, err
	}
	hints.Transactions = make([]*wire.MsgTx, 0, count)
	for i := uint32(0); i < count; i++ {
		tx, err := r.ReadTx()
		if err != nil {
			return nil, err
		}
		hints.Transactions = append(hints.Transactions, tx)
	}
	return hints, nil
}

// PrefundHints carries the platform's fee-reserve suggestion for the prefund.
type PrefundHints struct {
	FeeReserve btcutil.Amount
}

func (h *PrefundHints) Encode(w *types.Writer) {
	w.WriteByte(byte(MessagePrefundHints))
	w.WriteLE64(uint64(h.FeeReserve))
}

func DecodePrefundHints(r *types.Reader) (*PrefundHints, error) {
	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if id != byte(MessagePrefundHints) {
		return nil, InvalidMessageError{Expected: MessagePrefundHints, Got: id}
	}
	reserve, err := r.ReadLE64()
	if err != nil {
		return nil, err
	}
	return &PrefundHints{FeeReserve: btcutil.Amount(reserve)}, nil
}
