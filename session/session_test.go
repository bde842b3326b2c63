package session

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/firefish-io/go-escrow/contract"
	"github.com/firefish-io/go-escrow/types"
)

const (
	borrowerPrefundSeed = 20
	tedOPrefundSeed     = 10
	tedOEscrowSeed      = 11
	tedPPrefundSeed     = 12
	tedPEscrowSeed      = 13

	testCancelSequence = uint32(42)
	testFundingValue   = int64(100_000_000)
)

var testNow = time.Unix(1700000000, 0)

func privKey(seed byte) *btcec.PrivateKey {
	raw := make([]byte, 32)
	raw[31] = seed
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv
}

func taprootScript(seed byte) []byte {
	s := append([]byte{0x51, 0x20}, make([]byte, 32)...)
	s[10] = seed
	return s
}

func testOffer() *contract.Offer {
	return &contract.Offer{
		Params: contract.EscrowParams{
			Network:                     types.Regtest,
			LiquidatorScriptDefault:     taprootScript(1),
			LiquidatorScriptLiquidation: taprootScript(2),
			MinCollateral:               100_000,
			ExtraTerminationOutputs: []*wire.TxOut{{
				Value: 546, PkScript: taprootScript(3),
			}},
			LiquidatorOutputIndex: 0,
			RecoverLockTime:       1893452400,
			DefaultLockTime:       1893456000,
		},
		EscrowKeys: contract.TedKeys{
			TedO: privKey(tedOEscrowSeed).PubKey(),
			TedP: privKey(tedPEscrowSeed).PubKey(),
		},
		PrefundKeys: contract.TedKeys{
			TedO: privKey(tedOPrefundSeed).PubKey(),
			TedP: privKey(tedPPrefundSeed).PubKey(),
		},
	}
}

func acceptTestOffer(t *testing.T) *BorrowerWaitingForFunding {
	t.Helper()
	borrower, err := AcceptOffer(testOffer(), AcceptParams{
		Network:        types.Regtest,
		Now:            testNow,
		ReturnScript:   taprootScript(9),
		CancelSequence: testCancelSequence,
		PrefundKey:     privKey(borrowerPrefundSeed),
	})
	require.NoError(t, err)
	return borrower
}

func tedOKeys() contract.TedKeypairs {
	return contract.TedKeypairs{
		Prefund: privKey(tedOPrefundSeed), Escrow: privKey(tedOEscrowSeed),
	}
}

func tedPKeys() contract.TedKeypairs {
	return contract.TedKeypairs{
		Prefund: privKey(tedPPrefundSeed), Escrow: privKey(tedPEscrowSeed),
	}
}

func fundingTxFor(t *testing.T, borrower *BorrowerWaitingForFunding) *wire.MsgTx {
	t.Helper()
	info, err := borrower.SpendInfo()
	require.NoError(t, err)
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{Sequence: wire.MaxTxInSequenceNum})
	tx.AddTxOut(&wire.TxOut{Value: testFundingValue, PkScript: info.FundingScript})
	return tx
}

func runSpend(t *testing.T, tx *wire.MsgTx, prevOut *wire.TxOut) {
	t.Helper()
	fetcher := txscript.NewMultiPrevOutFetcher(map[wire.OutPoint]*wire.TxOut{
		tx.TxIn[0].PreviousOutPoint: prevOut,
	})
	hashCache := txscript.NewTxSigHashes(tx, fetcher)
	vm, err := txscript.NewEngine(
		prevOut.PkScript, tx, 0, txscript.StandardVerifyFlags,
		nil, hashCache, prevOut.Value, fetcher,
	)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}

func TestFundingAddressAgreesAcrossRoles(t *testing.T) {
	offer := testOffer()
	borrower := acceptTestOffer(t)
	info, err := borrower.SpendInfo()
	require.NoError(t, err)
	borrowerAddr, err := borrower.FundingAddress()
	require.NoError(t, err)

	for _, keys := range []contract.TedKeypairs{tedOKeys(), tedPKeys()} {
		ted, err := AssignOffer(keys, offer)
		require.NoError(t, err)
		require.NoError(t, ted.SetSpendInfo(info))
		tedAddr, err := ted.FundingAddress()
		require.NoError(t, err)
		require.Equal(t, borrowerAddr.String(), tedAddr.String())
	}
}

func TestAssignOfferRejectsUnknownKeys(t *testing.T) {
	stranger := contract.TedKeypairs{Prefund: privKey(40), Escrow: privKey(41)}
	_, err := AssignOffer(stranger, testOffer())
	require.ErrorIs(t, err, ErrKeysNotInOffer)
}

func TestTamperedSpendInfoRejected(t *testing.T) {
	borrower := acceptTestOffer(t)
	info, err := borrower.SpendInfo()
	require.NoError(t, err)

	ted, err := AssignOffer(tedPKeys(), testOffer())
	require.NoError(t, err)

	tampered := *info
	tampered.FundingScript = append([]byte{}, info.FundingScript...)
	tampered.FundingScript[10] ^= 0x01
	require.ErrorIs(t, ted.SetSpendInfo(&tampered), contract.ErrSpendInfoMismatch)

	// the honest message still goes through afterwards
	require.NoError(t, ted.SetSpendInfo(info))
	// but only once
	require.ErrorIs(t, ted.SetSpendInfo(info), contract.ErrSpendInfoAlreadySet)
}

func TestSpendInfoCollateralBelowMinimumRejected(t *testing.T) {
	borrower := acceptTestOffer(t)
	info, err := borrower.SpendInfo()
	require.NoError(t, err)
	info.Collateral = 1

	ted, err := AssignOffer(tedOKeys(), testOffer())
	require.NoError(t, err)
	require.ErrorIs(t, ted.SetSpendInfo(info), contract.ErrUndercollateralized)
}

func TestFullCeremony(t *testing.T) {
	offer := testOffer()
	borrower := acceptTestOffer(t)
	info, err := borrower.SpendInfo()
	require.NoError(t, err)

	tedO, err := AssignOffer(tedOKeys(), offer)
	require.NoError(t, err)
	require.Equal(t, contract.RoleTedO, tedO.Role())
	tedP, err := AssignOffer(tedPKeys(), offer)
	require.NoError(t, err)
	require.Equal(t, contract.RoleTedP, tedP.Role())

	require.NoError(t, tedO.SetSpendInfo(info))
	require.NoError(t, tedP.SetSpendInfo(info))

	funding := fundingTxFor(t, borrower)
	awaiting, request, err := borrower.FundingReceived(contract.FundingOptions{
		Transactions:        []*wire.MsgTx{funding},
		EscrowFeeRate:       2,
		FinalizationFeeRate: 1,
	})
	require.NoError(t, err)

	// the request survives the wire
	parsed, err := contract.ParsePresignRequest(request.Serialize())
	require.NoError(t, err)

	presignedO, bundleO, err := tedO.Presign(parsed)
	require.NoError(t, err)
	require.NotNil(t, bundleO.O)
	require.Len(t, bundleO.O.Escrow, 1)
	presignedP, bundleP, err := tedP.Presign(parsed)
	require.NoError(t, err)
	require.NotNil(t, bundleP.P)
	require.Len(t, bundleP.P.Escrow, 1)
	require.Equal(t, awaiting.EscrowTxid(), presignedO.EscrowTxid())
	require.Equal(t, awaiting.EscrowTxid(), presignedP.EscrowTxid())

	// either bundle may arrive first
	require.NoError(t, awaiting.ReceiveBundle(bundleO))
	require.Error(t, awaiting.ReceiveBundle(bundleO))

	verified, err := awaiting.VerifySignatures(bundleO.O, bundleP.P)
	require.NoError(t, err)
	require.Len(t, verified.RecoverTx().TxIn[0].Witness, 5)

	signed, err := verified.AssembleEscrow()
	require.NoError(t, err)
	escrowTx := signed.EscrowTx()
	require.Equal(t, presignedO.EscrowTxid(), escrowTx.TxHash())
	runSpend(t, escrowTx, funding.TxOut[0])

	escrowOut := escrowTx.TxOut[signed.RecoverTx().TxIn[0].PreviousOutPoint.Index]

	// recover spends the escrow output
	runSpend(t, signed.RecoverTx(), escrowOut)

	// TED-P finalizes repayment and default with TED-O's pre-signatures
	repayment, err := presignedP.SignRepayment(bundleO.O.Repayment)
	require.NoError(t, err)
	runSpend(t, repayment, escrowOut)

	defaultTx, err := presignedP.SignDefault(bundleO.O.Default)
	require.NoError(t, err)
	runSpend(t, defaultTx, escrowOut)

	// liquidation: TED-O's half first, then TED-P completes
	liqSig, err := presignedO.LiquidationSignature()
	require.NoError(t, err)
	liquidation, err := presignedP.SignLiquidation(liqSig)
	require.NoError(t, err)
	runSpend(t, liquidation, escrowOut)

	// role guards
	_, err = presignedO.SignRepayment(bundleO.O.Repayment)
	require.ErrorIs(t, err, contract.ErrInvalidRole)
	_, err = presignedP.LiquidationSignature()
	require.ErrorIs(t, err, contract.ErrInvalidRole)

	// the broadcast request carries one signature per escrow input
	broadcast, err := signed.BroadcastRequest()
	require.NoError(t, err)
	require.Len(t, broadcast.Signatures, 1)
}

func TestVerifySignaturesRejectsForgedBundle(t *testing.T) {
	borrower := acceptTestOffer(t)
	info, err := borrower.SpendInfo()
	require.NoError(t, err)

	tedO, err := AssignOffer(tedOKeys(), testOffer())
	require.NoError(t, err)
	require.NoError(t, tedO.SetSpendInfo(info))
	tedP, err := AssignOffer(tedPKeys(), testOffer())
	require.NoError(t, err)
	require.NoError(t, tedP.SetSpendInfo(info))

	awaiting, request, err := borrower.FundingReceived(contract.FundingOptions{
		Transactions:        []*wire.MsgTx{fundingTxFor(t, borrower)},
		EscrowFeeRate:       2,
		FinalizationFeeRate: 1,
	})
	require.NoError(t, err)

	_, bundleO, err := tedO.Presign(request)
	require.NoError(t, err)
	_, bundleP, err := tedP.Presign(request)
	require.NoError(t, err)

	// swap TED-O's repayment signature for its default signature
	forged := *bundleO.O
	forged.Repayment = bundleO.O.Default
	_, err = awaiting.VerifySignatures(&forged, bundleP.P)
	require.ErrorIs(t, err, contract.ErrBadSignature)
}

func TestCancelAvailableInEveryState(t *testing.T) {
	borrower := acceptTestOffer(t)
	funding := fundingTxFor(t, borrower)
	feeRate := uint64(3)

	fromWaiting, err := borrower.Cancel(
		[]*wire.MsgTx{funding}, feeRate, 100, contract.RelativeDelay{},
	)
	require.NoError(t, err)
	require.Equal(t, testCancelSequence, fromWaiting.TxIn[0].Sequence)
	runSpend(t, fromWaiting, funding.TxOut[0])

	awaiting, _, err := borrower.FundingReceived(contract.FundingOptions{
		Transactions:        []*wire.MsgTx{funding},
		EscrowFeeRate:       2,
		FinalizationFeeRate: 1,
	})
	require.NoError(t, err)
	fromAwaiting, err := awaiting.Cancel(
		[]*wire.MsgTx{funding}, feeRate, 100, contract.RelativeDelay{},
	)
	require.NoError(t, err)
	// the cancel transaction is identical regardless of ceremony progress
	require.Equal(t, fromWaiting.TxHash(), fromAwaiting.TxHash())

	// an extra delay pushes the sequence out
	delayed, err := awaiting.Cancel(
		[]*wire.MsgTx{funding}, feeRate, 100, contract.RelativeDelay{Blocks: 8},
	)
	require.NoError(t, err)
	require.Equal(t, testCancelSequence+8, delayed.TxIn[0].Sequence)
}
