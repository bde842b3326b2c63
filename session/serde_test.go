package session

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/firefish-io/go-escrow/contract"
	"github.com/firefish-io/go-escrow/types"
)

func TestBorrowerStateRoundTrips(t *testing.T) {
	borrower := acceptTestOffer(t)
	raw := borrower.Serialize()
	loaded, err := LoadBorrower(raw)
	require.NoError(t, err)
	require.Equal(t, StateWaitingForFunding, loaded.StateID())
	require.Equal(t, raw, loaded.Serialize())

	waiting := loaded.(*BorrowerWaitingForFunding)
	wantAddr, err := borrower.FundingAddress()
	require.NoError(t, err)
	gotAddr, err := waiting.FundingAddress()
	require.NoError(t, err)
	require.Equal(t, wantAddr.String(), gotAddr.String())

	funding := fundingTxFor(t, borrower)
	awaiting, request, err := waiting.FundingReceived(contract.FundingOptions{
		Transactions:        []*wire.MsgTx{funding},
		EscrowFeeRate:       2,
		FinalizationFeeRate: 1,
	})
	require.NoError(t, err)

	raw = awaiting.Serialize()
	loaded, err = LoadBorrower(raw)
	require.NoError(t, err)
	require.Equal(t, StateEscrowAwaitingEscrowSigs, loaded.StateID())
	require.Equal(t, raw, loaded.Serialize())
	reloaded := loaded.(*BorrowerAwaitingEscrowSigs)
	require.Equal(t, awaiting.EscrowTxid(), reloaded.EscrowTxid())

	tedO, err := AssignOffer(tedOKeys(), testOffer())
	require.NoError(t, err)
	info, err := borrower.SpendInfo()
	require.NoError(t, err)
	require.NoError(t, tedO.SetSpendInfo(info))
	tedP, err := AssignOffer(tedPKeys(), testOffer())
	require.NoError(t, err)
	require.NoError(t, tedP.SetSpendInfo(info))
	_, bundleO, err := tedO.Presign(request)
	require.NoError(t, err)
	_, bundleP, err := tedP.Presign(request)
	require.NoError(t, err)

	// an early-arrival bundle survives persistence
	require.NoError(t, reloaded.ReceiveBundle(bundleO))
	raw = reloaded.Serialize()
	loaded, err = LoadBorrower(raw)
	require.NoError(t, err)
	withBundle := loaded.(*BorrowerAwaitingEscrowSigs)
	require.NotNil(t, withBundle.PendingBundle())
	require.NotNil(t, withBundle.PendingBundle().O)
	require.Equal(t, raw, loaded.Serialize())

	verified, err := withBundle.VerifySignatures(bundleO.O, bundleP.P)
	require.NoError(t, err)
	raw = verified.Serialize()
	loaded, err = LoadBorrower(raw)
	require.NoError(t, err)
	require.Equal(t, StateEscrowSigsVerified, loaded.StateID())
	require.Equal(t, raw, loaded.Serialize())

	signed, err := loaded.(*BorrowerSigsVerified).AssembleEscrow()
	require.NoError(t, err)
	raw = signed.Serialize()
	loaded, err = LoadBorrower(raw)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingEscrowConfirmation, loaded.StateID())
	require.Equal(t, raw, loaded.Serialize())
	require.Equal(t,
		signed.EscrowTx().TxHash(),
		loaded.(*BorrowerEscrowSigned).EscrowTx().TxHash())
}

func TestTedStateRoundTrips(t *testing.T) {
	borrower := acceptTestOffer(t)
	info, err := borrower.SpendInfo()
	require.NoError(t, err)

	ted, err := AssignOffer(tedPKeys(), testOffer())
	require.NoError(t, err)

	// before the spend info
	raw := ted.Serialize()
	loaded, err := LoadTed(raw)
	require.NoError(t, err)
	require.Equal(t, contract.RoleTedP, loaded.Role())
	require.Equal(t, StateEscrowAwaitingFunding, loaded.StateID())
	require.Equal(t, raw, loaded.Serialize())

	// after the spend info
	require.NoError(t, ted.SetSpendInfo(info))
	raw = ted.Serialize()
	loaded, err = LoadTed(raw)
	require.NoError(t, err)
	require.Equal(t, raw, loaded.Serialize())
	reloaded := loaded.(*TedAwaitingSpendInfo)
	require.ErrorIs(t, reloaded.SetSpendInfo(info), contract.ErrSpendInfoAlreadySet)

	// presigned
	_, request, err := borrower.FundingReceived(contract.FundingOptions{
		Transactions:        []*wire.MsgTx{fundingTxFor(t, borrower)},
		EscrowFeeRate:       2,
		FinalizationFeeRate: 1,
	})
	require.NoError(t, err)
	presigned, _, err := reloaded.Presign(request)
	require.NoError(t, err)
	raw = presigned.Serialize()
	loaded, err = LoadTed(raw)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingEscrowConfirmation, loaded.StateID())
	require.Equal(t, raw, loaded.Serialize())
	require.Equal(t,
		presigned.EscrowTxid(), loaded.(*TedPresigned).EscrowTxid())
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	w := types.NewWriter()
	w.WriteByte(255)
	w.WriteBE32(uint32(CurrentVersion) + 1)
	w.WriteByte(byte(ParticipantBorrower))
	w.WriteByte(byte(StateWaitingForFunding))

	_, err := LoadBorrower(w.Bytes())
	var versionErr UnsupportedVersionError
	require.ErrorAs(t, err, &versionErr)
	require.Equal(t, uint32(CurrentVersion)+1, versionErr.Version)

	_, err = LoadTed(w.Bytes())
	require.ErrorAs(t, err, &versionErr)
}

func TestLoadRejectsWrongParticipant(t *testing.T) {
	borrower := acceptTestOffer(t)
	_, err := LoadTed(borrower.Serialize())
	var stateErr InvalidStateError
	require.ErrorAs(t, err, &stateErr)

	ted, err := AssignOffer(tedOKeys(), testOffer())
	require.NoError(t, err)
	_, err = LoadBorrower(ted.Serialize())
	require.ErrorAs(t, err, &stateErr)
}

func TestLoadRejectsTruncatedState(t *testing.T) {
	raw := acceptTestOffer(t).Serialize()
	for _, cut := range []int{0, 3, 6, 40, len(raw) - 1} {
		_, err := LoadBorrower(raw[:cut])
		require.Error(t, err, "cut at %d", cut)
	}
}
