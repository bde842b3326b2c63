package contract

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/firefish-io/go-escrow/types"
)

var (
	// ErrUnexpectedEnd is returned when a message or state blob is truncated.
	ErrUnexpectedEnd = types.ErrUnexpectedEnd

	// ErrNetworkMismatch is returned when an artifact targets a different
	// network than the caller requested.
	ErrNetworkMismatch = errors.New("network mismatch")

	// ErrOfferExpired is returned when the default lock time already passed
	// at acceptance time.
	ErrOfferExpired = errors.New("offer expired")

	// ErrSpendInfoMismatch is returned when a witness recomputes the funding
	// script and it differs from the one the borrower sent.
	ErrSpendInfoMismatch = errors.New("spend info mismatch")

	// ErrSpendInfoAlreadySet is returned on a second spend-info delivery.
	ErrSpendInfoAlreadySet = errors.New("spend info already received")

	// ErrBadSignature is returned when a counterparty signature does not
	// verify against the locally recomputed sighash.
	ErrBadSignature = errors.New("signature verification failed")

	// ErrMissingSignature is returned when a bundle carries fewer escrow
	// signatures than the escrow transaction has contract inputs.
	ErrMissingSignature = errors.New("missing signature")

	// ErrNoMatchingOutputs is returned when none of the supplied transactions
	// pay the funding script.
	ErrNoMatchingOutputs = errors.New("no outputs pay the funding script")

	// ErrDustOutput is returned when fee deduction would leave an output
	// below the dust threshold.
	ErrDustOutput = errors.New("output below dust threshold")

	// ErrUndercollateralized is returned when the borrower allocates less
	// than the offered minimum collateral.
	ErrUndercollateralized = errors.New("collateral below offer minimum")

	// ErrContractPositionOutOfRange is returned when the contract output
	// index does not fit among the extra outputs.
	ErrContractPositionOutOfRange = errors.New("contract output position out of range")

	// ErrSequenceNotLocked is returned when a relative delay is applied to a
	// sequence that encodes no relative lock.
	ErrSequenceNotLocked = errors.New("sequence has no relative lock")

	// ErrSequenceUnitMismatch is returned when a relative delay uses
	// different units than the sequence it extends.
	ErrSequenceUnitMismatch = errors.New("relative delay unit mismatch")

	// ErrSequenceOverflow is returned when extending a relative lock would
	// overflow its encoding.
	ErrSequenceOverflow = errors.New("relative lock overflow")

	// ErrInvalidRole is returned when an operation is invoked by the wrong
	// witness role.
	ErrInvalidRole = errors.New("operation not available for this role")
)

// InvalidMessageError reports a message whose leading id byte does not match
// the expected message type.
type InvalidMessageError struct {
	Expected MessageID
	Got      byte
}

func (e InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message id: expected %d, got %d", e.Expected, e.Got)
}

// UnknownOfferVersionError reports an offer with an unsupported version byte.
type UnknownOfferVersionError struct {
	Version byte
}

func (e UnknownOfferVersionError) Error() string {
	return fmt.Sprintf("unknown offer version %d", e.Version)
}

// UnderfundedError reports that the supplied funding cannot cover the
// worst-case outcome transaction.
type UnderfundedError struct {
	Required  btcutil.Amount
	Available btcutil.Amount
}

func (e UnderfundedError) Error() string {
	return fmt.Sprintf(
		"underfunded: required %s, available %s", e.Required, e.Available,
	)
}
