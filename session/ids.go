// Package session holds the per-role state machines of the ceremony and the
// versioned binary persistence of their states.
//
// The three roles deliberately have distinct state types: a borrower session
// and a witness session share no operations, and conflating them behind a
// common interface has historically been a bug magnet.
package session

import "fmt"

// ParticipantID tags the role owning a persisted state.
type ParticipantID byte

const (
	ParticipantVerifier ParticipantID = iota
	ParticipantBorrower
	ParticipantTedO
	ParticipantTedP
)

func (p ParticipantID) String() string {
	switch p {
	case ParticipantVerifier:
		return "verifier"
	case ParticipantBorrower:
		return "borrower"
	case ParticipantTedO:
		return "ted-o"
	case ParticipantTedP:
		return "ted-p"
	default:
		return fmt.Sprintf("participant(%d)", byte(p))
	}
}

// StateID tags the ceremony phase of a persisted state.
type StateID byte

const (
	StatePrefundAwaitingSpendInfo StateID = iota
	StatePrefundReady
	StateWaitingForFunding
	StateEscrowAwaitingFunding
	StateEscrowAwaitingStateSigs
	StateEscrowAwaitingEscrowSigs
	StateEscrowSigsVerified
	StateAwaitingEscrowConfirmation
)

// borrowerEscrowDataMarker tags the borrower's embedded escrow data blob.
const borrowerEscrowDataMarker byte = 0x06

// InvalidStateError reports a state blob whose participant or state id does
// not match what the caller expected.
type InvalidStateError struct {
	Field string
	Got   byte
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state file: unexpected %s %d", e.Field, e.Got)
}
