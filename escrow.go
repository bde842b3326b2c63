// Package escrow ties the ceremony state machines to pluggable session
// persistence. Hosts that manage many loans (witness services, the WASM
// embedding) go through a SessionManager; the CLI works on flat state files
// directly.
package escrow

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/firefish-io/go-escrow/session"
	"github.com/firefish-io/go-escrow/store"
)

// SessionManager persists borrower and witness sessions in a SessionStore,
// one record per (loan, role).
type SessionManager struct {
	store store.SessionStore
}

func NewSessionManager(st store.SessionStore) *SessionManager {
	return &SessionManager{store: st}
}

func borrowerID(loanID string) string {
	return loanID + ".borrower"
}

func tedID(loanID string) string {
	return loanID + ".ted"
}

// SaveBorrower writes the borrower session under the loan id.
func (m *SessionManager) SaveBorrower(loanID string, state session.BorrowerState) error {
	if err := m.store.Save(borrowerID(loanID), state.Serialize()); err != nil {
		return fmt.Errorf("failed to save borrower session %s: %w", loanID, err)
	}
	log.WithFields(log.Fields{
		"loan":  loanID,
		"state": state.StateID(),
	}).Debug("borrower session saved")
	return nil
}

// LoadBorrower reads the borrower session under the loan id.
func (m *SessionManager) LoadBorrower(loanID string) (session.BorrowerState, error) {
	raw, err := m.store.Load(borrowerID(loanID))
	if err != nil {
		return nil, err
	}
	return session.LoadBorrower(raw)
}

// SaveTed writes the witness session under the loan id. A deployment holds
// one witness role per store, so the record is keyed by loan alone.
func (m *SessionManager) SaveTed(loanID string, state session.TedState) error {
	if err := m.store.Save(tedID(loanID), state.Serialize()); err != nil {
		return fmt.Errorf("failed to save witness session %s: %w", loanID, err)
	}
	log.WithFields(log.Fields{
		"loan": loanID,
		"role": state.Role(),
	}).Debug("witness session saved")
	return nil
}

// LoadTed reads the witness session under the loan id.
func (m *SessionManager) LoadTed(loanID string) (session.TedState, error) {
	raw, err := m.store.Load(tedID(loanID))
	if err != nil {
		return nil, err
	}
	return session.LoadTed(raw)
}

// Delete removes every session record of the loan. Used once a terminal
// transaction confirmed and the session is dead state.
func (m *SessionManager) Delete(loanID string) error {
	if err := m.store.Delete(borrowerID(loanID)); err != nil {
		return err
	}
	return m.store.Delete(tedID(loanID))
}

// Close releases the underlying store.
func (m *SessionManager) Close() error {
	return m.store.Close()
}
