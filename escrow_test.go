package escrow

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/firefish-io/go-escrow/contract"
	"github.com/firefish-io/go-escrow/session"
	"github.com/firefish-io/go-escrow/store"
	filestore "github.com/firefish-io/go-escrow/store/file"
	kvstore "github.com/firefish-io/go-escrow/store/kv"
	sqlstore "github.com/firefish-io/go-escrow/store/sql"
	"github.com/firefish-io/go-escrow/types"
)

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
			RecoverLockTime: 1893452400,
			DefaultLockTime: 1893456000,
		},
		EscrowKeys: contract.TedKeys{
			TedO: privKey(11).PubKey(), TedP: privKey(13).PubKey(),
		},
		PrefundKeys: contract.TedKeys{
			TedO: privKey(10).PubKey(), TedP: privKey(12).PubKey(),
		},
	}
}

func managerBackends(t *testing.T) map[string]store.SessionStore {
	t.Helper()
	fileBacked, err := filestore.NewSessionStore(t.TempDir())
	require.NoError(t, err)
	kvBacked, err := kvstore.NewSessionStore(t.TempDir(), nil)
	require.NoError(t, err)
	sqlBacked, err := sqlstore.NewSessionStore(
		filepath.Join(t.TempDir(), "sessions.db"),
	)
	require.NoError(t, err)
	return map[string]store.SessionStore{
		"file": fileBacked,
		"kv":   kvBacked,
		"sql":  sqlBacked,
	}
}

func TestSessionManagerBackends(t *testing.T) {
	for name, backend := range managerBackends(t) {
		t.Run(name, func(t *testing.T) {
			m := NewSessionManager(backend)
			defer m.Close()

			offer := testOffer()
			borrower, err := session.AcceptOffer(offer, session.AcceptParams{
				Network:        types.Regtest,
				Now:            time.Unix(1700000000, 0),
				ReturnScript:   taprootScript(9),
				CancelSequence: 42,
				PrefundKey:     privKey(20),
			})
			require.NoError(t, err)
			ted, err := session.AssignOffer(contract.TedKeypairs{
				Prefund: privKey(12), Escrow: privKey(13),
			}, offer)
			require.NoError(t, err)

			require.NoError(t, m.SaveBorrower("loan-1", borrower))
			require.NoError(t, m.SaveTed("loan-1", ted))

			gotBorrower, err := m.LoadBorrower("loan-1")
			require.NoError(t, err)
			require.Equal(t, borrower.Serialize(), gotBorrower.Serialize())
			gotTed, err := m.LoadTed("loan-1")
			require.NoError(t, err)
			require.Equal(t, ted.Serialize(), gotTed.Serialize())
			require.Equal(t, contract.RoleTedP, gotTed.Role())

			// loans are independent
			_, err = m.LoadBorrower("loan-2")
			require.ErrorIs(t, err, store.ErrNotFound)

			require.NoError(t, m.Delete("loan-1"))
			_, err = m.LoadBorrower("loan-1")
			require.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}
