package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/buildvector/TicTacToe/ledger"
	"github.com/buildvector/TicTacToe/models"
	"github.com/buildvector/TicTacToe/store"
)

const testHouse = "HoUSE1111111111111111111111111111111111111111"

func newTestStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := store.Open("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, mr
}

type transferCall struct {
	To       string
	Lamports uint64
}

// fakeLedger implements ledger.Client in memory. Deposit transactions are
// seeded per test; outbound transfers are recorded so settlement tests can
// assert exactly-once behavior.
type fakeLedger struct {
	mu sync.Mutex

	txs     map[string]*ledger.TxInfo
	recent  []string
	balance uint64

	lookups   int
	transfers []transferCall
	nextSig   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		txs:     make(map[string]*ledger.TxInfo),
		balance: 1_000_000_000_000,
	}
}

// seedDeposit registers a confirmed exact transfer from `from` to the
// house, shaped the way the verifier expects.
func (f *fakeLedger) seedDeposit(sig, from string, lamports int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs[sig] = &ledger.TxInfo{
		BlockTime:    time.Now(),
		AccountKeys:  []string{from, testHouse},
		PreBalances:  []uint64{10_000_000_000, 50_000_000_000},
		PostBalances: []uint64{10_000_000_000 - uint64(lamports) - 5_000, 50_000_000_000 + uint64(lamports)},
	}
	f.recent = append([]string{sig}, f.recent...)
}

func (f *fakeLedger) Transaction(_ context.Context, sig string) (*ledger.TxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	tx, ok := f.txs[sig]
	if !ok {
		return nil, ledger.ErrTxNotFound
	}
	return tx, nil
}

func (f *fakeLedger) RecentSignatures(_ context.Context, _ string, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recent) < limit {
		limit = len(f.recent)
	}
	return append([]string(nil), f.recent[:limit]...), nil
}

func (f *fakeLedger) Balance(_ context.Context, _ string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeLedger) Transfer(_ context.Context, to string, lamports uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balance < lamports+10_000 {
		return "", fmt.Errorf("%w: balance=%d need=%d", ledger.ErrInsufficientFunds, f.balance, lamports+10_000)
	}
	f.balance -= lamports
	f.nextSig++
	sig := fmt.Sprintf("payout_%d", f.nextSig)
	f.transfers = append(f.transfers, transferCall{To: to, Lamports: lamports})
	return sig, nil
}

func (f *fakeLedger) HouseAddress() string { return testHouse }

func (f *fakeLedger) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

// playingMatch seeds a live two-player match ready for moves or timeouts.
func playingMatch(t *testing.T, st *store.Store, id string, now int64) *models.Match {
	t.Helper()
	m := &models.Match{
		ID:          id,
		BetLamports: 100_000_000,
		PotLamports: 194_000_000,
		CreatedBy:   "creator_pk",
		JoinedBy:    "joiner_pk",
		XPlayer:     "creator_pk",
		OPlayer:     "joiner_pk",
		Status:      models.StatusPlaying,
		Turn:        models.MarkX,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.StartTurn(now, 90_000)
	require.NoError(t, st.PutMatch(context.Background(), m))
	return m
}
