package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildvector/TicTacToe/models"
	"github.com/buildvector/TicTacToe/store"
)

func newResolver(t *testing.T) (*TimeoutResolver, *store.Store, *fakeLedger) {
	t.Helper()
	st, _ := newTestStore(t)
	chain := newFakeLedger()
	engine := NewSettlementEngine(st, chain, 300)
	return NewTimeoutResolver(st, engine, 90_000), st, chain
}

func TestResolveNoopBeforeDeadline(t *testing.T) {
	resolver, st, chain := newResolver(t)
	ctx := context.Background()

	m := playingMatch(t, st, "g_fresh", 1_000)

	latest, timedOut, err := resolver.ResolveIfExpired(ctx, m, m.DeadlineAt-1)
	require.NoError(t, err)
	assert.False(t, timedOut)
	assert.Equal(t, models.StatusPlaying, latest.Status)
	assert.Equal(t, 0, chain.transferCount())
}

func TestResolveForfeitsPlayerOnTurn(t *testing.T) {
	resolver, st, chain := newResolver(t)
	ctx := context.Background()

	m := playingMatch(t, st, "g_stall", 1_000) // X (creator) on turn

	latest, timedOut, err := resolver.ResolveIfExpired(ctx, m, m.DeadlineAt+1)
	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Equal(t, models.StatusFinished, latest.Status)
	assert.Equal(t, models.MarkO, latest.Winner, "the non-expired player wins")
	assert.Equal(t, "joiner_pk", latest.WinnerPubkey)
	assert.Equal(t, models.ReasonTimeout, latest.EndedReason)

	// Settlement ran inline off the same poll.
	require.Equal(t, 1, chain.transferCount())
	assert.Equal(t, "joiner_pk", chain.transfers[0].To)
	assert.NotEmpty(t, latest.PayoutSig)
}

func TestResolveIsIdempotent(t *testing.T) {
	resolver, st, chain := newResolver(t)
	ctx := context.Background()

	m := playingMatch(t, st, "g_twice", 1_000)
	deadline := m.DeadlineAt

	_, timedOut, err := resolver.ResolveIfExpired(ctx, m, deadline+1)
	require.NoError(t, err)
	require.True(t, timedOut)

	// A second observer of the same expiry sees the finished match and
	// changes nothing.
	fresh, err := st.Match(ctx, "g_twice")
	require.NoError(t, err)
	latest, timedOut, err := resolver.ResolveIfExpired(ctx, fresh, deadline+2)
	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Equal(t, models.StatusFinished, latest.Status)
	assert.Equal(t, 1, chain.transferCount())
}

func TestResolveDefersToLockHolder(t *testing.T) {
	resolver, st, chain := newResolver(t)
	ctx := context.Background()

	m := playingMatch(t, st, "g_held", 1_000)

	locked, err := st.AcquireLock(ctx, store.TimeoutLockKey("g_held"), timeoutLockTTL)
	require.NoError(t, err)
	require.True(t, locked)

	latest, timedOut, err := resolver.ResolveIfExpired(ctx, m, m.DeadlineAt+1)
	require.NoError(t, err)
	assert.True(t, timedOut, "expiry observed even while another worker resolves it")
	assert.Equal(t, models.StatusPlaying, latest.Status, "this worker changed nothing")
	assert.Equal(t, 0, chain.transferCount())
}

func TestResolveReinitializesMissingTimer(t *testing.T) {
	resolver, st, _ := newResolver(t)
	ctx := context.Background()

	// Legacy record: PLAYING but no timer fields at all.
	m := playingMatch(t, st, "g_legacy", 1_000)
	m.TurnStartedAt = 0
	m.DeadlineAt = 0
	m.MoveMs = 0
	require.NoError(t, st.PutMatch(ctx, m))

	serverNow := int64(500_000)
	latest, timedOut, err := resolver.ResolveIfExpired(ctx, m, serverNow)
	require.NoError(t, err)
	assert.False(t, timedOut, "missing timer is re-initialized, never instant-forfeited")
	assert.Equal(t, models.StatusPlaying, latest.Status)

	stored, err := st.Match(ctx, "g_legacy")
	require.NoError(t, err)
	assert.Equal(t, serverNow+90_000, stored.DeadlineAt, "re-initialized deadline persisted")

	// The re-initialized clock expires like any other.
	latest, timedOut, err = resolver.ResolveIfExpired(ctx, stored, stored.DeadlineAt+1)
	require.NoError(t, err)
	assert.True(t, timedOut)
	assert.Equal(t, models.StatusFinished, latest.Status)
}
