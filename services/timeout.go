package services

import (
	"context"
	"log"
	"time"

	"github.com/buildvector/TicTacToe/models"
	"github.com/buildvector/TicTacToe/store"
)

const timeoutLockTTL = 15 * time.Second

// TimeoutResolver forfeits stalled matches. There is no background timer:
// whichever request happens to observe an expired deadline resolves it,
// inside the same lock discipline as every other transition.
type TimeoutResolver struct {
	Store      *store.Store
	Settlement *SettlementEngine
	MoveMs     int64
}

func NewTimeoutResolver(s *store.Store, engine *SettlementEngine, moveMs int64) *TimeoutResolver {
	return &TimeoutResolver{Store: s, Settlement: engine, MoveMs: moveMs}
}

// EnsureDeadline re-initializes the turn clock once for records missing
// valid timer fields, instead of treating them as already expired. Returns
// true when it changed the match.
func (r *TimeoutResolver) EnsureDeadline(m *models.Match, serverNow int64) bool {
	if m.Status != models.StatusPlaying {
		return false
	}
	if m.DeadlineAt > 0 {
		return false
	}
	m.StartTurn(serverNow, r.MoveMs)
	return true
}

// ResolveIfExpired checks the deadline and, when it has passed, forfeits
// the player whose turn it is. Returns the freshest known match and
// whether the deadline had expired. A lock miss means another worker is
// resolving the same expiry; we just re-read and report its outcome.
func (r *TimeoutResolver) ResolveIfExpired(ctx context.Context, m *models.Match, serverNow int64) (*models.Match, bool, error) {
	if r.EnsureDeadline(m, serverNow) {
		if err := r.Store.PutMatch(ctx, m); err != nil {
			return m, false, err
		}
	}
	if m.Status == models.StatusFinished {
		// Already resolved, by this expiry or a final move; nothing to do.
		return m, true, nil
	}
	if m.Status != models.StatusPlaying {
		return m, false, nil
	}
	if m.DeadlineAt <= 0 || serverNow <= m.DeadlineAt {
		return m, false, nil
	}

	locked, err := r.Store.AcquireLock(ctx, store.TimeoutLockKey(m.ID), timeoutLockTTL)
	if err != nil {
		return m, false, err
	}
	if !locked {
		latest, err := r.Store.Match(ctx, m.ID)
		if err != nil {
			return m, true, err
		}
		return latest, true, nil
	}

	// Re-read after the lock: the move or timeout we raced against may
	// have already landed.
	fresh, err := r.Store.Match(ctx, m.ID)
	if err != nil {
		return m, false, err
	}
	if fresh.Status == models.StatusFinished {
		return fresh, true, nil
	}
	if fresh.Status != models.StatusPlaying {
		return fresh, false, nil
	}
	if r.EnsureDeadline(fresh, serverNow) {
		if err := r.Store.PutMatch(ctx, fresh); err != nil {
			return fresh, false, err
		}
	}
	if serverNow <= fresh.DeadlineAt {
		return fresh, false, nil
	}

	// The player on turn ran out of time; the other mark wins by forfeit.
	winnerMark := models.Other(fresh.Turn)
	winnerPk := fresh.PlayerFor(winnerMark)
	if winnerPk == "" {
		// Half-initialized record; leave it rather than brick the state.
		return fresh, false, nil
	}

	fresh.Status = models.StatusFinished
	fresh.Winner = winnerMark
	fresh.WinnerPubkey = winnerPk
	fresh.EndedReason = models.ReasonTimeout
	fresh.ClearTurnClock()
	fresh.UpdatedAt = serverNow
	if err := r.Store.PutMatch(ctx, fresh); err != nil {
		return fresh, false, err
	}
	log.Printf("[TIMEOUT] match %s forfeited by %s, %s wins", fresh.ID, fresh.PlayerFor(fresh.Turn), winnerPk)

	if _, _, err := r.Settlement.SettlePayout(ctx, fresh.ID); err != nil {
		// Settlement stays retryable on the next poll; the forfeit itself
		// already stuck.
		log.Printf("[TIMEOUT] settlement after forfeit failed for %s: %v", fresh.ID, err)
	}

	latest, err := r.Store.Match(ctx, fresh.ID)
	if err != nil {
		return fresh, true, nil
	}
	return latest, true, nil
}
