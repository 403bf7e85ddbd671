package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/buildvector/TicTacToe/ledger"
	"github.com/buildvector/TicTacToe/models"
	"github.com/buildvector/TicTacToe/store"
)

var ErrCorruptStake = errors.New("corrupt match: bad stake")

const settleLockTTL = 15 * time.Second

// SettlementEngine pays the winner (or refunds the creator) exactly once.
// The persisted transfer signature on the match record is the durable
// "settled" marker; the lock only closes the window between the unlocked
// fast-path check and the protected re-read. Crash after the intent write
// but before the signature write leaves a record that names who should
// have been paid, so a later call can retry.
type SettlementEngine struct {
	Store  *store.Store
	Ledger ledger.Client
	FeeBps int64
}

func NewSettlementEngine(s *store.Store, l ledger.Client, feeBps int64) *SettlementEngine {
	return &SettlementEngine{Store: s, Ledger: l, FeeBps: feeBps}
}

// SettlePayout pays the pot to the winner of a finished match.
// done=false with a nil error means another caller holds the settlement
// lock (or the match is not eligible); the caller re-reads and moves on.
func (e *SettlementEngine) SettlePayout(ctx context.Context, id string) (sig string, done bool, err error) {
	m, err := e.Store.Match(ctx, id)
	if err != nil {
		return "", false, err
	}
	if m.Status != models.StatusFinished || m.Winner == "" {
		return "", false, nil
	}
	if m.PayoutSig != "" {
		return m.PayoutSig, true, nil
	}

	locked, err := e.Store.AcquireLock(ctx, store.PayoutLockKey(id), settleLockTTL)
	if err != nil {
		return "", false, err
	}
	if !locked {
		return "", false, nil
	}

	// Mandatory re-read: another worker may have settled between the
	// fast-path check and lock acquisition.
	fresh, err := e.Store.Match(ctx, id)
	if err != nil {
		return "", false, err
	}
	if fresh.Status != models.StatusFinished || fresh.Winner == "" {
		return "", false, nil
	}
	if fresh.PayoutSig != "" {
		return fresh.PayoutSig, true, nil
	}

	winnerPk := fresh.WinnerPubkey
	if winnerPk == "" {
		winnerPk = fresh.PlayerFor(fresh.Winner)
	}
	if winnerPk == "" {
		return "", false, nil
	}
	if fresh.PotLamports <= 0 {
		return "", false, fmt.Errorf("%w: pot=%d", ErrCorruptStake, fresh.PotLamports)
	}

	// Record the intended payee before moving money. If we crash past this
	// point the record still says who the pot belongs to.
	fresh.WinnerPubkey = winnerPk
	if fresh.EndedReason == "" {
		fresh.EndedReason = models.ReasonWin
	}
	fresh.UpdatedAt = e.Store.NowMs(ctx)
	if err := e.Store.PutMatch(ctx, fresh); err != nil {
		return "", false, err
	}

	transferSig, err := e.Ledger.Transfer(ctx, winnerPk, uint64(fresh.PotLamports))
	if err != nil {
		return "", false, fmt.Errorf("payout transfer for %s: %w", id, err)
	}

	fresh.PayoutSig = transferSig
	fresh.UpdatedAt = e.Store.NowMs(ctx)
	if err := e.Store.PutMatch(ctx, fresh); err != nil {
		// The transfer happened; surface the write failure loudly so the
		// operator reconciles instead of a retry paying twice.
		return transferSig, true, fmt.Errorf("persist payout sig for %s: %w", id, err)
	}

	log.Printf("[SETTLE] match %s paid %d lamports to %s (%s)", id, fresh.PotLamports, winnerPk, transferSig)
	e.appendHistory(ctx, fresh, winnerPk, transferSig)
	return transferSig, true, nil
}

// SettleRefund returns the creator's fee-adjusted stake for a match
// cancelled while still unjoined. The LOBBY→FINISHED/CANCELLED transition
// itself happens under the refund lock so two concurrent cancels cannot
// both move money.
func (e *SettlementEngine) SettleRefund(ctx context.Context, id string) (sig string, done bool, err error) {
	m, err := e.Store.Match(ctx, id)
	if err != nil {
		return "", false, err
	}
	if m.RefundSig != "" {
		return m.RefundSig, true, nil
	}
	if !refundEligible(m) {
		return "", false, nil
	}

	locked, err := e.Store.AcquireLock(ctx, store.RefundLockKey(id), settleLockTTL)
	if err != nil {
		return "", false, err
	}
	if !locked {
		return "", false, nil
	}

	fresh, err := e.Store.Match(ctx, id)
	if err != nil {
		return "", false, err
	}
	if fresh.RefundSig != "" {
		return fresh.RefundSig, true, nil
	}
	if !refundEligible(fresh) {
		return "", false, nil
	}
	if fresh.BetLamports <= 0 {
		return "", false, fmt.Errorf("%w: bet=%d", ErrCorruptStake, fresh.BetLamports)
	}

	now := e.Store.NowMs(ctx)
	if fresh.Status == models.StatusLobby {
		fresh.Status = models.StatusFinished
		fresh.EndedReason = models.ReasonCancelled
		fresh.ClearTurnClock()
		fresh.UpdatedAt = now
		if err := e.Store.PutMatch(ctx, fresh); err != nil {
			return "", false, err
		}
		if err := e.Store.RemoveFromLobby(ctx, id); err != nil {
			log.Printf("[SETTLE] lobby prune failed for %s: %v", id, err)
		}
	}

	refund := NetAfterFee(fresh.BetLamports, e.FeeBps)
	transferSig, err := e.Ledger.Transfer(ctx, fresh.CreatedBy, uint64(refund))
	if err != nil {
		return "", false, fmt.Errorf("refund transfer for %s: %w", id, err)
	}

	fresh.RefundSig = transferSig
	fresh.UpdatedAt = e.Store.NowMs(ctx)
	if err := e.Store.PutMatch(ctx, fresh); err != nil {
		return transferSig, true, fmt.Errorf("persist refund sig for %s: %w", id, err)
	}

	log.Printf("[SETTLE] match %s refunded %d lamports to %s (%s)", id, refund, fresh.CreatedBy, transferSig)
	return transferSig, true, nil
}

// refundEligible: cancellable lobby, or an already-cancelled match whose
// refund transfer has not completed yet (earlier attempt failed mid-way).
func refundEligible(m *models.Match) bool {
	if m.JoinedBy != "" || m.PayoutSig != "" {
		return false
	}
	if m.Status == models.StatusLobby {
		return true
	}
	return m.Status == models.StatusFinished && m.EndedReason == models.ReasonCancelled
}

// appendHistory is best effort: a history failure must never fail or roll
// back a settlement that already moved money.
func (e *SettlementEngine) appendHistory(ctx context.Context, m *models.Match, winnerPk, sig string) {
	loser := m.JoinedBy
	if winnerPk == m.JoinedBy {
		loser = m.CreatedBy
	}
	entry := models.HistoryEntry{
		At:          e.Store.NowMs(ctx),
		GameID:      m.ID,
		BetLamports: m.BetLamports,
		Winner:      winnerPk,
		Loser:       loser,
		PayoutSig:   sig,
		EndedReason: m.EndedReason,
	}
	if err := e.Store.AppendHistory(ctx, entry); err != nil {
		log.Printf("[SETTLE] history append failed for %s: %v", m.ID, err)
	}
}
