package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/buildvector/TicTacToe/ledger"
	"github.com/buildvector/TicTacToe/models"
	"github.com/buildvector/TicTacToe/store"
)

const (
	moveLockTTL = 5 * time.Second
	joinLockTTL = 10 * time.Second

	lobbyListLimit = 50
)

// MatchService carries the HTTP handlers for the match lifecycle. Handlers
// are stateless: every request loads the match record, runs it through the
// state machine and/or the timeout resolver, and hands finished matches to
// the settlement engine.
type MatchService struct {
	Store      *store.Store
	Sessions   *SessionService
	Verifier   *PaymentVerifier
	Settlement *SettlementEngine
	Timeout    *TimeoutResolver

	MoveMs        int64
	FeeBps        int64
	LedgerTimeout time.Duration
}

func NewMatchService(s *store.Store, sessions *SessionService, verifier *PaymentVerifier,
	engine *SettlementEngine, resolver *TimeoutResolver, moveMs, feeBps int64, ledgerTimeout time.Duration) *MatchService {
	return &MatchService{
		Store:         s,
		Sessions:      sessions,
		Verifier:      verifier,
		Settlement:    engine,
		Timeout:       resolver,
		MoveMs:        moveMs,
		FeeBps:        feeBps,
		LedgerTimeout: ledgerTimeout,
	}
}

// ledgerCtx bounds every request path that may talk to the external
// ledger; an overrun surfaces as a retryable server error, never a hang.
func (s *MatchService) ledgerCtx(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Context(), s.LedgerTimeout)
}

type createMatchRequest struct {
	CreatorPubkey string `json:"creatorPubkey"`
	BetLamports   int64  `json:"betLamports"`
	PaymentSig    string `json:"paymentSig"`
}

func (s *MatchService) CreateMatch(c *fiber.Ctx) error {
	var req createMatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if req.CreatorPubkey == "" || req.BetLamports <= 0 {
		return c.Status(400).JSON(fiber.Map{"error": "creatorPubkey and positive betLamports are required"})
	}

	ctx, cancel := s.ledgerCtx(c)
	defer cancel()

	paymentSig, err := s.Verifier.Consume(ctx, req.PaymentSig, req.CreatorPubkey, req.BetLamports)
	if err != nil {
		return paymentError(c, err)
	}

	now := s.Store.NowMs(ctx)
	m := &models.Match{
		ID:          "g_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		BetLamports: req.BetLamports,
		PotLamports: NetAfterFee(req.BetLamports, s.FeeBps),
		CreatedBy:   req.CreatorPubkey,
		Status:      models.StatusLobby,
		Turn:        models.MarkX,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Store.PutMatch(ctx, m); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to store match"})
	}
	if err := s.Store.AddToLobby(ctx, m.ID, now); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to index match"})
	}

	token, err := s.Sessions.Create(ctx, req.CreatorPubkey)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to create session"})
	}
	if err := s.Sessions.Bind(ctx, token, m.ID); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to bind session"})
	}

	log.Printf("[MATCH] %s created by %s, stake %d (deposit %s)", m.ID, req.CreatorPubkey, req.BetLamports, paymentSig)
	return c.JSON(fiber.Map{
		"ok":           true,
		"gameId":       m.ID,
		"sessionToken": token,
		"serverNowMs":  now,
	})
}

type joinMatchRequest struct {
	JoinerPubkey string `json:"joinerPubkey"`
	PaymentSig   string `json:"paymentSig"`
}

func (s *MatchService) JoinMatch(c *fiber.Ctx) error {
	id := c.Params("id")
	var req joinMatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if id == "" || req.JoinerPubkey == "" || req.PaymentSig == "" {
		return c.Status(400).JSON(fiber.Map{"error": "match id, joinerPubkey and paymentSig are required"})
	}

	ctx, cancel := s.ledgerCtx(c)
	defer cancel()

	m, err := s.Store.Match(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "match not found"})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to load match"})
	}
	if m.Status != models.StatusLobby {
		return c.Status(400).JSON(fiber.Map{"error": "not joinable"})
	}
	if m.CreatedBy == req.JoinerPubkey {
		return c.Status(400).JSON(fiber.Map{"error": "cannot join your own match"})
	}
	if m.BetLamports <= 0 {
		return c.Status(500).JSON(fiber.Map{"error": "corrupt match: bad stake"})
	}

	used, err := s.Store.PaymentUsed(ctx, req.PaymentSig)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to check payment"})
	}
	if used {
		return c.Status(400).JSON(fiber.Map{"error": "payment already used"})
	}
	if err := s.Verifier.Verify(ctx, req.PaymentSig, req.JoinerPubkey, m.BetLamports); err != nil {
		return paymentError(c, err)
	}

	// The LOBBY→PLAYING transition happens under a lock so two verified
	// joiners cannot both be seated; the loser's deposit stays unconsumed.
	joinLock := store.JoinLockKey(id)
	locked, err := s.Store.AcquireLock(ctx, joinLock, joinLockTTL)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to coordinate join"})
	}
	if !locked {
		return c.Status(400).JSON(fiber.Map{"error": "not joinable"})
	}
	defer s.Store.ReleaseLock(ctx, joinLock)

	fresh, err := s.Store.Match(ctx, id)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to load match"})
	}
	if fresh.Status != models.StatusLobby {
		return c.Status(400).JSON(fiber.Map{"error": "not joinable"})
	}

	// The join lock serializes joiners of THIS match only; a racing join
	// on another match could present the same deposit. The atomic claim of
	// the marker decides who gets credited.
	claimed, err := s.Store.MarkPaymentUsed(ctx, req.PaymentSig)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to mark payment"})
	}
	if !claimed {
		return c.Status(400).JSON(fiber.Map{"error": "payment already used"})
	}

	now := s.Store.NowMs(ctx)
	fresh.JoinedBy = req.JoinerPubkey
	fresh.PotLamports += NetAfterFee(fresh.BetLamports, s.FeeBps)
	fresh.AssignMarks(req.JoinerPubkey)
	fresh.Board = [9]models.Mark{}
	fresh.Turn = models.MarkX
	fresh.Moves = 0
	fresh.Status = models.StatusPlaying
	fresh.StartTurn(now, s.MoveMs)

	if err := s.Store.PutMatch(ctx, fresh); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to store match"})
	}
	if err := s.Store.RemoveFromLobby(ctx, id); err != nil {
		log.Printf("[MATCH] lobby prune failed for %s: %v", id, err)
	}

	token, err := s.Sessions.Create(ctx, req.JoinerPubkey)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to create session"})
	}
	if err := s.Sessions.Bind(ctx, token, id); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to bind session"})
	}

	log.Printf("[MATCH] %s joined by %s, pot %d", id, req.JoinerPubkey, fresh.PotLamports)
	return c.JSON(fiber.Map{
		"ok":           true,
		"game":         fresh,
		"sessionToken": token,
		"serverNowMs":  now,
	})
}

type moveRequest struct {
	SessionToken string `json:"sessionToken"`
	Index        *int   `json:"index"`
}

func (s *MatchService) SubmitMove(c *fiber.Ctx) error {
	id := c.Params("id")
	var req moveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if id == "" || req.SessionToken == "" {
		return c.Status(400).JSON(fiber.Map{"error": "match id and sessionToken are required"})
	}
	if req.Index == nil {
		return c.Status(400).JSON(fiber.Map{"error": "index is required"})
	}

	ctx, cancel := s.ledgerCtx(c)
	defer cancel()

	sess, err := s.Sessions.Require(ctx, req.SessionToken, id)
	if err != nil {
		return sessionError(c, err)
	}

	m, err := s.Store.Match(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "match not found"})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to load match"})
	}
	now := s.Store.NowMs(ctx)
	if m.Status == models.StatusFinished {
		return c.JSON(fiber.Map{"ok": true, "game": m, "payoutSig": m.PayoutSig, "serverNowMs": now})
	}
	if m.Status != models.StatusPlaying {
		return c.Status(400).JSON(fiber.Map{"error": "not playing"})
	}

	// Expired deadline beats the incoming move, even a first move that
	// never came: resolve the forfeit and report the result.
	latest, timedOut, err := s.Timeout.ResolveIfExpired(ctx, m, now)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to resolve timeout"})
	}
	if timedOut {
		return c.JSON(fiber.Map{"ok": true, "game": latest, "payoutSig": latest.PayoutSig, "serverNowMs": now})
	}

	// Short lock around the read-modify-write so two racing moves cannot
	// both land on the same board snapshot. A miss is contention, not an
	// error: return the best known state and let the client re-poll.
	lockKey := store.MoveLockKey(id)
	locked, err := s.Store.AcquireLock(ctx, lockKey, moveLockTTL)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to coordinate move"})
	}
	if !locked {
		return c.JSON(fiber.Map{"ok": true, "game": latest, "serverNowMs": now})
	}
	defer s.Store.ReleaseLock(ctx, lockKey)

	fresh, err := s.Store.Match(ctx, id)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to load match"})
	}
	if fresh.Status == models.StatusFinished {
		return c.JSON(fiber.Map{"ok": true, "game": fresh, "payoutSig": fresh.PayoutSig, "serverNowMs": now})
	}
	if fresh.Status != models.StatusPlaying {
		return c.Status(400).JSON(fiber.Map{"error": "not playing"})
	}
	if fresh.PlayerFor(fresh.Turn) != sess.Pubkey {
		return c.Status(400).JSON(fiber.Map{"error": "not your turn"})
	}

	res, err := fresh.ApplyMove(*req.Index, now)
	if err != nil {
		// Typed rejection: nothing was mutated, nothing to persist.
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}

	if res.Finished {
		fresh.WinnerPubkey = fresh.PlayerFor(res.Winner)
		if fresh.EndedReason == "" {
			fresh.EndedReason = models.ReasonWin
		}
		if err := s.Store.PutMatch(ctx, fresh); err != nil {
			return c.Status(500).JSON(fiber.Map{"error": "failed to store match"})
		}

		sig, _, err := s.Settlement.SettlePayout(ctx, id)
		if err != nil {
			log.Printf("[MATCH] settlement failed for %s: %v", id, err)
			return c.Status(500).JSON(fiber.Map{"error": "settlement failed, will retry"})
		}
		final, err := s.Store.Match(ctx, id)
		if err != nil {
			final = fresh
		}
		return c.JSON(fiber.Map{"ok": true, "game": final, "payoutSig": sig, "serverNowMs": now})
	}

	// Normal move or draw reset: re-arm the clock for the next turn.
	fresh.StartTurn(now, s.MoveMs)
	if err := s.Store.PutMatch(ctx, fresh); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to store match"})
	}
	return c.JSON(fiber.Map{"ok": true, "game": fresh, "drawReset": res.DrawReset, "serverNowMs": now})
}

type claimRequest struct {
	SessionToken string `json:"sessionToken"`
}

// ClaimTimeout lets a client explicitly ask for timeout evaluation instead
// of waiting for the next poll to trip it.
func (s *MatchService) ClaimTimeout(c *fiber.Ctx) error {
	id := c.Params("id")
	var req claimRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if id == "" || req.SessionToken == "" {
		return c.Status(400).JSON(fiber.Map{"error": "match id and sessionToken are required"})
	}

	ctx, cancel := s.ledgerCtx(c)
	defer cancel()

	if _, err := s.Sessions.Require(ctx, req.SessionToken, id); err != nil {
		return sessionError(c, err)
	}

	m, err := s.Store.Match(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "match not found"})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to load match"})
	}
	now := s.Store.NowMs(ctx)
	if m.Status == models.StatusFinished {
		return c.JSON(fiber.Map{"ok": true, "game": m, "payoutSig": m.PayoutSig, "serverNowMs": now})
	}
	if m.Status != models.StatusPlaying {
		return c.Status(400).JSON(fiber.Map{"error": "not playing"})
	}

	latest, timedOut, err := s.Timeout.ResolveIfExpired(ctx, m, now)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to resolve timeout"})
	}
	if !timedOut {
		return c.Status(400).JSON(fiber.Map{"error": "not timed out yet"})
	}
	return c.JSON(fiber.Map{"ok": true, "game": latest, "payoutSig": latest.PayoutSig, "serverNowMs": now})
}

type cancelRequest struct {
	SessionToken string `json:"sessionToken"`
}

// CancelMatch refunds the creator of a still-unjoined lobby match. The
// refund runs through the settlement engine so two concurrent cancels
// produce exactly one transfer.
func (s *MatchService) CancelMatch(c *fiber.Ctx) error {
	id := c.Params("id")
	var req cancelRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid JSON", "details": err.Error()})
	}
	if id == "" || req.SessionToken == "" {
		return c.Status(400).JSON(fiber.Map{"error": "match id and sessionToken are required"})
	}

	ctx, cancel := s.ledgerCtx(c)
	defer cancel()

	sess, err := s.Sessions.Require(ctx, req.SessionToken, id)
	if err != nil {
		return sessionError(c, err)
	}

	m, err := s.Store.Match(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "match not found"})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to load match"})
	}
	now := s.Store.NowMs(ctx)
	if m.RefundSig != "" {
		return c.JSON(fiber.Map{"ok": true, "refundSig": m.RefundSig, "game": m, "serverNowMs": now})
	}
	if m.CreatedBy != sess.Pubkey {
		return c.Status(400).JSON(fiber.Map{"error": "leave not allowed here"})
	}
	cancellable := m.Status == models.StatusLobby && m.JoinedBy == ""
	retryable := m.Status == models.StatusFinished && m.EndedReason == models.ReasonCancelled
	if !cancellable && !retryable {
		return c.Status(400).JSON(fiber.Map{"error": "leave not allowed here"})
	}

	sig, done, err := s.Settlement.SettleRefund(ctx, id)
	if err != nil {
		log.Printf("[MATCH] refund failed for %s: %v", id, err)
		return c.Status(500).JSON(fiber.Map{"error": "refund failed, will retry"})
	}

	final, ferr := s.Store.Match(ctx, id)
	if ferr != nil {
		final = m
	}
	if !done {
		// Another caller is mid-refund; hand back the current snapshot.
		return c.JSON(fiber.Map{"ok": true, "game": final, "refundSig": final.RefundSig, "serverNowMs": now})
	}
	return c.JSON(fiber.Map{"ok": true, "refundSig": sig, "game": final, "serverNowMs": now})
}

func (s *MatchService) GetMatch(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(400).JSON(fiber.Map{"error": "match id required"})
	}

	ctx, cancel := s.ledgerCtx(c)
	defer cancel()

	m, err := s.Store.Match(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(404).JSON(fiber.Map{"error": "match not found"})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to load match"})
	}

	now := s.Store.NowMs(ctx)
	if m.Status == models.StatusPlaying {
		// Poll-driven resolution: a read is enough to forfeit an expired
		// turn, no client action required.
		latest, _, err := s.Timeout.ResolveIfExpired(ctx, m, now)
		if err == nil {
			m = latest
		}
	}
	return c.JSON(fiber.Map{"game": m, "payoutSig": m.PayoutSig, "serverNowMs": now})
}

func (s *MatchService) ListOpenMatches(c *fiber.Ctx) error {
	ctx := c.Context()
	ids, err := s.Store.LobbyIDs(ctx, lobbyListLimit)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to list matches"})
	}

	games := make([]*models.Match, 0, len(ids))
	for _, id := range ids {
		m, err := s.Store.Match(ctx, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && m.Status != models.StatusLobby) {
			// The index is a cache; drop entries the source of truth
			// no longer backs.
			_ = s.Store.RemoveFromLobby(ctx, id)
			continue
		}
		if err != nil {
			continue
		}
		games = append(games, m)
	}
	return c.JSON(fiber.Map{"games": games, "serverNowMs": s.Store.NowMs(ctx)})
}

func (s *MatchService) GetHistory(c *fiber.Ctx) error {
	entries, err := s.Store.History(c.Context())
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "failed to read history"})
	}
	return c.JSON(fiber.Map{"history": entries})
}

func sessionError(c *fiber.Ctx, err error) error {
	if errors.Is(err, ErrSessionInvalid) || errors.Is(err, ErrSessionWrongMatch) {
		return c.Status(401).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(500).JSON(fiber.Map{"error": "session lookup failed"})
}

func paymentError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ErrPaymentUsed),
		errors.Is(err, ErrPaymentMismatch),
		errors.Is(err, ErrNoMatchingPayment):
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, ledger.ErrTxNotFound):
		return c.Status(400).JSON(fiber.Map{"error": "payment transaction not found or not confirmed yet"})
	default:
		return c.Status(500).JSON(fiber.Map{"error": "payment verification failed", "details": err.Error()})
	}
}
