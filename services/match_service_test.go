package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildvector/TicTacToe/models"
	"github.com/buildvector/TicTacToe/store"
)

func newTestApp(t *testing.T) (*fiber.App, *store.Store, *fakeLedger) {
	t.Helper()
	st, _ := newTestStore(t)
	chain := newFakeLedger()

	sessions := NewSessionService(st)
	verifier := NewPaymentVerifier(st, chain)
	engine := NewSettlementEngine(st, chain, 300)
	resolver := NewTimeoutResolver(st, engine, 90_000)
	svc := NewMatchService(st, sessions, verifier, engine, resolver, 90_000, 300, 5*time.Second)

	app := fiber.New()
	app.Get("/matches", svc.ListOpenMatches)
	app.Get("/matches/:id", svc.GetMatch)
	app.Get("/history", svc.GetHistory)
	app.Post("/matches", svc.CreateMatch)
	app.Post("/matches/:id/join", svc.JoinMatch)
	app.Post("/matches/:id/move", svc.SubmitMove)
	app.Post("/matches/:id/claim", svc.ClaimTimeout)
	app.Post("/matches/:id/cancel", svc.CancelMatch)
	return app, st, chain
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	}
	return resp.StatusCode, out
}

func TestFullMatchFlow(t *testing.T) {
	app, _, chain := newTestApp(t)

	chain.seedDeposit("dep_alice", "alice_pk", 100_000_000)
	code, resp := doJSON(t, app, "POST", "/matches", fiber.Map{
		"creatorPubkey": "alice_pk",
		"betLamports":   100_000_000,
		"paymentSig":    "dep_alice",
	})
	require.Equal(t, 200, code, "create: %v", resp)
	gameID := resp["gameId"].(string)
	aliceToken := resp["sessionToken"].(string)
	require.NotEmpty(t, gameID)
	require.NotEmpty(t, aliceToken)

	// The new match is discoverable.
	code, resp = doJSON(t, app, "GET", "/matches", nil)
	require.Equal(t, 200, code)
	require.Len(t, resp["games"], 1)

	chain.seedDeposit("dep_bob", "bob_pk", 100_000_000)
	code, resp = doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/join", gameID), fiber.Map{
		"joinerPubkey": "bob_pk",
		"paymentSig":   "dep_bob",
	})
	require.Equal(t, 200, code, "join: %v", resp)
	bobToken := resp["sessionToken"].(string)
	game := resp["game"].(map[string]any)
	assert.Equal(t, "PLAYING", game["status"])
	assert.Equal(t, float64(194_000_000), game["potLamports"])
	assert.Positive(t, game["deadlineAt"].(float64))

	// Joined match leaves the lobby.
	code, resp = doJSON(t, app, "GET", "/matches", nil)
	require.Equal(t, 200, code)
	require.Empty(t, resp["games"])

	tokens := map[string]string{"alice_pk": aliceToken, "bob_pk": bobToken}
	xPlayer := game["xPlayer"].(string)
	oPlayer := game["oPlayer"].(string)

	move := func(pubkey string, index int) (int, map[string]any) {
		return doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/move", gameID), fiber.Map{
			"sessionToken": tokens[pubkey],
			"index":        index,
		})
	}

	// Out-of-turn and claim-before-deadline are rejected cleanly.
	code, resp = move(oPlayer, 0)
	assert.Equal(t, 400, code)
	assert.Equal(t, "not your turn", resp["error"])
	code, resp = doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/claim", gameID), fiber.Map{
		"sessionToken": tokens[oPlayer],
	})
	assert.Equal(t, 400, code)
	assert.Equal(t, "not timed out yet", resp["error"])

	// X takes the top row: 0, 1, 2 with O answering 3, 4.
	for _, step := range []struct {
		pubkey string
		index  int
	}{
		{xPlayer, 0}, {oPlayer, 3}, {xPlayer, 1},
	} {
		code, resp = move(step.pubkey, step.index)
		require.Equal(t, 200, code, "move %v: %v", step, resp)
	}

	// Occupied cell is a typed rejection.
	code, resp = move(oPlayer, 0)
	assert.Equal(t, 400, code)
	assert.Equal(t, "cell occupied", resp["error"])

	code, resp = move(oPlayer, 4)
	require.Equal(t, 200, code)

	code, resp = move(xPlayer, 2)
	require.Equal(t, 200, code, "winning move: %v", resp)
	game = resp["game"].(map[string]any)
	assert.Equal(t, "FINISHED", game["status"])
	assert.Equal(t, xPlayer, game["winnerPubkey"])
	payoutSig := resp["payoutSig"].(string)
	require.NotEmpty(t, payoutSig)

	// Exactly one transfer of exactly the pot.
	require.Equal(t, 1, chain.transferCount())
	assert.Equal(t, xPlayer, chain.transfers[0].To)
	assert.Equal(t, uint64(194_000_000), chain.transfers[0].Lamports)

	// A further move on the finished match just echoes the result.
	code, resp = move(oPlayer, 5)
	require.Equal(t, 200, code)
	assert.Equal(t, payoutSig, resp["payoutSig"])
	assert.Positive(t, resp["serverNowMs"].(float64))
	require.Equal(t, 1, chain.transferCount())

	code, resp = doJSON(t, app, "GET", "/history", nil)
	require.Equal(t, 200, code)
	history := resp["history"].([]any)
	require.Len(t, history, 1)
	entry := history[0].(map[string]any)
	assert.Equal(t, xPlayer, entry["winner"])
	assert.Equal(t, payoutSig, entry["payoutSig"])
}

func TestUsedPaymentRejectedOnEveryEndpoint(t *testing.T) {
	app, _, chain := newTestApp(t)

	chain.seedDeposit("dep_1", "alice_pk", 100_000_000)
	code, resp := doJSON(t, app, "POST", "/matches", fiber.Map{
		"creatorPubkey": "alice_pk",
		"betLamports":   100_000_000,
		"paymentSig":    "dep_1",
	})
	require.Equal(t, 200, code, "create: %v", resp)
	gameID := resp["gameId"].(string)

	// Same signature cannot create a second match...
	code, resp = doJSON(t, app, "POST", "/matches", fiber.Map{
		"creatorPubkey": "alice_pk",
		"betLamports":   100_000_000,
		"paymentSig":    "dep_1",
	})
	assert.Equal(t, 400, code)
	assert.Contains(t, resp["error"], "payment already used")

	// ...nor satisfy a join.
	code, resp = doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/join", gameID), fiber.Map{
		"joinerPubkey": "bob_pk",
		"paymentSig":   "dep_1",
	})
	assert.Equal(t, 400, code)
	assert.Contains(t, resp["error"], "payment already used")
}

func TestSessionBoundToOneMatch(t *testing.T) {
	app, _, chain := newTestApp(t)

	chain.seedDeposit("dep_a", "alice_pk", 100_000_000)
	code, resp := doJSON(t, app, "POST", "/matches", fiber.Map{
		"creatorPubkey": "alice_pk",
		"betLamports":   100_000_000,
		"paymentSig":    "dep_a",
	})
	require.Equal(t, 200, code)
	tokenA := resp["sessionToken"].(string)

	chain.seedDeposit("dep_b", "alice_pk", 100_000_000)
	code, resp = doJSON(t, app, "POST", "/matches", fiber.Map{
		"creatorPubkey": "alice_pk",
		"betLamports":   100_000_000,
		"paymentSig":    "dep_b",
	})
	require.Equal(t, 200, code)
	gameB := resp["gameId"].(string)

	// Match A's token is rejected on match B.
	code, resp = doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/move", gameB), fiber.Map{
		"sessionToken": tokenA,
		"index":        0,
	})
	assert.Equal(t, 401, code)
	assert.Equal(t, "session not valid for this match", resp["error"])

	code, resp = doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/cancel", gameB), fiber.Map{
		"sessionToken": tokenA,
	})
	assert.Equal(t, 401, code)
}

func TestCancelRefundsOnce(t *testing.T) {
	app, _, chain := newTestApp(t)

	chain.seedDeposit("dep_c", "carol_pk", 100_000_000)
	code, resp := doJSON(t, app, "POST", "/matches", fiber.Map{
		"creatorPubkey": "carol_pk",
		"betLamports":   100_000_000,
		"paymentSig":    "dep_c",
	})
	require.Equal(t, 200, code)
	gameID := resp["gameId"].(string)
	token := resp["sessionToken"].(string)

	code, resp = doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/cancel", gameID), fiber.Map{
		"sessionToken": token,
	})
	require.Equal(t, 200, code, "cancel: %v", resp)
	refundSig := resp["refundSig"].(string)
	require.NotEmpty(t, refundSig)
	assert.Positive(t, resp["serverNowMs"].(float64))

	// Second cancel returns the same signature without a second transfer.
	code, resp = doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/cancel", gameID), fiber.Map{
		"sessionToken": token,
	})
	require.Equal(t, 200, code)
	assert.Equal(t, refundSig, resp["refundSig"])
	assert.Positive(t, resp["serverNowMs"].(float64))
	require.Equal(t, 1, chain.transferCount())
	assert.Equal(t, "carol_pk", chain.transfers[0].To)
	assert.Equal(t, uint64(97_000_000), chain.transfers[0].Lamports)

	// The cancelled match leaves the lobby.
	code, resp = doJSON(t, app, "GET", "/matches", nil)
	require.Equal(t, 200, code)
	assert.Empty(t, resp["games"])
}

func TestMoveContentionLeavesBoardUntouched(t *testing.T) {
	app, st, chain := newTestApp(t)

	chain.seedDeposit("dep_a", "alice_pk", 100_000_000)
	code, resp := doJSON(t, app, "POST", "/matches", fiber.Map{
		"creatorPubkey": "alice_pk",
		"betLamports":   100_000_000,
		"paymentSig":    "dep_a",
	})
	require.Equal(t, 200, code)
	gameID := resp["gameId"].(string)
	aliceToken := resp["sessionToken"].(string)

	chain.seedDeposit("dep_b", "bob_pk", 100_000_000)
	code, resp = doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/join", gameID), fiber.Map{
		"joinerPubkey": "bob_pk",
		"paymentSig":   "dep_b",
	})
	require.Equal(t, 200, code)
	bobToken := resp["sessionToken"].(string)
	game := resp["game"].(map[string]any)
	tokens := map[string]string{"alice_pk": aliceToken, "bob_pk": bobToken}
	xToken := tokens[game["xPlayer"].(string)]

	// Another worker holds the move lock mid-write: the request gets a
	// 200 snapshot and nothing lands on the board.
	ctx := context.Background()
	locked, err := st.AcquireLock(ctx, store.MoveLockKey(gameID), 5*time.Second)
	require.NoError(t, err)
	require.True(t, locked)

	code, resp = doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/move", gameID), fiber.Map{
		"sessionToken": xToken,
		"index":        0,
	})
	require.Equal(t, 200, code)
	game = resp["game"].(map[string]any)
	assert.Equal(t, "", game["board"].([]any)[0])
	assert.Equal(t, float64(0), game["moves"])

	m, err := st.Match(ctx, gameID)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Moves, "contended move must not mutate the match")

	// Lock released: the retried move is the only one that ever lands.
	st.ReleaseLock(ctx, store.MoveLockKey(gameID))
	code, resp = doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/move", gameID), fiber.Map{
		"sessionToken": xToken,
		"index":        0,
	})
	require.Equal(t, 200, code)
	game = resp["game"].(map[string]any)
	assert.Equal(t, "X", game["board"].([]any)[0])
	assert.Equal(t, float64(1), game["moves"])
}

func TestTimeoutResolvedByPoll(t *testing.T) {
	app, st, chain := newTestApp(t)

	chain.seedDeposit("dep_a", "alice_pk", 100_000_000)
	code, resp := doJSON(t, app, "POST", "/matches", fiber.Map{
		"creatorPubkey": "alice_pk",
		"betLamports":   100_000_000,
		"paymentSig":    "dep_a",
	})
	require.Equal(t, 200, code)
	gameID := resp["gameId"].(string)

	chain.seedDeposit("dep_b", "bob_pk", 100_000_000)
	code, _ = doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/join", gameID), fiber.Map{
		"joinerPubkey": "bob_pk",
		"paymentSig":   "dep_b",
	})
	require.Equal(t, 200, code)

	// Backdate the deadline: the turn expired long ago.
	ctx := context.Background()
	m, err := st.Match(ctx, gameID)
	require.NoError(t, err)
	onTurn := m.PlayerFor(m.Turn)
	winner := m.PlayerFor(models.Other(m.Turn))
	m.TurnStartedAt = 1
	m.DeadlineAt = 2
	require.NoError(t, st.PutMatch(ctx, m))

	// A plain read is enough to resolve the forfeit and pay the winner.
	code, resp = doJSON(t, app, "GET", fmt.Sprintf("/matches/%s", gameID), nil)
	require.Equal(t, 200, code)
	game := resp["game"].(map[string]any)
	assert.Equal(t, "FINISHED", game["status"])
	assert.Equal(t, "TIMEOUT", game["endedReason"])
	assert.Equal(t, winner, game["winnerPubkey"])
	assert.NotEqual(t, onTurn, game["winnerPubkey"])

	require.Equal(t, 1, chain.transferCount())
	assert.Equal(t, winner, chain.transfers[0].To)
	assert.Equal(t, uint64(194_000_000), chain.transfers[0].Lamports)
}

func TestJoinValidation(t *testing.T) {
	app, _, chain := newTestApp(t)

	chain.seedDeposit("dep_a", "alice_pk", 100_000_000)
	code, resp := doJSON(t, app, "POST", "/matches", fiber.Map{
		"creatorPubkey": "alice_pk",
		"betLamports":   100_000_000,
		"paymentSig":    "dep_a",
	})
	require.Equal(t, 200, code)
	gameID := resp["gameId"].(string)

	// Creator cannot join their own match.
	chain.seedDeposit("dep_a2", "alice_pk", 100_000_000)
	code, resp = doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/join", gameID), fiber.Map{
		"joinerPubkey": "alice_pk",
		"paymentSig":   "dep_a2",
	})
	assert.Equal(t, 400, code)
	assert.Equal(t, "cannot join your own match", resp["error"])

	// Unknown match.
	code, _ = doJSON(t, app, "POST", "/matches/g_missing/join", fiber.Map{
		"joinerPubkey": "bob_pk",
		"paymentSig":   "dep_a2",
	})
	assert.Equal(t, 404, code)

	// Wrong-amount deposit fails verification and consumes nothing.
	chain.seedDeposit("dep_small", "bob_pk", 50_000_000)
	code, resp = doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/join", gameID), fiber.Map{
		"joinerPubkey": "bob_pk",
		"paymentSig":   "dep_small",
	})
	assert.Equal(t, 400, code, "join: %v", resp)

	// The match is still joinable with a correct deposit.
	chain.seedDeposit("dep_ok", "bob_pk", 100_000_000)
	code, resp = doJSON(t, app, "POST", fmt.Sprintf("/matches/%s/join", gameID), fiber.Map{
		"joinerPubkey": "bob_pk",
		"paymentSig":   "dep_ok",
	})
	require.Equal(t, 200, code, "join: %v", resp)
}
