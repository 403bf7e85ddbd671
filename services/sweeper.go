package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/buildvector/TicTacToe/models"
	"github.com/buildvector/TicTacToe/store"
)

// StartLobbySweeper prunes lobby-index entries whose match record is gone
// or no longer LOBBY. Housekeeping only: the index is a cache, and timeout
// resolution and settlement stay strictly evaluate-on-access.
func (s *MatchService) StartLobbySweeper() {
	sched, err := gocron.NewScheduler()
	if err != nil {
		log.Printf("[SWEEP] scheduler init failed: %v", err)
		return
	}
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			ids, err := s.Store.LobbyIDs(ctx, lobbyListLimit)
			if err != nil {
				log.Printf("[SWEEP] lobby range failed: %v", err)
				return
			}
			pruned := 0
			for _, id := range ids {
				m, err := s.Store.Match(ctx, id)
				stale := errors.Is(err, store.ErrNotFound) || (err == nil && m.Status != models.StatusLobby)
				if !stale {
					continue
				}
				if err := s.Store.RemoveFromLobby(ctx, id); err == nil {
					pruned++
				}
			}
			if pruned > 0 {
				log.Printf("[SWEEP] pruned %d stale lobby entries", pruned)
			}
		}),
	)
}
