package workers

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/buildvector/TicTacToe/models"
	"github.com/buildvector/TicTacToe/store"
)

// ArchiveWorker mirrors the bounded redis history log into Postgres so
// completed matches survive the list trim. The redis list stays
// authoritative for the history endpoint; this table is display archive
// only and nothing reads it on the request path.
type ArchiveWorker struct {
	DB    *gorm.DB
	Store *store.Store
}

func NewArchiveWorker(db *gorm.DB, s *store.Store) *ArchiveWorker {
	return &ArchiveWorker{DB: db, Store: s}
}

func (w *ArchiveWorker) syncOnce(ctx context.Context) error {
	entries, err := w.Store.History(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.PayoutSig == "" {
			continue
		}
		row := models.MatchArchive{
			GameID:      e.GameID,
			BetLamports: e.BetLamports,
			Winner:      e.Winner,
			Loser:       e.Loser,
			PayoutSig:   e.PayoutSig,
			EndedReason: string(e.EndedReason),
			EndedAt:     e.At,
		}
		// Payout signatures are unique per settlement, so replays of the
		// same list entry collapse into one row.
		err := w.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "payout_sig"}},
			DoNothing: true,
		}).Create(&row).Error
		if err != nil {
			log.Printf("[ARCHIVE] upsert failed for %s: %v", e.GameID, err)
		}
	}
	return nil
}

// PollHistory runs the mirror loop until ctx is cancelled.
func PollHistory(ctx context.Context, w *ArchiveWorker, pollInterval time.Duration) {
	log.Println("Starting match history archive worker...")
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Archive worker stopping...")
			return
		case <-ticker.C:
			if err := w.syncOnce(ctx); err != nil {
				log.Printf("[ARCHIVE] sync failed: %v", err)
			}
		}
	}
}
