package models

import "time"

// HistoryEntry is one completed match in the bounded recent-games log.
// Display only; the match record stays authoritative.
type HistoryEntry struct {
	At          int64       `json:"at"`
	GameID      string      `json:"gameId"`
	BetLamports int64       `json:"betLamports"`
	Winner      string      `json:"winner"`
	Loser       string      `json:"loser,omitempty"`
	PayoutSig   string      `json:"payoutSig"`
	EndedReason EndedReason `json:"endedReason"`
}

// MatchArchive mirrors history entries into Postgres for durable display
// history. The redis list is trimmed to the most recent entries; this table
// keeps everything the archive worker has ever seen.
type MatchArchive struct {
	ID          string `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	GameID      string `gorm:"index;not null" json:"game_id"`
	BetLamports int64  `json:"bet_lamports"`
	Winner      string `gorm:"index" json:"winner"`
	Loser       string `json:"loser"`
	PayoutSig   string `gorm:"uniqueIndex;not null" json:"payout_sig"`
	EndedReason string `gorm:"type:varchar(16)" json:"ended_reason"`
	EndedAt     int64  `json:"ended_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
