package store

import (
	"context"
	"time"
)

// NowMs returns the shared server time in milliseconds. Redis TIME is the
// oracle, so a deadline computed by one process means the same thing to
// every other process talking to the same store. Falls back to the local
// wall clock when the oracle call fails; a brief skew there is acceptable
// because all deadline math re-reads the record under a lock anyway.
func (s *Store) NowMs(ctx context.Context) int64 {
	t, err := s.RDB.Time(ctx).Result()
	if err != nil {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}
