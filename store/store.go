package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/buildvector/TicTacToe/models"
)

const (
	SessionTTL     = 30 * time.Minute
	PaymentUsedTTL = time.Hour
	HistoryLimit   = 10
)

var ErrNotFound = errors.New("not found")

// Store wraps the shared redis instance. All cross-request coordination
// (match records, sessions, used-payment markers, locks, lobby index,
// history log) goes through here; request handlers keep no state of
// their own.
type Store struct {
	RDB *redis.Client
}

func Open(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{RDB: rdb}, nil
}

func (s *Store) Close() error { return s.RDB.Close() }

// --- match records ---

func (s *Store) Match(ctx context.Context, id string) (*models.Match, error) {
	raw, err := s.RDB.Get(ctx, matchKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get match %s: %w", id, err)
	}
	var m models.Match
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode match %s: %w", id, err)
	}
	return &m, nil
}

func (s *Store) PutMatch(ctx context.Context, m *models.Match) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode match %s: %w", m.ID, err)
	}
	if err := s.RDB.Set(ctx, matchKey(m.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("put match %s: %w", m.ID, err)
	}
	return nil
}

// --- advisory locks ---

// AcquireLock is the only mutual-exclusion primitive: SET NX with expiry.
// A false return means some other worker holds the protected section;
// callers must not spin on it.
func (s *Store) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.RDB.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// ReleaseLock is best effort; an unreleased lock expires on its own.
func (s *Store) ReleaseLock(ctx context.Context, key string) {
	s.RDB.Del(ctx, key)
}

// --- sessions ---

func (s *Store) PutSession(ctx context.Context, token string, sess *models.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.RDB.Set(ctx, sessionKey(token), raw, SessionTTL).Err(); err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

func (s *Store) Session(ctx context.Context, token string) (*models.Session, error) {
	raw, err := s.RDB.Get(ctx, sessionKey(token)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// --- used-payment markers ---

func (s *Store) PaymentUsed(ctx context.Context, sig string) (bool, error) {
	_, err := s.RDB.Get(ctx, paymentUsedKey(sig)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check payment %s: %w", sig, err)
	}
	return true, nil
}

// MarkPaymentUsed claims the signature atomically. A false return means a
// concurrent intake already consumed it; the marker itself is the mutual
// exclusion, not any check-then-set around it.
func (s *Store) MarkPaymentUsed(ctx context.Context, sig string) (bool, error) {
	ok, err := s.RDB.SetNX(ctx, paymentUsedKey(sig), 1, PaymentUsedTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark payment %s: %w", sig, err)
	}
	return ok, nil
}

// --- lobby index ---

func (s *Store) AddToLobby(ctx context.Context, id string, createdAt int64) error {
	err := s.RDB.ZAdd(ctx, lobbyKey, redis.Z{Score: float64(createdAt), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("lobby add %s: %w", id, err)
	}
	return nil
}

func (s *Store) RemoveFromLobby(ctx context.Context, id string) error {
	if err := s.RDB.ZRem(ctx, lobbyKey, id).Err(); err != nil {
		return fmt.Errorf("lobby remove %s: %w", id, err)
	}
	return nil
}

// LobbyIDs returns open-match ids newest first.
func (s *Store) LobbyIDs(ctx context.Context, limit int64) ([]string, error) {
	ids, err := s.RDB.ZRevRange(ctx, lobbyKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lobby range: %w", err)
	}
	return ids, nil
}

// --- history log ---

func (s *Store) AppendHistory(ctx context.Context, e models.HistoryEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}
	if err := s.RDB.LPush(ctx, historyKey, raw).Err(); err != nil {
		return fmt.Errorf("push history: %w", err)
	}
	if err := s.RDB.LTrim(ctx, historyKey, 0, HistoryLimit-1).Err(); err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

func (s *Store) History(ctx context.Context) ([]models.HistoryEntry, error) {
	raws, err := s.RDB.LRange(ctx, historyKey, 0, HistoryLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]models.HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var e models.HistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue // skip unreadable legacy entries
		}
		out = append(out, e)
	}
	return out, nil
}
