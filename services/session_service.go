package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/buildvector/TicTacToe/models"
	"github.com/buildvector/TicTacToe/store"
)

var (
	ErrSessionInvalid    = errors.New("invalid or expired session")
	ErrSessionWrongMatch = errors.New("session not valid for this match")
)

// SessionService issues and checks the short-lived tokens that stand in
// for per-request wallet signatures. A token is minted right after a
// verified deposit and bound to that one match; the store's TTL retires it.
type SessionService struct {
	Store *store.Store
}

func NewSessionService(s *store.Store) *SessionService {
	return &SessionService{Store: s}
}

func (s *SessionService) Create(ctx context.Context, pubkey string) (string, error) {
	token := "st_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	sess := &models.Session{
		Pubkey:    pubkey,
		CreatedAt: s.Store.NowMs(ctx),
	}
	if err := s.Store.PutSession(ctx, token, sess); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return token, nil
}

// Bind attaches a match id to a freshly minted session. A session already
// bound to a different match is rejected; rebinding to the same id is
// allowed and the write refreshes the TTL.
func (s *SessionService) Bind(ctx context.Context, token, gameID string) error {
	sess, err := s.Store.Session(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrSessionInvalid
		}
		return err
	}
	if sess.GameID != "" && sess.GameID != gameID {
		return ErrSessionWrongMatch
	}
	sess.GameID = gameID
	return s.Store.PutSession(ctx, token, sess)
}

// Require is the sole authorization gate for mutating match actions:
// the token must exist, be unexpired, and not be bound to a different
// match than the one being acted on.
func (s *SessionService) Require(ctx context.Context, token, gameID string) (*models.Session, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}
	sess, err := s.Store.Session(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, err
	}
	if gameID != "" && sess.GameID != "" && sess.GameID != gameID {
		return nil, ErrSessionWrongMatch
	}
	return sess, nil
}
