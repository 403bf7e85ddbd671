package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/buildvector/TicTacToe/ledger"
	"github.com/buildvector/TicTacToe/store"
)

var (
	ErrPaymentUsed       = errors.New("payment already used")
	ErrPaymentMismatch   = errors.New("payment does not match required treasury transfer")
	ErrNoMatchingPayment = errors.New("no matching recent treasury transfer found")
)

const (
	// Deposits older than this are rejected as stale evidence.
	defaultMaxPaymentAge = 2 * time.Minute
	// How many recent treasury transactions the discovery fallback scans.
	defaultScanLimit = 25
)

// PaymentVerifier proves that a specific ledger transaction is an exact,
// recent transfer from a given wallet to the house address, and that the
// same transaction is never credited twice.
type PaymentVerifier struct {
	Store  *store.Store
	Ledger ledger.Client

	MaxAge    time.Duration
	ScanLimit int
}

func NewPaymentVerifier(s *store.Store, l ledger.Client) *PaymentVerifier {
	return &PaymentVerifier{
		Store:     s,
		Ledger:    l,
		MaxAge:    defaultMaxPaymentAge,
		ScanLimit: defaultScanLimit,
	}
}

// Verify checks one transaction against the exact-transfer contract:
// confirmed, not failed, recent, house delta == lamports exactly, sender
// delta <= -lamports (the sender additionally pays the network fee).
// Any mismatch fails the whole check; there is no partial credit.
func (v *PaymentVerifier) Verify(ctx context.Context, sig, fromPubkey string, lamports int64) error {
	if sig == "" {
		return fmt.Errorf("%w: missing payment signature", ErrPaymentMismatch)
	}
	if fromPubkey == "" {
		return fmt.Errorf("%w: missing sender", ErrPaymentMismatch)
	}
	if lamports <= 0 {
		return fmt.Errorf("%w: bad lamports", ErrPaymentMismatch)
	}

	tx, err := v.Ledger.Transaction(ctx, sig)
	if err != nil {
		if errors.Is(err, ledger.ErrTxNotFound) {
			return fmt.Errorf("%w: transaction not found or not confirmed yet", ErrPaymentMismatch)
		}
		return fmt.Errorf("look up payment %s: %w", sig, err)
	}
	if tx.Failed {
		return fmt.Errorf("%w: transaction failed", ErrPaymentMismatch)
	}
	if tx.BlockTime.IsZero() {
		return fmt.Errorf("%w: transaction missing block time", ErrPaymentMismatch)
	}
	if time.Since(tx.BlockTime) > v.MaxAge {
		return fmt.Errorf("%w: transaction too old", ErrPaymentMismatch)
	}

	house := v.Ledger.HouseAddress()
	idxFrom, idxTo := -1, -1
	for i, k := range tx.AccountKeys {
		switch k {
		case fromPubkey:
			idxFrom = i
		case house:
			idxTo = i
		}
	}
	if idxFrom == -1 {
		return fmt.Errorf("%w: sender account not in transaction", ErrPaymentMismatch)
	}
	if idxTo == -1 {
		return fmt.Errorf("%w: house account not in transaction", ErrPaymentMismatch)
	}
	if idxFrom >= len(tx.PreBalances) || idxFrom >= len(tx.PostBalances) ||
		idxTo >= len(tx.PreBalances) || idxTo >= len(tx.PostBalances) {
		return fmt.Errorf("%w: balance records incomplete", ErrPaymentMismatch)
	}

	deltaTo := int64(tx.PostBalances[idxTo]) - int64(tx.PreBalances[idxTo])
	deltaFrom := int64(tx.PostBalances[idxFrom]) - int64(tx.PreBalances[idxFrom])

	if deltaTo != lamports {
		return fmt.Errorf("%w: house delta %d != %d", ErrPaymentMismatch, deltaTo, lamports)
	}
	if deltaFrom > -lamports {
		return fmt.Errorf("%w: sender delta %d too small", ErrPaymentMismatch, deltaFrom)
	}
	return nil
}

// Consume is the full deposit intake: replay check before any ledger call,
// then verification, then the atomic claim of the used marker. The early
// check only saves a ledger round trip; the claim is what guarantees a
// signature is credited once even when two intakes race past the check.
// When sig is empty the discovery fallback scans the house address for a
// matching unused transfer and adopts the first one. Returns the consumed
// signature.
func (v *PaymentVerifier) Consume(ctx context.Context, sig, fromPubkey string, lamports int64) (string, error) {
	if sig == "" {
		found, err := v.discover(ctx, fromPubkey, lamports)
		if err != nil {
			return "", err
		}
		sig = found
	} else {
		used, err := v.Store.PaymentUsed(ctx, sig)
		if err != nil {
			return "", err
		}
		if used {
			return "", ErrPaymentUsed
		}
		if err := v.Verify(ctx, sig, fromPubkey, lamports); err != nil {
			return "", err
		}
	}

	claimed, err := v.Store.MarkPaymentUsed(ctx, sig)
	if err != nil {
		return "", err
	}
	if !claimed {
		return "", ErrPaymentUsed
	}
	return sig, nil
}

// discover scans the house address's most recent incoming transactions for
// one that matches the expected sender and amount and is not already used.
func (v *PaymentVerifier) discover(ctx context.Context, fromPubkey string, lamports int64) (string, error) {
	sigs, err := v.Ledger.RecentSignatures(ctx, v.Ledger.HouseAddress(), v.ScanLimit)
	if err != nil {
		return "", fmt.Errorf("scan treasury transactions: %w", err)
	}
	for _, sig := range sigs {
		used, err := v.Store.PaymentUsed(ctx, sig)
		if err != nil {
			return "", err
		}
		if used {
			continue
		}
		if err := v.Verify(ctx, sig, fromPubkey, lamports); err != nil {
			continue
		}
		log.Printf("[PAYMENT] discovered matching deposit %s from %s", sig, fromPubkey)
		return sig, nil
	}
	return "", ErrNoMatchingPayment
}
