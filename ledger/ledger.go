// Package ledger abstracts the external chain the deposits and payouts
// settle on. The match/settlement core only depends on Client; the Solana
// implementation lives in solana.go.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTxNotFound        = errors.New("transaction not found or not confirmed yet")
	ErrInsufficientFunds = errors.New("house wallet has insufficient funds")
)

// TxInfo is the finalized view of one transaction: which accounts it
// touched and their balances before and after. Enough to prove an exact
// value transfer without re-specifying the wire format.
type TxInfo struct {
	BlockTime    time.Time
	Failed       bool
	AccountKeys  []string
	PreBalances  []uint64
	PostBalances []uint64
}

// Client is the contract the core relies on. Every method blocks until
// complete or until ctx expires; callers bound the wait with a deadline
// and treat overruns as retryable failures.
type Client interface {
	// Transaction looks up a confirmed transaction by signature.
	Transaction(ctx context.Context, sig string) (*TxInfo, error)

	// RecentSignatures lists the newest transaction signatures touching
	// address, newest first, at most limit.
	RecentSignatures(ctx context.Context, address string, limit int) ([]string, error)

	// Balance returns the confirmed balance of address in lamports.
	Balance(ctx context.Context, address string) (uint64, error)

	// Transfer sends lamports from the house wallet to the recipient and
	// returns the transaction signature once the transfer is accepted and
	// confirmed. Returns ErrInsufficientFunds without submitting anything
	// when the house balance cannot cover amount plus the fee buffer.
	Transfer(ctx context.Context, to string, lamports uint64) (string, error)

	// HouseAddress is the custodial address deposits must land on.
	HouseAddress() string
}
