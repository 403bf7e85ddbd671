package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
)

// Payouts keep this much slack above the transfer amount so the network
// fee never drains the house below zero.
const feeBufferLamports = 10_000

const confirmPollInterval = 750 * time.Millisecond

// SolanaClient implements Client over a Solana JSON-RPC endpoint, with the
// house wallet held in memory for signing payouts.
type SolanaClient struct {
	rpc      *rpc.Client
	house    solana.PrivateKey
	housePub solana.PublicKey
}

func NewSolana(rpcURL string, houseSecret []byte) (*SolanaClient, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("missing solana rpc url")
	}
	if len(houseSecret) != 64 {
		return nil, fmt.Errorf("house secret key must be 64 bytes, got %d", len(houseSecret))
	}
	key := solana.PrivateKey(houseSecret)
	return &SolanaClient{
		rpc:      rpc.New(rpcURL),
		house:    key,
		housePub: key.PublicKey(),
	}, nil
}

func (c *SolanaClient) HouseAddress() string { return c.housePub.String() }

func (c *SolanaClient) Transaction(ctx context.Context, sigStr string) (*TxInfo, error) {
	sig, err := solana.SignatureFromBase58(sigStr)
	if err != nil {
		return nil, fmt.Errorf("bad transaction signature: %w", err)
	}

	maxVersion := uint64(0)
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", sigStr, err)
	}
	if out == nil {
		return nil, ErrTxNotFound
	}

	tx, err := out.Transaction.GetTransaction()
	if err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", sigStr, err)
	}

	info := &TxInfo{}
	if out.BlockTime != nil {
		info.BlockTime = out.BlockTime.Time()
	}
	if out.Meta != nil {
		info.Failed = out.Meta.Err != nil
		info.PreBalances = out.Meta.PreBalances
		info.PostBalances = out.Meta.PostBalances
	}
	for _, k := range tx.Message.AccountKeys {
		info.AccountKeys = append(info.AccountKeys, k.String())
	}
	return info, nil
}

func (c *SolanaClient) RecentSignatures(ctx context.Context, address string, limit int) ([]string, error) {
	addr, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return nil, fmt.Errorf("bad address %s: %w", address, err)
	}
	out, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, addr, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("get signatures for %s: %w", address, err)
	}
	sigs := make([]string, 0, len(out))
	for _, s := range out {
		sigs = append(sigs, s.Signature.String())
	}
	return sigs, nil
}

func (c *SolanaClient) Balance(ctx context.Context, address string) (uint64, error) {
	addr, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return 0, fmt.Errorf("bad address %s: %w", address, err)
	}
	out, err := c.rpc.GetBalance(ctx, addr, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("get balance %s: %w", address, err)
	}
	return out.Value, nil
}

func (c *SolanaClient) Transfer(ctx context.Context, to string, lamports uint64) (string, error) {
	toPk, err := solana.PublicKeyFromBase58(to)
	if err != nil {
		return "", fmt.Errorf("bad recipient %s: %w", to, err)
	}

	bal, err := c.Balance(ctx, c.housePub.String())
	if err != nil {
		return "", err
	}
	if bal < lamports+feeBufferLamports {
		return "", fmt.Errorf("%w: balance=%d need=%d", ErrInsufficientFunds, bal, lamports+feeBufferLamports)
	}

	recent, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return "", fmt.Errorf("get blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(lamports, c.housePub, toPk).Build(),
		},
		recent.Value.Blockhash,
		solana.TransactionPayer(c.housePub),
	)
	if err != nil {
		return "", fmt.Errorf("build transfer: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.housePub) {
			return &c.house
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}

	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", fmt.Errorf("send transfer: %w", err)
	}

	if err := c.waitConfirmed(ctx, sig); err != nil {
		return "", fmt.Errorf("confirm transfer %s: %w", sig, err)
	}
	return sig.String(), nil
}

// waitConfirmed polls signature status until the transfer reaches
// confirmed commitment or ctx expires.
func (c *SolanaClient) waitConfirmed(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()
	for {
		out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err == nil && out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			st := out.Value[0]
			if st.Err != nil {
				return fmt.Errorf("transfer failed on chain: %v", st.Err)
			}
			if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
