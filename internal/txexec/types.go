package txexec

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Outcome is the final or current state of a transaction attempt.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeReverted  Outcome = "reverted"
	OutcomeTimedOut  Outcome = "timed-out"
	// OutcomeRejected marks an attempt the node refused or whose nonce was
	// consumed by another transaction.
	OutcomeRejected Outcome = "rejected"
)

var (
	ErrReverted            = errors.New("transaction reverted")
	ErrTimedOut            = errors.New("transaction not confirmed")
	ErrNonceConflict       = errors.New("nonce already used")
	ErrProviderUnavailable = errors.New("chain provider unavailable")
	// ErrFeeCapStalled is returned in unlimited-attempts mode once the fee has
	// sat at the cap for Policy.StallLimit windows.
	ErrFeeCapStalled = fmt.Errorf("%w: fee capped", ErrTimedOut)
)

// Intent is an unsigned transaction the caller wants mined.
type Intent struct {
	ID       string
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // 0 = estimate
}

// Attempt is one signed send of an intent. Fee bumps produce a new attempt
// under the same nonce.
type Attempt struct {
	IntentID    string      `json:"intent_id"`
	Index       int         `json:"index"`
	Nonce       uint64      `json:"nonce"`
	GasPrice    *big.Int    `json:"gas_price,omitempty"`
	FeeCap      *big.Int    `json:"fee_cap,omitempty"`
	TipCap      *big.Int    `json:"tip_cap,omitempty"`
	Hash        common.Hash `json:"hash"`
	SubmittedAt time.Time   `json:"submitted_at"`
	Outcome     Outcome     `json:"outcome"`
}

// Fee returns the attempt's fee ceiling per gas.
func (a Attempt) Fee() *big.Int {
	if a.GasPrice != nil {
		return a.GasPrice
	}
	return a.FeeCap
}

// Result describes how Submit ended.
type Result struct {
	Outcome  Outcome
	Nonce    uint64
	Attempts []Attempt
	Receipt  *types.Receipt
}

// Hashes returns every hash sent under the result's nonce.
func (r *Result) Hashes() []common.Hash {
	out := make([]common.Hash, 0, len(r.Attempts))
	for _, a := range r.Attempts {
		if a.Outcome != OutcomeRejected {
			out = append(out, a.Hash)
		}
	}
	return out
}

// Backend is the subset of the chain RPC the executor uses.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// AttemptStore persists attempts so a restart can find transactions that may
// still be mined.
type AttemptStore interface {
	SaveAttempt(ctx context.Context, a Attempt) error
	Attempts(ctx context.Context, intentID string) ([]Attempt, error)
}

// Policy controls fee escalation.
type Policy struct {
	MaxAttempts         int // 0 = unlimited
	EscalationFactor    float64
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	Legacy              bool
	MaxGasPrice         *big.Int // legacy cap; also the ceiling when MaxFeeCap is unset
	MaxFeeCap           *big.Int // dynamic-fee cap
	MaxPriorityFee      *big.Int
	StallLimit          int // capped windows tolerated when MaxAttempts == 0
	GasLimitMultiplier  float64
	SendRetry           RetryConfig
}

// ceiling returns the effective per-gas fee cap, nil when uncapped.
func (p Policy) ceiling() *big.Int {
	if !p.Legacy && p.MaxFeeCap != nil && p.MaxFeeCap.Sign() > 0 {
		return p.MaxFeeCap
	}
	if p.MaxGasPrice != nil && p.MaxGasPrice.Sign() > 0 {
		return p.MaxGasPrice
	}
	return nil
}
