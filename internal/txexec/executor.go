// Package txexec submits transactions and drives them to confirmation,
// re-sending under the same nonce with escalating fees until the transaction
// is mined, reverts or the attempts run out.
package txexec

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-indexer-agent/internal/metrics"
)

// Executor is the execution context for one sender: chain handle, signing
// key and nonce authority.
type Executor struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	signer   types.Signer
	policy   Policy
	attempts AttemptStore
	nonces   *nonceAuthority
	log      *zap.Logger
	now      func() time.Time
}

func New(
	backend Backend,
	key *ecdsa.PrivateKey,
	chainID *big.Int,
	policy Policy,
	attempts AttemptStore,
	log *zap.Logger,
) *Executor {
	policy = withDefaults(policy)
	from := crypto.PubkeyToAddress(key.PublicKey)
	return &Executor{
		backend:  backend,
		key:      key,
		from:     from,
		chainID:  chainID,
		signer:   types.LatestSignerForChainID(chainID),
		policy:   policy,
		attempts: attempts,
		nonces:   &nonceAuthority{backend: backend, from: from, retry: policy.SendRetry},
		log:      log,
		now:      time.Now,
	}
}

func withDefaults(p Policy) Policy {
	if p.EscalationFactor <= 1 {
		p.EscalationFactor = 1.2
	}
	if p.ConfirmationTimeout <= 0 {
		p.ConfirmationTimeout = 2 * time.Minute
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 2 * time.Second
	}
	if p.PollInterval > p.ConfirmationTimeout {
		p.PollInterval = p.ConfirmationTimeout
	}
	if p.StallLimit <= 0 {
		p.StallLimit = 10
	}
	if p.GasLimitMultiplier < 1 {
		p.GasLimitMultiplier = 1.2
	}
	if p.SendRetry.MaxAttempts <= 0 {
		p.SendRetry = DefaultRetry
	}
	return p
}

// From returns the sender address.
func (e *Executor) From() common.Address { return e.from }

// Submit sends the intent and waits for it to be mined. The returned Result
// is non-nil whenever a nonce was reserved, including on error, so callers
// can keep track of hashes that may still be mined.
func (e *Executor) Submit(ctx context.Context, in Intent) (*Result, error) {
	start := e.now()
	log := e.log.With(zap.String("intent", in.ID))

	gas, err := e.gasLimit(ctx, in)
	if err != nil {
		if isExecutionReverted(err) {
			return nil, fmt.Errorf("%w: estimate gas: %w", ErrReverted, err)
		}
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	f, err := e.initialFees(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest fee: %w", err)
	}
	nonce, err := e.nonces.reserve(ctx)
	if err != nil {
		return nil, fmt.Errorf("reserve nonce: %w", err)
	}

	res := &Result{Outcome: OutcomePending, Nonce: nonce}
	ceiling := e.policy.ceiling()
	conflictRetried := false
	resend := true
	stalled := 0

	for window := 1; ; window++ {
		if resend {
			a, err := e.sendAttempt(ctx, in, nonce, f, gas, len(res.Attempts))
			if a != nil {
				res.Attempts = append(res.Attempts, *a)
			}
			if err != nil {
				live := len(res.Hashes()) > 0
				switch {
				case live:
					// A sent attempt may still be pooled or mined; keep waiting on it.
					log.Warn("send not accepted, waiting on live attempts",
						zap.Uint64("nonce", nonce),
						zap.Int("live", len(res.Hashes())),
						zap.Error(err),
					)
				case errors.Is(err, ErrNonceConflict) && !conflictRetried:
					conflictRetried = true
					log.Warn("nonce conflict, refetching", zap.Uint64("nonce", nonce))
					if nonce, err = e.nonces.reserve(ctx); err != nil {
						return e.finish(res, OutcomeRejected, start), fmt.Errorf("reserve nonce: %w", err)
					}
					res.Nonce = nonce
					window--
					continue
				case errors.Is(err, ErrNonceConflict):
					return e.finish(res, OutcomeRejected, start), err
				default:
					e.nonces.release(nonce)
					return e.finish(res, OutcomeRejected, start), err
				}
			} else {
				log.Info("transaction sent",
					zap.Uint64("nonce", nonce),
					zap.String("hash", a.Hash.Hex()),
					zap.String("fee", f.ceilingFee().String()),
					zap.Int("attempt", a.Index),
				)
			}
		}

		outcome, receipt, err := e.await(ctx, res.Hashes())
		if err != nil {
			// Attempts stay pending in the store; the caller reconciles them later.
			return e.finish(res, OutcomePending, start), err
		}
		switch outcome {
		case OutcomeConfirmed, OutcomeReverted:
			res.Receipt = receipt
			e.settleAttempts(ctx, res, receipt.TxHash, outcome)
			log.Info("transaction mined",
				zap.Uint64("nonce", nonce),
				zap.String("hash", receipt.TxHash.Hex()),
				zap.String("outcome", string(outcome)),
			)
			if outcome == OutcomeReverted {
				return e.finish(res, outcome, start), fmt.Errorf("%w: %s", ErrReverted, receipt.TxHash.Hex())
			}
			return e.finish(res, outcome, start), nil
		}

		if e.policy.MaxAttempts > 0 && window >= e.policy.MaxAttempts {
			e.timeOutAttempts(ctx, res)
			return e.finish(res, OutcomeTimedOut, start),
				fmt.Errorf("%w: nonce %d after %d attempts", ErrTimedOut, nonce, window)
		}

		next, ok := f.bump(e.policy.EscalationFactor, ceiling, e.policy.MaxPriorityFee)
		if ok {
			f, resend, stalled = next, true, 0
			continue
		}

		// Fee already at the cap: a same-fee replacement is refused by nodes,
		// so keep waiting on what is in the pool.
		resend = false
		stalled++
		metrics.TxFeeCapStalledInc()
		log.Warn("fee at cap, transaction still unconfirmed",
			zap.Uint64("nonce", nonce),
			zap.String("fee", f.ceilingFee().String()),
			zap.Int("stalled_windows", stalled),
		)
		if e.policy.MaxAttempts == 0 && stalled >= e.policy.StallLimit {
			e.timeOutAttempts(ctx, res)
			return e.finish(res, OutcomeTimedOut, start),
				fmt.Errorf("%w: nonce %d stalled for %d windows", ErrFeeCapStalled, nonce, stalled)
		}
	}
}

// Status reports what became of a transaction that Submit gave up on.
// OutcomeRejected means the nonce was consumed by none of the given hashes.
func (e *Executor) Status(ctx context.Context, nonce uint64, hashes []common.Hash) (Outcome, *types.Receipt, error) {
	outcome, receipt, err := e.lookupReceipts(ctx, hashes)
	if err != nil || outcome != OutcomePending {
		return outcome, receipt, err
	}
	mined, err := e.backend.NonceAt(ctx, e.from, nil)
	if err != nil {
		metrics.RPCErrorInc("eth_getTransactionCount")
		return OutcomePending, nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	if mined <= nonce {
		return OutcomePending, nil, nil
	}
	// The nonce is used; one of ours may have landed between the two reads.
	outcome, receipt, err = e.lookupReceipts(ctx, hashes)
	if err != nil || outcome != OutcomePending {
		return outcome, receipt, err
	}
	return OutcomeRejected, nil, nil
}

// Attempts returns the persisted attempts of an intent.
func (e *Executor) Attempts(ctx context.Context, intentID string) ([]Attempt, error) {
	if e.attempts == nil {
		return nil, nil
	}
	return e.attempts.Attempts(ctx, intentID)
}

func (e *Executor) sendAttempt(ctx context.Context, in Intent, nonce uint64, f fees, gas uint64, index int) (*Attempt, error) {
	tx, err := e.sign(in, nonce, f, gas)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	a := &Attempt{
		IntentID:    in.ID,
		Index:       index,
		Nonce:       nonce,
		GasPrice:    f.gasPrice,
		FeeCap:      f.feeCap,
		TipCap:      f.tipCap,
		Hash:        tx.Hash(),
		SubmittedAt: e.now(),
		Outcome:     OutcomePending,
	}
	// Persist before sending so a crash cannot lose a hash that may be mined.
	if err := e.persist(ctx, *a); err != nil {
		return nil, err
	}

	err = retryWithBackoff(ctx, e.policy.SendRetry, func() error {
		return e.backend.SendTransaction(ctx, tx)
	})
	if err == nil || isAlreadyKnown(err) {
		metrics.TxSendInc("accepted")
		return a, nil
	}
	if sendOutcomeUnknown(err) {
		// The node may hold the transaction: the attempt stays pending and
		// its nonce stays reserved.
		metrics.TxSendInc("unknown")
		return a, fmt.Errorf("send %s: %w", a.Hash.Hex(), err)
	}

	metrics.TxSendInc("refused")
	a.Outcome = OutcomeRejected
	if perr := e.persist(ctx, *a); perr != nil {
		return a, errors.Join(err, perr)
	}
	if isNonceTooLow(err) {
		return a, fmt.Errorf("%w: nonce %d: %w", ErrNonceConflict, nonce, err)
	}
	return a, fmt.Errorf("send: %w", err)
}

func (e *Executor) sign(in Intent, nonce uint64, f fees, gas uint64) (*types.Transaction, error) {
	value := in.Value
	if value == nil {
		value = new(big.Int)
	}
	to := in.To
	var data types.TxData
	if f.legacy() {
		data = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: f.gasPrice,
			Gas:      gas,
			To:       &to,
			Value:    value,
			Data:     in.Data,
		}
	} else {
		data = &types.DynamicFeeTx{
			ChainID:   e.chainID,
			Nonce:     nonce,
			GasTipCap: f.tipCap,
			GasFeeCap: f.feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      in.Data,
		}
	}
	return types.SignNewTx(e.key, e.signer, data)
}

func (e *Executor) gasLimit(ctx context.Context, in Intent) (uint64, error) {
	if in.GasLimit > 0 {
		return in.GasLimit, nil
	}
	to := in.To
	var est uint64
	err := retryWithBackoff(ctx, e.policy.SendRetry, func() error {
		var err error
		est, err = e.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  e.from,
			To:    &to,
			Value: in.Value,
			Data:  in.Data,
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return uint64(float64(est) * e.policy.GasLimitMultiplier), nil
}

// await polls the receipts of every hash sent under the nonce until one is
// mined or the confirmation timeout expires.
func (e *Executor) await(ctx context.Context, hashes []common.Hash) (Outcome, *types.Receipt, error) {
	deadline := time.NewTimer(e.policy.ConfirmationTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(e.policy.PollInterval)
	defer poll.Stop()

	for {
		if outcome, receipt, _ := e.lookupReceipts(ctx, hashes); outcome != OutcomePending {
			return outcome, receipt, nil
		}
		select {
		case <-ctx.Done():
			return OutcomePending, nil, ctx.Err()
		case <-deadline.C:
			if outcome, receipt, _ := e.lookupReceipts(ctx, hashes); outcome != OutcomePending {
				return outcome, receipt, nil
			}
			return OutcomeTimedOut, nil, nil
		case <-poll.C:
		}
	}
}

func (e *Executor) lookupReceipts(ctx context.Context, hashes []common.Hash) (Outcome, *types.Receipt, error) {
	var lastErr error
	for _, h := range hashes {
		r, err := e.backend.TransactionReceipt(ctx, h)
		if err != nil {
			if !errors.Is(err, ethereum.NotFound) {
				metrics.RPCErrorInc("eth_getTransactionReceipt")
				lastErr = fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
			}
			continue
		}
		if r == nil {
			continue
		}
		if r.Status == types.ReceiptStatusSuccessful {
			return OutcomeConfirmed, r, nil
		}
		return OutcomeReverted, r, nil
	}
	return OutcomePending, nil, lastErr
}

// settleAttempts records the mined attempt's outcome; the others were replaced.
func (e *Executor) settleAttempts(ctx context.Context, res *Result, mined common.Hash, outcome Outcome) {
	for i := range res.Attempts {
		a := &res.Attempts[i]
		if a.Outcome == OutcomeRejected {
			continue
		}
		if a.Hash == mined {
			a.Outcome = outcome
		} else {
			a.Outcome = OutcomeRejected
		}
		if err := e.persist(ctx, *a); err != nil {
			e.log.Error("persist attempt outcome", zap.String("hash", a.Hash.Hex()), zap.Error(err))
		}
	}
}

func (e *Executor) timeOutAttempts(ctx context.Context, res *Result) {
	for i := range res.Attempts {
		a := &res.Attempts[i]
		if a.Outcome != OutcomePending {
			continue
		}
		a.Outcome = OutcomeTimedOut
		if err := e.persist(ctx, *a); err != nil {
			e.log.Error("persist attempt outcome", zap.String("hash", a.Hash.Hex()), zap.Error(err))
		}
	}
}

func (e *Executor) finish(res *Result, outcome Outcome, start time.Time) *Result {
	res.Outcome = outcome
	metrics.TxSubmitInc(string(outcome))
	metrics.TxSubmitDuration(string(outcome), e.now().Sub(start))
	return res
}

// persist writes an attempt even when ctx is already cancelled, so shutdown
// never leaves a half-recorded send.
func (e *Executor) persist(ctx context.Context, a Attempt) error {
	if e.attempts == nil {
		return nil
	}
	if err := e.attempts.SaveAttempt(context.WithoutCancel(ctx), a); err != nil {
		return fmt.Errorf("persist attempt: %w", err)
	}
	return nil
}

func isAlreadyKnown(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "already known") ||
		strings.Contains(s, "known transaction") ||
		strings.Contains(s, "already imported")
}

// sendOutcomeUnknown reports whether a send failed without a node verdict,
// so the transaction may have reached the pool.
func sendOutcomeUnknown(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func isExecutionReverted(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func isNonceTooLow(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "nonce too low") || strings.Contains(s, "nonce is too low")
}
