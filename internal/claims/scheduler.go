// Package claims turns collected vouchers into on-chain rebate claims once an
// allocation, or the agent as a whole, has accumulated enough value.
package claims

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-indexer-agent/internal/chain"
	"github.com/0gfoundation/0g-indexer-agent/internal/metrics"
	"github.com/0gfoundation/0g-indexer-agent/internal/store"
	"github.com/0gfoundation/0g-indexer-agent/internal/txexec"
	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

// Executor submits claim transactions and answers for ones it gave up on.
type Executor interface {
	Submit(ctx context.Context, in txexec.Intent) (*txexec.Result, error)
	Status(ctx context.Context, nonce uint64, hashes []common.Hash) (txexec.Outcome, *types.Receipt, error)
	Attempts(ctx context.Context, intentID string) ([]txexec.Attempt, error)
}

type Config struct {
	// AllocationThreshold triggers a claim for a single allocation.
	AllocationThreshold *big.Int
	// BatchThreshold triggers a claim for every allocation holding collected
	// value once their combined total reaches it.
	BatchThreshold      *big.Int
	MaxVouchersPerClaim int
	Interval            time.Duration
	GasLimit            uint64 // 0 = estimate
}

type Scheduler struct {
	store    *store.Store
	exec     Executor
	exchange common.Address
	cfg      Config

	mu      sync.Mutex // serializes Evaluate and Recover
	trigger chan struct{}
	now     func() time.Time
	log     *zap.Logger
}

func New(st *store.Store, exec Executor, exchange common.Address, cfg Config, log *zap.Logger) *Scheduler {
	if cfg.MaxVouchersPerClaim <= 0 {
		cfg.MaxVouchersPerClaim = 200
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Scheduler{
		store:    st,
		exec:     exec,
		exchange: exchange,
		cfg:      cfg,
		trigger:  make(chan struct{}, 1),
		now:      time.Now,
		log:      log,
	}
}

// Trigger asks for an evaluation as soon as possible. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run evaluates on every tick and on every Trigger until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("claim scheduler started", zap.Duration("interval", s.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("claim scheduler stopped")
			return
		case <-ticker.C:
		case <-s.trigger:
		}
		if err := s.Evaluate(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("evaluate claims", zap.Error(err))
		}
	}
}

// Evaluate resolves outstanding claims, then claims every allocation that
// meets a threshold. Store failures are returned; a failed claim transaction
// is logged and its vouchers go back to collected.
func (s *Scheduler) Evaluate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.reconcile(ctx)
	if err != nil {
		return err
	}

	allocs, err := s.store.ListAllocations(ctx)
	if err != nil {
		return err
	}
	selected := s.selectAllocations(allocs)
	if len(selected) == 0 {
		return nil
	}

	var claimable []*voucher.Voucher
	for _, a := range selected {
		vs, err := s.store.ListCollected(ctx, a.ID)
		if err != nil {
			return err
		}
		for _, v := range vs {
			if _, busy := locked[v.ID]; !busy {
				claimable = append(claimable, v)
			}
		}
	}
	if len(claimable) == 0 {
		return nil
	}

	chunks := chunk(claimable, s.cfg.MaxVouchersPerClaim)
	s.log.Info("claiming rebates",
		zap.Int("allocations", len(selected)),
		zap.Int("vouchers", len(claimable)),
		zap.Int("transactions", len(chunks)),
	)
	for i, c := range chunks {
		if err := s.claim(ctx, c); err != nil {
			if i+1 < len(chunks) {
				s.log.Warn("remaining claims postponed", zap.Int("chunks", len(chunks)-i-1))
			}
			return err
		}
	}
	return nil
}

// selectAllocations returns the allocations to claim for, in ascending
// address order.
func (s *Scheduler) selectAllocations(allocs []*voucher.Allocation) []*voucher.Allocation {
	var withValue []*voucher.Allocation
	sum := new(big.Int)
	for _, a := range allocs {
		if a.CollectedTotal == nil || a.CollectedTotal.Sign() <= 0 {
			continue
		}
		withValue = append(withValue, a)
		sum.Add(sum, a.CollectedTotal)
	}
	if s.cfg.BatchThreshold != nil && len(withValue) > 0 && sum.Cmp(s.cfg.BatchThreshold) >= 0 {
		return sortAllocations(withValue)
	}

	var out []*voucher.Allocation
	for _, a := range withValue {
		switch {
		case a.State == voucher.AllocationClosing || a.State == voucher.AllocationClosed:
			out = append(out, a)
		case s.cfg.AllocationThreshold != nil && a.CollectedTotal.Cmp(s.cfg.AllocationThreshold) >= 0:
			out = append(out, a)
		}
	}
	return sortAllocations(out)
}

// claim submits one redeemMany transaction for vs. Vouchers are claimed only
// once the transaction is confirmed.
func (s *Scheduler) claim(ctx context.Context, vs []*voucher.Voucher) error {
	var moved []*voucher.Voucher
	for _, v := range vs {
		m, err := s.store.Transition(ctx, v.ID, voucher.StateClaiming, nil)
		if errors.Is(err, voucher.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			s.release(context.WithoutCancel(ctx), moved)
			return err
		}
		moved = append(moved, m)
	}
	if len(moved) == 0 {
		return nil
	}

	batch := newBatch(moved, s.now())
	log := s.log.With(zap.String("batch", batch.ID), zap.String("total", batch.Total.String()))

	data, err := chain.PackRedeemMany(chain.RedemptionsFor(moved))
	if err != nil {
		s.release(context.WithoutCancel(ctx), moved)
		return err
	}
	if err := s.store.SaveBatch(ctx, batch); err != nil {
		s.release(context.WithoutCancel(ctx), moved)
		return err
	}

	res, err := s.exec.Submit(ctx, txexec.Intent{
		ID:       batch.IntentID,
		To:       s.exchange,
		Data:     data,
		GasLimit: s.cfg.GasLimit,
	})
	wctx := context.WithoutCancel(ctx)

	switch {
	case err == nil && res != nil && res.Outcome == txexec.OutcomeConfirmed:
		s.markClaimed(wctx, batch)
		if err := s.store.DeleteBatch(wctx, batch.ID); err != nil {
			log.Error("delete resolved batch", zap.Error(err))
		}
		metrics.ClaimInc("confirmed")
		fields := []zap.Field{zap.Int("vouchers", len(moved))}
		if res.Receipt != nil {
			fields = append(fields, zap.String("tx", res.Receipt.TxHash.Hex()))
		}
		log.Info("rebates claimed", fields...)
		return nil

	case errors.Is(err, txexec.ErrReverted):
		s.release(wctx, moved)
		if err := s.store.DeleteBatch(wctx, batch.ID); err != nil {
			log.Error("delete reverted batch", zap.Error(err))
		}
		metrics.ClaimInc("reverted")
		log.Error("claim transaction reverted", zap.Int("vouchers", len(moved)), zap.Error(err))
		return nil
	}

	// Not mined (yet). If anything reached the pool the batch stays on record
	// so a late confirmation is still credited.
	s.release(wctx, moved)
	sent := res != nil && len(res.Hashes()) > 0
	if !sent {
		if err := s.store.DeleteBatch(wctx, batch.ID); err != nil {
			log.Error("delete unsent batch", zap.Error(err))
		}
	}
	outcome := "failed"
	if errors.Is(err, txexec.ErrTimedOut) {
		outcome = "timed_out"
	}
	metrics.ClaimInc(outcome)
	log.Warn("claim transaction not confirmed",
		zap.Int("vouchers", len(moved)),
		zap.Bool("may_still_mine", sent),
		zap.Error(err),
	)
	if err == nil {
		err = errors.New("claim not confirmed")
		if res != nil {
			err = fmt.Errorf("claim ended %s", res.Outcome)
		}
	}
	return fmt.Errorf("claim batch %s: %w", batch.ID, err)
}

// markClaimed moves every voucher of a mined batch to claimed.
func (s *Scheduler) markClaimed(ctx context.Context, b *voucher.ClaimBatch) {
	for _, id := range b.VoucherIDs {
		if _, err := s.store.Transition(ctx, id, voucher.StateClaimed, nil); err != nil {
			s.log.Error("mark voucher claimed",
				zap.String("batch", b.ID),
				zap.String("voucher", id.Hex()),
				zap.Error(err),
			)
			continue
		}
		metrics.VoucherTransitionInc(string(voucher.StateClaimed))
	}
}

// release returns claiming vouchers to collected.
func (s *Scheduler) release(ctx context.Context, vs []*voucher.Voucher) {
	for _, v := range vs {
		if _, err := s.store.Transition(ctx, v.ID, voucher.StateCollected, nil); err != nil {
			if errors.Is(err, voucher.ErrInvalidTransition) {
				continue
			}
			s.log.Error("release voucher", zap.String("voucher", v.ID.Hex()), zap.Error(err))
		}
	}
}

func newBatch(vs []*voucher.Voucher, now time.Time) *voucher.ClaimBatch {
	id := uuid.NewString()
	b := &voucher.ClaimBatch{
		ID:        id,
		IntentID:  "claim-" + id,
		Total:     new(big.Int),
		CreatedAt: now,
	}
	seen := make(map[common.Address]bool)
	for _, v := range vs {
		b.VoucherIDs = append(b.VoucherIDs, v.ID)
		b.Total.Add(b.Total, v.ClaimValue())
		if !seen[v.AllocationID] {
			seen[v.AllocationID] = true
			b.Allocations = append(b.Allocations, v.AllocationID)
		}
	}
	return b
}

func chunk(vs []*voucher.Voucher, size int) [][]*voucher.Voucher {
	var out [][]*voucher.Voucher
	for len(vs) > size {
		out = append(out, vs[:size])
		vs = vs[size:]
	}
	if len(vs) > 0 {
		out = append(out, vs)
	}
	return out
}

func sortAllocations(as []*voucher.Allocation) []*voucher.Allocation {
	sort.Slice(as, func(i, j int) bool {
		return bytes.Compare(as[i].ID.Bytes(), as[j].ID.Bytes()) < 0
	})
	return as
}
