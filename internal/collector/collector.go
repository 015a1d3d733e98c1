// Package collector ingests signed receipts as vouchers and exchanges them at
// the collection endpoint for claimable value.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-indexer-agent/internal/collection"
	"github.com/0gfoundation/0g-indexer-agent/internal/metrics"
	"github.com/0gfoundation/0g-indexer-agent/internal/store"
	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

// Endpoint submits a batch of vouchers to a collection endpoint.
type Endpoint interface {
	Collect(ctx context.Context, endpoint string, vouchers []*voucher.Voucher) (map[common.Hash]collection.Result, error)
}

type Config struct {
	EndpointURL      string
	BatchSize        int
	MaxFailures      int
	ExpirationWindow time.Duration
	Interval         time.Duration
	ExpiryInterval   time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ExpiryInterval <= 0 {
		c.ExpiryInterval = 10 * time.Minute
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	return c
}

type Collector struct {
	store       *store.Store
	endpoint    Endpoint
	domain      voucher.Domain
	cfg         Config
	onCollected func()
	kick        chan struct{}
	now         func() time.Time
	log         *zap.Logger
}

// New builds a collector. onCollected, if set, is called after any batch that
// moved at least one voucher into collected.
func New(st *store.Store, ep Endpoint, domain voucher.Domain, cfg Config, onCollected func(), log *zap.Logger) *Collector {
	return &Collector{
		store:       st,
		endpoint:    ep,
		domain:      domain,
		cfg:         cfg.withDefaults(),
		onCollected: onCollected,
		kick:        make(chan struct{}, 1),
		now:         time.Now,
		log:         log,
	}
}

// Recover re-enqueues vouchers a previous run left in collecting. It returns
// how many were moved back to pending.
func (c *Collector) Recover(ctx context.Context) (int, error) {
	vs, err := c.store.LoadRecoverable(ctx)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, v := range vs {
		if v.State != voucher.StateCollecting {
			continue
		}
		if _, err := c.store.Transition(ctx, v.ID, voucher.StatePending, nil); err != nil {
			if errors.Is(err, voucher.ErrInvalidTransition) {
				continue
			}
			return requeued, err
		}
		requeued++
	}
	c.log.Info("collector recovered",
		zap.Int("loaded", len(vs)),
		zap.Int("requeued", requeued),
	)
	return requeued, nil
}

// Ingest validates a receipt and records it as a voucher. A receipt that
// fails validation is stored as invalid and returned without error; only
// store failures and receipts that cannot be hashed are errors. The voucher
// id covers the signed fields and the recovered signer, so ingesting the same
// receipt twice returns the voucher recorded the first time. A receipt that
// was rejected only because of the agent's own state, such as an allocation
// registered after the receipt arrived, is reinstated once it validates.
func (c *Collector) Ingest(ctx context.Context, r voucher.Receipt) (*voucher.Voucher, error) {
	if len(r.Signature) == 0 {
		return nil, fmt.Errorf("%w: missing signature", voucher.ErrInvalidReceipt)
	}
	digest, err := voucher.Digest(&r, c.domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", voucher.ErrInvalidReceipt, err)
	}
	// signer is the zero address when recovery fails.
	signer, sigErr := voucher.Recover(&r, c.domain)
	id := voucher.ID(digest, signer)

	existing, err := c.store.GetVoucher(ctx, id)
	switch {
	case err == nil && existing.State == voucher.StateInvalid && existing.Failures == 0:
		return c.revalidate(ctx, existing, &r, signer, sigErr)
	case err == nil:
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	reason, err := c.validate(ctx, &r, signer, sigErr)
	if err != nil {
		return nil, err
	}

	v := &voucher.Voucher{
		ID:           id,
		AllocationID: r.AllocationID,
		Timestamp:    r.Timestamp,
		Nonce:        r.Nonce,
		Fees:         r.Fees,
		Signature:    r.Signature,
		Endpoint:     c.cfg.EndpointURL,
		State:        voucher.StatePending,
		CreatedAt:    c.now(),
	}
	if reason != "" {
		v.State = voucher.StateInvalid
		v.Reason = reason
	}

	created, err := c.store.CreateVoucher(ctx, v)
	if err != nil {
		return nil, err
	}
	if !created {
		return c.store.GetVoucher(ctx, id)
	}
	metrics.VoucherTransitionInc(string(v.State))

	if v.State == voucher.StateInvalid {
		c.log.Warn("receipt rejected",
			zap.String("voucher", id.Hex()),
			zap.String("allocation", r.AllocationID.Hex()),
			zap.String("reason", reason),
		)
		return v, nil
	}
	c.pendingAdded(ctx)
	return v, nil
}

// revalidate re-runs validation for a receipt stored as invalid at ingestion
// and reinstates it when it now passes.
func (c *Collector) revalidate(ctx context.Context, existing *voucher.Voucher, r *voucher.Receipt, signer common.Address, sigErr error) (*voucher.Voucher, error) {
	reason, err := c.validate(ctx, r, signer, sigErr)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return existing, nil
	}
	v, err := c.store.Reinstate(ctx, existing.ID, func(v *voucher.Voucher) {
		v.Signature = r.Signature
		v.Endpoint = c.cfg.EndpointURL
	})
	if errors.Is(err, voucher.ErrInvalidTransition) {
		return c.store.GetVoucher(ctx, existing.ID)
	}
	if err != nil {
		return nil, err
	}
	metrics.VoucherTransitionInc(string(voucher.StatePending))
	c.log.Info("receipt reinstated",
		zap.String("voucher", v.ID.Hex()),
		zap.String("allocation", v.AllocationID.Hex()),
	)
	c.pendingAdded(ctx)
	return v, nil
}

func (c *Collector) pendingAdded(ctx context.Context) {
	if n, err := c.store.CountByState(ctx, voucher.StatePending); err == nil && n >= int64(c.cfg.BatchSize) {
		c.Trigger()
	}
}

// validate returns a non-empty reason when the receipt must be rejected.
// signer and sigErr are the result of recovering the receipt signature.
func (c *Collector) validate(ctx context.Context, r *voucher.Receipt, signer common.Address, sigErr error) (string, error) {
	if r.Fees.Sign() <= 0 {
		return "fees must be positive", nil
	}
	alloc, err := c.store.GetAllocation(ctx, r.AllocationID)
	if errors.Is(err, store.ErrNotFound) {
		return "unknown allocation " + r.AllocationID.Hex(), nil
	}
	if err != nil {
		return "", err
	}
	if alloc.State == voucher.AllocationClosed {
		return "allocation " + r.AllocationID.Hex() + " is closed", nil
	}
	if sigErr != nil {
		return "bad signature: " + sigErr.Error(), nil
	}
	if signer != alloc.Signer {
		return "signer " + signer.Hex() + " is not the allocation signer", nil
	}
	return "", nil
}

// Trigger requests an early collection run. It never blocks.
func (c *Collector) Trigger() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// CollectBatch submits up to BatchSize of the oldest pending vouchers and
// applies the endpoint's decisions. It returns how many vouchers reached
// collected. When a whole request fails its vouchers go back to pending
// untouched; an unreachable endpoint yields an error wrapping
// collection.ErrEndpointUnavailable.
func (c *Collector) CollectBatch(ctx context.Context) (int, error) {
	pending, err := c.store.ListByState(ctx, voucher.StatePending, int64(c.cfg.BatchSize))
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	groups := make(map[string][]*voucher.Voucher)
	var locked []*voucher.Voucher
	for _, v := range pending {
		moved, err := c.store.Transition(ctx, v.ID, voucher.StateCollecting, nil)
		if errors.Is(err, voucher.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			c.requeue(context.WithoutCancel(ctx), locked)
			return 0, err
		}
		locked = append(locked, moved)
		ep := moved.Endpoint
		if ep == "" {
			ep = c.cfg.EndpointURL
		}
		groups[ep] = append(groups[ep], moved)
	}

	endpoints := make([]string, 0, len(groups))
	for ep := range groups {
		endpoints = append(endpoints, ep)
	}
	sort.Strings(endpoints)

	// Decisions are applied even if ctx is cancelled mid-batch.
	wctx := context.WithoutCancel(ctx)
	collected := 0
	var firstErr error
	for _, ep := range endpoints {
		vs := groups[ep]
		results, err := c.endpoint.Collect(ctx, ep, vs)
		if err != nil {
			// Only per-voucher rejections count toward MaxFailures.
			if errors.Is(err, collection.ErrEndpointUnavailable) || ctx.Err() != nil {
				metrics.CollectBatchInc("unavailable")
			} else {
				metrics.CollectBatchInc("error")
			}
			c.requeue(wctx, vs)
			c.log.Warn("collect batch failed",
				zap.String("endpoint", ep),
				zap.Int("vouchers", len(vs)),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		metrics.CollectBatchInc("ok")
		for _, v := range vs {
			res, ok := results[v.ID]
			if !ok {
				c.fail(wctx, v, "no result from endpoint")
				continue
			}
			if !res.Accepted {
				c.fail(wctx, v, res.Reason)
				continue
			}
			_, err := c.store.Transition(wctx, v.ID, voucher.StateCollected, func(v *voucher.Voucher) {
				v.Value = res.Value
				v.ClaimSignature = res.ClaimSignature
				v.Reason = ""
			})
			if err != nil {
				// An expiry sweep may have taken the voucher meanwhile.
				c.log.Warn("mark collected", zap.String("voucher", v.ID.Hex()), zap.Error(err))
				if !errors.Is(err, voucher.ErrInvalidTransition) && firstErr == nil {
					firstErr = err
				}
				continue
			}
			metrics.VoucherTransitionInc(string(voucher.StateCollected))
			collected++
		}
	}

	c.log.Info("collect batch done",
		zap.Int("submitted", len(locked)),
		zap.Int("collected", collected),
	)
	if collected > 0 && c.onCollected != nil {
		c.onCollected()
	}
	return collected, firstErr
}

// fail records a rejected collection attempt. The voucher goes back to pending
// until it has failed MaxFailures times, then it becomes invalid.
func (c *Collector) fail(ctx context.Context, v *voucher.Voucher, reason string) {
	to := voucher.StatePending
	if v.Failures+1 >= c.cfg.MaxFailures {
		to = voucher.StateInvalid
	}
	_, err := c.store.Transition(ctx, v.ID, to, func(v *voucher.Voucher) {
		v.Failures++
		v.Reason = reason
	})
	if err != nil {
		c.log.Error("record collection failure", zap.String("voucher", v.ID.Hex()), zap.Error(err))
		return
	}
	metrics.VoucherTransitionInc(string(to))
	if to == voucher.StateInvalid {
		c.log.Warn("voucher invalidated",
			zap.String("voucher", v.ID.Hex()),
			zap.String("allocation", v.AllocationID.Hex()),
			zap.Int("failures", v.Failures+1),
			zap.String("reason", reason),
		)
	}
}

func (c *Collector) requeue(ctx context.Context, vs []*voucher.Voucher) {
	for _, v := range vs {
		if _, err := c.store.Transition(ctx, v.ID, voucher.StatePending, nil); err != nil {
			c.log.Error("requeue voucher", zap.String("voucher", v.ID.Hex()), zap.Error(err))
		}
	}
}

// ExpireVouchers expires every pending, collecting or collected voucher older
// than the expiration window. Running it again is a no-op.
func (c *Collector) ExpireVouchers(ctx context.Context) (int, error) {
	if c.cfg.ExpirationWindow <= 0 {
		return 0, nil
	}
	cutoff := c.now().Add(-c.cfg.ExpirationWindow)
	expired := 0
	for _, st := range []voucher.State{voucher.StatePending, voucher.StateCollecting, voucher.StateCollected} {
		vs, err := c.store.ListCreatedBefore(ctx, st, cutoff)
		if err != nil {
			return expired, err
		}
		for _, v := range vs {
			_, err := c.store.Transition(ctx, v.ID, voucher.StateExpired, func(v *voucher.Voucher) {
				v.Reason = "expired"
			})
			if errors.Is(err, voucher.ErrInvalidTransition) {
				continue
			}
			if err != nil {
				return expired, err
			}
			metrics.VoucherTransitionInc(string(voucher.StateExpired))
			expired++
		}
	}
	if expired > 0 {
		c.log.Info("vouchers expired", zap.Int("count", expired), zap.Time("cutoff", cutoff))
	}
	return expired, nil
}
