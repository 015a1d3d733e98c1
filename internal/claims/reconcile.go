package claims

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-indexer-agent/internal/metrics"
	"github.com/0gfoundation/0g-indexer-agent/internal/txexec"
	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

// Recover resolves claims a previous run left behind. Vouchers stuck in
// claiming without a recorded batch never reached the chain and go back to
// collected. It returns how many vouchers were released that way.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	locked, err := s.reconcile(ctx)
	if err != nil {
		return 0, err
	}
	claiming, err := s.store.ListByState(ctx, voucher.StateClaiming, 0)
	if err != nil {
		return 0, err
	}
	var orphans []*voucher.Voucher
	for _, v := range claiming {
		if _, ok := locked[v.ID]; !ok {
			orphans = append(orphans, v)
		}
	}
	s.release(ctx, orphans)
	s.log.Info("claim scheduler recovered",
		zap.Int("claiming", len(claiming)),
		zap.Int("released", len(orphans)),
		zap.Int("unresolved", len(locked)),
	)
	return len(orphans), nil
}

// reconcile checks every recorded batch against the chain. Mined batches are
// credited, dead ones released. It returns the vouchers of batches whose
// transaction may still be mined; they must not be claimed again meanwhile.
func (s *Scheduler) reconcile(ctx context.Context) (map[common.Hash]struct{}, error) {
	batches, err := s.store.ListBatches(ctx)
	if err != nil {
		return nil, err
	}
	locked := make(map[common.Hash]struct{})
	for _, b := range batches {
		log := s.log.With(zap.String("batch", b.ID))

		attempts, err := s.exec.Attempts(ctx, b.IntentID)
		if err != nil {
			return nil, err
		}
		nonce, hashes, ok := liveAttempts(attempts)
		if !ok {
			// Nothing was ever accepted by a node.
			s.resolve(ctx, b, txexec.OutcomeRejected)
			continue
		}

		outcome, _, err := s.exec.Status(ctx, nonce, hashes)
		if err != nil {
			if errors.Is(err, txexec.ErrProviderUnavailable) {
				log.Warn("cannot check claim transaction", zap.Error(err))
				lock(locked, b)
				continue
			}
			return nil, err
		}
		if outcome == txexec.OutcomePending {
			lock(locked, b)
			continue
		}
		log.Info("claim batch resolved",
			zap.String("outcome", string(outcome)),
			zap.Uint64("nonce", nonce),
		)
		s.resolve(ctx, b, outcome)
	}
	return locked, nil
}

func (s *Scheduler) resolve(ctx context.Context, b *voucher.ClaimBatch, outcome txexec.Outcome) {
	if outcome == txexec.OutcomeConfirmed {
		s.markClaimed(ctx, b)
		metrics.ClaimInc("reconciled")
	} else {
		var stuck []*voucher.Voucher
		for _, id := range b.VoucherIDs {
			v, err := s.store.GetVoucher(ctx, id)
			if err != nil {
				s.log.Error("load batch voucher", zap.String("voucher", id.Hex()), zap.Error(err))
				continue
			}
			if v.State == voucher.StateClaiming {
				stuck = append(stuck, v)
			}
		}
		s.release(ctx, stuck)
	}
	if err := s.store.DeleteBatch(ctx, b.ID); err != nil {
		s.log.Error("delete resolved batch", zap.String("batch", b.ID), zap.Error(err))
	}
}

// liveAttempts returns the nonce and hashes of the attempts a node accepted.
func liveAttempts(attempts []txexec.Attempt) (uint64, []common.Hash, bool) {
	var nonce uint64
	var hashes []common.Hash
	for _, a := range attempts {
		if a.Outcome == txexec.OutcomeRejected || a.Hash == (common.Hash{}) {
			continue
		}
		if len(hashes) > 0 && a.Nonce != nonce {
			// A nonce refetch restarted the intent; only the last nonce counts.
			hashes = hashes[:0]
		}
		nonce = a.Nonce
		hashes = append(hashes, a.Hash)
	}
	return nonce, hashes, len(hashes) > 0
}

func lock(m map[common.Hash]struct{}, b *voucher.ClaimBatch) {
	for _, id := range b.VoucherIDs {
		m[id] = struct{}{}
	}
}
