package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

// CreateVoucher persists a new voucher. It returns false without writing when
// a voucher with the same id already exists.
func (s *Store) CreateVoucher(ctx context.Context, v *voucher.Voucher) (bool, error) {
	if v.State != voucher.StatePending && v.State != voucher.StateInvalid {
		return false, fmt.Errorf("create voucher in state %s: %w", v.State, voucher.ErrInvalidTransition)
	}
	now := s.now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	key := voucherKey(v.ID)
	created := false
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, voucherFields(v)...)
			p.ZAdd(ctx, stateIndexKey(v.State), redis.Z{Score: score(v.CreatedAt), Member: v.ID.Hex()})
			return nil
		})
		if err == nil {
			created = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Lost a race against an identical insert.
		return false, nil
	}
	if err != nil {
		return false, storeErr("create voucher", err)
	}
	return created, nil
}

// GetVoucher loads a voucher by id.
func (s *Store) GetVoucher(ctx context.Context, id common.Hash) (*voucher.Voucher, error) {
	vals, err := s.rdb.HGetAll(ctx, voucherKey(id)).Result()
	if err != nil {
		return nil, storeErr("get voucher", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("voucher %s: %w", id.Hex(), ErrNotFound)
	}
	return voucherFromMap(vals)
}

// Transition atomically moves a voucher to state `to`, applying mutate to the
// record before it is written. The allocation's collected total follows every
// move in or out of collected, and its claimed total every move into claimed.
func (s *Store) Transition(ctx context.Context, id common.Hash, to voucher.State, mutate func(*voucher.Voucher)) (*voucher.Voucher, error) {
	vKey := voucherKey(id)
	allocHex, err := s.rdb.HGet(ctx, vKey, "allocation").Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("voucher %s: %w", id.Hex(), ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("transition", err)
	}
	alloc := common.HexToAddress(allocHex)
	aKey := allocationKey(alloc)

	var out *voucher.Voucher
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, vKey).Result()
		if err != nil {
			return err
		}
		v, err := voucherFromMap(vals)
		if err != nil {
			return err
		}
		from := v.State
		if err := voucher.CheckTransition(from, to); err != nil {
			return err
		}
		v.State = to
		v.UpdatedAt = s.now()
		if mutate != nil {
			mutate(v)
		}

		var collectedTotal, claimedTotal *big.Int
		if from == voucher.StateCollected || to == voucher.StateCollected || to == voucher.StateClaimed {
			totals, err := tx.HMGet(ctx, aKey, "collected_total", "claimed_total").Result()
			if err != nil {
				return err
			}
			collectedTotal = parseBig(totals[0])
			claimedTotal = parseBig(totals[1])
			val := v.ClaimValue()
			if from == voucher.StateCollected {
				collectedTotal.Sub(collectedTotal, val)
			}
			if to == voucher.StateCollected {
				collectedTotal.Add(collectedTotal, val)
			}
			if to == voucher.StateClaimed {
				claimedTotal.Add(claimedTotal, val)
			}
		}

		member := v.ID.Hex()
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, vKey, voucherFields(v)...)
			p.ZRem(ctx, stateIndexKey(from), member)
			p.ZAdd(ctx, stateIndexKey(to), redis.Z{Score: score(v.CreatedAt), Member: member})
			if from == voucher.StateCollected {
				p.ZRem(ctx, collectedIndexKey(alloc), member)
			}
			if to == voucher.StateCollected {
				p.ZAdd(ctx, collectedIndexKey(alloc), redis.Z{Score: score(v.CreatedAt), Member: member})
			}
			if collectedTotal != nil {
				p.HSet(ctx, aKey,
					"collected_total", collectedTotal.String(),
					"claimed_total", claimedTotal.String(),
				)
			}
			return nil
		})
		if err == nil {
			out = v
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err = s.rdb.Watch(ctx, txf, vKey, aKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		break
	}
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, voucher.ErrInvalidTransition):
		return nil, err
	default:
		return nil, storeErr("transition "+id.Hex(), err)
	}
}

// Reinstate moves an invalid voucher back to pending, applying mutate first.
// Only vouchers rejected at ingestion qualify; one the collection endpoint
// refused keeps its invalid state and ErrInvalidTransition is returned.
func (s *Store) Reinstate(ctx context.Context, id common.Hash, mutate func(*voucher.Voucher)) (*voucher.Voucher, error) {
	vKey := voucherKey(id)
	var out *voucher.Voucher
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, vKey).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return fmt.Errorf("voucher %s: %w", id.Hex(), ErrNotFound)
		}
		v, err := voucherFromMap(vals)
		if err != nil {
			return err
		}
		if v.State != voucher.StateInvalid || v.Failures > 0 {
			return fmt.Errorf("%w: reinstate %s voucher with %d failures", voucher.ErrInvalidTransition, v.State, v.Failures)
		}
		v.State = voucher.StatePending
		v.Reason = ""
		v.UpdatedAt = s.now()
		if mutate != nil {
			mutate(v)
		}
		member := v.ID.Hex()
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, vKey, voucherFields(v)...)
			p.ZRem(ctx, stateIndexKey(voucher.StateInvalid), member)
			p.ZAdd(ctx, stateIndexKey(voucher.StatePending), redis.Z{Score: score(v.CreatedAt), Member: member})
			return nil
		})
		if err == nil {
			out = v
		}
		return err
	}

	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.rdb.Watch(ctx, txf, vKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		break
	}
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, voucher.ErrInvalidTransition), errors.Is(err, ErrNotFound):
		return nil, err
	default:
		return nil, storeErr("reinstate "+id.Hex(), err)
	}
}

// ListByState returns up to limit vouchers in state s, oldest first.
// limit <= 0 returns all of them.
func (s *Store) ListByState(ctx context.Context, st voucher.State, limit int64) ([]*voucher.Voucher, error) {
	stop := limit - 1
	if limit <= 0 {
		stop = -1
	}
	ids, err := s.rdb.ZRange(ctx, stateIndexKey(st), 0, stop).Result()
	if err != nil {
		return nil, storeErr("list "+string(st), err)
	}
	return s.loadAll(ctx, ids)
}

// ListCreatedBefore returns vouchers in state s created before cutoff.
func (s *Store) ListCreatedBefore(ctx context.Context, st voucher.State, cutoff time.Time) ([]*voucher.Voucher, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, stateIndexKey(st), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, storeErr("list expired "+string(st), err)
	}
	return s.loadAll(ctx, ids)
}

// ListCollected returns every collected voucher of an allocation, oldest first.
func (s *Store) ListCollected(ctx context.Context, alloc common.Address) ([]*voucher.Voucher, error) {
	ids, err := s.rdb.ZRange(ctx, collectedIndexKey(alloc), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list collected", err)
	}
	return s.loadAll(ctx, ids)
}

// CountByState returns the number of vouchers in state s.
func (s *Store) CountByState(ctx context.Context, st voucher.State) (int64, error) {
	n, err := s.rdb.ZCard(ctx, stateIndexKey(st)).Result()
	if err != nil {
		return 0, storeErr("count "+string(st), err)
	}
	return n, nil
}

// LoadRecoverable returns every voucher a crash may have left mid-collection.
func (s *Store) LoadRecoverable(ctx context.Context) ([]*voucher.Voucher, error) {
	var out []*voucher.Voucher
	for _, st := range []voucher.State{voucher.StatePending, voucher.StateCollecting} {
		vs, err := s.ListByState(ctx, st, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, vs...)
	}
	return out, nil
}

func (s *Store) loadAll(ctx context.Context, ids []string) ([]*voucher.Voucher, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, voucherKey(common.HexToHash(id)))
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("load vouchers", err)
	}
	out := make([]*voucher.Voucher, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		v, err := voucherFromMap(vals)
		if err != nil {
			return nil, storeErr("decode voucher", err)
		}
		out = append(out, v)
	}
	return out, nil
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

func voucherFields(v *voucher.Voucher) []any {
	value := ""
	if v.Value != nil {
		value = v.Value.String()
	}
	fees := "0"
	if v.Fees != nil {
		fees = v.Fees.String()
	}
	return []any{
		"id", v.ID.Hex(),
		"allocation", v.AllocationID.Hex(),
		"timestamp", strconv.FormatUint(v.Timestamp, 10),
		"nonce", strconv.FormatUint(v.Nonce, 10),
		"fees", fees,
		"signature", hex.EncodeToString(v.Signature),
		"endpoint", v.Endpoint,
		"state", string(v.State),
		"value", value,
		"claim_signature", hex.EncodeToString(v.ClaimSignature),
		"failures", v.Failures,
		"reason", v.Reason,
		"created_at", v.CreatedAt.UnixNano(),
		"updated_at", v.UpdatedAt.UnixNano(),
	}
}

func voucherFromMap(m map[string]string) (*voucher.Voucher, error) {
	st := voucher.State(m["state"])
	if !st.Valid() {
		return nil, fmt.Errorf("voucher %s: unknown state %q", m["id"], m["state"])
	}
	sig, err := hex.DecodeString(m["signature"])
	if err != nil {
		return nil, fmt.Errorf("voucher %s: signature: %w", m["id"], err)
	}
	claimSig, err := hex.DecodeString(m["claim_signature"])
	if err != nil {
		return nil, fmt.Errorf("voucher %s: claim signature: %w", m["id"], err)
	}
	ts, _ := strconv.ParseUint(m["timestamp"], 10, 64)
	nonce, _ := strconv.ParseUint(m["nonce"], 10, 64)
	failures, _ := strconv.Atoi(m["failures"])
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	updatedAt, _ := strconv.ParseInt(m["updated_at"], 10, 64)

	v := &voucher.Voucher{
		ID:           common.HexToHash(m["id"]),
		AllocationID: common.HexToAddress(m["allocation"]),
		Timestamp:    ts,
		Nonce:        nonce,
		Fees:         parseBig(m["fees"]),
		Signature:    sig,
		Endpoint:     m["endpoint"],
		State:        st,
		Failures:     failures,
		Reason:       m["reason"],
		CreatedAt:    time.Unix(0, createdAt),
		UpdatedAt:    time.Unix(0, updatedAt),
	}
	if len(claimSig) > 0 {
		v.ClaimSignature = claimSig
	}
	if m["value"] != "" {
		v.Value = parseBig(m["value"])
	}
	return v, nil
}

// parseBig reads a decimal string (or a nil HMGET slot) as a big.Int, zero on failure.
func parseBig(raw any) *big.Int {
	s, _ := raw.(string)
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return n
}
