package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

// RegisterAllocation records an allocation opened outside the agent. The
// totals and lifecycle state of an already known allocation are left
// untouched; only SetAllocationState moves a known allocation.
func (s *Store) RegisterAllocation(ctx context.Context, a voucher.Allocation) error {
	if a.State == "" {
		a.State = voucher.AllocationActive
	}
	key := allocationKey(a.ID)
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"id", a.ID.Hex(),
			"deployment", a.DeploymentID.Hex(),
			"signer", a.Signer.Hex(),
		)
		p.HSetNX(ctx, key, "state", string(a.State))
		p.HSetNX(ctx, key, "collected_total", "0")
		p.HSetNX(ctx, key, "claimed_total", "0")
		p.SAdd(ctx, allocationsKey, a.ID.Hex())
		return nil
	})
	if err != nil {
		return storeErr("register allocation", err)
	}
	return nil
}

// GetAllocation loads one allocation with its rebate totals.
func (s *Store) GetAllocation(ctx context.Context, id common.Address) (*voucher.Allocation, error) {
	vals, err := s.rdb.HGetAll(ctx, allocationKey(id)).Result()
	if err != nil {
		return nil, storeErr("get allocation", err)
	}
	if len(vals) == 0 || vals["id"] == "" {
		return nil, fmt.Errorf("allocation %s: %w", id.Hex(), ErrNotFound)
	}
	return allocationFromMap(vals), nil
}

// SetAllocationState updates the lifecycle state of a known allocation.
func (s *Store) SetAllocationState(ctx context.Context, id common.Address, st voucher.AllocationState) error {
	key := allocationKey(id)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return storeErr("set allocation state", err)
	}
	if n == 0 {
		return fmt.Errorf("allocation %s: %w", id.Hex(), ErrNotFound)
	}
	if err := s.rdb.HSet(ctx, key, "state", string(st)).Err(); err != nil {
		return storeErr("set allocation state", err)
	}
	return nil
}

// ListAllocations returns every known allocation in ascending id order.
func (s *Store) ListAllocations(ctx context.Context) ([]*voucher.Allocation, error) {
	ids, err := s.rdb.SMembers(ctx, allocationsKey).Result()
	if err != nil {
		return nil, storeErr("list allocations", err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, allocationKey(common.HexToAddress(id)))
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("load allocations", err)
	}
	out := make([]*voucher.Allocation, 0, len(ids))
	for _, cmd := range cmds {
		if vals := cmd.Val(); len(vals) > 0 {
			out = append(out, allocationFromMap(vals))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].ID.Bytes(), out[j].ID.Bytes()) < 0
	})
	return out, nil
}

func allocationFromMap(m map[string]string) *voucher.Allocation {
	return &voucher.Allocation{
		ID:             common.HexToAddress(m["id"]),
		DeploymentID:   common.HexToHash(m["deployment"]),
		State:          voucher.AllocationState(m["state"]),
		Signer:         common.HexToAddress(m["signer"]),
		CollectedTotal: parseBig(m["collected_total"]),
		ClaimedTotal:   parseBig(m["claimed_total"]),
	}
}
