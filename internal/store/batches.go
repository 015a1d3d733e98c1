package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

// SaveBatch records an unresolved claim batch.
func (s *Store) SaveBatch(ctx context.Context, b *voucher.ClaimBatch) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return storeErr("marshal batch", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, batchKey(b.ID), string(raw), 0)
		p.SAdd(ctx, openBatchesKey, b.ID)
		return nil
	})
	if err != nil {
		return storeErr("save batch", err)
	}
	return nil
}

// DeleteBatch drops a resolved claim batch.
func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, batchKey(id))
		p.SRem(ctx, openBatchesKey, id)
		return nil
	})
	if err != nil {
		return storeErr("delete batch", err)
	}
	return nil
}

// ListBatches returns every unresolved claim batch, oldest first.
func (s *Store) ListBatches(ctx context.Context) ([]*voucher.ClaimBatch, error) {
	ids, err := s.rdb.SMembers(ctx, openBatchesKey).Result()
	if err != nil {
		return nil, storeErr("list batches", err)
	}
	out := make([]*voucher.ClaimBatch, 0, len(ids))
	for _, id := range ids {
		raw, err := s.rdb.Get(ctx, batchKey(id)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, storeErr("load batch", err)
		}
		var b voucher.ClaimBatch
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, storeErr(fmt.Sprintf("decode batch %s", id), err)
		}
		out = append(out, &b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
