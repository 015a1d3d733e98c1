package store

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/0gfoundation/0g-indexer-agent/internal/txexec"
)

// SaveAttempt upserts a transaction attempt keyed by intent and index.
func (s *Store) SaveAttempt(ctx context.Context, a txexec.Attempt) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return storeErr("marshal attempt", err)
	}
	if err := s.rdb.HSet(ctx, attemptsKey(a.IntentID), strconv.Itoa(a.Index), string(raw)).Err(); err != nil {
		return storeErr("save attempt", err)
	}
	return nil
}

// Attempts returns every attempt of an intent in send order.
func (s *Store) Attempts(ctx context.Context, intentID string) ([]txexec.Attempt, error) {
	vals, err := s.rdb.HGetAll(ctx, attemptsKey(intentID)).Result()
	if err != nil {
		return nil, storeErr("load attempts", err)
	}
	out := make([]txexec.Attempt, 0, len(vals))
	for _, raw := range vals {
		var a txexec.Attempt
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, storeErr("decode attempt", err)
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}
