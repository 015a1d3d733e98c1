// Package store persists vouchers, allocation rebate totals, transaction
// attempts and unresolved claim batches in Redis.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrStore wraps every Redis failure; callers must not swallow it.
	ErrStore    = errors.New("store failure")
	ErrNotFound = errors.New("not found")
)

// maxTxRetries bounds optimistic-lock retries on a contended key.
const maxTxRetries = 16

type Store struct {
	rdb *redis.Client
	now func() time.Time
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

// WithClock overrides the time source (tests).
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
}
