package txexec

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// nonceAuthority hands out sender nonces. It is the only place nonces are
// assigned, so concurrent Submit calls never share one.
type nonceAuthority struct {
	mu      sync.Mutex
	backend Backend
	from    common.Address
	retry   RetryConfig
	next    uint64
	synced  bool
}

// reserve returns the next nonce: the larger of the chain's pending nonce and
// the local counter.
func (n *nonceAuthority) reserve(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var pending uint64
	err := retryWithBackoff(ctx, n.retry, func() error {
		var err error
		pending, err = n.backend.PendingNonceAt(ctx, n.from)
		return err
	})
	if err != nil {
		return 0, err
	}
	if !n.synced || pending > n.next {
		n.next = pending
		n.synced = true
	}
	nonce := n.next
	n.next++
	return nonce, nil
}

// release gives back a nonce that was never accepted by the node. The next
// reservation resyncs from the chain so no gap is left behind.
func (n *nonceAuthority) release(nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.next == nonce+1 {
		n.next = nonce
		return
	}
	n.synced = false
}
