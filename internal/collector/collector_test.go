package collector

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-indexer-agent/internal/collection"
	"github.com/0gfoundation/0g-indexer-agent/internal/store"
	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

// ── helpers ───────────────────────────────────────────────────────────────────

var (
	testAlloc  = common.HexToAddress("0x00000000000000000000000000000000000A11C0")
	testDomain = voucher.Domain{
		ChainID:           big.NewInt(16602),
		VerifyingContract: common.HexToAddress("0x000000000000000000000000000000000000BEEF"),
	}
)

type fakeEndpoint struct {
	mu      sync.Mutex
	calls   int
	decide  func(v *voucher.Voucher) (collection.Result, bool)
	failErr error
}

func (f *fakeEndpoint) Collect(_ context.Context, _ string, vs []*voucher.Voucher) (map[common.Hash]collection.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failErr != nil {
		return nil, f.failErr
	}
	out := make(map[common.Hash]collection.Result)
	for _, v := range vs {
		if f.decide == nil {
			out[v.ID] = collection.Result{ID: v.ID, Accepted: true, Value: v.Fees}
			continue
		}
		if r, ok := f.decide(v); ok {
			out[v.ID] = r
		}
	}
	return out, nil
}

type harness struct {
	st      *store.Store
	c       *Collector
	ep      *fakeEndpoint
	key     *ecdsa.PrivateKey
	now     time.Time
	trigger int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	h := &harness{
		ep:  &fakeEndpoint{},
		now: time.Unix(1_700_000_000, 0),
	}
	h.st = store.New(redis.NewClient(&redis.Options{Addr: mr.Addr()})).WithClock(func() time.Time { return h.now })
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	h.key = key
	if cfg.EndpointURL == "" {
		cfg.EndpointURL = "http://collect.test"
	}
	h.c = New(h.st, h.ep, testDomain, cfg, func() { h.trigger++ }, zap.NewNop())
	h.c.now = func() time.Time { return h.now }

	err = h.st.RegisterAllocation(context.Background(), voucher.Allocation{
		ID:     testAlloc,
		Signer: crypto.PubkeyToAddress(key.PublicKey),
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) receipt(t *testing.T, nonce uint64, fees int64) voucher.Receipt {
	t.Helper()
	r := voucher.Receipt{
		AllocationID: testAlloc,
		Timestamp:    uint64(h.now.UnixNano()),
		Nonce:        nonce,
		Fees:         big.NewInt(fees),
	}
	if err := voucher.Sign(&r, h.key, testDomain); err != nil {
		t.Fatal(err)
	}
	return r
}

func (h *harness) ingest(t *testing.T, nonce uint64, fees int64) *voucher.Voucher {
	t.Helper()
	v, err := h.c.Ingest(context.Background(), h.receipt(t, nonce, fees))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return v
}

func (h *harness) state(t *testing.T, id common.Hash) *voucher.Voucher {
	t.Helper()
	v, err := h.st.GetVoucher(context.Background(), id)
	if err != nil {
		t.Fatalf("GetVoucher: %v", err)
	}
	return v
}

// ── Ingest ────────────────────────────────────────────────────────────────────

func TestIngest_ValidReceiptIsPending(t *testing.T) {
	h := newHarness(t, Config{})
	v := h.ingest(t, 1, 100)
	if v.State != voucher.StatePending {
		t.Fatalf("state: got %s want pending (reason %q)", v.State, v.Reason)
	}
	if v.Endpoint != "http://collect.test" {
		t.Errorf("endpoint: got %q", v.Endpoint)
	}
	if got := h.state(t, v.ID); got.Fees.Int64() != 100 {
		t.Errorf("stored fees: got %s", got.Fees)
	}
}

func TestIngest_DuplicateReturnsExisting(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.receipt(t, 1, 100)
	first, err := h.c.Ingest(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.c.Ingest(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID || second.State != voucher.StatePending {
		t.Errorf("duplicate: %+v", second)
	}
	if n, _ := h.st.CountByState(context.Background(), voucher.StatePending); n != 1 {
		t.Errorf("pending count: got %d want 1", n)
	}
}

func TestIngest_InvalidReceipts(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	other, _ := crypto.GenerateKey()
	wrongSigner := h.receipt(t, 1, 100)
	if err := voucher.Sign(&wrongSigner, other, testDomain); err != nil {
		t.Fatal(err)
	}

	unknownAlloc := voucher.Receipt{AllocationID: common.HexToAddress("0x0B"), Nonce: 2, Fees: big.NewInt(5)}
	voucher.Sign(&unknownAlloc, h.key, testDomain) //nolint:errcheck

	tampered := h.receipt(t, 3, 100)
	tampered.Fees = big.NewInt(1000)

	zeroFees := h.receipt(t, 4, 1)
	zeroFees.Fees = big.NewInt(0)

	cases := []struct {
		name string
		r    voucher.Receipt
	}{
		{"wrong signer", wrongSigner},
		{"unknown allocation", unknownAlloc},
		{"tampered fees", tampered},
		{"zero fees", zeroFees},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := h.c.Ingest(ctx, tc.r)
			if err != nil {
				t.Fatalf("invalid receipt must not error: %v", err)
			}
			if v.State != voucher.StateInvalid || v.Reason == "" {
				t.Errorf("got state %s reason %q, want invalid with reason", v.State, v.Reason)
			}
		})
	}
	if n, _ := h.st.CountByState(ctx, voucher.StatePending); n != 0 {
		t.Errorf("pending count: got %d want 0", n)
	}
}

func TestIngest_ClosedAllocation(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.st.SetAllocationState(context.Background(), testAlloc, voucher.AllocationClosed); err != nil {
		t.Fatal(err)
	}
	if v := h.ingest(t, 1, 100); v.State != voucher.StateInvalid {
		t.Errorf("state: got %s want invalid", v.State)
	}
}

func TestIngest_MissingSignature(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.c.Ingest(context.Background(), voucher.Receipt{AllocationID: testAlloc, Fees: big.NewInt(1)})
	if !errors.Is(err, voucher.ErrInvalidReceipt) {
		t.Fatalf("expected ErrInvalidReceipt, got %v", err)
	}
}

func TestIngest_FullBatchTriggersCollection(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2})
	h.ingest(t, 1, 10)
	select {
	case <-h.c.kick:
		t.Fatal("triggered before batch was full")
	default:
	}
	h.ingest(t, 2, 10)
	select {
	case <-h.c.kick:
	default:
		t.Fatal("expected a trigger once pending reached the batch size")
	}
}

func TestIngest_MalleatedTwinIsNotPending(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	r := h.receipt(t, 1, 100)
	first, err := h.c.Ingest(ctx, r)
	if err != nil {
		t.Fatal(err)
	}

	n := crypto.S256().Params().N
	twin := r
	twin.Signature = make([]byte, 65)
	copy(twin.Signature, r.Signature[:32])
	new(big.Int).Sub(n, new(big.Int).SetBytes(r.Signature[32:64])).FillBytes(twin.Signature[32:64])
	twin.Signature[64] = 27
	if r.Signature[64] == 27 {
		twin.Signature[64] = 28
	}

	second, err := h.c.Ingest(ctx, twin)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID == first.ID || second.State != voucher.StateInvalid {
		t.Errorf("twin: id equal %v state %s", second.ID == first.ID, second.State)
	}
	if p, _ := h.st.CountByState(ctx, voucher.StatePending); p != 1 {
		t.Errorf("pending count: got %d want 1", p)
	}
}

func TestIngest_RecoveryIDEncodingsShareOneVoucher(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	r := h.receipt(t, 1, 100)
	first, err := h.c.Ingest(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	raw := r
	raw.Signature = append([]byte(nil), r.Signature...)
	raw.Signature[64] -= 27
	second, err := h.c.Ingest(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Fatal("same receipt with v=0/1 must map to the existing voucher")
	}
	if p, _ := h.st.CountByState(ctx, voucher.StatePending); p != 1 {
		t.Errorf("pending count: got %d want 1", p)
	}
}

func TestIngest_TamperedCopyDoesNotBlockGenuine(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	genuine := h.receipt(t, 1, 100)
	forged := genuine
	forged.Fees = big.NewInt(1)

	bad, err := h.c.Ingest(ctx, forged)
	if err != nil {
		t.Fatal(err)
	}
	if bad.State != voucher.StateInvalid {
		t.Fatalf("forged receipt: state %s", bad.State)
	}
	good, err := h.c.Ingest(ctx, genuine)
	if err != nil {
		t.Fatal(err)
	}
	if good.State != voucher.StatePending || good.ID == bad.ID {
		t.Errorf("genuine receipt: state %s, shares id %v", good.State, good.ID == bad.ID)
	}
}

func TestIngest_ReinstatedAfterAllocationRegistered(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	late := common.HexToAddress("0x00000000000000000000000000000000000A11C1")
	r := voucher.Receipt{AllocationID: late, Timestamp: uint64(h.now.UnixNano()), Nonce: 1, Fees: big.NewInt(50)}
	if err := voucher.Sign(&r, h.key, testDomain); err != nil {
		t.Fatal(err)
	}

	early, err := h.c.Ingest(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if early.State != voucher.StateInvalid {
		t.Fatalf("before registration: state %s", early.State)
	}

	err = h.st.RegisterAllocation(ctx, voucher.Allocation{ID: late, Signer: crypto.PubkeyToAddress(h.key.PublicKey)})
	if err != nil {
		t.Fatal(err)
	}
	again, err := h.c.Ingest(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != early.ID || again.State != voucher.StatePending || again.Reason != "" {
		t.Errorf("after registration: state %s reason %q", again.State, again.Reason)
	}
	if n, _ := h.st.CountByState(ctx, voucher.StateInvalid); n != 0 {
		t.Errorf("invalid count: got %d want 0", n)
	}
}

func TestIngest_EndpointRejectionIsNotReinstated(t *testing.T) {
	h := newHarness(t, Config{MaxFailures: 1})
	ctx := context.Background()
	r := h.receipt(t, 1, 100)
	if _, err := h.c.Ingest(ctx, r); err != nil {
		t.Fatal(err)
	}
	h.ep.decide = func(v *voucher.Voucher) (collection.Result, bool) {
		return collection.Result{ID: v.ID, Reason: "receipt already redeemed"}, true
	}
	if _, err := h.c.CollectBatch(ctx); err != nil {
		t.Fatal(err)
	}
	v, err := h.c.Ingest(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if v.State != voucher.StateInvalid || v.Failures != 1 {
		t.Errorf("state %s failures %d, want invalid kept", v.State, v.Failures)
	}
}

func TestIngest_OversizedFeesIsError(t *testing.T) {
	h := newHarness(t, Config{})
	r := h.receipt(t, 1, 1)
	r.Fees = new(big.Int).Lsh(big.NewInt(1), 130)
	if _, err := h.c.Ingest(context.Background(), r); !errors.Is(err, voucher.ErrInvalidReceipt) {
		t.Fatalf("expected ErrInvalidReceipt, got %v", err)
	}
}

// ── CollectBatch ──────────────────────────────────────────────────────────────

func TestCollectBatch_RejectOneOfThree(t *testing.T) {
	h := newHarness(t, Config{MaxFailures: 3})
	ctx := context.Background()
	a := h.ingest(t, 1, 100)
	b := h.ingest(t, 2, 200)
	c := h.ingest(t, 3, 300)

	h.ep.decide = func(v *voucher.Voucher) (collection.Result, bool) {
		if v.ID == c.ID {
			return collection.Result{ID: v.ID, Reason: "receipt already redeemed"}, true
		}
		val := new(big.Int).Sub(v.Fees, big.NewInt(1))
		return collection.Result{ID: v.ID, Accepted: true, Value: val, ClaimSignature: []byte{0x01}}, true
	}

	n, err := h.c.CollectBatch(ctx)
	if err != nil {
		t.Fatalf("CollectBatch: %v", err)
	}
	if n != 2 {
		t.Errorf("collected: got %d want 2", n)
	}
	if h.trigger != 1 {
		t.Errorf("scheduler triggers: got %d want 1", h.trigger)
	}

	for _, id := range []common.Hash{a.ID, b.ID} {
		v := h.state(t, id)
		if v.State != voucher.StateCollected || len(v.ClaimSignature) == 0 {
			t.Errorf("voucher %s: state %s", id.Hex(), v.State)
		}
	}
	rejected := h.state(t, c.ID)
	if rejected.State != voucher.StatePending || rejected.Failures != 1 {
		t.Errorf("rejected voucher: state %s failures %d", rejected.State, rejected.Failures)
	}

	alloc, _ := h.st.GetAllocation(ctx, testAlloc)
	if alloc.CollectedTotal.Int64() != 99+199 {
		t.Errorf("collected total: got %s want 298", alloc.CollectedTotal)
	}
}

func TestCollectBatch_InvalidAfterMaxFailures(t *testing.T) {
	h := newHarness(t, Config{MaxFailures: 2})
	v := h.ingest(t, 1, 100)
	h.ep.decide = func(*voucher.Voucher) (collection.Result, bool) { return collection.Result{}, false }

	for i := 0; i < 2; i++ {
		if _, err := h.c.CollectBatch(context.Background()); err != nil {
			t.Fatalf("CollectBatch %d: %v", i, err)
		}
	}
	got := h.state(t, v.ID)
	if got.State != voucher.StateInvalid || got.Failures != 2 {
		t.Errorf("state %s failures %d, want invalid after 2", got.State, got.Failures)
	}
	if h.trigger != 0 {
		t.Errorf("scheduler triggered without collected vouchers")
	}
}

func TestCollectBatch_EndpointUnavailable(t *testing.T) {
	h := newHarness(t, Config{})
	v := h.ingest(t, 1, 100)
	h.ep.failErr = fmt.Errorf("%w: connection refused", collection.ErrEndpointUnavailable)

	_, err := h.c.CollectBatch(context.Background())
	if !errors.Is(err, collection.ErrEndpointUnavailable) {
		t.Fatalf("expected ErrEndpointUnavailable, got %v", err)
	}
	got := h.state(t, v.ID)
	if got.State != voucher.StatePending || got.Failures != 0 {
		t.Errorf("state %s failures %d, want pending untouched", got.State, got.Failures)
	}
}

func TestCollectBatch_WholeBatchErrorKeepsFailureCount(t *testing.T) {
	h := newHarness(t, Config{MaxFailures: 1})
	v := h.ingest(t, 1, 100)
	h.ep.failErr = errors.New("collection endpoint: status 400")

	if _, err := h.c.CollectBatch(context.Background()); err == nil {
		t.Fatal("expected batch error")
	}
	got := h.state(t, v.ID)
	if got.State != voucher.StatePending || got.Failures != 0 {
		t.Errorf("state %s failures %d, want pending untouched", got.State, got.Failures)
	}
}

func TestCollectBatch_RespectsBatchSize(t *testing.T) {
	h := newHarness(t, Config{BatchSize: 2})
	for i := 0; i < 5; i++ {
		h.ingest(t, uint64(i), 10)
	}
	n, err := h.c.CollectBatch(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("CollectBatch: n=%d err=%v", n, err)
	}
	if p, _ := h.st.CountByState(context.Background(), voucher.StatePending); p != 3 {
		t.Errorf("pending left: got %d want 3", p)
	}
}

func TestCollectBatch_Empty(t *testing.T) {
	h := newHarness(t, Config{})
	n, err := h.c.CollectBatch(context.Background())
	if err != nil || n != 0 || h.ep.calls != 0 {
		t.Errorf("n=%d err=%v calls=%d", n, err, h.ep.calls)
	}
}

// ── Recover & expiry ──────────────────────────────────────────────────────────

func TestRecover_RequeuesCollecting(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	a := h.ingest(t, 1, 100)
	b := h.ingest(t, 2, 100)
	if _, err := h.st.Transition(ctx, a.ID, voucher.StateCollecting, nil); err != nil {
		t.Fatal(err)
	}

	n, err := h.c.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued: got %d want 1", n)
	}
	for _, id := range []common.Hash{a.ID, b.ID} {
		if st := h.state(t, id).State; st != voucher.StatePending {
			t.Errorf("voucher %s: state %s want pending", id.Hex(), st)
		}
	}

	// Recovered vouchers are collected by the next batch.
	if n, err := h.c.CollectBatch(ctx); err != nil || n != 2 {
		t.Errorf("CollectBatch after recover: n=%d err=%v", n, err)
	}
}

func TestExpireVouchers_Idempotent(t *testing.T) {
	h := newHarness(t, Config{ExpirationWindow: time.Hour})
	ctx := context.Background()
	old := h.ingest(t, 1, 100)
	oldCollected := h.ingest(t, 2, 50)
	h.ep.decide = func(v *voucher.Voucher) (collection.Result, bool) {
		return collection.Result{ID: v.ID, Accepted: v.ID == oldCollected.ID, Value: v.Fees}, true
	}
	if _, err := h.c.CollectBatch(ctx); err != nil {
		t.Fatal(err)
	}
	h.now = h.now.Add(30 * time.Minute)
	fresh := h.ingest(t, 3, 100)

	h.now = h.now.Add(45 * time.Minute)
	n, err := h.c.ExpireVouchers(ctx)
	if err != nil {
		t.Fatalf("ExpireVouchers: %v", err)
	}
	if n != 2 {
		t.Errorf("expired: got %d want 2", n)
	}
	for _, id := range []common.Hash{old.ID, oldCollected.ID} {
		if st := h.state(t, id).State; st != voucher.StateExpired {
			t.Errorf("voucher %s: state %s want expired", id.Hex(), st)
		}
	}
	if st := h.state(t, fresh.ID).State; st != voucher.StatePending {
		t.Errorf("fresh voucher: state %s want pending", st)
	}
	alloc, _ := h.st.GetAllocation(ctx, testAlloc)
	if alloc.CollectedTotal.Sign() != 0 {
		t.Errorf("collected total after expiry: got %s want 0", alloc.CollectedTotal)
	}

	n, err = h.c.ExpireVouchers(ctx)
	if err != nil || n != 0 {
		t.Errorf("second sweep: n=%d err=%v, want no-op", n, err)
	}
}

func TestNextBackoff(t *testing.T) {
	initial, limit := time.Second, 5*time.Second
	var got []time.Duration
	var cur time.Duration
	for i := 0; i < 5; i++ {
		cur = nextBackoff(cur, initial, limit)
		got = append(got, cur)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d: got %v want %v", i, got[i], want[i])
		}
	}
}
