package main

import (
	"bytes"
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-indexer-agent/internal/store"
	"github.com/0gfoundation/0g-indexer-agent/internal/txexec"
	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

var testAlloc = common.HexToAddress("0x00000000000000000000000000000000000A11C0")

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	mr := miniredis.RunT(t)
	st := store.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	if err := st.RegisterAllocation(ctx, voucher.Allocation{ID: testAlloc, Signer: common.HexToAddress("0x5157")}); err != nil {
		t.Fatal(err)
	}
	for i, fees := range []int64{10, 20} {
		_, err := st.CreateVoucher(ctx, &voucher.Voucher{
			ID:           crypto.Keccak256Hash([]byte{byte(i + 1)}),
			AllocationID: testAlloc,
			Fees:         big.NewInt(fees),
			Signature:    []byte{byte(i + 1)},
			State:        voucher.StatePending,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	err := st.SaveAttempt(ctx, txexec.Attempt{
		IntentID:    "claim-abc",
		Nonce:       4,
		GasPrice:    big.NewInt(7),
		Hash:        common.HexToHash("0xfeed"),
		SubmittedAt: time.Unix(1_700_000_000, 0),
		Outcome:     txexec.OutcomePending,
	})
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func run(t *testing.T, st *store.Store, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(func(context.Context) (*store.Store, error) { return st, nil })
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInspect_Allocations(t *testing.T) {
	out, err := run(t, seededStore(t), "allocations")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, testAlloc.Hex()) || !strings.Contains(out, "active") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestInspect_VouchersByState(t *testing.T) {
	st := seededStore(t)
	out, err := run(t, st, "vouchers", "--state", "pending")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(out, testAlloc.Hex()); got != 2 {
		t.Errorf("expected 2 pending vouchers, got %d:\n%s", got, out)
	}

	out, err = run(t, st, "vouchers", "--state", "claimed")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, testAlloc.Hex()) {
		t.Errorf("no claimed vouchers expected:\n%s", out)
	}
}

func TestInspect_UnknownState(t *testing.T) {
	if _, err := run(t, seededStore(t), "vouchers", "--state", "lost"); err == nil {
		t.Fatal("expected error for unknown state")
	}
}

func TestInspect_Summary(t *testing.T) {
	out, err := run(t, seededStore(t), "summary")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "pending:    2") {
		t.Errorf("unexpected summary:\n%s", out)
	}
}

func TestInspect_Attempts(t *testing.T) {
	st := seededStore(t)
	out, err := run(t, st, "attempts", "claim-abc")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, common.HexToHash("0xfeed").Hex()) || !strings.Contains(out, "pending") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = run(t, st, "attempts", "claim-none")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "no attempts recorded") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestInspect_AttemptsNeedsIntent(t *testing.T) {
	if _, err := run(t, seededStore(t), "attempts"); err == nil {
		t.Fatal("expected argument error")
	}
}

func TestInspect_Batches(t *testing.T) {
	st := seededStore(t)
	out, err := run(t, st, "batches")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "no unresolved claims") {
		t.Errorf("unexpected output:\n%s", out)
	}

	err = st.SaveBatch(context.Background(), &voucher.ClaimBatch{
		ID:          "b1",
		IntentID:    "claim-b1",
		VoucherIDs:  []common.Hash{crypto.Keccak256Hash([]byte{1})},
		Allocations: []common.Address{testAlloc},
		Total:       big.NewInt(10),
	})
	if err != nil {
		t.Fatal(err)
	}
	out, err = run(t, st, "batches")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "intent=claim-b1") || !strings.Contains(out, "total=10") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestFormatEther(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	if got := formatEther(wei); got != "1.500000" {
		t.Errorf("got %s", got)
	}
}
