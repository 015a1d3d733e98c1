package chain

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

func TestPackRedeemMany_Selector(t *testing.T) {
	vs := []*voucher.Voucher{
		{AllocationID: common.HexToAddress("0xA1"), Value: big.NewInt(80), ClaimSignature: []byte{0x01}},
		{AllocationID: common.HexToAddress("0xA1"), Value: big.NewInt(90), ClaimSignature: []byte{0x02}},
		{AllocationID: common.HexToAddress("0xB2"), Fees: big.NewInt(100), ClaimSignature: []byte{0x03}},
	}
	data, err := PackRedeemMany(RedemptionsFor(vs))
	if err != nil {
		t.Fatalf("PackRedeemMany: %v", err)
	}

	selector := crypto.Keccak256([]byte("redeemMany((address,uint256,bytes)[])"))[:4]
	if !bytes.Equal(data[:4], selector) {
		t.Fatalf("selector: got %x want %x", data[:4], selector)
	}

	got, err := UnpackRedeemMany(data)
	if err != nil {
		t.Fatalf("UnpackRedeemMany: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("redemptions: got %d want 3", len(got))
	}
	total := new(big.Int)
	for _, r := range got {
		total.Add(total, r.Amount)
	}
	if total.Int64() != 270 {
		t.Errorf("total: got %s want 270", total)
	}
	if got[2].AllocationID != common.HexToAddress("0xB2") || !bytes.Equal(got[2].Signature, []byte{0x03}) {
		t.Errorf("third redemption: %+v", got[2])
	}
}

func TestPackRedeemMany_Empty(t *testing.T) {
	if _, err := PackRedeemMany(nil); err == nil {
		t.Fatal("expected error for empty redemption list")
	}
}
