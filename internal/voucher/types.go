package voucher

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Receipt is a signed query-fee receipt as sent by a gateway.
// The EIP-712 struct covers AllocationID, Timestamp, Nonce and Fees.
type Receipt struct {
	AllocationID common.Address `json:"allocation_id"`
	Timestamp    uint64         `json:"timestamp_ns"`
	Nonce        uint64         `json:"nonce"`
	Fees         *big.Int       `json:"fees"`
	Signature    []byte         `json:"signature"`
}

// Voucher is the agent's durable record of a receipt and its lifecycle.
type Voucher struct {
	ID             common.Hash    `json:"id"`
	AllocationID   common.Address `json:"allocation_id"`
	Timestamp      uint64         `json:"timestamp_ns"`
	Nonce          uint64         `json:"nonce"`
	Fees           *big.Int       `json:"fees"`
	Signature      []byte         `json:"signature"`
	Endpoint       string         `json:"endpoint"`
	State          State          `json:"state"`
	Value          *big.Int       `json:"value,omitempty"` // confirmed by the collection endpoint
	ClaimSignature []byte         `json:"claim_signature,omitempty"`
	Failures       int            `json:"failures"`
	Reason         string         `json:"reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ClaimValue is the amount this voucher contributes to a claim.
func (v *Voucher) ClaimValue() *big.Int {
	if v.Value != nil {
		return v.Value
	}
	if v.Fees != nil {
		return v.Fees
	}
	return new(big.Int)
}

// AllocationState is the lifecycle of an allocation as seen by the agent.
type AllocationState string

const (
	AllocationActive  AllocationState = "active"
	AllocationClosing AllocationState = "closing"
	AllocationClosed  AllocationState = "closed"
)

// Allocation holds the rebate bookkeeping for one allocation.
type Allocation struct {
	ID             common.Address  `json:"id"`
	DeploymentID   common.Hash     `json:"deployment_id"`
	State          AllocationState `json:"state"`
	Signer         common.Address  `json:"signer"` // payment channel signer
	CollectedTotal *big.Int        `json:"collected_total"`
	ClaimedTotal   *big.Int        `json:"claimed_total"`
}

// ID derives the voucher id from the receipt digest and the address that
// signed it. Re-encodings of the same signature map to the same id.
func ID(digest common.Hash, signer common.Address) common.Hash {
	return crypto.Keccak256Hash(digest.Bytes(), signer.Bytes())
}

// ClaimBatch groups the vouchers settled by one claim transaction. It is
// persisted only until that transaction is resolved.
type ClaimBatch struct {
	ID          string           `json:"id"`
	IntentID    string           `json:"intent_id"`
	VoucherIDs  []common.Hash    `json:"voucher_ids"`
	Allocations []common.Address `json:"allocations"`
	Total       *big.Int         `json:"total"`
	CreatedAt   time.Time        `json:"created_at"`
}
