package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

// ExchangeABI is the subset of the rebate exchange contract the agent calls.
const ExchangeABI = `[
	{
		"type": "function",
		"name": "redeemMany",
		"stateMutability": "nonpayable",
		"inputs": [
			{
				"name": "redemptions",
				"type": "tuple[]",
				"components": [
					{"name": "allocationID", "type": "address"},
					{"name": "amount", "type": "uint256"},
					{"name": "signature", "type": "bytes"}
				]
			}
		],
		"outputs": []
	}
]`

var exchangeABI = mustParseABI(ExchangeABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse exchange abi: %v", err))
	}
	return parsed
}

// Redemption is one entry of a redeemMany call. Field names follow the ABI
// tuple components.
type Redemption struct {
	AllocationID common.Address
	Amount       *big.Int
	Signature    []byte
}

// RedemptionsFor maps collected vouchers to contract redemptions, keeping order.
func RedemptionsFor(vs []*voucher.Voucher) []Redemption {
	out := make([]Redemption, len(vs))
	for i, v := range vs {
		out[i] = Redemption{
			AllocationID: v.AllocationID,
			Amount:       new(big.Int).Set(v.ClaimValue()),
			Signature:    v.ClaimSignature,
		}
	}
	return out
}

// PackRedeemMany encodes the calldata of a redeemMany transaction.
func PackRedeemMany(rs []Redemption) ([]byte, error) {
	if len(rs) == 0 {
		return nil, fmt.Errorf("redeemMany: no redemptions")
	}
	data, err := exchangeABI.Pack("redeemMany", rs)
	if err != nil {
		return nil, fmt.Errorf("pack redeemMany: %w", err)
	}
	return data, nil
}

// UnpackRedeemMany decodes redeemMany calldata (selector included).
func UnpackRedeemMany(data []byte) ([]Redemption, error) {
	method, err := exchangeABI.MethodById(data)
	if err != nil {
		return nil, err
	}
	if method.Name != "redeemMany" {
		return nil, fmt.Errorf("unexpected method %s", method.Name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack redeemMany: %w", err)
	}
	var out []Redemption
	if err := method.Inputs.Copy(&out, args); err != nil {
		return nil, fmt.Errorf("copy redeemMany args: %w", err)
	}
	return out, nil
}
