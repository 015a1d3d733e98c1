package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/0gfoundation/0g-indexer-agent/internal/config"
	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

// Client holds the RPC connection, the operator key and the contract
// addresses the agent works against.
type Client struct {
	eth         *ethclient.Client
	chainID     *big.Int
	operatorKey *ecdsa.PrivateKey
	exchange    common.Address
	verifier    common.Address
}

func NewClient(ctx context.Context, cfg *config.Config) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	privKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Chain.OperatorKey, "0x"))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("parse operator key: %w", err)
	}

	chainID := big.NewInt(cfg.Chain.ChainID)
	remote, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if remote.Cmp(chainID) != 0 {
		eth.Close()
		return nil, fmt.Errorf("rpc chain id %s does not match configured %s", remote, chainID)
	}

	return &Client{
		eth:         eth,
		chainID:     chainID,
		operatorKey: privKey,
		exchange:    common.HexToAddress(cfg.Chain.ExchangeContract),
		verifier:    common.HexToAddress(cfg.Chain.ReceiptVerifier),
	}, nil
}

// Eth returns the underlying RPC client (the executor's backend).
func (c *Client) Eth() *ethclient.Client { return c.eth }

// OperatorKey returns the key claim transactions are signed with.
func (c *Client) OperatorKey() *ecdsa.PrivateKey { return c.operatorKey }

func (c *Client) OperatorAddress() common.Address {
	return crypto.PubkeyToAddress(c.operatorKey.PublicKey)
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// ExchangeAddress returns the contract rebate claims are sent to.
func (c *Client) ExchangeAddress() common.Address { return c.exchange }

// ReceiptDomain returns the EIP-712 domain gateways sign receipts under.
func (c *Client) ReceiptDomain() voucher.Domain {
	return voucher.Domain{ChainID: c.chainID, VerifyingContract: c.verifier}
}

// OperatorBalance returns the operator account's balance at the latest block.
func (c *Client) OperatorBalance(ctx context.Context) (*big.Int, error) {
	bal, err := c.eth.BalanceAt(ctx, c.OperatorAddress(), nil)
	if err != nil {
		return nil, fmt.Errorf("BalanceAt: %w", err)
	}
	return bal, nil
}

func (c *Client) Close() { c.eth.Close() }
