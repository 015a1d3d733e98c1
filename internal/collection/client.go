// Package collection talks to the receipt aggregation endpoint that turns
// signed receipts into claimable vouchers.
package collection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/0gfoundation/0g-indexer-agent/internal/voucher"
)

// ErrEndpointUnavailable is returned when the endpoint cannot be reached,
// answers with a server error or asks the caller to slow down (408, 429).
// Nothing in the submitted batch was decided.
var ErrEndpointUnavailable = errors.New("collection endpoint unavailable")

// Result is the endpoint's decision for one submitted receipt.
type Result struct {
	ID             common.Hash
	Accepted       bool
	Value          *big.Int
	ClaimSignature []byte
	Reason         string
}

type receiptJSON struct {
	ID           common.Hash    `json:"id"`
	AllocationID common.Address `json:"allocation_id"`
	Timestamp    uint64         `json:"timestamp_ns"`
	Nonce        uint64         `json:"nonce"`
	Value        string         `json:"value"`
	Signature    hexutil.Bytes  `json:"signature"`
}

type resultJSON struct {
	ID             common.Hash   `json:"id"`
	Accepted       bool          `json:"accepted"`
	Value          string        `json:"value"`
	ClaimSignature hexutil.Bytes `json:"claim_signature"`
	Reason         string        `json:"reason"`
}

// Client posts receipt batches to collection endpoints.
type Client struct {
	apiKey string
	http   *http.Client
}

func NewClient(apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// Collect submits vouchers to endpoint and returns the decisions keyed by
// voucher id. Vouchers the endpoint did not answer for are absent from the map.
func (c *Client) Collect(ctx context.Context, endpoint string, vouchers []*voucher.Voucher) (map[common.Hash]Result, error) {
	req := struct {
		Receipts []receiptJSON `json:"receipts"`
	}{Receipts: make([]receiptJSON, 0, len(vouchers))}
	for _, v := range vouchers {
		fees := "0"
		if v.Fees != nil {
			fees = v.Fees.String()
		}
		req.Receipts = append(req.Receipts, receiptJSON{
			ID:           v.ID,
			AllocationID: v.AllocationID,
			Timestamp:    v.Timestamp,
			Nonce:        v.Nonce,
			Value:        fees,
			Signature:    v.Signature,
		})
	}

	url := strings.TrimRight(endpoint, "/") + "/collect-receipts"
	resp, err := c.do(ctx, http.MethodPost, url, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrEndpointUnavailable, endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("%w: %s: status %d", ErrEndpointUnavailable, endpoint, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("collect receipts %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var body struct {
		Results []resultJSON `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("collect receipts %s: decode: %w", endpoint, err)
	}

	out := make(map[common.Hash]Result, len(body.Results))
	for _, r := range body.Results {
		res := Result{
			ID:             r.ID,
			Accepted:       r.Accepted,
			ClaimSignature: r.ClaimSignature,
			Reason:         r.Reason,
		}
		if r.Accepted {
			val, ok := new(big.Int).SetString(r.Value, 10)
			if !ok || val.Sign() <= 0 {
				res.Accepted = false
				res.Reason = fmt.Sprintf("endpoint returned unusable value %q", r.Value)
			} else {
				res.Value = val
			}
		}
		out[r.ID] = res
	}
	return out, nil
}
