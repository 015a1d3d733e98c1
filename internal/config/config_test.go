package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("CHAIN_ID", "16602")
	t.Setenv("OPERATOR_KEY", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	t.Setenv("EXCHANGE_CONTRACT", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("COLLECTION_ENDPOINT", "http://gateway:7700")
	t.Setenv("CLAIM_ALLOCATION_THRESHOLD", "200")
	t.Setenv("CLAIM_BATCH_THRESHOLD", "1000")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
	if cfg.Transactions.EscalationFactor != 1.2 {
		t.Errorf("escalation factor: got %v", cfg.Transactions.EscalationFactor)
	}
	if cfg.Transactions.ConfirmationTimeout != 2*time.Minute {
		t.Errorf("confirmation timeout: got %v", cfg.Transactions.ConfirmationTimeout)
	}
	if cfg.Collection.BatchSize != 100 {
		t.Errorf("batch size: got %d", cfg.Collection.BatchSize)
	}
	if cfg.Chain.ChainID != 16602 {
		t.Errorf("chain id: got %d", cfg.Chain.ChainID)
	}
	if !strings.EqualFold(cfg.Chain.ReceiptVerifier, cfg.Chain.ExchangeContract) {
		t.Errorf("receipt verifier should default to the exchange contract, got %q", cfg.Chain.ReceiptVerifier)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TX_CONFIRMATION_TIMEOUT", "45s")
	t.Setenv("TX_MAX_ATTEMPTS", "0")
	t.Setenv("VOUCHER_EXPIRATION_WINDOW", "72h")
	t.Setenv("GATEWAY_SIGNERS", "0x70997970C51812dc3A010C7d01b50e0d17dc79C8,0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transactions.ConfirmationTimeout != 45*time.Second {
		t.Errorf("confirmation timeout: got %v", cfg.Transactions.ConfirmationTimeout)
	}
	if cfg.Transactions.MaxAttempts != 0 {
		t.Errorf("max attempts: got %d", cfg.Transactions.MaxAttempts)
	}
	if cfg.Vouchers.ExpirationWindow != 72*time.Hour {
		t.Errorf("expiration window: got %v", cfg.Vouchers.ExpirationWindow)
	}
	if len(cfg.Server.GatewaySigners) != 2 {
		t.Errorf("gateway signers: got %v", cfg.Server.GatewaySigners)
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing operator key", map[string]string{"OPERATOR_KEY": ""}, "OPERATOR_KEY"},
		{"missing endpoint", map[string]string{"COLLECTION_ENDPOINT": ""}, "COLLECTION_ENDPOINT"},
		{"bad contract", map[string]string{"EXCHANGE_CONTRACT": "not-an-address"}, "EXCHANGE_CONTRACT"},
		{"factor not above one", map[string]string{"TX_ESCALATION_FACTOR": "1.0"}, "escalation_factor"},
		{"bad threshold", map[string]string{"CLAIM_ALLOCATION_THRESHOLD": "12abc"}, "allocation_threshold"},
		{"negative cap", map[string]string{"TX_GAS_PRICE_MAX": "-5"}, "gas_price_max"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParseWei(t *testing.T) {
	n, err := ParseWei("1000000000000000000000")
	if err != nil || n.String() != "1000000000000000000000" {
		t.Errorf("ParseWei: %v %v", n, err)
	}
	if n, err := ParseWei(""); n != nil || err != nil {
		t.Errorf("empty: %v %v", n, err)
	}
	if _, err := ParseWei("1.5"); err == nil {
		t.Error("expected error for fractional wei")
	}
}
