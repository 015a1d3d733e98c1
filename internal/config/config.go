package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

type Config struct {
	Redis        RedisConfig
	Chain        ChainConfig
	Transactions TransactionsConfig
	Collection   CollectionConfig
	Claims       ClaimsConfig
	Vouchers     VouchersConfig
	Server       ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ChainConfig struct {
	RPCURL           string `mapstructure:"rpc_url"`
	ChainID          int64  `mapstructure:"chain_id"`
	OperatorKey      string `mapstructure:"operator_key"`
	ExchangeContract string `mapstructure:"exchange_contract"`
	// ReceiptVerifier is the verifying contract of the receipt EIP-712 domain.
	// Defaults to ExchangeContract.
	ReceiptVerifier string `mapstructure:"receipt_verifier"`
}

type TransactionsConfig struct {
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
	EscalationFactor    float64       `mapstructure:"escalation_factor"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	Legacy              bool          `mapstructure:"legacy"`
	GasPriceMax         string        `mapstructure:"gas_price_max"`
	BaseFeeMax          string        `mapstructure:"base_fee_max"`
	MaxPriorityFee      string        `mapstructure:"max_priority_fee"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	StallLimit          int           `mapstructure:"stall_limit"`
}

type CollectionConfig struct {
	EndpointURL    string        `mapstructure:"endpoint_url"`
	APIKey         string        `mapstructure:"api_key"`
	BatchSize      int           `mapstructure:"batch_size"`
	Interval       time.Duration `mapstructure:"interval"`
	MaxFailures    int           `mapstructure:"max_failures"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type ClaimsConfig struct {
	AllocationThreshold string        `mapstructure:"allocation_threshold"`
	BatchThreshold      string        `mapstructure:"batch_threshold"`
	Interval            time.Duration `mapstructure:"interval"`
	MaxVouchersPerClaim int           `mapstructure:"max_vouchers_per_claim"`
	GasLimit            uint64        `mapstructure:"gas_limit"`
}

type VouchersConfig struct {
	ExpirationWindow time.Duration `mapstructure:"expiration_window"`
	ExpiryInterval   time.Duration `mapstructure:"expiry_interval"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// GatewaySigners lists the addresses allowed to call the /api group.
	GatewaySigners []string `mapstructure:"gateway_signers"`
}

func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                        "REDIS_ADDR",
		"redis.password":                    "REDIS_PASSWORD",
		"chain.rpc_url":                     "RPC_URL",
		"chain.chain_id":                    "CHAIN_ID",
		"chain.operator_key":                "OPERATOR_KEY",
		"chain.exchange_contract":           "EXCHANGE_CONTRACT",
		"chain.receipt_verifier":            "RECEIPT_VERIFIER",
		"transactions.confirmation_timeout": "TX_CONFIRMATION_TIMEOUT",
		"transactions.escalation_factor":    "TX_ESCALATION_FACTOR",
		"transactions.max_attempts":         "TX_MAX_ATTEMPTS",
		"transactions.legacy":               "TX_LEGACY",
		"transactions.gas_price_max":        "TX_GAS_PRICE_MAX",
		"transactions.base_fee_max":         "TX_BASE_FEE_MAX",
		"collection.endpoint_url":           "COLLECTION_ENDPOINT",
		"collection.api_key":                "COLLECTION_API_KEY",
		"claims.allocation_threshold":       "CLAIM_ALLOCATION_THRESHOLD",
		"claims.batch_threshold":            "CLAIM_BATCH_THRESHOLD",
		"claims.max_vouchers_per_claim":     "CLAIM_MAX_VOUCHERS",
		"vouchers.expiration_window":        "VOUCHER_EXPIRATION_WINDOW",
		"server.port":                       "PORT",
		"server.gateway_signers":            "GATEWAY_SIGNERS",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// GATEWAY_SIGNERS arrives as one comma separated string.
	if len(cfg.Server.GatewaySigners) == 1 && strings.Contains(cfg.Server.GatewaySigners[0], ",") {
		cfg.Server.GatewaySigners = strings.Split(cfg.Server.GatewaySigners[0], ",")
	}
	if cfg.Chain.ReceiptVerifier == "" {
		cfg.Chain.ReceiptVerifier = cfg.Chain.ExchangeContract
	}

	return cfg, cfg.validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")

	v.SetDefault("transactions.confirmation_timeout", 2*time.Minute)
	v.SetDefault("transactions.escalation_factor", 1.2)
	v.SetDefault("transactions.max_attempts", 5)
	v.SetDefault("transactions.poll_interval", 3*time.Second)
	v.SetDefault("transactions.stall_limit", 10)

	v.SetDefault("collection.batch_size", 100)
	v.SetDefault("collection.interval", 30*time.Second)
	v.SetDefault("collection.max_failures", 5)
	v.SetDefault("collection.backoff_initial", 5*time.Second)
	v.SetDefault("collection.backoff_max", 5*time.Minute)
	v.SetDefault("collection.request_timeout", 30*time.Second)

	v.SetDefault("claims.interval", 5*time.Minute)
	v.SetDefault("claims.max_vouchers_per_claim", 200)

	v.SetDefault("vouchers.expiration_window", 30*24*time.Hour)
	v.SetDefault("vouchers.expiry_interval", 10*time.Minute)
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.OperatorKey, "OPERATOR_KEY"},
		{c.Chain.ExchangeContract, "EXCHANGE_CONTRACT"},
		{c.Collection.EndpointURL, "COLLECTION_ENDPOINT"},
		{c.Claims.AllocationThreshold, "CLAIM_ALLOCATION_THRESHOLD"},
		{c.Claims.BatchThreshold, "CLAIM_BATCH_THRESHOLD"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	for _, a := range []req{
		{c.Chain.ExchangeContract, "EXCHANGE_CONTRACT"},
		{c.Chain.ReceiptVerifier, "RECEIPT_VERIFIER"},
	} {
		if !common.IsHexAddress(a.val) {
			return fmt.Errorf("%s is not an address: %q", a.name, a.val)
		}
	}
	for _, s := range c.Server.GatewaySigners {
		if !common.IsHexAddress(strings.TrimSpace(s)) {
			return fmt.Errorf("GATEWAY_SIGNERS: not an address: %q", s)
		}
	}
	if c.Transactions.EscalationFactor <= 1 {
		return fmt.Errorf("transactions.escalation_factor must be > 1, got %v", c.Transactions.EscalationFactor)
	}
	if c.Transactions.MaxAttempts < 0 {
		return fmt.Errorf("transactions.max_attempts must be >= 0")
	}
	for _, w := range []req{
		{c.Claims.AllocationThreshold, "claims.allocation_threshold"},
		{c.Claims.BatchThreshold, "claims.batch_threshold"},
		{c.Transactions.GasPriceMax, "transactions.gas_price_max"},
		{c.Transactions.BaseFeeMax, "transactions.base_fee_max"},
		{c.Transactions.MaxPriorityFee, "transactions.max_priority_fee"},
	} {
		if w.val == "" {
			continue
		}
		if _, err := ParseWei(w.val); err != nil {
			return fmt.Errorf("%s: %w", w.name, err)
		}
	}
	if c.Collection.BatchSize <= 0 {
		return fmt.Errorf("collection.batch_size must be positive")
	}
	if c.Claims.MaxVouchersPerClaim <= 0 {
		return fmt.Errorf("claims.max_vouchers_per_claim must be positive")
	}
	return nil
}

// ParseWei parses a non-negative decimal wei amount. An empty string is nil.
func ParseWei(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return n, nil
}
