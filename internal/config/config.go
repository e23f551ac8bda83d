package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"EPaymentGateway/internal/currency"
	"EPaymentGateway/internal/payments"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr       string `yaml:"addr"`
		RequestLog bool   `yaml:"request_log"`
	} `yaml:"server"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
	Vault struct {
		// KEK is 32 bytes, hex encoded. Prefer VAULT_KEK over the file.
		KEK   string `yaml:"kek"`
		KeyID string `yaml:"key_id"`
	} `yaml:"vault"`
	Chains     []ChainConfig    `yaml:"chains"`
	Currencies []CurrencyConfig `yaml:"currencies"`
	Orders     struct {
		TTLMinutes    int `yaml:"ttl_minutes"`
		MaxTTLMinutes int `yaml:"max_ttl_minutes"`
	} `yaml:"orders"`
	Settlement struct {
		ConfirmationGraceSeconds int64 `yaml:"confirmation_grace_seconds"`
		ObservationLagSeconds    int64 `yaml:"observation_lag_seconds"`
		SweepIntervalSeconds     int64 `yaml:"sweep_interval_seconds"`
		SweepBatch               int   `yaml:"sweep_batch"`
	} `yaml:"settlement"`
	Observer struct {
		IntervalSeconds   int64  `yaml:"interval_seconds"`
		MaxBlocksPerTick  int64  `yaml:"max_blocks_per_tick"`
		BackoffMinSeconds int64  `yaml:"backoff_min_seconds"`
		BackoffMaxSeconds int64  `yaml:"backoff_max_seconds"`
		AlertAfter        int    `yaml:"alert_after"`
		MetricsAddr       string `yaml:"metrics_addr"`
	} `yaml:"observer"`
	Notifier struct {
		Driver string `yaml:"driver"`
		Kafka  struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
		Webhook struct {
			Secret         string `yaml:"secret"`
			TimeoutSeconds int64  `yaml:"timeout_seconds"`
		} `yaml:"webhook"`
		RelayIntervalSeconds int64 `yaml:"relay_interval_seconds"`
		RelayBatch           int   `yaml:"relay_batch"`
	} `yaml:"notifier"`
}

type ChainConfig struct {
	Name                 string   `yaml:"name"`
	Family               string   `yaml:"family"`
	RPCEndpoints         []string `yaml:"rpc_endpoints"`
	WSEndpoints          []string `yaml:"ws_endpoints"`
	RPCFailoverThreshold int      `yaml:"rpc_failover_threshold"`
	RPCTimeoutSeconds    int64    `yaml:"rpc_timeout_seconds"`
	Bech32Prefix         string   `yaml:"bech32_prefix"`
	StartHeight          int64    `yaml:"start_height"`
	RewindBlocks         int64    `yaml:"rewind_blocks"`
	// PerPage is the tx_search page size on cosmos chains.
	PerPage int `yaml:"per_page"`
}

type CurrencyConfig struct {
	Symbol        string `yaml:"symbol"`
	Chain         string `yaml:"chain"`
	Decimals      int    `yaml:"decimals"`
	Confirmations int    `yaml:"confirmations"`
	Denom         string `yaml:"denom"`
	// Dust is a decimal amount in whole units, e.g. "0.0001".
	Dust string `yaml:"dust"`
}

const (
	NotifierLog     = "log"
	NotifierKafka   = "kafka"
	NotifierWebhook = "webhook"
)

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes data, applies environment overrides and defaults, then
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Orders.TTLMinutes <= 0 {
		cfg.Orders.TTLMinutes = 30
	}
	if cfg.Orders.MaxTTLMinutes <= 0 {
		cfg.Orders.MaxTTLMinutes = 24 * 60
	}
	if cfg.Settlement.ConfirmationGraceSeconds <= 0 {
		cfg.Settlement.ConfirmationGraceSeconds = 600
	}
	if cfg.Settlement.ObservationLagSeconds <= 0 {
		cfg.Settlement.ObservationLagSeconds = 45
	}
	if cfg.Settlement.SweepIntervalSeconds <= 0 {
		cfg.Settlement.SweepIntervalSeconds = 30
	}
	if cfg.Settlement.SweepBatch <= 0 {
		cfg.Settlement.SweepBatch = 100
	}
	if cfg.Observer.IntervalSeconds <= 0 {
		cfg.Observer.IntervalSeconds = 15
	}
	if cfg.Observer.MaxBlocksPerTick <= 0 {
		cfg.Observer.MaxBlocksPerTick = 50
	}
	if cfg.Observer.BackoffMinSeconds <= 0 {
		cfg.Observer.BackoffMinSeconds = 1
	}
	if cfg.Observer.BackoffMaxSeconds <= 0 {
		cfg.Observer.BackoffMaxSeconds = 60
	}
	if cfg.Observer.AlertAfter <= 0 {
		cfg.Observer.AlertAfter = 5
	}
	if cfg.Notifier.Driver == "" {
		cfg.Notifier.Driver = NotifierLog
	}
	if cfg.Notifier.RelayIntervalSeconds <= 0 {
		cfg.Notifier.RelayIntervalSeconds = 5
	}
	if cfg.Notifier.RelayBatch <= 0 {
		cfg.Notifier.RelayBatch = 100
	}
	if cfg.Notifier.Webhook.TimeoutSeconds <= 0 {
		cfg.Notifier.Webhook.TimeoutSeconds = 10
	}
	for i := range cfg.Chains {
		c := &cfg.Chains[i]
		c.Family = strings.ToLower(strings.TrimSpace(c.Family))
		if c.RPCFailoverThreshold <= 0 {
			c.RPCFailoverThreshold = 3
		}
		if c.RPCTimeoutSeconds <= 0 {
			c.RPCTimeoutSeconds = 10
		}
		if c.PerPage <= 0 {
			c.PerPage = 30
		}
	}
}

func (cfg *Config) validate() error {
	if cfg.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return errors.New("db.dsn is required")
	}
	if len(cfg.Chains) == 0 {
		return errors.New("at least one chain is required")
	}
	if len(cfg.Currencies) == 0 {
		return errors.New("at least one currency is required")
	}
	if cfg.Orders.TTLMinutes > cfg.Orders.MaxTTLMinutes {
		return errors.New("orders.ttl_minutes exceeds orders.max_ttl_minutes")
	}
	chains := map[string]bool{}
	for _, c := range cfg.Chains {
		if c.Name == "" {
			return errors.New("chain name is required")
		}
		if chains[c.Name] {
			return fmt.Errorf("chain %s configured twice", c.Name)
		}
		chains[c.Name] = true
		switch currency.Family(c.Family) {
		case currency.FamilyEVM:
		case currency.FamilyCosmos:
			if c.Bech32Prefix == "" {
				return fmt.Errorf("chain %s: bech32_prefix is required for cosmos chains", c.Name)
			}
		default:
			return fmt.Errorf("chain %s: family must be evm or cosmos", c.Name)
		}
		if len(c.RPCEndpoints) == 0 {
			return fmt.Errorf("chain %s: rpc_endpoints is required", c.Name)
		}
	}
	for _, cur := range cfg.Currencies {
		if cur.Symbol == "" {
			return errors.New("currency symbol is required")
		}
		if !chains[cur.Chain] {
			return fmt.Errorf("currency %s: unknown chain %q", cur.Symbol, cur.Chain)
		}
		if cur.Decimals < 0 || cur.Decimals > 36 {
			return fmt.Errorf("currency %s: decimals must be 0..36", cur.Symbol)
		}
		if cur.Confirmations < 1 {
			return fmt.Errorf("currency %s: confirmations must be >= 1", cur.Symbol)
		}
		if _, err := dustBase(cur.Dust, cur.Decimals); err != nil {
			return fmt.Errorf("currency %s: %w", cur.Symbol, err)
		}
	}
	switch cfg.Notifier.Driver {
	case NotifierLog, NotifierWebhook:
	case NotifierKafka:
		if len(cfg.Notifier.Kafka.Brokers) == 0 || cfg.Notifier.Kafka.Topic == "" {
			return errors.New("notifier.kafka needs brokers and topic")
		}
	default:
		return fmt.Errorf("notifier.driver must be log, kafka or webhook")
	}
	return nil
}

func dustBase(dust string, decimals int) (*big.Int, error) {
	if strings.TrimSpace(dust) == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(dust))
	if err != nil {
		return nil, fmt.Errorf("invalid dust %q", dust)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("dust must not be negative")
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("dust %q has more than %d decimal places", dust, decimals)
	}
	return shifted.BigInt(), nil
}

func (cfg *Config) Chain(name string) (ChainConfig, bool) {
	for _, c := range cfg.Chains {
		if c.Name == name {
			return c, true
		}
	}
	return ChainConfig{}, false
}

// CurrencyList resolves each configured currency against its chain.
func (cfg *Config) CurrencyList() ([]currency.Currency, error) {
	out := make([]currency.Currency, 0, len(cfg.Currencies))
	for _, cc := range cfg.Currencies {
		ch, ok := cfg.Chain(cc.Chain)
		if !ok {
			return nil, fmt.Errorf("currency %s: unknown chain %q", cc.Symbol, cc.Chain)
		}
		dust, err := dustBase(cc.Dust, cc.Decimals)
		if err != nil {
			return nil, fmt.Errorf("currency %s: %w", cc.Symbol, err)
		}
		out = append(out, currency.Currency{
			Symbol:        cc.Symbol,
			Chain:         ch.Name,
			Family:        currency.Family(ch.Family),
			Decimals:      cc.Decimals,
			Confirmations: cc.Confirmations,
			Bech32Prefix:  ch.Bech32Prefix,
			Denom:         cc.Denom,
			Dust:          dust,
		})
	}
	return out, nil
}

func (cfg *Config) Registry() (*currency.Registry, error) {
	list, err := cfg.CurrencyList()
	if err != nil {
		return nil, err
	}
	return currency.NewRegistry(list)
}

func (cfg *Config) Policy() payments.Policy {
	return payments.Policy{
		ConfirmationGrace: seconds(cfg.Settlement.ConfirmationGraceSeconds),
		ObservationLag:    seconds(cfg.Settlement.ObservationLagSeconds),
	}
}

func (cfg *Config) OrderTTL() time.Duration { return time.Duration(cfg.Orders.TTLMinutes) * time.Minute }

func (cfg *Config) MaxOrderTTL() time.Duration {
	return time.Duration(cfg.Orders.MaxTTLMinutes) * time.Minute
}

func (cfg *Config) SweepInterval() time.Duration { return seconds(cfg.Settlement.SweepIntervalSeconds) }

func (cfg *Config) RelayInterval() time.Duration { return seconds(cfg.Notifier.RelayIntervalSeconds) }

func seconds(n int64) time.Duration { return time.Duration(n) * time.Second }

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("VAULT_KEK"); v != "" {
		cfg.Vault.KEK = v
	}
	if v := os.Getenv("VAULT_KEY_ID"); v != "" {
		cfg.Vault.KeyID = v
	}
	if v := os.Getenv("ORDER_TTL_MINUTES"); v != "" {
		cfg.Orders.TTLMinutes = atoiOr(cfg.Orders.TTLMinutes, v)
	}
	if v := os.Getenv("SWEEP_INTERVAL_SECONDS"); v != "" {
		cfg.Settlement.SweepIntervalSeconds = atoi64Or(cfg.Settlement.SweepIntervalSeconds, v)
	}
	if v := os.Getenv("CONFIRMATION_GRACE_SECONDS"); v != "" {
		cfg.Settlement.ConfirmationGraceSeconds = atoi64Or(cfg.Settlement.ConfirmationGraceSeconds, v)
	}
	if v := os.Getenv("OBSERVER_INTERVAL_SECONDS"); v != "" {
		cfg.Observer.IntervalSeconds = atoi64Or(cfg.Observer.IntervalSeconds, v)
	}
	if v := os.Getenv("OBSERVER_METRICS_ADDR"); v != "" {
		cfg.Observer.MetricsAddr = v
	}
	if v := os.Getenv("NOTIFIER_DRIVER"); v != "" {
		cfg.Notifier.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Notifier.Kafka.Brokers = splitCommaList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Notifier.Kafka.Topic = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Notifier.Webhook.Secret = v
	}
	// per chain: <NAME>_RPC_ENDPOINTS, <NAME>_WS_ENDPOINTS
	for i := range cfg.Chains {
		prefix := envName(cfg.Chains[i].Name)
		if v := os.Getenv(prefix + "_RPC_ENDPOINTS"); v != "" {
			cfg.Chains[i].RPCEndpoints = splitCommaList(v)
		}
		if v := os.Getenv(prefix + "_WS_ENDPOINTS"); v != "" {
			cfg.Chains[i].WSEndpoints = splitCommaList(v)
		}
	}
}

func envName(chain string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(chain))
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
