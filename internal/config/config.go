package config

import (
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/nestorselin/web3-own-copy/internal/deposit"
	"github.com/nestorselin/web3-own-copy/internal/ethutil"
	"github.com/nestorselin/web3-own-copy/internal/exchange"
	"github.com/nestorselin/web3-own-copy/internal/feed"
	"github.com/nestorselin/web3-own-copy/internal/forward"
	"github.com/nestorselin/web3-own-copy/internal/lease"
	"github.com/nestorselin/web3-own-copy/internal/sweep"
)

// Config is the resolved runtime configuration of the funnel daemon.
// Resolution order: defaults, YAML file, environment, flags.
type Config struct {
	FeedURL    string
	Commitment string
	// FeedMethods overrides the subscribe/unsubscribe/notification method
	// names for adapters that do not use the account* names.
	FeedMethods FeedMethods

	RPCURL        string
	ChainID       int64
	Decimals      int32
	Confirmations uint64
	// Keys holds "ref=hexkey" pairs for intermediate addresses.
	Keys string

	// FeeReserve and Dust are in display units; see Policy.
	FeeReserve decimal.Decimal
	Dust       decimal.Decimal

	ConfirmTimeout time.Duration
	SweepInterval  time.Duration
	AbandonAfter   time.Duration
	ReconnectDelay time.Duration
	LeaseTTL       time.Duration

	DatabaseURL string
	MaxDBConns  int
	RedisURL    string
	StatePath   string
	AuditPath   string

	ExchangeURL    string
	ExchangeAPIKey string
	ExchangePair   exchange.Pair

	LogLevel string
	LogJSON  bool
}

type FeedMethods struct {
	Subscribe    string `yaml:"subscribe"`
	Unsubscribe  string `yaml:"unsubscribe"`
	Notification string `yaml:"notification"`
}

type configFile struct {
	Feed struct {
		URL            string `yaml:"url"`
		Commitment     string      `yaml:"commitment"`
		ReconnectDelay string      `yaml:"reconnect_delay"`
		Methods        FeedMethods `yaml:"methods"`
	} `yaml:"feed"`
	Chain struct {
		RPCURL         string `yaml:"rpc_url"`
		ChainID        int64  `yaml:"chain_id"`
		Decimals       int32  `yaml:"decimals"`
		Confirmations  uint64 `yaml:"confirmations"`
		ConfirmTimeout string `yaml:"confirm_timeout"`
	} `yaml:"chain"`
	Policy struct {
		FeeReserve   string `yaml:"fee_reserve"`
		Dust         string `yaml:"dust"`
		AbandonAfter string `yaml:"abandon_after"`
	} `yaml:"policy"`
	Sweep struct {
		Interval string `yaml:"interval"`
		LeaseTTL string `yaml:"lease_ttl"`
	} `yaml:"sweep"`
	Storage struct {
		PostgresURL string `yaml:"postgres_url"`
		MaxConns    int    `yaml:"max_conns"`
		RedisURL    string `yaml:"redis_url"`
		StatePath   string `yaml:"state_path"`
		AuditPath   string `yaml:"audit_path"`
	} `yaml:"storage"`
	Exchange struct {
		URL  string        `yaml:"url"`
		Pair exchange.Pair `yaml:"pair"`
	} `yaml:"exchange"`
	Log struct {
		Level string `yaml:"level"`
		JSON  *bool  `yaml:"json"`
	} `yaml:"log"`
}

// DefaultFeeReserve covers one 21000-gas transfer at 100 gwei.
var DefaultFeeReserve = decimal.RequireFromString("0.0021")

func Defaults() Config {
	return Config{
		Commitment:     feed.DefaultCommitment,
		Decimals:       18,
		FeeReserve:     DefaultFeeReserve,
		Dust:           decimal.Zero,
		ConfirmTimeout: forward.DefaultConfirmTimeout,
		SweepInterval:  sweep.DefaultInterval,
		AbandonAfter:   deposit.DefaultAbandonAfter,
		ReconnectDelay: feed.DefaultReconnectDelay,
		LeaseTTL:       lease.DefaultTTL,
		MaxDBConns:     10,
		StatePath:      "data/deposits.json",
		ExchangeURL:    exchange.DefaultURL,
		LogLevel:       "info",
	}
}

// LoadDotEnv loads ./.env when present. A missing file is not an error.
func LoadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load resolves defaults, then the YAML file at path (skipped when path is
// empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyFile(raw); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&c.FeedURL, f.Feed.URL)
	setString(&c.Commitment, f.Feed.Commitment)
	setString(&c.FeedMethods.Subscribe, f.Feed.Methods.Subscribe)
	setString(&c.FeedMethods.Unsubscribe, f.Feed.Methods.Unsubscribe)
	setString(&c.FeedMethods.Notification, f.Feed.Methods.Notification)
	setString(&c.RPCURL, f.Chain.RPCURL)
	if f.Chain.ChainID > 0 {
		c.ChainID = f.Chain.ChainID
	}
	if f.Chain.Decimals > 0 {
		c.Decimals = f.Chain.Decimals
	}
	if f.Chain.Confirmations > 0 {
		c.Confirmations = f.Chain.Confirmations
	}
	setString(&c.DatabaseURL, f.Storage.PostgresURL)
	if f.Storage.MaxConns > 0 {
		c.MaxDBConns = f.Storage.MaxConns
	}
	setString(&c.RedisURL, f.Storage.RedisURL)
	setString(&c.StatePath, f.Storage.StatePath)
	setString(&c.AuditPath, f.Storage.AuditPath)
	setString(&c.ExchangeURL, f.Exchange.URL)
	if f.Exchange.Pair != (exchange.Pair{}) {
		c.ExchangePair = f.Exchange.Pair
	}
	setString(&c.LogLevel, f.Log.Level)
	if f.Log.JSON != nil {
		c.LogJSON = *f.Log.JSON
	}

	for _, d := range []struct {
		dst  *time.Duration
		raw  string
		name string
	}{
		{&c.ReconnectDelay, f.Feed.ReconnectDelay, "feed.reconnect_delay"},
		{&c.ConfirmTimeout, f.Chain.ConfirmTimeout, "chain.confirm_timeout"},
		{&c.AbandonAfter, f.Policy.AbandonAfter, "policy.abandon_after"},
		{&c.SweepInterval, f.Sweep.Interval, "sweep.interval"},
		{&c.LeaseTTL, f.Sweep.LeaseTTL, "sweep.lease_ttl"},
	} {
		if err := setDuration(d.dst, d.raw, d.name); err != nil {
			return err
		}
	}
	if err := setDecimal(&c.FeeReserve, f.Policy.FeeReserve, "policy.fee_reserve"); err != nil {
		return err
	}
	return setDecimal(&c.Dust, f.Policy.Dust, "policy.dust")
}

func (c *Config) applyEnv() error {
	setString(&c.FeedURL, firstNonEmpty(os.Getenv("FEED_WS_URL"), os.Getenv("HELIUS_WS_URL")))
	setString(&c.Commitment, os.Getenv("FEED_COMMITMENT"))
	setString(&c.RPCURL, firstNonEmpty(os.Getenv("RPC_WS_URL"), os.Getenv("RPC_URL")))
	setString(&c.Keys, os.Getenv("DEPOSIT_KEYS"))
	setString(&c.DatabaseURL, firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("POSTGRES_URL")))
	setString(&c.RedisURL, os.Getenv("REDIS_URL"))
	setString(&c.StatePath, os.Getenv("STATE_PATH"))
	setString(&c.AuditPath, os.Getenv("AUDIT_LOG"))
	setString(&c.ExchangeURL, os.Getenv("CHANGENOW_URL"))
	setString(&c.ExchangeAPIKey, os.Getenv("CHANGENOW_API_KEY"))
	setString(&c.LogLevel, os.Getenv("LOG_LEVEL"))
	c.LogJSON = envBool("LOG_JSON", c.LogJSON)

	var err error
	if c.ChainID, err = envInt64("CHAIN_ID", c.ChainID); err != nil {
		return err
	}
	dec, err := envInt64("CHAIN_DECIMALS", int64(c.Decimals))
	if err != nil {
		return err
	}
	c.Decimals = int32(dec)
	conf, err := envInt64("CONFIRMATIONS", int64(c.Confirmations))
	if err != nil {
		return err
	}
	if conf < 0 {
		return fmt.Errorf("CONFIRMATIONS must be >= 0")
	}
	c.Confirmations = uint64(conf)
	maxConns, err := envInt64("DB_MAX_CONNS", int64(c.MaxDBConns))
	if err != nil {
		return err
	}
	c.MaxDBConns = int(maxConns)

	for _, d := range []struct {
		dst  *time.Duration
		name string
	}{
		{&c.ReconnectDelay, "FEED_RECONNECT_DELAY"},
		{&c.ConfirmTimeout, "CONFIRM_TIMEOUT"},
		{&c.AbandonAfter, "ABANDON_AFTER"},
		{&c.SweepInterval, "SWEEP_INTERVAL"},
		{&c.LeaseTTL, "LEASE_TTL"},
	} {
		if err := setDuration(d.dst, os.Getenv(d.name), d.name); err != nil {
			return err
		}
	}
	if err := setDecimal(&c.FeeReserve, os.Getenv("FEE_RESERVE"), "FEE_RESERVE"); err != nil {
		return err
	}
	return setDecimal(&c.Dust, os.Getenv("DUST_THRESHOLD"), "DUST_THRESHOLD")
}

// BindFlags registers flag overrides on fs using the current values as
// defaults. Call after Load and before fs.Parse.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.FeedURL, "feed-url", c.FeedURL, "Event feed websocket URL (env FEED_WS_URL)")
	fs.StringVar(&c.RPCURL, "rpc-url", c.RPCURL, "Chain RPC URL (env RPC_URL)")
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "Postgres URL; empty uses the JSON state file (env DATABASE_URL)")
	fs.StringVar(&c.RedisURL, "redis-url", c.RedisURL, "Redis URL for the address lease; empty uses an in-process lease (env REDIS_URL)")
	fs.StringVar(&c.StatePath, "state", c.StatePath, "JSON state file used when no database is configured (env STATE_PATH)")
	fs.StringVar(&c.AuditPath, "audit-log", c.AuditPath, "Append deposit events as JSONL to this file (env AUDIT_LOG)")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", c.SweepInterval, "Reconciliation sweep interval (env SWEEP_INTERVAL)")
	fs.DurationVar(&c.ConfirmTimeout, "confirm-timeout", c.ConfirmTimeout, "Max wait for a forwarding transfer to confirm (env CONFIRM_TIMEOUT)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug|info|warn|error (env LOG_LEVEL)")
	fs.Func("fee-reserve", "Fee reserve in display units (env FEE_RESERVE)", func(s string) error {
		return setDecimal(&c.FeeReserve, s, "--fee-reserve")
	})
	fs.Func("dust", "Dust threshold in display units (env DUST_THRESHOLD)", func(s string) error {
		return setDecimal(&c.Dust, s, "--dust")
	})
}

// Validate checks what the daemon needs before it touches the network.
func (c Config) Validate() error {
	if strings.TrimSpace(c.FeedURL) == "" {
		return fmt.Errorf("FEED_WS_URL required")
	}
	if !strings.HasPrefix(c.FeedURL, "ws://") && !strings.HasPrefix(c.FeedURL, "wss://") {
		return fmt.Errorf("feed URL must be ws:// or wss://, got %q", c.FeedURL)
	}
	if err := ValidateRPCURL(c.RPCURL); err != nil {
		return err
	}
	if c.Decimals < 0 || c.Decimals > 36 {
		return fmt.Errorf("decimals out of range: %d", c.Decimals)
	}
	if !c.FeeReserve.IsPositive() {
		return fmt.Errorf("fee reserve must be > 0, got %s", c.FeeReserve)
	}
	if c.Dust.IsNegative() {
		return fmt.Errorf("dust must be >= 0")
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if c.SweepInterval <= 0 || c.ConfirmTimeout <= 0 || c.AbandonAfter <= 0 {
		return fmt.Errorf("sweep interval, confirm timeout and abandon-after must be > 0")
	}
	if c.LeaseTTL <= c.ConfirmTimeout {
		return fmt.Errorf("lease ttl %s must exceed confirm timeout %s", c.LeaseTTL, c.ConfirmTimeout)
	}
	return nil
}

// ValidateRPCURL rejects empty, non ws/http and placeholder URLs.
func ValidateRPCURL(rpcURL string) error {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return fmt.Errorf("RPC_WS_URL or RPC_URL required (set RPC_URL in .env)")
	}
	if !strings.HasPrefix(rpcURL, "ws") && !strings.HasPrefix(rpcURL, "http") {
		return fmt.Errorf("RPC URL must be ws(s)://... or http(s)://..., got %q", rpcURL)
	}
	if strings.Contains(rpcURL, "YOUR_KEY") {
		return fmt.Errorf("RPC URL still contains placeholder YOUR_KEY. Set RPC_URL to your provider URL")
	}
	return nil
}

// Policy converts the display-unit reserve and dust into base units.
func (c Config) Policy() (deposit.Policy, error) {
	reserve, err := ethutil.DecimalToBaseUnits(c.FeeReserve, c.Decimals)
	if err != nil {
		return deposit.Policy{}, fmt.Errorf("fee reserve: %w", err)
	}
	dust, err := ethutil.DecimalToBaseUnits(c.Dust, c.Decimals)
	if err != nil {
		return deposit.Policy{}, fmt.Errorf("dust: %w", err)
	}
	return deposit.NewPolicy(reserve, dust)
}

// ChainIDBig returns nil when the chain id should be queried from the node.
func (c Config) ChainIDBig() *big.Int {
	if c.ChainID <= 0 {
		return nil
	}
	return big.NewInt(c.ChainID)
}

// Logger builds the root logger. Console output unless LogJSON is set.
func (c Config) Logger(w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.LogLevel)))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if !c.LogJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// PathFromArgs finds -config/--config in args so the file can be loaded
// before the remaining flags are bound. Falls back to FUNNEL_CONFIG.
func PathFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		for _, p := range []string{"-config", "--config"} {
			if a == p && i+1 < len(args) {
				return args[i+1]
			}
			if strings.HasPrefix(a, p+"=") {
				return strings.TrimPrefix(a, p+"=")
			}
		}
	}
	return os.Getenv("FUNNEL_CONFIG")
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, raw, name string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

func setDecimal(dst *decimal.Decimal, raw, name string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = d
	return nil
}

func envInt64(name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return v, nil
}

func envBool(name string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return fallback
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
