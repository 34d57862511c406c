package config

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "funnel.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SweepInterval != 5*time.Minute || cfg.ConfirmTimeout != 2*time.Minute || cfg.AbandonAfter != 24*time.Hour {
		t.Fatalf("duration defaults: %+v", cfg)
	}
	if cfg.ReconnectDelay != 5*time.Second || cfg.Commitment != "finalized" || cfg.Decimals != 18 {
		t.Fatalf("feed/chain defaults: %+v", cfg)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
feed:
  url: wss://feed.example/ws
  methods:
    subscribe: balanceSubscribe
    notification: balanceNotification
chain:
  rpc_url: https://rpc.example
  decimals: 9
policy:
  fee_reserve: "0.000005"
  dust: "0.001"
  abandon_after: 12h
sweep:
  interval: 1m
exchange:
  pair:
    from_currency: sol
    to_currency: sol
`)
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/funnel")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.FeedURL != "wss://feed.example/ws" || cfg.RPCURL != "https://rpc.example" || cfg.Decimals != 9 {
		t.Fatalf("file values: %+v", cfg)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Fatalf("env must override file: %s", cfg.SweepInterval)
	}
	if cfg.FeedMethods.Subscribe != "balanceSubscribe" || cfg.FeedMethods.Notification != "balanceNotification" || cfg.FeedMethods.Unsubscribe != "" {
		t.Fatalf("feed methods: %+v", cfg.FeedMethods)
	}
	if cfg.AbandonAfter != 12*time.Hour || cfg.DatabaseURL == "" || cfg.ExchangePair.FromCurrency != "sol" {
		t.Fatalf("merged values: %+v", cfg)
	}

	p, err := cfg.Policy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if p.FeeReserve.Int64() != 5000 || p.Dust.Int64() != 1_000_000 {
		t.Fatalf("policy base units: reserve=%s dust=%s", p.FeeReserve, p.Dust)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoad_BadValues(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("explicit missing file must fail")
	}
	if _, err := Load(writeFile(t, "sweep:\n  interval: soon\n")); err == nil {
		t.Fatalf("bad duration must fail")
	}
	t.Setenv("FEE_RESERVE", "lots")
	if _, err := Load(""); err == nil {
		t.Fatalf("bad decimal must fail")
	}
}

func TestBindFlags_Override(t *testing.T) {
	cfg := Defaults()
	cfg.FeedURL = "wss://feed.example"
	fs := flag.NewFlagSet("funnel", flag.ContinueOnError)
	cfg.BindFlags(fs)
	if err := fs.Parse([]string{"-sweep-interval=10s", "-dust=0.5", "-rpc-url=https://rpc.example"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.SweepInterval != 10*time.Second || !cfg.Dust.Equal(decimal.RequireFromString("0.5")) || cfg.RPCURL != "https://rpc.example" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.FeedURL != "wss://feed.example" {
		t.Fatalf("unset flag must keep loaded value")
	}
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("missing feed url must fail")
	}
	cfg.FeedURL = "https://not-a-socket"
	cfg.RPCURL = "https://rpc.example"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("non-ws feed url must fail")
	}
	cfg.FeedURL = "wss://feed.example"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults with urls set: %v", err)
	}
	cfg.Dust = decimal.RequireFromString("0.0000000000000000001")
	if err := cfg.Validate(); err == nil {
		t.Fatalf("dust finer than decimals must fail")
	}
}

func TestValidate_FeeReserveRequired(t *testing.T) {
	cfg := Defaults()
	cfg.FeedURL = "wss://feed.example"
	cfg.RPCURL = "https://rpc.example"
	if !cfg.FeeReserve.Equal(DefaultFeeReserve) {
		t.Fatalf("default reserve: %s", cfg.FeeReserve)
	}
	p, err := cfg.Policy()
	if err != nil || p.FeeReserve.Sign() <= 0 {
		t.Fatalf("default policy: %+v err=%v", p, err)
	}

	cfg.FeeReserve = decimal.Zero
	if err := cfg.Validate(); err == nil {
		t.Fatalf("zero fee reserve must fail")
	}
}

func TestValidate_LeaseOutlivesConfirm(t *testing.T) {
	cfg := Defaults()
	cfg.FeedURL = "wss://feed.example"
	cfg.RPCURL = "https://rpc.example"
	cfg.ConfirmTimeout = 3 * time.Minute
	cfg.LeaseTTL = 2 * time.Minute
	if err := cfg.Validate(); err == nil {
		t.Fatalf("lease ttl shorter than confirm timeout must fail")
	}
	cfg.LeaseTTL = 3 * time.Minute
	if err := cfg.Validate(); err == nil {
		t.Fatalf("lease ttl equal to confirm timeout must fail")
	}
	cfg.LeaseTTL = 4 * time.Minute
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRPCURL(t *testing.T) {
	for _, bad := range []string{"", "ftp://x", "https://rpc.example/YOUR_KEY"} {
		if err := ValidateRPCURL(bad); err == nil {
			t.Fatalf("%q must fail", bad)
		}
	}
	if err := ValidateRPCURL("wss://rpc.example"); err != nil {
		t.Fatalf("wss: %v", err)
	}
}

func TestPathFromArgs(t *testing.T) {
	t.Setenv("FUNNEL_CONFIG", "env.yaml")
	if got := PathFromArgs([]string{"-log-level", "debug", "--config", "a.yaml"}); got != "a.yaml" {
		t.Fatalf("got %q", got)
	}
	if got := PathFromArgs([]string{"-config=b.yaml"}); got != "b.yaml" {
		t.Fatalf("got %q", got)
	}
	if got := PathFromArgs(nil); got != "env.yaml" {
		t.Fatalf("got %q", got)
	}
}

func TestLogger(t *testing.T) {
	cfg := Defaults()
	cfg.LogJSON = true
	cfg.LogLevel = "warn"
	var buf bytes.Buffer
	log, err := cfg.Logger(&buf)
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), `"message":"shown"`) {
		t.Fatalf("output: %s", buf.String())
	}
	cfg.LogLevel = "loud"
	if _, err := cfg.Logger(&buf); err == nil {
		t.Fatalf("bad level must fail")
	}
}
