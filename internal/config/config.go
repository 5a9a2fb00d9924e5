// Package config defines the top-level configuration for polyarb and
// provides validation helpers.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyarb/internal/crypto"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by environment variables.
type Config struct {
	Wallet      WalletConfig      `toml:"wallet"`
	Exchange    ExchangeConfig    `toml:"exchange"`
	Credentials CredentialsConfig `toml:"credentials"`
	Risk        RiskConfig        `toml:"risk"`
	Detector    DetectorConfig    `toml:"detector"`
	Dispatcher  DispatcherConfig  `toml:"dispatcher"`
	Signer      SignerConfig      `toml:"signer"`
	Feed        FeedConfig        `toml:"feed"`
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Notify      NotifyConfig      `toml:"notify"`
	Archive     ArchiveConfig     `toml:"archive"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// WalletConfig holds the signing key and the funded proxy wallet.
type WalletConfig struct {
	PrivateKey       crypto.Secret `toml:"private_key"`
	ProxyWallet      string        `toml:"proxy_wallet"`
	SignatureType    int           `toml:"signature_type"`
	EncryptedKeyPath string        `toml:"encrypted_key_path"`
	KeyPassword      crypto.Secret `toml:"key_password"`
}

// ExchangeConfig holds CLOB endpoints, chain parameters and contract addresses.
type ExchangeConfig struct {
	ClobHost        string  `toml:"clob_host"`
	WsHost          string  `toml:"ws_host"`
	ChainID         int     `toml:"chain_id"`
	RPCURL          string  `toml:"rpc_url"`
	ExchangeAddress string  `toml:"exchange_address"`
	CTFAddress      string  `toml:"ctf_address"`
	USDCAddress     string  `toml:"usdc_address"`
	FeeRateBps      int     `toml:"fee_rate_bps"`
	MinUSDCBalance  float64 `toml:"min_usdc_balance"`
}

// Credential policies for the CLOB L2 API key.
const (
	CredentialsRequire        = "require"
	CredentialsDerive         = "derive"
	CredentialsCreateOrDerive = "create_or_derive"
)

// CredentialsConfig holds the CLOB L2 API credentials and what to do when
// they are missing.
type CredentialsConfig struct {
	Policy     string        `toml:"policy"`
	APIKey     string        `toml:"api_key"`
	APISecret  crypto.Secret `toml:"api_secret"`
	Passphrase crypto.Secret `toml:"passphrase"`
}

// RiskConfig holds the process-wide risk limits.
type RiskConfig struct {
	MinSpreadBps    float64 `toml:"min_spread_bps"`
	MaxPositionSize float64 `toml:"max_position_size"`
	MinOrderSize    float64 `toml:"min_order_size"`
	MaxOrderSize    float64 `toml:"max_order_size"`
	ReadOnly        bool    `toml:"read_only"`
}

// DetectorConfig holds arbitrage detection parameters.
type DetectorConfig struct {
	FeeMarginBps   float64  `toml:"fee_margin_bps"`
	OrderSize      float64  `toml:"order_size"`
	OpportunityTTL duration `toml:"opportunity_ttl"`
	MaxBookAge     duration `toml:"max_book_age"`
	DetectBidSide  bool     `toml:"detect_bid_side"`
	MarketsFile    string   `toml:"markets_file"`
	BufferSize     int      `toml:"buffer_size"`
}

// DispatcherConfig holds the engine-side execution parameters.
type DispatcherConfig struct {
	SignerURL      string        `toml:"signer_url"`
	APIToken       crypto.Secret `toml:"api_token"`
	RequestTimeout duration      `toml:"request_timeout"`
	MaxAttempts    int           `toml:"max_attempts"`
	BackoffBase    duration      `toml:"backoff_base"`
	BackoffMax     duration      `toml:"backoff_max"`
	TimeInForce    string        `toml:"time_in_force"`
	ReconcileFor   duration      `toml:"reconcile_for"`
}

// SignerConfig holds the signing service parameters.
type SignerConfig struct {
	ListenAddr      string        `toml:"listen_addr"`
	Port            int           `toml:"port"`
	APIToken        crypto.Secret `toml:"api_token"`
	Workers         int           `toml:"workers"`
	QueueSize       int           `toml:"queue_size"`
	DedupTTL        duration      `toml:"dedup_ttl"`
	ExchangeTimeout duration      `toml:"exchange_timeout"`
	RateLimit       int           `toml:"rate_limit"`
	RateWindow      duration      `toml:"rate_window"`
	LockTTL         duration      `toml:"lock_ttl"`
	CORSOrigins     []string      `toml:"cors_origins"`

	// Per-client HTTP request limit; needs redis. Zero disables it.
	RequestLimit  int      `toml:"request_limit"`
	RequestWindow duration `toml:"request_window"`
}

// FeedConfig holds the exchange websocket parameters.
type FeedConfig struct {
	ReconnectBase duration `toml:"reconnect_base"`
	ReconnectMax  duration `toml:"reconnect_max"`
	PingInterval  duration `toml:"ping_interval"`
	HealthyAfter  duration `toml:"healthy_after"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool          `toml:"enabled"`
	DSN           crypto.Secret `toml:"dsn"`
	Host          string        `toml:"host"`
	Port          int           `toml:"port"`
	Database      string        `toml:"database"`
	User          string        `toml:"user"`
	Password      crypto.Secret `toml:"password"`
	SSLMode       string        `toml:"ssl_mode"`
	PoolMaxConns  int           `toml:"pool_max_conns"`
	PoolMinConns  int           `toml:"pool_min_conns"`
	RunMigrations bool          `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool          `toml:"enabled"`
	Addr         string        `toml:"addr"`
	Password     crypto.Secret `toml:"password"`
	DB           int           `toml:"db"`
	PoolSize     int           `toml:"pool_size"`
	MaxRetries   int           `toml:"max_retries"`
	TLSEnabled   bool          `toml:"tls_enabled"`
	StreamMaxLen int64         `toml:"stream_max_len"`
	// KeyPrefix namespaces every key, so deployments can share one Redis.
	KeyPrefix    string        `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool          `toml:"enabled"`
	Endpoint       string        `toml:"endpoint"`
	Region         string        `toml:"region"`
	Bucket         string        `toml:"bucket"`
	AccessKey      string        `toml:"access_key"`
	SecretKey      crypto.Secret `toml:"secret_key"`
	UseSSL         bool          `toml:"use_ssl"`
	ForcePathStyle bool          `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     crypto.Secret `toml:"telegram_token"`
	TelegramChatID    string        `toml:"telegram_chat_id"`
	DiscordWebhookURL crypto.Secret `toml:"discord_webhook_url"`
	Events            []string      `toml:"events"`
}

// ArchiveConfig holds the cold-storage job parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	Cron          string   `toml:"cron"`
	RetentionDays int      `toml:"retention_days"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Polygon mainnet contracts.
const (
	DefaultExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	DefaultCTFAddress      = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	DefaultUSDCAddress     = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
)

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Wallet: WalletConfig{
			SignatureType: 2,
		},
		Exchange: ExchangeConfig{
			ClobHost:        "https://clob.polymarket.com",
			WsHost:          "wss://ws-subscriptions-clob.polymarket.com/ws/market",
			ChainID:         137,
			ExchangeAddress: DefaultExchangeAddress,
			CTFAddress:      DefaultCTFAddress,
			USDCAddress:     DefaultUSDCAddress,
			MinUSDCBalance:  1,
		},
		Credentials: CredentialsConfig{
			Policy: CredentialsCreateOrDerive,
		},
		Risk: RiskConfig{
			MinSpreadBps:    50,
			MaxPositionSize: 100,
			MinOrderSize:    5,
			MaxOrderSize:    50,
		},
		Detector: DetectorConfig{
			FeeMarginBps:   0,
			OrderSize:      10,
			OpportunityTTL: duration{2 * time.Second},
			MaxBookAge:     duration{5 * time.Second},
			MarketsFile:    "markets.yaml",
			BufferSize:     64,
		},
		Dispatcher: DispatcherConfig{
			SignerURL:      "http://localhost:8765",
			RequestTimeout: duration{10 * time.Second},
			MaxAttempts:    3,
			BackoffBase:    duration{200 * time.Millisecond},
			BackoffMax:     duration{2 * time.Second},
			TimeInForce:    "FOK",
			ReconcileFor:   duration{15 * time.Second},
		},
		Signer: SignerConfig{
			ListenAddr:      "127.0.0.1",
			Port:            8765,
			Workers:         4,
			QueueSize:       64,
			DedupTTL:        duration{24 * time.Hour},
			ExchangeTimeout: duration{10 * time.Second},
			RateLimit:       50,
			RateWindow:      duration{10 * time.Second},
			LockTTL:         duration{15 * time.Second},
			RequestLimit:    600,
			RequestWindow:   duration{time.Minute},
		},
		Feed: FeedConfig{
			ReconnectBase: duration{500 * time.Millisecond},
			ReconnectMax:  duration{30 * time.Second},
			PingInterval:  duration{10 * time.Second},
			HealthyAfter:  duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			KeyPrefix:    "polyarb",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polyarb-archive",
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"auth_failed", "partial_execution", "exchange_rejected", "readiness_failed"},
		},
		Archive: ArchiveConfig{
			Interval:      duration{24 * time.Hour},
			RetentionDays: 30,
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// Modes accepted for Config.Mode.
const (
	ModeEngine = "engine"
	ModeSigner = "signer"
	ModeFull   = "full"
)

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	ModeEngine: true,
	ModeSigner: true,
	ModeFull:   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validPolicies = map[string]bool{
	CredentialsRequire:        true,
	CredentialsDerive:         true,
	CredentialsCreateOrDerive: true,
}

// RunsEngine reports whether the mode includes the detection pipeline.
func (c *Config) RunsEngine() bool { return c.Mode == ModeEngine || c.Mode == ModeFull }

// RunsSigner reports whether the mode includes the signing service.
func (c *Config) RunsSigner() bool { return c.Mode == ModeSigner || c.Mode == ModeFull }

// SignerAddr is the host:port the signing service listens on.
func (c *Config) SignerAddr() string {
	return fmt.Sprintf("%s:%d", c.Signer.ListenAddr, c.Signer.Port)
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	c.Mode = strings.ToLower(c.Mode)
	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, signer, full)", c.Mode))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.RunsSigner() {
		errs = append(errs, c.validateSigner()...)
	}
	if c.RunsEngine() {
		errs = append(errs, c.validateEngine()...)
	}

	if c.Exchange.ChainID <= 0 {
		errs = append(errs, "exchange: chain_id must be positive")
	}
	if IsPlaceholder(c.Exchange.ClobHost) {
		errs = append(errs, "exchange: clob_host must be set")
	}

	if c.Postgres.Enabled {
		if c.Postgres.DSN.IsZero() && c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}
	if c.Archive.Enabled {
		if !c.S3.Enabled || !c.Postgres.Enabled {
			errs = append(errs, "archive: requires both postgres and s3 to be enabled")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Cron != "" && len(strings.Fields(c.Archive.Cron)) != 5 {
			errs = append(errs, fmt.Sprintf("archive: cron %q must have 5 fields", c.Archive.Cron))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateSigner() []string {
	var errs []string

	if c.Wallet.EncryptedKeyPath == "" {
		if secretIsPlaceholder(c.Wallet.PrivateKey) {
			errs = append(errs, "wallet: PRIVATE_KEY is missing or a placeholder")
		}
	} else if c.Wallet.KeyPassword.IsZero() {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}
	if !isAddress(c.Wallet.ProxyWallet) {
		errs = append(errs, "wallet: PROXY_WALLET must be a non-zero hex address")
	}
	if c.Wallet.SignatureType < 0 || c.Wallet.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("wallet: signature_type must be 0 (EOA), 1 (proxy) or 2 (Safe), got %d", c.Wallet.SignatureType))
	}
	for name, addr := range map[string]string{
		"exchange_address": c.Exchange.ExchangeAddress,
		"ctf_address":      c.Exchange.CTFAddress,
		"usdc_address":     c.Exchange.USDCAddress,
	} {
		if !isAddress(addr) {
			errs = append(errs, "exchange: "+name+" must be a non-zero hex address")
		}
	}

	if !validPolicies[c.Credentials.Policy] {
		errs = append(errs, fmt.Sprintf("credentials: unknown policy %q (valid: require, derive, create_or_derive)", c.Credentials.Policy))
	}
	anyCred := c.Credentials.APIKey != "" || !c.Credentials.APISecret.IsZero() || !c.Credentials.Passphrase.IsZero()
	if anyCred || c.Credentials.Policy == CredentialsRequire {
		if IsPlaceholder(c.Credentials.APIKey) || secretIsPlaceholder(c.Credentials.APISecret) || secretIsPlaceholder(c.Credentials.Passphrase) {
			errs = append(errs, "credentials: POLYMARKET_API_KEY, POLYMARKET_API_SECRET and POLYMARKET_PASSPHRASE must all be set together")
		}
	}

	if c.Signer.Port <= 0 || c.Signer.Port > 65535 {
		errs = append(errs, fmt.Sprintf("signer: port must be 1-65535, got %d", c.Signer.Port))
	}
	if c.Signer.Workers < 1 {
		errs = append(errs, "signer: workers must be >= 1")
	}
	if c.Signer.QueueSize < 1 {
		errs = append(errs, "signer: queue_size must be >= 1")
	}
	if c.Signer.ExchangeTimeout.Duration <= 0 {
		errs = append(errs, "signer: exchange_timeout must be > 0")
	}
	if c.Signer.DedupTTL.Duration <= 0 {
		errs = append(errs, "signer: dedup_ttl must be > 0")
	}
	return errs
}

func (c *Config) validateEngine() []string {
	var errs []string

	r := c.Risk
	if r.MinSpreadBps <= 0 {
		errs = append(errs, "risk: MIN_SPREAD_BPS must be > 0")
	}
	if r.MaxPositionSize <= 0 {
		errs = append(errs, "risk: MAX_POSITION_SIZE must be > 0")
	}
	if r.MinOrderSize <= 0 {
		errs = append(errs, "risk: MIN_ORDER_SIZE must be > 0")
	}
	if r.MaxOrderSize < r.MinOrderSize {
		errs = append(errs, "risk: MAX_ORDER_SIZE must be >= MIN_ORDER_SIZE")
	}
	if r.MaxOrderSize > r.MaxPositionSize {
		errs = append(errs, "risk: MAX_ORDER_SIZE must not exceed MAX_POSITION_SIZE")
	}

	d := c.Detector
	if d.FeeMarginBps < 0 {
		errs = append(errs, "detector: fee_margin_bps must be >= 0")
	}
	if d.OrderSize <= 0 {
		errs = append(errs, "detector: order_size must be > 0")
	}
	if d.OpportunityTTL.Duration <= 0 {
		errs = append(errs, "detector: opportunity_ttl must be > 0")
	}
	if IsPlaceholder(d.MarketsFile) {
		errs = append(errs, "detector: markets_file must be set")
	}
	if d.BufferSize < 1 {
		errs = append(errs, "detector: buffer_size must be >= 1")
	}

	if u, err := url.Parse(c.Dispatcher.SignerURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("dispatcher: EXECUTOR_URL %q is not a valid URL", c.Dispatcher.SignerURL))
	}
	if c.Dispatcher.MaxAttempts < 1 {
		errs = append(errs, "dispatcher: max_attempts must be >= 1")
	}
	if c.Dispatcher.RequestTimeout.Duration <= 0 {
		errs = append(errs, "dispatcher: request_timeout must be > 0")
	}
	if c.Dispatcher.BackoffBase.Duration <= 0 || c.Dispatcher.BackoffMax.Duration < c.Dispatcher.BackoffBase.Duration {
		errs = append(errs, "dispatcher: backoff_base must be > 0 and <= backoff_max")
	}
	switch strings.ToUpper(c.Dispatcher.TimeInForce) {
	case "FOK", "GTC", "GTD":
	default:
		errs = append(errs, fmt.Sprintf("dispatcher: time_in_force %q (valid: FOK, GTC, GTD)", c.Dispatcher.TimeInForce))
	}

	if IsPlaceholder(c.Exchange.WsHost) {
		errs = append(errs, "exchange: ws_host must be set")
	}
	if c.Feed.ReconnectBase.Duration <= 0 || c.Feed.ReconnectMax.Duration < c.Feed.ReconnectBase.Duration {
		errs = append(errs, "feed: reconnect_base must be > 0 and <= reconnect_max")
	}
	return errs
}

var placeholders = map[string]bool{
	"":                      true,
	"0x":                    true,
	"your_private_key_here": true,
	"your_proxy_wallet":     true,
	"your_api_key":          true,
	"changeme":              true,
	"change_me":             true,
	"todo":                  true,
	"none":                  true,
	"null":                  true,
}

// IsPlaceholder reports whether v is empty or an obvious template value that
// was never filled in.
func IsPlaceholder(v string) bool {
	s := strings.ToLower(strings.TrimSpace(v))
	if placeholders[s] {
		return true
	}
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		return true
	}
	if strings.HasPrefix(s, "your_") || strings.HasPrefix(s, "xxx") {
		return true
	}
	if strings.HasPrefix(s, "0x") && strings.Trim(s[2:], "0") == "" {
		return true
	}
	return false
}

func secretIsPlaceholder(s crypto.Secret) bool {
	if s.IsZero() {
		return true
	}
	var bad bool
	_ = s.Use(func(b []byte) error {
		bad = IsPlaceholder(string(b))
		return nil
	})
	return bad
}

func isAddress(v string) bool {
	return !IsPlaceholder(v) && common.IsHexAddress(v)
}
