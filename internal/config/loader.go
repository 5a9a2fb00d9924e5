package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/polyarb/internal/crypto"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies environment variable overrides, and returns the
// final Config. A missing file is not an error so env-only deployments work.
// The returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads the well-known environment variables and overwrites
// the corresponding Config fields when a variable is set (i.e. not empty).
// The bare names are the ones operators already have in their .env files;
// everything else is POLYARB_*.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setSecret(&cfg.Wallet.PrivateKey, "PRIVATE_KEY")
	setStr(&cfg.Wallet.ProxyWallet, "PROXY_WALLET")
	setInt(&cfg.Wallet.SignatureType, "POLYARB_WALLET_SIGNATURE_TYPE")
	setStr(&cfg.Wallet.EncryptedKeyPath, "POLYARB_WALLET_ENCRYPTED_KEY_PATH")
	setSecret(&cfg.Wallet.KeyPassword, "POLYARB_WALLET_KEY_PASSWORD")

	// ── Exchange ──
	setStr(&cfg.Exchange.ClobHost, "CLOB_API_URL")
	setStr(&cfg.Exchange.WsHost, "POLYARB_EXCHANGE_WS_HOST")
	setInt(&cfg.Exchange.ChainID, "CHAIN_ID")
	setStr(&cfg.Exchange.RPCURL, "RPC_URL")
	setStr(&cfg.Exchange.RPCURL, "POLYARB_EXCHANGE_RPC_URL")
	setStr(&cfg.Exchange.ExchangeAddress, "POLYARB_EXCHANGE_ADDRESS")
	setStr(&cfg.Exchange.CTFAddress, "POLYARB_EXCHANGE_CTF_ADDRESS")
	setStr(&cfg.Exchange.USDCAddress, "POLYARB_EXCHANGE_USDC_ADDRESS")
	setInt(&cfg.Exchange.FeeRateBps, "POLYARB_EXCHANGE_FEE_RATE_BPS")
	setFloat64(&cfg.Exchange.MinUSDCBalance, "POLYARB_EXCHANGE_MIN_USDC_BALANCE")

	// ── Credentials ──
	setStr(&cfg.Credentials.Policy, "POLYARB_CREDENTIALS_POLICY")
	setStr(&cfg.Credentials.APIKey, "POLYMARKET_API_KEY")
	setSecret(&cfg.Credentials.APISecret, "POLYMARKET_API_SECRET")
	setSecret(&cfg.Credentials.Passphrase, "POLYMARKET_PASSPHRASE")

	// ── Risk ──
	setFloat64(&cfg.Risk.MinSpreadBps, "MIN_SPREAD_BPS")
	setFloat64(&cfg.Risk.MaxPositionSize, "MAX_POSITION_SIZE")
	setFloat64(&cfg.Risk.MinOrderSize, "MIN_ORDER_SIZE")
	setFloat64(&cfg.Risk.MaxOrderSize, "MAX_ORDER_SIZE")
	setBool(&cfg.Risk.ReadOnly, "READ_ONLY")

	// ── Detector ──
	setFloat64(&cfg.Detector.FeeMarginBps, "POLYARB_DETECTOR_FEE_MARGIN_BPS")
	setFloat64(&cfg.Detector.OrderSize, "POLYARB_DETECTOR_ORDER_SIZE")
	setDuration(&cfg.Detector.OpportunityTTL, "POLYARB_DETECTOR_OPPORTUNITY_TTL")
	setDuration(&cfg.Detector.MaxBookAge, "POLYARB_DETECTOR_MAX_BOOK_AGE")
	setBool(&cfg.Detector.DetectBidSide, "POLYARB_DETECTOR_DETECT_BID_SIDE")
	setStr(&cfg.Detector.MarketsFile, "POLYARB_DETECTOR_MARKETS_FILE")

	// ── Dispatcher ──
	setStr(&cfg.Dispatcher.SignerURL, "EXECUTOR_URL")
	setSecret(&cfg.Dispatcher.APIToken, "POLYARB_DISPATCHER_API_TOKEN")
	setDuration(&cfg.Dispatcher.RequestTimeout, "POLYARB_DISPATCHER_REQUEST_TIMEOUT")
	setInt(&cfg.Dispatcher.MaxAttempts, "POLYARB_DISPATCHER_MAX_ATTEMPTS")
	setStr(&cfg.Dispatcher.TimeInForce, "POLYARB_DISPATCHER_TIME_IN_FORCE")

	// ── Signer ──
	setStr(&cfg.Signer.ListenAddr, "POLYARB_SIGNER_LISTEN_ADDR")
	setInt(&cfg.Signer.Port, "EXECUTOR_PORT")
	setSecret(&cfg.Signer.APIToken, "POLYARB_SIGNER_API_TOKEN")
	setInt(&cfg.Signer.Workers, "POLYARB_SIGNER_WORKERS")
	setInt(&cfg.Signer.QueueSize, "POLYARB_SIGNER_QUEUE_SIZE")
	setDuration(&cfg.Signer.DedupTTL, "POLYARB_SIGNER_DEDUP_TTL")
	setDuration(&cfg.Signer.ExchangeTimeout, "POLYARB_SIGNER_EXCHANGE_TIMEOUT")
	setStringSlice(&cfg.Signer.CORSOrigins, "POLYARB_SIGNER_CORS_ORIGINS")
	setInt(&cfg.Signer.RequestLimit, "POLYARB_SIGNER_REQUEST_LIMIT")
	setDuration(&cfg.Signer.RequestWindow, "POLYARB_SIGNER_REQUEST_WINDOW")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "POLYARB_POSTGRES_ENABLED")
	setSecret(&cfg.Postgres.DSN, "POLYARB_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "POLYARB_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POLYARB_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POLYARB_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POLYARB_POSTGRES_USER")
	setSecret(&cfg.Postgres.Password, "POLYARB_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POLYARB_POSTGRES_SSL_MODE")
	setBool(&cfg.Postgres.RunMigrations, "POLYARB_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYARB_REDIS_ADDR")
	setSecret(&cfg.Redis.Password, "POLYARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYARB_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "POLYARB_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "POLYARB_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLYARB_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLYARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYARB_S3_ACCESS_KEY")
	setSecret(&cfg.S3.SecretKey, "POLYARB_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "POLYARB_S3_FORCE_PATH_STYLE")

	// ── Notify ──
	setSecret(&cfg.Notify.TelegramToken, "POLYARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYARB_NOTIFY_TELEGRAM_CHAT_ID")
	setSecret(&cfg.Notify.DiscordWebhookURL, "POLYARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYARB_NOTIFY_EVENTS")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "POLYARB_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "POLYARB_ARCHIVE_INTERVAL")
	setStr(&cfg.Archive.Cron, "POLYARB_ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "POLYARB_ARCHIVE_RETENTION_DAYS")

	// ── Top-level ──
	setStr(&cfg.Mode, "POLYARB_MODE")
	setStr(&cfg.LogLevel, "POLYARB_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setSecret(dst *crypto.Secret, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = crypto.NewSecret(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
