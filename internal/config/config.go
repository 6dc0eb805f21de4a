// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ログイン台帳のバックエンド種別
const (
	LedgerBackendPostgres = "postgres"
	LedgerBackendRedis    = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Authentication Service
	AuthServiceURL     string
	AuthTimeout        time.Duration
	AuthMaxIdleConns   int
	AuthRestrictPublic bool // trueの場合、プライベートIP宛の接続をブロックする
	AuthAllowInsecure  bool // trueの場合、http://の認証サービスURLを許可する（開発用）

	// Login Ledger
	LedgerBackend      string
	DatabaseURL        string
	RedisURL           string
	LedgerStream       string
	LedgerStreamMaxLen int64
	LedgerWorkers      int
	LedgerQueueSize    int
	LedgerWriteTimeout time.Duration

	// Logging
	LogLevel         string
	LogRetentionDays int

	// Session cookie
	SessionCookieName string
	SessionMaxAge     int // トークンに有効期限がない場合のCookie有効期間（秒）
	CookieDomain      string
	CookieSameSite    string
	ExposeTokenInBody bool

	// Rate Limit
	RateLimitLogin int // req/min/IP

	// Server
	ServerPort  string
	MetricsPort string

	// CORS
	CORSAllowedOrigin string
}

// LoadDotEnv は.envファイルが存在すれば環境変数として読み込む。
// 既に設定済みの環境変数は上書きしない。ファイルがない場合は何もしない。
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.AuthServiceURL = strings.TrimRight(os.Getenv("AUTH_SERVICE_URL"), "/")
	if cfg.AuthServiceURL == "" {
		missing = append(missing, "AUTH_SERVICE_URL")
	}

	cfg.LedgerBackend = strings.ToLower(getEnvString("LEDGER_BACKEND", LedgerBackendPostgres))
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")

	switch cfg.LedgerBackend {
	case LedgerBackendPostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case LedgerBackendRedis:
		if cfg.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported LEDGER_BACKEND: %q (allowed: %s, %s)",
			cfg.LedgerBackend, LedgerBackendPostgres, LedgerBackendRedis)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AuthTimeout = getEnvDuration("AUTH_TIMEOUT", 5*time.Second)
	cfg.AuthMaxIdleConns = getEnvInt("AUTH_MAX_IDLE_CONNS", 100)
	cfg.AuthRestrictPublic = getEnvBool("AUTH_RESTRICT_PUBLIC", false)
	cfg.AuthAllowInsecure = getEnvBool("AUTH_ALLOW_INSECURE", false)
	cfg.LedgerStream = getEnvString("LEDGER_STREAM", "logins")
	cfg.LedgerStreamMaxLen = getEnvInt64("LEDGER_STREAM_MAXLEN", 0)
	cfg.LedgerWorkers = getEnvInt("LEDGER_WORKERS", 4)
	cfg.LedgerQueueSize = getEnvInt("LEDGER_QUEUE_SIZE", 1024)
	cfg.LedgerWriteTimeout = getEnvDuration("LEDGER_WRITE_TIMEOUT", 5*time.Second)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogRetentionDays = getEnvInt("LOG_RETENTION_DAYS", 90)
	cfg.SessionCookieName = getEnvString("SESSION_COOKIE_NAME", "session")
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 3600)
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CookieSameSite = strings.ToLower(getEnvString("COOKIE_SAMESITE", "strict"))
	cfg.ExposeTokenInBody = getEnvBool("EXPOSE_TOKEN_IN_BODY", false)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.MetricsPort = getEnvString("METRICS_PORT", "9090")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	if cfg.CookieSameSite != "strict" && cfg.CookieSameSite != "lax" {
		return nil, fmt.Errorf("unsupported COOKIE_SAMESITE: %q (allowed: strict, lax)", cfg.CookieSameSite)
	}
	if cfg.AuthTimeout <= 0 {
		return nil, fmt.Errorf("AUTH_TIMEOUT must be positive: %v", cfg.AuthTimeout)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
