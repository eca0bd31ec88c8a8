package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config 服务配置，全部来自环境变量或 .env 文件
type Config struct {
	AppName     string
	Environment string
	HTTPAddr    string
	DBPath      string

	CacheBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	StoreTimeout time.Duration
	QuotaGrace   time.Duration
	// QuotaLimits 覆盖默认上限，例如 "annual.standard=600,monthly.basic=150"
	QuotaLimits string

	DemoLicenseKey string
	DemoTenantID   string

	JWTSecret string

	SheetSync SheetSyncConfig

	LogLevel  string
	LogFormat string
}

type SheetSyncConfig struct {
	Enabled        bool
	CredentialPath string
	SpreadsheetID  string
	SheetName      string
}

// Load 读取配置，缺省值适用于本地开发
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:        getenv("APP_NAME", "registry-licensing"),
		Environment:    getenv("ENVIRONMENT", "development"),
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		DBPath:         getenv("DB_PATH", "data/registry.db"),
		CacheBackend:   normalizeCacheBackend(getenv("CACHE_BACKEND", CacheMemory)),
		RedisAddr:      strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
		RedisPassword:  strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:        getenvInt("REDIS_DB", 0),
		RedisPrefix:    getenv("REDIS_PREFIX", "registry:"),
		StoreTimeout:   getenvDuration("STORE_TIMEOUT", 3*time.Second),
		QuotaGrace:     getenvDuration("QUOTA_GRACE", 5*time.Second),
		QuotaLimits:    strings.TrimSpace(getenv("QUOTA_LIMITS", "")),
		DemoLicenseKey: strings.TrimSpace(getenv("DEMO_LICENSE_KEY", "TF2512A-KVX3DGZT-0L68B1TY")),
		DemoTenantID:   strings.TrimSpace(getenv("DEMO_TENANT_ID", "tenant_tf2512akvx3dgzt0l68b1ty")),
		JWTSecret:      strings.TrimSpace(getenv("JWT_SECRET", "")),
		SheetSync: SheetSyncConfig{
			Enabled:        getenvBool("SHEET_SYNC_ENABLED", false),
			CredentialPath: getenv("SHEET_CREDENTIALS", "credentials.json"),
			SpreadsheetID:  strings.TrimSpace(getenv("SHEET_SPREADSHEET_ID", "")),
			SheetName:      getenv("SHEET_NAME", "Licenses"),
		},
		LogLevel:  getenv("LOG_LEVEL", "info"),
		LogFormat: getenv("LOG_FORMAT", "json"),
	}
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func normalizeCacheBackend(raw string) string {
	if strings.ToLower(strings.TrimSpace(raw)) == CacheRedis {
		return CacheRedis
	}
	return CacheMemory
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration 接受 "3s" 这种写法，也接受纯数字(秒)
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return def
}
