package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime settings for the docflow service.
type Config struct {
	Addr           string
	DatabaseURL    string
	BootstrapAdmin string
	MaxApprovers   int

	JWTSecret         string
	JWTPublicKeysFile string
	JWTIssuer         string
	JWTAudience       string
	AllowDevPrincipal bool

	SignerKeyB64 string
	SignerID     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration
	LockWait      time.Duration

	RateLimitRPS   float64
	RateLimitBurst int
	SweepInterval  time.Duration

	KafkaBrokers         []string
	KafkaTopic           string
	S3Bucket             string
	S3Prefix             string
	StreamBatchSize      int
	StreamMaxConcurrency int
	StreamPollInterval   time.Duration
}

const (
	defaultAddr          = ":8090"
	defaultMaxApprovers  = 32
	defaultLockTTL       = 10 * time.Second
	defaultLockWait      = 5 * time.Second
	defaultRateRPS       = 20
	defaultRateBurst     = 40
	defaultSweepInterval = time.Minute
)

// Load reads environment variables and returns a Config.
func Load() (Config, error) {
	cfg := Config{
		Addr:           getEnv("DOCFLOW_ADDR", defaultAddr),
		DatabaseURL:    firstNonEmpty(os.Getenv("DOCFLOW_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		BootstrapAdmin: strings.TrimSpace(os.Getenv("DOCFLOW_BOOTSTRAP_ADMIN")),
		MaxApprovers:   getInt("DOCFLOW_MAX_APPROVERS", defaultMaxApprovers),

		JWTSecret:         os.Getenv("DOCFLOW_JWT_HS256_SECRET"),
		JWTPublicKeysFile: os.Getenv("DOCFLOW_JWT_PUBLIC_KEYS_FILE"),
		JWTIssuer:         os.Getenv("DOCFLOW_JWT_ISSUER"),
		JWTAudience:       os.Getenv("DOCFLOW_JWT_AUDIENCE"),
		AllowDevPrincipal: getBool("DOCFLOW_ALLOW_DEV_PRINCIPAL", false),

		SignerKeyB64: os.Getenv("DOCFLOW_SIGNER_KEY_B64"),
		SignerID:     getEnv("DOCFLOW_SIGNER_ID", "docflow-dev"),

		RedisAddr:     os.Getenv("DOCFLOW_REDIS_ADDR"),
		RedisPassword: os.Getenv("DOCFLOW_REDIS_PASSWORD"),
		RedisDB:       getInt("DOCFLOW_REDIS_DB", 0),
		LockTTL:       getDuration("DOCFLOW_LOCK_TTL", defaultLockTTL),
		LockWait:      getDuration("DOCFLOW_LOCK_WAIT", defaultLockWait),

		RateLimitRPS:   getFloat("DOCFLOW_RATE_LIMIT_RPS", defaultRateRPS),
		RateLimitBurst: getInt("DOCFLOW_RATE_LIMIT_BURST", defaultRateBurst),
		SweepInterval:  getDuration("DOCFLOW_SWEEP_INTERVAL", defaultSweepInterval),

		KafkaBrokers:         splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:           os.Getenv("KAFKA_TOPIC"),
		S3Bucket:             os.Getenv("S3_BUCKET"),
		S3Prefix:             os.Getenv("S3_PREFIX"),
		StreamBatchSize:      getInt("STREAM_BATCH_SIZE", 50),
		StreamMaxConcurrency: getInt("STREAM_MAX_CONCURRENCY", 5),
		StreamPollInterval:   getDuration("STREAM_POLL_INTERVAL", 3*time.Second),
	}

	if cfg.BootstrapAdmin == "" {
		return Config{}, fmt.Errorf("DOCFLOW_BOOTSTRAP_ADMIN is required")
	}
	if !cfg.JWTEnabled() && !cfg.AllowDevPrincipal {
		return Config{}, fmt.Errorf("configure DOCFLOW_JWT_HS256_SECRET or DOCFLOW_JWT_PUBLIC_KEYS_FILE, or set DOCFLOW_ALLOW_DEV_PRINCIPAL=true")
	}
	return cfg, nil
}

func (c Config) JWTEnabled() bool {
	return c.JWTSecret != "" || c.JWTPublicKeysFile != ""
}

// StreamingEnabled reports whether both Kafka brokers and topic are configured.
func (c Config) StreamingEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaTopic != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		ok, err := strconv.ParseBool(v)
		if err == nil {
			return ok
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return f
		}
	}
	return fallback
}

// getDuration accepts Go durations ("90s") or plain seconds. Zero is allowed.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
