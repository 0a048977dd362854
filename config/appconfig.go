package config

import (
	"os"
	"strconv"
	"time"
)

// AppConfig holds the full configuration of the API server and worker.
type AppConfig struct {
	AppServerPort string `json:"app_server_port"`
	DBConnURL     string `json:"db_conn_url"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`

	MinioEndpoint  string `json:"minio_endpoint"`
	MinioAccessKey string `json:"minio_access_key"`
	MinioSecretKey string `json:"minio_secret_key"`
	MinioUseSSL    bool   `json:"minio_use_ssl"`
	StorageBucket  string `json:"storage_bucket"`
	PublicBaseURL  string `json:"public_base_url"`

	JWTSecret     string `json:"jwt_secret"`
	EncryptionKey string `json:"encryption_key"` // hex, 32 bytes once decoded

	// Process-wide generation credential; used when a client has no
	// credential of its own.
	GeminiAPIKey string `json:"gemini_api_key"`

	WorkerConcurrency int `json:"worker_concurrency"`
	JobMaxAttempts    int `json:"job_max_attempts"`
	JobBaseDelayMS    int `json:"job_base_delay_ms"`

	RateLimitFlash  int    `json:"rate_limit_flash"`
	RateLimitPro    int    `json:"rate_limit_pro"`
	RateWindowMS    int    `json:"rate_window_ms"`
	RateGateMode    string `json:"rate_gate_mode"` // "redis" (default) or "memory"
	PromptConcFlash int    `json:"prompt_concurrency_flash"`
	PromptConcPro   int    `json:"prompt_concurrency_pro"`
}

// Defaults as documented in the operations guide.
const (
	DefaultWorkerConcurrency = 3
	DefaultJobMaxAttempts    = 3
	DefaultJobBaseDelayMS    = 2000
	DefaultRateLimitFlash    = 500
	DefaultRateLimitPro      = 100
	DefaultRateWindowMS      = 60000
	DefaultPromptConcFlash   = 15
	DefaultPromptConcPro     = 10
)

// ApplyDefaults fills zero-valued operational fields with their defaults.
func (c *AppConfig) ApplyDefaults() {
	if c.WorkerConcurrency == 0 {
		c.WorkerConcurrency = DefaultWorkerConcurrency
	}
	if c.JobMaxAttempts == 0 {
		c.JobMaxAttempts = DefaultJobMaxAttempts
	}
	if c.JobBaseDelayMS == 0 {
		c.JobBaseDelayMS = DefaultJobBaseDelayMS
	}
	if c.RateLimitFlash == 0 {
		c.RateLimitFlash = DefaultRateLimitFlash
	}
	if c.RateLimitPro == 0 {
		c.RateLimitPro = DefaultRateLimitPro
	}
	if c.RateWindowMS == 0 {
		c.RateWindowMS = DefaultRateWindowMS
	}
	if c.PromptConcFlash == 0 {
		c.PromptConcFlash = DefaultPromptConcFlash
	}
	if c.PromptConcPro == 0 {
		c.PromptConcPro = DefaultPromptConcPro
	}
	if c.RateGateMode == "" {
		c.RateGateMode = "redis"
	}
}

// FromEnv overrides operational knobs from environment variables. File or
// Rigel values act as the base; env wins when set.
func (c *AppConfig) FromEnv() {
	intFromEnv("WORKER_CONCURRENCY", &c.WorkerConcurrency)
	intFromEnv("JOB_MAX_ATTEMPTS", &c.JobMaxAttempts)
	intFromEnv("JOB_BASE_DELAY_MS", &c.JobBaseDelayMS)
	intFromEnv("GEMINI_RATE_LIMIT_FLASH", &c.RateLimitFlash)
	intFromEnv("GEMINI_RATE_LIMIT_PRO", &c.RateLimitPro)
	intFromEnv("GEMINI_RATE_WINDOW", &c.RateWindowMS)
	intFromEnv("PROMPT_CONCURRENCY_FLASH", &c.PromptConcFlash)
	intFromEnv("PROMPT_CONCURRENCY_PRO", &c.PromptConcPro)
	strFromEnv("RATE_GATE_MODE", &c.RateGateMode)
	strFromEnv("GEMINI_API_KEY", &c.GeminiAPIKey)
	strFromEnv("MASSTOCK_DB_URL", &c.DBConnURL)
	strFromEnv("MASSTOCK_REDIS_ADDR", &c.RedisAddr)
	strFromEnv("MASSTOCK_STORAGE_BUCKET", &c.StorageBucket)
	strFromEnv("MASSTOCK_JWT_SECRET", &c.JWTSecret)
	strFromEnv("MASSTOCK_ENCRYPTION_KEY", &c.EncryptionKey)
}

// RateWindow returns the configured rate window as a duration.
func (c *AppConfig) RateWindow() time.Duration {
	return time.Duration(c.RateWindowMS) * time.Millisecond
}

// JobBaseDelay returns the configured retry base delay as a duration.
func (c *AppConfig) JobBaseDelay() time.Duration {
	return time.Duration(c.JobBaseDelayMS) * time.Millisecond
}

func intFromEnv(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func strFromEnv(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
