package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	StoreDriver string `yaml:"storeDriver"` // postgres | memory
	DatabaseURL string `yaml:"databaseURL"`

	StorageBackend string `yaml:"storageBackend"` // local | minio | supabase
	UploadDir      string `yaml:"uploadDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	SupabaseURL    string `yaml:"supabaseURL"`
	SupabaseKey    string `yaml:"supabaseKey"`
	SupabaseBucket string `yaml:"supabaseBucket"`
	SupabasePrefix string `yaml:"supabasePrefix"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`

	AuthMode       string `yaml:"authMode"` // header | jwt
	JWTSecret      string `yaml:"jwtSecret"`
	JWKSURL        string `yaml:"jwksURL"`
	JWTIssuer      string `yaml:"jwtIssuer"`
	JWTAudience    string `yaml:"jwtAudience"`
	JWTLeeway      string `yaml:"jwtLeeway"`
	CallbackSecret string `yaml:"callbackSecret"`

	RedisAddr             string `yaml:"redisAddr"`
	RedisPassword         string `yaml:"redisPassword"`
	RedisDB               int    `yaml:"redisDB"`
	QueueStream           string `yaml:"queueStream"`
	DispatcherConcurrency int    `yaml:"dispatcherConcurrency"`
	DispatchMaxRetries    int    `yaml:"dispatchMaxRetries"`

	LessonWebhookURL   string `yaml:"lessonWebhookURL"`
	ScheduleWebhookURL string `yaml:"scheduleWebhookURL"`
	WorkflowToken      string `yaml:"workflowToken"`
	PublicBaseURL      string `yaml:"publicBaseURL"`

	CORSOrigins        []string `yaml:"corsOrigins"`
	TrustedProxyCIDRs  []string `yaml:"trustedProxyCIDRs"`
	RateLimitPerMinute int      `yaml:"rateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml). A missing file is
// not an error: the service can run from environment variables alone.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = os.Getenv("TUTOR_CONFIG")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.StoreDriver, "TUTOR_STORE_DRIVER")
	setString(&cfg.DatabaseURL, "DATABASE_URL")

	setString(&cfg.StorageBackend, "TUTOR_STORAGE_BACKEND")
	setString(&cfg.UploadDir, "TUTOR_UPLOAD_DIR")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	setString(&cfg.SupabaseURL, "SUPABASE_URL")
	setString(&cfg.SupabaseKey, "SUPABASE_KEY")
	setString(&cfg.SupabaseBucket, "SUPABASE_BUCKET")
	if v := os.Getenv("TUTOR_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}

	setString(&cfg.AuthMode, "TUTOR_AUTH_MODE")
	setString(&cfg.JWTSecret, "SUPABASE_JWT_SECRET")
	setString(&cfg.JWKSURL, "TUTOR_JWKS_URL")
	setString(&cfg.JWTIssuer, "TUTOR_JWT_ISSUER")
	setString(&cfg.JWTAudience, "TUTOR_JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "TUTOR_JWT_LEEWAY")
	setString(&cfg.CallbackSecret, "TUTOR_CALLBACK_SECRET")

	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setInt(&cfg.RedisDB, "REDIS_DB")
	setInt(&cfg.DispatcherConcurrency, "TUTOR_DISPATCHER_CONCURRENCY")

	setString(&cfg.LessonWebhookURL, "N8N_LESSON_WEBHOOK_URL")
	setString(&cfg.ScheduleWebhookURL, "N8N_SCHEDULE_WEBHOOK_URL")
	setString(&cfg.WorkflowToken, "N8N_TOKEN")
	setString(&cfg.PublicBaseURL, "TUTOR_PUBLIC_BASE_URL")

	if v := os.Getenv("TUTOR_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
	if v := os.Getenv("TUTOR_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	setInt(&cfg.RateLimitPerMinute, "TUTOR_RATE_LIMIT_PER_MINUTE")
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "memory"
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = "postgres"
		}
	}
	cfg.StorageBackend = strings.ToLower(cfg.StorageBackend)
	if cfg.StorageBackend == "" {
		cfg.StorageBackend = "local"
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.SupabaseBucket == "" {
		cfg.SupabaseBucket = "uploads"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 * 1024 * 1024
	}
	cfg.AuthMode = strings.ToLower(cfg.AuthMode)
	if cfg.AuthMode == "" {
		cfg.AuthMode = "header"
	}
	if cfg.QueueStream == "" {
		cfg.QueueStream = "tutor:lessons"
	}
	if cfg.DispatcherConcurrency <= 0 {
		cfg.DispatcherConcurrency = 2
	}
	if cfg.DispatchMaxRetries <= 0 {
		cfg.DispatchMaxRetries = 3
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	switch cfg.StoreDriver {
	case "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for storeDriver postgres (set in config.yaml or DATABASE_URL)")
		}
	default:
		return fmt.Errorf("config: unknown storeDriver %q", cfg.StoreDriver)
	}
	switch cfg.StorageBackend {
	case "local":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint, minioAccessKey, minioSecretKey and minioBucket are required for storageBackend minio")
		}
	case "supabase":
		if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
			return errors.New("config: supabaseURL and supabaseKey are required for storageBackend supabase")
		}
	default:
		return fmt.Errorf("config: unknown storageBackend %q", cfg.StorageBackend)
	}
	switch cfg.AuthMode {
	case "header":
	case "jwt":
		if cfg.JWTSecret == "" && cfg.JWKSURL == "" {
			return errors.New("config: jwtSecret or jwksURL is required for authMode jwt")
		}
	default:
		return fmt.Errorf("config: unknown authMode %q", cfg.AuthMode)
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.RateLimitPerMinute < 0 {
		return errors.New("config: rateLimitPerMinute must not be negative")
	}
	if cfg.RateLimitPerMinute > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when rateLimitPerMinute is set")
	}
	return nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses a duration string for JWT validation leeway.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}
