package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aura-nvr/backend/internal/apperr"
)

// Role selects which settings Validate treats as required.
type Role string

const (
	RoleServer Role = "server"
	RoleAgent  Role = "agent"
	RoleWorker Role = "worker"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Watcher  WatcherConfig
	Sync     SyncConfig
	Pipeline PipelineConfig
	Stream   StreamConfig
	Cameras  []CameraConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// DatabaseConfig holds PostgreSQL connection settings for the failure ledger.
// An empty URL keeps the ledger in memory.
type DatabaseConfig struct {
	URL      string
	MaxConns int
}

// RedisConfig holds Redis connection settings for the index job queue.
// An empty Addr makes the worker invoke the indexer in-process.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds bearer-token validation settings. An empty secret disables auth.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and resource names.
type AWSConfig struct {
	Region            string
	AccessKeyID       string
	SecretAccessKey   string
	Endpoint          string // optional S3/DynamoDB/SQS endpoint override (MinIO, LocalStack)
	Bucket            string
	Table             string
	QueueURL          string
	CloudFrontDomain  string
	CloudFrontKeyID   string
	CloudFrontKeyPath string // PEM-encoded RSA private key
}

// WatcherConfig controls the shared storage poller.
type WatcherConfig struct {
	Root        string
	Interval    time.Duration
	Extensions  []string
	Retention   time.Duration
	MaxSeen     int
	QueuePolicy string // "block" or "drop"
	QueueSize   int
	UseFSNotify bool
	DefaultSite string
	MetricsAddr string
}

// SyncConfig controls the upload worker pool.
type SyncConfig struct {
	Concurrency      int
	MaxBandwidthMbps int
	RetryAttempts    int
	RetryBase        time.Duration
	RetryMax         time.Duration
	RetentionPolicy  string // "keep" or "delete"
	DrainTimeout     time.Duration
	StateRetention   time.Duration
}

// PipelineConfig controls the server-side event handlers.
type PipelineConfig struct {
	KeepRaw          bool
	IndexAttempts    int
	IndexBackoff     time.Duration
	EventConcurrency int
	MetricsAddr      string
}

// StreamConfig bounds signed URL lifetimes.
type StreamConfig struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// CameraConfig is one configured camera; the API enumerates cameras and sites from these.
type CameraConfig struct {
	CameraID string `json:"camera_id"`
	SiteID   string `json:"site_id"`
	Enabled  bool   `json:"enabled"`
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	defaultSite := getEnv("DEFAULT_SITE_ID", "home")
	cameras, err := parseCameras(getEnv("CAMERAS", ""), defaultSite)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvInt("DATABASE_MAX_CONNS", 4),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", ""),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:            getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:       getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:   getEnv("AWS_SECRET_ACCESS_KEY", ""),
			Endpoint:          getEnv("AWS_ENDPOINT_URL", ""),
			Bucket:            getEnv("AWS_S3_BUCKET", ""),
			Table:             getEnv("DYNAMODB_TABLE", "nvr-video-index"),
			QueueURL:          getEnv("SQS_QUEUE_URL", ""),
			CloudFrontDomain:  getEnv("CLOUDFRONT_DOMAIN", ""),
			CloudFrontKeyID:   getEnv("CLOUDFRONT_KEY_PAIR_ID", ""),
			CloudFrontKeyPath: getEnv("CLOUDFRONT_PRIVATE_KEY_PATH", ""),
		},
		Watcher: WatcherConfig{
			Root:        getEnv("STORAGE_ROOT", "/opt/nvr/storage"),
			Interval:    getEnvDuration("WATCH_INTERVAL", 10*time.Second),
			Extensions:  splitTrim(strings.ToLower(getEnv("WATCH_EXTENSIONS", ".dav,.mp4,.mkv,.avi")), ","),
			Retention:   getEnvDuration("WATCH_SEEN_RETENTION", 6*time.Hour),
			MaxSeen:     getEnvInt("WATCH_MAX_SEEN", 100000),
			QueuePolicy: getEnv("WATCH_QUEUE_POLICY", "block"),
			QueueSize:   getEnvInt("WATCH_QUEUE_SIZE", 256),
			UseFSNotify: getEnvBool("WATCH_FSNOTIFY", false),
			DefaultSite: defaultSite,
			MetricsAddr: getEnv("AGENT_METRICS_ADDR", ""),
		},
		Sync: SyncConfig{
			Concurrency:      getEnvInt("SYNC_CONCURRENCY", 4),
			MaxBandwidthMbps: getEnvInt("SYNC_MAX_BANDWIDTH_MBPS", 10),
			RetryAttempts:    getEnvInt("SYNC_RETRY_ATTEMPTS", 5),
			RetryBase:        getEnvDuration("SYNC_RETRY_BASE", 2*time.Second),
			RetryMax:         getEnvDuration("SYNC_RETRY_MAX", 5*time.Minute),
			RetentionPolicy:  getEnv("RETENTION_POLICY", "keep"),
			DrainTimeout:     getEnvDuration("SYNC_DRAIN_TIMEOUT", 30*time.Second),
			StateRetention:   getEnvDuration("SYNC_STATE_RETENTION", time.Hour),
		},
		Pipeline: PipelineConfig{
			KeepRaw:          getEnvBool("KEEP_RAW", false),
			IndexAttempts:    getEnvInt("INDEX_RETRY_ATTEMPTS", 5),
			IndexBackoff:     getEnvDuration("INDEX_RETRY_BASE", 200*time.Millisecond),
			EventConcurrency: getEnvInt("EVENT_CONCURRENCY", 8),
			MetricsAddr:      getEnv("WORKER_METRICS_ADDR", ""),
		},
		Stream: StreamConfig{
			DefaultTTL: getEnvDuration("STREAM_DEFAULT_TTL", time.Hour),
			MaxTTL:     getEnvDuration("STREAM_MAX_TTL", 24*time.Hour),
		},
		Cameras: cameras,
	}
	return cfg, nil
}

// Validate reports missing settings required by the given role. Errors wrap
// apperr.ErrConfiguration and are fatal at startup.
func (c *Config) Validate(role Role) error {
	var missing []string
	if c.AWS.Region == "" {
		missing = append(missing, "AWS_REGION")
	}
	if c.AWS.Bucket == "" {
		missing = append(missing, "AWS_S3_BUCKET")
	}
	switch role {
	case RoleServer:
		if c.AWS.Table == "" {
			missing = append(missing, "DYNAMODB_TABLE")
		}
		if c.AWS.CloudFrontKeyID != "" && (c.AWS.CloudFrontKeyPath == "" || c.AWS.CloudFrontDomain == "") {
			missing = append(missing, "CLOUDFRONT_PRIVATE_KEY_PATH/CLOUDFRONT_DOMAIN")
		}
		if c.Stream.MaxTTL <= 0 {
			missing = append(missing, "STREAM_MAX_TTL")
		}
	case RoleAgent:
		if c.Watcher.Root == "" {
			missing = append(missing, "STORAGE_ROOT")
		}
		if c.Sync.Concurrency <= 0 {
			missing = append(missing, "SYNC_CONCURRENCY")
		}
		if c.Watcher.QueuePolicy != "block" && c.Watcher.QueuePolicy != "drop" {
			missing = append(missing, "WATCH_QUEUE_POLICY (block|drop)")
		}
	case RoleWorker:
		if c.AWS.Table == "" {
			missing = append(missing, "DYNAMODB_TABLE")
		}
		if c.AWS.QueueURL == "" {
			missing = append(missing, "SQS_QUEUE_URL")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", apperr.ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// Sites returns the distinct site IDs of configured cameras in order of first appearance.
func (c *Config) Sites() []string {
	seen := make(map[string]bool)
	var out []string
	for _, cam := range c.Cameras {
		if !seen[cam.SiteID] {
			seen[cam.SiteID] = true
			out = append(out, cam.SiteID)
		}
	}
	return out
}

// parseCameras reads "camera[:site][:disabled]" entries separated by commas.
func parseCameras(s, defaultSite string) ([]CameraConfig, error) {
	var out []CameraConfig
	for _, item := range splitTrim(s, ",") {
		parts := strings.Split(item, ":")
		cam := CameraConfig{CameraID: strings.TrimSpace(parts[0]), SiteID: defaultSite, Enabled: true}
		if cam.CameraID == "" {
			return nil, fmt.Errorf("%w: empty camera id in CAMERAS", apperr.ErrConfiguration)
		}
		if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
			cam.SiteID = strings.TrimSpace(parts[1])
		}
		if len(parts) > 2 && strings.TrimSpace(parts[2]) == "disabled" {
			cam.Enabled = false
		}
		out = append(out, cam)
	}
	return out, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("30s") or bare seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
