package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hlsconverter/orchestrator/internal/hls"
)

const (
	DriverTimer = "timer"
	DriverEvent = "event"
	DriverBoth  = "both"

	BackendRedis    = "redis"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"

	StorageMinio = "minio"
	StorageS3    = "s3"
)

// DefaultResolutions is the ladder produced by the worker image.
var DefaultResolutions = hls.Names(hls.Ladder)

type Config struct {
	NodeID    string `yaml:"node_id"`
	HTTPPort  int    `yaml:"http_port"`
	Debug     bool   `yaml:"debug"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	DataDir   string `yaml:"data_dir"`

	// EnqueueRate limits POST /api/jobs, in requests per second.
	EnqueueRate  float64 `yaml:"enqueue_rate"`
	EnqueueBurst int     `yaml:"enqueue_burst"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Shared    SharedConfig    `yaml:"shared"`
	JobStore  JobStoreConfig  `yaml:"job_store"`
	Storage   StorageConfig   `yaml:"storage"`
	Worker    WorkerConfig    `yaml:"worker"`
}

type SchedulerConfig struct {
	MaxConcurrentJobs   int           `yaml:"max_concurrent_jobs"`
	MonitorPollInterval time.Duration `yaml:"monitor_poll_interval"`
	Interval            time.Duration `yaml:"interval"`
	Driver              string        `yaml:"driver"`
	Instances           int           `yaml:"instances"`
	KeepAlive           bool          `yaml:"keep_alive"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	MaxRuntime          time.Duration `yaml:"max_runtime"`
	ReconcileOnStart    bool          `yaml:"reconcile_on_start"`
	ReconcileGrace      time.Duration `yaml:"reconcile_grace"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
}

type SharedConfig struct {
	Backend       string `yaml:"backend"`
	RedisHost     string `yaml:"redis_host"`
	RedisPort     int    `yaml:"redis_port"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	QueueKey      string `yaml:"queue_key"`
	CounterKey    string `yaml:"counter_key"`
	KeepAliveKey  string `yaml:"keep_alive_key"`
	WakeChannel   string `yaml:"wake_channel"`
	NodeKeyPrefix string `yaml:"node_key_prefix"`
}

type JobStoreConfig struct {
	Backend     string `yaml:"backend"`
	DatabaseURL string `yaml:"database_url"`
	DBHost      string `yaml:"db_host"`
	DBPort      int    `yaml:"db_port"`
	DBName      string `yaml:"db_name"`
	DBUser      string `yaml:"db_user"`
	DBPassword  string `yaml:"db_password"`
}

type StorageConfig struct {
	Type            string        `yaml:"type"`
	MinioEndpoint   string        `yaml:"minio_endpoint"`
	MinioPort       int           `yaml:"minio_port"`
	MinioUseSSL     bool          `yaml:"minio_use_ssl"`
	MinioAccessKey  string        `yaml:"minio_access_key"`
	MinioSecretKey  string        `yaml:"minio_secret_key"`
	AWSAccessKeyID  string        `yaml:"aws_access_key_id"`
	AWSSecretKey    string        `yaml:"aws_secret_access_key"`
	S3Endpoint      string        `yaml:"s3_endpoint"`
	S3Region        string        `yaml:"s3_region"`
	TempBucket      string        `yaml:"temp_bucket"`
	OutputBucket    string        `yaml:"output_bucket"`
	PresignTTL      time.Duration `yaml:"presign_ttl"`
}

type WorkerConfig struct {
	Image           string   `yaml:"image"`
	ContainerPrefix string   `yaml:"container_prefix"`
	Network         string   `yaml:"network"`
	MemoryMB        int      `yaml:"memory_mb"`
	FFmpegThreads   int      `yaml:"ffmpeg_threads"`
	Resolutions     []string `yaml:"resolutions"`
}

// Default returns the built-in configuration before any file or environment
// overrides are applied.
func Default() *Config {
	return &Config{
		NodeID:    "node-default",
		HTTPPort:  8000,
		LogLevel:  "info",
		LogFormat: "json",
		DataDir:   "./data",

		EnqueueRate:  10,
		EnqueueBurst: 20,
		Scheduler: SchedulerConfig{
			MaxConcurrentJobs:   5,
			MonitorPollInterval: 5 * time.Second,
			Interval:            10 * time.Second,
			Driver:              DriverBoth,
			Instances:           1,
			KeepAlive:           true,
			RetryDelay:          5 * time.Second,
			ReconcileOnStart:    true,
			ReconcileGrace:      60 * time.Second,
			HeartbeatInterval:   5 * time.Second,
		},
		Shared: SharedConfig{
			Backend:       BackendRedis,
			RedisHost:     "localhost",
			RedisPort:     6379,
			QueueKey:      "hls:video:queue",
			CounterKey:    "hls:processing:count",
			KeepAliveKey:  "keep_workers_alive",
			WakeChannel:   "spawn_worker",
			NodeKeyPrefix: "hls:node",
		},
		JobStore: JobStoreConfig{
			Backend:    BackendPostgres,
			DBHost:     "localhost",
			DBPort:     5432,
			DBName:     "hls_converter",
			DBUser:     "postgres",
			DBPassword: "postgres",
		},
		Storage: StorageConfig{
			Type:           StorageMinio,
			MinioEndpoint:  "localhost",
			MinioPort:      9000,
			MinioAccessKey: "minioadmin",
			MinioSecretKey: "minioadmin",
			S3Region:       "us-east-1",
			TempBucket:     "temp-videos",
			OutputBucket:   "hls-videos",
			PresignTTL:     time.Hour,
		},
		Worker: WorkerConfig{
			Image:           "hls-converter-worker",
			ContainerPrefix: "hls-converter",
			Network:         "host",
			FFmpegThreads:   4,
			Resolutions:     append([]string(nil), DefaultResolutions...),
		},
	}
}

// Load reads .env files, an optional YAML file named by CONFIG_FILE, and then
// environment variables, in that order of increasing precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.NodeID = getEnv("NODE_ID", c.NodeID)
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.Debug = getEnvBool("DEBUG", c.Debug)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.EnqueueRate = getEnvFloat("ENQUEUE_RATE", c.EnqueueRate)
	c.EnqueueBurst = getEnvInt("ENQUEUE_BURST", c.EnqueueBurst)

	s := &c.Scheduler
	s.MaxConcurrentJobs = getEnvInt("MAX_CONCURRENT_JOBS", s.MaxConcurrentJobs)
	s.MonitorPollInterval = getEnvSeconds("MONITOR_POLL_INTERVAL", s.MonitorPollInterval)
	s.Interval = getEnvSeconds("SCHEDULER_INTERVAL", s.Interval)
	s.Driver = getEnv("SCHEDULER_DRIVER", s.Driver)
	s.Instances = getEnvInt("SCHEDULER_INSTANCES", s.Instances)
	s.KeepAlive = getEnvBool("KEEP_WORKERS_ALIVE", s.KeepAlive)
	s.RetryDelay = getEnvSeconds("RETRY_DELAY", s.RetryDelay)
	s.MaxRuntime = getEnvSeconds("MAX_RUNTIME", s.MaxRuntime)
	s.ReconcileOnStart = getEnvBool("RECONCILE_ON_START", s.ReconcileOnStart)
	s.ReconcileGrace = getEnvSeconds("RECONCILE_GRACE", s.ReconcileGrace)
	s.HeartbeatInterval = getEnvSeconds("HEARTBEAT_INTERVAL", s.HeartbeatInterval)

	sh := &c.Shared
	sh.Backend = getEnv("SHARED_BACKEND", sh.Backend)
	sh.RedisHost = getEnv("REDIS_HOST", sh.RedisHost)
	sh.RedisPort = getEnvInt("REDIS_PORT", sh.RedisPort)
	sh.RedisPassword = getEnv("REDIS_PASSWORD", sh.RedisPassword)
	sh.RedisDB = getEnvInt("REDIS_DB", sh.RedisDB)
	sh.QueueKey = getEnv("QUEUE_KEY", sh.QueueKey)
	sh.CounterKey = getEnv("COUNTER_KEY", sh.CounterKey)
	sh.KeepAliveKey = getEnv("KEEP_ALIVE_KEY", sh.KeepAliveKey)
	sh.WakeChannel = getEnv("WAKE_CHANNEL", sh.WakeChannel)
	sh.NodeKeyPrefix = getEnv("NODE_KEY_PREFIX", sh.NodeKeyPrefix)

	j := &c.JobStore
	j.Backend = getEnv("JOB_STORE", j.Backend)
	j.DatabaseURL = getEnv("DATABASE_URL", j.DatabaseURL)
	j.DBHost = getEnv("DB_HOST", j.DBHost)
	j.DBPort = getEnvInt("DB_PORT", j.DBPort)
	j.DBName = getEnv("DB_NAME", j.DBName)
	j.DBUser = getEnv("DB_USER", j.DBUser)
	j.DBPassword = getEnv("DB_PASSWORD", j.DBPassword)

	st := &c.Storage
	st.Type = getEnv("STORAGE_TYPE", st.Type)
	st.MinioEndpoint = getEnv("MINIO_ENDPOINT", st.MinioEndpoint)
	st.MinioPort = getEnvInt("MINIO_PORT", st.MinioPort)
	st.MinioUseSSL = getEnvBool("MINIO_USE_SSL", st.MinioUseSSL)
	st.MinioAccessKey = getEnv("MINIO_ACCESS_KEY", st.MinioAccessKey)
	st.MinioSecretKey = getEnv("MINIO_SECRET_KEY", st.MinioSecretKey)
	st.AWSAccessKeyID = getEnv("AWS_ACCESS_KEY_ID", st.AWSAccessKeyID)
	st.AWSSecretKey = getEnv("AWS_SECRET_ACCESS_KEY", st.AWSSecretKey)
	st.S3Endpoint = getEnv("S3_ENDPOINT", st.S3Endpoint)
	st.S3Region = getEnv("S3_REGION", st.S3Region)
	st.TempBucket = getEnv("TEMP_BUCKET", st.TempBucket)
	st.OutputBucket = getEnv("OUTPUT_BUCKET", st.OutputBucket)
	st.PresignTTL = getEnvSeconds("PRESIGN_TTL", st.PresignTTL)

	w := &c.Worker
	w.Image = getEnv("DOCKER_IMAGE", w.Image)
	w.ContainerPrefix = getEnv("WORKER_CONTAINER_PREFIX", w.ContainerPrefix)
	w.Network = getEnv("DOCKER_NETWORK", w.Network)
	w.MemoryMB = getEnvInt("WORKER_MEMORY_MB", w.MemoryMB)
	w.FFmpegThreads = getEnvInt("FFMPEG_THREADS", w.FFmpegThreads)
	w.Resolutions = getEnvList("RESOLUTIONS", w.Resolutions)
}

// Validate rejects configurations the scheduler cannot run with.
func (c *Config) Validate() error {
	var errs []error
	s := c.Scheduler
	if s.MaxConcurrentJobs < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_JOBS must be positive, got %d", s.MaxConcurrentJobs))
	}
	if s.MonitorPollInterval <= 0 {
		errs = append(errs, errors.New("MONITOR_POLL_INTERVAL must be positive"))
	}
	if s.Interval <= 0 {
		errs = append(errs, errors.New("SCHEDULER_INTERVAL must be positive"))
	}
	if s.Instances < 1 {
		errs = append(errs, fmt.Errorf("SCHEDULER_INSTANCES must be positive, got %d", s.Instances))
	}
	if s.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be positive"))
	}
	if s.MaxRuntime < 0 {
		errs = append(errs, errors.New("MAX_RUNTIME must not be negative"))
	}
	if c.EnqueueRate < 0 || c.EnqueueBurst < 0 {
		errs = append(errs, errors.New("ENQUEUE_RATE and ENQUEUE_BURST must not be negative"))
	}
	switch s.Driver {
	case DriverTimer, DriverEvent, DriverBoth:
	default:
		errs = append(errs, fmt.Errorf("unknown SCHEDULER_DRIVER %q", s.Driver))
	}
	switch c.Shared.Backend {
	case BackendRedis, BackendBadger:
	default:
		errs = append(errs, fmt.Errorf("unknown SHARED_BACKEND %q", c.Shared.Backend))
	}
	switch c.JobStore.Backend {
	case BackendPostgres, BackendBadger:
	default:
		errs = append(errs, fmt.Errorf("unknown JOB_STORE %q", c.JobStore.Backend))
	}
	switch c.Storage.Type {
	case StorageMinio, StorageS3:
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_TYPE %q", c.Storage.Type))
	}
	if len(c.Worker.Resolutions) == 0 {
		errs = append(errs, errors.New("RESOLUTIONS must not be empty"))
	} else if _, err := hls.Select(c.Worker.Resolutions); err != nil {
		errs = append(errs, fmt.Errorf("RESOLUTIONS: %w", err))
	}
	return errors.Join(errs...)
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Shared.RedisHost, c.Shared.RedisPort)
}

// PostgresURL returns DATABASE_URL when set, otherwise a URL assembled from
// the individual DB_* settings.
func (c *Config) PostgresURL() string {
	j := c.JobStore
	if j.DatabaseURL != "" {
		return j.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(j.DBUser, j.DBPassword),
		Host:   fmt.Sprintf("%s:%d", j.DBHost, j.DBPort),
		Path:   "/" + j.DBName,
	}
	return u.String()
}

// StorageEndpoint is the S3 API endpoint for the configured storage type.
// An empty result means the AWS default endpoint.
func (c *Config) StorageEndpoint() string {
	st := c.Storage
	if st.Type == StorageMinio {
		scheme := "http"
		if st.MinioUseSSL {
			scheme = "https"
		}
		return fmt.Sprintf("%s://%s:%d", scheme, st.MinioEndpoint, st.MinioPort)
	}
	return st.S3Endpoint
}

// StorageCredentials returns the access key pair matching Storage.Type.
func (c *Config) StorageCredentials() (string, string) {
	if c.Storage.Type == StorageMinio {
		return c.Storage.MinioAccessKey, c.Storage.MinioSecretKey
	}
	return c.Storage.AWSAccessKeyID, c.Storage.AWSSecretKey
}

// UnitEnv is the connection environment every worker unit needs to run on
// its own: redis, database, and object storage parameters.
func (c *Config) UnitEnv() map[string]string {
	return map[string]string{
		"REDIS_HOST":            c.Shared.RedisHost,
		"REDIS_PORT":            strconv.Itoa(c.Shared.RedisPort),
		"REDIS_PASSWORD":        c.Shared.RedisPassword,
		"DB_HOST":               c.JobStore.DBHost,
		"DB_PORT":               strconv.Itoa(c.JobStore.DBPort),
		"DB_NAME":               c.JobStore.DBName,
		"DB_USER":               c.JobStore.DBUser,
		"DB_PASSWORD":           c.JobStore.DBPassword,
		"TEMP_BUCKET":           c.Storage.TempBucket,
		"OUTPUT_BUCKET":         c.Storage.OutputBucket,
		"STORAGE_TYPE":          c.Storage.Type,
		"MINIO_ENDPOINT":        c.Storage.MinioEndpoint,
		"MINIO_PORT":            strconv.Itoa(c.Storage.MinioPort),
		"MINIO_USE_SSL":         strconv.FormatBool(c.Storage.MinioUseSSL),
		"MINIO_ACCESS_KEY":      c.Storage.MinioAccessKey,
		"MINIO_SECRET_KEY":      c.Storage.MinioSecretKey,
		"AWS_ACCESS_KEY_ID":     c.Storage.AWSAccessKeyID,
		"AWS_SECRET_ACCESS_KEY": c.Storage.AWSSecretKey,
		"S3_ENDPOINT":           c.Storage.S3Endpoint,
		"S3_REGION":             c.Storage.S3Region,
		"FFMPEG_THREADS":        strconv.Itoa(c.Worker.FFmpegThreads),
		"RESOLUTIONS":           strings.Join(c.Worker.Resolutions, ","),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

// getEnvSeconds reads a whole number of seconds.
func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
