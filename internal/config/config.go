// Package config loads dishcapture settings from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Backend (auth, catalog and HTTP storage)
	BackendURL     string        `yaml:"backend_url"`
	AnonKey        string        `yaml:"anon_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SessionFile    string        `yaml:"session_file"`

	// Model storage
	StorageBackend  string `yaml:"storage_backend"` // "http" or "s3"
	Bucket          string `yaml:"bucket"`
	ObjectPrefix    string `yaml:"object_prefix"`
	S3Region        string `yaml:"s3_region"`
	S3Endpoint      string `yaml:"s3_endpoint"`
	S3PublicBaseURL string `yaml:"s3_public_base_url"`
	S3PathStyle     bool   `yaml:"s3_path_style"`

	// Capture
	WorkDir   string `yaml:"work_dir"`
	HotFolder string `yaml:"hot_folder"`
	MaxShots  int    `yaml:"max_shots"`

	// Reconstruction
	ReconstructionURL string `yaml:"reconstruction_url"`
	Detail            string `yaml:"detail"`

	// Publish gate
	PublishInterval time.Duration `yaml:"publish_interval"`
	PublishBudget   time.Duration `yaml:"publish_budget"`

	// Pending upload ledger
	LedgerBackend   string        `yaml:"ledger_backend"` // "file" or "surreal"
	LedgerFile      string        `yaml:"ledger_file"`
	LedgerRetention time.Duration `yaml:"ledger_retention"`

	// SurrealDB connection (ledger backend "surreal")
	SurrealDBURL       string `yaml:"surrealdb_url"`
	SurrealDBNamespace string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  string `yaml:"surrealdb_database"`
	SurrealDBUser      string `yaml:"surrealdb_user"`
	SurrealDBPass      string `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel string `yaml:"surrealdb_auth_level"`

	// Server
	ListenAddr string `yaml:"listen_addr"`

	// Logging
	LogFile      string     `yaml:"log_file"`
	LogLevelName string     `yaml:"log_level"`
	LogLevel     slog.Level `yaml:"-"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		BackendURL:     "http://localhost:54321",
		RequestTimeout: 60 * time.Second,
		SessionFile:    filepath.Join(dataDir, "session.yaml"),

		StorageBackend: "http",
		Bucket:         "models",
		ObjectPrefix:   "dishes",
		S3Region:       "us-east-1",

		WorkDir:   filepath.Join(dataDir, "work"),
		HotFolder: filepath.Join(dataDir, "hotfolder"),
		MaxShots:  120,

		ReconstructionURL: "ws://localhost:8765/reconstruct",
		Detail:            "medium",

		PublishInterval: 500 * time.Millisecond,
		PublishBudget:   60 * time.Second,

		LedgerBackend:   "file",
		LedgerFile:      filepath.Join(dataDir, "pending_uploads.yaml"),
		LedgerRetention: 30 * 24 * time.Hour,

		SurrealDBURL:       "ws://localhost:8000/rpc",
		SurrealDBNamespace: "dishcapture",
		SurrealDBDatabase:  "ledger",
		SurrealDBUser:      "root",
		SurrealDBPass:      "root",
		SurrealDBAuthLevel: "root",

		ListenAddr: ":8080",

		LogFile:      filepath.Join(os.TempDir(), "dishcapture.log"),
		LogLevelName: "INFO",
		LogLevel:     slog.LevelInfo,
	}
}

// Load builds the configuration. DISHCAPTURE_CONFIG names an optional YAML
// file applied over the defaults; environment variables override both.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("DISHCAPTURE_CONFIG"); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	return cfg, cfg.Validate()
}

// ApplyFile overlays the keys present in the YAML file at path.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.LogLevel = parseLogLevel(c.LogLevelName)
	return nil
}

func (c *Config) applyEnv() error {
	c.BackendURL = getEnv("DISHCAPTURE_BACKEND_URL", c.BackendURL)
	c.AnonKey = getEnv("DISHCAPTURE_ANON_KEY", c.AnonKey)
	c.SessionFile = getEnv("DISHCAPTURE_SESSION_FILE", c.SessionFile)

	c.StorageBackend = getEnv("DISHCAPTURE_STORAGE", c.StorageBackend)
	c.Bucket = getEnv("DISHCAPTURE_BUCKET", c.Bucket)
	c.ObjectPrefix = getEnv("DISHCAPTURE_OBJECT_PREFIX", c.ObjectPrefix)
	c.S3Region = getEnv("DISHCAPTURE_S3_REGION", c.S3Region)
	c.S3Endpoint = getEnv("DISHCAPTURE_S3_ENDPOINT", c.S3Endpoint)
	c.S3PublicBaseURL = getEnv("DISHCAPTURE_S3_PUBLIC_URL", c.S3PublicBaseURL)

	c.WorkDir = getEnv("DISHCAPTURE_WORK_DIR", c.WorkDir)
	c.HotFolder = getEnv("DISHCAPTURE_HOT_FOLDER", c.HotFolder)
	c.ReconstructionURL = getEnv("DISHCAPTURE_RECONSTRUCTION_URL", c.ReconstructionURL)
	c.Detail = getEnv("DISHCAPTURE_DETAIL", c.Detail)

	c.LedgerBackend = getEnv("DISHCAPTURE_LEDGER", c.LedgerBackend)
	c.LedgerFile = getEnv("DISHCAPTURE_LEDGER_FILE", c.LedgerFile)

	c.SurrealDBURL = getEnv("SURREALDB_URL", c.SurrealDBURL)
	c.SurrealDBNamespace = getEnv("SURREALDB_NAMESPACE", c.SurrealDBNamespace)
	c.SurrealDBDatabase = getEnv("SURREALDB_DATABASE", c.SurrealDBDatabase)
	c.SurrealDBUser = getEnv("SURREALDB_USER", c.SurrealDBUser)
	c.SurrealDBPass = getEnv("SURREALDB_PASS", c.SurrealDBPass)
	c.SurrealDBAuthLevel = getEnv("SURREALDB_AUTH_LEVEL", c.SurrealDBAuthLevel)

	c.ListenAddr = getEnv("DISHCAPTURE_LISTEN", c.ListenAddr)
	c.LogFile = getEnv("DISHCAPTURE_LOG_FILE", c.LogFile)
	c.LogLevelName = getEnv("DISHCAPTURE_LOG_LEVEL", c.LogLevelName)

	var err error
	if c.S3PathStyle, err = getBool("DISHCAPTURE_S3_PATH_STYLE", c.S3PathStyle); err != nil {
		return err
	}
	if c.MaxShots, err = getInt("DISHCAPTURE_MAX_SHOTS", c.MaxShots); err != nil {
		return err
	}
	if c.RequestTimeout, err = getDuration("DISHCAPTURE_REQUEST_TIMEOUT", c.RequestTimeout); err != nil {
		return err
	}
	if c.PublishInterval, err = getDuration("DISHCAPTURE_PUBLISH_INTERVAL", c.PublishInterval); err != nil {
		return err
	}
	if c.PublishBudget, err = getDuration("DISHCAPTURE_PUBLISH_BUDGET", c.PublishBudget); err != nil {
		return err
	}
	if c.LedgerRetention, err = getDuration("DISHCAPTURE_LEDGER_RETENTION", c.LedgerRetention); err != nil {
		return err
	}
	return nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	switch c.StorageBackend {
	case "http", "s3":
	default:
		return fmt.Errorf("unknown storage backend %q (want http or s3)", c.StorageBackend)
	}
	switch c.LedgerBackend {
	case "file", "surreal":
	default:
		return fmt.Errorf("unknown ledger backend %q (want file or surreal)", c.LedgerBackend)
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket must not be empty")
	}
	if c.PublishInterval <= 0 || c.PublishBudget <= 0 {
		return fmt.Errorf("publish interval and budget must be positive")
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "dishcapture")
	}
	return filepath.Join(os.TempDir(), "dishcapture")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
