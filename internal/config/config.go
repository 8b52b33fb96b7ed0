package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Engine  EngineConfig  `toml:"engine"`
	Media   MediaConfig   `toml:"media"`
	Presets PresetsConfig `toml:"presets"`
	Storage StorageConfig `toml:"storage"`
	Export  ExportConfig  `toml:"export"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig contains HTTP control surface configuration
type ServerConfig struct {
	Port        string `toml:"port"`
	Host        string `toml:"host"`
	EnableCORS  bool   `toml:"enable_cors"`
	ReadTimeout int    `toml:"read_timeout_seconds"`
}

// EngineConfig contains real-time engine tuning
type EngineConfig struct {
	SampleRate      int     `toml:"sample_rate"`
	BufferMs        int     `toml:"buffer_ms"`
	Headless        bool    `toml:"headless"`
	TickHz          int     `toml:"tick_hz"`
	SoftDriftMs     int     `toml:"soft_drift_ms"`
	CriticalDriftMs int     `toml:"critical_drift_ms"`
	EndEpsilonMs    int     `toml:"end_epsilon_ms"`
	SmoothingMs     float64 `toml:"smoothing_ms"`
	BypassRampMs    float64 `toml:"bypass_ramp_ms"`
	Reference       string  `toml:"reference"` // first_loaded or longest
}

// MediaConfig contains decoding configuration
type MediaConfig struct {
	SupportedFormats []string `toml:"supported_formats"`
	FFmpegPath       string   `toml:"ffmpeg_path"`
	CacheTTLMinutes  int      `toml:"cache_ttl_minutes"`
	FetchTimeout     int      `toml:"fetch_timeout_seconds"`
	InferCategories  bool     `toml:"infer_categories"`
}

// PresetsConfig points at an optional user preset catalog
type PresetsConfig struct {
	CatalogPath     string `toml:"catalog_path"`
	WatchForChanges bool   `toml:"watch_for_changes"`
	Default         string `toml:"default"`
}

// StorageConfig selects where saved mixes live
type StorageConfig struct {
	Backend       string `toml:"backend"` // sqlite, redis or memory
	DatabasePath  string `toml:"database_path"`
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	DebounceMs    int    `toml:"debounce_ms"`
}

// ExportConfig contains offline render and delivery configuration
type ExportConfig struct {
	OutputDir      string      `toml:"output_dir"`
	Format         string      `toml:"format"`
	Quality        string      `toml:"quality"`
	MP3BitrateKbps int         `toml:"mp3_bitrate_kbps"`
	Normalize      bool        `toml:"normalize"`
	TargetLUFS     float64     `toml:"target_lufs"`
	Limiter        bool        `toml:"limiter"`
	LimiterCeiling float64     `toml:"limiter_ceiling_db"`
	Sink           string      `toml:"sink"` // file or minio
	Minio          MinioConfig `toml:"minio"`
	JobRetention   int         `toml:"job_retention_minutes"`
}

// MinioConfig contains object storage credentials for the minio sink
type MinioConfig struct {
	Endpoint      string `toml:"endpoint"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Region        string `toml:"region"`
	UseSSL        bool   `toml:"use_ssl"`
	URLExpiryMins int    `toml:"url_expiry_minutes"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level          string `toml:"level"`
	Format         string `toml:"format"`
	File           string `toml:"file"`
	RequestLogging bool   `toml:"request_logging"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			Host:        "0.0.0.0",
			EnableCORS:  true,
			ReadTimeout: 30,
		},
		Engine: EngineConfig{
			SampleRate:      48000,
			BufferMs:        50,
			TickHz:          60,
			SoftDriftMs:     50,
			CriticalDriftMs: 150,
			EndEpsilonMs:    50,
			SmoothingMs:     20,
			BypassRampMs:    10,
			Reference:       "first_loaded",
		},
		Media: MediaConfig{
			SupportedFormats: []string{".wav", ".mp3", ".flac", ".ogg", ".m4a"},
			FFmpegPath:       "ffmpeg",
			CacheTTLMinutes:  30,
			FetchTimeout:     60,
			InferCategories:  true,
		},
		Presets: PresetsConfig{
			CatalogPath:     "",
			WatchForChanges: true,
			Default:         "balanced",
		},
		Storage: StorageConfig{
			Backend:      "sqlite",
			DatabasePath: "./stemmix.db",
			RedisAddr:    "localhost:6379",
			DebounceMs:   1000,
		},
		Export: ExportConfig{
			OutputDir:      "./exports",
			Format:         "wav",
			Quality:        "high",
			MP3BitrateKbps: 192,
			Normalize:      true,
			TargetLUFS:     -14,
			Limiter:        true,
			LimiterCeiling: -1,
			Sink:           "file",
			Minio: MinioConfig{
				Endpoint:      "localhost:9000",
				Bucket:        "mixes",
				Region:        "us-east-1",
				URLExpiryMins: 60 * 24,
			},
			JobRetention: 60,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			File:           "",
			RequestLogging: true,
		},
	}
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config file doesn't exist, create it with defaults
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		fmt.Printf("Created default configuration file at: %s\n", configPath)
		cfg.applyEnv()
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv lets secrets come from the environment (or a .env file next to
// the binary) instead of the config file.
func (c *Config) applyEnv() {
	_ = godotenv.Load(".env")

	if v := os.Getenv("STEMMIX_MINIO_ACCESS_KEY"); v != "" {
		c.Export.Minio.AccessKey = v
	}
	if v := os.Getenv("STEMMIX_MINIO_SECRET_KEY"); v != "" {
		c.Export.Minio.SecretKey = v
	}
	if v := os.Getenv("STEMMIX_REDIS_PASSWORD"); v != "" {
		c.Storage.RedisPassword = v
	}
	if v := os.Getenv("STEMMIX_PORT"); v != "" {
		c.Server.Port = v
	}
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# stemmix configuration
# Engine, storage and export settings for the stem mixing service.
# Secrets may instead be supplied through STEMMIX_* environment variables or a .env file.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Engine.SampleRate < 8000 || c.Engine.SampleRate > 192000 {
		return fmt.Errorf("engine sample rate out of range: %d", c.Engine.SampleRate)
	}
	if c.Engine.BufferMs < 1 {
		return fmt.Errorf("engine buffer must be at least 1ms")
	}
	if c.Engine.TickHz < 1 || c.Engine.TickHz > 1000 {
		return fmt.Errorf("engine tick rate out of range: %d", c.Engine.TickHz)
	}
	if c.Engine.SoftDriftMs <= 0 || c.Engine.CriticalDriftMs < c.Engine.SoftDriftMs {
		return fmt.Errorf("drift thresholds must satisfy 0 < soft <= critical")
	}
	if c.Engine.Reference != "first_loaded" && c.Engine.Reference != "longest" {
		return fmt.Errorf("invalid reference policy: %s (must be first_loaded or longest)", c.Engine.Reference)
	}

	if len(c.Media.SupportedFormats) == 0 {
		return fmt.Errorf("at least one supported audio format must be specified")
	}

	validBackends := map[string]bool{"sqlite": true, "redis": true, "memory": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s (must be sqlite, redis or memory)", c.Storage.Backend)
	}
	if c.Storage.Backend == "sqlite" && c.Storage.DatabasePath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisAddr == "" {
		return fmt.Errorf("redis address cannot be empty")
	}

	if c.Export.Format != "wav" && c.Export.Format != "mp3" {
		return fmt.Errorf("invalid export format: %s (must be wav or mp3)", c.Export.Format)
	}
	validQualities := map[string]bool{"standard": true, "high": true, "studio": true}
	if !validQualities[c.Export.Quality] {
		return fmt.Errorf("invalid export quality: %s (must be standard, high or studio)", c.Export.Quality)
	}
	if c.Export.Sink != "file" && c.Export.Sink != "minio" {
		return fmt.Errorf("invalid export sink: %s (must be file or minio)", c.Export.Sink)
	}
	if c.Export.Sink == "minio" && (c.Export.Minio.Endpoint == "" || c.Export.Minio.Bucket == "") {
		return fmt.Errorf("minio sink requires endpoint and bucket")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// GetAddress returns the full server address
func (c *Config) GetAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

// IsFormatSupported checks if an audio format is supported
func (c *Config) IsFormatSupported(format string) bool {
	for _, supported := range c.Media.SupportedFormats {
		if supported == format {
			return true
		}
	}
	return false
}

// Millis converts a millisecond setting into a duration
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
