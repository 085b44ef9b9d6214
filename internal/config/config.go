package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for chunkup.
type Config struct {
	BaseDir  string         `toml:"base_dir"`
	LogDir   string         `toml:"log_dir"`
	Server   ServerConfig   `toml:"server"`
	Upload   UploadConfig   `toml:"upload"`
	Reaper   ReaperConfig   `toml:"reaper"`
	Database DatabaseConfig `toml:"database"`
	Storage  StorageConfig  `toml:"storage"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr      string   `toml:"listen_addr"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	MaxChunkSize    int64    `toml:"max_chunk_size"` // largest accepted chunk body in bytes
}

// UploadConfig holds the limits enforced at allocation.
type UploadConfig struct {
	MaxDeclaredSize    int64 `toml:"max_declared_size"`
	MaxExtensionLength int   `toml:"max_extension_length"`
}

// ReaperConfig holds sweep parameters. Interval is only used when the server
// runs the reaper itself; otherwise an external scheduler invokes `chunkup reap`.
type ReaperConfig struct {
	StaleThreshold Duration `toml:"stale_threshold"`
	PageSize       int      `toml:"page_size"`
	MaxAttempts    int      `toml:"max_attempts"`
	Interval       Duration `toml:"interval"`
}

// DatabaseConfig represents configuration for the upload registry.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// StorageConfig represents configuration for the byte store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StorageConfig struct {
	Type    string `toml:"type"`     // "filesystem", "memory" or "s3"
	BaseURL string `toml:"base_url"` // prefix of public object URLs

	// Used by "filesystem", and by "s3" for the private area.
	PrivateDir string `toml:"private_dir,omitempty"`
	PublicDir  string `toml:"public_dir,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// Duration is a time.Duration written in TOML as a string such as "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8080",
			ShutdownTimeout: Duration{10 * time.Second},
			MaxChunkSize:    8 << 20,
		},
		Upload: UploadConfig{
			MaxDeclaredSize:    1 << 30,
			MaxExtensionLength: 32,
		},
		Reaper: ReaperConfig{
			StaleThreshold: Duration{24 * time.Hour},
			PageSize:       100,
			MaxAttempts:    5,
			Interval:       Duration{15 * time.Minute},
		},
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Storage: StorageConfig{
			Type:       "filesystem",
			BaseURL:    "/files/",
			PrivateDir: filepath.Join(baseDir, "private"),
			PublicDir:  filepath.Join(baseDir, "public"),
		},
	}
}

// Validate reports every setting that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.Upload.MaxDeclaredSize <= 0 {
		errs = append(errs, fmt.Errorf("upload.max_declared_size must be positive"))
	}
	if c.Upload.MaxExtensionLength < 0 {
		errs = append(errs, fmt.Errorf("upload.max_extension_length must not be negative"))
	}
	if c.Server.MaxChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_chunk_size must be positive"))
	}
	if c.Reaper.StaleThreshold.Duration <= 0 {
		errs = append(errs, fmt.Errorf("reaper.stale_threshold must be positive"))
	}
	if c.Reaper.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("reaper.page_size must be positive"))
	}
	if c.Reaper.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("reaper.max_attempts must be positive"))
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.DataDir == "" {
			errs = append(errs, fmt.Errorf("database.data_dir required for sqlite"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown database type: %q", c.Database.Type))
	}

	switch c.Storage.Type {
	case "filesystem":
		if c.Storage.PrivateDir == "" || c.Storage.PublicDir == "" {
			errs = append(errs, fmt.Errorf("storage.private_dir and storage.public_dir required for filesystem storage"))
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			errs = append(errs, fmt.Errorf("storage.s3_bucket required for s3 storage"))
		}
		if c.Storage.PrivateDir == "" {
			errs = append(errs, fmt.Errorf("storage.private_dir required for s3 storage"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown storage type: %q", c.Storage.Type))
	}

	return errors.Join(errs...)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// The file may hold S3 credentials.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
