// Package config provides configuration management for jclipper.
// It uses koanf for flexible configuration loading from YAML files with validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete configuration for the jclipper daemon.
// It represents the structure of config.yaml with validation rules for each section.
type Config struct {
	Library   LibraryConfig   `koanf:"library"`
	Output    OutputConfig    `koanf:"output"`
	Transcode TranscodeConfig `koanf:"transcode"`
	Server    ServerConfig    `koanf:"server"`
	S3        S3Config        `koanf:"s3"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// LibraryConfig describes the media tree that is scanned for videos and subtitles.
type LibraryConfig struct {
	Root            string   `koanf:"root"`
	VideoExtensions []string `koanf:"video_extensions"`
	DefaultLanguage string   `koanf:"default_language"`
	Watch           bool     `koanf:"watch"`
	ScanLog         bool     `koanf:"scan_log"`
}

// OutputConfig defines the scratch and output storage areas for rendered clips.
type OutputConfig struct {
	Directory           string        `koanf:"directory"`
	ScratchDirectory    string        `koanf:"scratch_directory"`
	Retention           time.Duration `koanf:"retention"`
	ClearScratchOnStart bool          `koanf:"clear_scratch_on_start"`
}

// TranscodeConfig controls the external ffmpeg/ffprobe tools and render limits.
type TranscodeConfig struct {
	FFmpegPath        string        `koanf:"ffmpeg_path"`
	FFprobePath       string        `koanf:"ffprobe_path"`
	PreviewResolution string        `koanf:"preview_resolution"`
	Timeout           time.Duration `koanf:"timeout"`
	Threads           int           `koanf:"threads"`
	LogCommands       bool          `koanf:"log_commands"`
}

// ParsePreviewResolution splits the configured preview resolution into its
// width and height. Validation guarantees the format at load time; this
// guards direct construction in tests.
func (c *TranscodeConfig) ParsePreviewResolution() (int, int, error) {
	var w, h int
	if _, err := fmt.Sscanf(c.PreviewResolution, "%dx%d", &w, &h); err != nil {
		return 0, 0, fmt.Errorf("invalid preview resolution %q: %w", c.PreviewResolution, err)
	}
	return w, h, nil
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port              int           `koanf:"port"`
	Host              string        `koanf:"host"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	EnableCompression bool          `koanf:"enable_compression"`
	// RenderRateLimit caps render starts per minute. 0 disables the limit.
	RenderRateLimit int `koanf:"render_rate_limit"`
}

// S3Config holds the optional object-store settings for clip uploads.
// Uploads are enabled only when every connection field is set.
type S3Config struct {
	Endpoint   string        `koanf:"endpoint"`
	Region     string        `koanf:"region"`
	Bucket     string        `koanf:"bucket"`
	AccessKey  string        `koanf:"access_key"`
	SecretKey  string        `koanf:"secret_key"`
	LinkFormat string        `koanf:"link_format"`
	LinkExpiry time.Duration `koanf:"link_expiry"`
}

// LoggingConfig defines logging behavior and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads configuration from the specified YAML file and applies validation.
// Returns a validated Config struct or an error if loading/validation fails.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// Load configuration from YAML file
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for missing values
	applyDefaults(k, &config)

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults sets sensible defaults for configuration values that weren't specified.
func applyDefaults(k *koanf.Koanf, config *Config) {
	// Library defaults
	if config.Library.Root == "" {
		config.Library.Root = "/movies"
	}
	if len(config.Library.VideoExtensions) == 0 {
		config.Library.VideoExtensions = []string{"mp4", "mkv", "avi", "mov", "wmv", "flv"}
	}
	if config.Library.DefaultLanguage == "" {
		config.Library.DefaultLanguage = "en"
	}

	// Output defaults
	if config.Output.Directory == "" {
		config.Output.Directory = "/output"
	}
	if config.Output.ScratchDirectory == "" {
		config.Output.ScratchDirectory = filepath.Join(os.TempDir(), "jclipper")
	}
	if config.Output.Retention == 0 {
		config.Output.Retention = 30 * time.Minute
	}

	// Transcode defaults
	if config.Transcode.FFmpegPath == "" {
		config.Transcode.FFmpegPath = "ffmpeg"
	}
	if config.Transcode.FFprobePath == "" {
		config.Transcode.FFprobePath = "ffprobe"
	}
	if config.Transcode.PreviewResolution == "" {
		config.Transcode.PreviewResolution = "1280x720"
	}
	if config.Transcode.Timeout == 0 {
		config.Transcode.Timeout = 30 * time.Minute
	}
	if config.Transcode.Threads == 0 {
		config.Transcode.Threads = 4
	}

	// Server defaults
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Server.Host == "" {
		config.Server.Host = "0.0.0.0"
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = 15 * time.Second
	}
	if config.Server.WriteTimeout == 0 {
		config.Server.WriteTimeout = 15 * time.Second
	}
	// An explicit 0 means rate limiting is disabled, so the default only
	// applies when the key is absent from the file.
	if config.Server.RenderRateLimit == 0 && !k.Exists("server.render_rate_limit") {
		config.Server.RenderRateLimit = 30
	}

	// S3 defaults
	if config.S3.LinkFormat == "" {
		config.S3.LinkFormat = "presigned"
	}
	if config.S3.LinkExpiry == 0 {
		config.S3.LinkExpiry = 168 * time.Hour
	}

	// Logging defaults
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
}

// Enabled reports whether object-store uploads are fully configured.
// All connection settings must be present; a partial configuration disables uploads.
func (c *S3Config) Enabled() bool {
	return c.Endpoint != "" && c.Region != "" && c.Bucket != "" &&
		c.AccessKey != "" && c.SecretKey != ""
}

// GetLogLevel converts the string log level to slog.Level.
// Returns slog.LevelInfo for invalid or unknown levels.
func (c *LoggingConfig) GetLogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnsureDirectories creates the output and scratch directories if they don't exist.
func (c *OutputConfig) EnsureDirectories() error {
	for _, dir := range []string{c.Directory, c.ScratchDirectory} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// NormalizedExtensions returns the configured video extensions lowercased
// with any leading dot stripped, ready for matching against filepath.Ext output.
func (c *LibraryConfig) NormalizedExtensions() map[string]bool {
	exts := make(map[string]bool, len(c.VideoExtensions))
	for _, ext := range c.VideoExtensions {
		exts[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return exts
}
