package config

import (
	"fmt"
	"regexp"
	"strings"
)

var resolutionPattern = regexp.MustCompile(`^\d{2,5}x\d{2,5}$`)

// validate performs comprehensive validation of the configuration.
// Returns an error describing the first validation failure found.
func validate(config *Config) error {
	if err := validateLibrary(&config.Library); err != nil {
		return fmt.Errorf("library config: %w", err)
	}

	if err := validateOutput(&config.Output); err != nil {
		return fmt.Errorf("output config: %w", err)
	}

	if err := validateTranscode(&config.Transcode); err != nil {
		return fmt.Errorf("transcode config: %w", err)
	}

	if err := validateServer(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validateS3(&config.S3); err != nil {
		return fmt.Errorf("s3 config: %w", err)
	}

	if err := validateLogging(&config.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// validateLibrary validates the media library settings.
func validateLibrary(config *LibraryConfig) error {
	if config.Root == "" {
		return fmt.Errorf("root is required")
	}

	for _, ext := range config.VideoExtensions {
		trimmed := strings.TrimPrefix(ext, ".")
		if trimmed == "" {
			return fmt.Errorf("video_extensions contains an empty entry")
		}
	}

	if len(config.DefaultLanguage) < 2 || len(config.DefaultLanguage) > 3 {
		return fmt.Errorf("default_language must be a 2 or 3 letter language tag, got %q", config.DefaultLanguage)
	}

	return nil
}

// validateOutput validates the output and scratch storage settings.
func validateOutput(config *OutputConfig) error {
	if config.Directory == "" {
		return fmt.Errorf("directory is required")
	}

	if config.ScratchDirectory == "" {
		return fmt.Errorf("scratch_directory is required")
	}

	if config.Directory == config.ScratchDirectory {
		return fmt.Errorf("directory and scratch_directory must differ")
	}

	if config.Retention < 0 {
		return fmt.Errorf("retention must not be negative")
	}

	return nil
}

// validateTranscode validates the external tool settings.
func validateTranscode(config *TranscodeConfig) error {
	if config.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path is required")
	}

	if config.FFprobePath == "" {
		return fmt.Errorf("ffprobe_path is required")
	}

	if !resolutionPattern.MatchString(config.PreviewResolution) {
		return fmt.Errorf("preview_resolution must look like 1280x720, got %q", config.PreviewResolution)
	}

	if config.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if config.Threads < 1 || config.Threads > 64 {
		return fmt.Errorf("threads must be between 1 and 64")
	}

	return nil
}

// validateServer validates HTTP server configuration.
func validateServer(config *ServerConfig) error {
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}

	if config.Host == "" {
		return fmt.Errorf("host is required")
	}

	if config.RenderRateLimit < 0 {
		return fmt.Errorf("render_rate_limit must not be negative (0 disables limiting)")
	}

	return nil
}

// validateS3 validates the object-store settings. A fully empty section is
// valid (uploads disabled); a partially filled one is a configuration error
// so that a typo never silently disables uploads.
func validateS3(config *S3Config) error {
	set := 0
	for _, v := range []string{config.Endpoint, config.Region, config.Bucket, config.AccessKey, config.SecretKey} {
		if v != "" {
			set++
		}
	}
	if set > 0 && set < 5 {
		return fmt.Errorf("endpoint, region, bucket, access_key and secret_key must all be set to enable uploads")
	}

	if config.Enabled() {
		if !strings.HasPrefix(config.Endpoint, "http://") && !strings.HasPrefix(config.Endpoint, "https://") {
			return fmt.Errorf("endpoint must start with http:// or https://")
		}
	}

	switch config.LinkFormat {
	case "presigned", "basic":
	default:
		return fmt.Errorf("link_format must be \"presigned\" or \"basic\", got %q", config.LinkFormat)
	}

	if config.LinkExpiry <= 0 {
		return fmt.Errorf("link_expiry must be positive")
	}

	return nil
}

// validateLogging validates logging configuration.
func validateLogging(config *LoggingConfig) error {
	switch config.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("level must be one of debug, info, warn, error")
	}

	switch config.Format {
	case "json", "text":
	default:
		return fmt.Errorf("format must be \"json\" or \"text\"")
	}

	return nil
}
