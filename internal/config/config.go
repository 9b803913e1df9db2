package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"ytmaster/internal/download"
)

const (
	appName        = "ytmaster"
	configRelPath  = appName + "/config.yaml"
	historyRelPath = appName + "/history.db"
)

// Duration is a time.Duration written as a Go duration string ("3s") in YAML.
type Duration time.Duration

// UnmarshalYAML accepts duration strings and plain integers (seconds).
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all configuration for the ytmaster application
type Config struct {
	// Control API
	Listen string `yaml:"listen"`

	// File system
	OutputDir    string `yaml:"output_dir"` // user-provided
	AbsOutputDir string `yaml:"-"`          // resolved/absolute path
	DBPath       string `yaml:"db_path"`    // user-provided
	AbsDBPath    string `yaml:"-"`          // resolved/absolute path

	// Download behavior
	MaxConcurrent   int             `yaml:"max_concurrent"`
	CancelGrace     Duration        `yaml:"cancel_grace"`
	Engine          string          `yaml:"engine"` // cli|library
	YTDLPPath       string          `yaml:"ytdlp_path"`
	Preset          download.Preset `yaml:"preset"`
	FallbackFormats []string        `yaml:"fallback_formats"`
	ResumeLimit     int             `yaml:"resume_limit"`

	// Metadata
	MetadataTimeout   Duration `yaml:"metadata_timeout"`
	MetadataCacheSize int      `yaml:"metadata_cache_size"`
	YouTubeAPIKey     string   `yaml:"youtube_api_key"`

	// Logging
	LogLevel string `yaml:"log_level"` // debug|info|warn|error

	// Computed
	Source    string    `yaml:"-"` // file the values were read from, if any
	StartTime time.Time `yaml:"-"`
}

// Default creates a Config with default values
func Default() *Config {
	return &Config{
		Listen:            "127.0.0.1:8765",
		MaxConcurrent:     download.DefaultMaxConcurrent,
		CancelGrace:       Duration(download.DefaultCancelGrace),
		Engine:            "cli",
		Preset:            download.DefaultPreset,
		FallbackFormats:   []string{"bestvideo*+bestaudio/best", "best"},
		ResumeLimit:       50,
		MetadataTimeout:   Duration(download.DefaultMetadataTimeout),
		MetadataCacheSize: 256,
		LogLevel:          "info",
		StartTime:         time.Now(),
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path looks for ytmaster/config.yaml in the XDG config directories and
// silently keeps the defaults if there is none.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		found, err := xdg.SearchConfigFile(configRelPath)
		if err == nil {
			path = found
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg.Source = path
	}
	cfg.applyEnv()
	return cfg, nil
}

// DefaultPath returns where the config file is expected, creating its
// parent directory.
func DefaultPath() (string, error) {
	return xdg.ConfigFile(configRelPath)
}

// Save writes c as YAML to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("YTMASTER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	} else if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("YOUTUBE_API_KEY"); v != "" {
		c.YouTubeAPIKey = v
	}
}

// Validate checks that all required configuration is present and valid
func (c *Config) Validate() error {
	_, port, err := net.SplitHostPort(c.Listen)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port: %s (must be 1-65535)", port)
	}

	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = Duration(download.DefaultCancelGrace)
	}
	if c.MetadataTimeout <= 0 {
		c.MetadataTimeout = Duration(download.DefaultMetadataTimeout)
	}
	if c.MetadataCacheSize < 1 {
		c.MetadataCacheSize = 256
	}
	if c.ResumeLimit < 0 {
		c.ResumeLimit = 0
	}

	c.Engine = strings.ToLower(strings.TrimSpace(c.Engine))
	switch c.Engine {
	case "", "cli":
		c.Engine = "cli"
	case "library":
	default:
		return fmt.Errorf("invalid engine: %s (must be cli|library)", c.Engine)
	}

	if c.Preset.Resolution != 0 {
		ok := false
		for _, r := range download.Resolutions {
			if c.Preset.Resolution == r {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("invalid preset resolution: %d (must be 0 or one of %v)", c.Preset.Resolution, download.Resolutions)
		}
	}

	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	case "warning":
		c.LogLevel = "warn"
	default:
		return fmt.Errorf("invalid log level: %s (must be debug|info|warn|error)", c.LogLevel)
	}
	return nil
}

// ResolveOutputDir expands the output directory path and resolves it to an absolute path
// If empty, defaults to the user's download directory.
func (c *Config) ResolveOutputDir() error {
	if c.OutputDir == "" {
		c.OutputDir = filepath.Join(xdg.UserDirs.Download, appName)
	}
	dir, err := expandHome(c.OutputDir)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve absolute path for %s: %w", dir, err)
	}
	c.AbsOutputDir = abs
	return nil
}

// ResolveDBPath expands the database path and resolves it to an absolute path
// If empty, defaults to the XDG data directory.
func (c *Config) ResolveDBPath() error {
	if c.DBPath == "" {
		p, err := xdg.DataFile(historyRelPath)
		if err != nil {
			return fmt.Errorf("default db path: %w", err)
		}
		c.DBPath = p
	}
	p, err := expandHome(c.DBPath)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return fmt.Errorf("resolve absolute path for %s: %w", p, err)
	}
	c.AbsDBPath = abs
	return nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand home directory: %w", err)
	}
	if p == "~" {
		return home, nil
	}
	return filepath.Join(home, p[2:]), nil
}

// EnsureDirs creates the output directory and the database's parent.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.AbsOutputDir, filepath.Dir(c.AbsDBPath)} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Summary returns a one-line summary of key configuration
func (c *Config) Summary() map[string]any {
	return map[string]any{
		"listen":         c.Listen,
		"output_dir":     c.AbsOutputDir,
		"db_path":        c.AbsDBPath,
		"max_concurrent": c.MaxConcurrent,
		"cancel_grace":   c.CancelGrace.Std().String(),
		"engine":         c.Engine,
		"resolution":     c.Preset.Resolution,
		"log_level":      c.LogLevel,
		"config_file":    c.Source,
		"youtube_api":    c.YouTubeAPIKey != "",
	}
}
