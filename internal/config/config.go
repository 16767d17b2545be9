package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and state file locations.
type Paths struct {
	WorkDir      string `toml:"work_dir"`
	AssetsDir    string `toml:"assets_dir"`
	LogDir       string `toml:"log_dir"`
	SnapshotPath string `toml:"snapshot_path"`
	JournalPath  string `toml:"journal_path"`
}

// UseAPI contains credentials and endpoints for the useapi.net job API.
type UseAPI struct {
	Token                 string `toml:"token"`
	MidjourneyURL         string `toml:"midjourney_url"`
	FaceSwapURL           string `toml:"faceswap_url"`
	PikaURL               string `toml:"pika_url"`
	Discord               string `toml:"discord"`
	Server                string `toml:"server"`
	Channel               string `toml:"channel"`
	MaxJobs               int    `toml:"max_jobs"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Webhook contains the inbound notification listener settings.
type Webhook struct {
	Bind      string `toml:"bind"`
	PublicURL string `toml:"public_url"`
	Path      string `toml:"path"`
}

// Pipeline selects the pipeline shape and the inputs of each stage.
type Pipeline struct {
	PromptsFile      string   `toml:"prompts_file"`
	PromptSuffix     string   `toml:"prompt_suffix"`
	Variants         []string `toml:"variants"`
	AdvanceSelectors []string `toml:"advance_selectors"`
	AdvanceFromRoot  bool     `toml:"advance_from_root"`
	FaceSwapEnabled  bool     `toml:"faceswap_enabled"`
	SourceFace       string   `toml:"source_face"`
	AnimateEnabled   bool     `toml:"animate_enabled"`
	AnimatePrompt    string   `toml:"animate_prompt"`
}

// Backoff contains the retry windows applied to remote calls.
type Backoff struct {
	NetworkAttempts     int `toml:"network_attempts"`
	NetworkRetrySeconds int `toml:"network_retry_seconds"`
	RateLimitSeconds    int `toml:"rate_limit_seconds"`
	OverflowSeconds     int `toml:"overflow_seconds"`
}

// Journal controls the sqlite audit journal.
type Journal struct {
	Enabled bool `toml:"enabled"`
}

// Notifications configures the optional ntfy run reports.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for loom.
//
// Configuration sections by subsystem:
//   - Paths: work, asset and log directories plus state files
//   - UseAPI: token, endpoint roots and Midjourney account routing
//   - Webhook: listener bind address and the public reply URL
//   - Pipeline: prompts, variants and which auxiliary stages run
//   - Backoff: network retry and throttling windows
//   - Journal: sqlite audit trail
//   - Notifications: ntfy topic for run started/finished reports
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	UseAPI        UseAPI        `toml:"useapi"`
	Webhook       Webhook       `toml:"webhook"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Backoff       Backoff       `toml:"backoff"`
	Journal       Journal       `toml:"journal"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("loom.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the work, asset and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.AssetsDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LockPath is the run lock held while a pipeline run is active.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.WorkDir, "loom.lock")
}

// RequestTimeout returns the per-request HTTP timeout for remote calls.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.UseAPI.RequestTimeoutSeconds) * time.Second
}

// ReplyURL joins the public webhook URL with the notification path.
func (c *Config) ReplyURL() string {
	base := strings.TrimRight(c.Webhook.PublicURL, "/")
	if c.Webhook.Path == "" || c.Webhook.Path == "/" {
		return base + "/"
	}
	return base + c.Webhook.Path
}

// Seconds converts a configured window into a duration.
func Seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
