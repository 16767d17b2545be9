package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeUseAPI()
	c.normalizeWebhook()
	if err := c.normalizePipeline(); err != nil {
		return err
	}
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNotifyTimeout
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	if c.Paths.WorkDir, err = expandPath(strings.TrimSpace(c.Paths.WorkDir)); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.AssetsDir) == "" {
		c.Paths.AssetsDir = filepath.Join(c.Paths.WorkDir, "assets")
	}
	if c.Paths.AssetsDir, err = expandPath(strings.TrimSpace(c.Paths.AssetsDir)); err != nil {
		return fmt.Errorf("paths.assets_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.WorkDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SnapshotPath) == "" {
		c.Paths.SnapshotPath = filepath.Join(c.Paths.WorkDir, "snapshot.json")
	}
	if c.Paths.SnapshotPath, err = expandPath(strings.TrimSpace(c.Paths.SnapshotPath)); err != nil {
		return fmt.Errorf("paths.snapshot_path: %w", err)
	}
	if strings.TrimSpace(c.Paths.JournalPath) == "" {
		c.Paths.JournalPath = filepath.Join(c.Paths.WorkDir, "journal.db")
	}
	if c.Paths.JournalPath, err = expandPath(strings.TrimSpace(c.Paths.JournalPath)); err != nil {
		return fmt.Errorf("paths.journal_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeUseAPI() {
	c.UseAPI.Token = strings.TrimSpace(c.UseAPI.Token)
	if c.UseAPI.Token == "" {
		if value, ok := os.LookupEnv(TokenEnv); ok {
			c.UseAPI.Token = strings.TrimSpace(value)
		}
	}
	c.UseAPI.MidjourneyURL = trimURL(c.UseAPI.MidjourneyURL, defaultMidjourneyURL)
	c.UseAPI.FaceSwapURL = trimURL(c.UseAPI.FaceSwapURL, defaultFaceSwapURL)
	c.UseAPI.PikaURL = trimURL(c.UseAPI.PikaURL, defaultPikaURL)
	c.UseAPI.Discord = strings.TrimSpace(c.UseAPI.Discord)
	c.UseAPI.Server = strings.TrimSpace(c.UseAPI.Server)
	c.UseAPI.Channel = strings.TrimSpace(c.UseAPI.Channel)
	if c.UseAPI.RequestTimeoutSeconds <= 0 {
		c.UseAPI.RequestTimeoutSeconds = defaultRequestTimeout
	}
}

func (c *Config) normalizeWebhook() {
	c.Webhook.Bind = strings.TrimSpace(c.Webhook.Bind)
	if c.Webhook.Bind == "" {
		c.Webhook.Bind = defaultWebhookBind
	}
	c.Webhook.PublicURL = strings.TrimSpace(c.Webhook.PublicURL)
	c.Webhook.Path = strings.TrimSpace(c.Webhook.Path)
	if c.Webhook.Path == "" {
		c.Webhook.Path = defaultWebhookPath
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		c.Webhook.Path = "/" + c.Webhook.Path
	}
}

func (c *Config) normalizePipeline() error {
	var err error
	if c.Pipeline.PromptsFile = strings.TrimSpace(c.Pipeline.PromptsFile); c.Pipeline.PromptsFile != "" {
		if c.Pipeline.PromptsFile, err = expandPath(c.Pipeline.PromptsFile); err != nil {
			return fmt.Errorf("pipeline.prompts_file: %w", err)
		}
	}
	c.Pipeline.PromptSuffix = strings.TrimSpace(c.Pipeline.PromptSuffix)
	c.Pipeline.Variants = normalizeLabels(c.Pipeline.Variants)
	c.Pipeline.AdvanceSelectors = normalizeLabels(c.Pipeline.AdvanceSelectors)
	if c.Pipeline.SourceFace = strings.TrimSpace(c.Pipeline.SourceFace); c.Pipeline.SourceFace != "" {
		if c.Pipeline.SourceFace, err = expandPath(c.Pipeline.SourceFace); err != nil {
			return fmt.Errorf("pipeline.source_face: %w", err)
		}
	}
	c.Pipeline.AnimatePrompt = strings.TrimSpace(c.Pipeline.AnimatePrompt)
	if c.Pipeline.AnimatePrompt == "" {
		c.Pipeline.AnimatePrompt = defaultAnimatePrompt
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}

func trimURL(value, fallback string) string {
	value = strings.TrimRight(strings.TrimSpace(value), "/")
	if value == "" {
		return fallback
	}
	return value
}

// normalizeLabels upper-cases button labels and drops blanks and duplicates.
func normalizeLabels(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		label = strings.ToUpper(strings.TrimSpace(label))
		if label == "" {
			continue
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	return out
}
