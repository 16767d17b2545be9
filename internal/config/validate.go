package config

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"
	"unicode"

	"loom/internal/services"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateUseAPI(); err != nil {
		return wrapInvalid(err)
	}
	if err := c.validateWebhook(); err != nil {
		return wrapInvalid(err)
	}
	if err := c.validatePipeline(); err != nil {
		return wrapInvalid(err)
	}
	if err := c.validateBackoff(); err != nil {
		return wrapInvalid(err)
	}
	if err := c.validateLogging(); err != nil {
		return wrapInvalid(err)
	}
	if topic := c.Notifications.NtfyTopic; topic != "" {
		if err := validateHTTPURL(topic); err != nil {
			return wrapInvalid(fmt.Errorf("notifications.ntfy_topic: %w", err))
		}
	}
	return nil
}

func wrapInvalid(err error) error {
	return fmt.Errorf("%w: %w", services.ErrConfiguration, err)
}

func (c *Config) validateUseAPI() error {
	if c.UseAPI.Token == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("useapi.token is required. Set %s env var or edit %s (create with 'loom config init')", TokenEnv, defaultPath)
	}
	for name, value := range map[string]string{
		"useapi.midjourney_url": c.UseAPI.MidjourneyURL,
		"useapi.faceswap_url":   c.UseAPI.FaceSwapURL,
		"useapi.pika_url":       c.UseAPI.PikaURL,
	} {
		if err := validateHTTPURL(value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.UseAPI.MaxJobs < 0 {
		return errors.New("useapi.max_jobs must be zero (account default) or positive")
	}
	return nil
}

func (c *Config) validateWebhook() error {
	if c.Webhook.PublicURL == "" {
		return errors.New("webhook.public_url is required; the remote service delivers notifications there")
	}
	if err := validateHTTPURL(c.Webhook.PublicURL); err != nil {
		return fmt.Errorf("webhook.public_url: %w", err)
	}
	if err := validateWebhookPath(c.Webhook.Path); err != nil {
		return fmt.Errorf("webhook.path: %w", err)
	}
	return nil
}

func validateWebhookPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("must start with /, got %q", p)
	}
	if strings.ContainsAny(p, "{}?#") || strings.IndexFunc(p, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%q must be a literal URL path without spaces, braces, query or fragment", p)
	}
	if path.Clean(p) != strings.TrimSuffix(p, "/") && p != "/" {
		return fmt.Errorf("%q is not a clean path", p)
	}
	if strings.TrimSuffix(p, "/") == StatusPath {
		return fmt.Errorf("%q is reserved for the status endpoint", p)
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if len(c.Pipeline.Variants) == 0 {
		return errors.New("pipeline.variants must list at least one button label")
	}
	for _, selector := range c.Pipeline.AdvanceSelectors {
		if !slices.Contains(c.Pipeline.Variants, selector) {
			return fmt.Errorf("pipeline.advance_selectors: %q is not listed in pipeline.variants", selector)
		}
	}
	if c.Pipeline.FaceSwapEnabled && c.Pipeline.SourceFace == "" {
		return errors.New("pipeline.source_face is required when faceswap_enabled is true")
	}
	return nil
}

func (c *Config) validateBackoff() error {
	if c.Backoff.NetworkAttempts <= 0 {
		return errors.New("backoff.network_attempts must be positive")
	}
	if c.Backoff.NetworkRetrySeconds < 0 || c.Backoff.RateLimitSeconds < 0 || c.Backoff.OverflowSeconds < 0 {
		return errors.New("backoff windows must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q (want console or json)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func validateHTTPURL(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
