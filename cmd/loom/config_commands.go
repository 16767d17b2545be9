package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"loom/internal/config"
)

const redacted = "<redacted>"

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Create, check and inspect the loom configuration",
	}

	configCmd.AddCommand(newConfigInitCommand())
	configCmd.AddCommand(newConfigValidateCommand(ctx))
	configCmd.AddCommand(newConfigShowCommand(ctx))

	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the sample configuration",
		Long: `Init writes the annotated sample configuration. Fill in useapi.token (or
export USEAPI_TOKEN) and webhook.public_url, the address useapi.net posts job
notifications to, before the first run.`,
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := initTarget(targetPath)
			if err != nil {
				return err
			}
			if !overwrite {
				if _, statErr := os.Stat(target); statErr == nil {
					return fmt.Errorf("%s already exists; pass --overwrite to replace it", target)
				} else if !errors.Is(statErr, fs.ErrNotExist) {
					return fmt.Errorf("inspect %s: %w", target, statErr)
				}
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("write sample config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintf(out, "Set useapi.token (or export %s) and webhook.public_url before running loom.\n", config.TokenEnv)
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Where to write the file (defaults to ~/.config/loom/config.toml)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	return cmd
}

func initTarget(flagValue string) (string, error) {
	if target := strings.TrimSpace(flagValue); target != "" {
		expanded, err := config.ExpandPath(target)
		if err != nil {
			return "", fmt.Errorf("resolve --path: %w", err)
		}
		return expanded, nil
	}
	target, err := config.DefaultConfigPath()
	if err != nil {
		return "", fmt.Errorf("locate default config: %w", err)
	}
	return target, nil
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "validate",
		Short:       "Load the configuration and report the pipeline it describes",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, exists, err := config.Load(ctx.configPath())
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return fmt.Errorf("prepare directories: %w", err)
			}
			out := cmd.OutOrStdout()
			source := path
			if !exists {
				source += " (not found, defaults applied)"
			}
			fmt.Fprintf(out, "Config path: %s\n", source)
			fmt.Fprintf(out, "Reply URL: %s\n", cfg.ReplyURL())
			fmt.Fprintf(out, "Pipeline: %s\n", pipelineShape(cfg))
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}

func newConfigShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "show",
		Short:       "Print the effective configuration with defaults applied",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(ctx.configPath())
			if err != nil {
				return err
			}
			effective := *cfg
			if effective.UseAPI.Token != "" {
				effective.UseAPI.Token = redacted
			}
			data, err := toml.Marshal(effective)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

// pipelineShape renders the stages each variant runs through, e.g.
// "imagine -> U1,U2 -> face swap -> animate".
func pipelineShape(cfg *config.Config) string {
	steps := []string{"imagine", strings.Join(cfg.Pipeline.Variants, ",")}
	if cfg.Pipeline.FaceSwapEnabled {
		steps = append(steps, "face swap")
	}
	if cfg.Pipeline.AnimateEnabled {
		steps = append(steps, "animate")
	}
	shape := strings.Join(steps, " -> ")
	if len(steps) > 2 && len(cfg.Pipeline.AdvanceSelectors) < len(cfg.Pipeline.Variants) {
		shape += fmt.Sprintf(" (chained for %s)", strings.Join(cfg.Pipeline.AdvanceSelectors, ","))
	}
	return shape
}
