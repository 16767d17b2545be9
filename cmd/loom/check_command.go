package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"loom/internal/notifications"
	"loom/internal/preflight"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var notify bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run preflight checks against the current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			results := preflight.RunAll(cmd.Context(), cfg)
			for _, line := range renderSectionHeader("Preflight", colorize) {
				fmt.Fprintln(out, line)
			}
			for _, line := range checkLines(results, colorize) {
				fmt.Fprintln(out, line)
			}
			if notify {
				kind, detail := statusOK, "test notification sent"
				if cfg.Notifications.NtfyTopic == "" {
					kind, detail = statusWarn, "notifications.ntfy_topic is not set"
				} else if err := notifications.NewService(cfg).TestNotification(cmd.Context()); err != nil {
					kind, detail = statusError, err.Error()
					results = append(results, preflight.Result{Name: "Notifications", Detail: detail})
				}
				fmt.Fprintln(out, renderStatusLine("Notifications", kind, detail, colorize))
			}
			if preflight.Failed(results) != "" {
				return errors.New("preflight checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&notify, "notify", false, "Also send a test notification to the ntfy topic")
	return cmd
}
