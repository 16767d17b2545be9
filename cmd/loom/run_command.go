package main

import (
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loom/internal/jobtree"
	"loom/internal/prompts"
	"loom/internal/workflow"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var promptsFile string
	var skipChecks bool

	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Submit prompts and drive every job to completion",
		Long: `Run seeds one imagine job per prompt and follows each through variant
selection and the configured face swap and animate stages. Prompts come from
--prompts (or pipeline.prompts_file) plus any given as arguments. The command
returns once every job has finished.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			file := strings.TrimSpace(promptsFile)
			if file == "" {
				file = cfg.Pipeline.PromptsFile
			}
			list, err := prompts.Collect(file, args)
			if err != nil {
				return err
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			opts := []workflow.Option{workflow.WithLogOutput(cmd.ErrOrStderr())}
			if skipChecks {
				opts = append(opts, workflow.WithoutPreflight())
			}
			summary, runErr := workflow.NewRunner(cfg, opts...).Run(signalCtx, list)
			if summary.RunID != "" {
				printSummary(cmd.OutOrStdout(), summary)
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&promptsFile, "prompts", "p", "", "Prompts file (.json, .yaml, .yml or one prompt per line)")
	cmd.Flags().BoolVar(&skipChecks, "skip-checks", false, "Skip preflight checks")
	return cmd
}

func printSummary(out io.Writer, s workflow.Summary) {
	colorize := shouldColorize(out)
	for _, line := range renderSectionHeader("Run "+s.RunID, colorize) {
		fmt.Fprintln(out, line)
	}
	kind := statusOK
	if !s.Done() {
		kind = statusWarn
	}
	fmt.Fprintln(out, renderStatusLine("Nodes", kind, fmt.Sprintf("%d of %d completed", s.Completed, s.Nodes), colorize))

	statuses := make([]string, 0, len(s.ByStatus))
	for status := range s.ByStatus {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		n := s.ByStatus[jobtree.Status(status)]
		lineKind := statusInfo
		switch jobtree.Status(status) {
		case jobtree.StatusCompleted:
			lineKind = statusOK
		case jobtree.StatusFailed, jobtree.StatusModerated, jobtree.StatusCancelled:
			lineKind = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine(titleLabel(status), lineKind, fmt.Sprintf("%d", n), colorize))
	}
	if len(s.Pending) > 0 {
		fmt.Fprintln(out, renderStatusLine("Pending", statusWarn, strings.Join(s.Pending, ", "), colorize))
	}
	fmt.Fprintln(out, renderStatusLine("Notifications", statusInfo, fmt.Sprintf("%d", s.Received), colorize))
	fmt.Fprintln(out, renderStatusLine("Duration", statusInfo, s.Duration.Round(time.Millisecond).String(), colorize))
	fmt.Fprintln(out, renderStatusLine("Snapshot", statusInfo, s.Snapshot, colorize))
}
