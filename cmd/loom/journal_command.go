package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"loom/internal/journal"
)

func newJournalCommand(ctx *commandContext) *cobra.Command {
	var runID string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List recorded submissions and notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Paths.JournalPath); errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintf(cmd.OutOrStdout(), "No journal at %s\n", cfg.Paths.JournalPath)
				return nil
			}
			store, err := journal.Open(cmd.Context(), cfg.Paths.JournalPath, "")
			if err != nil {
				return err
			}
			defer store.Close()

			events, err := store.List(cmd.Context(), runID, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), events)
			}
			renderEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run id (defaults to the most recent run)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of events (default 200)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print events as JSON")
	return cmd
}

func renderEvents(out io.Writer, events []journal.Event) {
	if len(events) == 0 {
		fmt.Fprintln(out, "No events recorded.")
		return
	}
	headers := []string{"Time", "Kind", "Channel", "Node", "Job", "Status", "Code", "Detail"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft}
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		code := ""
		if ev.Code != 0 {
			code = strconv.Itoa(ev.Code)
		}
		detail := ev.Detail
		if r := []rune(detail); len(r) > 60 {
			detail = string(r[:59]) + "…"
		}
		rows = append(rows, []string{
			ev.At.Local().Format("15:04:05"),
			titleLabel(string(ev.Kind)),
			ev.Channel,
			ev.Node,
			shortJob(ev.JobID),
			ev.Status,
			code,
			detail,
		})
	}
	fmt.Fprintf(out, "Run %s\n", events[0].RunID)
	fmt.Fprintln(out, renderTable(headers, rows, aligns))
}
