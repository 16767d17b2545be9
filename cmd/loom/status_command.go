package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"loom/internal/jobtree"
	"loom/internal/snapshot"
)

// statusStages are the auxiliary stage columns, in pipeline order.
var statusStages = []jobtree.Stage{jobtree.StageTransform, jobtree.StageAnimate}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var snapshotPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:         "status",
		Short:       "Show the job tree from the latest snapshot",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(snapshotPath)
			if path == "" {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				path = cfg.Paths.SnapshotPath
			}
			tree, err := snapshot.Load(path)
			if err != nil {
				return err
			}
			if asJSON {
				data, err := tree.Marshal()
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), json.RawMessage(data))
			}
			renderTree(cmd.OutOrStdout(), tree)
			return nil
		},
	}

	cmd.Flags().StringVarP(&snapshotPath, "snapshot", "s", "", "Snapshot file (defaults to paths.snapshot_path)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw snapshot document")
	return cmd
}

func renderTree(out io.Writer, tree *jobtree.Tree) {
	headers := []string{"Node", "Stage", "Status", "Job", "Transform", "Animate", "Done", "Error"}
	var rows [][]string
	tree.View(func(tx *jobtree.Tx) {
		tx.Walk(func(n *jobtree.Node) bool {
			rows = append(rows, treeRow(n))
			return true
		})
	})

	stats := tree.Stats()
	fmt.Fprintf(out, "Run %s: %d of %d nodes completed\n", tree.RunID(), stats.Completed, stats.Nodes)
	if len(rows) == 0 {
		fmt.Fprintln(out, "No jobs recorded.")
		return
	}
	fmt.Fprintln(out, renderTable(headers, rows, nil))
	if counts := statusCounts(stats.ByStatus); counts != "" {
		fmt.Fprintln(out, counts)
	}
}

func treeRow(n *jobtree.Node) []string {
	depth := strings.Count(n.Key, ".")
	name := n.Key
	if depth > 0 {
		name = strings.Repeat("  ", depth) + n.Label()
	}
	row := []string{name, titleLabel(string(n.Stage)), titleLabel(string(n.Status)), shortJob(n.JobID)}
	for _, stage := range statusStages {
		res, ok := n.StageResults[stage]
		if !ok {
			row = append(row, "-")
			continue
		}
		row = append(row, titleLabel(string(res.Status)))
	}
	row = append(row, yesNo(n.Completed), nodeError(n))
	return row
}

func nodeError(n *jobtree.Node) string {
	msg := n.Error
	if msg == "" {
		for _, stage := range statusStages {
			if res, ok := n.StageResults[stage]; ok && res.Error != "" {
				msg = string(stage) + ": " + res.Error
				break
			}
		}
	}
	if r := []rune(msg); len(r) > 48 {
		msg = string(r[:47]) + "…"
	}
	return msg
}

func shortJob(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}

func statusCounts(by map[jobtree.Status]int) string {
	keys := make([]string, 0, len(by))
	for status := range by {
		keys = append(keys, string(status))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, by[jobtree.Status(k)]))
	}
	return strings.Join(parts, " ")
}
