package preflight

import (
	"context"
	"fmt"
	"strings"

	"loom/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Work directory", cfg.Paths.WorkDir),
		CheckDirectoryAccess("Assets directory", cfg.Paths.AssetsDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckToken(cfg.UseAPI.Token),
		CheckPublicURL(cfg.ReplyURL()),
		CheckBind(ctx, cfg.Webhook.Bind),
	}

	if cfg.Pipeline.FaceSwapEnabled {
		results = append(results, CheckReadableFile("Source face", cfg.Pipeline.SourceFace))
	}
	if cfg.Pipeline.PromptsFile != "" {
		results = append(results, CheckReadableFile("Prompts file", cfg.Pipeline.PromptsFile))
	}
	return results
}

// Failed returns the failing results joined into one line, or "" when every
// check passed.
func Failed(results []Result) string {
	var parts []string
	for _, r := range results {
		if !r.Passed {
			parts = append(parts, fmt.Sprintf("%s: %s", r.Name, r.Detail))
		}
	}
	return strings.Join(parts, "; ")
}
