package pipeline

import (
	"slices"

	"loom/internal/config"
	"loom/internal/jobtree"
	"loom/internal/services/useapi"
)

// Settings selects the pipeline shape.
type Settings struct {
	AssetsDir        string
	AdvanceSelectors []string
	AdvanceFromRoot  bool
	FaceSwapEnabled  bool
	SourceFace       string
	AnimateEnabled   bool
	AnimatePrompt    string
}

// SettingsFromConfig derives Settings from the loaded configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	p := cfg.Pipeline
	return Settings{
		AssetsDir:        cfg.Paths.AssetsDir,
		AdvanceSelectors: append([]string(nil), p.AdvanceSelectors...),
		AdvanceFromRoot:  p.AdvanceFromRoot,
		FaceSwapEnabled:  p.FaceSwapEnabled,
		SourceFace:       p.SourceFace,
		AnimateEnabled:   p.AnimateEnabled,
		AnimatePrompt:    p.AnimatePrompt,
	}
}

// Phases lists the auxiliary stages a chained node runs, in order.
func (s Settings) Phases() []jobtree.Stage {
	var phases []jobtree.Stage
	if s.FaceSwapEnabled {
		phases = append(phases, jobtree.StageTransform)
	}
	if s.AnimateEnabled {
		phases = append(phases, jobtree.StageAnimate)
	}
	return phases
}

// Advances reports whether a child with label chains into the auxiliary stages.
func (s Settings) Advances(label string) bool {
	if len(s.Phases()) == 0 {
		return false
	}
	return slices.Contains(s.AdvanceSelectors, label) || slices.Contains(s.AdvanceSelectors, useapi.ButtonName(label))
}
