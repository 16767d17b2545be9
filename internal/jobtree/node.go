package jobtree

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Stage identifies a pipeline phase.
type Stage string

const (
	// StageGenerate is the primary imagine submission that produces a grid.
	StageGenerate Stage = "generate"
	// StageSelect is a variant button (upscale) on a completed grid.
	StageSelect Stage = "select"
	// StageTransform is the face swap applied to a selected variant.
	StageTransform Stage = "transform"
	// StageAnimate animates the selected (and possibly transformed) image.
	StageAnimate Stage = "animate"
)

// Status is the lifecycle state of a node or stage slot.
type Status string

const (
	StatusUnsubmitted Status = "unsubmitted"
	StatusSubmitted   Status = "submitted"
	StatusCompleted   Status = "completed"
	StatusModerated   Status = "moderated"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	// StatusSkipped marks a stage slot that will never run because an earlier stage did not complete.
	StatusSkipped Status = "skipped"
)

// Terminal reports whether no further notification is expected for the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusModerated, StatusFailed, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// ParseRemoteStatus maps a status reported by the remote API onto Status.
// In-progress values (created, started, progress) collapse to submitted.
func ParseRemoteStatus(value string) Status {
	switch s := Status(strings.ToLower(strings.TrimSpace(value))); s {
	case StatusCompleted, StatusModerated, StatusFailed, StatusCancelled:
		return s
	case "":
		return StatusUnsubmitted
	default:
		return StatusSubmitted
	}
}

// Params is the stage-specific payload of a node. Each stage has exactly one
// concrete params type.
type Params interface {
	Stage() Stage
}

// GenerateParams feeds an imagine submission.
type GenerateParams struct {
	Prompt string `json:"prompt"`
}

func (GenerateParams) Stage() Stage { return StageGenerate }

// SelectParams feeds a button submission against a completed grid.
type SelectParams struct {
	ParentJobID string `json:"parent_jobid"`
	Button      string `json:"button"`
}

func (SelectParams) Stage() Stage { return StageSelect }

// TransformParams feeds a face swap of Target using the face in SourceFace.
type TransformParams struct {
	SourceFace string `json:"source_face"`
	Target     string `json:"target"`
}

func (TransformParams) Stage() Stage { return StageTransform }

// AnimateParams feeds an animation of Image.
type AnimateParams struct {
	Image  string `json:"image"`
	Prompt string `json:"prompt"`
}

func (AnimateParams) Stage() Stage { return StageAnimate }

func decodeParams(stage Stage, raw json.RawMessage) (Params, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var (
		p   Params
		err error
	)
	switch stage {
	case StageGenerate:
		var v GenerateParams
		err = json.Unmarshal(raw, &v)
		p = v
	case StageSelect:
		var v SelectParams
		err = json.Unmarshal(raw, &v)
		p = v
	case StageTransform:
		var v TransformParams
		err = json.Unmarshal(raw, &v)
		p = v
	case StageAnimate:
		var v AnimateParams
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("decode params: unknown stage %q", stage)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s params: %w", stage, err)
	}
	return p, nil
}

// StageResult records one auxiliary stage run on behalf of a node.
type StageResult struct {
	Status       Status    `json:"status"`
	JobID        string    `json:"jobid,omitempty"`
	Input        string    `json:"input,omitempty"`
	Content      string    `json:"content,omitempty"`
	Attachment   string    `json:"attachment,omitempty"`
	Error        string    `json:"error,omitempty"`
	ErrorDetails string    `json:"error_details,omitempty"`
	Code         int       `json:"code,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitzero"`
}

// Node is one unit of pipeline work. Nodes are only mutated inside Tree.Mutate.
type Node struct {
	Key          string                 `json:"key"`
	JobID        string                 `json:"jobid,omitempty"`
	Stage        Stage                  `json:"stage"`
	Status       Status                 `json:"status"`
	Params       Params                 `json:"-"`
	Slots        []string               `json:"slots,omitempty"`
	Children     map[string]*Node       `json:"children,omitempty"`
	StageResults map[Stage]*StageResult `json:"stage_results,omitempty"`
	Completed    bool                   `json:"completed"`
	Content      string                 `json:"content,omitempty"`
	Asset        string                 `json:"asset,omitempty"`
	Error        string                 `json:"error,omitempty"`
	ErrorDetails string                 `json:"error_details,omitempty"`
	Code         int                    `json:"code,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at,omitzero"`

	parent *Node
}

// Parent returns the node this node was fanned out from, or nil for roots.
func (n *Node) Parent() *Node { return n.parent }

// Label is the discriminator under which the node hangs from its parent.
func (n *Node) Label() string {
	if i := strings.LastIndexByte(n.Key, '.'); i >= 0 {
		return n.Key[i+1:]
	}
	return ""
}

// ShortID is the first eight characters of the job id, used in asset names.
func (n *Node) ShortID() string {
	if len(n.JobID) > 8 {
		return n.JobID[:8]
	}
	return n.JobID
}

// Result returns the stage result for stage, creating an unsubmitted slot on first use.
func (n *Node) Result(stage Stage) *StageResult {
	if n.StageResults == nil {
		n.StageResults = make(map[Stage]*StageResult)
	}
	r, ok := n.StageResults[stage]
	if !ok {
		r = &StageResult{Status: StatusUnsubmitted}
		n.StageResults[stage] = r
	}
	return r
}

// SkipPending marks every stage slot that has not reached a terminal status as skipped.
func (n *Node) SkipPending(now time.Time) {
	for _, r := range n.StageResults {
		if !r.Status.Terminal() {
			r.Status = StatusSkipped
			r.UpdatedAt = now
		}
	}
}

func (n *Node) MarshalJSON() ([]byte, error) {
	type alias Node
	return json.Marshal(struct {
		*alias
		Params Params `json:"params,omitempty"`
	}{alias: (*alias)(n), Params: n.Params})
}

func (n *Node) UnmarshalJSON(data []byte) error {
	type alias Node
	wire := struct {
		*alias
		Params json.RawMessage `json:"params,omitempty"`
	}{alias: (*alias)(n)}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	params, err := decodeParams(n.Stage, wire.Params)
	if err != nil {
		return fmt.Errorf("node %s: %w", n.Key, err)
	}
	n.Params = params
	return nil
}
