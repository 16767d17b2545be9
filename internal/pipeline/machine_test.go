package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"path"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"loom/internal/jobtree"
	"loom/internal/lane"
	"loom/internal/pipeline"
	"loom/internal/services"
	"loom/internal/services/useapi"
	"loom/internal/submission"
)

const rootJobID = "0f3a9c2e-1111-4a7b-9000-aaaaaaaaaaaa"

type fakeLane struct {
	mu    sync.Mutex
	tasks []lane.Task
}

func (l *fakeLane) Enqueue(t lane.Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tasks = append(l.tasks, t)
}

func (l *fakeLane) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.tasks))
	for _, t := range l.tasks {
		out = append(out, t.Name)
	}
	return out
}

func (l *fakeLane) count(name string) int {
	n := 0
	for _, got := range l.names() {
		if got == name {
			n++
		}
	}
	return n
}

type taskCall struct {
	target submission.Target
	req    useapi.Request
}

type fakeTasks struct {
	calls []taskCall
}

func (f *fakeTasks) Task(target submission.Target, req useapi.Request) lane.Task {
	f.calls = append(f.calls, taskCall{target: target, req: req})
	return lane.Task{
		Name: path.Base(req.Endpoint),
		Node: target.Node,
		Run:  func(context.Context) (lane.Result, error) { return lane.Advance(), nil },
	}
}

func (f *fakeTasks) forChannel(channel string) []taskCall {
	var out []taskCall
	for _, c := range f.calls {
		if c.req.Channel == channel {
			out = append(out, c)
		}
	}
	return out
}

type fakeDownloader struct {
	fail  map[string]bool
	dests []string
}

func (d *fakeDownloader) Download(_ context.Context, url, dest string) (int64, error) {
	if d.fail[url] {
		return 0, errors.New("http 404")
	}
	d.dests = append(d.dests, dest)
	return 42, nil
}

type harness struct {
	tree     *jobtree.Tree
	lanes    map[string]*fakeLane
	tasks    *fakeTasks
	dl       *fakeDownloader
	machine  *pipeline.Machine
	settings pipeline.Settings
}

func defaultSettings(t *testing.T) pipeline.Settings {
	return pipeline.Settings{
		AssetsDir:        t.TempDir(),
		AdvanceSelectors: []string{"U1", "U2", "U3", "U4"},
		FaceSwapEnabled:  true,
		SourceFace:       "/faces/source.jpg",
		AnimateEnabled:   true,
		AnimatePrompt:    "smiling and blinking",
	}
}

func newHarness(t *testing.T, settings pipeline.Settings) *harness {
	t.Helper()
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	tree := jobtree.New("run-test", jobtree.WithClock(clock))
	if err := tree.Mutate(func(tx *jobtree.Tx) error {
		root, err := tx.AddRoot("imagine-0", jobtree.GenerateParams{Prompt: "harbour"}, []string{"U1", "U2", "U3", "U4"})
		if err != nil {
			return err
		}
		root.Status = jobtree.StatusSubmitted
		return tx.AssignJobID(root, rootJobID)
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h := &harness{
		tree:     tree,
		lanes:    map[string]*fakeLane{useapi.ChannelMidjourney: {}, useapi.ChannelFaceSwap: {}, useapi.ChannelPika: {}},
		tasks:    &fakeTasks{},
		dl:       &fakeDownloader{fail: map[string]bool{}},
		settings: settings,
	}
	lanes := make(map[string]pipeline.Enqueuer, len(h.lanes))
	for name, l := range h.lanes {
		lanes[name] = l
	}
	client := useapi.NewClient(useapi.Config{
		MidjourneyURL: "https://api.example.com/v2/jobs",
		FaceSwapURL:   "https://api.example.com/v1/faceswap",
		PikaURL:       "https://api.example.com/v1/pika",
		ReplyURL:      "https://hooks.example.com/",
	})
	h.machine = pipeline.New(pipeline.Deps{
		Tree:       tree,
		Lanes:      lanes,
		Requests:   client,
		Tasks:      h.tasks,
		Downloader: h.dl,
	}, settings)
	return h
}

func (h *harness) handle(t *testing.T, job useapi.Job) {
	t.Helper()
	if err := h.machine.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle(%s %s): %v", job.Verb, job.Status, err)
	}
}

func (h *harness) node(t *testing.T, key string) *jobtree.Node {
	t.Helper()
	var out *jobtree.Node
	h.tree.View(func(tx *jobtree.Tx) {
		out, _ = tx.Node(key)
	})
	if out == nil {
		t.Fatalf("node %s missing", key)
	}
	return out
}

func childJobID(label string) string {
	return "c0ffee" + label + "-2222-4a7b-9000-bbbbbbbbbbbb"
}

func completeRoot(t *testing.T, h *harness) {
	t.Helper()
	h.handle(t, useapi.Job{
		JobID:       rootJobID,
		Verb:        "imagine",
		Status:      "completed",
		Content:     "harbour --v 6",
		Attachments: []useapi.Attachment{{URL: "https://cdn.example.com/grid.png"}},
	})
}

func completeChild(t *testing.T, h *harness, label, attachment string) {
	t.Helper()
	job := useapi.Job{
		JobID:    childJobID(label),
		Verb:     "button",
		Status:   "completed",
		Button:   label,
		ReplyRef: "imagine-0." + label,
	}
	if attachment != "" {
		job.Attachments = []useapi.Attachment{{URL: attachment}}
	}
	h.handle(t, job)
}

func TestRootCompletionFansOutButtons(t *testing.T) {
	h := newHarness(t, defaultSettings(t))
	completeRoot(t, h)

	root := h.node(t, "imagine-0")
	if !root.Completed || root.Status != jobtree.StatusCompleted || len(root.Children) != 4 {
		t.Fatalf("unexpected root: completed=%v status=%s children=%d", root.Completed, root.Status, len(root.Children))
	}
	buttons := h.tasks.forChannel(useapi.ChannelMidjourney)
	if len(buttons) != 4 {
		t.Fatalf("expected 4 button submissions, got %d", len(buttons))
	}
	for i, call := range buttons {
		label := []string{"U1", "U2", "U3", "U4"}[i]
		if call.target.Node != "imagine-0."+label || call.req.JSON["button"] != label || call.req.JSON["jobid"] != rootJobID {
			t.Fatalf("unexpected button submission %d: %+v", i, call)
		}
		if call.req.JSON["replyRef"] != "imagine-0."+label {
			t.Fatalf("button replyRef must name the child node, got %v", call.req.JSON["replyRef"])
		}
		child := root.Children[label]
		if child.Status != jobtree.StatusUnsubmitted || child.Completed || len(child.StageResults) != 2 {
			t.Fatalf("unexpected child %s: %+v", label, child)
		}
	}
	if got := h.lanes[useapi.ChannelMidjourney].names(); len(got) != 4 || h.lanes[useapi.ChannelMidjourney].count("ack") != 0 {
		t.Fatalf("expected 4 button tasks and no ack, got %v", got)
	}
	if h.tree.Done() {
		t.Fatal("run cannot be done with unsubmitted children")
	}
}

func TestChildrenWithoutAttachmentsFinishTheRun(t *testing.T) {
	h := newHarness(t, defaultSettings(t))
	completeRoot(t, h)
	for _, label := range []string{"U1", "U2", "U3", "U4"} {
		completeChild(t, h, label, "")
	}

	root := h.node(t, "imagine-0")
	for label, child := range root.Children {
		if !child.Completed || child.Status != jobtree.StatusCompleted || child.JobID != childJobID(label) {
			t.Fatalf("child %s not finished: %+v", label, child)
		}
	}
	if !h.tree.Done() {
		t.Fatal("expected completion predicate to hold")
	}
	if n := len(h.lanes[useapi.ChannelFaceSwap].names()) + len(h.lanes[useapi.ChannelPika].names()); n != 0 {
		t.Fatalf("expected no auxiliary submissions, got %d", n)
	}
	if got := h.lanes[useapi.ChannelMidjourney].count("ack"); got != 4 {
		t.Fatalf("expected one ack per child notification, got %d", got)
	}
	if len(h.dl.dests) != 0 {
		t.Fatalf("nothing should be downloaded, got %v", h.dl.dests)
	}
}

func TestAttachmentChainsThroughFaceSwapAndAnimate(t *testing.T) {
	h := newHarness(t, defaultSettings(t))
	completeRoot(t, h)
	completeChild(t, h, "U1", "")
	completeChild(t, h, "U2", "https://cdn.example.com/att/upscaled_U2.png?ex=1")
	completeChild(t, h, "U3", "")
	completeChild(t, h, "U4", "")

	swaps := h.tasks.forChannel(useapi.ChannelFaceSwap)
	if len(swaps) != 1 || len(h.lanes[useapi.ChannelFaceSwap].names()) != 1 {
		t.Fatalf("expected exactly one face swap submission, got %d", len(swaps))
	}
	wantAsset := filepath.Join(h.settings.AssetsDir, "c0ffeeU2-U2.png")
	swap := swaps[0]
	if swap.target != (submission.Target{Node: "imagine-0.U2", Stage: jobtree.StageTransform}) {
		t.Fatalf("unexpected target %+v", swap.target)
	}
	if swap.req.Form.Files["swapid_image"] != wantAsset || swap.req.Form.Files["saveid_image"] != "/faces/source.jpg" {
		t.Fatalf("face swap must use the downloaded file, got %v", swap.req.Form.Files)
	}
	if swap.req.Form.Fields["replyRef"] != childJobID("U2") {
		t.Fatalf("replyRef must be the originating job id, got %q", swap.req.Form.Fields["replyRef"])
	}
	child := h.node(t, "imagine-0.U2")
	if child.Completed || child.Asset != wantAsset || child.StageResults[jobtree.StageTransform].Input != wantAsset {
		t.Fatalf("unexpected chained child: %+v", child)
	}
	if h.tree.Done() {
		t.Fatal("chain still running")
	}
	// The button notification enqueued on faceswap, not on midjourney, so the
	// midjourney lane is still acknowledged.
	if got := h.lanes[useapi.ChannelMidjourney].count("ack"); got != 4 {
		t.Fatalf("expected 4 acks, got %d", got)
	}

	h.handle(t, useapi.Job{
		JobID:       "swap-job",
		Verb:        "faceswap-swap",
		Status:      "completed",
		ReplyRef:    childJobID("U2"),
		Attachments: []useapi.Attachment{{URL: "https://cdn.example.com/swapped.jpg"}},
	})
	swappedAsset := filepath.Join(h.settings.AssetsDir, "c0ffeeU2-faceswap.jpg")
	anims := h.tasks.forChannel(useapi.ChannelPika)
	if len(anims) != 1 || anims[0].req.Form.Files["image"] != swappedAsset || anims[0].req.Form.Fields["prompt"] != "smiling and blinking" {
		t.Fatalf("expected animation of the swapped image, got %+v", anims)
	}
	child = h.node(t, "imagine-0.U2")
	if res := child.StageResults[jobtree.StageTransform]; res.Status != jobtree.StatusCompleted || res.Attachment != swappedAsset || res.JobID != "swap-job" {
		t.Fatalf("unexpected transform result: %+v", res)
	}
	if h.lanes[useapi.ChannelFaceSwap].count("ack") != 1 {
		t.Fatalf("face swap lane must be acknowledged, got %v", h.lanes[useapi.ChannelFaceSwap].names())
	}

	h.handle(t, useapi.Job{
		JobID:       "pika-job",
		Verb:        "pika-animate",
		Status:      "completed",
		ReplyRef:    childJobID("U2"),
		Attachments: []useapi.Attachment{{URL: "https://cdn.example.com/clip.mp4"}},
	})
	child = h.node(t, "imagine-0.U2")
	anim := child.StageResults[jobtree.StageAnimate]
	if anim.Status != jobtree.StatusCompleted || anim.Attachment != filepath.Join(h.settings.AssetsDir, "c0ffeeU2-animated.mp4") {
		t.Fatalf("unexpected animate result: %+v", anim)
	}
	if !child.Completed || !h.tree.Done() {
		t.Fatal("final stage must finish the node and the run")
	}
	if len(h.dl.dests) != 3 {
		t.Fatalf("expected 3 downloads, got %v", h.dl.dests)
	}
}

func TestUnmatchedNotificationIsDiscarded(t *testing.T) {
	h := newHarness(t, defaultSettings(t))
	before, _ := h.tree.Marshal()

	for _, job := range []useapi.Job{
		{JobID: "stranger", Verb: "imagine", Status: "completed"},
		{JobID: "stranger", Verb: "button", Status: "completed", ReplyRef: "imagine-9.U1"},
		{JobID: "swap", Verb: "faceswap-swap", Status: "completed", ReplyRef: "nobody"},
		{JobID: "pika", Verb: "pika-create", Status: "failed"},
		{JobID: "x", Verb: "seance", Status: "completed"},
	} {
		h.handle(t, job)
	}

	after, _ := h.tree.Marshal()
	if !bytes.Equal(before, after) {
		t.Fatal("unmatched notifications must not mutate the tree")
	}
	for name, l := range h.lanes {
		if got := l.names(); len(got) != 0 {
			t.Fatalf("lane %s received %v", name, got)
		}
	}
}

func TestFailedRootSkipsAndCompletes(t *testing.T) {
	for _, status := range []string{"failed", "moderated", "cancelled"} {
		t.Run(status, func(t *testing.T) {
			h := newHarness(t, defaultSettings(t))
			h.handle(t, useapi.Job{JobID: rootJobID, Verb: "imagine", Status: status, Error: "Job " + useapi.Text(status)})
			root := h.node(t, "imagine-0")
			if !root.Completed || string(root.Status) != status || len(root.Children) != 0 {
				t.Fatalf("unexpected root: %+v", root)
			}
			if root.Error != "Job "+status {
				t.Fatalf("expected error recorded, got %q", root.Error)
			}
			if !h.tree.Done() || h.lanes[useapi.ChannelMidjourney].count("ack") != 1 {
				t.Fatal("expected finished run and an ack")
			}
		})
	}
}

func TestFailedChildSkipsDeclaredStages(t *testing.T) {
	h := newHarness(t, defaultSettings(t))
	completeRoot(t, h)
	h.handle(t, useapi.Job{JobID: childJobID("U1"), Verb: "button", Status: "moderated", ReplyRef: "imagine-0.U1"})

	child := h.node(t, "imagine-0.U1")
	if !child.Completed || child.Status != jobtree.StatusModerated {
		t.Fatalf("unexpected child: %+v", child)
	}
	for stage, res := range child.StageResults {
		if res.Status != jobtree.StatusSkipped {
			t.Fatalf("stage %s left %s", stage, res.Status)
		}
	}
}

func TestFailedFaceSwapAnimatesOriginalAsset(t *testing.T) {
	h := newHarness(t, defaultSettings(t))
	completeRoot(t, h)
	completeChild(t, h, "U1", "https://cdn.example.com/u1.webp")
	original := filepath.Join(h.settings.AssetsDir, "c0ffeeU1-U1.webp")

	h.handle(t, useapi.Job{JobID: "swap", Verb: "faceswap-swap", Status: "failed", ReplyRef: childJobID("U1"), Error: "no face"})

	anims := h.tasks.forChannel(useapi.ChannelPika)
	if len(anims) != 1 || anims[0].req.Form.Files["image"] != original {
		t.Fatalf("expected animation of the pre-transform asset, got %+v", anims)
	}
	res := h.node(t, "imagine-0.U1").StageResults[jobtree.StageTransform]
	if res.Status != jobtree.StatusFailed || res.Error != "no face" {
		t.Fatalf("unexpected transform slot: %+v", res)
	}
}

func TestDuplicateNotificationsAreIgnored(t *testing.T) {
	h := newHarness(t, defaultSettings(t))
	completeRoot(t, h)
	completeRoot(t, h)

	if got := len(h.tasks.forChannel(useapi.ChannelMidjourney)); got != 4 {
		t.Fatalf("duplicate must not fan out again, got %d buttons", got)
	}
	if got := h.lanes[useapi.ChannelMidjourney].count("ack"); got != 1 {
		t.Fatalf("expected one ack for the duplicate, got %d", got)
	}

	completeChild(t, h, "U1", "https://cdn.example.com/u1.png")
	h.handle(t, useapi.Job{JobID: "swap", Verb: "faceswap-swap", Status: "failed", ReplyRef: childJobID("U1")})
	h.handle(t, useapi.Job{JobID: "swap", Verb: "faceswap-swap", Status: "completed", ReplyRef: childJobID("U1")})
	if got := len(h.tasks.forChannel(useapi.ChannelPika)); got != 1 {
		t.Fatalf("duplicate face swap must not animate twice, got %d", got)
	}
}

func TestProgressNotificationsAreIgnored(t *testing.T) {
	h := newHarness(t, defaultSettings(t))
	h.handle(t, useapi.Job{JobID: rootJobID, Verb: "imagine", Status: "progress", Content: "harbour (43%)"})
	if root := h.node(t, "imagine-0"); root.Status != jobtree.StatusSubmitted || root.Content != "" {
		t.Fatalf("progress must not change the node: %+v", root)
	}
	if got := h.lanes[useapi.ChannelMidjourney].names(); len(got) != 0 {
		t.Fatalf("progress must not enqueue, got %v", got)
	}
}

func TestNonAdvancingLabelOnlyDownloads(t *testing.T) {
	settings := defaultSettings(t)
	settings.AdvanceSelectors = []string{"U1"}
	h := newHarness(t, settings)
	completeRoot(t, h)

	if len(h.node(t, "imagine-0.U3").StageResults) != 0 {
		t.Fatal("non-advancing labels declare no stages")
	}
	completeChild(t, h, "U3", "https://cdn.example.com/u3.png")
	child := h.node(t, "imagine-0.U3")
	if !child.Completed || child.Asset != filepath.Join(settings.AssetsDir, "c0ffeeU3-U3.png") {
		t.Fatalf("expected downloaded and finished child, got %+v", child)
	}
	if n := len(h.tasks.forChannel(useapi.ChannelFaceSwap)); n != 0 {
		t.Fatalf("expected no face swap, got %d", n)
	}
}

func TestAnimateOnlyShape(t *testing.T) {
	settings := defaultSettings(t)
	settings.FaceSwapEnabled = false
	h := newHarness(t, settings)
	completeRoot(t, h)
	completeChild(t, h, "U4", "https://cdn.example.com/u4.png")

	anims := h.tasks.forChannel(useapi.ChannelPika)
	if len(anims) != 1 || anims[0].target.Stage != jobtree.StageAnimate {
		t.Fatalf("expected direct animation, got %+v", anims)
	}
	if _, ok := h.node(t, "imagine-0.U4").StageResults[jobtree.StageTransform]; ok {
		t.Fatal("no transform slot without face swap")
	}
}

func TestFaceSwapWithoutAnimationFinishesNode(t *testing.T) {
	settings := defaultSettings(t)
	settings.AnimateEnabled = false
	h := newHarness(t, settings)
	completeRoot(t, h)
	completeChild(t, h, "U1", "https://cdn.example.com/u1.png")
	h.handle(t, useapi.Job{JobID: "swap", Verb: "faceswap-swap", Status: "completed", ReplyRef: childJobID("U1"),
		Attachments: []useapi.Attachment{{URL: "https://cdn.example.com/s.png"}}})

	if child := h.node(t, "imagine-0.U1"); !child.Completed {
		t.Fatal("expected node finished after face swap")
	}
	if n := len(h.tasks.forChannel(useapi.ChannelPika)); n != 0 {
		t.Fatalf("expected no animation, got %d", n)
	}
}

func TestDownloadFailureSkipsChain(t *testing.T) {
	h := newHarness(t, defaultSettings(t))
	h.dl.fail["https://cdn.example.com/gone.png"] = true
	completeRoot(t, h)
	completeChild(t, h, "U2", "https://cdn.example.com/gone.png")

	child := h.node(t, "imagine-0.U2")
	if !child.Completed || child.Asset != "" {
		t.Fatalf("expected finished child without asset, got %+v", child)
	}
	for stage, res := range child.StageResults {
		if res.Status != jobtree.StatusSkipped {
			t.Fatalf("stage %s left %s", stage, res.Status)
		}
	}
	if n := len(h.tasks.forChannel(useapi.ChannelFaceSwap)); n != 0 {
		t.Fatalf("expected no face swap, got %d", n)
	}
}

func TestAdvanceFromRootChainsGrid(t *testing.T) {
	settings := defaultSettings(t)
	settings.AdvanceFromRoot = true
	h := newHarness(t, settings)
	completeRoot(t, h)

	root := h.node(t, "imagine-0")
	if root.Completed || len(root.Children) != 4 {
		t.Fatalf("root must fan out and stay open for its chain: %+v", root)
	}
	swaps := h.tasks.forChannel(useapi.ChannelFaceSwap)
	if len(swaps) != 1 || swaps[0].target.Node != "imagine-0" || swaps[0].req.Form.Fields["replyRef"] != rootJobID {
		t.Fatalf("expected grid face swap, got %+v", swaps)
	}
	if want := filepath.Join(settings.AssetsDir, "0f3a9c2e-grid.png"); root.Asset != want {
		t.Fatalf("root asset = %q, want %q", root.Asset, want)
	}
}

func TestPrimaryMatchByReplyRefAssignsJobID(t *testing.T) {
	h := newHarness(t, defaultSettings(t))
	completeRoot(t, h)
	completeChild(t, h, "U1", "")

	h.tree.View(func(tx *jobtree.Tx) {
		n, ok := tx.ByJobID(childJobID("U1"))
		if !ok || n.Key != "imagine-0.U1" {
			t.Fatal("notification must index the child job id")
		}
	})
}

func TestChildWithoutAttachmentSkipsDeclaredStages(t *testing.T) {
	h := newHarness(t, defaultSettings(t))
	completeRoot(t, h)
	completeChild(t, h, "U1", "")
	for stage, res := range h.node(t, "imagine-0.U1").StageResults {
		if res.Status != jobtree.StatusSkipped {
			t.Fatalf("stage %s left %s", stage, res.Status)
		}
	}
}

func TestTreeConflictIsNotFatal(t *testing.T) {
	h := newHarness(t, defaultSettings(t))
	// A root already owns the key the U1 child would take.
	if err := h.tree.Mutate(func(tx *jobtree.Tx) error {
		_, err := tx.AddRoot("imagine-0.U1", jobtree.GenerateParams{Prompt: "pier"}, nil)
		return err
	}); err != nil {
		t.Fatalf("seed conflicting root: %v", err)
	}

	err := h.machine.Handle(context.Background(), useapi.Job{
		JobID:  rootJobID,
		Verb:   "imagine",
		Status: "completed",
	})
	if err == nil {
		t.Fatal("expected fan-out conflict to be reported")
	}
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation marker, got %v", err)
	}
	if errors.Is(err, services.ErrSnapshot) || services.Fatal(err) {
		t.Fatalf("tree conflict must not abort the run: %v", err)
	}
}
