package workflow_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"loom/internal/jobtree"
	"loom/internal/journal"
	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/snapshot"
	"loom/internal/testsupport"
	"loom/internal/workflow"
)

func runWithTimeout(t *testing.T, r *workflow.Runner, prompts ...string) (workflow.Summary, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return r.Run(ctx, prompts)
}

func TestRunEndToEndFullChain(t *testing.T) {
	api := testsupport.NewFakeAPI(t)
	cfg := testsupport.NewConfig(t,
		testsupport.WithFakeAPI(api),
		testsupport.WithFaceSwap(),
		testsupport.WithAnimate(),
		testsupport.WithVariants("U1", "U2"),
	)

	runner := workflow.NewRunner(cfg, workflow.WithLogOutput(io.Discard), workflow.WithRunID("e2e-run"))
	summary, err := runWithTimeout(t, runner, "a lighthouse at dusk")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Done() {
		t.Fatalf("expected all nodes completed, pending %v", summary.Pending)
	}
	if summary.Nodes != 3 {
		t.Fatalf("expected root plus two variants, got %d nodes", summary.Nodes)
	}
	if summary.ByStatus[jobtree.StatusCompleted] != 3 {
		t.Fatalf("unexpected statuses %v", summary.ByStatus)
	}

	for endpoint, want := range map[string]int{"imagine": 1, "button": 2, "swap": 2, "animate": 2} {
		if got := api.Count(endpoint); got != want {
			t.Errorf("%s submissions = %d, want %d", endpoint, got, want)
		}
	}
	if got := api.Downloads(); got != 6 {
		t.Errorf("downloads = %d, want 6 (variant, faceswap and animation per child)", got)
	}

	tree, err := snapshot.Load(cfg.Paths.SnapshotPath)
	if err != nil {
		t.Fatalf("snapshot.Load: %v", err)
	}
	if !tree.Done() {
		t.Fatal("snapshot does not show a completed tree")
	}
	tree.View(func(tx *jobtree.Tx) {
		root, ok := tx.Node(workflow.RootKey(0))
		if !ok {
			t.Fatal("root missing from snapshot")
		}
		for _, label := range []string{"U1", "U2"} {
			child := root.Children[label]
			if child == nil {
				t.Fatalf("child %s missing", label)
			}
			anim := child.StageResults[jobtree.StageAnimate]
			if anim == nil || anim.Status != jobtree.StatusCompleted || anim.Attachment == "" {
				t.Fatalf("child %s animate result %+v", label, anim)
			}
			if _, err := os.Stat(anim.Attachment); err != nil {
				t.Fatalf("animated asset missing: %v", err)
			}
			swap := child.StageResults[jobtree.StageTransform]
			if swap == nil || anim.Input != swap.Attachment {
				t.Fatalf("child %s animated %q, want the swapped image", label, anim.Input)
			}
		}
	})

	if _, err := os.Stat(filepath.Join(cfg.Paths.LogDir, logging.RunLogName("e2e-run"))); err != nil {
		t.Fatalf("run log missing: %v", err)
	}

	store, err := journal.Open(context.Background(), cfg.Paths.JournalPath, "reader")
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer store.Close()
	events, err := store.List(context.Background(), "e2e-run", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	kinds := map[journal.Kind]int{}
	for _, ev := range events {
		kinds[ev.Kind]++
	}
	if kinds[journal.KindRun] != 2 || kinds[journal.KindSubmit] != 7 || kinds[journal.KindNotify] != 7 {
		t.Fatalf("unexpected journal kinds %v", kinds)
	}
}

func TestRunRetriesHostThrottling(t *testing.T) {
	api := testsupport.NewFakeAPI(t)
	api.Script("imagine", testsupport.Reply{Status: 429, Body: `{"error":"Too many requests","code":429}`})
	cfg := testsupport.NewConfig(t, testsupport.WithFakeAPI(api), testsupport.WithVariants("U1"))

	summary, err := runWithTimeout(t, workflow.NewRunner(cfg, workflow.WithLogOutput(io.Discard)), "harbour")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Done() || summary.Nodes != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if got := api.Count("imagine"); got != 2 {
		t.Fatalf("expected the throttled imagine to be repeated once, got %d calls", got)
	}
}

func TestRunFinishesRejectedPrompt(t *testing.T) {
	api := testsupport.NewFakeAPI(t)
	api.Script("imagine", testsupport.Reply{Status: 400, Body: `{"error":"Banned prompt","code":400}`})
	cfg := testsupport.NewConfig(t, testsupport.WithFakeAPI(api))

	summary, err := runWithTimeout(t, workflow.NewRunner(cfg, workflow.WithLogOutput(io.Discard)), "forbidden", "allowed")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !summary.Done() {
		t.Fatalf("pending %v", summary.Pending)
	}
	if summary.ByStatus[jobtree.StatusFailed] != 1 {
		t.Fatalf("expected one failed root, got %v", summary.ByStatus)
	}
	if got := api.Count("button"); got != 4 {
		t.Fatalf("expected only the allowed prompt to fan out, got %d buttons", got)
	}
}

func TestRunReportsToNtfy(t *testing.T) {
	var (
		mu     sync.Mutex
		titles []string
		bodies []string
	)
	ntfy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		titles = append(titles, r.Header.Get("Title"))
		bodies = append(bodies, string(body))
		mu.Unlock()
	}))
	defer ntfy.Close()

	api := testsupport.NewFakeAPI(t)
	api.Script("imagine", testsupport.Reply{Status: 400, Body: `{"error":"Banned prompt","code":400}`})
	cfg := testsupport.NewConfig(t, testsupport.WithFakeAPI(api), testsupport.WithVariants("U1"))
	cfg.Notifications.NtfyTopic = ntfy.URL + "/loom"

	runner := workflow.NewRunner(cfg, workflow.WithLogOutput(io.Discard), workflow.WithRunID("ntfy-run"))
	if _, err := runWithTimeout(t, runner, "forbidden", "allowed"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(titles) != 2 {
		t.Fatalf("expected start and finish reports, got %v", titles)
	}
	if titles[0] != "loom - Run Started" || !strings.Contains(bodies[0], "2 prompts") {
		t.Fatalf("unexpected start report %q %q", titles[0], bodies[0])
	}
	if titles[1] != "loom - Run Complete (with failures)" || !strings.Contains(bodies[1], "1 failed") {
		t.Fatalf("unexpected finish report %q %q", titles[1], bodies[1])
	}
}

func TestRunIgnoresUnreachableNtfy(t *testing.T) {
	api := testsupport.NewFakeAPI(t)
	cfg := testsupport.NewConfig(t, testsupport.WithFakeAPI(api), testsupport.WithVariants("U1"))
	cfg.Notifications.NtfyTopic = "http://127.0.0.1:1/loom"
	cfg.Notifications.RequestTimeoutSeconds = 1

	summary, err := runWithTimeout(t, workflow.NewRunner(cfg, workflow.WithLogOutput(io.Discard)), "harbour")
	if err != nil {
		t.Fatalf("a failed report must not fail the run: %v", err)
	}
	if !summary.Done() {
		t.Fatalf("pending %v", summary.Pending)
	}
}

func TestRunAbortsOnTransportExhaustion(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.UseAPI.MidjourneyURL = "http://127.0.0.1:1/v2/jobs"

	_, err := runWithTimeout(t, workflow.NewRunner(cfg, workflow.WithLogOutput(io.Discard)), "unreachable")
	if !errors.Is(err, services.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestRunRefusesConcurrentRun(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	held := flock.New(cfg.LockPath())
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock: %v %v", ok, err)
	}
	defer held.Unlock()

	_, err := runWithTimeout(t, workflow.NewRunner(cfg, workflow.WithLogOutput(io.Discard)), "prompt")
	if !errors.Is(err, workflow.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
}

func TestRunRefusesFailedPreflight(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Pipeline.FaceSwapEnabled = true
	cfg.Pipeline.SourceFace = filepath.Join(testsupport.BaseDir(cfg), "absent.jpg")

	_, err := runWithTimeout(t, workflow.NewRunner(cfg, workflow.WithLogOutput(io.Discard)), "prompt")
	if !errors.Is(err, services.ErrConfiguration) || !strings.Contains(err.Error(), "Source face") {
		t.Fatalf("expected preflight failure, got %v", err)
	}
}

func TestRunRequiresPrompts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if _, err := workflow.NewRunner(cfg).Run(context.Background(), nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
