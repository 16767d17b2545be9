package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"loom/internal/config"
)

const userAgent = "loom/0.1"

// RunReport summarizes a finished run.
type RunReport struct {
	RunID     string
	Nodes     int
	Completed int
	Failed    int
	Duration  time.Duration
	Err       error
}

// Service is what the run controller reports through.
type Service interface {
	NotifyRunStarted(ctx context.Context, runID string, prompts int) error
	NotifyRunFinished(ctx context.Context, report RunReport) error
	TestNotification(ctx context.Context) error
}

// NewService returns an ntfy-backed service, or a no-op when
// notifications.ntfy_topic is empty.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}
	timeout := config.Seconds(cfg.Notifications.RequestTimeoutSeconds)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ntfyService{endpoint: topic, client: &http.Client{Timeout: timeout}}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyRunStarted(ctx context.Context, runID string, prompts int) error {
	noun := "prompts"
	if prompts == 1 {
		noun = "prompt"
	}
	return n.send(ctx, message{
		title: "loom - Run Started",
		body:  fmt.Sprintf("Run %s started with %d %s", shortRun(runID), prompts, noun),
		tags:  []string{"loom", "run", "started"},
	})
}

func (n *ntfyService) NotifyRunFinished(ctx context.Context, r RunReport) error {
	duration := r.Duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}
	id := shortRun(r.RunID)

	if r.Err != nil {
		return n.send(ctx, message{
			title:    "loom - Run Aborted",
			body:     fmt.Sprintf("Run %s aborted after %s with %d of %d jobs finished: %s", id, duration, r.Completed, r.Nodes, strings.TrimSpace(r.Err.Error())),
			tags:     []string{"loom", "run", "error"},
			priority: "high",
		})
	}
	msg := message{
		title: "loom - Run Complete",
		body:  fmt.Sprintf("Run %s finished %d jobs in %s", id, r.Completed, duration),
		tags:  []string{"loom", "run", "completed"},
	}
	if r.Failed > 0 {
		msg.title = "loom - Run Complete (with failures)"
		msg.body = fmt.Sprintf("Run %s finished %d jobs in %s; %d failed", id, r.Completed, duration, r.Failed)
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, message{
		title:    "loom - Test",
		body:     "Notification test from loom check",
		tags:     []string{"loom", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, m message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(m.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if m.title != "" {
		req.Header.Set("Title", m.title)
	}
	if len(m.tags) > 0 {
		req.Header.Set("Tags", strings.Join(m.tags, ","))
	}
	if m.priority != "" {
		req.Header.Set("Priority", m.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func shortRun(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type noopService struct{}

func (noopService) NotifyRunStarted(context.Context, string, int) error { return nil }
func (noopService) NotifyRunFinished(context.Context, RunReport) error  { return nil }
func (noopService) TestNotification(context.Context) error              { return nil }
