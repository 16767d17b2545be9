package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = "  "
	svc := notifications.NewService(&cfg)
	if err := svc.NotifyRunFinished(context.Background(), notifications.RunReport{RunID: "r"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
	if err := notifications.NewService(nil).TestNotification(context.Background()); err != nil {
		t.Fatalf("nil config: %v", err)
	}
}

type captured struct {
	title, tags, priority, body, agent string
}

func newTopic(t *testing.T, status int) (*config.Config, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/loom" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		got.title = r.Header.Get("Title")
		got.tags = r.Header.Get("Tags")
		got.priority = r.Header.Get("Priority")
		got.agent = r.Header.Get("User-Agent")
		got.body = string(body)
		if status != http.StatusOK {
			http.Error(w, "topic disabled", status)
		}
	}))
	t.Cleanup(srv.Close)
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = srv.URL + "/loom"
	return &cfg, got
}

func TestNtfyServiceFormatsReports(t *testing.T) {
	tests := []struct {
		name           string
		send           func(notifications.Service) error
		expectTitle    string
		expectBody     string
		expectTags     string
		expectPriority string
	}{
		{
			name: "run started",
			send: func(s notifications.Service) error {
				return s.NotifyRunStarted(context.Background(), "0123456789abcdef", 1)
			},
			expectTitle: "loom - Run Started",
			expectBody:  "Run 01234567 started with 1 prompt",
			expectTags:  "loom,run,started",
		},
		{
			name: "run complete",
			send: func(s notifications.Service) error {
				return s.NotifyRunFinished(context.Background(), notifications.RunReport{
					RunID: "run-1", Nodes: 5, Completed: 5, Duration: 90*time.Second + 400*time.Millisecond,
				})
			},
			expectTitle: "loom - Run Complete",
			expectBody:  "Run run-1 finished 5 jobs in 1m30s",
			expectTags:  "loom,run,completed",
		},
		{
			name: "run complete with failures",
			send: func(s notifications.Service) error {
				return s.NotifyRunFinished(context.Background(), notifications.RunReport{
					RunID: "run-2", Nodes: 5, Completed: 5, Failed: 2, Duration: time.Second,
				})
			},
			expectTitle: "loom - Run Complete (with failures)",
			expectBody:  "Run run-2 finished 5 jobs in 1s; 2 failed",
			expectTags:  "loom,run,completed",
		},
		{
			name: "run aborted",
			send: func(s notifications.Service) error {
				return s.NotifyRunFinished(context.Background(), notifications.RunReport{
					RunID: "run-3", Nodes: 5, Completed: 2, Duration: time.Minute, Err: errors.New("midjourney unreachable "),
				})
			},
			expectTitle:    "loom - Run Aborted",
			expectBody:     "Run run-3 aborted after 1m0s with 2 of 5 jobs finished: midjourney unreachable",
			expectTags:     "loom,run,error",
			expectPriority: "high",
		},
		{
			name:           "test notification",
			send:           func(s notifications.Service) error { return s.TestNotification(context.Background()) },
			expectTitle:    "loom - Test",
			expectBody:     "Notification test from loom check",
			expectTags:     "loom,test",
			expectPriority: "low",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, got := newTopic(t, http.StatusOK)
			if err := tt.send(notifications.NewService(cfg)); err != nil {
				t.Fatalf("send: %v", err)
			}
			if got.title != tt.expectTitle {
				t.Errorf("title = %q, want %q", got.title, tt.expectTitle)
			}
			if got.body != tt.expectBody {
				t.Errorf("body = %q, want %q", got.body, tt.expectBody)
			}
			if got.tags != tt.expectTags {
				t.Errorf("tags = %q, want %q", got.tags, tt.expectTags)
			}
			if got.priority != tt.expectPriority {
				t.Errorf("priority = %q, want %q", got.priority, tt.expectPriority)
			}
			if !strings.HasPrefix(got.agent, "loom/") {
				t.Errorf("user agent = %q", got.agent)
			}
		})
	}
}

func TestNtfyServiceReportsRejection(t *testing.T) {
	cfg, _ := newTopic(t, http.StatusForbidden)
	err := notifications.NewService(cfg).TestNotification(context.Background())
	if err == nil || !strings.Contains(err.Error(), "ntfy returned 403: topic disabled") {
		t.Fatalf("expected rejection error, got %v", err)
	}
}
