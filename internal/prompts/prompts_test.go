package prompts_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"loom/internal/prompts"
	"loom/internal/services"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFormats(t *testing.T) {
	want := []string{"a quiet harbour", "lighthouse at dusk"}
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"json list", "prompts.json", `["a quiet harbour", "  ", "lighthouse at dusk"]`},
		{"json object", "prompts.json", `{"prompts": ["a quiet harbour", "lighthouse at dusk"]}`},
		{"yaml list", "prompts.yaml", "- a quiet harbour\n- lighthouse at dusk\n"},
		{"yaml object", "prompts.yml", "prompts:\n  - a quiet harbour\n  - \"lighthouse at dusk\"\n"},
		{"text", "prompts.txt", "# seascapes\na quiet harbour\n\n  lighthouse at dusk  \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := prompts.Load(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("got %q, want %q", got, want)
			}
		})
	}
}

func TestLoadRejectsMalformed(t *testing.T) {
	for name, content := range map[string]string{
		"bad.json": `{"prompts": "not a list"}`,
		"bad.yaml": "just a scalar",
	} {
		if _, err := prompts.Load(writeFile(t, name, content)); !errors.Is(err, services.ErrValidation) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestCollect(t *testing.T) {
	file := writeFile(t, "prompts.txt", "from file\n")
	got, err := prompts.Collect(file, []string{"from args", ""})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"from file", "from args"}) {
		t.Fatalf("unexpected prompts %q", got)
	}
	if _, err := prompts.Collect("", nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty work list, got %v", err)
	}
	if _, err := prompts.Collect(filepath.Join(t.TempDir(), "missing.txt"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}
