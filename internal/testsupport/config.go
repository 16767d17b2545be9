package testsupport

import (
	"net"
	"path/filepath"
	"testing"

	"loom/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Backoff windows are zeroed so throttled submissions retry immediately, and
// the auxiliary stages are disabled unless an option turns them on.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.WorkDir = filepath.Join(base, "work")
	cfgVal.Paths.AssetsDir = filepath.Join(base, "assets")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.SnapshotPath = filepath.Join(base, "work", "snapshot.json")
	cfgVal.Paths.JournalPath = filepath.Join(base, "work", "journal.db")
	cfgVal.UseAPI.Token = "test-token"
	addr := freeAddr(t)
	cfgVal.Webhook.Bind = addr
	cfgVal.Webhook.PublicURL = "http://" + addr
	cfgVal.Pipeline.PromptSuffix = ""
	cfgVal.Pipeline.FaceSwapEnabled = false
	cfgVal.Pipeline.AnimateEnabled = false
	cfgVal.Backoff = config.Backoff{NetworkAttempts: 1}
	cfgVal.Logging.RetentionDays = 0

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithFakeAPI points every endpoint root at api.
func WithFakeAPI(api *FakeAPI) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.UseAPI.MidjourneyURL = api.MidjourneyURL()
		b.cfg.UseAPI.FaceSwapURL = api.FaceSwapURL()
		b.cfg.UseAPI.PikaURL = api.PikaURL()
	}
}

// WithFaceSwap enables the transform stage with a generated source face.
func WithFaceSwap() ConfigOption {
	return func(b *configBuilder) {
		face := filepath.Join(b.baseDir, "source.jpg")
		WriteFile(b.t, face, 64)
		b.cfg.Pipeline.FaceSwapEnabled = true
		b.cfg.Pipeline.SourceFace = face
	}
}

// WithAnimate enables the animate stage.
func WithAnimate() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.AnimateEnabled = true
	}
}

// WithVariants replaces the fanned-out button labels and the advancing set.
func WithVariants(variants ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.Variants = append([]string(nil), variants...)
		b.cfg.Pipeline.AdvanceSelectors = append([]string(nil), variants...)
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.WorkDir)
}

// freeAddr reserves a loopback port long enough to learn its number. The
// public URL must be known before the listener starts.
func freeAddr(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatalf("release port: %v", err)
	}
	return addr
}
