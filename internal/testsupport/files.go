package testsupport

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// jpegMagic is the SOI marker plus the start of a JFIF APP0 segment.
var jpegMagic = []byte{0xFF, 0xD8, 0xFF, 0xE0}

// WriteFile writes a fake JPEG of size bytes to path, creating parent
// directories. The payload only carries the JPEG magic so upload code that
// sniffs content types treats it as an image. A size below the magic length
// writes the magic alone.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	payload := append([]byte(nil), jpegMagic...)
	if pad := size - int64(len(jpegMagic)); pad > 0 {
		payload = append(payload, bytes.Repeat([]byte{0x42}, int(pad))...)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
