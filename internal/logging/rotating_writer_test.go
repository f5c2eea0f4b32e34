package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriterWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "botmeter.log")

	w, err := NewRotatingWriter(base, 1<<20)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	dated := filepath.Join(dir, "botmeter-"+today+".log")
	data, err := os.ReadFile(dated)
	if err != nil {
		t.Fatalf("dated file not written: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("unexpected contents %q", data)
	}
}

func TestRotatingWriterSizeRollover(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "botmeter.log")

	w, err := NewRotatingWriter(base, 10)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	for i := 0; i < 3; i++ {
		if _, err := w.Write([]byte("0123456789")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var rotated int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "botmeter-") {
			rotated++
		}
	}
	if rotated < 2 {
		t.Fatalf("expected size rollover to create multiple files, got %d", rotated)
	}
}

func TestRotatingWriterDashDiscards(t *testing.T) {
	w, err := NewRotatingWriter("-", 100)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	if _, err := w.Write([]byte("ignored")); err != nil {
		t.Fatalf("Write to discard: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRotatingWriterBaseTracksActiveSegment(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "botmeter.log")

	w, err := NewRotatingWriter(base, 1<<20)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// The base path is either a link to the dated segment or, on filesystems
	// without link support, a pointer file naming it.
	today := time.Now().UTC().Format("2006-01-02")
	dated := filepath.Join(dir, "botmeter-"+today+".log")
	data, err := os.ReadFile(base)
	if err != nil {
		t.Fatalf("base path unreadable: %v", err)
	}
	if string(data) != "hello\n" && !strings.Contains(string(data), dated) {
		t.Fatalf("base path does not track segment: %q", data)
	}
}
