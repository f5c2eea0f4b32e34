// Package logging provides the file sink behind the daemon's log output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// fileSink appends to one dated segment at a time. A fresh segment is cut on
// every UTC day boundary, and again whenever the active segment would grow
// past maxBytes; same-day segments carry a numeric suffix.
//
// For a base path of logs/botmeterd.log the segments are
// logs/botmeterd-2026-08-31.log, logs/botmeterd-2026-08-31-2.log, and so on.
// The base path itself is kept pointing at the active segment so
// `tail -F logs/botmeterd.log` survives cuts.
type fileSink struct {
	base     string
	maxBytes int64

	mu      sync.Mutex
	day     string // YYYY-MM-DD of the active segment
	seq     int    // 1-based suffix within the day
	out     *os.File
	written int64
}

// NewRotatingWriter opens the log sink for basePath. A basePath of "-"
// discards all output.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return discardCloser{}, nil
	}
	s := &fileSink{base: basePath, maxBytes: maxBytes}
	if err := s.cutIfNeeded(0); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cutIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := s.out.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return nil
	}
	return s.out.Close()
}

// cutIfNeeded opens a new segment when the day changed or the pending write
// would push the active segment past maxBytes. Day boundaries are UTC.
func (s *fileSink) cutIfNeeded(pending int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	switch {
	case s.out == nil || s.day != today:
		s.day = today
		s.seq = 1
	case s.written+pending > s.maxBytes:
		s.seq++
	default:
		return nil
	}
	return s.openSegment()
}

func (s *fileSink) openSegment() error {
	if s.out != nil {
		_ = s.out.Close()
	}
	path := s.segmentPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log segment: %w", err)
	}
	s.out = f
	s.written = 0
	if st, err := f.Stat(); err == nil {
		s.written = st.Size()
	}
	s.repoint(path)
	return nil
}

// segmentPath derives the active segment name from the base path, reusing
// the base's extension (".log" when it has none).
func (s *fileSink) segmentPath() string {
	dir, name := filepath.Split(s.base)
	if dir == "" {
		dir = "."
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	seg := stem + "-" + s.day
	if s.seq > 1 {
		seg = fmt.Sprintf("%s-%d", seg, s.seq)
	}
	return filepath.Join(dir, seg+ext)
}

// repoint makes the base path track the active segment: symlink where the
// filesystem supports it, hard link otherwise, plain pointer text as the
// last resort.
func (s *fileSink) repoint(target string) {
	base := strings.TrimSpace(s.base)
	if base == "" {
		return
	}
	if info, err := os.Lstat(base); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(base); err == nil && dest == target {
				return
			}
		}
		_ = os.Remove(base)
	}
	if os.Symlink(target, base) == nil {
		return
	}
	if os.Link(target, base) == nil {
		return
	}
	if f, err := os.OpenFile(base, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644); err == nil {
		_, _ = fmt.Fprintf(f, "current log file: %s\n", target)
		_ = f.Close()
	}
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }
