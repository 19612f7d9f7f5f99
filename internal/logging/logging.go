// Package logging provides the daemon's file logger: daily rotation with a
// size cap, plus a helper that wires a standard *log.Logger for it.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Rotator writes to files that rotate each UTC day and when a single file
// would exceed MaxBytes. For a base path logs/ledgerd.log the output files
// are logs/ledgerd-2026-08-29.log, logs/ledgerd-2026-08-29-2.log and so on.
type Rotator struct {
	basePath string
	maxBytes int64

	mu    sync.Mutex
	day   string // YYYY-MM-DD of the open file
	index int    // 1-based within the day
	file  *os.File
	size  int64
}

// NewRotator opens a rotating writer for basePath. A basePath of "-"
// discards all output.
func NewRotator(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	r := &Rotator{basePath: basePath, maxBytes: maxBytes}
	if err := r.rotateIfNeeded(0); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Rotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := r.file.Write(p)
	if err == nil {
		r.size += int64(n)
	}
	return n, err
}

func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Rotator) rotateIfNeeded(incoming int64) error {
	// UTC day boundaries keep rotation independent of host timezone.
	today := time.Now().UTC().Format("2006-01-02")
	if r.file == nil || r.day != today {
		r.day = today
		r.index = 1
		return r.openCurrent()
	}
	if r.maxBytes > 0 && r.size+incoming > r.maxBytes {
		r.index++
		return r.openCurrent()
	}
	return nil
}

func (r *Rotator) openCurrent() error {
	if r.file != nil {
		_ = r.file.Close()
	}
	dir, name := filepath.Split(r.basePath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	filename := fmt.Sprintf("%s-%s%s", base, r.day, ext)
	if r.index > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", base, r.day, r.index, ext)
	}
	f, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	size := int64(0)
	if st, serr := f.Stat(); serr == nil {
		size = st.Size()
	}
	r.file = f
	r.size = size
	return nil
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

// DefaultMaxBytes caps a single log file at 50 MB before same-day rollover.
const DefaultMaxBytes = 50 * 1024 * 1024

// Setup builds a logger writing to the rotating file at path, and to
// stderr as well when toStderr is set. An empty path logs to stderr only.
// The returned closer flushes the file side; callers defer it at exit.
func Setup(path string, toStderr bool) (*log.Logger, io.Closer, error) {
	if strings.TrimSpace(path) == "" {
		return log.New(os.Stderr, "", log.LstdFlags), nopWriteCloser{w: io.Discard}, nil
	}
	rot, err := NewRotator(path, DefaultMaxBytes)
	if err != nil {
		return nil, nil, err
	}
	var out io.Writer = rot
	if toStderr {
		out = io.MultiWriter(os.Stderr, rot)
	}
	return log.New(out, "", log.LstdFlags), rot, nil
}
