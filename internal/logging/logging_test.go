package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatorWritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRotator(filepath.Join(dir, "ledgerd.log"), 1024)
	if err != nil {
		t.Fatalf("NewRotator failed: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	day := time.Now().UTC().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, "ledgerd-"+day+".log"))
	if err != nil {
		t.Fatalf("read dated log: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("log content = %q", data)
	}
}

func TestRotatorRollsOverOnSize(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRotator(filepath.Join(dir, "ledgerd.log"), 10)
	if err != nil {
		t.Fatalf("NewRotator failed: %v", err)
	}
	defer w.Close()

	for i := 0; i < 3; i++ {
		if _, err := w.Write([]byte("0123456789\n")); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) < 2 {
		t.Errorf("expected size rollover to create multiple files, got %d", len(entries))
	}
}

func TestRotatorDiscardPath(t *testing.T) {
	w, err := NewRotator("-", 1024)
	if err != nil {
		t.Fatalf("NewRotator failed: %v", err)
	}
	defer w.Close()
	if _, err := w.Write([]byte("dropped")); err != nil {
		t.Errorf("discard write failed: %v", err)
	}
}

func TestSetupWithoutFile(t *testing.T) {
	logger, closer, err := Setup("", false)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected a usable logger")
	}
}

func TestSetupCreatesLogDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "logs", "ledgerd.log")
	logger, closer, err := Setup(path, false)
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	defer closer.Close()

	logger.Printf("[INFO] started")

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read log dir: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "ledgerd-") {
			found = true
		}
	}
	if !found {
		t.Error("expected a dated log file")
	}
}
