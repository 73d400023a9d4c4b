package process

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPIDFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "svc.pid")
	if err := WritePIDFile(path, os.Getpid()); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, start, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid mismatch: got %d want %d", pid, os.Getpid())
	}
	if want := StartTime(os.Getpid()); start != want {
		t.Fatalf("start time mismatch: got %d want %d", start, want)
	}
}

func TestReadPIDFileBarePID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bare.pid")
	if err := os.WriteFile(path, []byte("4242\r\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, start, err := ReadPIDFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if pid != 4242 || start != 0 {
		t.Fatalf("unexpected result pid=%d start=%d", pid, start)
	}
}

func TestReadPIDFileInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"garbage.pid":  "not-a-pid",
		"empty.pid":    "",
		"negative.pid": "-5",
	}
	for name, content := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, _, err := ReadPIDFile(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, _, err := ReadPIDFile(filepath.Join(dir, "missing.pid")); !os.IsNotExist(err) {
		t.Fatalf("missing file should report not-exist, got %v", err)
	}
}

func TestWritePIDFileRejectsInvalid(t *testing.T) {
	if err := WritePIDFile("", 1); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if err := WritePIDFile(filepath.Join(t.TempDir(), "x.pid"), 0); err == nil {
		t.Fatalf("expected error for zero pid")
	}
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	if err := WriteFileAtomic(path, []byte("one"), 0o600); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("two"), 0o600); err != nil {
		t.Fatalf("second write: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil || string(b) != "two" {
		t.Fatalf("unexpected content %q err=%v", b, err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}
