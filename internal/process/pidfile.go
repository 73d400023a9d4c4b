package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDMeta is stored on the third line of a pidfile so readers can tell a
// reused pid from the process that wrote it.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// WritePIDFile atomically writes pid followed by start-time metadata.
// Layout: "<pid>\n\n{"start_unix":N}".
func WritePIDFile(path string, pid int) error {
	if path == "" || pid <= 0 {
		return fmt.Errorf("write pidfile: invalid path or pid")
	}
	meta, _ := json.Marshal(PIDMeta{StartUnix: StartTime(pid)})
	content := strconv.Itoa(pid) + "\n\n" + string(meta) + "\n"
	return WriteFileAtomic(path, []byte(content), 0o600)
}

// ReadPIDFile returns the pid and the recorded start time (0 when absent).
func ReadPIDFile(path string) (int, int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, 0, fmt.Errorf("invalid pid in %s: %d", path, pid)
	}
	var meta PIDMeta
	if len(lines) >= 3 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[2])), &meta)
	}
	return pid, meta.StartUnix, nil
}

// WriteFileAtomic writes data to a temp file in the same directory and
// renames it over path, so readers never see a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
