package runner

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout describes the on-disk result tree rooted at a --results-dir:
//
//	tests/<test-name>/<attempt-id>/{stdout,stderr,status,retcode,duration,
//	  dmesg,bpftrace-stdout,bpftrace-stderr,artifacts/<file>...}
//	latest/<test-name>            symlink to the most recent attempt dir
//	recordings/<label>/<test-name>/{status,duration,retries}
//	logs                          runner log file when --verbose
//
// Layout is safe for concurrent use: every attempt writes to its own
// directory, and the only shared mutation (the latest/ symlink for a
// given test name) is last-writer-wins.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout { return Layout{Root: root} }

// TestDir is the directory for one attempt of a test.
func (l Layout) TestDir(testName, attemptID string) string {
	return filepath.Join(l.Root, "tests", testName, attemptID)
}

// LatestLink is the latest/<name> symlink path for a test.
func (l Layout) LatestLink(testName string) string {
	return filepath.Join(l.Root, "latest", testName)
}

// RecordingDir is recordings/<label>/.
func (l Layout) RecordingDir(label string) string {
	return filepath.Join(l.Root, "recordings", label)
}

// RecordingsRoot is the recordings/ directory itself.
func (l Layout) RecordingsRoot() string {
	return filepath.Join(l.Root, "recordings")
}

// LogsFile is the runner log file written under --verbose.
func (l Layout) LogsFile() string {
	return filepath.Join(l.Root, "logs")
}

// EnsureTestDir creates and returns a test's attempt directory.
func (l Layout) EnsureTestDir(testName, attemptID string) (string, error) {
	dir := l.TestDir(testName, attemptID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create test dir %s: %w", dir, err)
	}
	return dir, nil
}

// LinkLatest atomically (re)points latest/<name> at the given attempt
// dir. Last writer wins; the rename guarantees the link always resolves
// to *some* attempt directory, never a half-written one.
func (l Layout) LinkLatest(testName, attemptDir string) error {
	link := l.LatestLink(testName)
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return fmt.Errorf("create latest dir: %w", err)
	}

	rel, err := filepath.Rel(filepath.Dir(link), attemptDir)
	if err != nil {
		rel = attemptDir
	}

	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(rel, tmp); err != nil {
		return fmt.Errorf("symlink latest: %w", err)
	}
	if err := os.Rename(tmp, link); err != nil {
		return fmt.Errorf("publish latest: %w", err)
	}
	return nil
}

// WriteResultFiles writes the status, retcode, and duration files into
// dir. A recording later reads back status and duration, together with
// the retries file WriteRetries writes.
func WriteResultFiles(dir string, result TestResult) error {
	retcode := ""
	if result.Retcode != nil {
		retcode = fmt.Sprintf("%d", *result.Retcode)
	}

	files := map[string]string{
		"status":   string(result.Status),
		"retcode":  retcode,
		"duration": fmt.Sprintf("%.6f", result.Duration.Seconds()),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// WriteRetries writes the retries count file used by recordings.
func WriteRetries(dir string, retries int) error {
	return os.WriteFile(filepath.Join(dir, "retries"), []byte(fmt.Sprintf("%d", retries)), 0o644)
}
