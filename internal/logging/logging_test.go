package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewCreatesLogFileAndParentDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "taskmaster.log")

	logger, closer, err := New(DefaultOptions(path))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()

	logger.Info("hello")

	if _, err := os.Stat(path); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}

func TestDefaultOptionsSetsRotationThresholds(t *testing.T) {
	opts := DefaultOptions("x.log")
	if opts.MaxSizeMB != 10 || opts.MaxBackups != 5 || opts.MaxAgeDays != 28 {
		t.Errorf("DefaultOptions = %+v, unexpected thresholds", opts)
	}
}
