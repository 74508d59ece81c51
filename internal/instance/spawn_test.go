package instance

import (
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/taskmaster-sh/taskmaster/internal/config"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

func spawnableProgram(t *testing.T, argv []string) *config.Program {
	t.Helper()
	dir := t.TempDir()
	return &config.Program{
		Name:       "spawntest",
		Argv:       argv,
		NumProcs:   1,
		StartTime:  1,
		StopTime:   5,
		StdoutPath: filepath.Join(dir, "out.log"),
		StderrPath: filepath.Join(dir, "err.log"),
	}
}

func TestSpawnStartsProcessAndReapsExit(t *testing.T) {
	requireUnix(t)
	prog := spawnableProgram(t, []string{"/bin/sh", "-c", "exit 0"})
	i := New(prog, 0, testLogger())

	if err := i.Spawn(time.Now()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if i.State != Starting {
		t.Errorf("State = %s, want STARTING", i.State)
	}
	if i.Pid == 0 {
		t.Error("Pid not set after Spawn")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := i.TryReap(); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("process never reaped")
}

func TestSpawnFailureGoesFatal(t *testing.T) {
	prog := spawnableProgram(t, []string{"/no/such/binary"})
	i := New(prog, 0, testLogger())

	if err := i.Spawn(time.Now()); err == nil {
		t.Fatal("expected error spawning nonexistent binary")
	}
	if i.State != Fatal {
		t.Errorf("State = %s, want FATAL", i.State)
	}
}

func TestSignalToAlreadyGoneProcessIsSuccess(t *testing.T) {
	requireUnix(t)
	prog := spawnableProgram(t, []string{"/bin/sh", "-c", "exit 0"})
	i := New(prog, 0, testLogger())
	if err := i.Spawn(time.Now()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := i.TryReap(); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := i.Signal(syscall.SIGTERM); err != nil {
		t.Errorf("Signal to a gone process returned %v, want nil", err)
	}
}

func TestMergeEnvPerProgramWins(t *testing.T) {
	base := []string{"PATH=/usr/bin", "FOO=base"}
	merged := mergeEnv(base, map[string]string{"FOO": "override", "EXTRA": "1"})

	values := make(map[string]string, len(merged))
	for _, kv := range merged {
		idx := indexByte(kv, '=')
		values[kv[:idx]] = kv[idx+1:]
	}
	if values["FOO"] != "override" {
		t.Errorf("FOO = %q, want override", values["FOO"])
	}
	if values["PATH"] != "/usr/bin" {
		t.Errorf("PATH = %q, want /usr/bin", values["PATH"])
	}
	if values["EXTRA"] != "1" {
		t.Errorf("EXTRA = %q, want 1", values["EXTRA"])
	}
}

func TestOpenLogFilesCreatesAppendable(t *testing.T) {
	requireUnix(t)
	prog := spawnableProgram(t, []string{"/bin/true"})
	i := New(prog, 0, testLogger())

	stdout, stderr, err := i.openLogFiles()
	if err != nil {
		t.Fatalf("openLogFiles: %v", err)
	}
	defer stdout.Close()
	defer stderr.Close()

	if _, err := os.Stat(prog.StdoutPath); err != nil {
		t.Errorf("stdout log not created: %v", err)
	}
	if _, err := os.Stat(prog.StderrPath); err != nil {
		t.Errorf("stderr log not created: %v", err)
	}
}
