package supervisor

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shortLivedProgram(t *testing.T, argv []string, numProcs int) *config.Program {
	t.Helper()
	dir := t.TempDir()
	return &config.Program{
		Name:         "demo",
		Argv:         argv,
		NumProcs:     numProcs,
		AutoStart:    true,
		AutoRestart:  config.AutoRestartUnexpected,
		ExitCodes:    map[int]bool{0: true},
		StartRetries: 3,
		StartTime:    1,
		StopTime:     2,
		StdoutPath:   filepath.Join(dir, "out.log"),
		StderrPath:   filepath.Join(dir, "err.log"),
	}
}

func TestStartThenAlreadyRunning(t *testing.T) {
	requireUnix(t)
	prog := shortLivedProgram(t, []string{"/bin/sleep", "5"}, 1)
	mgr := NewManager([]*config.Program{prog}, testLogger())

	outcomes, err := mgr.Start("demo")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Result != ResultStarted {
		t.Fatalf("outcomes = %+v, want one ResultStarted", outcomes)
	}

	outcomes, err = mgr.Start("demo")
	if err != nil {
		t.Fatalf("Start (second): %v", err)
	}
	if outcomes[0].Result != ResultAlreadyRunning {
		t.Errorf("second Start result = %q, want already-running", outcomes[0].Result)
	}

	mgr.Shutdown(2 * time.Second)
}

func TestStopOnNonRunningIsAlreadyStopped(t *testing.T) {
	prog := shortLivedProgram(t, []string{"/bin/true"}, 1)
	mgr := NewManager([]*config.Program{prog}, testLogger())

	outcomes, err := mgr.Stop("demo")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Result != ResultAlreadyStopped {
		t.Fatalf("outcomes = %+v, want one already-stopped", outcomes)
	}
}

func TestStartUnknownProgramErrors(t *testing.T) {
	mgr := NewManager(nil, testLogger())
	if _, err := mgr.Start("nope"); err == nil {
		t.Fatal("expected error for unknown program")
	}
}

func TestResolveTargetsByIndex(t *testing.T) {
	prog := shortLivedProgram(t, []string{"/bin/true"}, 3)
	mgr := NewManager([]*config.Program{prog}, testLogger())

	outcomes, err := mgr.Stop("demo:1")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Instance != "demo:1" {
		t.Fatalf("outcomes = %+v, want exactly demo:1", outcomes)
	}
}

func TestFullLifecycleWithMonitor(t *testing.T) {
	requireUnix(t)
	prog := shortLivedProgram(t, []string{"/bin/sleep", "30"}, 2)
	mgr := NewManager([]*config.Program{prog}, testLogger())
	mon := NewMonitor(mgr, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	mgr.AutostartAll()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snaps := mgr.Status()
		allRunning := len(snaps) == 2
		for _, s := range snaps {
			if s.State != "RUNNING" {
				allRunning = false
			}
		}
		if allRunning {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	snaps := mgr.Status()
	for _, s := range snaps {
		if string(s.State) != "RUNNING" {
			t.Errorf("instance %s state = %s, want RUNNING", s.Name, s.State)
		}
		if s.Pid == 0 {
			t.Errorf("instance %s has no pid", s.Name)
		}
	}

	mgr.Shutdown(3 * time.Second)
	for _, s := range mgr.Status() {
		if string(s.State) != "STOPPED" {
			t.Errorf("instance %s state after shutdown = %s, want STOPPED", s.Name, s.State)
		}
	}
}
