package instance

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/taskmaster-sh/taskmaster/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProgram() *config.Program {
	return &config.Program{
		Name:         "demo",
		Argv:         []string{"/bin/true"},
		NumProcs:     1,
		AutoRestart:  config.AutoRestartUnexpected,
		ExitCodes:    map[int]bool{0: true},
		StartRetries: 3,
		StartTime:    1,
		StopTime:     5,
	}
}

func TestNewStartsStopped(t *testing.T) {
	prog := testProgram()
	i := New(prog, 0, testLogger())
	if i.State != Stopped {
		t.Errorf("State = %s, want STOPPED", i.State)
	}
	if i.RetriesRemaining != prog.StartRetries {
		t.Errorf("RetriesRemaining = %d, want %d", i.RetriesRemaining, prog.StartRetries)
	}
	if got, want := i.Name(), "demo:0"; got != want {
		t.Errorf("Name() = %q, want %q", got, want)
	}
}

func TestLiveMatchesRunningStates(t *testing.T) {
	live := map[State]bool{
		Stopped: false, Starting: true, Running: true,
		Stopping: true, Backoff: false, Exited: false, Fatal: false,
	}
	for state, want := range live {
		if got := state.Live(); got != want {
			t.Errorf("State(%s).Live() = %v, want %v", state, got, want)
		}
	}
}

func TestUptimeZeroUnlessRunning(t *testing.T) {
	i := New(testProgram(), 0, testLogger())
	now := time.Now()
	i.StartTime = now.Add(-5 * time.Second)

	i.State = Starting
	if got := i.Uptime(now); got != 0 {
		t.Errorf("Uptime while STARTING = %v, want 0", got)
	}

	i.State = Running
	if got := i.Uptime(now); got < 4*time.Second || got > 6*time.Second {
		t.Errorf("Uptime while RUNNING = %v, want ~5s", got)
	}
}

func TestSuccessfulStartDeadline(t *testing.T) {
	i := New(testProgram(), 0, testLogger())
	start := time.Now()
	i.StartTime = start
	want := start.Add(time.Second)
	if got := i.SuccessfulStartDeadline(); !got.Equal(want) {
		t.Errorf("SuccessfulStartDeadline() = %v, want %v", got, want)
	}
}

func TestSnapshotReflectsState(t *testing.T) {
	i := New(testProgram(), 2, testLogger())
	i.State = Running
	i.Pid = 4242
	i.LastExitCode = 7
	i.RetriesRemaining = 1
	i.StartTime = time.Now().Add(-3 * time.Second)

	snap := i.Snapshot(time.Now())
	if snap.Name != "demo:2" {
		t.Errorf("Snapshot.Name = %q, want demo:2", snap.Name)
	}
	if snap.Pid != 4242 {
		t.Errorf("Snapshot.Pid = %d, want 4242", snap.Pid)
	}
	if snap.State != Running {
		t.Errorf("Snapshot.State = %s, want RUNNING", snap.State)
	}
	if snap.Uptime < 2 || snap.Uptime > 4 {
		t.Errorf("Snapshot.Uptime = %d, want ~3", snap.Uptime)
	}
}
