// Package instance defines a single managed child: its identity, its
// mutable lifecycle fields, its state machine, and the spawn/reap/signal
// mechanics (spawn.go) for its OS process. Nothing in this package holds
// the Job Manager's lock — the supervisor package calls into it and
// mutates Instance fields under its own lock.
package instance

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/taskmaster-sh/taskmaster/internal/config"
)

// State is one of the seven lifecycle states a managed child can be in.
type State string

const (
	Stopped  State = "STOPPED"
	Starting State = "STARTING"
	Running  State = "RUNNING"
	Stopping State = "STOPPING"
	Backoff  State = "BACKOFF"
	Exited   State = "EXITED"
	Fatal    State = "FATAL"
)

// Live reports whether a process is expected to be live in this state.
// This must coincide exactly with pid > 0 and with open log handles.
func (s State) Live() bool {
	return s == Starting || s == Running || s == Stopping
}

// Instance is one concrete child, identified by (program name, index).
// All fields below are mutated only while the owning Job Manager holds its
// lock; see internal/supervisor.
type Instance struct {
	Program *config.Program
	Index   int

	State State

	Cmd        *exec.Cmd
	Pid        int
	StdoutFile *os.File
	StderrFile *os.File
	exitC      chan exitReport

	// spawning is true from the moment a spawn attempt is reserved until
	// PrepareSpawn's result (or failure) is committed. It lets the Job
	// Manager and Process Monitor drop their lock across the actual
	// fork/exec while still keeping every other caller from starting a
	// second spawn attempt against the same Instance in the meantime.
	spawning bool

	StartTime    time.Time
	StopDeadline time.Time
	killSent     bool

	RetriesRemaining int
	LastExitCode     int

	Logger *slog.Logger
}

// New constructs an Instance in the STOPPED state. retriesRemaining is
// primed to program.StartRetries so that status() is meaningful before the
// first start.
func New(program *config.Program, index int, logger *slog.Logger) *Instance {
	return &Instance{
		Program:          program,
		Index:            index,
		State:            Stopped,
		RetriesRemaining: program.StartRetries,
		Logger:           logger.With("instance", FullName(program.Name, index)),
	}
}

// FullName renders the (name, index) identity as "name:index".
func FullName(programName string, index int) string {
	return fmt.Sprintf("%s:%d", programName, index)
}

// Name returns this Instance's "name:index" identity.
func (i *Instance) Name() string {
	return FullName(i.Program.Name, i.Index)
}

// Spawning reports whether a spawn attempt has been reserved for this
// Instance but not yet committed. Callers must hold the Job Manager
// lock.
func (i *Instance) Spawning() bool {
	return i.spawning
}

// MarkSpawning reserves this Instance for an in-flight spawn attempt.
// Callers must hold the Job Manager lock.
func (i *Instance) MarkSpawning() {
	i.spawning = true
}

// ClearSpawning releases the reservation made by MarkSpawning, once
// PrepareSpawn's result has been committed or its failure handled.
// Callers must hold the Job Manager lock.
func (i *Instance) ClearSpawning() {
	i.spawning = false
}

// Uptime returns now - StartTime when RUNNING, else zero.
func (i *Instance) Uptime(now time.Time) time.Duration {
	if i.State != Running {
		return 0
	}
	return now.Sub(i.StartTime)
}

// SuccessfulStartDeadline is StartTime + starttime.
func (i *Instance) SuccessfulStartDeadline() time.Time {
	return i.StartTime.Add(durationSeconds(i.Program.StartTime))
}

func durationSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// CloseLogFiles releases the Instance's redirected log handles, if open.
// Called under the Job Manager lock on every transition out of a live
// state.
func (i *Instance) CloseLogFiles() {
	if i.StdoutFile != nil {
		_ = i.StdoutFile.Close()
		i.StdoutFile = nil
	}
	if i.StderrFile != nil && i.StderrFile != i.StdoutFile {
		_ = i.StderrFile.Close()
		i.StderrFile = nil
	}
}

// Snapshot is the read-only view the status command and the HTTP status
// endpoint return for one Instance.
type Snapshot struct {
	Name             string `json:"name"`
	Program          string `json:"program"`
	Index            int    `json:"index"`
	State            State  `json:"state"`
	Pid              int    `json:"pid"`
	Uptime           int64  `json:"uptime"`
	LastExitCode     int    `json:"last_exit_code"`
	RetriesRemaining int    `json:"retries_remaining"`
}

// Snapshot renders the current fields into the read-only view. Callers
// must hold the Job Manager lock.
func (i *Instance) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		Name:             i.Name(),
		Program:          i.Program.Name,
		Index:            i.Index,
		State:            i.State,
		Pid:              i.Pid,
		Uptime:           int64(i.Uptime(now).Seconds()),
		LastExitCode:     i.LastExitCode,
		RetriesRemaining: i.RetriesRemaining,
	}
}
