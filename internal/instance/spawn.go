package instance

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// exitReport is what the per-instance reaper goroutine hands back once
// exec.Cmd.Wait returns. It is never sent more than once per spawn
// generation.
type exitReport struct {
	exitCode int
	signaled bool
	signal   syscall.Signal
}

// SpawnResult is the product of a successful PrepareSpawn: a started OS
// process and its opened log handles, not yet installed into any
// Instance field. Building one touches no Instance field, so
// PrepareSpawn can run with the Job Manager lock released.
type SpawnResult struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File
}

// PrepareSpawn opens fresh handles on the redirected log files, sets working
// directory, environment and process-group placement, and starts the
// child. It reads only Program, which is immutable once loaded, and
// writes no Instance field, so it is safe to call without the Job
// Manager lock held — this is the fork/exec and file-open work that must
// not happen while the lock is held. The caller installs a successful
// result with Commit, or reacts to failure with CommitFailure; both of
// those do require the lock.
func (i *Instance) PrepareSpawn() (*SpawnResult, error) {
	prog := i.Program

	stdout, stderr, err := i.openLogFiles()
	if err != nil {
		return nil, fmt.Errorf("opening log files: %w", err)
	}

	cmd := exec.Command(prog.Argv[0], prog.Argv[1:]...)
	cmd.Dir = prog.WorkingDir
	cmd.Env = mergeEnv(os.Environ(), prog.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		if stderr != stdout {
			stderr.Close()
		}
		return nil, err
	}

	return &SpawnResult{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

// Commit installs a successful PrepareSpawn result and transitions the
// Instance to STARTING. The caller must hold the Job Manager lock.
func (i *Instance) Commit(now time.Time, r *SpawnResult) {
	i.Cmd = r.cmd
	i.Pid = r.cmd.Process.Pid
	i.StdoutFile = r.stdout
	i.StderrFile = r.stderr
	i.StartTime = now
	i.State = Starting
	i.exitC = make(chan exitReport, 1)

	exitC := i.exitC
	cmd := r.cmd
	go func() {
		err := cmd.Wait()
		report := exitReport{}
		if err == nil {
			report.exitCode = cmd.ProcessState.ExitCode()
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				report.signaled = true
				report.signal = ws.Signal()
				report.exitCode = -int(ws.Signal())
			} else {
				report.exitCode = exitErr.ExitCode()
			}
		} else {
			report.exitCode = -1
		}
		exitC <- report
	}()

	i.Logger.Info("spawned", "pid", i.Pid)
}

// CommitFailure reacts to a failed PrepareSpawn attempt, leaving the
// Instance in FATAL without consuming a retry. The caller must hold the
// Job Manager lock.
func (i *Instance) CommitFailure(err error) {
	i.MarkFatalSpawnFailure()
	i.Logger.Error("spawn failed", "err", err)
}

// Spawn is PrepareSpawn immediately followed by Commit or CommitFailure.
// It exists for callers with no concurrent Monitor to race against
// (tests, mainly) that have no reason to split fork/exec from the field
// update that follows it; Job Manager and Process Monitor code call
// PrepareSpawn/Commit/CommitFailure directly so the lock can be dropped
// across the fork/exec itself.
func (i *Instance) Spawn(now time.Time) error {
	result, err := i.PrepareSpawn()
	if err != nil {
		i.CommitFailure(err)
		return err
	}
	i.Commit(now, result)
	return nil
}

func (i *Instance) openLogFiles() (*os.File, *os.File, error) {
	var mode os.FileMode = 0o644
	if i.Program.Umask != nil {
		mode = 0o666 &^ os.FileMode(*i.Program.Umask)
	}
	open := func(path string) (*os.File, error) {
		if path == "" {
			return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		}
		return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, mode)
	}
	stdout, err := open(i.Program.StdoutPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening stdout: %w", err)
	}
	stderr, err := open(i.Program.StderrPath)
	if err != nil {
		stdout.Close()
		return nil, nil, fmt.Errorf("opening stderr: %w", err)
	}
	return stdout, stderr, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		key := kv
		if idx := indexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if v, ok := overrides[key]; ok {
			out = append(out, key+"="+v)
			seen[key] = true
		} else {
			out = append(out, kv)
		}
	}
	for k, v := range overrides {
		if !seen[k] {
			out = append(out, k+"="+v)
		}
	}
	return out
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// TryReap performs a non-blocking check for the child's exit. It returns
// ok=false if the process has not exited. The caller must hold the Job
// Manager lock; this call never blocks.
func (i *Instance) TryReap() (report exitReport, ok bool) {
	if i.exitC == nil {
		return exitReport{}, false
	}
	select {
	case r := <-i.exitC:
		return r, true
	default:
		return exitReport{}, false
	}
}

// Signal sends sig to the child's process group (negative pid), so every
// process the child forked receives it too. An already-gone process
// (ESRCH) is treated as success. It reads i.Pid without locking, so
// callers with a concurrent Monitor should prefer SignalPid against a
// pid captured under the lock instead.
func (i *Instance) Signal(sig syscall.Signal) error {
	return SignalPid(i.Pid, sig)
}

// Kill escalates to SIGKILL on the process group.
func (i *Instance) Kill() error {
	return i.Signal(syscall.SIGKILL)
}

// SignalPid sends sig to the process group rooted at pid (negative pid),
// treating an already-gone process (ESRCH) as success. It touches no
// Instance field, so it is safe to call with the Job Manager lock
// released — the pid should be read from the Instance while the lock was
// still held, then passed here after it is dropped.
func SignalPid(pid int, sig syscall.Signal) error {
	if pid == 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}

// KillPid escalates to SIGKILL against the process group rooted at pid.
func KillPid(pid int) error {
	return SignalPid(pid, syscall.SIGKILL)
}

// ClearProcess releases process-handle bookkeeping once an Instance has
// been fully reaped, closing log files and nulling the pid before any new
// spawn.
func (i *Instance) ClearProcess() {
	i.CloseLogFiles()
	i.Pid = 0
	i.Cmd = nil
	i.exitC = nil
}
