package instance

import "time"

// ExitAction tells the Monitor what, if anything, to do right after an
// exit has been classified. It exists so the pure decision logic here
// stays separate from the side-effecting Spawn/Signal calls the Monitor
// makes.
type ExitAction int

const (
	// ActionBackoff: the process died before its starttime deadline with
	// an exit the policy does not treat as a clean finish.
	// retries_remaining has already been decremented; whether it becomes
	// a FATAL or waits for the next tick's respawn is decided by
	// BackoffTick, not here.
	ActionBackoff ExitAction = iota
	// ActionRespawn: a RUNNING instance exited and autorestart says to
	// bring it back up now.
	ActionRespawn
	// ActionExited: a RUNNING instance exited and autorestart says leave
	// it down, or a STARTING instance exited (not by a signal) with a code
	// listed in exitcodes under a policy other than autorestart: always.
	// No retry is consumed.
	ActionExited
	// ActionStopped: a STOPPING instance's process is gone, gracefully or
	// via SIGKILL escalation. Never triggers a restart.
	ActionStopped
)

// ClassifyExit turns a freshly-reaped exit into the next state and the
// action the Monitor should take. The caller must hold the Job Manager
// lock and must have obtained report via TryReap on this tick.
// ClassifyExit always clears the process handle (closing log files,
// nulling pid) before returning.
func (i *Instance) ClassifyExit(report exitReport) ExitAction {
	i.LastExitCode = report.exitCode

	switch i.State {
	case Starting:
		i.ClearProcess()
		if !report.signaled && i.Program.ExitCodes[report.exitCode] && i.Program.AutoRestart != "always" {
			i.State = Exited
			i.Logger.Info("exited with an expected code before starttime deadline", "exit_code", report.exitCode)
			return ActionExited
		}
		if i.RetriesRemaining > 0 {
			i.RetriesRemaining--
		}
		i.State = Backoff
		i.Logger.Warn("start attempt failed before starttime deadline", "exit_code", report.exitCode, "retries_remaining", i.RetriesRemaining)
		return ActionBackoff

	case Running:
		restart := i.shouldAutoRestart(report)
		i.ClearProcess()
		if restart {
			i.RetriesRemaining = i.Program.StartRetries
			i.State = Starting
			i.Logger.Info("restarting after exit", "exit_code", report.exitCode, "signaled", report.signaled)
			return ActionRespawn
		}
		i.State = Exited
		i.Logger.Info("exited, no restart scheduled", "exit_code", report.exitCode)
		return ActionExited

	case Stopping:
		i.ClearProcess()
		i.State = Stopped
		i.Logger.Info("stopped", "exit_code", report.exitCode)
		return ActionStopped

	default:
		i.ClearProcess()
		i.State = Stopped
		return ActionStopped
	}
}

// shouldAutoRestart applies the program's autorestart policy to a
// reaped exit. A signal-induced death is always treated as unexpected
// under autorestart: unexpected, regardless of whether the signal number
// happens to appear in exitcodes.
func (i *Instance) shouldAutoRestart(report exitReport) bool {
	switch i.Program.AutoRestart {
	case "always":
		return true
	case "unexpected":
		if report.signaled {
			return true
		}
		return !i.Program.ExitCodes[report.exitCode]
	default: // "never"
		return false
	}
}

// CheckStartupComplete promotes a STARTING instance to RUNNING once its
// process is still alive (it was not reaped this tick) and its
// successful-start deadline has passed.
func (i *Instance) CheckStartupComplete(now time.Time) bool {
	if i.State != Starting {
		return false
	}
	if now.Before(i.SuccessfulStartDeadline()) {
		return false
	}
	i.State = Running
	i.Logger.Info("successful start", "pid", i.Pid)
	return true
}

// NeedsStopEscalation reports whether a STOPPING instance has passed its
// stop deadline and must be sent SIGKILL, exactly once per generation.
func (i *Instance) NeedsStopEscalation(now time.Time) bool {
	if i.State != Stopping || i.killSent {
		return false
	}
	if now.Before(i.StopDeadline) {
		return false
	}
	return true
}

// MarkKillSent records that SIGKILL has been sent for the current
// STOPPING generation, so NeedsStopEscalation does not resend it every
// tick.
func (i *Instance) MarkKillSent() {
	i.killSent = true
}

// BackoffTick advances a BACKOFF instance: another spawn attempt if
// retries remain, otherwise FATAL. It returns true when the caller
// should spawn, having already reserved the attempt via MarkSpawning so
// no concurrent start command races it. The caller must hold the Job
// Manager lock for the whole call.
func (i *Instance) BackoffTick() (shouldSpawn bool) {
	if i.State != Backoff {
		return false
	}
	if i.RetriesRemaining > 0 {
		i.MarkSpawning()
		return true
	}
	i.State = Fatal
	i.Logger.Error("start retries exhausted", "last_exit_code", i.LastExitCode)
	return false
}

// RequestStop moves a live Instance into STOPPING and records its stop
// deadline. The caller is responsible for actually sending the stop
// signal.
func (i *Instance) RequestStop(now time.Time) {
	i.State = Stopping
	i.StopDeadline = now.Add(time.Duration(i.Program.StopTime * float64(time.Second)))
	i.killSent = false
}

// MarkStoppedImmediately handles a non-live Instance being stopped: there
// is nothing to signal, so it is already effectively STOPPED.
func (i *Instance) MarkStoppedImmediately() {
	i.ClearProcess()
	i.State = Stopped
}

// MarkFatalSpawnFailure transitions an Instance directly to FATAL without
// consuming a retry. CommitFailure calls it after a failed PrepareSpawn,
// which is how Spawn, the Job Manager and the Process Monitor all reach
// FATAL on a spawn error.
func (i *Instance) MarkFatalSpawnFailure() {
	i.ClearProcess()
	i.State = Fatal
}
