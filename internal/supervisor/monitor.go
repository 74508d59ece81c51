package supervisor

import (
	"context"
	"time"

	"github.com/taskmaster-sh/taskmaster/internal/instance"
	"github.com/taskmaster-sh/taskmaster/internal/metrics"
)

// DefaultTickInterval is the Monitor's poll cadence.
const DefaultTickInterval = 300 * time.Millisecond

// Monitor is the Process Monitor: a single long-lived worker that
// reconciles OS process state with declared policy on a fixed cadence.
type Monitor struct {
	manager  *Manager
	interval time.Duration
}

// NewMonitor builds a Monitor for manager, ticking every interval.
func NewMonitor(manager *Manager, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Monitor{manager: manager, interval: interval}
}

// Run drives the Monitor loop until ctx is cancelled; the caller
// cancels ctx once the Manager's shutdown has completed or timed out.
func (mon *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(mon.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			mon.tick(now)
		}
	}
}

// tick performs one pass over every Instance. Each Instance's own lock
// acquisitions (inside step) cover only its registry bookkeeping and
// state transitions; the reconciliation actions those transitions call
// for — a respawn, a SIGKILL escalation — run with the lock released, so
// one slow spawn or signal delivery never blocks status(), any other
// Instance's tick, or a concurrent shell/HTTP command.
func (mon *Monitor) tick(now time.Time) {
	m := mon.manager
	for _, name := range m.ProgramNames() {
		for _, inst := range m.instancesSnapshot(name) {
			mon.step(inst, now)
		}
	}
	m.withLock(func() {
		metrics.SyncStateCounts(countStates(m))
	})
}

// step reconciles one Instance. Reaping and classifying an exit, and
// deciding whether a respawn or kill escalation is due, all run under
// the Job Manager lock — they are non-blocking. The respawn and the kill
// signal themselves are carried out after the lock is released.
func (mon *Monitor) step(inst *instance.Instance, now time.Time) {
	m := mon.manager

	var (
		state     instance.State
		reaped    bool
		action    instance.ExitAction
		needsKill bool
		killPid   int
		respawn   bool
	)

	m.withLock(func() {
		if inst.Spawning() {
			return
		}
		state = inst.State
		switch state {
		case instance.Starting, instance.Running, instance.Stopping:
			if report, ok := inst.TryReap(); ok {
				action = inst.ClassifyExit(report)
				if action == instance.ActionRespawn {
					inst.MarkSpawning()
				}
				reaped = true
				return
			}
			switch state {
			case instance.Starting:
				inst.CheckStartupComplete(now)
			case instance.Stopping:
				if inst.NeedsStopEscalation(now) {
					killPid = inst.Pid
					needsKill = true
					inst.MarkKillSent()
				}
			}
		case instance.Backoff:
			respawn = inst.BackoffTick()
		case instance.Stopped, instance.Exited, instance.Fatal:
			// Nothing to reconcile.
		}
	})

	switch {
	case reaped:
		if action == instance.ActionRespawn {
			mon.spawn(inst)
		}
	case needsKill:
		_ = instance.KillPid(killPid)
	case respawn:
		mon.spawn(inst)
	}
}

// spawn performs PrepareSpawn's fork/exec with the Job Manager lock
// released, then reacquires it only to install the result. inst must
// already be reserved (Instance.Spawning true) by the caller.
func (mon *Monitor) spawn(inst *instance.Instance) {
	result, err := inst.PrepareSpawn()

	mon.manager.withLock(func() {
		inst.ClearSpawning()
		if err != nil {
			inst.CommitFailure(err)
			metrics.IncSpawnFailure(inst.Program.Name)
			return
		}
		inst.Commit(time.Now(), result)
	})
}

func countStates(m *Manager) map[instance.State]int {
	counts := make(map[instance.State]int, 7)
	for _, name := range m.order {
		for _, inst := range m.instances[name] {
			counts[inst.State]++
		}
	}
	return counts
}
