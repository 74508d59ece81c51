// Package supervisor implements the Job Manager and Process Monitor. The
// Manager owns the Instance registry and its single lock; the Monitor
// (monitor.go) is the only other code that mutates Instance state. Both
// hold that lock only for registry bookkeeping and state transitions —
// never across a spawn, a signal, or a file open. An Instance reserved
// for a spawn attempt (Instance.Spawning) is pinned against concurrent
// access by that reservation alone, not by the lock, while the fork/exec
// runs.
package supervisor

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taskmaster-sh/taskmaster/internal/config"
	"github.com/taskmaster-sh/taskmaster/internal/instance"
	"github.com/taskmaster-sh/taskmaster/internal/metrics"
)

// Outcome is the per-instance result of a start/stop/restart command.
type Outcome struct {
	Instance string `json:"instance"`
	Result   string `json:"result"`
}

const (
	ResultStarted          = "started"
	ResultAlreadyRunning   = "already-running"
	ResultFatalUnreachable = "fatal-unreachable"
	ResultBusy             = "busy"
	ResultStopping         = "stopping"
	ResultAlreadyStopped   = "already-stopped"
	ResultRestarted        = "restarted"
)

// Manager is the Job Manager: a registry of Instances keyed by program
// name, guarded by a single mutex.
type Manager struct {
	mu sync.Mutex

	order     []string
	programs  map[string]*config.Program
	instances map[string][]*instance.Instance

	logger       *slog.Logger
	shuttingDown bool
}

// NewManager builds the Instance registry for every declared program, one
// Instance per numprocs index, all initially STOPPED. Instances are
// created here, at Job Manager initialization, not lazily on first
// start.
func NewManager(programs []*config.Program, logger *slog.Logger) *Manager {
	m := &Manager{
		programs:  make(map[string]*config.Program, len(programs)),
		instances: make(map[string][]*instance.Instance, len(programs)),
		logger:    logger,
	}
	for _, p := range programs {
		m.order = append(m.order, p.Name)
		m.programs[p.Name] = p
		list := make([]*instance.Instance, p.NumProcs)
		for i := 0; i < p.NumProcs; i++ {
			list[i] = instance.New(p, i, logger)
		}
		m.instances[p.Name] = list
	}
	sort.Strings(m.order)
	return m
}

// ProgramNames returns the configured program names in a stable order.
func (m *Manager) ProgramNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// AutostartAll issues start for every Program flagged autostart.
func (m *Manager) AutostartAll() {
	for _, name := range m.ProgramNames() {
		m.mu.Lock()
		prog := m.programs[name]
		m.mu.Unlock()
		if prog.AutoStart {
			if _, err := m.Start(name); err != nil {
				m.logger.Error("autostart failed", "program", name, "err", err)
			}
		}
	}
}

// resolveTargets parses "name" or "name:index" and returns the matching
// Instances. The caller must hold m.mu.
func (m *Manager) resolveTargets(target string) ([]*instance.Instance, error) {
	if target == "" {
		return nil, fmt.Errorf("empty target")
	}
	if name, idxStr, ok := strings.Cut(target, ":"); ok {
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			return nil, fmt.Errorf("invalid instance index %q", idxStr)
		}
		list, exists := m.instances[name]
		if !exists {
			return nil, fmt.Errorf("unknown program %q", name)
		}
		if idx < 0 || idx >= len(list) {
			return nil, fmt.Errorf("unknown instance %q", target)
		}
		return []*instance.Instance{list[idx]}, nil
	}
	list, exists := m.instances[target]
	if !exists {
		return nil, fmt.Errorf("unknown program %q", target)
	}
	out := make([]*instance.Instance, len(list))
	copy(out, list)
	return out, nil
}

// Start starts every Instance matched by target, which is either a
// program name (all indices) or "name:index". The actual spawn for each
// Instance runs with m.mu released; see startOne.
func (m *Manager) Start(target string) ([]Outcome, error) {
	m.mu.Lock()
	targets, err := m.resolveTargets(target)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(targets))
	for _, inst := range targets {
		outcomes = append(outcomes, m.startOne(inst))
	}
	return outcomes, nil
}

// startOne starts a single Instance. It reserves the attempt under m.mu,
// then drops the lock for the actual fork/exec (PrepareSpawn opens log
// files and calls cmd.Start), then reacquires the lock only to install
// the result.
func (m *Manager) startOne(inst *instance.Instance) Outcome {
	m.mu.Lock()
	ready, outcome := m.reserveStart(inst)
	m.mu.Unlock()
	if !ready {
		return outcome
	}

	result, err := inst.PrepareSpawn()

	m.mu.Lock()
	defer m.mu.Unlock()
	inst.ClearSpawning()
	if err != nil {
		inst.CommitFailure(err)
		metrics.IncSpawnFailure(inst.Program.Name)
		return Outcome{inst.Name(), ResultFatalUnreachable}
	}
	inst.Commit(time.Now(), result)
	metrics.IncStart(inst.Program.Name)
	return Outcome{inst.Name(), ResultStarted}
}

// reserveStart decides whether inst may begin a new spawn attempt and,
// if so, marks it spawning so a concurrent start command or backoff
// retry sees the reservation instead of racing a second spawn against
// the same Instance. m.mu must be held for the whole call.
func (m *Manager) reserveStart(inst *instance.Instance) (ready bool, outcome Outcome) {
	switch {
	case inst.State == instance.Stopping:
		return false, Outcome{inst.Name(), ResultBusy}
	case inst.State == instance.Running || inst.State == instance.Starting || inst.Spawning():
		return false, Outcome{inst.Name(), ResultAlreadyRunning}
	default:
		inst.RetriesRemaining = inst.Program.StartRetries
		inst.MarkSpawning()
		return true, Outcome{}
	}
}

// Stop sends the stop signal to every Instance matched by target. It
// returns immediately after the signal is sent; completion is observed
// via Status.
func (m *Manager) Stop(target string) ([]Outcome, error) {
	m.mu.Lock()
	targets, err := m.resolveTargets(target)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(targets))
	for _, inst := range targets {
		outcomes = append(outcomes, m.stopOne(inst))
	}
	return outcomes, nil
}

// stopOne stops a single Instance. BACKOFF is treated as non-live, so
// stopping a BACKOFF instance is a no-op rather than a transition into
// STOPPING; see DESIGN.md. The stop signal itself is sent with m.mu
// released, against a pid read while the lock was still held.
func (m *Manager) stopOne(inst *instance.Instance) Outcome {
	m.mu.Lock()
	if inst.State == instance.Stopping {
		m.mu.Unlock()
		return Outcome{inst.Name(), ResultStopping}
	}
	if !inst.State.Live() {
		inst.MarkStoppedImmediately()
		m.mu.Unlock()
		return Outcome{inst.Name(), ResultAlreadyStopped}
	}
	inst.RequestStop(time.Now())
	pid := inst.Pid
	sig := inst.Program.StopSignal
	m.mu.Unlock()

	_ = instance.SignalPid(pid, sig)
	metrics.IncStop(inst.Program.Name)
	return Outcome{inst.Name(), ResultStopping}
}

// Restart stops every Instance matched by target, waits for each to
// reach STOPPED, then starts it again. The call returns once start has
// been issued for every matched Instance.
func (m *Manager) Restart(target string) ([]Outcome, error) {
	m.mu.Lock()
	targets, err := m.resolveTargets(target)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(targets))
	for _, inst := range targets {
		outcomes = append(outcomes, m.restartOne(inst))
	}
	return outcomes, nil
}

func (m *Manager) restartOne(inst *instance.Instance) Outcome {
	m.mu.Lock()
	needsWait := inst.State.Live()
	doSignal := needsWait && inst.State != instance.Stopping
	var pid int
	sig := inst.Program.StopSignal
	if doSignal {
		inst.RequestStop(time.Now())
		pid = inst.Pid
	}
	m.mu.Unlock()

	if doSignal {
		_ = instance.SignalPid(pid, sig)
		metrics.IncStop(inst.Program.Name)
	}

	for needsWait {
		m.mu.Lock()
		state := inst.State
		m.mu.Unlock()
		if state == instance.Stopped || state == instance.Fatal {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	outcome := m.startOne(inst)
	if outcome.Result == ResultStarted {
		outcome.Result = ResultRestarted
	}
	return outcome
}

// Status returns a snapshot for every Instance, in program-name then
// index order.
func (m *Manager) Status() []instance.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() []instance.Snapshot {
	now := time.Now()
	var out []instance.Snapshot
	for _, name := range m.order {
		for _, inst := range m.instances[name] {
			out = append(out, inst.Snapshot(now))
		}
	}
	return out
}

// Shutdown broadcasts stop to every Instance, waits up to timeout for
// STOPPED, then force-kills stragglers. Every stop signal and the
// force-kill escalation are sent with m.mu released; see stopOne.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	for _, name := range m.ProgramNames() {
		for _, inst := range m.instancesSnapshot(name) {
			m.stopOne(inst)
		}
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !m.anyLive() {
			return
		}
		if time.Now().After(deadline) {
			m.forceKillAll()
			return
		}
		<-ticker.C
	}
}

// instancesSnapshot copies the Instance list for name, so callers can
// iterate it without holding m.mu across whatever they do with each
// Instance.
func (m *Manager) instancesSnapshot(name string) []*instance.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.instances[name]
	out := make([]*instance.Instance, len(list))
	copy(out, list)
	return out
}

func (m *Manager) anyLive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.anyLiveLocked()
}

func (m *Manager) anyLiveLocked() bool {
	for _, name := range m.order {
		for _, inst := range m.instances[name] {
			if inst.State.Live() {
				return true
			}
		}
	}
	return false
}

// forceKillAll sends SIGKILL to every still-live Instance, reading each
// pid under m.mu but sending the signal with it released.
func (m *Manager) forceKillAll() {
	for _, name := range m.ProgramNames() {
		for _, inst := range m.instancesSnapshot(name) {
			m.mu.Lock()
			live := inst.State.Live()
			pid := inst.Pid
			m.mu.Unlock()
			if live {
				_ = instance.KillPid(pid)
			}
		}
	}
}

// IsShuttingDown reports whether Shutdown has been invoked.
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// withLock runs fn while holding m.mu. Used by the Monitor.
func (m *Manager) withLock(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}
