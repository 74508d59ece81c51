// Package shell implements the interactive command line: one line in,
// one or more result lines out. It has no policy of its own — every
// command is a thin wrapper around the Job Manager's public contract.
// No readline-style library appears anywhere in the retrieved corpus, so
// this is a plain bufio.Scanner loop over the prompt, in the style of
// the line-oriented REPLs that corpus CLIs fall back to when a richer
// terminal library isn't already in their dependency graph.
package shell

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/taskmaster-sh/taskmaster/internal/config"
	"github.com/taskmaster-sh/taskmaster/internal/supervisor"
)

// Shell reads commands from in and writes results to out, against mgr.
type Shell struct {
	mgr    *supervisor.Manager
	in     *bufio.Scanner
	out    io.Writer
	logger *slog.Logger

	// requestShutdown is invoked once, when "exit" or "quit" is read. Run
	// returns right after it, without reading further input.
	requestShutdown func()
}

// New builds a Shell over in/out for mgr. requestShutdown is called
// exactly once, the first time "exit" is read.
func New(mgr *supervisor.Manager, in io.Reader, out io.Writer, logger *slog.Logger, requestShutdown func()) *Shell {
	return &Shell{
		mgr:             mgr,
		in:              bufio.NewScanner(in),
		out:             out,
		logger:          logger,
		requestShutdown: requestShutdown,
	}
}

// Run reads lines until EOF or "exit", dispatching each to a command
// handler. It returns when input is exhausted.
func (s *Shell) Run() {
	fmt.Fprintln(s.out, "taskmaster ready, type 'status', 'start', 'stop', 'restart' or 'exit'")
	for {
		fmt.Fprint(s.out, "taskmaster> ")
		if !s.in.Scan() {
			return
		}
		line := strings.TrimSpace(s.in.Text())
		if line == "" {
			continue
		}
		if s.dispatch(line) {
			return
		}
	}
}

// dispatch executes one line. It returns true when the shell should stop
// reading further input. Tokenizing uses the same POSIX-style
// word-splitting as the policy file's cmd field, so a quoted target
// (unneeded by any command today, but consistent for whatever reads the
// grammar next) is split the same way everywhere.
func (s *Shell) dispatch(line string) bool {
	fields, err := config.SplitWords(line)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return false
	}
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "status":
		s.cmdStatus()
	case "start":
		s.cmdTargets(args, s.mgr.Start)
	case "stop":
		s.cmdTargets(args, s.mgr.Stop)
	case "restart":
		s.cmdTargets(args, s.mgr.Restart)
	case "exit", "quit":
		fmt.Fprintln(s.out, "shutting down...")
		s.requestShutdown()
		return true
	default:
		fmt.Fprintf(s.out, "error: unknown command %q\n", cmd)
	}
	return false
}

func (s *Shell) cmdStatus() {
	snaps := s.mgr.Status()
	if len(snaps) == 0 {
		fmt.Fprintln(s.out, "no programs configured")
		return
	}
	fmt.Fprintf(s.out, "%-20s %-10s %-8s %-10s %s\n", "INSTANCE", "STATE", "PID", "UPTIME", "LAST_EXIT")
	for _, snap := range snaps {
		pid := "-"
		if snap.Pid > 0 {
			pid = fmt.Sprintf("%d", snap.Pid)
		}
		fmt.Fprintf(s.out, "%-20s %-10s %-8s %-10s %d\n",
			snap.Name, snap.State, pid, (time.Duration(snap.Uptime) * time.Second).String(), snap.LastExitCode)
	}
}

// cmdTargets runs op against every token in args and prints one outcome
// line per target, or one error line for a target that does not resolve.
func (s *Shell) cmdTargets(args []string, op func(string) ([]supervisor.Outcome, error)) {
	if len(args) == 0 {
		fmt.Fprintln(s.out, "error: expected at least one target")
		return
	}
	for _, target := range args {
		targets := s.expandAll(target)
		for _, t := range targets {
			outcomes, err := op(t)
			if err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
				continue
			}
			for _, o := range outcomes {
				fmt.Fprintf(s.out, "%s: %s\n", o.Instance, o.Result)
			}
		}
	}
}

// expandAll turns the literal token "all" into every configured program
// name, so "all" expansion lives at the shell layer rather than inside
// the Job Manager's target-resolution logic.
func (s *Shell) expandAll(target string) []string {
	if target != "all" {
		return []string{target}
	}
	return s.mgr.ProgramNames()
}
