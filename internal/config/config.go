// Package config implements Taskmaster's Policy Model: it turns a YAML
// policy file into an immutable, validated, in-memory Program set. Nothing
// here spawns a process — it only decides whether a configuration is
// well-formed and normalizes it into the shape the supervisor consumes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/yaml.v3"
)

// AutoRestart is the Program's restart policy after a child exits.
type AutoRestart string

const (
	AutoRestartAlways     AutoRestart = "always"
	AutoRestartUnexpected AutoRestart = "unexpected"
	AutoRestartNever      AutoRestart = "never"
)

var validAutoRestart = map[AutoRestart]bool{
	AutoRestartAlways:     true,
	AutoRestartUnexpected: true,
	AutoRestartNever:      true,
}

// signalByName lists the signals a program may declare as its stop
// signal. KILL is excluded because it is reserved for the force-kill
// escalation; ABRT has no defined stop-signal use here.
var signalByName = map[string]syscall.Signal{
	"TERM": syscall.SIGTERM,
	"INT":  syscall.SIGINT,
	"HUP":  syscall.SIGHUP,
	"QUIT": syscall.SIGQUIT,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

// Program is the immutable, normalized supervision policy for one declared
// program. Once returned from Load, a Program is never mutated.
type Program struct {
	Name         string
	Argv         []string
	NumProcs     int
	WorkingDir   string
	Umask        *uint32
	AutoStart    bool
	AutoRestart  AutoRestart
	ExitCodes    map[int]bool
	StartRetries int
	StartTime    float64
	StopSignal   syscall.Signal
	StopTime     float64
	StdoutPath   string
	StderrPath   string
	Env          map[string]string

	// Group defaults to Name. Reserved for future group:name addressing;
	// no operation currently reads it.
	Group string
}

// rawProgram is the wire shape of one entry under `programs:`. KnownFields
// rejects anything not listed here, so an unrecognized field fails
// validation instead of being silently ignored.
type rawProgram struct {
	Cmd          string            `yaml:"cmd"`
	NumProcs     *int              `yaml:"numprocs"`
	WorkingDir   string            `yaml:"workingdir"`
	Umask        *string           `yaml:"umask"`
	AutoStart    *bool             `yaml:"autostart"`
	AutoRestart  *string           `yaml:"autorestart"`
	ExitCodes    *rawIntOrList     `yaml:"exitcodes"`
	StartRetries *int              `yaml:"startretries"`
	StartTime    *float64          `yaml:"starttime"`
	StopSignal   *string           `yaml:"stopsignal"`
	StopTime     *float64          `yaml:"stoptime"`
	Stdout       string            `yaml:"stdout_path"`
	Stderr       string            `yaml:"stderr_path"`
	Env          map[string]string `yaml:"env"`
	Group        string            `yaml:"group"`
}

type rawFile struct {
	Programs map[string]rawProgram `yaml:"programs"`
}

// rawIntOrList accepts either a single exit code or a list of them.
type rawIntOrList struct {
	values []int
}

func (r *rawIntOrList) UnmarshalYAML(node *yaml.Node) error {
	var single int
	if err := node.Decode(&single); err == nil {
		r.values = []int{single}
		return nil
	}
	var list []int
	if err := node.Decode(&list); err != nil {
		return fmt.Errorf("exitcodes must be an integer or a list of integers")
	}
	r.values = list
	return nil
}

// Load reads and validates the policy file at path, returning one Program
// per declared `programs` entry. Identifier names are restricted to
// letters, digits, underscore and hyphen.
func Load(path string) ([]*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var raw rawFile
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if len(raw.Programs) == 0 {
		return nil, errors.New("configuration must contain a non-empty 'programs' section")
	}

	names := make([]string, 0, len(raw.Programs))
	for name := range raw.Programs {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	programs := make([]*Program, 0, len(names))
	for _, name := range names {
		if !validIdentifier(name) {
			errs = append(errs, fmt.Errorf("program %q: name must contain only letters, digits, underscore and hyphen", name))
			continue
		}
		prog, progErrs := normalize(name, raw.Programs[name])
		errs = append(errs, progErrs...)
		if len(progErrs) == 0 {
			programs = append(programs, prog)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return programs, nil
}

func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}

func normalize(name string, raw rawProgram) (*Program, []error) {
	var errs []error

	cmd := strings.TrimSpace(raw.Cmd)
	if cmd == "" {
		errs = append(errs, fmt.Errorf("program %q: 'cmd' must not be empty", name))
	}
	argv, err := SplitWords(cmd)
	if err != nil {
		errs = append(errs, fmt.Errorf("program %q: invalid 'cmd': %w", name, err))
	}

	numProcs := 1
	if raw.NumProcs != nil {
		numProcs = *raw.NumProcs
	}
	if numProcs < 1 {
		errs = append(errs, fmt.Errorf("program %q: 'numprocs' must be >= 1", name))
	}

	var umask *uint32
	if raw.Umask != nil {
		v, err := strconv.ParseUint(*raw.Umask, 8, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("program %q: 'umask' must be a valid octal number: %w", name, err))
		} else {
			u := uint32(v)
			umask = &u
		}
	}

	autostart := true
	if raw.AutoStart != nil {
		autostart = *raw.AutoStart
	}

	autorestart := AutoRestartUnexpected
	if raw.AutoRestart != nil {
		autorestart = AutoRestart(*raw.AutoRestart)
		if !validAutoRestart[autorestart] {
			errs = append(errs, fmt.Errorf("program %q: 'autorestart' must be one of always, unexpected, never", name))
		}
	}

	exitCodes := map[int]bool{0: true}
	if raw.ExitCodes != nil {
		exitCodes = make(map[int]bool, len(raw.ExitCodes.values))
		for _, c := range raw.ExitCodes.values {
			if c < 0 || c > 255 {
				errs = append(errs, fmt.Errorf("program %q: exit codes must be between 0 and 255", name))
				continue
			}
			exitCodes[c] = true
		}
	}

	startRetries := 3
	if raw.StartRetries != nil {
		startRetries = *raw.StartRetries
	}
	if startRetries < 0 {
		errs = append(errs, fmt.Errorf("program %q: 'startretries' must be >= 0", name))
	}

	startTime := 1.0
	if raw.StartTime != nil {
		startTime = *raw.StartTime
	}
	if startTime < 0 {
		errs = append(errs, fmt.Errorf("program %q: 'starttime' must be >= 0", name))
	}

	stopSignalName := "TERM"
	if raw.StopSignal != nil {
		stopSignalName = strings.ToUpper(*raw.StopSignal)
	}
	stopSignal, ok := signalByName[stopSignalName]
	if !ok {
		errs = append(errs, fmt.Errorf("program %q: 'stopsignal' must be one of TERM, INT, HUP, QUIT, USR1, USR2", name))
	}

	stopTime := 10.0
	if raw.StopTime != nil {
		stopTime = *raw.StopTime
	}
	if stopTime < 0 {
		errs = append(errs, fmt.Errorf("program %q: 'stoptime' must be >= 0", name))
	}

	for _, p := range []struct{ label, path string }{{"stdout_path", raw.Stdout}, {"stderr_path", raw.Stderr}} {
		if p.path == "" {
			continue
		}
		if err := verifyOpenablePath(p.path); err != nil {
			errs = append(errs, fmt.Errorf("program %q: %s %q is not openable: %w", name, p.label, p.path, err))
		}
	}

	if raw.WorkingDir != "" {
		if fi, err := os.Stat(raw.WorkingDir); err != nil || !fi.IsDir() {
			errs = append(errs, fmt.Errorf("program %q: workingdir %q does not exist", name, raw.WorkingDir))
		}
	}

	group := raw.Group
	if group == "" {
		group = name
	}

	return &Program{
		Name:         name,
		Argv:         argv,
		NumProcs:     numProcs,
		WorkingDir:   raw.WorkingDir,
		Umask:        umask,
		AutoStart:    autostart,
		AutoRestart:  autorestart,
		ExitCodes:    exitCodes,
		StartRetries: startRetries,
		StartTime:    startTime,
		StopSignal:   stopSignal,
		StopTime:     stopTime,
		StdoutPath:   raw.Stdout,
		StderrPath:   raw.Stderr,
		Env:          raw.Env,
		Group:        group,
	}, errs
}

// verifyOpenablePath checks that path can be opened for append, creating
// it with mode 0644 if absent (so a missing parent directory fails the
// check), then closes the handle again. A file it created is left in
// place; Instances open their own log handles at spawn time.
func verifyOpenablePath(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
