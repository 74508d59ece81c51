// Command taskmasterd is the supervisor daemon's entrypoint: cobra-based
// subcommands for running the supervisor and for validating a policy
// file without starting anything.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmaster-sh/taskmaster/internal/config"
	"github.com/taskmaster-sh/taskmaster/internal/httpapi"
	"github.com/taskmaster-sh/taskmaster/internal/logging"
	"github.com/taskmaster-sh/taskmaster/internal/shell"
	"github.com/taskmaster-sh/taskmaster/internal/supervisor"
)

const (
	exitOK            = 0
	exitConfigFailure = 1
	exitRuntimeError  = 2
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitRuntimeError)
	}
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskmasterd",
		Short: "taskmasterd supervises a declared set of child programs",
	}
	root.AddCommand(buildRunCmd())
	root.AddCommand(buildValidateCmd())
	return root
}

func buildRunCmd() *cobra.Command {
	var configPath string
	var httpAddr string
	var logPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "load the policy file, start declared programs, and serve the shell and status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath, httpAddr, logPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the policy YAML file")
	cmd.Flags().StringVar(&httpAddr, "http", "0.0.0.0:8080", "bind address for the status API")
	cmd.Flags().StringVar(&logPath, "log", "taskmaster.log", "path to the supervisor's own log file")
	return cmd
}

func buildValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "parse and validate a policy file without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "config.yaml", "path to the policy YAML file")
	return cmd
}

func validateConfig(configPath string) error {
	programs, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(exitConfigFailure)
		return nil
	}
	fmt.Printf("configuration valid: %d program(s) declared\n", len(programs))
	for _, p := range programs {
		fmt.Printf("  %-20s cmd=%-30q numprocs=%d autostart=%v autorestart=%s\n",
			p.Name, p.Argv, p.NumProcs, p.AutoStart, p.AutoRestart)
	}
	return nil
}

func runDaemon(configPath, httpAddr, logPath string) error {
	programs, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		os.Exit(exitConfigFailure)
		return nil
	}

	logger, closer, err := logging.New(logging.DefaultOptions(logPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(exitConfigFailure)
		return nil
	}
	defer closer.Close()

	mgr := supervisor.NewManager(programs, logger)
	mon := supervisor.NewMonitor(mgr, supervisor.DefaultTickInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go mon.Run(ctx)
	mgr.AutostartAll()

	srv := httpapi.New(mgr, httpAddr, logger)
	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.Error("status API stopped", "err", err)
		}
	}()

	shutdownOnce := make(chan struct{})
	requestShutdown := func() {
		select {
		case <-shutdownOnce:
			return
		default:
			close(shutdownOnce)
		}
		mgr.Shutdown(shutdownTimeout(programs))
		cancel()
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		first := true
		for range sigC {
			if !first {
				logger.Warn("second termination signal received, forcing shutdown")
				os.Exit(exitOK)
			}
			first = false
			logger.Info("termination signal received, shutting down")
			requestShutdown()
		}
	}()

	sh := shell.New(mgr, os.Stdin, os.Stdout, logger, requestShutdown)
	sh.Run()
	requestShutdown()

	os.Exit(exitOK)
	return nil
}

// shutdownTimeout bounds Shutdown by the longest stoptime across every
// declared program, with a floor of ten seconds, so no Instance's grace
// period is cut short.
func shutdownTimeout(programs []*config.Program) time.Duration {
	max := 10 * time.Second
	for _, p := range programs {
		d := time.Duration(p.StopTime * float64(time.Second))
		if d > max {
			max = d
		}
	}
	return max
}
