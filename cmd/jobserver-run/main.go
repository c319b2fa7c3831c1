// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// jobserver-run owns a token pool and runs a set of commands under
// it, the way make -jN runs its recipes. Jobs come from a YAML
// manifest or from the command line after --. Every job's process is
// configured to inherit the pool, so jobserver-exec (and make itself)
// can join from any depth of the process tree.
//
// While jobs run, --monitor-socket serves status queries for
// jobserver-stat.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/jobserver"
	"github.com/bureau-foundation/jobserver/internal/version"
	"github.com/bureau-foundation/jobserver/monitor"
)

func main() {
	if err := run(); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		jobSlots      int
		useFIFO       bool
		monitorSocket string
		manifestPath  string
		logFormat     string
		showVersion   bool
	)

	flagSet := pflag.NewFlagSet("jobserver-run", pflag.ContinueOnError)
	flagSet.IntVar(&jobSlots, "jobs", runtime.NumCPU(), "number of concurrent job slots")
	flagSet.BoolVar(&useFIFO, "fifo", false, "back the pool with a named FIFO instead of an anonymous pipe")
	flagSet.StringVar(&monitorSocket, "monitor-socket", "", "serve status queries on this Unix socket while running")
	flagSet.StringVar(&manifestPath, "manifest", "", "YAML job manifest (default: run the command after --)")
	flagSet.StringVar(&logFormat, "log-format", "text", "log output format: text or json")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if showVersion {
		version.Print("jobserver-run")
		return nil
	}

	logger, err := newLogger(logFormat)
	if err != nil {
		return err
	}

	jobs, err := loadJobs(manifestPath, flagSet.Args())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	newServer := jobserver.NewServer
	if useFIFO {
		newServer = jobserver.NewFIFOServer
	}
	server, err := newServer(jobSlots)
	if err != nil {
		return err
	}
	defer server.Close()

	status, err := server.Status()
	if err != nil {
		return err
	}
	logger.Info("jobserver started",
		"budget", status.Budget,
		"tokens", status.Tokens,
		"address", status.Address,
	)

	if monitorSocket != "" {
		m := monitor.New(server, logger)
		listener, err := m.Listen(monitorSocket)
		if err != nil {
			return fmt.Errorf("monitor socket: %w", err)
		}
		defer listener.Close()
		go m.Serve(ctx, listener)
		logger.Info("monitor socket ready", "socket", monitorSocket)
	}

	return runJobs(ctx, logger, server.Client(), server.Tokens(), jobs)
}

// newLogger builds the process logger for --log-format.
func newLogger(format string) (*slog.Logger, error) {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
	default:
		return nil, fmt.Errorf("unknown --log-format %q (want text or json)", format)
	}
}

// loadJobs resolves the job list from --manifest or from the
// positional arguments.
func loadJobs(manifestPath string, argv []string) ([]Job, error) {
	if manifestPath != "" {
		if len(argv) > 0 {
			return nil, fmt.Errorf("--manifest and a positional command are mutually exclusive")
		}
		manifest, err := LoadManifest(manifestPath)
		if err != nil {
			return nil, err
		}
		return manifest.Jobs, nil
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("nothing to run: pass --manifest or a command after --")
	}
	return []Job{{Name: argv[0], Command: argv}}, nil
}

// jobError carries a failed job's exit code to main.
type jobError struct {
	name string
	code int
	err  error
}

func (e *jobError) Error() string {
	return fmt.Sprintf("job %s: %v", e.name, e.err)
}

func (e *jobError) ExitCode() int {
	return e.code
}

func (e *jobError) Unwrap() error {
	return e.err
}

// runJobs executes the job list under the token discipline. Every
// concurrently running job holds a slot: one job rides the process's
// implicit slot, the rest hold pool tokens. Cancellation stops
// launching new jobs; jobs already running are waited for. The
// returned error is the first job failure observed.
func runJobs(ctx context.Context, logger *slog.Logger, client *jobserver.Client, poolTokens int, jobs []Job) error {
	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		firstErr  error
	)
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	// Capacity 1: at most one hand-back is pending at a time because
	// only one job at a time holds the implicit slot.
	implicitFreed := make(chan struct{}, 1)

	launched := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}

		token, implicit, err := acquireSlot(ctx, client, poolTokens, implicitFreed)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				fail(fmt.Errorf("acquiring slot for job %s: %w", job.Name, err))
			}
			break
		}

		launched++
		waitGroup.Add(1)
		go func(job Job, token *jobserver.Token, implicit bool) {
			defer waitGroup.Done()
			defer func() {
				token.Release()
				if implicit {
					select {
					case implicitFreed <- struct{}{}:
					default:
					}
				}
			}()
			if err := runJob(logger, client, job); err != nil {
				fail(err)
			}
		}(job, token, implicit)
	}

	waitGroup.Wait()

	if firstErr != nil {
		return firstErr
	}
	if launched < len(jobs) {
		return fmt.Errorf("interrupted: %d of %d jobs not started", len(jobs)-launched, len(jobs))
	}
	return nil
}

// acquireSlot obtains a slot for the next job: the implicit slot when
// it is free, otherwise a pool token. While blocked on the pool it
// also watches implicitFreed so a finishing job's hand-back is taken
// instead, whichever arrives first. With a zero-token pool (budget 1)
// the implicit slot is the only slot and the pool is never consulted.
//
// implicitFreed signals mean "the implicit slot may be free": a
// signal can be stale when an earlier loop iteration already took
// the slot back, so every wakeup re-checks.
func acquireSlot(ctx context.Context, client *jobserver.Client, poolTokens int, implicitFreed <-chan struct{}) (*jobserver.Token, bool, error) {
	if token, ok := client.Implicit(); ok {
		return token, true, nil
	}

	type result struct {
		token *jobserver.Token
		err   error
	}
	var fromPool chan result
	if poolTokens > 0 {
		poolCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		// Unbuffered: a token the launcher never collects (because the
		// implicit slot won the race) is re-released by the acquirer
		// instead of being parked in a buffer.
		fromPool = make(chan result)
		go func() {
			token, err := client.AcquireContext(poolCtx)
			select {
			case fromPool <- result{token, err}:
			case <-poolCtx.Done():
				if err == nil {
					token.Release()
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case r := <-fromPool:
			return r.token, false, r.err
		case <-implicitFreed:
			if token, ok := client.Implicit(); ok {
				return token, true, nil
			}
			// Stale signal; keep waiting.
		}
	}
}

// runJob starts one job and waits for it.
func runJob(logger *slog.Logger, client *jobserver.Client, job Job) error {
	command := exec.Command(job.Command[0], job.Command[1:]...)
	command.Dir = job.Dir
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr
	if err := client.Configure(command); err != nil {
		return fmt.Errorf("configuring job %s: %w", job.Name, err)
	}

	start := time.Now()
	if err := command.Start(); err != nil {
		logger.Error("job failed to start", "job", job.Name, "error", err)
		return &jobError{name: job.Name, code: 1, err: err}
	}
	logger.Info("job started", "job", job.Name, "pid", command.Process.Pid)

	err := command.Wait()
	exitCode := 0
	if err != nil {
		exitCode = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	logger.Info("job finished",
		"job", job.Name,
		"duration", time.Since(start).Round(time.Millisecond),
		"exit_code", exitCode,
	)

	if err != nil {
		return &jobError{name: job.Name, code: exitCode, err: err}
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `jobserver-run: run commands under a shared job-slot budget.

Creates a token pool with --jobs slots and runs the given jobs so
that at most --jobs of them execute at once. Each job inherits the
pool through MAKEFLAGS, so nested jobserver-exec invocations (and
GNU make) draw from the same budget.

Usage:
  jobserver-run [flags] -- command args...
  jobserver-run [flags] --manifest jobs.yaml

Examples:
  # Run one command with 8 slots shared by its descendants
  jobserver-run --jobs 8 -- make -C src all

  # Run a manifest of jobs, four at a time, with live status
  jobserver-run --jobs 4 --manifest jobs.yaml --monitor-socket /tmp/js.sock

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
