// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// jobserver-exec runs one command under a job slot from the ambient
// jobserver, the way a make recipe line runs under make's budget:
// join the pool advertised in MAKEFLAGS, block until a token is
// free, run the command with the pool configured for its own
// descendants, release on exit, and propagate the command's exit
// code exactly.
//
// Signals are left at their default disposition. A Ctrl-C at the
// terminal reaches the whole process group, so the wrapped command
// dies with the pipeline, matching make's behavior.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/jobserver"
	"github.com/bureau-foundation/jobserver/internal/version"
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
		noSlotOK    bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("jobserver-exec", pflag.ContinueOnError)
	flagSet.BoolVar(&noSlotOK, "no-slot-ok", false, "run without a slot when the environment has no jobserver")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	// Stop flag parsing at the first positional argument so the
	// wrapped command's own flags pass through untouched.
	flagSet.SetInterspersed(false)

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
		version.Print("jobserver-exec")
		return nil
	}

	argv := flagSet.Args()
	if len(argv) == 0 {
		return errors.New("no command: usage is jobserver-exec [flags] -- command args...")
	}

	client, err := jobserver.FromEnv()
	switch {
	case errors.Is(err, jobserver.ErrNoJobserver):
		if !noSlotOK {
			return errors.New("no jobserver in the environment (pass --no-slot-ok to run without one)")
		}
		client = nil
	case err != nil:
		return err
	}

	if client != nil {
		defer client.Close()

		token, err := client.Acquire()
		if err != nil {
			return fmt.Errorf("acquiring job slot: %w", err)
		}
		defer token.Release()
	}

	return runCommand(client, argv)
}

// runCommand executes argv with the pool configured for its
// descendants. A child that exits nonzero is returned as the
// *exec.ExitError itself so main can propagate the code without
// printing anything; the child already wrote its own diagnostics.
func runCommand(client *jobserver.Client, argv []string) error {
	command := exec.Command(argv[0], argv[1:]...)
	command.Stdin = os.Stdin
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr
	if client != nil {
		if err := client.Configure(command); err != nil {
			return fmt.Errorf("configuring %s: %w", argv[0], err)
		}
	}

	err := command.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr
	}
	if err != nil {
		return fmt.Errorf("running %s: %w", argv[0], err)
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `jobserver-exec: run one command under an inherited job slot.

Joins the jobserver advertised in MAKEFLAGS or MFLAGS, waits for a
free slot, runs the command, and releases the slot when it exits.
The command's environment is configured so its own children can join
the same pool. The command's exit code is propagated exactly.

Usage:
  jobserver-exec [flags] -- command args...

Examples:
  # Inside a jobserver-run or make -jN tree, take one slot for a link
  jobserver-exec -- cc -o app main.o util.o

  # Same, but degrade gracefully when run outside any jobserver
  jobserver-exec --no-slot-ok -- cc -o app main.o util.o

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
