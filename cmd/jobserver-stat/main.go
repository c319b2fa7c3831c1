// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// jobserver-stat queries the monitor socket of a running
// jobserver-run and prints the pool's status: budget, tokens in the
// pool, tokens held by jobs, and the backend address.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/jobserver/internal/version"
	"github.com/bureau-foundation/jobserver/monitor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socketPath  string
		asJSON      bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("jobserver-stat", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "monitor socket of a running jobserver-run (required)")
	flagSet.BoolVar(&asJSON, "json", false, "print the status as JSON")
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
		version.Print("jobserver-stat")
		return nil
	}

	if socketPath == "" {
		return errors.New("--socket is required")
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	status, err := monitor.Query(socketPath)
	if err != nil {
		return err
	}

	if asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(status)
	}

	fmt.Printf("Budget:      %d\n", status.Budget)
	fmt.Printf("Tokens:      %d\n", status.Tokens)
	fmt.Printf("Available:   %d\n", status.Available)
	fmt.Printf("Outstanding: %d\n", status.Outstanding)
	fmt.Printf("Address:     %s\n", status.Address)
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `jobserver-stat: inspect a running jobserver.

Queries the Unix socket served by jobserver-run --monitor-socket and
prints a snapshot of the pool: the total budget, the pool capacity,
how many tokens are free, and how many are held by running jobs.

Usage:
  jobserver-stat --socket PATH [--json]

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
