// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package main

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/bureau-foundation/jobserver"
)

func TestRunCommandExitCode(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		code int
	}{
		{name: "success", argv: []string{"true"}, code: 0},
		{name: "failure", argv: []string{"false"}, code: 1},
		{name: "specific code", argv: []string{"sh", "-c", "exit 42"}, code: 42},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := runCommand(nil, test.argv)
			if test.code == 0 {
				if err != nil {
					t.Fatalf("runCommand(%v) error: %v", test.argv, err)
				}
				return
			}
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				t.Fatalf("runCommand(%v) error = %v, want *exec.ExitError", test.argv, err)
			}
			if exitErr.ExitCode() != test.code {
				t.Errorf("exit code = %d, want %d", exitErr.ExitCode(), test.code)
			}
		})
	}
}

func TestRunCommandStartFailure(t *testing.T) {
	err := runCommand(nil, []string{"jobserver-test-no-such-binary"})
	if err == nil {
		t.Fatal("runCommand() on a missing binary succeeded")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		t.Errorf("start failure reported as child exit: %v", err)
	}
}

func TestRunCommandConfiguresChild(t *testing.T) {
	server, err := jobserver.NewServer(2)
	if err != nil {
		t.Fatalf("NewServer(2) error: %v", err)
	}
	defer server.Close()

	probe := `case "$MAKEFLAGS" in *--jobserver-auth=*) exit 0;; *) exit 5;; esac`
	if err := runCommand(server.Client(), []string{"sh", "-c", probe}); err != nil {
		t.Errorf("child does not see the pool address: %v", err)
	}
}

func TestRunCommandWithoutClientLeavesEnvAlone(t *testing.T) {
	t.Setenv("MAKEFLAGS", "")

	probe := `test -z "$MAKEFLAGS" || exit 5`
	if err := runCommand(nil, []string{"sh", "-c", probe}); err != nil {
		t.Errorf("nil client leaked MAKEFLAGS into the child: %v", err)
	}
}
