// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobserver

import (
	"os/exec"

	"github.com/bureau-foundation/jobserver/makeflags"
)

const (
	// minBudget and maxBudget bound NewServer's budget. The upper
	// bound keeps the initial token fill within the pipe's buffer
	// capacity on every supported platform (macOS buffers 16 KiB),
	// so loading the pool never blocks.
	minBudget = 1
	maxBudget = 16384

	// fillByte is the token value a fresh pool is loaded with. GNU
	// Make uses '+'; the value is arbitrary as long as whatever byte
	// was read is the byte written back.
	fillByte = '|'
)

// tokenPool is the platform resource behind a Server or Client: a
// pre-loaded pipe or FIFO on POSIX, a named semaphore on Windows.
// Implementations are safe for concurrent use.
type tokenPool interface {
	// acquire blocks until a token is read from the pool. It returns
	// ErrDisconnected once the pool is closed or drained for good.
	acquire() (byte, error)

	// release writes a previously acquired token back. Writing to a
	// closed or vanished pool is not an error.
	release(value byte) error

	// available reports the number of tokens that could be acquired
	// right now without blocking. It is a racy snapshot.
	available() (int, error)

	// address describes the pool for the MAKEFLAGS wire form.
	address() makeflags.Address

	// configure grants the command access to the pool before it
	// starts and returns the address valid inside the child, which
	// may differ from address() when descriptors are renumbered.
	configure(command *exec.Cmd) (makeflags.Address, error)

	// close tears the local handles down and wakes blocked acquirers.
	close() error
}
