// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package jobserver

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// newBlockingPipe creates a close-on-exec pipe whose descriptors stay
// in blocking mode. Blocking descriptors never join the runtime
// poller, so File.Fd and exec plumbing leave the open file
// description's flags untouched.
func newBlockingPipe() (reader, writer *os.File, readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, 0, 0, fmt.Errorf("creating token pipe: %w", err)
	}
	reader = os.NewFile(uintptr(fds[0]), "|0")
	writer = os.NewFile(uintptr(fds[1]), "|1")
	return reader, writer, fds[0], fds[1], nil
}
