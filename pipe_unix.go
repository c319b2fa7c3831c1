// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix && !linux

package jobserver

import (
	"fmt"
	"os"
	"syscall"
)

// newBlockingPipe creates a close-on-exec pipe whose descriptors stay
// in blocking mode. Platforms without pipe2 set the flag in a second
// step under ForkLock so a concurrent fork cannot leak the
// descriptors.
func newBlockingPipe() (reader, writer *os.File, readFD, writeFD int, err error) {
	var fds [2]int
	syscall.ForkLock.RLock()
	if err := syscall.Pipe(fds[:]); err != nil {
		syscall.ForkLock.RUnlock()
		return nil, nil, 0, 0, fmt.Errorf("creating token pipe: %w", err)
	}
	syscall.CloseOnExec(fds[0])
	syscall.CloseOnExec(fds[1])
	syscall.ForkLock.RUnlock()
	reader = os.NewFile(uintptr(fds[0]), "|0")
	writer = os.NewFile(uintptr(fds[1]), "|1")
	return reader, writer, fds[0], fds[1], nil
}
