// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package jobserver

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/jobserver/makeflags"
)

// pipePool is the POSIX token pool: an anonymous pipe or a named FIFO
// holding one byte per free slot.
//
// Both descriptors are kept in blocking mode for their whole life.
// O_NONBLOCK lives on the open file description, which every process
// sharing the pool inherits, so flipping it locally would change the
// pool's behavior everywhere. Blocking files also stay out of the
// runtime poller, which makes File.Fd and exec.Cmd plumbing
// side-effect free. Reads park a thread while they wait. Descriptors
// adopted from the environment may arrive nonblocking; acquire
// absorbs that by polling for readability before retrying.
type pipePool struct {
	reader *os.File
	writer *os.File

	// readFD and writeFD are the descriptor numbers at open time.
	// address reports these instead of calling File.Fd.
	readFD  int
	writeFD int

	// fifoPath is non-empty when the pool is backed by a named FIFO.
	// ownsFIFO marks the pool that created the file, which removes it
	// again on close.
	fifoPath string
	ownsFIFO bool

	closed    atomic.Bool
	closeOnce sync.Once
}

// newServerPool creates and loads the pool for a fresh Server. With
// useFIFO the pool is a named FIFO under the system temporary
// directory instead of an anonymous pipe.
func newServerPool(tokens int, useFIFO bool) (tokenPool, error) {
	if useFIFO {
		return newFIFOServerPool(tokens)
	}
	reader, writer, readFD, writeFD, err := newBlockingPipe()
	if err != nil {
		return nil, err
	}
	pool := &pipePool{reader: reader, writer: writer, readFD: readFD, writeFD: writeFD}
	if err := pool.fill(tokens); err != nil {
		pool.close()
		return nil, err
	}
	return pool, nil
}

func newFIFOServerPool(tokens int) (tokenPool, error) {
	path, err := createFIFO()
	if err != nil {
		return nil, err
	}
	pool, err := openFIFOPool(path, true)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	if err := pool.fill(tokens); err != nil {
		pool.close()
		return nil, err
	}
	return pool, nil
}

// openEnvPool reconstructs a pool from an inherited address. Pipe
// descriptors are validated and duplicated, so the pool's lifetime is
// independent of the numbers named in the environment.
func openEnvPool(address makeflags.Address) (tokenPool, error) {
	switch address.Kind {
	case makeflags.Pipe:
		reader, readFD, err := adoptDescriptor(address.ReadFD, false)
		if err != nil {
			return nil, err
		}
		writer, writeFD, err := adoptDescriptor(address.WriteFD, true)
		if err != nil {
			reader.Close()
			return nil, err
		}
		return &pipePool{reader: reader, writer: writer, readFD: readFD, writeFD: writeFD}, nil
	case makeflags.FIFO:
		return openFIFOPool(address.Path, false)
	case makeflags.Semaphore:
		return nil, fmt.Errorf("semaphore jobserver %q requires Windows", address.Name)
	default:
		return nil, fmt.Errorf("unsupported jobserver address kind %d", address.Kind)
	}
}

// createFIFO makes a FIFO with a random name under the system
// temporary directory. Mode 0600 keeps the pool private to the
// creating user.
func createFIFO() (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		suffix := make([]byte, 8)
		if _, err := rand.Read(suffix); err != nil {
			return "", fmt.Errorf("generating fifo name: %w", err)
		}
		path := filepath.Join(os.TempDir(), "jobserver-"+hex.EncodeToString(suffix))
		err := unix.Mkfifo(path, 0o600)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, unix.EEXIST) {
			return "", fmt.Errorf("creating fifo %s: %w", path, err)
		}
	}
	return "", errors.New("creating fifo: name space exhausted")
}

// openFIFOPool opens path twice: read-write for the writer, then
// read-only for the reader. The two descriptors sit on separate open
// file descriptions, so closing the writer delivers end of file to
// the reader. Opening the writer first also guarantees the read-only
// open finds a writer instead of blocking for one. Opens go through
// unix.Open because os.OpenFile would put the FIFO into nonblocking
// mode.
func openFIFOPool(path string, owns bool) (*pipePool, error) {
	writeFD, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening fifo %s: %w", path, err)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(writeFD, &stat); err != nil {
		unix.Close(writeFD)
		return nil, fmt.Errorf("inspecting fifo %s: %w", path, err)
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFIFO {
		unix.Close(writeFD)
		return nil, fmt.Errorf("jobserver path %s is not a fifo", path)
	}
	readFD, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(writeFD)
		return nil, fmt.Errorf("opening fifo %s: %w", path, err)
	}
	return &pipePool{
		reader:   os.NewFile(uintptr(readFD), path),
		writer:   os.NewFile(uintptr(writeFD), path),
		readFD:   readFD,
		writeFD:  writeFD,
		fifoPath: path,
		ownsFIFO: owns,
	}, nil
}

// adoptDescriptor validates that fd is a pipe open with the required
// access mode and duplicates it close-on-exec. The duplicate shares
// the original's open file description; its flags are left untouched.
func adoptDescriptor(fd int, write bool) (*os.File, int, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return nil, 0, fmt.Errorf("inspecting jobserver descriptor %d: %w", fd, err)
	}
	if stat.Mode&unix.S_IFMT != unix.S_IFIFO {
		return nil, 0, fmt.Errorf("jobserver descriptor %d is not a pipe", fd)
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("inspecting jobserver descriptor %d: %w", fd, err)
	}
	access := flags & unix.O_ACCMODE
	if write && access != unix.O_WRONLY && access != unix.O_RDWR {
		return nil, 0, fmt.Errorf("jobserver descriptor %d is not writable", fd)
	}
	if !write && access != unix.O_RDONLY && access != unix.O_RDWR {
		return nil, 0, fmt.Errorf("jobserver descriptor %d is not readable", fd)
	}
	duplicate, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 3)
	if err != nil {
		return nil, 0, fmt.Errorf("duplicating jobserver descriptor %d: %w", fd, err)
	}
	return os.NewFile(uintptr(duplicate), fmt.Sprintf("jobserver-fd-%d", fd)), duplicate, nil
}

// fill loads the pool with its initial tokens in a single write. The
// budget cap keeps the write inside the pipe's buffer capacity.
func (p *pipePool) fill(tokens int) error {
	if tokens == 0 {
		return nil
	}
	if _, err := p.writer.Write(bytes.Repeat([]byte{fillByte}, tokens)); err != nil {
		return fmt.Errorf("loading %d jobserver tokens: %w", tokens, err)
	}
	return nil
}

func (p *pipePool) acquire() (byte, error) {
	buffer := make([]byte, 1)
	for {
		n, err := p.reader.Read(buffer)
		if n == 1 {
			return buffer[0], nil
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return 0, ErrDisconnected
		case errors.Is(err, syscall.EAGAIN):
			if waitErr := p.waitReadable(); waitErr != nil {
				return 0, waitErr
			}
		default:
			if p.closed.Load() {
				return 0, ErrDisconnected
			}
			return 0, fmt.Errorf("reading jobserver token: %w", err)
		}
	}
}

// waitReadable parks in poll(2) until the reader has data. Only
// reached when the descriptor's open file description is in
// nonblocking mode, which happens for descriptors inherited from a
// coordinator that runs its own pool that way.
func (p *pipePool) waitReadable() error {
	connection, err := p.reader.SyscallConn()
	if err != nil {
		if p.closed.Load() {
			return ErrDisconnected
		}
		return fmt.Errorf("waiting for jobserver token: %w", err)
	}
	var pollErr error
	controlErr := connection.Control(func(fd uintptr) {
		descriptors := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			_, err := unix.Poll(descriptors, -1)
			if err == nil || !errors.Is(err, unix.EINTR) {
				pollErr = err
				return
			}
		}
	})
	switch {
	case controlErr != nil:
		if p.closed.Load() {
			return ErrDisconnected
		}
		return fmt.Errorf("waiting for jobserver token: %w", controlErr)
	case pollErr != nil:
		return fmt.Errorf("waiting for jobserver token: %w", pollErr)
	}
	return nil
}

// release writes the token back. A closed or reader-less pool swallows
// the write: the coordinator holding the other end is gone, and with
// it the budget the token belonged to.
func (p *pipePool) release(value byte) error {
	_, err := p.writer.Write([]byte{value})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EPIPE):
		return nil
	case p.closed.Load():
		return nil
	}
	return fmt.Errorf("returning jobserver token: %w", err)
}

func (p *pipePool) available() (int, error) {
	if p.closed.Load() {
		return 0, ErrDisconnected
	}
	connection, err := p.reader.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("inspecting token pipe: %w", err)
	}
	var buffered int
	var ioctlErr error
	if controlErr := connection.Control(func(fd uintptr) {
		buffered, ioctlErr = unix.IoctlGetInt(int(fd), unix.FIONREAD)
	}); controlErr != nil {
		return 0, fmt.Errorf("inspecting token pipe: %w", controlErr)
	}
	if ioctlErr != nil {
		return 0, fmt.Errorf("inspecting token pipe: %w", ioctlErr)
	}
	return buffered, nil
}

func (p *pipePool) address() makeflags.Address {
	if p.fifoPath != "" {
		return makeflags.Address{Kind: makeflags.FIFO, Path: p.fifoPath}
	}
	return makeflags.Address{Kind: makeflags.Pipe, ReadFD: p.readFD, WriteFD: p.writeFD}
}

// configure grants command access to the pool. FIFO pools travel by
// path alone. Pipe pools append both descriptors to ExtraFiles and
// report the numbers they will occupy in the child, which exec
// assigns in order starting at 3.
func (p *pipePool) configure(command *exec.Cmd) (makeflags.Address, error) {
	if p.closed.Load() {
		return makeflags.Address{}, ErrDisconnected
	}
	if p.fifoPath != "" {
		return makeflags.Address{Kind: makeflags.FIFO, Path: p.fifoPath}, nil
	}
	base := 3 + len(command.ExtraFiles)
	command.ExtraFiles = append(command.ExtraFiles, p.reader, p.writer)
	return makeflags.Address{Kind: makeflags.Pipe, ReadFD: base, WriteFD: base + 1}, nil
}

// close tears down the local descriptors. The writer goes first: once
// the last write description is gone, blocked reads see end of file
// and surface ErrDisconnected. Reads blocked while another process
// still holds a write description stay parked until that process
// exits or releases a token.
func (p *pipePool) close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		writeErr := p.writer.Close()
		readErr := p.reader.Close()
		var removeErr error
		if p.ownsFIFO {
			if e := os.Remove(p.fifoPath); e != nil && !errors.Is(e, os.ErrNotExist) {
				removeErr = e
			}
		}
		err = errors.Join(writeErr, readErr, removeErr)
	})
	return err
}
