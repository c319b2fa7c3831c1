// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package jobserver

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/bureau-foundation/jobserver/makeflags"
)

// The semaphore family is not wrapped by x/sys/windows; bind the
// three calls directly.
var (
	kernel32             = windows.NewLazySystemDLL("kernel32.dll")
	procCreateSemaphoreW = kernel32.NewProc("CreateSemaphoreW")
	procOpenSemaphoreW   = kernel32.NewProc("OpenSemaphoreW")
	procReleaseSemaphore = kernel32.NewProc("ReleaseSemaphore")
)

// semaphorePool is the Windows token pool: a named counting semaphore
// whose count is the number of free slots. The name travels through
// the environment; children open the semaphore themselves, so no
// handle inheritance is involved.
type semaphorePool struct {
	handle windows.Handle
	name   string

	closed    atomic.Bool
	closeOnce sync.Once
}

// newServerPool ignores useFIFO: the semaphore is already a named
// object, so the named and anonymous variants coincide on Windows.
func newServerPool(tokens int, useFIFO bool) (tokenPool, error) {
	_ = useFIFO
	// The semaphore maximum must be at least one. A zero-token pool
	// is created with count one and drained immediately.
	createCount := tokens
	if createCount == 0 {
		createCount = 1
	}
	for attempt := 0; attempt < 100; attempt++ {
		suffix := make([]byte, 8)
		if _, err := rand.Read(suffix); err != nil {
			return nil, fmt.Errorf("generating semaphore name: %w", err)
		}
		name := "jobserver_" + hex.EncodeToString(suffix)
		namePointer, err := windows.UTF16PtrFromString(name)
		if err != nil {
			return nil, fmt.Errorf("encoding semaphore name %q: %w", name, err)
		}
		handle, _, lastErr := procCreateSemaphoreW.Call(
			0,
			uintptr(createCount),
			uintptr(createCount),
			uintptr(unsafe.Pointer(namePointer)),
		)
		if handle == 0 {
			return nil, fmt.Errorf("creating jobserver semaphore %q: %w", name, lastErr)
		}
		if errors.Is(lastErr, windows.ERROR_ALREADY_EXISTS) {
			windows.CloseHandle(windows.Handle(handle))
			continue
		}
		pool := &semaphorePool{handle: windows.Handle(handle), name: name}
		if tokens == 0 {
			if _, err := pool.acquire(); err != nil {
				pool.close()
				return nil, err
			}
		}
		return pool, nil
	}
	return nil, errors.New("creating jobserver semaphore: name space exhausted")
}

func openEnvPool(address makeflags.Address) (tokenPool, error) {
	switch address.Kind {
	case makeflags.Semaphore:
		namePointer, err := windows.UTF16PtrFromString(address.Name)
		if err != nil {
			return nil, fmt.Errorf("encoding semaphore name %q: %w", address.Name, err)
		}
		access := uint32(windows.SYNCHRONIZE | windows.SEMAPHORE_MODIFY_STATE)
		handle, _, lastErr := procOpenSemaphoreW.Call(
			uintptr(access),
			0,
			uintptr(unsafe.Pointer(namePointer)),
		)
		if handle == 0 {
			return nil, fmt.Errorf("opening jobserver semaphore %q: %w", address.Name, lastErr)
		}
		return &semaphorePool{handle: windows.Handle(handle), name: address.Name}, nil
	case makeflags.Pipe, makeflags.FIFO:
		return nil, errors.New("pipe jobserver requires a POSIX platform")
	default:
		return nil, fmt.Errorf("unsupported jobserver address kind %d", address.Kind)
	}
}

func (p *semaphorePool) acquire() (byte, error) {
	if p.closed.Load() {
		return 0, ErrDisconnected
	}
	event, err := windows.WaitForSingleObject(p.handle, windows.INFINITE)
	switch event {
	case windows.WAIT_OBJECT_0:
		if p.closed.Load() {
			// The pool closed while we waited; put the token back.
			p.releaseCount(1)
			return 0, ErrDisconnected
		}
		return fillByte, nil
	case windows.WAIT_FAILED:
		if p.closed.Load() {
			return 0, ErrDisconnected
		}
		return 0, fmt.Errorf("waiting on jobserver semaphore: %w", err)
	default:
		return 0, fmt.Errorf("waiting on jobserver semaphore: unexpected wait result %#x", event)
	}
}

func (p *semaphorePool) release(byte) error {
	_, err := p.releaseCount(1)
	if err != nil && p.closed.Load() {
		return nil
	}
	return err
}

// available probes with a zero-timeout wait. On success the token
// goes straight back, and the count reported by the release is the
// count from before the probe.
func (p *semaphorePool) available() (int, error) {
	if p.closed.Load() {
		return 0, ErrDisconnected
	}
	event, err := windows.WaitForSingleObject(p.handle, 0)
	switch event {
	case windows.WAIT_OBJECT_0:
		previous, releaseErr := p.releaseCount(1)
		if releaseErr != nil {
			return 0, releaseErr
		}
		return int(previous) + 1, nil
	case uint32(windows.WAIT_TIMEOUT):
		return 0, nil
	case windows.WAIT_FAILED:
		return 0, fmt.Errorf("probing jobserver semaphore: %w", err)
	default:
		return 0, fmt.Errorf("probing jobserver semaphore: unexpected wait result %#x", event)
	}
}

func (p *semaphorePool) releaseCount(count int32) (int32, error) {
	var previous int32
	ret, _, lastErr := procReleaseSemaphore.Call(
		uintptr(p.handle),
		uintptr(count),
		uintptr(unsafe.Pointer(&previous)),
	)
	if ret == 0 {
		return 0, fmt.Errorf("releasing jobserver semaphore: %w", lastErr)
	}
	return previous, nil
}

func (p *semaphorePool) address() makeflags.Address {
	return makeflags.Address{Kind: makeflags.Semaphore, Name: p.name}
}

// configure is environment-only on Windows: the child opens the
// semaphore by name.
func (p *semaphorePool) configure(*exec.Cmd) (makeflags.Address, error) {
	if p.closed.Load() {
		return makeflags.Address{}, ErrDisconnected
	}
	return p.address(), nil
}

// close invalidates the local handle. Acquires blocked in the kernel
// wait are not interrupted; they return when a token next arrives and
// then fail over to ErrDisconnected, handing the token onward.
func (p *semaphorePool) close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if closeErr := windows.CloseHandle(p.handle); closeErr != nil {
			err = fmt.Errorf("closing jobserver semaphore: %w", closeErr)
		}
	})
	return err
}
