// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobserver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"

	"github.com/bureau-foundation/jobserver/makeflags"
)

// Client is a handle on a shared token pool. Obtain one from
// Server.Client in the process that owns the pool, or from FromEnv in
// a process that inherited it. All methods are safe for concurrent
// use.
type Client struct {
	pool tokenPool

	// held counts pool tokens this client has acquired and not yet
	// released. The implicit slot is not included.
	held atomic.Int64

	// implicitOut is true while the process's implicit slot is lent
	// out through Implicit.
	implicitOut atomic.Bool
}

// envVariables is the lookup order for inherited jobserver flags.
var envVariables = [...]string{"MAKEFLAGS", "MFLAGS"}

// FromEnv reconstructs a Client from the inherited environment.
//
// It returns ErrNoJobserver when neither MAKEFLAGS nor MFLAGS carries
// jobserver flags, a *makeflags.ParseError when flags are present but
// malformed, and a descriptive error when a well-formed address is
// unusable: a descriptor that is not an inheritable pipe, a missing
// fifo, or an address kind the platform cannot serve.
//
// Pipe descriptors are validated and duplicated close-on-exec, so the
// returned client stays valid even if the caller later closes or
// reuses the inherited descriptor numbers.
func FromEnv() (*Client, error) {
	for _, name := range envVariables {
		value, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		address, err := makeflags.Extract(value)
		if errors.Is(err, makeflags.ErrNotConfigured) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		pool, err := openEnvPool(address)
		if err != nil {
			return nil, err
		}
		return &Client{pool: pool}, nil
	}
	return nil, ErrNoJobserver
}

// Acquire blocks until a token is available and returns it. It
// returns ErrDisconnected once the pool has been closed, locally or
// by the coordinator going away.
func (c *Client) Acquire() (*Token, error) {
	value, err := c.pool.acquire()
	if err != nil {
		return nil, err
	}
	c.held.Add(1)
	return &Token{client: c, value: value}, nil
}

type acquireResult struct {
	token *Token
	err   error
}

// AcquireContext is Acquire with cancellation. The pool is never
// polled: each attempt runs one worker goroutine in the plain
// blocking acquire and races its handoff against ctx.
//
// A cancelled attempt returns ctx.Err() immediately. Its worker may
// stay parked in the OS until one token transits the pool or the pool
// closes; if the worker does obtain a token after cancellation, the
// token is released back, so a cancelled attempt never moves the pool
// count.
func (c *Client) AcquireContext(ctx context.Context) (*Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	handoff := make(chan acquireResult, 1)
	go func() {
		token, err := c.Acquire()
		handoff <- acquireResult{token: token, err: err}
	}()
	select {
	case result := <-handoff:
		return result.token, result.err
	case <-ctx.Done():
		go func() {
			if result := <-handoff; result.err == nil {
				result.token.Release()
			}
		}()
		return nil, ctx.Err()
	}
}

// Implicit hands out the process's implicit slot: the one job every
// process in the tree may run without holding a pool token. The slot
// exists once per client; Implicit reports false while it is out, and
// releasing the returned token re-arms it. The pool is never touched.
func (c *Client) Implicit() (*Token, bool) {
	if !c.implicitOut.CompareAndSwap(false, true) {
		return nil, false
	}
	return &Token{client: c, implicit: true}, true
}

// Available reports the number of tokens in the pool right now. The
// value is a racy snapshot: another process may take or return a
// token between the report and any action taken on it.
func (c *Client) Available() (int, error) {
	return c.pool.available()
}

// Held reports the number of pool tokens this client currently holds.
// The implicit slot is not counted.
func (c *Client) Held() int {
	return int(c.held.Load())
}

// Configure prepares command to join the pool. Pipe pools append
// their two descriptors to command.ExtraFiles; fifo and semaphore
// pools travel by name alone. MAKEFLAGS and MFLAGS in the command's
// environment are replaced with the child-visible address; all other
// variables are preserved from command.Env, or from the parent
// environment when command.Env is nil.
//
// Returns ErrDisconnected on a closed client.
func (c *Client) Configure(command *exec.Cmd) error {
	address, err := c.pool.configure(command)
	if err != nil {
		return err
	}
	environment := command.Env
	if environment == nil {
		environment = os.Environ()
	}
	command.Env = setJobserverVariables(environment, address.Format())
	return nil
}

// setJobserverVariables returns environment with every MAKEFLAGS and
// MFLAGS entry dropped and both appended carrying exactly value.
func setJobserverVariables(environment []string, value string) []string {
	kept := make([]string, 0, len(environment)+2)
	for _, entry := range environment {
		if strings.HasPrefix(entry, "MAKEFLAGS=") || strings.HasPrefix(entry, "MFLAGS=") {
			continue
		}
		kept = append(kept, entry)
	}
	return append(kept, "MAKEFLAGS="+value, "MFLAGS="+value)
}

// Close tears down the client's view of the pool. A client from
// Server.Client shares the server's pool, so closing either closes
// both. Close is idempotent. Tokens still held remain valid to
// Release.
func (c *Client) Close() error {
	return c.pool.close()
}

// String identifies the backend for diagnostics.
func (c *Client) String() string {
	return fmt.Sprintf("jobserver(%s)", c.pool.address())
}

func (c *Client) releaseToken(value byte) error {
	c.held.Add(-1)
	return c.pool.release(value)
}

func (c *Client) releaseImplicit() {
	c.implicitOut.Store(false)
}
