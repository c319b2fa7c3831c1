// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobserver coordinates parallelism across a tree of cooperating
// processes using the GNU Make jobserver protocol.
//
// A top-level process creates a [Server] with a budget of N concurrent
// jobs. The server materializes N−1 tokens in a shared OS resource: a
// pre-loaded pipe on POSIX systems, a named counting semaphore on
// Windows. The budget's remaining slot is implicit: every process in
// the tree is entitled to run one job without holding a token, which is
// what lets a lone process make progress even when the resource is
// drained. Before starting each additional parallel job, a process
// acquires a token; when the job finishes, it releases the token so
// another process can proceed.
//
// The resource's address travels through the MAKEFLAGS and MFLAGS
// environment variables (see the makeflags package), so any descendant
// that preserves its environment can join. [Server.Client] returns the
// creating process's own view; [FromEnv] reconstructs a [Client] in a
// child from the inherited environment. [Client.Configure] prepares an
// exec.Cmd so the next generation can join in turn.
//
// Typical top-level usage:
//
//	server, err := jobserver.NewServer(runtime.NumCPU())
//	if err != nil { ... }
//	defer server.Close()
//	client := server.Client()
//
//	command := exec.Command("make", "all")
//	if err := client.Configure(command); err != nil { ... }
//
// Typical child usage:
//
//	client, err := jobserver.FromEnv()
//	if errors.Is(err, jobserver.ErrNoJobserver) {
//		// No coordinator upstream; run unshared.
//	}
//	token, err := client.Acquire()
//	if err != nil { ... }
//	defer token.Release()
//
// Acquisition blocks. [Client.AcquireContext] adds cancellation by
// racing a context against a dedicated worker, never by polling the
// resource. There are no acquire timeouts and no fairness ordering
// among blocked acquirers; the kernel primitives underneath provide
// neither.
package jobserver
