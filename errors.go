// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobserver

import "errors"

// Errors returned by FromEnv and by slot operations.
var (
	// ErrNoJobserver reports that neither MAKEFLAGS nor MFLAGS carries
	// jobserver flags. The process was not started under a coordinator;
	// callers typically fall back to running unshared.
	ErrNoJobserver = errors.New("jobserver: no jobserver in environment")

	// ErrDisconnected reports that the token pool is gone: the local
	// Server or Client was closed, or the shared resource reached end
	// of file. Tokens already held remain valid to Release.
	ErrDisconnected = errors.New("jobserver: token pool disconnected")
)
