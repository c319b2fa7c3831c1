// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package makeflags encodes and decodes the jobserver address carried in
// MAKEFLAGS-style environment variables.
//
// A top-level build process advertises its token resource by setting a
// flag word inside the MAKEFLAGS (and MFLAGS) value it hands to child
// processes. Children at any depth recover the address by scanning the
// variable, so the resource travels through arbitrary intermediaries
// that merely preserve the environment. Three address forms exist:
//
//	--jobserver-fds=R,W        descriptor pair (POSIX anonymous pipe)
//	--jobserver-auth=R,W       same payload under the documented flag name
//	--jobserver-auth=fifo:PATH named pipe, joined by path
//	--jobserver-auth=NAME      named semaphore (Windows)
//
// The codec is platform-neutral: it classifies values without asking
// whether the current platform can serve them. [Extract] parses a
// variable value into an [Address]; [Address.Format] produces the
// canonical child-facing value. Writers emit both flag names with the
// same payload (except the fifo form, which only auth-aware peers
// understand), and readers prefer --jobserver-auth over the legacy
// --jobserver-fds regardless of position, taking the last occurrence of
// whichever flag wins.
package makeflags
