// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobserver

import "sync/atomic"

// Token is a held job slot. Exactly one job may run under each token.
// Tokens are returned by Client.Acquire, Client.AcquireContext, and
// Client.Implicit, and must be given back with Release when the job
// finishes. A Token is not copied; pass the pointer.
type Token struct {
	client   *Client
	value    byte
	implicit bool
	released atomic.Bool
}

// Release returns the slot to the pool. Release is idempotent: second
// and later calls are no-ops and return nil. Releasing after the pool
// has been closed, or after the coordinator went away, also returns
// nil.
func (t *Token) Release() error {
	if !t.released.CompareAndSwap(false, true) {
		return nil
	}
	if t.implicit {
		t.client.releaseImplicit()
		return nil
	}
	return t.client.releaseToken(t.value)
}
