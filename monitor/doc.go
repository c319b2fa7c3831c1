// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitor exposes a running jobserver.Server for inspection
// over a Unix socket.
//
// The wire protocol is a single CBOR-encoded Request per connection
// answered by a single CBOR-encoded Response. Query implements the
// client side; jobserver-stat is a thin wrapper around it.
package monitor
