// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobserver

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/jobserver/internal/testutil"
	"github.com/bureau-foundation/jobserver/makeflags"
)

func newTestServer(t *testing.T, budget int) *Server {
	t.Helper()
	server, err := NewServer(budget)
	if err != nil {
		t.Fatalf("creating server with budget %d: %v", budget, err)
	}
	t.Cleanup(func() { server.Close() })
	return server
}

// drainPool acquires every token the pool holds and returns them.
func drainPool(t *testing.T, client *Client, count int) []*Token {
	t.Helper()
	tokens := make([]*Token, 0, count)
	for i := range count {
		token, err := client.Acquire()
		if err != nil {
			t.Fatalf("acquiring token %d of %d: %v", i+1, count, err)
		}
		tokens = append(tokens, token)
	}
	return tokens
}

func requireAvailable(t *testing.T, client *Client, want int) {
	t.Helper()
	available, err := client.Available()
	if err != nil {
		t.Fatalf("reading available count: %v", err)
	}
	if available != want {
		t.Fatalf("available = %d, want %d", available, want)
	}
}

func TestAcquireReleaseConservation(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, 4)
	client := server.Client()

	requireAvailable(t, client, 3)
	tokens := drainPool(t, client, 3)
	requireAvailable(t, client, 0)
	if held := client.Held(); held != 3 {
		t.Fatalf("held = %d, want 3", held)
	}

	for _, token := range tokens {
		if err := token.Release(); err != nil {
			t.Fatalf("releasing token: %v", err)
		}
	}
	requireAvailable(t, client, 3)
	if held := client.Held(); held != 0 {
		t.Fatalf("held after release = %d, want 0", held)
	}
}

func TestAcquireHandsOffReleasedToken(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, 2)
	client := server.Client()

	tokens := drainPool(t, client, 1)
	requireAvailable(t, client, 0)

	acquired := make(chan *Token, 1)
	go func() {
		token, err := client.Acquire()
		if err != nil {
			t.Errorf("blocked acquire failed: %v", err)
			close(acquired)
			return
		}
		acquired <- token
	}()

	if err := tokens[0].Release(); err != nil {
		t.Fatalf("releasing held token: %v", err)
	}
	token := testutil.RequireReceive(t, acquired, 5*time.Second, "waiting for blocked acquire")
	if token == nil {
		t.Fatal("blocked acquire returned nil token")
	}
	if err := token.Release(); err != nil {
		t.Fatalf("releasing handed-off token: %v", err)
	}
	requireAvailable(t, client, 1)
}

func TestTokenDoubleRelease(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, 3)
	client := server.Client()

	token, err := client.Acquire()
	if err != nil {
		t.Fatalf("acquiring: %v", err)
	}
	if err := token.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := token.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	// The second release must not double-deposit or double-decrement.
	requireAvailable(t, client, 2)
	if held := client.Held(); held != 0 {
		t.Fatalf("held = %d, want 0", held)
	}
}

func TestImplicitSlotBudgetOne(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, 1)
	client := server.Client()

	if tokens := server.Tokens(); tokens != 0 {
		t.Fatalf("tokens = %d, want 0", tokens)
	}
	requireAvailable(t, client, 0)

	token, ok := client.Implicit()
	if !ok {
		t.Fatal("implicit slot not available on a fresh client")
	}
	if _, ok := client.Implicit(); ok {
		t.Fatal("implicit slot handed out twice")
	}
	if err := token.Release(); err != nil {
		t.Fatalf("releasing implicit token: %v", err)
	}
	if _, ok := client.Implicit(); !ok {
		t.Fatal("implicit slot not re-armed by release")
	}
	// The implicit slot never touches the pool.
	requireAvailable(t, client, 0)
	if held := client.Held(); held != 0 {
		t.Fatalf("held = %d, want 0", held)
	}
}

func TestImplicitDoubleReleaseSingleRearm(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, 1)
	client := server.Client()

	token, ok := client.Implicit()
	if !ok {
		t.Fatal("implicit slot not available")
	}
	if err := token.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	second, ok := client.Implicit()
	if !ok {
		t.Fatal("slot not re-armed")
	}
	// The stale guard's second release must not re-arm while the
	// slot is out again.
	if err := token.Release(); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if _, ok := client.Implicit(); ok {
		t.Fatal("stale double-release re-armed the implicit slot")
	}
	if err := second.Release(); err != nil {
		t.Fatalf("releasing current token: %v", err)
	}
}

func TestAcquireContextSuccess(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, 2)
	client := server.Client()

	token, err := client.AcquireContext(context.Background())
	if err != nil {
		t.Fatalf("acquiring with context: %v", err)
	}
	if err := token.Release(); err != nil {
		t.Fatalf("releasing: %v", err)
	}
	requireAvailable(t, client, 1)
}

func TestAcquireContextPreCancelled(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, 2)
	client := server.Client()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.AcquireContext(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	requireAvailable(t, client, 1)
}

func TestAcquireContextCancelledWhileBlocked(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, 4)
	client := server.Client()

	held := drainPool(t, client, 3)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := client.AcquireContext(ctx)
		result <- err
	}()
	cancel()
	if err := testutil.RequireReceive(t, result, 5*time.Second, "waiting for cancelled acquire"); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}

	// The cancelled attempt's worker may still take one returning
	// token and release it again. Conservation says three blocking
	// acquires must succeed after three releases either way.
	for _, token := range held {
		if err := token.Release(); err != nil {
			t.Fatalf("releasing: %v", err)
		}
	}
	reacquired := drainPool(t, client, 3)
	for _, token := range reacquired {
		if err := token.Release(); err != nil {
			t.Fatalf("releasing reacquired token: %v", err)
		}
	}
	requireAvailable(t, client, 3)
}

func TestAcquireContextChurn(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, 4)
	client := server.Client()

	// Workers cycle tokens while cancellers fire doomed attempts at
	// the same pool. Afterward the full capacity must still drain.
	var group sync.WaitGroup
	for range 8 {
		group.Add(1)
		go func() {
			defer group.Done()
			for range 25 {
				token, err := client.AcquireContext(context.Background())
				if err != nil {
					t.Errorf("churn acquire: %v", err)
					return
				}
				if err := token.Release(); err != nil {
					t.Errorf("churn release: %v", err)
					return
				}
			}
		}()
	}
	for range 8 {
		group.Add(1)
		go func() {
			defer group.Done()
			for range 25 {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				if _, err := client.AcquireContext(ctx); !errors.Is(err, context.Canceled) {
					t.Errorf("cancelled acquire error = %v, want context.Canceled", err)
					return
				}
			}
		}()
	}
	group.Wait()

	tokens := drainPool(t, client, 3)
	for _, token := range tokens {
		if err := token.Release(); err != nil {
			t.Fatalf("releasing after churn: %v", err)
		}
	}
	requireAvailable(t, client, 3)
}

func TestCancelStormConservesSingleToken(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, 2)
	client := server.Client()

	held := drainPool(t, client, 1)

	ctx, cancel := context.WithCancel(context.Background())
	var group sync.WaitGroup
	results := make(chan error, 50)
	for range 50 {
		group.Add(1)
		go func() {
			defer group.Done()
			_, err := client.AcquireContext(ctx)
			results <- err
		}()
	}
	cancel()
	group.Wait()
	close(results)
	for err := range results {
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("storm result = %v, want context.Canceled", err)
		}
	}

	// Every storm attempt was cancelled against an empty pool; after
	// returning the one token, exactly one acquire must succeed.
	if err := held[0].Release(); err != nil {
		t.Fatalf("releasing: %v", err)
	}
	token, err := client.Acquire()
	if err != nil {
		t.Fatalf("acquiring after storm: %v", err)
	}
	if err := token.Release(); err != nil {
		t.Fatalf("releasing after storm: %v", err)
	}
	requireAvailable(t, client, 1)
}

func TestCloseDisconnects(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, 3)
	client := server.Client()

	if err := server.Close(); err != nil {
		t.Fatalf("closing server: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := client.Acquire(); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Acquire error = %v, want ErrDisconnected", err)
	}
	if _, err := client.AcquireContext(context.Background()); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("AcquireContext error = %v, want ErrDisconnected", err)
	}
	if _, err := client.Available(); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Available error = %v, want ErrDisconnected", err)
	}
	if _, err := server.Status(); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Status error = %v, want ErrDisconnected", err)
	}
}

func TestTokenReleaseAfterClose(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, 3)
	client := server.Client()

	token, err := client.Acquire()
	if err != nil {
		t.Fatalf("acquiring: %v", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("closing: %v", err)
	}
	if err := token.Release(); err != nil {
		t.Fatalf("release after close: %v", err)
	}
	if held := client.Held(); held != 0 {
		t.Fatalf("held = %d, want 0", held)
	}
}

func TestClientCloseEquivalentToServerClose(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, 2)
	client := server.Client()

	if err := client.Close(); err != nil {
		t.Fatalf("closing client: %v", err)
	}
	if _, err := server.Status(); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("Status error after client close = %v, want ErrDisconnected", err)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("server close after client close: %v", err)
	}
}

func TestFromEnvAbsent(t *testing.T) {
	clearVariable(t, "MAKEFLAGS")
	clearVariable(t, "MFLAGS")
	if _, err := FromEnv(); !errors.Is(err, ErrNoJobserver) {
		t.Fatalf("error = %v, want ErrNoJobserver", err)
	}
}

func TestFromEnvUnconfigured(t *testing.T) {
	t.Setenv("MAKEFLAGS", "-k -w --no-print-directory")
	t.Setenv("MFLAGS", "-k")
	if _, err := FromEnv(); !errors.Is(err, ErrNoJobserver) {
		t.Fatalf("error = %v, want ErrNoJobserver", err)
	}
}

func TestFromEnvMalformed(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"empty auth", "-j --jobserver-auth="},
		{"non-numeric descriptor", "-j --jobserver-auth=3,x"},
		{"negative descriptor", "-j --jobserver-auth=-1,4"},
		{"empty fifo path", "-j --jobserver-auth=fifo:"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Setenv("MAKEFLAGS", test.value)
			t.Setenv("MFLAGS", "")
			_, err := FromEnv()
			var parseErr *makeflags.ParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("error = %v, want *makeflags.ParseError", err)
			}
			if errors.Is(err, ErrNoJobserver) {
				t.Fatal("malformed flags reported as absent jobserver")
			}
		})
	}
}

func TestFromEnvAdoptsPool(t *testing.T) {
	server := newTestServer(t, 3)
	value := server.pool.address().Format()
	t.Setenv("MAKEFLAGS", value)
	t.Setenv("MFLAGS", value)

	client, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	requireAvailable(t, client, 2)

	token, err := client.Acquire()
	if err != nil {
		t.Fatalf("acquiring through adopted client: %v", err)
	}
	requireAvailable(t, server.Client(), 1)
	if err := token.Release(); err != nil {
		t.Fatalf("releasing: %v", err)
	}
	requireAvailable(t, server.Client(), 2)

	// The adopted client owns duplicated handles; closing it leaves
	// the server's pool working.
	if err := client.Close(); err != nil {
		t.Fatalf("closing adopted client: %v", err)
	}
	requireAvailable(t, server.Client(), 2)
}

func TestFromEnvFallsBackToMFLAGS(t *testing.T) {
	server := newTestServer(t, 2)
	t.Setenv("MAKEFLAGS", "-k")
	t.Setenv("MFLAGS", server.pool.address().Format())

	client, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	defer client.Close()
	requireAvailable(t, client, 1)
}

func TestSetJobserverVariables(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		environment []string
		want        []string
	}{
		{
			name:        "clobbers inherited flags",
			environment: []string{"PATH=/bin", "MAKEFLAGS=-j2", "MFLAGS=-j2", "HOME=/h"},
			want:        []string{"PATH=/bin", "HOME=/h", "MAKEFLAGS=-j --jobserver-auth=fifo:/t/p", "MFLAGS=-j --jobserver-auth=fifo:/t/p"},
		},
		{
			name:        "appends to clean environment",
			environment: []string{"PATH=/bin"},
			want:        []string{"PATH=/bin", "MAKEFLAGS=-j --jobserver-auth=fifo:/t/p", "MFLAGS=-j --jobserver-auth=fifo:/t/p"},
		},
		{
			name:        "drops every stale occurrence",
			environment: []string{"MAKEFLAGS=a", "MAKEFLAGS=b", "MFLAGS=c"},
			want:        []string{"MAKEFLAGS=-j --jobserver-auth=fifo:/t/p", "MFLAGS=-j --jobserver-auth=fifo:/t/p"},
		},
		{
			name:        "empty environment",
			environment: []string{},
			want:        []string{"MAKEFLAGS=-j --jobserver-auth=fifo:/t/p", "MFLAGS=-j --jobserver-auth=fifo:/t/p"},
		},
	}
	value := "-j --jobserver-auth=fifo:/t/p"
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := setJobserverVariables(test.environment, value)
			if len(got) != len(test.want) {
				t.Fatalf("entry count = %d, want %d (%q)", len(got), len(test.want), got)
			}
			for i := range got {
				if got[i] != test.want[i] {
					t.Fatalf("entry %d = %q, want %q", i, got[i], test.want[i])
				}
			}
		})
	}
}

func TestClientString(t *testing.T) {
	t.Parallel()
	server := newTestServer(t, 2)
	if s := server.Client().String(); !strings.HasPrefix(s, "jobserver(") {
		t.Fatalf("String() = %q, want jobserver(...) form", s)
	}
}

// clearVariable unsets name for the duration of the test. t.Setenv
// registers the restore before the variable is removed.
func clearVariable(t *testing.T, name string) {
	t.Helper()
	t.Setenv(name, os.Getenv(name))
	os.Unsetenv(name)
}
