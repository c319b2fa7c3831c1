// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package jobserver

import "fmt"

// Server owns a token pool. The process that creates the Server is
// the coordinator for every process that inherits the pool's address.
type Server struct {
	pool   tokenPool
	budget int
	client *Client
}

// Status is a point-in-time snapshot of a Server's pool.
// Available + Outstanding == Tokens in every report.
type Status struct {
	// Budget is the total number of concurrent jobs, N.
	Budget int `json:"budget"`

	// Tokens is the pool's capacity, N−1. The remaining slot is the
	// implicit one each process carries itself.
	Tokens int `json:"tokens"`

	// Available is the number of tokens in the pool at the snapshot.
	Available int `json:"available"`

	// Outstanding is Tokens − Available: tokens held by processes.
	Outstanding int `json:"outstanding"`

	// Address describes the backend resource.
	Address string `json:"address"`
}

// NewServer creates a pool with a budget of budget concurrent jobs
// and deposits budget−1 tokens in it. The budget must be between 1
// and 16384. On POSIX systems the pool is an anonymous close-on-exec
// pipe, joinable only by descriptor inheritance; on Windows it is a
// named semaphore with a crypto-random name.
func NewServer(budget int) (*Server, error) {
	return newServer(budget, false)
}

// NewFIFOServer is NewServer backed by a named FIFO (0600, random
// name under the system temporary directory), joinable by path
// instead of descriptor inheritance. On Windows it is identical to
// NewServer: the semaphore is already a named object.
func NewFIFOServer(budget int) (*Server, error) {
	return newServer(budget, true)
}

func newServer(budget int, useFIFO bool) (*Server, error) {
	if budget < minBudget || budget > maxBudget {
		return nil, fmt.Errorf("jobserver budget must be between %d and %d, got %d", minBudget, maxBudget, budget)
	}
	pool, err := newServerPool(budget-1, useFIFO)
	if err != nil {
		return nil, err
	}
	return &Server{pool: pool, budget: budget, client: &Client{pool: pool}}, nil
}

// Client returns the server's own view of the pool. Every call
// returns the same client; it shares the server's pool, and closing
// either closes both.
func (s *Server) Client() *Client {
	return s.client
}

// Budget reports the total job count N.
func (s *Server) Budget() int {
	return s.budget
}

// Tokens reports the pool capacity, N−1.
func (s *Server) Tokens() int {
	return s.budget - 1
}

// Status reports a snapshot of the pool. It returns ErrDisconnected
// after Close.
func (s *Server) Status() (Status, error) {
	available, err := s.pool.available()
	if err != nil {
		return Status{}, err
	}
	tokens := s.budget - 1
	return Status{
		Budget:      s.budget,
		Tokens:      tokens,
		Available:   available,
		Outstanding: tokens - available,
		Address:     s.pool.address().String(),
	}, nil
}

// Close tears the pool down. Idempotent. In-process views fail their
// next operation with ErrDisconnected. Clients in other processes
// observe teardown through the protocol: once the last write
// descriptor vanishes their blocked acquires fail over, but while
// other live processes still hold inherited descriptors those
// acquires keep waiting.
func (s *Server) Close() error {
	return s.pool.close()
}
