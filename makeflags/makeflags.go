// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package makeflags

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies which OS resource an Address names.
type Kind int

const (
	// Pipe is an anonymous pipe addressed by a read/write descriptor
	// pair. Joining requires inheriting the descriptors from the
	// advertising process.
	Pipe Kind = iota + 1

	// FIFO is a named pipe addressed by filesystem path. Joining
	// requires only the path, no descriptor inheritance.
	FIFO

	// Semaphore is a named counting semaphore (Windows). Joining
	// requires only the name.
	Semaphore
)

// String returns the kind's lowercase name for diagnostics.
func (k Kind) String() string {
	switch k {
	case Pipe:
		return "pipe"
	case FIFO:
		return "fifo"
	case Semaphore:
		return "semaphore"
	default:
		return "invalid"
	}
}

// Address names a jobserver token resource. Exactly one form is
// populated, selected by Kind: the descriptor pair for Pipe, Path for
// FIFO, Name for Semaphore.
type Address struct {
	Kind Kind

	// ReadFD and WriteFD are the descriptor numbers of the pipe's read
	// and write ends, as visible in the process that parses the value.
	ReadFD  int
	WriteFD int

	// Path is the fifo's filesystem path.
	Path string

	// Name is the semaphore's object name.
	Name string
}

// ErrNotConfigured is returned by Extract when the value contains no
// jobserver flag at all. Callers treat this as "no jobserver" and
// degrade to unshared operation rather than failing.
var ErrNotConfigured = errors.New("no jobserver flags in environment value")

// ParseError reports a jobserver flag that was present but whose value
// could not be understood. Distinct from ErrNotConfigured: a ParseError
// means a peer advertised an address this process cannot trust, which
// callers surface rather than silently running unshared.
type ParseError struct {
	// Word is the offending whitespace-delimited flag word, for
	// example "--jobserver-fds=3,x".
	Word string

	// Reason describes what is wrong with the value.
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %q: %s", e.Word, e.Reason)
}

const (
	authFlag = "--jobserver-auth="
	fdsFlag  = "--jobserver-fds="
	fifoTag  = "fifo:"
)

// Extract scans a MAKEFLAGS-style value for jobserver flags and returns
// the advertised Address.
//
// The value is split on whitespace and every word is examined.
// --jobserver-auth is preferred over --jobserver-fds regardless of
// position (auth is the documented flag; fds the internal legacy one);
// within the winning flag the last occurrence is authoritative, so a
// process that re-advertises an address by appending to an inherited
// value overrides its ancestors.
//
// Value grammar: "R,W" with both halves non-negative decimal integers
// is a Pipe; "fifo:PATH" with a non-empty path is a FIFO; any other
// non-empty word is a Semaphore name. A value containing a comma is
// always interpreted as a descriptor pair, so a malformed pair is a
// ParseError rather than an implausible semaphore name.
//
// Returns ErrNotConfigured when no jobserver flag is present, and a
// *ParseError when a flag is present but malformed.
func Extract(value string) (Address, error) {
	var (
		lastAuth, lastFDs string
		haveAuth, haveFDs bool
	)
	for _, word := range strings.Fields(value) {
		if payload, ok := strings.CutPrefix(word, authFlag); ok {
			lastAuth, haveAuth = payload, true
			continue
		}
		if payload, ok := strings.CutPrefix(word, fdsFlag); ok {
			lastFDs, haveFDs = payload, true
		}
	}

	switch {
	case haveAuth:
		return parseValue(authFlag+lastAuth, lastAuth)
	case haveFDs:
		return parseValue(fdsFlag+lastFDs, lastFDs)
	default:
		return Address{}, ErrNotConfigured
	}
}

// parseValue classifies a single flag payload. word is the full flag
// word for error reporting.
func parseValue(word, payload string) (Address, error) {
	if payload == "" {
		return Address{}, &ParseError{Word: word, Reason: "empty value"}
	}

	if path, ok := strings.CutPrefix(payload, fifoTag); ok {
		if path == "" {
			return Address{}, &ParseError{Word: word, Reason: "empty fifo path"}
		}
		return Address{Kind: FIFO, Path: path}, nil
	}

	if readText, writeText, ok := strings.Cut(payload, ","); ok {
		readFD, err := strconv.Atoi(readText)
		if err != nil {
			return Address{}, &ParseError{Word: word, Reason: fmt.Sprintf("read descriptor %q is not a number", readText)}
		}
		writeFD, err := strconv.Atoi(writeText)
		if err != nil {
			return Address{}, &ParseError{Word: word, Reason: fmt.Sprintf("write descriptor %q is not a number", writeText)}
		}
		if readFD < 0 || writeFD < 0 {
			return Address{}, &ParseError{Word: word, Reason: "negative descriptor"}
		}
		return Address{Kind: Pipe, ReadFD: readFD, WriteFD: writeFD}, nil
	}

	return Address{Kind: Semaphore, Name: payload}, nil
}

// Format returns the canonical child-facing variable value for the
// address. Pipe and Semaphore addresses carry the payload under both
// flag names so that peers reading either one can join. The fifo form
// is emitted under --jobserver-auth only: peers old enough to read
// --jobserver-fds predate the fifo: syntax and could not join anyway.
// The leading "-j" marks the value as enabling parallelism for peers
// that check.
func (a Address) Format() string {
	switch a.Kind {
	case Pipe:
		pair := fmt.Sprintf("%d,%d", a.ReadFD, a.WriteFD)
		return fmt.Sprintf("-j %s%s %s%s", fdsFlag, pair, authFlag, pair)
	case FIFO:
		return fmt.Sprintf("-j %s%s%s", authFlag, fifoTag, a.Path)
	case Semaphore:
		return fmt.Sprintf("-j %s%s %s%s", fdsFlag, a.Name, authFlag, a.Name)
	default:
		return ""
	}
}

// Validate checks that the address is structurally usable: descriptors
// non-negative for Pipe, path non-empty for FIFO, name non-empty for
// Semaphore. It does not check that the named resource exists.
func (a Address) Validate() error {
	switch a.Kind {
	case Pipe:
		if a.ReadFD < 0 || a.WriteFD < 0 {
			return fmt.Errorf("pipe address with negative descriptor %d,%d", a.ReadFD, a.WriteFD)
		}
		return nil
	case FIFO:
		if a.Path == "" {
			return errors.New("fifo address with empty path")
		}
		return nil
	case Semaphore:
		if a.Name == "" {
			return errors.New("semaphore address with empty name")
		}
		return nil
	default:
		return fmt.Errorf("address kind %d is not valid", int(a.Kind))
	}
}

// String returns a short human-readable description of the address.
func (a Address) String() string {
	switch a.Kind {
	case Pipe:
		return fmt.Sprintf("pipe %d,%d", a.ReadFD, a.WriteFD)
	case FIFO:
		return "fifo " + a.Path
	case Semaphore:
		return "semaphore " + a.Name
	default:
		return "invalid address"
	}
}
