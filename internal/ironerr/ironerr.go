// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ironerr defines the five-kind error taxonomy shared by the BPF,
// AMP, and UDP Proxy components, so that every component boundary can
// translate an internal failure into exactly one of the kinds the
// top-level event loop knows how to react to.
package ironerr

import "fmt"

// Kind classifies an error by how the owning event loop should react to it.
type Kind int

const (
	// Malformed is invalid wire input: bad JSON, unknown message kind,
	// an unparsable service/flow definition string. No state mutation.
	Malformed Kind = iota
	// PolicyRejected is valid input that violates an invariant: mutating
	// a static multicast group, exceeding a configured maximum, an
	// overlapping flow coupling. No state mutation.
	PolicyRejected
	// Transient is a transport error that should simply be retried on
	// the next tick: a full transmit buffer, a remote-control EAGAIN.
	Transient
	// PeerAbsent is a neighbor gone stale (no QLAM within the timeout)
	// or a disconnected remote-control endpoint.
	PeerAbsent
	// Fatal is a configuration error that requires the process to exit:
	// shared-memory attach failure, duplicate bin ID, oversubscribed
	// subnets.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed_input"
	case PolicyRejected:
		return "policy_rejected"
	case Transient:
		return "transient"
	case PeerAbsent:
		return "peer_absent"
	case Fatal:
		return "fatal_config"
	default:
		return "unknown"
	}
}

// Error is the common error shape every component boundary translates
// into. Only Fatal is allowed to propagate across the main-loop boundary;
// every other kind is handled (logged, retried, or turned into a protocol
// reply) by the component that produced it.
type Error struct {
	Kind    Kind
	Op      string // component/operation that produced the error
	Err     error  // wrapped cause, may be nil
	Message string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an Error of the given kind around an existing cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	ie, ok := err.(*Error)
	return ok && ie.Kind == kind
}

var (
	ErrStaticGroup     = New(PolicyRejected, "binmap", "cannot mutate a static multicast group")
	ErrGroupFull       = New(PolicyRejected, "binmap", "multicast group count exceeds configured maximum")
	ErrDstFull         = New(PolicyRejected, "binmap", "unicast destination count exceeds configured maximum")
	ErrBadSubtract     = New(PolicyRejected, "dstvec", "subtract is not a subset of original")
	ErrUnknownNeighbor = New(PeerAbsent, "bpf", "neighbor has no queue view")
	ErrStaleSeq        = New(Malformed, "qlam", "sequence number not greater than last accepted")
)
