// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package rmap

import "sync"

// SocketOption customizes Engine.Socket.
type SocketOption func(*socketOptions)

type socketOptions struct {
	retry *int
}

// WithRetry bounds the number of resends after a reply timeout: a
// Socket built with WithRetry(n) sends a command at most n+1 times
// before returning the timeout sentinel, renewing its TID after each
// timed-out attempt. The default, leaving this unset, is an unbounded
// retry budget.
func WithRetry(n int) SocketOption {
	return func(o *socketOptions) { o.retry = &n }
}

// Socket is a caller's handle onto one leased transaction ID and its
// reply mailbox. Read and Write are not safe for concurrent use on the
// same Socket: the documented discipline is one socket per caller task.
// Distinct sockets sharing an engine may be used concurrently.
type Socket struct {
	mu sync.Mutex

	engine *Engine
	dest   *Destination
	mb     mailbox
	tid    uint16

	retry   *int // nil = unbounded
	retries int
}

// ReadOptions carries the flags Read accepts beyond address and length.
type ReadOptions struct {
	Increment       *bool
	ExtendedAddress byte
}

// Read issues an RMAP read command and waits for its reply, renewing
// the socket's transaction ID and retrying on timeout up to the
// configured retry budget. Exhausting the budget returns (nil, -1)
// rather than an error, preserving the source engine's sentinel
// contract.
func (s *Socket) Read(address uint32, length int, opts ReadOptions) ([]uint32, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		packet, err := Packetize(s.tid, s.dest, address, length, nil, PacketizeOptions{
			ExtendedAddress: opts.ExtendedAddress,
			Increment:       opts.Increment,
		})
		if err != nil {
			return nil, -1
		}
		s.engine.enqueue(packet)

		reply, ok := s.mb.wait(s.engine.cfg.Timeout)
		if ok {
			return reply.Data, int(reply.Status)
		}

		if s.engine.metrics != nil {
			s.engine.metrics.Timeouts.Inc()
		}
		if exhausted := s.renewAfterTimeout(); exhausted {
			return nil, -1
		}
	}
}

// WriteOptions carries the flags Write accepts beyond address and data.
type WriteOptions struct {
	Verify          *bool
	Ack             *bool
	Increment       *bool
	ExtendedAddress byte
}

// Write issues an RMAP write command. When opts.Ack resolves to false
// the command is fire-and-forget: it is enqueued and Write returns
// immediately without waiting on the mailbox, reporting (0, false) so
// callers can tell "no ack requested" apart from a genuine status-0
// reply. Otherwise Write waits for the reply status, applying the same
// timeout-and-retry discipline as Read, and returns (-1, true) once the
// retry budget is exhausted.
func (s *Socket) Write(address uint32, data []uint32, opts WriteOptions) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ackWanted := boolOr(opts.Ack, true)

	for {
		packet, err := Packetize(s.tid, s.dest, address, len(data), data, PacketizeOptions{
			ExtendedAddress: opts.ExtendedAddress,
			Increment:       opts.Increment,
			Verify:          opts.Verify,
			Ack:             opts.Ack,
		})
		if err != nil {
			return -1, true
		}
		s.engine.enqueue(packet)

		if !ackWanted {
			return 0, false
		}

		reply, ok := s.mb.wait(s.engine.cfg.Timeout)
		if ok {
			return int(reply.Status), true
		}

		if s.engine.metrics != nil {
			s.engine.metrics.Timeouts.Inc()
		}
		if exhausted := s.renewAfterTimeout(); exhausted {
			return -1, true
		}
	}
}

// renewAfterTimeout quarantines the current TID, drains any stray
// mailbox entry, acquires a fresh TID and mailbox, and reports whether
// the retry budget is now exhausted.
func (s *Socket) renewAfterTimeout() bool {
	s.engine.releaseTID(s.tid, true)
	s.mb.drain()

	s.mb = newMailbox()
	s.tid = s.engine.acquireTID(s.mb)
	s.retries++

	if s.engine.metrics != nil {
		s.engine.metrics.Retries.Inc()
	}

	return s.retry != nil && s.retries > *s.retry
}

// Close releases the socket's transaction ID straight back to the
// engine's free pool; it is not quarantined. Close waits for any Read
// or Write in progress on this socket, so the released TID is one a
// timed-out attempt has already been renewed away from.
func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engine.releaseTID(s.tid, false)
	return nil
}

// Retries reports the number of TID renewals this socket has performed
// due to timeout, for diagnostics and tests.
func (s *Socket) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}
