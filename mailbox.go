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

import "time"

// mailbox is the single-slot rendezvous channel described in spec §9:
// semantically only one reply per TID is ever in flight, so a
// buffered-by-one channel makes that contract explicit instead of
// relying on an unbounded FIFO that could silently accumulate
// duplicate deliveries.
type mailbox chan *Reply

func newMailbox() mailbox {
	return make(mailbox, 1)
}

// put delivers a reply without blocking the receiver task. A second
// delivery to an already-full mailbox is dropped: it can only happen if
// the wire sent two replies for the same TID, which is a target bug, not
// something the receiver should stall over.
func (m mailbox) put(r *Reply) {
	select {
	case m <- r:
	default:
	}
}

// drain empties a stray reply left behind after a timeout, best effort.
func (m mailbox) drain() {
	select {
	case <-m:
	default:
	}
}

// wait blocks the caller until a reply arrives or timeout elapses,
// reporting false on timeout.
func (m mailbox) wait(timeout time.Duration) (*Reply, bool) {
	select {
	case r := <-m:
		return r, true
	case <-time.After(timeout):
		return nil, false
	}
}
