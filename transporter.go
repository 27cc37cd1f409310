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

// transporter.go
package rmap

import "time"

// Transport is what the transaction engine needs from the underlying
// link: synchronous framed send/receive of whole SpaceWire packets, plus
// a way to bound how long Receive blocks so the receiver task can notice
// a stop request. ssdtp2.Interface implements this.
type Transport interface {
	Open() error
	Close() error
	Send(packet []byte) error
	Receive() ([]byte, error)
	SetTimeout(timeout time.Duration)
}
