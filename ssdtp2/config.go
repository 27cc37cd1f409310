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

// Package ssdtp2 implements the SSDTP2 framing layer: a TCP-tunnelled
// transport for SpaceWire packets used to reach flight nodes through a
// SpaceWire-to-Ethernet bridge.
package ssdtp2

import "time"

// DefaultPort is the SpaceWire-to-Ethernet bridge's well-known SSDTP2
// listening port.
const DefaultPort = 10030

// Config carries everything Interface needs to dial and maintain its
// TCP connection.
type Config struct {
	Host string
	Port int

	// Timeout bounds Send and the outer Receive call. Zero disables
	// deadlines beyond the fixed 1-second receive-loop poll.
	Timeout time.Duration

	Reconnect bool

	KeepAlive     bool
	KeepIdle      time.Duration
	KeepInterval  time.Duration
	KeepCount     int
}

// DefaultConfig returns the documented defaults: port 10030, reconnect
// enabled, keepalive enabled with idle 120s, interval 2s, count 4.
func DefaultConfig(host string) Config {
	return Config{
		Host:         host,
		Port:         DefaultPort,
		Reconnect:    true,
		KeepAlive:    true,
		KeepIdle:     120 * time.Second,
		KeepInterval: 2 * time.Second,
		KeepCount:    4,
	}
}
