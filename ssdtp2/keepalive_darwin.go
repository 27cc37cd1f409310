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

//go:build darwin

package ssdtp2

import (
	"net"
	"time"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// darwinTCPKeepAlive is the raw sockopt XNU exposes for the keepalive
// idle time; there is no separate TCP_KEEPIDLE on this platform.
const darwinTCPKeepAlive = 0x10

// configureKeepAlive sets the keepalive idle time via the Darwin-style
// raw option 0x10, plus interval and probe count where XNU exposes
// them. There is only one idle-time knob on this platform, so interval
// is approximated by TCP_KEEPINTVL where available.
func configureKeepAlive(conn net.Conn, idle, interval time.Duration, count int) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcpConn.SetKeepAlive(true); err != nil {
		return err
	}

	fd, err := netfd.GetFdFromConn(conn)
	if err != nil {
		return err
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, darwinTCPKeepAlive, int(idle.Seconds())); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(interval.Seconds())); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, count)
}
