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

package ssdtp2

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/robios/gormap/metrics"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// receiveLoopTimeout bounds each individual frame read so the receive
// loop (and by extension the engine's receiver task sitting on top of
// it) can be interrupted; this is distinct from Timeout, which bounds
// the whole logical Send/Receive call.
const receiveLoopTimeout = time.Second

// Interface owns the TCP connection carrying SSDTP2 frames to a
// SpaceWire-to-Ethernet bridge. It provides synchronous, framed
// send/receive of whole SpaceWire packets and, when enabled, transparent
// reconnection on broken-pipe/connection-reset errors.
type Interface struct {
	cfg     Config
	log     *logrus.Logger
	metrics *metrics.Collector

	connMu sync.RWMutex
	conn   net.Conn
	epoch  xid.ID

	sendMu    sync.Mutex
	receiveMu sync.Mutex

	txDivider int
}

// NewInterface builds a stopped Interface from cfg. Call Open to dial.
// collector is optional; when non-nil, each successful reconnect is
// counted against it labelled by the new connection's epoch.
func NewInterface(cfg Config, log *logrus.Logger, collector *metrics.Collector) *Interface {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Interface{cfg: cfg, log: log, metrics: collector}
}

// Open dials the configured host:port and, if keepalive is enabled,
// applies the platform's keepalive socket options.
func (i *Interface) Open() error {
	i.connMu.Lock()
	defer i.connMu.Unlock()
	return i.dialLocked()
}

// dialLocked performs the actual TCP dial. Caller must hold connMu.
func (i *Interface) dialLocked() error {
	addr := fmt.Sprintf("%s:%d", i.cfg.Host, i.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("ssdtp2: dial %s: %w", addr, err)
	}
	if i.cfg.KeepAlive {
		if err := configureKeepAlive(conn, i.cfg.KeepIdle, i.cfg.KeepInterval, i.cfg.KeepCount); err != nil {
			i.log.WithError(err).Warn("ssdtp2: keepalive configuration failed, continuing with system defaults")
		}
	}
	i.conn = conn
	i.epoch = xid.New()
	i.log.WithField("epoch", i.epoch.String()).Info("ssdtp2: connection opened")
	return nil
}

// Close closes the underlying TCP connection.
func (i *Interface) Close() error {
	i.connMu.Lock()
	defer i.connMu.Unlock()
	return i.closeLocked()
}

func (i *Interface) closeLocked() error {
	if i.conn == nil {
		return nil
	}
	err := i.conn.Close()
	i.conn = nil
	return err
}

// SetTimeout sets the deadline used for the outer Send/Receive call.
func (i *Interface) SetTimeout(timeout time.Duration) {
	i.cfg.Timeout = timeout
}

// SetTxDivider clamps d to [0,63] and, if the connection is open, emits
// a 0x38 control frame carrying the divider. The SpaceWire transmit
// clock runs at 125MHz / (d+1).
func (i *Interface) SetTxDivider(d int) error {
	if d < 0 {
		d = 0
	}
	if d > 63 {
		d = 63
	}
	i.txDivider = d

	i.connMu.RLock()
	conn := i.conn
	i.connMu.RUnlock()
	if conn == nil {
		return nil
	}
	return i.writeFrameWithReconnect(FlagTxSpeed, []byte{byte(d), 0})
}

// Send emits packet as a single complete-EOP frame.
func (i *Interface) Send(packet []byte) error {
	return i.writeFrameWithReconnect(FlagDataEOP, packet)
}

func (i *Interface) writeFrameWithReconnect(flag byte, body []byte) error {
	i.sendMu.Lock()
	defer i.sendMu.Unlock()

	i.connMu.RLock()
	conn := i.conn
	i.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("ssdtp2: %w", errTransportClosed)
	}
	if i.cfg.Timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(i.cfg.Timeout))
	}

	err := writeFrame(conn, flag, body)
	if err == nil {
		return nil
	}
	if !i.cfg.Reconnect || !isBrokenPipe(err) {
		return err
	}

	if rErr := i.reconnect(); rErr != nil {
		return fmt.Errorf("ssdtp2: reconnect after broken pipe: %w", rErr)
	}

	i.connMu.RLock()
	conn = i.conn
	i.connMu.RUnlock()
	if conn == nil {
		return fmt.Errorf("ssdtp2: %w", errTransportClosed)
	}
	return writeFrame(conn, flag, body)
}

// Receive reassembles and returns one complete SpaceWire packet,
// concatenating non-terminal fragments with their terminating frame.
// Time-code control frames drain their payload and cause Receive to
// return early with whatever has been assembled so far, matching the
// source transport's documented behaviour.
func (i *Interface) Receive() ([]byte, error) {
	i.receiveMu.Lock()
	defer i.receiveMu.Unlock()

	i.connMu.RLock()
	conn := i.conn
	i.connMu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("ssdtp2: %w", errTransportClosed)
	}

	var deadline time.Time
	if i.cfg.Timeout > 0 {
		deadline = time.Now().Add(i.cfg.Timeout)
	}

	var assembled []byte
	for {
		frameDeadline := time.Now().Add(receiveLoopTimeout)
		if !deadline.IsZero() && deadline.Before(frameDeadline) {
			frameDeadline = deadline
		}
		_ = conn.SetReadDeadline(frameDeadline)
		fh, body, err := readFrame(conn)
		if err != nil {
			if isTimeout(err) {
				return nil, err
			}
			if i.cfg.Reconnect && isConnReset(err) {
				if rErr := i.reconnect(); rErr != nil {
					return nil, fmt.Errorf("ssdtp2: reconnect after reset: %w", rErr)
				}
				i.connMu.RLock()
				conn = i.conn
				i.connMu.RUnlock()
				continue
			}
			return nil, err
		}

		switch fh.flag {
		case FlagDataFragment:
			assembled = append(assembled, body...)
		case FlagDataEOP, FlagDataEEP:
			assembled = append(assembled, body...)
			return assembled, nil
		case FlagSendTimeCode, FlagGotTimeCode:
			return assembled, nil
		default:
			i.log.WithField("flag", fmt.Sprintf("0x%02x", fh.flag)).Debug("ssdtp2: ignoring frame")
		}
	}
}

// reconnect closes and redials the connection while holding connMu for
// writing, so reconnects never overlap and no caller reads the conn
// field mid-swap. Send and Receive call it while still holding their
// own direction's lock; it does not take the other direction's lock,
// so a frame read or write already in progress on the old connection
// is not waited for and fails when that connection is closed. It must
// not be called while holding connMu.
func (i *Interface) reconnect() error {
	i.connMu.Lock()
	defer i.connMu.Unlock()

	i.log.Warn("ssdtp2: reconnecting after broken connection")
	_ = i.closeLocked()
	if err := i.dialLocked(); err != nil {
		return err
	}
	if i.metrics != nil {
		i.metrics.Reconnects.WithLabelValues(i.epoch.String()).Inc()
	}
	return nil
}

// RemoteAddr reports the current connection's remote address, or nil if
// not connected.
func (i *Interface) RemoteAddr() net.Addr {
	i.connMu.RLock()
	defer i.connMu.RUnlock()
	if i.conn == nil {
		return nil
	}
	return i.conn.RemoteAddr()
}

// LocalAddr reports the current connection's local address, or nil if
// not connected.
func (i *Interface) LocalAddr() net.Addr {
	i.connMu.RLock()
	defer i.connMu.RUnlock()
	if i.conn == nil {
		return nil
	}
	return i.conn.LocalAddr()
}

// HealthCheck reports whether the connection is open and its deadline
// is settable, a cheap liveness probe.
func (i *Interface) HealthCheck() error {
	i.connMu.RLock()
	defer i.connMu.RUnlock()
	if i.conn == nil {
		return fmt.Errorf("ssdtp2: %w", errTransportClosed)
	}
	if err := i.conn.SetDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return err
	}
	return i.conn.SetDeadline(time.Time{})
}

var errTransportClosed = errors.New("transport is not open")

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, net.ErrClosed) || containsAny(err, "broken pipe", "EPIPE")
}

func isConnReset(err error) bool {
	return containsAny(err, "connection reset by peer", "ECONNRESET")
}

func containsAny(err error, substrs ...string) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
