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
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robios/gormap/metrics"
)

func listenerPort(t *testing.T, ln net.Listener) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

func newLoopbackInterface(t *testing.T, ln net.Listener) *Interface {
	t.Helper()
	cfg := DefaultConfig("127.0.0.1")
	cfg.Port = listenerPort(t, ln)
	cfg.KeepAlive = false
	cfg.Timeout = time.Second
	iface := NewInterface(cfg, nil, nil)
	if err := iface.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { iface.Close() })
	return iface
}

func TestInterfaceSendReceiveRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, body, err := readFrame(conn)
		if err != nil {
			return
		}
		serverDone <- body
		writeFrame(conn, FlagDataEOP, []byte{0xde, 0xad})
	}()

	iface := newLoopbackInterface(t, ln)

	if err := iface.Send([]byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-serverDone:
		if !bytes.Equal(got, []byte{0x01, 0x02, 0x03}) {
			t.Fatalf("server received unexpected body: % x", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive frame")
	}

	reply, err := iface.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(reply, []byte{0xde, 0xad}) {
		t.Fatalf("unexpected reply: % x", reply)
	}
}

func TestInterfaceFragmentReassembly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		writeFrame(conn, FlagDataFragment, []byte{0x01, 0x02})
		writeFrame(conn, FlagDataFragment, []byte{0x03, 0x04})
		writeFrame(conn, FlagDataEOP, []byte{0x05, 0x06})
	}()

	iface := newLoopbackInterface(t, ln)

	got, err := iface.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	if !bytes.Equal(got, want) {
		t.Fatalf("fragment reassembly mismatch: got % x, want % x", got, want)
	}
}

func TestInterfaceTimeCodeEarlyReturn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		writeFrame(conn, FlagDataFragment, []byte{0xaa})
		writeFrame(conn, FlagSendTimeCode, []byte{0x00})
	}()

	iface := newLoopbackInterface(t, ln)

	got, err := iface.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if !bytes.Equal(got, []byte{0xaa}) {
		t.Fatalf("expected early return with assembled fragment, got % x", got)
	}
}

func TestSetTxDividerClampsRange(t *testing.T) {
	iface := NewInterface(DefaultConfig("127.0.0.1"), nil, nil)
	if err := iface.SetTxDivider(500); err != nil {
		t.Fatalf("unexpected error on unconnected divider set: %v", err)
	}
	if iface.txDivider != 63 {
		t.Fatalf("expected clamp to 63, got %d", iface.txDivider)
	}
	if err := iface.SetTxDivider(-5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if iface.txDivider != 0 {
		t.Fatalf("expected clamp to 0, got %d", iface.txDivider)
	}
}

func TestInterfaceReconnectOnBrokenPipe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	cfg := DefaultConfig("127.0.0.1")
	cfg.Port = listenerPort(t, ln)
	cfg.KeepAlive = false
	cfg.Reconnect = true
	cfg.Timeout = time.Second
	collector := metrics.NewCollector("ssdtp2_test")
	iface := NewInterface(cfg, nil, collector)
	if err := iface.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer iface.Close()

	var first net.Conn
	select {
	case first = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first accept")
	}
	defer first.Close()

	// Sever the client's own socket directly rather than relying on
	// platform-specific FIN/RST write-error semantics: closing the
	// local conn makes the next write return net.ErrClosed, which
	// isBrokenPipe recognizes regardless of OS.
	iface.connMu.Lock()
	iface.conn.Close()
	iface.connMu.Unlock()

	if err := iface.Send([]byte{0x99}); err != nil {
		t.Fatalf("expected transparent reconnect on broken pipe, got error: %v", err)
	}
	if got := testutil.ToFloat64(collector.Reconnects.WithLabelValues(iface.epoch.String())); got != 1 {
		t.Fatalf("expected reconnect counter to be 1, got %v", got)
	}

	select {
	case second := <-accepted:
		defer second.Close()
		_, body, err := readFrame(second)
		if err != nil {
			t.Fatalf("reading from reconnected socket: %v", err)
		}
		if !bytes.Equal(body, []byte{0x99}) {
			t.Fatalf("unexpected body on reconnected socket: % x", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect accept")
	}
}

