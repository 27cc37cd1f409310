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

import (
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport double: Sent captures what
// was written, and tests can push bytes the receiver loop will pick up
// via inject. Receive blocks until Inject delivers something or the
// timeout elapses, mirroring the real socket-timeout discipline.
type fakeTransport struct {
	mu      sync.Mutex
	opened  bool
	closed  bool
	timeout time.Duration
	sent    [][]byte
	inbox   chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{timeout: time.Second, inbox: make(chan []byte, 16)}
}

func (f *fakeTransport) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Send(packet []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), packet...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	select {
	case b := <-f.inbox:
		return b, nil
	case <-time.After(f.timeout):
		return nil, errTimeout
	}
}

func (f *fakeTransport) SetTimeout(timeout time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = timeout
}

func (f *fakeTransport) inject(packet []byte) {
	f.inbox <- packet
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var errTimeout = fakeTimeoutError{}

type fakeTimeoutError struct{}

func (fakeTimeoutError) Error() string { return "fake transport: receive timeout" }

func newTestEngine(t *testing.T, timeout time.Duration) (*Engine, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	e := NewEngine(ft, EngineConfig{Timeout: timeout, QuarantineGracePeriod: 50 * time.Millisecond})
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { e.Stop() })
	return e, ft
}

func TestEngineDoubleStartFails(t *testing.T) {
	e, _ := newTestEngine(t, time.Second)
	if err := e.Start(); err != ErrEngineAlreadyRunning {
		t.Fatalf("expected ErrEngineAlreadyRunning, got %v", err)
	}
}

func TestEngineSocketBeforeStartFails(t *testing.T) {
	ft := newFakeTransport()
	e := NewEngine(ft, DefaultEngineConfig())
	dest := &Destination{DestAddress: 0x30, SrcAddress: 0xfe, WordWidth: 1}
	if _, err := e.Socket(dest); err != ErrEngineNotRunning {
		t.Fatalf("expected ErrEngineNotRunning, got %v", err)
	}
}

func TestAcquireTIDsAreUnique(t *testing.T) {
	e, _ := newTestEngine(t, time.Second)
	dest := &Destination{DestAddress: 0x30, SrcAddress: 0xfe, WordWidth: 1}

	seen := make(map[uint16]bool)
	var sockets []*Socket
	for i := 0; i < 10; i++ {
		s, err := e.Socket(dest)
		if err != nil {
			t.Fatalf("socket %d: %v", i, err)
		}
		if seen[s.tid] {
			t.Fatalf("duplicate TID %d leased", s.tid)
		}
		seen[s.tid] = true
		sockets = append(sockets, s)
	}
	for _, s := range sockets {
		s.Close()
	}
}

func TestFirstTIDAllocatedIsZero(t *testing.T) {
	e, _ := newTestEngine(t, time.Second)
	dest := &Destination{DestAddress: 0x30, SrcAddress: 0xfe, WordWidth: 1}
	s, err := e.Socket(dest)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	defer s.Close()
	if s.tid != 0x0000 {
		t.Fatalf("expected first TID 0x0000, got 0x%04x", s.tid)
	}
}

func TestReleaseTIDReturnsItToFreeStack(t *testing.T) {
	e, _ := newTestEngine(t, time.Second)
	dest := &Destination{DestAddress: 0x30, SrcAddress: 0xfe, WordWidth: 1}

	e.mu.Lock()
	before := len(e.freeStack)
	e.mu.Unlock()

	s, err := e.Socket(dest)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	s.Close()

	e.mu.Lock()
	after := len(e.freeStack)
	e.mu.Unlock()
	if after != before {
		t.Fatalf("expected free stack to return to %d, got %d", before, after)
	}
}

func TestQuarantineReturnsToFreeAfterGracePeriod(t *testing.T) {
	e, _ := newTestEngine(t, 50*time.Millisecond)
	e.releaseTID(0x0000, true)

	e.mu.Lock()
	_, quarantined := e.quarantined[0x0000]
	e.mu.Unlock()
	if !quarantined {
		t.Fatal("expected TID 0x0000 to be quarantined")
	}

	time.Sleep(70 * time.Millisecond)
	e.mu.Lock()
	e.sweepQuarantineLocked()
	_, stillQuarantined := e.quarantined[0x0000]
	e.mu.Unlock()
	if stillQuarantined {
		t.Fatal("expected TID 0x0000 to have left quarantine after grace period")
	}
}

func TestReplyRoutedToOwningMailboxOnly(t *testing.T) {
	reg := NewRegistry()
	ft := newFakeTransport()
	e := NewEngine(ft, EngineConfig{Timeout: time.Second, QuarantineGracePeriod: 50 * time.Millisecond, Registry: reg})
	if err := e.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { e.Stop() })

	dest, err := NewDestination(0xfe, 0x30, WithRegistry(reg), WithWordWidth(1), WithCRCVariant(CRCNone))
	if err != nil {
		t.Fatalf("destination: %v", err)
	}

	s1, err := e.Socket(dest)
	if err != nil {
		t.Fatalf("socket 1: %v", err)
	}
	defer s1.Close()
	s2, err := e.Socket(dest)
	if err != nil {
		t.Fatalf("socket 2: %v", err)
	}
	defer s2.Close()

	packet, err := Packetize(s1.tid, dest, 0, 1, nil, PacketizeOptions{})
	if err != nil {
		t.Fatalf("packetize: %v", err)
	}
	reply := buildReadReplyFixture(t, dest, s1.tid, []byte{0x42})
	ft.inject(reply)
	_ = packet

	data, status := s1.Read(0, 1, ReadOptions{})
	if status != 0 {
		t.Fatalf("expected status 0, got %d", status)
	}
	if len(data) != 1 || data[0] != 0x42 {
		t.Fatalf("unexpected data delivered to socket 1: %v", data)
	}
	select {
	case r := <-s2.mb:
		t.Fatalf("reply for socket 1 also reached socket 2: %+v", r)
	default:
	}
}

// buildReadReplyFixture constructs a valid RMAP read reply for tid
// carrying payload, for injecting into a fakeTransport.
func buildReadReplyFixture(t *testing.T, dest *Destination, tid uint16, payload []byte) []byte {
	t.Helper()
	header := make([]byte, 12)
	header[0] = dest.SrcAddress
	header[1] = 0x01
	header[2] = 0x08
	header[3] = 0x00
	header[4] = dest.DestAddress
	header[5] = byte(tid >> 8)
	header[6] = byte(tid)
	header[7] = 0x00
	blength := len(payload)
	header[8] = byte(blength >> 16)
	header[9] = byte(blength >> 8)
	header[10] = byte(blength)

	packet := append(append([]byte(nil), header[:11]...), dest.crc(header[:11]))
	packet = append(packet, payload...)
	packet = append(packet, dest.crc(payload))
	return packet
}
