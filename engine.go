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
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robios/gormap/metrics"
	"github.com/sirupsen/logrus"
)

// tidPoolSize is the number of transaction IDs the engine can lease at
// once: addresses 0x0000..0x0FFE. 0x0FFF and every higher value of the
// 16-bit TID field are never leased.
const tidPoolSize = 4095

// quarantineSweepInterval bounds how long acquireTID sleeps before
// re-checking the free stack when it is empty.
const quarantineSweepInterval = time.Second

// EngineConfig carries the tunables spec'd for Engine beyond the
// transport it drives.
type EngineConfig struct {
	// Timeout bounds how long a Socket waits for a reply before
	// treating the call as timed out. Zero uses the documented
	// default of one second.
	Timeout time.Duration
	// QuarantineGracePeriod bounds how long a timed-out TID must sit
	// quarantined before it returns to the free pool. Zero uses the
	// documented default of ten seconds.
	QuarantineGracePeriod time.Duration
	// Logger receives structured lifecycle and error events. A nil
	// Logger falls back to logrus.StandardLogger().
	Logger *logrus.Logger
	// Metrics, when non-nil, is updated as the engine's TID pool and
	// send queue change. Optional.
	Metrics *metrics.Collector
	// Registry resolves a reply's destination key/CRC variant/word
	// width from the (dest, src) pair found on the wire. Nil uses
	// DefaultRegistry.
	Registry *Registry
	// CheckCRC enables header/data CRC verification on incoming
	// replies. The receiver task's source of truth leaves this off by
	// default; Depacketize is separately transparent to CRCNone
	// destinations regardless of this flag.
	CheckCRC bool
}

// DefaultEngineConfig returns the documented defaults: one second reply
// timeout, ten second quarantine grace period.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Timeout:               time.Second,
		QuarantineGracePeriod: 10 * time.Second,
	}
}

// Engine is the concurrent RMAP transaction dispatcher: it owns the
// transport, the transaction-ID pool, and the mailbox table that routes
// decoded replies back to the Socket that is waiting for them.
type Engine struct {
	transport Transport
	cfg       EngineConfig
	log       *logrus.Logger
	metrics   *metrics.Collector

	sendQ *sendQueue

	mu          sync.Mutex
	mailboxes   [tidPoolSize]mailbox
	freeStack   []uint16
	quarantined map[uint16]time.Time

	running int32
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// NewEngine builds a stopped Engine bound to transport. Call Start to
// begin dispatching.
func NewEngine(transport Transport, cfg EngineConfig) *Engine {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	if cfg.QuarantineGracePeriod <= 0 {
		cfg.QuarantineGracePeriod = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	e := &Engine{
		transport:   transport,
		cfg:         cfg,
		log:         log,
		metrics:     cfg.Metrics,
		sendQ:       newSendQueue(),
		quarantined: make(map[uint16]time.Time),
	}
	// Descending order so the first pop returns 0x0000, per spec.
	e.freeStack = make([]uint16, tidPoolSize)
	for i := 0; i < tidPoolSize; i++ {
		e.freeStack[i] = uint16(tidPoolSize - 1 - i)
	}
	return e
}

// Start opens the transport and launches the sender and
// receiver tasks. Starting an already-running engine returns
// ErrEngineAlreadyRunning.
func (e *Engine) Start() error {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return ErrEngineAlreadyRunning
	}
	if err := e.transport.Open(); err != nil {
		atomic.StoreInt32(&e.running, 0)
		return err
	}
	e.transport.SetTimeout(time.Second)
	e.stopCh = make(chan struct{})

	e.wg.Add(2)
	go e.senderLoop()
	go e.receiverLoop()

	e.log.Info("rmap: engine started")
	return nil
}

// Stop signals both tasks to exit and waits for them to finish. Stop on
// an engine that was never started, or stopped twice, is a no-op.
func (e *Engine) Stop() error {
	if !atomic.CompareAndSwapInt32(&e.running, 1, 0) {
		return nil
	}
	close(e.stopCh)
	e.sendQ.enqueue(nil) // shutdown sentinel
	e.wg.Wait()
	e.log.Info("rmap: engine stopped")
	return e.transport.Close()
}

func (e *Engine) isRunning() bool {
	return atomic.LoadInt32(&e.running) == 1
}

// senderLoop is the engine's single consumer of the send queue: pure
// multiplexing, no per-TID knowledge.
func (e *Engine) senderLoop() {
	defer e.wg.Done()
	for {
		packet := e.sendQ.dequeue()
		if packet == nil {
			return
		}
		if err := e.transport.Send(packet); err != nil {
			e.log.WithError(err).Warn("rmap: send failed")
		}
		if e.metrics != nil {
			e.metrics.QueueDepth.Set(float64(e.sendQ.depth()))
		}
	}
}

// receiverLoop is the engine's single producer onto mailboxes.
func (e *Engine) receiverLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		packet, err := e.transport.Receive()
		if err != nil {
			// Receive timeouts are expected (1s socket timeout) so the
			// loop can observe the stop flag; anything else is logged
			// and the loop continues, matching the non-fatal receiver
			// error policy in the transaction engine's error taxonomy.
			var te interface{ Timeout() bool }
			if !errors.As(err, &te) || !te.Timeout() {
				e.log.WithError(err).Warn("rmap: receive failed")
			}
			continue
		}
		if packet == nil {
			continue
		}

		reply, err := Depacketize(packet, e.cfg.CheckCRC, e.cfg.Registry)
		if err != nil {
			e.log.WithError(err).Warn("rmap: dropping malformed reply")
			continue
		}

		if int(reply.TID) >= tidPoolSize {
			// Reserved/out-of-range TID (0x0FFF and above): no socket
			// could ever hold this slot, drop it.
			continue
		}

		e.mu.Lock()
		mb := e.mailboxes[reply.TID]
		e.mu.Unlock()
		if mb != nil {
			mb.put(reply)
		}
		// A nil mailbox means the TID is not currently owned, or this
		// is a late arrival for a quarantined TID: drop it.
	}
}

// acquireTID sweeps the quarantine map, pops one TID off the free
// stack, installs mb at its mailbox slot, and returns it. If no TID is
// free it sleeps and retries rather than surfacing TidExhausted, per
// the documented error taxonomy.
func (e *Engine) acquireTID(mb mailbox) uint16 {
	for {
		e.mu.Lock()
		e.sweepQuarantineLocked()
		if len(e.freeStack) > 0 {
			tid := e.freeStack[len(e.freeStack)-1]
			e.freeStack = e.freeStack[:len(e.freeStack)-1]
			e.mailboxes[tid] = mb
			e.updateMetricsLocked()
			e.mu.Unlock()
			return tid
		}
		e.mu.Unlock()
		time.Sleep(quarantineSweepInterval)
	}
}

// releaseTID detaches tid's mailbox. A timed-out release quarantines
// the TID instead of freeing it immediately, since the wire might still
// deliver a stale reply bearing it.
func (e *Engine) releaseTID(tid uint16, timedOut bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mailboxes[tid] = nil
	if timedOut {
		e.quarantined[tid] = time.Now()
	} else {
		e.freeStack = append(e.freeStack, tid)
	}
	e.updateMetricsLocked()
}

// sweepQuarantineLocked moves expired quarantine entries back onto the
// free stack. Caller must hold e.mu.
func (e *Engine) sweepQuarantineLocked() {
	now := time.Now()
	for tid, expiry := range e.quarantined {
		if now.Sub(expiry) >= e.cfg.QuarantineGracePeriod {
			delete(e.quarantined, tid)
			e.freeStack = append(e.freeStack, tid)
		}
	}
}

// updateMetricsLocked pushes current pool sizes to the collector.
// Caller must hold e.mu.
func (e *Engine) updateMetricsLocked() {
	if e.metrics == nil {
		return
	}
	e.metrics.FreeTIDs.Set(float64(len(e.freeStack)))
	e.metrics.QuarantinedTIDs.Set(float64(len(e.quarantined)))
}

// enqueue hands packet to the send queue. Never blocks.
func (e *Engine) enqueue(packet []byte) {
	e.sendQ.enqueue(packet)
	if e.metrics != nil {
		e.metrics.QueueDepth.Set(float64(e.sendQ.depth()))
	}
}

// Socket leases a TID and mailbox from the engine and returns a handle
// for issuing read/write transactions against dest. Without WithRetry
// the retry budget is unbounded.
func (e *Engine) Socket(dest *Destination, opts ...SocketOption) (*Socket, error) {
	if !e.isRunning() {
		return nil, ErrEngineNotRunning
	}
	var o socketOptions
	for _, opt := range opts {
		opt(&o)
	}
	mb := newMailbox()
	tid := e.acquireTID(mb)
	return &Socket{
		engine: e,
		dest:   dest,
		mb:     mb,
		tid:    tid,
		retry:  o.retry,
	}, nil
}
