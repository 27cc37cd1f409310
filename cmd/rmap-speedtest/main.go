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

// Command rmap-speedtest benchmarks RMAP read throughput against a
// target across a configurable number of concurrent sockets.
package main

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robios/gormap"
	"github.com/robios/gormap/metrics"
	"github.com/robios/gormap/ssdtp2"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.StandardLogger()

	if len(os.Args) < 6 {
		log.Fatalf("usage: %s host start-address length iterations threads", os.Args[0])
	}
	host := os.Args[1]
	startAddress, err := strconv.ParseUint(os.Args[2], 0, 32)
	if err != nil {
		log.Fatalf("start address: %v", err)
	}
	length, err := strconv.Atoi(os.Args[3])
	if err != nil {
		log.Fatalf("length: %v", err)
	}
	iterations, err := strconv.Atoi(os.Args[4])
	if err != nil {
		log.Fatalf("iterations: %v", err)
	}
	threadCount, err := strconv.Atoi(os.Args[5])
	if err != nil {
		log.Fatalf("threads: %v", err)
	}

	collector := metrics.NewCollector("rmap_speedtest")

	iface := ssdtp2.NewInterface(ssdtp2.DefaultConfig(host), log, collector)
	engine := rmap.NewEngine(iface, rmap.EngineConfig{
		Timeout:               time.Second,
		QuarantineGracePeriod: 10 * time.Second,
		Logger:                log,
		Metrics:               collector,
	})
	if err := engine.Start(); err != nil {
		log.Fatalf("start engine: %v", err)
	}
	defer engine.Stop()

	dest, err := rmap.NewDestination(0xfe, 0x30,
		rmap.WithDestKey(0x02), rmap.WithCRCVariant(rmap.CRCDraftF), rmap.WithWordWidth(1))
	if err != nil {
		log.Fatalf("destination: %v", err)
	}

	var totalTimeouts int64
	var wg sync.WaitGroup
	start := time.Now()

	for id := 0; id < threadCount; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			sock, err := engine.Socket(dest, rmap.WithRetry(5))
			if err != nil {
				log.WithError(err).Errorf("thread %d: socket", id)
				return
			}
			defer sock.Close()

			addr := uint32(startAddress)
			for i := 0; i < iterations; i++ {
				data, status := sock.Read(addr, length, rmap.ReadOptions{})
				if status != 0 || len(data) != length {
					log.Errorf("thread %d: read at 0x%08x failed, status=%d len=%d", id, addr, status, len(data))
					return
				}
				addr += uint32(length)
			}

			if sock.Retries() > 0 {
				atomic.AddInt64(&totalTimeouts, int64(sock.Retries()))
				log.Infof("thread %d completed, %d timeout(s)", id, sock.Retries())
			} else {
				log.Infof("thread %d completed", id)
			}
		}(id)
	}

	wg.Wait()
	elapsed := time.Since(start)

	totalBytes := length * iterations * threadCount
	log.Infof("transferred %d bytes in %s", totalBytes, elapsed)
	log.Infof("rate: %.2f kB/s", float64(totalBytes)/1024/elapsed.Seconds())
	if totalTimeouts > 0 {
		log.Infof("total timeouts across all threads: %d", totalTimeouts)
	}
}
