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

// Command rmap-memtest exercises a remote memory range with randomized
// write-then-read-back cycles, failing as soon as a readback mismatches.
package main

import (
	"bytes"
	"math/rand"
	"os"
	"strconv"

	"github.com/robios/gormap"
	"github.com/robios/gormap/metrics"
	"github.com/robios/gormap/ssdtp2"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.StandardLogger()

	if len(os.Args) < 5 {
		log.Fatalf("usage: %s host start-address size-mb chunk-kb", os.Args[0])
	}
	host := os.Args[1]
	startAddress, err := strconv.ParseUint(os.Args[2], 0, 32)
	if err != nil {
		log.Fatalf("start address: %v", err)
	}
	sizeMB, err := strconv.Atoi(os.Args[3])
	if err != nil {
		log.Fatalf("size: %v", err)
	}
	chunkKB, err := strconv.Atoi(os.Args[4])
	if err != nil {
		log.Fatalf("chunk size: %v", err)
	}

	collector := metrics.NewCollector("rmap_memtest")
	iface := ssdtp2.NewInterface(ssdtp2.DefaultConfig(host), log, collector)
	cfg := rmap.DefaultEngineConfig()
	cfg.Metrics = collector
	engine := rmap.NewEngine(iface, cfg)
	if err := engine.Start(); err != nil {
		log.Fatalf("start engine: %v", err)
	}
	defer engine.Stop()

	dest, err := rmap.NewDestination(0xfe, 0x30,
		rmap.WithDestKey(0x02), rmap.WithCRCVariant(rmap.CRCDraftF), rmap.WithWordWidth(1))
	if err != nil {
		log.Fatalf("destination: %v", err)
	}

	sock, err := engine.Socket(dest, rmap.WithRetry(3))
	if err != nil {
		log.Fatalf("socket: %v", err)
	}
	defer sock.Close()

	size := sizeMB * 1024 * 1024
	chunk := chunkKB * 1024
	addr := uint32(startAddress)
	end := addr + uint32(size)

	for addr < end {
		length := chunk
		if remaining := int(end - addr); remaining < length {
			length = remaining
		}

		written := make([]uint32, length)
		for i := range written {
			written[i] = uint32(rand.Intn(256))
		}

		log.Infof("writing %d bytes at 0x%08x", length, addr)
		if status, _ := sock.Write(addr, written, rmap.WriteOptions{}); status != 0 {
			log.Fatalf("write at 0x%08x failed with status %d", addr, status)
		}

		log.Infof("reading %d bytes at 0x%08x", length, addr)
		read, status := sock.Read(addr, length, rmap.ReadOptions{})
		if status != 0 {
			log.Fatalf("read at 0x%08x failed with status %d", addr, status)
		}

		if !bytes.Equal(toBytes(written), toBytes(read)) {
			log.Fatalf("readback mismatch at 0x%08x", addr)
		}

		addr += uint32(length)
	}

	log.Infof("memory test completed successfully, %d retries", sock.Retries())
}

func toBytes(words []uint32) []byte {
	b := make([]byte, len(words))
	for i, w := range words {
		b[i] = byte(w)
	}
	return b
}
