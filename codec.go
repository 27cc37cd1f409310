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
	"encoding/binary"
	"fmt"
)

// PacketizeOptions carries the flags packetize needs beyond tid/dest/
// address/length/data. Zero value matches the documented defaults
// (increment=1, verify=1, ack=1, extended address 0).
type PacketizeOptions struct {
	ExtendedAddress byte
	Increment       *bool
	Verify          *bool
	Ack             *bool
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func b2i(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Packetize encodes an RMAP command. Leaving data nil produces a read
// command; a non-nil data slice (even if empty) produces a write
// command. The wire layout is byte-exact per spec §4.3.1, including the
// write-instruction double-shift inherited from the original
// implementation (see §9 — reproduced verbatim for interoperability).
func Packetize(tid uint16, dest *Destination, address uint32, length int, data []uint32, opts PacketizeOptions) ([]byte, error) {
	if dest.WordWidth != 1 && dest.WordWidth != 2 && dest.WordWidth != 4 {
		return nil, ErrUnsupportedWordWidth
	}

	increment := boolOr(opts.Increment, true)
	verify := boolOr(opts.Verify, true)
	ack := boolOr(opts.Ack, true)

	var instruction byte
	if data == nil {
		instruction = 0x40 | ((0x2 | b2i(increment)) << 2)
	} else {
		instruction = 0x40 | ((0x8 | (b2i(verify) << 2) | (b2i(ack) << 1) | b2i(increment)) << 2)
	}

	blength := uint32(length) * uint32(dest.WordWidth)

	header := make([]byte, 15)
	header[0] = dest.DestAddress
	header[1] = 0x01
	header[2] = instruction
	header[3] = dest.DestKey
	header[4] = dest.SrcAddress
	binary.BigEndian.PutUint16(header[5:7], tid)
	header[7] = opts.ExtendedAddress
	binary.BigEndian.PutUint32(header[8:12], address)
	header[12] = byte((blength >> 16) & 0xff)
	header[13] = byte((blength >> 8) & 0xff)
	header[14] = byte(blength & 0xff)

	packet := make([]byte, 0, 16+len(data)*dest.WordWidth+1)
	packet = append(packet, header...)
	packet = append(packet, dest.crc(header))

	if data != nil {
		payload := make([]byte, len(data)*dest.WordWidth)
		for i, v := range data {
			switch dest.WordWidth {
			case 1:
				payload[i] = byte(v)
			case 2:
				binary.LittleEndian.PutUint16(payload[i*2:], uint16(v))
			case 4:
				binary.LittleEndian.PutUint32(payload[i*4:], v)
			}
		}
		packet = append(packet, payload...)
		packet = append(packet, dest.crc(payload))
	}

	return packet, nil
}

// Reply is a decoded RMAP reply: the originating destination descriptor,
// the transaction status, the returned data (nil for write replies), and
// the flag bits the target echoed back.
type Reply struct {
	TID    uint16
	Dest   *Destination
	Status byte
	Data   []uint32
	RW     bool
	Verify bool
	Ack    bool
	Increment bool
}

// Depacketize decodes an RMAP reply. When checkCRC is true, a header or
// data CRC mismatch returns ErrCrcMismatch — except when the resolved
// destination's CRCVariant is CRCNone, which stays transparent and
// accepts any CRC byte on the wire regardless of checkCRC. registry
// resolves the destination's key/variant/word-width from the (dest,src)
// pair found on the wire; pass nil to use DefaultRegistry.
func Depacketize(packet []byte, checkCRC bool, registry *Registry) (*Reply, error) {
	if len(packet) < 8 {
		return nil, fmt.Errorf("%w: reply shorter than 8 bytes", ErrFrameMalformed)
	}

	srcAddress := packet[0]
	if packet[1] != 0x01 {
		return nil, fmt.Errorf("%w: protocol id 0x%02x, want 0x01", ErrFrameMalformed, packet[1])
	}
	instruction := packet[2]
	rw := instruction&0x20 != 0
	verify := instruction&0x10 != 0
	ack := instruction&0x08 != 0
	increment := instruction&0x04 != 0
	status := packet[3]
	destAddress := packet[4]
	tid := binary.BigEndian.Uint16(packet[5:7])

	if registry == nil {
		registry = DefaultRegistry
	}
	e := registry.lookupOrDefault(destAddress, srcAddress)
	dest := &Destination{
		DestAddress: destAddress,
		SrcAddress:  srcAddress,
		DestKey:     e.key,
		CRCVariant:  e.variant,
		WordWidth:   e.wordWidth,
		customCRC:   e.customCRC,
		registry:    registry,
	}
	if dest.WordWidth != 1 && dest.WordWidth != 2 && dest.WordWidth != 4 {
		return nil, ErrUnsupportedWordWidth
	}

	reply := &Reply{TID: tid, Dest: dest, Status: status, RW: rw, Verify: verify, Ack: ack, Increment: increment}
	checkCRC = checkCRC && dest.CRCVariant != CRCNone

	if rw {
		// Write reply.
		if len(packet) < 8 {
			return nil, fmt.Errorf("%w: write reply shorter than 8 bytes", ErrFrameMalformed)
		}
		if checkCRC {
			want := dest.crc(packet[0:7])
			if packet[7] != want {
				return nil, ErrCrcMismatch
			}
		}
		return reply, nil
	}

	// Read reply.
	if len(packet) < 12 {
		return nil, fmt.Errorf("%w: read reply shorter than 12 bytes", ErrFrameMalformed)
	}
	blength := uint32(packet[8])<<16 | uint32(packet[9])<<8 | uint32(packet[10])
	if checkCRC {
		want := dest.crc(packet[0:11])
		if packet[11] != want {
			return nil, ErrCrcMismatch
		}
	}

	end := 12 + int(blength)
	if len(packet) < end+1 {
		return nil, fmt.Errorf("%w: read reply truncated", ErrFrameMalformed)
	}
	payload := packet[12:end]

	count := int(blength) / dest.WordWidth
	data := make([]uint32, count)
	for i := 0; i < count; i++ {
		switch dest.WordWidth {
		case 1:
			data[i] = uint32(payload[i])
		case 2:
			data[i] = uint32(binary.LittleEndian.Uint16(payload[i*2:]))
		case 4:
			data[i] = binary.LittleEndian.Uint32(payload[i*4:])
		}
	}
	reply.Data = data

	if checkCRC {
		want := dest.crc(payload)
		if packet[end] != want {
			return nil, ErrCrcMismatch
		}
	}

	return reply, nil
}
