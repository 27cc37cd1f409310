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

import "sync"

// destKey identifies a registry entry by the (dest, src) address pair
// present on the wire, matching the Python implementation's dictionary
// keyed on (dest_address, src_address).
type destKey struct {
	destAddress byte
	srcAddress  byte
}

type destEntry struct {
	key        byte
	variant    CRCVariant
	wordWidth  int
	customCRC  *[256]byte
}

// Registry is the process-wide associative store described in spec §4.2:
// a Destination constructed with only the two addresses populates its
// remaining fields from whatever was last registered for that pair; a
// fully specified Destination writes through to it. The original Python
// engine keeps this as a class-level dict; here it is an explicit,
// lockable object so tests don't share global state and callers that
// want isolation can build their own with NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	entries map[destKey]destEntry
}

// NewRegistry creates an empty destination registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[destKey]destEntry)}
}

// DefaultRegistry is the shared registry used by NewDestination when no
// explicit registry is supplied, mirroring the Python module's
// class-level Destination.dictionary with lifetime = program.
var DefaultRegistry = NewRegistry()

// lookupOrDefault returns the stored triple for (dest, src), or the
// documented defaults (key 0x00, CRCNone, word width 1) if absent.
func (r *Registry) lookupOrDefault(dest, src byte) destEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[destKey{destAddress: dest, srcAddress: src}]; ok {
		return e
	}
	return destEntry{key: 0x00, variant: CRCNone, wordWidth: 1}
}

// register stores key/variant/wordWidth under (dest, src). Concurrent
// registration is permitted; the last writer wins.
func (r *Registry) register(dest, src byte, e destEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[destKey{destAddress: dest, srcAddress: src}] = e
}

// Destination describes an RMAP target: its logical addresses, the key
// the target expects in the header, which CRC variant it wants, and the
// word width its memory is accessed at. Once constructed it is immutable.
type Destination struct {
	DestAddress byte
	SrcAddress  byte
	DestKey     byte
	CRCVariant  CRCVariant
	WordWidth   int
	customCRC   *[256]byte
	registry    *Registry
}

// DestinationOption customizes NewDestination beyond the two addresses.
type DestinationOption func(*destOptions)

type destOptions struct {
	key       *byte
	variant   *CRCVariant
	wordWidth *int
	customCRC *[256]byte
	registry  *Registry
}

// WithDestKey sets the destination key explicitly.
func WithDestKey(key byte) DestinationOption {
	return func(o *destOptions) { o.key = &key }
}

// WithCRCVariant selects the CRC variant the destination expects.
func WithCRCVariant(variant CRCVariant) DestinationOption {
	return func(o *destOptions) { o.variant = &variant }
}

// WithCustomCRCTable supplies the 256-entry table used when variant is
// CRCCustom.
func WithCustomCRCTable(table [256]byte) DestinationOption {
	return func(o *destOptions) { o.customCRC = &table }
}

// WithWordWidth sets the target's memory word width: 1, 2, or 4 bytes.
func WithWordWidth(width int) DestinationOption {
	return func(o *destOptions) { o.wordWidth = &width }
}

// WithRegistry overrides DefaultRegistry for lookup and write-through.
func WithRegistry(r *Registry) DestinationOption {
	return func(o *destOptions) { o.registry = r }
}

// NewDestination builds a Destination for (src, dest). With no options
// beyond the two addresses, the remaining fields are looked up from the
// registry (or defaulted if never registered). Supplying any of
// WithDestKey/WithCRCVariant/WithWordWidth/WithCustomCRCTable fully
// specifies the destination and writes it through to the registry,
// matching spec §4.2's last-writer-wins semantics.
func NewDestination(src, dest byte, opts ...DestinationOption) (*Destination, error) {
	var o destOptions
	for _, opt := range opts {
		opt(&o)
	}

	registry := o.registry
	if registry == nil {
		registry = DefaultRegistry
	}

	d := &Destination{
		DestAddress: dest,
		SrcAddress:  src,
		registry:    registry,
	}

	if o.key == nil && o.variant == nil && o.wordWidth == nil && o.customCRC == nil {
		e := registry.lookupOrDefault(dest, src)
		d.DestKey = e.key
		d.CRCVariant = e.variant
		d.WordWidth = e.wordWidth
		d.customCRC = e.customCRC
	} else {
		d.DestKey = 0x00
		if o.key != nil {
			d.DestKey = *o.key
		}
		d.CRCVariant = CRCNone
		if o.variant != nil {
			d.CRCVariant = *o.variant
		}
		d.WordWidth = 1
		if o.wordWidth != nil {
			d.WordWidth = *o.wordWidth
		}
		d.customCRC = o.customCRC

		registry.register(dest, src, destEntry{
			key:       d.DestKey,
			variant:   d.CRCVariant,
			wordWidth: d.WordWidth,
			customCRC: d.customCRC,
		})
	}

	if d.WordWidth != 1 && d.WordWidth != 2 && d.WordWidth != 4 {
		return nil, ErrUnsupportedWordWidth
	}

	return d, nil
}

// crc computes the checksum for data under this destination's variant.
func (d *Destination) crc(data []byte) byte {
	return calcCRC(d.CRCVariant, d.customCRC, data)
}
