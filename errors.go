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

import "errors"

// Sentinel errors for the RMAP engine. Check with errors.Is; timeout
// exhaustion is never represented as one of these (see Socket.Read/Write).
var (
	ErrTransportClosed     = errors.New("rmap: transport is not open")
	ErrFrameMalformed      = errors.New("rmap: malformed reply frame")
	ErrCrcMismatch         = errors.New("rmap: crc mismatch")
	ErrUnsupportedWordWidth = errors.New("rmap: unsupported word width")
	ErrEngineNotRunning    = errors.New("rmap: engine is not running")
	ErrEngineAlreadyRunning = errors.New("rmap: engine is already running")
)
