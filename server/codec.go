// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Decode errors. Wrapped with pkg/errors for call-site context.
var (
	ErrTruncated     = errors.New("wisp: truncated packet")
	ErrUnknownOpcode = errors.New("wisp: unknown opcode")
)

const headerSize = 1 + 4 // opcode + stream id

// Decode parses a single Wisp packet out of one transport message.
// One decoded packet corresponds to exactly one delivered binary message;
// frame boundaries are inherited from the transport, never inferred here.
func Decode(b []byte) (Packet, error) {
	if len(b) < headerSize {
		return Packet{}, errors.Wrapf(ErrTruncated, "got %d bytes, need at least %d", len(b), headerSize)
	}
	op := Opcode(b[0])
	sid := binary.LittleEndian.Uint32(b[1:5])
	body := b[5:]

	pkt := Packet{StreamID: sid, Opcode: op}

	switch op {
	case OpConnect:
		if len(body) < 3 {
			return Packet{}, errors.Wrap(ErrTruncated, "CONNECT payload")
		}
		st := StreamType(body[0])
		port := binary.LittleEndian.Uint16(body[1:3])
		host := string(body[3:])
		pkt.Connect = &ConnectPayload{StreamType: st, Port: port, Host: host}

	case OpData:
		pkt.Raw = append([]byte(nil), body...)

	case OpContinue:
		if len(body) < 4 {
			return Packet{}, errors.Wrap(ErrTruncated, "CONTINUE payload")
		}
		pkt.Window = binary.LittleEndian.Uint32(body[0:4])

	case OpClose:
		if len(body) < 1 {
			return Packet{}, errors.Wrap(ErrTruncated, "CLOSE payload")
		}
		pkt.Close = &ClosePayload{Reason: CloseReason(body[0])}

	case OpInfo:
		if len(body) < 2 {
			return Packet{}, errors.Wrap(ErrTruncated, "INFO payload")
		}
		exts := append([]uint8(nil), body[2:]...)
		pkt.Info = &InfoPayload{Major: body[0], Minor: body[1], Extensions: exts}

	case OpPing, OpPong:
		pkt.Raw = append([]byte(nil), body...)

	default:
		if byte(op) >= byte(opExtensionFloor) {
			pkt.Raw = append([]byte(nil), body...)
			return pkt, nil
		}
		return Packet{}, errors.Wrapf(ErrUnknownOpcode, "opcode %d", byte(op))
	}

	return pkt, nil
}

// Encode serialises a packet back into its on-wire little-endian form.
// The caller's transport is responsible for message-length limits.
func Encode(p Packet) []byte {
	buf := make([]byte, headerSize, headerSize+32)
	buf[0] = byte(p.Opcode)
	binary.LittleEndian.PutUint32(buf[1:5], p.StreamID)

	switch p.Opcode {
	case OpConnect:
		c := p.Connect
		body := make([]byte, 3+len(c.Host))
		body[0] = byte(c.StreamType)
		binary.LittleEndian.PutUint16(body[1:3], c.Port)
		copy(body[3:], c.Host)
		buf = append(buf, body...)

	case OpData, OpPing, OpPong:
		buf = append(buf, p.Raw...)

	case OpContinue:
		var w [4]byte
		binary.LittleEndian.PutUint32(w[:], p.Window)
		buf = append(buf, w[:]...)

	case OpClose:
		buf = append(buf, byte(p.Close.Reason))

	case OpInfo:
		body := make([]byte, 2+len(p.Info.Extensions))
		body[0] = p.Info.Major
		body[1] = p.Info.Minor
		copy(body[2:], p.Info.Extensions)
		buf = append(buf, body...)

	default:
		// EXTENSION(id): opcode itself carries the id, Raw is the body.
		buf = append(buf, p.Raw...)
	}

	return buf
}
