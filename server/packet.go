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

import "fmt"

// Opcode identifies the kind of a Wisp packet.
type Opcode uint8

const (
	OpConnect  Opcode = 0x01
	OpData     Opcode = 0x02
	OpContinue Opcode = 0x03
	OpClose    Opcode = 0x04
	OpInfo     Opcode = 0x05
	OpPing     Opcode = 0x06 // pack-local extension to the documented set
	OpPong     Opcode = 0x07

	// opcodes at or above this value are reserved for extensions: Decode
	// passes such packets through with their opcode unchanged and their
	// body in Raw rather than failing.
	opExtensionFloor Opcode = 0xF0
)

// OpExtension wraps an unrecognised opcode in the extension-reserved range.
type OpExtension struct {
	ID uint8
}

func (o Opcode) String() string {
	switch o {
	case OpConnect:
		return "CONNECT"
	case OpData:
		return "DATA"
	case OpContinue:
		return "CONTINUE"
	case OpClose:
		return "CLOSE"
	case OpInfo:
		return "INFO"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	default:
		if byte(o) >= byte(opExtensionFloor) {
			return fmt.Sprintf("EXTENSION(%d)", byte(o))
		}
		return fmt.Sprintf("UNKNOWN(%d)", byte(o))
	}
}

// StreamID 0 denotes a session-level packet.
const SessionStreamID uint32 = 0

// StreamType classifies the transport requested by a CONNECT.
type StreamType uint8

const (
	StreamTCP StreamType = 0x01
	StreamUDP StreamType = 0x02
)

// IsOther reports whether st is neither TCP nor UDP.
func (st StreamType) IsOther() bool {
	return st != StreamTCP && st != StreamUDP
}

func (st StreamType) String() string {
	switch st {
	case StreamTCP:
		return "TCP"
	case StreamUDP:
		return "UDP"
	default:
		return fmt.Sprintf("OTHER(%d)", byte(st))
	}
}

// CloseReason is the coded termination cause carried by a CLOSE packet.
// Wire values are fixed and grouped into disjoint numeric ranges per
// category so that unknown-but-categorised reasons stay distinguishable.
type CloseReason uint8

const (
	CloseVoluntary  CloseReason = 0x01
	CloseUnexpected CloseReason = 0x02

	CloseServerStreamInvalidInfo       CloseReason = 0x41
	CloseServerStreamUnreachable       CloseReason = 0x42
	CloseServerStreamBlockedAddress    CloseReason = 0x43
	CloseServerStreamConnectionRefused CloseReason = 0x44
	CloseServerStreamTimeout           CloseReason = 0x45
	CloseUnknownStream                 CloseReason = 0x46
)

func (r CloseReason) String() string {
	switch r {
	case CloseVoluntary:
		return "Voluntary"
	case CloseUnexpected:
		return "Unexpected"
	case CloseServerStreamInvalidInfo:
		return "ServerStreamInvalidInfo"
	case CloseServerStreamUnreachable:
		return "ServerStreamUnreachable"
	case CloseServerStreamBlockedAddress:
		return "ServerStreamBlockedAddress"
	case CloseServerStreamConnectionRefused:
		return "ServerStreamConnectionRefused"
	case CloseServerStreamTimeout:
		return "ServerStreamTimeout"
	case CloseUnknownStream:
		return "Unknown"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(r))
	}
}

// ConnectPayload is the body of a CONNECT packet.
type ConnectPayload struct {
	StreamType StreamType
	Port       uint16
	Host       string
}

// ClosePayload is the body of a CLOSE packet.
type ClosePayload struct {
	Reason CloseReason
}

// Packet is a decoded Wisp frame.
type Packet struct {
	StreamID uint32
	Opcode   Opcode

	// Exactly one of the following is populated depending on Opcode; DATA,
	// PING, PONG and extension packets carry their body in Raw instead.
	Connect *ConnectPayload
	Close   *ClosePayload
	Window  uint32 // CONTINUE payload
	Info    *InfoPayload

	Raw []byte // DATA, PING or PONG payload, or the raw bytes of an EXTENSION packet
}

// InfoPayload is the body of an INFO packet: protocol version plus the
// sender's supported extension ids.
type InfoPayload struct {
	Major      uint8
	Minor      uint8
	Extensions []uint8
}
