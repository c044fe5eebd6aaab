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
	"testing"

	"github.com/pion/randutil"
	"github.com/stretchr/testify/require"
)

func TestCodecConnectRoundTrip(t *testing.T) {
	pkt := Packet{
		StreamID: 7,
		Opcode:   OpConnect,
		Connect:  &ConnectPayload{StreamType: StreamTCP, Port: 443, Host: "example.com"},
	}
	out, err := Decode(Encode(pkt))
	require.NoError(t, err)
	require.Equal(t, pkt.StreamID, out.StreamID)
	require.Equal(t, OpConnect, out.Opcode)
	require.Equal(t, pkt.Connect.StreamType, out.Connect.StreamType)
	require.Equal(t, pkt.Connect.Port, out.Connect.Port)
	require.Equal(t, pkt.Connect.Host, out.Connect.Host)
}

func TestCodecDataRoundTrip(t *testing.T) {
	payload, err := randutil.GenerateCryptoRandomString(256, randutil.CharsetAlphaNumeric)
	require.NoError(t, err)

	pkt := Packet{StreamID: 42, Opcode: OpData, Raw: []byte(payload)}
	out, err := Decode(Encode(pkt))
	require.NoError(t, err)
	require.Equal(t, uint32(42), out.StreamID)
	require.Equal(t, []byte(payload), out.Raw)
}

func TestCodecContinueRoundTrip(t *testing.T) {
	pkt := Packet{StreamID: 3, Opcode: OpContinue, Window: 65536}
	out, err := Decode(Encode(pkt))
	require.NoError(t, err)
	require.Equal(t, uint32(65536), out.Window)
}

func TestCodecCloseRoundTrip(t *testing.T) {
	pkt := Packet{StreamID: 1, Opcode: OpClose, Close: &ClosePayload{Reason: CloseServerStreamTimeout}}
	out, err := Decode(Encode(pkt))
	require.NoError(t, err)
	require.Equal(t, CloseServerStreamTimeout, out.Close.Reason)
}

func TestCodecInfoRoundTrip(t *testing.T) {
	pkt := Packet{
		StreamID: SessionStreamID,
		Opcode:   OpInfo,
		Info:     &InfoPayload{Major: 2, Minor: 0, Extensions: []uint8{1, 7}},
	}
	out, err := Decode(Encode(pkt))
	require.NoError(t, err)
	require.Equal(t, uint8(2), out.Info.Major)
	require.Equal(t, []uint8{1, 7}, out.Info.Extensions)
}

func TestCodecUnknownOpcodeBelowExtensionFloor(t *testing.T) {
	raw := []byte{0xE0, 0, 0, 0, 0}
	_, err := Decode(raw)
	require.Error(t, err)
}

func TestCodecExtensionFramePassthrough(t *testing.T) {
	raw := []byte{0xF3, 1, 0, 0, 0, 'h', 'i'}
	pkt, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, Opcode(0xF3), pkt.Opcode)
	require.Equal(t, []byte("hi"), pkt.Raw)
}

func TestCodecTruncatedHeader(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrTruncated)
}
