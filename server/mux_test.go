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
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeTransport is an in-memory Transport backed by two channels, letting
// tests drive both sides of a Mux without a real socket.
type pipeTransport struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	ab := make(chan []byte, 32)
	ba := make(chan []byte, 32)
	return &pipeTransport{in: ab, out: ba, done: make(chan struct{})},
		&pipeTransport{in: ba, out: ab, done: make(chan struct{})}
}

func (p *pipeTransport) ReadMessage() ([]byte, error) {
	select {
	case b, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-p.done:
		return nil, io.EOF
	}
}

func (p *pipeTransport) WriteMessage(b []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return errClosed("transport closed")
	}
	select {
	case p.out <- append([]byte(nil), b...):
		return nil
	case <-p.done:
		return errClosed("transport closed")
	}
}

// Close unblocks this side's own pending ReadMessage/WriteMessage calls, the
// way closing a real net.Conn would; it does not touch the peer's channel.
func (p *pipeTransport) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}

func newMuxPair(t *testing.T) (server *Mux, peer *pipeTransport) {
	t.Helper()
	serverSide, peerSide := newPipePair()

	type result struct {
		m   *Mux
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := NewMux(context.Background(), serverSide, 4096, NewSessionLogger())
		ch <- result{m, err}
	}()

	// Drain the server's INFO and answer with our own, acting as the peer.
	raw, err := peerSide.ReadMessage()
	require.NoError(t, err)
	pkt, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, OpInfo, pkt.Opcode)

	require.NoError(t, peerSide.WriteMessage(Encode(Packet{
		StreamID: SessionStreamID,
		Opcode:   OpInfo,
		Info:     &InfoPayload{Major: 2, Minor: 0},
	})))

	res := <-ch
	require.NoError(t, res.err)
	return res.m, peerSide
}

func TestMuxHandshakeSucceeds(t *testing.T) {
	m, peer := newMuxPair(t)
	defer peer.Close()
	defer m.Close()
}

func TestMuxHandshakeFailsWithoutRequiredExtension(t *testing.T) {
	serverSide, peerSide := newPipePair()

	type result struct {
		m   *Mux
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := NewMux(context.Background(), serverSide, 4096, NewSessionLogger(), RequireExtension(9))
		ch <- result{m, err}
	}()

	raw, err := peerSide.ReadMessage()
	require.NoError(t, err)
	_, err = Decode(raw)
	require.NoError(t, err)

	require.NoError(t, peerSide.WriteMessage(Encode(Packet{
		StreamID: SessionStreamID,
		Opcode:   OpInfo,
		Info:     &InfoPayload{Major: 2, Minor: 0, Extensions: []uint8{1}},
	})))

	res := <-ch
	require.Error(t, res.err)
	require.ErrorIs(t, res.err, ErrHandshakeFailed)
}

func TestMuxAcceptsConnectAndForwardsData(t *testing.T) {
	m, peer := newMuxPair(t)
	defer m.Close()
	defer peer.Close()

	require.NoError(t, peer.WriteMessage(Encode(Packet{
		StreamID: 1,
		Opcode:   OpConnect,
		Connect:  &ConnectPayload{StreamType: StreamTCP, Port: 80, Host: "example.com"},
	})))

	connect, stream, ok := m.WaitForStream()
	require.True(t, ok)
	require.Equal(t, "example.com", connect.Host)
	require.Equal(t, uint32(1), stream.ID())

	require.NoError(t, peer.WriteMessage(Encode(Packet{StreamID: 1, Opcode: OpData, Raw: []byte("hi")})))
	b, err := stream.Next()
	require.NoError(t, err)
	require.Equal(t, []byte("hi"), b)
}

func TestMuxDuplicateConnectIdIsRejected(t *testing.T) {
	m, peer := newMuxPair(t)
	defer m.Close()
	defer peer.Close()

	require.NoError(t, peer.WriteMessage(Encode(Packet{
		StreamID: 5,
		Opcode:   OpConnect,
		Connect:  &ConnectPayload{StreamType: StreamTCP, Port: 80, Host: "a"},
	})))
	_, _, ok := m.WaitForStream()
	require.True(t, ok)

	require.NoError(t, peer.WriteMessage(Encode(Packet{
		StreamID: 5,
		Opcode:   OpConnect,
		Connect:  &ConnectPayload{StreamType: StreamTCP, Port: 80, Host: "b"},
	})))

	raw, err := peer.ReadMessage()
	require.NoError(t, err)
	pkt, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, OpClose, pkt.Opcode)
	require.Equal(t, CloseServerStreamInvalidInfo, pkt.Close.Reason)
}

func TestMuxUnknownStreamDataGetsClose(t *testing.T) {
	m, peer := newMuxPair(t)
	defer m.Close()
	defer peer.Close()

	require.NoError(t, peer.WriteMessage(Encode(Packet{StreamID: 99, Opcode: OpData, Raw: []byte("x")})))

	raw, err := peer.ReadMessage()
	require.NoError(t, err)
	pkt, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, OpClose, pkt.Opcode)
	require.Equal(t, CloseUnknownStream, pkt.Close.Reason)
}

func TestMuxPingIsAnsweredWithPong(t *testing.T) {
	m, peer := newMuxPair(t)
	defer m.Close()
	defer peer.Close()

	require.NoError(t, peer.WriteMessage(Encode(Packet{StreamID: SessionStreamID, Opcode: OpPing, Raw: []byte("x")})))

	raw, err := peer.ReadMessage()
	require.NoError(t, err)
	pkt, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, OpPong, pkt.Opcode)
	require.Equal(t, []byte("x"), pkt.Raw)
}

func TestMuxClosePropagatesToStream(t *testing.T) {
	m, peer := newMuxPair(t)
	defer m.Close()
	defer peer.Close()

	require.NoError(t, peer.WriteMessage(Encode(Packet{
		StreamID: 1,
		Opcode:   OpConnect,
		Connect:  &ConnectPayload{StreamType: StreamTCP, Port: 80, Host: "a"},
	})))
	_, stream, ok := m.WaitForStream()
	require.True(t, ok)

	require.NoError(t, peer.WriteMessage(Encode(Packet{StreamID: 1, Opcode: OpClose, Close: &ClosePayload{Reason: CloseVoluntary}})))

	time.Sleep(20 * time.Millisecond)
	_, err := stream.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestMuxSessionCloseEndsDriver(t *testing.T) {
	m, peer := newMuxPair(t)
	defer peer.Close()
	defer m.Close()

	require.NoError(t, peer.WriteMessage(Encode(Packet{StreamID: SessionStreamID, Opcode: OpClose, Close: &ClosePayload{Reason: CloseVoluntary}})))

	_, _, ok := m.WaitForStream()
	require.False(t, ok)
}
