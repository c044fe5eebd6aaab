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

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Transport is the bidirectional opaque-binary-message boundary the MUX
// consumes. Text messages must already have been converted to bytes
// byte-for-byte, and ping/pong/close at the transport layer must already
// have been handled, by whatever implements this interface (see
// server/wsconn.go); none of that reaches the codec.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage([]byte) error
	Close() error
}

// opShutdownSentinel is never sent on the wire, and readLoop drops any peer
// frame carrying it; it is injected on the driver's internal control
// channel to unblock its unfairSelect promptly when Close() is called,
// rather than waiting on the next inbound read.
const opShutdownSentinel Opcode = 0xFE

const protocolMajor, protocolMinor = 2, 0

// MuxOption configures a Mux at construction.
type MuxOption func(*muxOptions)

type muxOptions struct {
	requiredExtensions []uint8
	supportedExtensions []uint8
}

// RequireExtension aborts the handshake with ErrHandshakeFailed unless the
// peer's INFO advertises this extension id.
func RequireExtension(id uint8) MuxOption {
	return func(o *muxOptions) { o.requiredExtensions = append(o.requiredExtensions, id) }
}

// SupportExtension advertises an extension id in our own INFO without
// requiring the peer to offer it.
func SupportExtension(id uint8) MuxOption {
	return func(o *muxOptions) { o.supportedExtensions = append(o.supportedExtensions, id) }
}

type acceptedStream struct {
	connect *ConnectPayload
	stream  *MuxStream
}

// Mux is the server-side Wisp multiplexor.
type Mux struct {
	transport     Transport
	logger        *Logger
	initialWindow uint32

	mu      sync.Mutex
	streams map[uint32]*MuxStream

	peerExtensions []uint8
	ourExtensions  []uint8

	inbound  chan Packet // peer-input queue: decoded frames off the transport
	localCtl chan Packet // internal work queue: locally originated control events
	outbound chan Packet // single-writer queue fronting the transport
	accept   chan acceptedStream

	writeDone chan struct{} // closed once writeLoop has drained m.outbound

	outMu     sync.RWMutex
	outClosed bool

	closeOnce sync.Once
	cancel    context.CancelFunc
	g         *errgroup.Group

	runErrMu sync.Mutex
	runErr   error
}

// NewMux performs the INFO handshake and, on success, spawns the
// transport reader, write-queue, and driver goroutines, returning a ready
// Mux. On handshake failure the transport is left untouched for the
// caller to close.
func NewMux(ctx context.Context, transport Transport, initialWindow uint32, logger *Logger, opts ...MuxOption) (*Mux, error) {
	var o muxOptions
	for _, f := range opts {
		f(&o)
	}

	if err := transport.WriteMessage(Encode(Packet{
		StreamID: SessionStreamID,
		Opcode:   OpInfo,
		Info:     &InfoPayload{Major: protocolMajor, Minor: protocolMinor, Extensions: o.supportedExtensions},
	})); err != nil {
		return nil, errors.Wrap(err, "sending INFO")
	}

	raw, err := transport.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "reading peer INFO")
	}
	pkt, err := Decode(raw)
	if err != nil {
		return nil, errors.Wrap(err, "decoding peer INFO")
	}
	if pkt.Opcode != OpInfo {
		return nil, errors.Wrapf(ErrHandshakeFailed, "expected INFO, got %s", pkt.Opcode)
	}
	for _, want := range o.requiredExtensions {
		if !containsByte(pkt.Info.Extensions, want) {
			return nil, errors.Wrapf(ErrHandshakeFailed, "peer did not offer required extension %d", want)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)

	m := &Mux{
		transport:      transport,
		logger:         logger,
		initialWindow:  initialWindow,
		streams:        make(map[uint32]*MuxStream),
		peerExtensions: pkt.Info.Extensions,
		ourExtensions:  o.supportedExtensions,
		inbound:        make(chan Packet, 64),
		localCtl:       make(chan Packet, 8),
		outbound:       make(chan Packet, 256),
		accept:         make(chan acceptedStream, 16),
		writeDone:      make(chan struct{}),
		cancel:         cancel,
		g:              g,
	}

	g.Go(func() error { return m.readLoop(ctx) })
	g.Go(func() error { return m.writeLoop(ctx) })
	g.Go(func() error { return m.driverLoop(ctx) })

	logger.Debugf("mux handshake complete, peer extensions=%v", pkt.Info.Extensions)
	return m, nil
}

func containsByte(haystack []uint8, needle uint8) bool {
	for _, b := range haystack {
		if b == needle {
			return true
		}
	}
	return false
}

// ExtensionIDs returns the negotiated extension set (ours ∩ peer's).
func (m *Mux) ExtensionIDs() map[uint8]struct{} {
	set := make(map[uint8]struct{})
	for _, id := range m.ourExtensions {
		if containsByte(m.peerExtensions, id) {
			set[id] = struct{}{}
		}
	}
	return set
}

// enqueue implements frameSink: it is the single way any stream or the
// driver itself schedules an outbound frame, preserving a single writer
// to the transport. outMu keeps this from ever sending on the outbound
// channel after shutdown has closed it: shutdown takes the write lock
// only once every concurrent enqueue holding the read lock has finished
// its send.
func (m *Mux) enqueue(p Packet) error {
	m.outMu.RLock()
	defer m.outMu.RUnlock()
	if m.outClosed {
		return errClosed("mux closed")
	}
	m.outbound <- p
	return nil
}

// notifyStreamClosed implements frameSink: only the driver mutates the
// streams table, so this hands the removal back to it.
func (m *Mux) notifyStreamClosed(id uint32) {
	select {
	case m.localCtl <- Packet{StreamID: id, Opcode: opShutdownSentinel, Raw: []byte("gc")}:
	default:
		// localCtl full: the driver will still find the stream CLOSED
		// next time it looks, since deliverData/markRemoteClosed already
		// updated stream state; this is only a prompt-removal hint.
	}
}

func (m *Mux) readLoop(ctx context.Context) error {
	defer close(m.inbound)
	for {
		raw, err := m.transport.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		pkt, err := Decode(raw)
		if err != nil {
			return newProtocolError(err)
		}
		if pkt.Opcode == opShutdownSentinel {
			// an unsupported extension frame from the peer; ignored like
			// the others rather than mistaken for the internal sentinel.
			continue
		}
		select {
		case m.inbound <- pkt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeLoop is the single task permitted to write to the transport. It
// drains strictly until m.outbound is closed, which only happens after
// the driver has stopped every other producer from enqueuing, so every
// frame queued before shutdown, including a final session CLOSE, is
// guaranteed to reach the wire before this returns.
func (m *Mux) writeLoop(context.Context) error {
	for p := range m.outbound {
		if err := m.transport.WriteMessage(Encode(p)); err != nil {
			return err
		}
	}
	close(m.writeDone)
	return nil
}

// driverLoop is the single task that dispatches inbound frames and
// mutates the streams table. It merges the peer-input queue with its own
// internal work queue via the unfair select so a burst of local close/GC
// requests can't starve inbound processing, and vice versa.
func (m *Mux) driverLoop(ctx context.Context) error {
	defer close(m.accept)
	sel := newUnfairSelect[Packet](m.inbound, m.localCtl)

	for {
		pkt, ok := sel.poll()
		if !ok {
			m.shutdown(ErrTransportClosed)
			return nil
		}
		if pkt.Opcode == opShutdownSentinel {
			if string(pkt.Raw) == "shutdown" {
				m.shutdown(nil)
				return nil
			}
			// GC hint: drop any stream that has fully reached CLOSED.
			m.gcClosedLocked(pkt.StreamID)
			continue
		}
		if err := m.dispatch(pkt); err != nil {
			m.logger.Warnf("session ending: %v", err)
			m.shutdown(err)
			return err
		}
	}
}

// shutdown terminates every live stream and closes the outbound queue.
// Only the driver calls this, and only once, so closing m.outbound here
// is race-free: by the time it returns, every stream's localClosed flag
// is set, so no further MuxStream.Send/Close/Next credit-back can enqueue
// onto it.
func (m *Mux) shutdown(cause error) {
	m.teardownStreams(cause)
	m.outMu.Lock()
	m.outClosed = true
	close(m.outbound)
	m.outMu.Unlock()
}

func (m *Mux) gcClosedLocked(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[id]; ok && s.state() == stateClosed {
		delete(m.streams, id)
	}
}

func (m *Mux) dispatch(pkt Packet) error {
	switch pkt.Opcode {
	case OpConnect:
		return m.handleConnect(pkt)
	case OpData:
		return m.handleData(pkt)
	case OpContinue:
		return m.handleContinue(pkt)
	case OpClose:
		return m.handleClose(pkt)
	case OpPing:
		return m.enqueue(Packet{StreamID: pkt.StreamID, Opcode: OpPong, Raw: pkt.Raw})
	case OpPong:
		return nil
	case OpInfo:
		return newProtocolError(errors.New("INFO received after handshake"))
	default:
		if byte(pkt.Opcode) >= byte(opExtensionFloor) {
			m.logger.Tracef("ignoring unsupported extension frame opcode=%d stream=%d", byte(pkt.Opcode), pkt.StreamID)
			return nil
		}
		return newProtocolError(errors.Errorf("unknown opcode %d", byte(pkt.Opcode)))
	}
}

func (m *Mux) handleConnect(pkt Packet) error {
	m.mu.Lock()
	if existing, ok := m.streams[pkt.StreamID]; ok && existing.state() != stateClosed {
		m.mu.Unlock()
		return m.enqueue(Packet{StreamID: pkt.StreamID, Opcode: OpClose, Close: &ClosePayload{Reason: CloseServerStreamInvalidInfo}})
	}
	stream := newMuxStream(pkt.StreamID, pkt.Connect.StreamType, m.initialWindow, m, m.logger)
	m.streams[pkt.StreamID] = stream
	m.mu.Unlock()

	select {
	case m.accept <- acceptedStream{connect: pkt.Connect, stream: stream}:
	default:
		// Backpressure: WaitForStream isn't keeping up. Block instead of
		// dropping the CONNECT; dropping would silently orphan the peer.
		m.accept <- acceptedStream{connect: pkt.Connect, stream: stream}
	}
	return nil
}

func (m *Mux) handleData(pkt Packet) error {
	m.mu.Lock()
	s, ok := m.streams[pkt.StreamID]
	m.mu.Unlock()
	if !ok {
		return m.enqueue(Packet{StreamID: pkt.StreamID, Opcode: OpClose, Close: &ClosePayload{Reason: CloseUnknownStream}})
	}
	return s.deliverData(pkt.Raw)
}

func (m *Mux) handleContinue(pkt Packet) error {
	m.mu.Lock()
	s, ok := m.streams[pkt.StreamID]
	m.mu.Unlock()
	if !ok {
		// session-level (id 0) or unknown stream: nothing to credit.
		return nil
	}
	s.creditSend(pkt.Window)
	return nil
}

func (m *Mux) handleClose(pkt Packet) error {
	if pkt.StreamID == SessionStreamID {
		// peer asked us to end the session.
		return errClosed("peer closed session")
	}
	m.mu.Lock()
	s, ok := m.streams[pkt.StreamID]
	m.mu.Unlock()
	if !ok {
		return nil // CLOSE received for unknown id: ignored
	}
	s.markRemoteClosed()
	return nil
}

func (m *Mux) teardownStreams(cause error) {
	m.mu.Lock()
	streams := make([]*MuxStream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.streams = make(map[uint32]*MuxStream)
	m.mu.Unlock()

	for _, s := range streams {
		s.terminate(cause)
	}
}

// WaitForStream yields newly established inbound streams, in the order
// their CONNECT arrived. ok is false once the session has ended.
func (m *Mux) WaitForStream() (*ConnectPayload, *MuxStream, bool) {
	a, ok := <-m.accept
	if !ok {
		return nil, nil, false
	}
	return a.connect, a.stream, true
}

// Close flushes a session-level CLOSE and shuts the driver down.
// Idempotent.
func (m *Mux) Close() error {
	var sendErr error
	m.closeOnce.Do(func() {
		sendErr = m.enqueue(Packet{StreamID: SessionStreamID, Opcode: OpClose, Close: &ClosePayload{Reason: CloseVoluntary}})
		select {
		case m.localCtl <- Packet{Opcode: opShutdownSentinel, Raw: []byte("shutdown")}:
		default:
		}
		// Wait for the write queue to flush (including the CLOSE frame
		// just queued) before tearing down the transport out from under
		// it; only then unblock the reader's pending Read.
		<-m.writeDone
		_ = m.transport.Close()
		m.cancel()
		_ = m.g.Wait()
	})
	return sendErr
}
