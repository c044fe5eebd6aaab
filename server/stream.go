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
	"io"
	"sync"
)

// streamState mirrors the OPEN/LOCAL_CLOSED/REMOTE_CLOSED/CLOSED stream
// machine. It is derived from localClosed/remoteClosed rather than stored
// directly, so the two can never disagree.
type streamState int

const (
	stateOpen streamState = iota
	stateLocalClosed
	stateRemoteClosed
	stateClosed
)

// frameSink is how a MuxStream reaches the single-writer transport queue
// and reports back to the driver that owns the streams table: the streams
// table is mutated only by the driver task.
type frameSink interface {
	enqueue(p Packet) error
	notifyStreamClosed(id uint32)
}

// MuxStream is the server-side view of one Wisp logical stream.
// Exclusively owned by the session that created it, then handed to exactly
// one forwarder for its lifetime; both the forwarder and the mux driver
// call into it concurrently, so all mutable state lives behind mu.
type MuxStream struct {
	id   uint32
	kind StreamType

	sink   frameSink
	logger *Logger

	mu   sync.Mutex
	cond *sync.Cond

	localClosed  bool
	remoteClosed bool
	closeSent    bool // CLOSE emitted at most once per stream per direction (local side)
	suppressSend bool // transport gone: no CLOSE frame will reach anyone

	sendWindow uint32
	recvWindow uint32
	// creditThreshold is half the initial window: CONTINUE is emitted once
	// this many bytes have been drained without one, amortising
	// control-frame overhead.
	creditThreshold    uint32
	drainedSinceCredit uint32

	pending  [][]byte // queued DATA payloads, FIFO, arrival order
	closeErr error    // non-nil: Next() should surface this instead of plain EOF
}

func newMuxStream(id uint32, kind StreamType, initialWindow uint32, sink frameSink, logger *Logger) *MuxStream {
	s := &MuxStream{
		id:              id,
		kind:            kind,
		sink:            sink,
		logger:          logger,
		sendWindow:      initialWindow,
		recvWindow:      initialWindow,
		creditThreshold: initialWindow / 2,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the stream's session-unique identifier.
func (s *MuxStream) ID() uint32 { return s.id }

// Kind returns whether this is a TCP or UDP stream.
func (s *MuxStream) Kind() StreamType { return s.kind }

func (s *MuxStream) state() streamState {
	switch {
	case s.localClosed && s.remoteClosed:
		return stateClosed
	case s.localClosed:
		return stateLocalClosed
	case s.remoteClosed:
		return stateRemoteClosed
	default:
		return stateOpen
	}
}

// ---- driver-side mutation (called only from the mux driver goroutine) ----

// deliverData is invoked by the driver when a DATA frame addressed to this
// stream arrives. It enforces the recv window: exceeding it is a protocol
// error that ends the session, signalled by returning a non-nil error up
// to the driver.
func (s *MuxStream) deliverData(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closeSent {
		// DATA received after we sent CLOSE: silently dropped (remote has
		// not yet seen our close).
		return nil
	}
	if s.remoteClosed {
		// peer already told us it's done sending; further DATA would be
		// a protocol violation from a well-behaved peer, but harmless to
		// drop rather than kill the session over a race.
		return nil
	}
	if uint32(len(payload)) > s.recvWindow {
		return newProtocolError(ErrWindowExceeded)
	}
	s.recvWindow -= uint32(len(payload))
	s.pending = append(s.pending, payload)
	s.cond.Broadcast()
	return nil
}

// creditSend is invoked by the driver on a CONTINUE addressed to this
// stream: it restores send credit granted by the peer.
func (s *MuxStream) creditSend(n uint32) {
	s.mu.Lock()
	s.sendWindow += n
	s.cond.Broadcast()
	s.mu.Unlock()
}

// markRemoteClosed is invoked by the driver on a CLOSE frame from the peer.
func (s *MuxStream) markRemoteClosed() {
	s.mu.Lock()
	already := s.remoteClosed
	s.remoteClosed = true
	s.cond.Broadcast()
	becameClosed := !already && s.state() == stateClosed
	s.mu.Unlock()
	if becameClosed {
		s.sink.notifyStreamClosed(s.id)
	}
}

// terminate ends the stream without emitting any further frames; used
// when the whole session is ending (transport gone) and no peer remains
// to receive a CLOSE.
func (s *MuxStream) terminate(err error) {
	s.mu.Lock()
	s.localClosed = true
	s.remoteClosed = true
	s.suppressSend = true
	if err != nil {
		s.closeErr = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// ---- consumer-side API ----

// Next returns the next chunk of bytes in arrival order, io.EOF once the
// peer half-closes (or the stream/session ends) and the queue drains, or a
// wrapped error for abnormal termination.
func (s *MuxStream) Next() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.pending) == 0 {
		if s.closeErr != nil {
			return nil, s.closeErr
		}
		if s.remoteClosed {
			return nil, io.EOF
		}
		s.cond.Wait()
	}
	b := s.pending[0]
	s.pending = s.pending[1:]

	s.drainedSinceCredit += uint32(len(b))
	if s.drainedSinceCredit >= s.creditThreshold && s.creditThreshold > 0 && !s.remoteClosed {
		credit := s.drainedSinceCredit
		s.recvWindow += credit
		s.drainedSinceCredit = 0
		id, sink := s.id, s.sink
		// enqueue without holding mu: sink.enqueue only touches the
		// session-wide write queue, never this stream's state.
		s.mu.Unlock()
		_ = sink.enqueue(Packet{StreamID: id, Opcode: OpContinue, Window: credit})
		s.mu.Lock()
	}
	return b, nil
}

// Send emits a DATA frame, blocking until the peer has granted enough send
// window: when send_window is less than len(data), it buffers in the
// writer until CONTINUE restores credit.
func (s *MuxStream) Send(data []byte) error {
	s.mu.Lock()
	for {
		if s.localClosed {
			s.mu.Unlock()
			return errClosed("cannot send on a locally closed stream")
		}
		if uint32(len(data)) <= s.sendWindow {
			break
		}
		s.cond.Wait()
	}
	s.sendWindow -= uint32(len(data))
	s.mu.Unlock()

	return s.sink.enqueue(Packet{StreamID: s.id, Opcode: OpData, Raw: data})
}

// Close performs the local half of the close handshake, idempotent
// per direction. It may be called from either the reader or writer side,
// or from neither (e.g. an external cancellation).
func (s *MuxStream) Close(reason CloseReason) error {
	s.mu.Lock()
	if s.closeSent {
		s.mu.Unlock()
		return nil
	}
	s.closeSent = true
	s.localClosed = true
	suppress := s.suppressSend
	becameClosed := s.state() == stateClosed
	s.cond.Broadcast()
	s.mu.Unlock()

	if becameClosed {
		s.sink.notifyStreamClosed(s.id)
	}
	if suppress {
		return nil
	}
	return s.sink.enqueue(Packet{StreamID: s.id, Opcode: OpClose, Close: &ClosePayload{Reason: reason}})
}

// StreamCloser is a close handle detachable from the read/write split,
// mirroring the original's MuxStream::get_close_handle().
type StreamCloser struct {
	stream *MuxStream
}

func (c StreamCloser) Close(reason CloseReason) error { return c.stream.Close(reason) }

// CloseHandle returns a close handle usable independently of Split().
func (s *MuxStream) CloseHandle() StreamCloser { return StreamCloser{stream: s} }

// MuxStreamReader is the read half returned by Split.
type MuxStreamReader struct{ stream *MuxStream }

func (r *MuxStreamReader) Next() ([]byte, error) { return r.stream.Next() }

// MuxStreamWriter is the write half returned by Split.
type MuxStreamWriter struct{ stream *MuxStream }

func (w *MuxStreamWriter) Send(data []byte) error { return w.stream.Send(data) }

// Split separates ownership of the read and write sides.
func (s *MuxStream) Split() (*MuxStreamReader, *MuxStreamWriter) {
	return &MuxStreamReader{stream: s}, &MuxStreamWriter{stream: s}
}

type closedError string

func errClosed(msg string) error    { return closedError(msg) }
func (e closedError) Error() string { return string(e) }
