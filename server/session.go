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
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Session owns one MUX for the lifetime of one client connection, wiring
// every accepted stream through Policy -> Resolver -> connector ->
// forwarder.
type Session struct {
	mux     *Mux
	policy  *Policy
	logger  *Logger
	sem     *semaphore.Weighted
	bufSize int
}

// NewSession performs the handshake via NewMux and returns a Session ready
// to Serve. transport must already speak the framed-message Transport
// contract (see server/wsconn.go).
func NewSession(ctx context.Context, transport Transport, cfg WispConfig, resolver Resolver, logger *Logger) (*Session, error) {
	mux, err := NewMux(ctx, transport, uint32(cfg.effectiveBufferSize()), logger)
	if err != nil {
		return nil, errors.Wrap(err, "establishing mux")
	}
	maxConnects := cfg.MaxConcurrentConnects
	if maxConnects <= 0 {
		maxConnects = 1
	}
	return &Session{
		mux:     mux,
		policy:  NewPolicy(cfg, resolver),
		logger:  logger,
		sem:     semaphore.NewWeighted(maxConnects),
		bufSize: cfg.effectiveBufferSize(),
	}, nil
}

// Serve blocks, accepting and forwarding streams until the session ends
// (peer CLOSE, or the transport ending or failing). ctx is checked while a
// new stream waits for a connect slot, where a cancelled ctx makes Serve
// return, and it bounds each stream's resolution and dial; a cancel alone
// does not wake a Serve that is waiting for the next stream. It always
// returns after Close()ing the underlying mux.
func (s *Session) Serve(ctx context.Context) error {
	defer s.mux.Close()

	for {
		connect, stream, ok := s.mux.WaitForStream()
		if !ok {
			return nil
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			_ = stream.Close(CloseUnexpected)
			return err
		}
		go func() {
			defer s.sem.Release(1)
			s.handleStream(ctx, connect, stream)
		}()
	}
}

// handleStream resolves one accepted stream's CONNECT target and, on
// success, pumps data until the target or the peer closes it.
func (s *Session) handleStream(ctx context.Context, connect *ConnectPayload, stream *MuxStream) {
	slog := s.logger.WithStream(stream.ID(), net.JoinHostPort(connect.Host, strconv.Itoa(int(connect.Port))))

	target, err := s.policy.Evaluate(ctx, connect)
	if err != nil {
		reason := CloseServerStreamUnreachable
		var denied *ErrPolicyDenied
		if errors.As(err, &denied) {
			reason = denied.Reason
		}
		slog.WarnOnce("connect denied: %v", err)
		_ = stream.Close(reason)
		return
	}

	conn, err := Dial(ctx, target)
	if err != nil {
		reason := CloseServerStreamUnreachable
		var denied *ErrPolicyDenied
		if errors.As(err, &denied) {
			reason = denied.Reason
		}
		slog.WarnOnce("dial to %s failed: %v", target, err)
		_ = stream.Close(reason)
		return
	}
	slog.Debugf("connected to %s", target)

	var fwdErr error
	switch connect.StreamType {
	case StreamTCP:
		fwdErr = ForwardTCP(stream, conn, s.bufSize)
	case StreamUDP:
		fwdErr = ForwardUDP(stream, conn)
	}
	if fwdErr != nil {
		slog.Debugf("stream ended: %v", fwdErr)
	}
}
