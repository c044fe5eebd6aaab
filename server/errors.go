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

import "github.com/pkg/errors"

// Error kinds the core distinguishes, independent of how a caller chooses
// to present them.
var (
	// ErrTransportClosed means the transport ended cleanly; the session
	// ends normally, not an error condition worth logging above trace.
	ErrTransportClosed = errors.New("wisp: transport closed")

	// ErrHandshakeFailed means the peer did not offer a required
	// extension during the INFO exchange.
	ErrHandshakeFailed = errors.New("wisp: handshake failed")

	// ErrWindowExceeded means a DATA frame was larger than the addressed
	// window; this terminates the session rather than just the stream.
	ErrWindowExceeded = errors.New("wisp: data exceeds recv window")
)

// ProtocolError wraps a codec or driver-level violation of the wire
// protocol. Session-level: ends the whole session.
type ProtocolError struct {
	cause error
}

func newProtocolError(cause error) *ProtocolError {
	return &ProtocolError{cause: errors.WithStack(cause)}
}

func (e *ProtocolError) Error() string { return "wisp: protocol error: " + e.cause.Error() }
func (e *ProtocolError) Unwrap() error { return e.cause }
