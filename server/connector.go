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
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// connectTimeout bounds how long the connector waits for a target dial
// before reporting CloseServerStreamTimeout.
const connectTimeout = 10 * time.Second

// reuseAddrControl sets SO_REUSEADDR on a socket before it is connected,
// via golang.org/x/sys/unix; DialUDP installs it as the net.Dialer Control
// hook for the ephemeral UDP socket.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var ctlErr error
	err := c.Control(func(fd uintptr) {
		ctlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return ctlErr
}

// DialTCP opens a connection to target with Nagle's algorithm disabled.
func DialTCP(ctx context.Context, target *ResolvedTarget) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", target.String())
	if err != nil {
		return nil, classifyDialErr(err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		if err := tc.SetNoDelay(true); err != nil {
			tc.Close()
			return nil, errors.Wrap(err, "setting TCP_NODELAY")
		}
	}
	return conn, nil
}

// DialUDP binds an ephemeral socket of the target's address family, then
// connects it to target.
func DialUDP(ctx context.Context, target *ResolvedTarget) (net.Conn, error) {
	network := "udp4"
	if target.IP.To4() == nil {
		network = "udp6"
	}

	d := net.Dialer{Control: reuseAddrControl}
	conn, err := d.DialContext(ctx, network, target.String())
	if err != nil {
		return nil, classifyDialErr(err)
	}
	return conn, nil
}

// Dial picks DialTCP or DialUDP per the stream type carried in target.
func Dial(ctx context.Context, target *ResolvedTarget) (net.Conn, error) {
	switch target.Kind {
	case StreamTCP:
		return DialTCP(ctx, target)
	case StreamUDP:
		return DialUDP(ctx, target)
	default:
		return nil, errors.New("unsupported stream type for dial")
	}
}

// classifyDialErr maps a net dial failure to the most specific
// CloseReason available.
func classifyDialErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ErrPolicyDenied{Reason: CloseServerStreamTimeout, cause: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return &ErrPolicyDenied{Reason: CloseServerStreamTimeout, cause: err}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &ErrPolicyDenied{Reason: CloseServerStreamConnectionRefused, cause: err}
	}
	return &ErrPolicyDenied{Reason: CloseServerStreamUnreachable, cause: err}
}
