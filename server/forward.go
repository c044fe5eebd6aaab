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
	"net"
	"sync"

	"github.com/pion/transport/packetio"
	"golang.org/x/sync/errgroup"
)

// udpDatagramLimit is the largest UDP payload a socket can hand back in one
// read (65507 = 65535 - 8 byte UDP header - 20 byte minimum IPv4 header;
// used as a fixed ceiling regardless of the configured buffer_size since
// shrinking it would silently truncate a legal datagram).
const udpDatagramLimit = 65507

// closeReasonFor maps a forwarding-loop error to the Voluntary/Unexpected
// split: a plain EOF (either side hanging up cleanly) is Voluntary,
// anything else is Unexpected.
func closeReasonFor(err error) CloseReason {
	if err == nil || err == io.EOF {
		return CloseVoluntary
	}
	return CloseUnexpected
}

// ForwardTCP pumps bytes bidirectionally between stream and conn until
// either direction finishes, then tears both down: the other direction is
// interrupted rather than left blocked waiting on a side that will never
// produce anything more. bufSize sizes the read buffer used for the
// target->stream direction.
func ForwardTCP(stream *MuxStream, conn net.Conn, bufSize int) error {
	var stopOnce sync.Once
	var firstErr error
	stop := func(err error) {
		stopOnce.Do(func() {
			firstErr = err
			_ = stream.Close(closeReasonFor(err))
			_ = conn.Close()
			stream.terminate(err)
		})
	}

	g := new(errgroup.Group)

	g.Go(func() error {
		defer func() {
			if cw, ok := conn.(interface{ CloseWrite() error }); ok {
				_ = cw.CloseWrite()
			}
		}()
		for {
			data, err := stream.Next()
			if err != nil {
				stop(err)
				return err
			}
			if _, werr := conn.Write(data); werr != nil {
				stop(werr)
				return werr
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, bufSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if serr := stream.Send(chunk); serr != nil {
					stop(serr)
					return serr
				}
			}
			if err != nil {
				if err != io.EOF {
					stop(err)
					return err
				}
				stop(nil)
				return nil
			}
		}
	})

	_ = g.Wait()
	_ = conn.Close()
	return firstErr
}

// ForwardUDP pumps datagrams bidirectionally between stream and conn,
// preserving datagram boundaries on the target->stream direction via
// pion/transport/packetio.Buffer: plain byte-stream buffering would merge
// or split datagrams, which DATA frames must not do for UDP streams. As
// with ForwardTCP, any one of the three directions finishing tears the
// other two down instead of leaving them blocked.
func ForwardUDP(stream *MuxStream, conn net.Conn) error {
	pb := packetio.NewBuffer()
	defer pb.Close()

	var stopOnce sync.Once
	var firstErr error
	stop := func(err error) {
		stopOnce.Do(func() {
			firstErr = err
			_ = stream.Close(closeReasonFor(err))
			_ = conn.Close()
			_ = pb.Close()
			stream.terminate(err)
		})
	}

	g := new(errgroup.Group)

	g.Go(func() error {
		for {
			data, err := stream.Next()
			if err != nil {
				stop(err)
				return err
			}
			if _, werr := conn.Write(data); werr != nil {
				stop(werr)
				return werr
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, udpDatagramLimit)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := pb.Write(buf[:n]); werr != nil {
					stop(werr)
					return werr
				}
			}
			if err != nil {
				if err != io.EOF {
					stop(err)
					return err
				}
				stop(nil)
				return nil
			}
		}
	})

	g.Go(func() error {
		buf := make([]byte, udpDatagramLimit)
		for {
			n, err := pb.Read(buf)
			if err != nil {
				if err != io.EOF {
					stop(err)
					return err
				}
				stop(nil)
				return nil
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if serr := stream.Send(chunk); serr != nil {
				stop(serr)
				return serr
			}
		}
	})

	_ = g.Wait()
	_ = conn.Close()
	return firstErr
}
