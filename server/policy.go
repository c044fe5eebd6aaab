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
)

// ResolvedTarget is the outcome of a successful policy pass: a literal
// address ready to hand to the connector.
type ResolvedTarget struct {
	Kind StreamType
	IP   net.IP
	Port uint16
}

func (t ResolvedTarget) String() string {
	return net.JoinHostPort(t.IP.String(), strconv.Itoa(int(t.Port)))
}

// ErrPolicyDenied carries the CloseReason the caller should report to the
// peer; every rejection maps to a specific wire reason.
type ErrPolicyDenied struct {
	Reason CloseReason
	cause  error
}

func (e *ErrPolicyDenied) Error() string { return "policy denied: " + e.cause.Error() }
func (e *ErrPolicyDenied) Unwrap() error { return e.cause }

func deny(reason CloseReason, msg string) error {
	return &ErrPolicyDenied{Reason: reason, cause: errors.New(msg)}
}

// Policy implements the connect-time gate: stream-type allowance, port
// blocklist, resolution, and address-class allowance, in that order.
type Policy struct {
	cfg      WispConfig
	resolver Resolver
}

func NewPolicy(cfg WispConfig, resolver Resolver) *Policy {
	return &Policy{cfg: cfg, resolver: resolver}
}

// Evaluate runs the full policy pipeline against one CONNECT payload. On
// success it returns a concrete, resolved, literal-address target.
func (p *Policy) Evaluate(ctx context.Context, c *ConnectPayload) (*ResolvedTarget, error) {
	switch c.StreamType {
	case StreamTCP:
		if !p.cfg.AllowTCP {
			return nil, deny(CloseServerStreamBlockedAddress, "tcp streams disabled")
		}
	case StreamUDP:
		if !p.cfg.AllowUDP {
			return nil, deny(CloseServerStreamBlockedAddress, "udp streams disabled")
		}
	default:
		return nil, deny(CloseServerStreamInvalidInfo, "unsupported stream type")
	}

	if c.Host == "" {
		return nil, deny(CloseServerStreamInvalidInfo, "empty host")
	}

	if p.cfg.IsPortBlocked(c.Port) {
		return nil, deny(CloseServerStreamBlockedAddress, "port blocked by policy")
	}

	ips, err := p.resolver.Resolve(ctx, c.Host)
	if err != nil {
		return nil, &ErrPolicyDenied{Reason: CloseServerStreamUnreachable, cause: err}
	}
	if len(ips) == 0 {
		return nil, deny(CloseServerStreamUnreachable, "no addresses for host")
	}

	for _, ip := range ips {
		if p.addressAllowed(ip) {
			return &ResolvedTarget{Kind: c.StreamType, IP: ip, Port: c.Port}, nil
		}
	}
	return nil, deny(CloseServerStreamBlockedAddress, "all resolved addresses blocked by policy")
}

// addressAllowed applies per-family address classification, grounded on
// the original's ipv4_is_private/ipv6_is_private split rather than a
// single combined check, since the boundary constants differ between
// families.
func (p *Policy) addressAllowed(ip net.IP) bool {
	if ip.IsLoopback() {
		return p.cfg.AllowLoopback
	}
	if v4 := ip.To4(); v4 != nil {
		if isPrivateV4(v4) || v4.IsLinkLocalUnicast() {
			return p.cfg.AllowPrivate
		}
		return true
	}
	if isUniqueLocalV6(ip) || ip.IsLinkLocalUnicast() {
		return p.cfg.AllowPrivate
	}
	return true
}

// isPrivateV4 reports whether ip (4-byte form) falls in 10/8, 172.16/12, or
// 192.168/16, per RFC 1918.
func isPrivateV4(ip net.IP) bool {
	if ip[0] == 10 {
		return true
	}
	if ip[0] == 172 && ip[1]&0xf0 == 16 {
		return true
	}
	if ip[0] == 192 && ip[1] == 168 {
		return true
	}
	return false
}

// isUniqueLocalV6 reports whether ip falls in fc00::/7, per RFC 4193.
func isUniqueLocalV6(ip net.IP) bool {
	ip16 := ip.To16()
	if ip16 == nil {
		return false
	}
	return ip16[0]&0xfe == 0xfc
}
