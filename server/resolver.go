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
	"sync"

	"github.com/pkg/errors"
)

// Resolver is the pluggable DNS contract.
type Resolver interface {
	// Resolve returns addresses in preference order. Empty results are a
	// valid, non-error outcome.
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// ErrResolveFailed wraps the underlying cause of a failed lookup.
var ErrResolveFailed = errors.New("wisp: dns resolution failed")

// recursiveResolver resolves against explicit nameserver IPs over UDP/TCP
// port 53, using net.Resolver's Dial override: the standard idiomatic way
// to pin a Go process to specific nameservers without a third-party DNS
// client (no such library appears anywhere in the retrieved corpus;
// see DESIGN.md).
type recursiveResolver struct {
	servers []string
}

// Resolve queries each configured nameserver in order, returning the first
// successful answer; it only reports failure once every server has been
// tried.
func (r *recursiveResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	var lastErr error
	for _, server := range r.servers {
		res := &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
			},
		}
		addrs, err := res.LookupIPAddr(ctx, host)
		if err != nil {
			lastErr = err
			continue
		}
		ips := make([]net.IP, len(addrs))
		for i, a := range addrs {
			ips[i] = a.IP
		}
		return ips, nil
	}
	return nil, errors.Wrapf(ErrResolveFailed, "host %q via %v: %v", host, r.servers, lastErr)
}

// systemResolver delegates to the OS getaddrinfo-equivalent.
type systemResolver struct{}

func (systemResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(ErrResolveFailed, "host %q via system resolver: %v", host, err)
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

var (
	globalResolver     Resolver
	globalResolverOnce sync.Once
)

// InitResolver initialises the process-wide resolver exactly once; later
// calls are no-ops, mirroring the original's scoped-acquisition-once
// pattern with sync.Once rather than a OnceLock.
//
// Initialisation rules:
//   - empty dns_servers  -> System (no separate "read system config" step
//     exists in net.Resolver; PreferGo=false already defers to the OS)
//   - all entries unparseable -> System, with a warning
//   - at least one parseable IP -> Recursive using only the parseable ones
func InitResolver(dnsServers []string, logger *Logger) {
	globalResolverOnce.Do(func() {
		if len(dnsServers) == 0 {
			globalResolver = systemResolver{}
			return
		}
		var valid []string
		for _, s := range dnsServers {
			if net.ParseIP(s) != nil {
				valid = append(valid, s)
			}
		}
		if len(valid) == 0 {
			if logger != nil {
				logger.Warn("no valid DNS servers configured, using system resolver")
			}
			globalResolver = systemResolver{}
			return
		}
		globalResolver = &recursiveResolver{servers: valid}
	})
}

// GetResolver returns the global resolver, defaulting to the system
// resolver if InitResolver was never called.
func GetResolver() Resolver {
	InitResolver(nil, nil)
	return globalResolver
}
