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
	"testing"

	"github.com/stretchr/testify/require"
)

// staticResolver resolves every host to a fixed set of addresses, letting
// policy tests exercise classification without touching the network.
type staticResolver struct {
	ips []net.IP
	err error
}

func (s staticResolver) Resolve(context.Context, string) ([]net.IP, error) {
	return s.ips, s.err
}

func ip(s string) net.IP { return net.ParseIP(s) }

func TestPolicyRejectsDisabledStreamType(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowUDP = false
	p := NewPolicy(cfg, staticResolver{ips: []net.IP{ip("93.184.216.34")}})

	_, err := p.Evaluate(context.Background(), &ConnectPayload{StreamType: StreamUDP, Port: 53, Host: "example.com"})
	require.Error(t, err)
	var denied *ErrPolicyDenied
	require.ErrorAs(t, err, &denied)
	require.Equal(t, CloseServerStreamBlockedAddress, denied.Reason)
}

func TestPolicyRejectsBlockedPort(t *testing.T) {
	cfg := DefaultConfig()
	p := NewPolicy(cfg, staticResolver{ips: []net.IP{ip("93.184.216.34")}})

	_, err := p.Evaluate(context.Background(), &ConnectPayload{StreamType: StreamTCP, Port: 22, Host: "example.com"})
	var denied *ErrPolicyDenied
	require.ErrorAs(t, err, &denied)
	require.Equal(t, CloseServerStreamBlockedAddress, denied.Reason)
}

func TestPolicyRejectsLoopbackByDefault(t *testing.T) {
	cfg := DefaultConfig() // AllowLoopback: false
	p := NewPolicy(cfg, staticResolver{ips: []net.IP{ip("127.0.0.1")}})

	_, err := p.Evaluate(context.Background(), &ConnectPayload{StreamType: StreamTCP, Port: 80, Host: "localhost"})
	require.Error(t, err)
}

func TestPolicyAllowsLoopbackWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowLoopback = true
	p := NewPolicy(cfg, staticResolver{ips: []net.IP{ip("127.0.0.1")}})

	target, err := p.Evaluate(context.Background(), &ConnectPayload{StreamType: StreamTCP, Port: 80, Host: "localhost"})
	require.NoError(t, err)
	require.True(t, target.IP.Equal(ip("127.0.0.1")))
}

func TestPolicyRejectsPrivateV4WhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowPrivate = false
	p := NewPolicy(cfg, staticResolver{ips: []net.IP{ip("10.0.0.5")}})

	_, err := p.Evaluate(context.Background(), &ConnectPayload{StreamType: StreamTCP, Port: 80, Host: "internal"})
	require.Error(t, err)
}

func TestPolicyAllowsPublicV4(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowPrivate = false
	p := NewPolicy(cfg, staticResolver{ips: []net.IP{ip("93.184.216.34")}})

	target, err := p.Evaluate(context.Background(), &ConnectPayload{StreamType: StreamTCP, Port: 443, Host: "example.com"})
	require.NoError(t, err)
	require.True(t, target.IP.Equal(ip("93.184.216.34")))
}

func TestPolicyRejectsUniqueLocalV6WhenPrivateDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowPrivate = false
	p := NewPolicy(cfg, staticResolver{ips: []net.IP{ip("fd12:3456:789a::1")}})

	_, err := p.Evaluate(context.Background(), &ConnectPayload{StreamType: StreamTCP, Port: 80, Host: "internal6"})
	require.Error(t, err)
}

func TestPolicyFallsThroughToAllowedAddressAmongResults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowPrivate = false
	p := NewPolicy(cfg, staticResolver{ips: []net.IP{ip("10.0.0.5"), ip("93.184.216.34")}})

	target, err := p.Evaluate(context.Background(), &ConnectPayload{StreamType: StreamTCP, Port: 443, Host: "mixed"})
	require.NoError(t, err)
	require.True(t, target.IP.Equal(ip("93.184.216.34")))
}

func TestPolicyUnresolvableHostIsUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	p := NewPolicy(cfg, staticResolver{ips: nil})

	_, err := p.Evaluate(context.Background(), &ConnectPayload{StreamType: StreamTCP, Port: 443, Host: "nowhere.invalid"})
	var denied *ErrPolicyDenied
	require.ErrorAs(t, err, &denied)
	require.Equal(t, CloseServerStreamUnreachable, denied.Reason)
}

func TestPolicyRejectsEmptyHost(t *testing.T) {
	cfg := DefaultConfig()
	p := NewPolicy(cfg, staticResolver{ips: []net.IP{ip("93.184.216.34")}})

	_, err := p.Evaluate(context.Background(), &ConnectPayload{StreamType: StreamTCP, Port: 443, Host: ""})
	var denied *ErrPolicyDenied
	require.ErrorAs(t, err, &denied)
	require.Equal(t, CloseServerStreamInvalidInfo, denied.Reason)
}

func TestPolicyRejectsUnsupportedStreamType(t *testing.T) {
	cfg := DefaultConfig()
	p := NewPolicy(cfg, staticResolver{ips: []net.IP{ip("93.184.216.34")}})

	_, err := p.Evaluate(context.Background(), &ConnectPayload{StreamType: StreamType(0x7F), Port: 1, Host: "x"})
	var denied *ErrPolicyDenied
	require.ErrorAs(t, err, &denied)
	require.Equal(t, CloseServerStreamInvalidInfo, denied.Reason)
}

func TestPortRangeContainsBoundaries(t *testing.T) {
	r := PortRange{Low: 100, High: 200}
	require.True(t, r.Contains(100))
	require.True(t, r.Contains(200))
	require.False(t, r.Contains(99))
	require.False(t, r.Contains(201))
}
