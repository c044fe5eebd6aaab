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
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// PortRange is an inclusive [Low, High] port range.
type PortRange struct {
	Low  uint16 `yaml:"low"`
	High uint16 `yaml:"high"`
}

// Contains reports whether port falls within the range, inclusive.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Low && port <= r.High
}

// WispConfig enumerates the proxy's policy and transport knobs.
type WispConfig struct {
	AllowTCP      bool        `yaml:"allow_tcp"`
	AllowUDP      bool        `yaml:"allow_udp"`
	AllowLoopback bool        `yaml:"allow_loopback"`
	AllowPrivate  bool        `yaml:"allow_private"`
	BufferSize    int         `yaml:"buffer_size"`
	BlockedPorts  []PortRange `yaml:"blocked_ports"`
	DNSServers    []string    `yaml:"dns_servers"`

	// MaxConcurrentConnects bounds per-session in-flight CONNECT
	// resolutions. Not part of the wire protocol; see DESIGN.md.
	MaxConcurrentConnects int64 `yaml:"max_concurrent_connects"`
}

// DefaultConfig returns the baseline policy: TCP+UDP on, loopback off,
// private on, 16KiB buffer, {22,25,587} blocked, Cloudflare+Google DNS.
func DefaultConfig() WispConfig {
	return WispConfig{
		AllowTCP:      true,
		AllowUDP:      true,
		AllowLoopback: false,
		AllowPrivate:  true,
		BufferSize:    16384,
		BlockedPorts: []PortRange{
			{Low: 22, High: 22},
			{Low: 25, High: 25},
			{Low: 587, High: 587},
		},
		DNSServers:            []string{"1.1.1.1", "8.8.8.8"},
		MaxConcurrentConnects: 256,
	}
}

// IsPortBlocked reports whether port falls in any configured blocked
// range.
func (c *WispConfig) IsPortBlocked(port uint16) bool {
	for _, r := range c.BlockedPorts {
		if r.Contains(port) {
			return true
		}
	}
	return false
}

// effectiveBufferSize returns BufferSize, substituting the default when it
// is zero: a zero buffer_size is treated as "use the default" rather than
// rejected outright.
func (c *WispConfig) effectiveBufferSize() int {
	if c.BufferSize <= 0 {
		return DefaultConfig().BufferSize
	}
	return c.BufferSize
}

// LoadConfig reads a YAML config file, starting from DefaultConfig() so
// that any field the file omits keeps its default value.
func LoadConfig(path string) (WispConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "opening config file %q", path)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config file %q", path)
	}
	return cfg, nil
}
