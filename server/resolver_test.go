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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitResolverEmptyListUsesSystem(t *testing.T) {
	globalResolver = nil
	globalResolverOnce = sync.Once{}

	InitResolver(nil, nil)
	_, ok := globalResolver.(systemResolver)
	require.True(t, ok)
}

func TestInitResolverAllUnparseableFallsBackToSystem(t *testing.T) {
	globalResolver = nil
	globalResolverOnce = sync.Once{}

	InitResolver([]string{"not-an-ip", "also-not"}, nil)
	_, ok := globalResolver.(systemResolver)
	require.True(t, ok)
}

func TestInitResolverValidIPsUseRecursive(t *testing.T) {
	globalResolver = nil
	globalResolverOnce = sync.Once{}

	InitResolver([]string{"not-an-ip", "1.1.1.1"}, nil)
	r, ok := globalResolver.(*recursiveResolver)
	require.True(t, ok)
	require.Equal(t, []string{"1.1.1.1"}, r.servers)
}

func TestInitResolverIsOnlyAppliedOnce(t *testing.T) {
	globalResolver = nil
	globalResolverOnce = sync.Once{}

	InitResolver(nil, nil)
	InitResolver([]string{"1.1.1.1"}, nil)
	_, ok := globalResolver.(systemResolver)
	require.True(t, ok, "second InitResolver call must be a no-op")
}
