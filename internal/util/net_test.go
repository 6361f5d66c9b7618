/*
 * Copyright 2025 Alexandre Mahdhaoui
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package util

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
)

func TestIPv4Conversions(t *testing.T) {
	t.Run("ParseIPToUint32", func(t *testing.T) {
		v, err := ParseIPToUint32("10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, uint32(0x0a000001), v)

		_, err = ParseIPToUint32("::1")
		assert.ErrorIs(t, err, ErrIPMustBeIPv4)

		_, err = ParseIPToUint32("not an ip")
		assert.ErrorIs(t, err, ErrIPMustBeIPv4)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		for _, v := range []uint32{0, 1, 0x0a000001, 0xc0a80064, 0xffffffff} {
			assert.Equal(t, v, IPv4ToUint32(Uint32ToIPv4(v)))
		}
		assert.Equal(t, "192.168.0.100", Uint32ToIPv4(0xc0a80064).String())
		assert.Equal(t, uint32(0), IPv4ToUint32(net.ParseIP("::1")))
	})
}

func TestHardwareAddr(t *testing.T) {
	t.Run("ParseIEEE802MAC", func(t *testing.T) {
		mac, err := ParseIEEE802MAC("02:00:00:00:00:64")
		require.NoError(t, err)
		assert.Equal(t, [6]uint8{0x02, 0, 0, 0, 0, 0x64}, mac)

		_, err = ParseIEEE802MAC("02:00:00:00:00:00:00:64")
		assert.ErrorIs(t, err, errParseIEEE802MAC)

		_, err = ParseIEEE802MAC("nope")
		assert.ErrorIs(t, err, errParseIEEE802MAC)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		hw := net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x02}
		v := HardwareAddrToUint64(hw)
		assert.Equal(t, uint64(0x0242ac110002), v)
		assert.Equal(t, hw, Uint64ToHardwareAddr(v))
	})
}

func TestFindNeighbour(t *testing.T) {
	var (
		ip    net.IP
		mac   net.HardwareAddr
		other net.HardwareAddr
	)

	setup := func(t *testing.T) {
		t.Helper()
		ip = net.ParseIP("10.0.0.2")
		mac = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
		other = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x03}
	}

	t.Run("Found", func(t *testing.T) {
		setup(t)
		neighs := []netlink.Neigh{
			{IP: net.ParseIP("10.0.0.3"), HardwareAddr: other, State: netlink.NUD_REACHABLE},
			{IP: ip, HardwareAddr: mac, State: netlink.NUD_STALE},
		}

		actual, err := findNeighbour(neighs, ip)
		require.NoError(t, err)
		assert.Equal(t, mac, actual)
	})

	t.Run("SkipsUnresolvedEntries", func(t *testing.T) {
		setup(t)
		neighs := []netlink.Neigh{
			{IP: ip, State: netlink.NUD_INCOMPLETE},
			{IP: ip, HardwareAddr: other, State: netlink.NUD_FAILED},
			{IP: ip, HardwareAddr: mac, State: netlink.NUD_REACHABLE},
		}

		actual, err := findNeighbour(neighs, ip)
		require.NoError(t, err)
		assert.Equal(t, mac, actual)
	})

	t.Run("NotFound", func(t *testing.T) {
		setup(t)
		neighs := []netlink.Neigh{
			{IP: net.ParseIP("10.0.0.3"), HardwareAddr: other, State: netlink.NUD_REACHABLE},
		}

		_, err := findNeighbour(neighs, ip)
		assert.ErrorIs(t, err, ErrNeighbourNotFound)

		_, err = ResolveNeighbour(net.ParseIP("::1"))
		assert.ErrorIs(t, err, ErrIPMustBeIPv4)
	})
}
