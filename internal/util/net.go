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
	"encoding/binary"
	"errors"
	"net"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
	"github.com/vishvananda/netlink"
)

var ErrIPMustBeIPv4 = errors.New("IP must be ipv4")

// -------------------------------------------------------------------
// -- IPv4 <-> uint32
// -------------------------------------------------------------------

// The uint32 representation is the numeric value of the address, i.e. the
// network byte order interpretation: 10.0.0.1 is 0x0a000001.

func ParseIPToUint32(s string) (uint32, error) {
	ipv4 := net.ParseIP(s).To4()
	if ipv4 == nil {
		return 0, ErrIPMustBeIPv4
	}

	return binary.BigEndian.Uint32(ipv4), nil
}

// IPv4ToUint32 returns 0 if ip is not an ipv4 address.
func IPv4ToUint32(ip net.IP) uint32 {
	ipv4 := ip.To4()
	if ipv4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ipv4)
}

func Uint32ToIPv4(v uint32) net.IP {
	out := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(out, v)
	return out
}

// -------------------------------------------------------------------
// -- ParseIEEE802MAC
// -------------------------------------------------------------------

var errParseIEEE802MAC = errors.New(
	"mac addr must be a valid IEEE 802 MAC address",
)

func ParseIEEE802MAC(s string) ([6]uint8, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return [6]uint8{}, flaterrors.Join(err, errParseIEEE802MAC)
	}

	if len(mac) != 6 {
		return [6]uint8{}, errParseIEEE802MAC
	}

	return [6]uint8(mac), nil
}

// HardwareAddrToUint64 packs a 48 bit hardware address into the low bits
// of an uint64.
func HardwareAddrToUint64(mac net.HardwareAddr) uint64 {
	var out uint64
	for _, b := range mac {
		out = out<<8 | uint64(b)
	}
	return out
}

func Uint64ToHardwareAddr(v uint64) net.HardwareAddr {
	out := make(net.HardwareAddr, 6)
	for i := 5; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

// -------------------------------------------------------------------
// -- NeighbourResolver
// -------------------------------------------------------------------

var ErrNeighbourNotFound = errors.New("neighbour not found")

// ResolveNeighbour looks up the hardware address of an ipv4 neighbour in the
// kernel neighbour table.
func ResolveNeighbour(ip net.IP) (net.HardwareAddr, error) {
	if ip.To4() == nil {
		return nil, ErrIPMustBeIPv4
	}

	neighs, err := netlink.NeighList(0, netlink.FAMILY_V4)
	if err != nil {
		return nil, err
	}

	return findNeighbour(neighs, ip)
}

func findNeighbour(neighs []netlink.Neigh, ip net.IP) (net.HardwareAddr, error) {
	for _, n := range neighs {
		if !n.IP.Equal(ip) || len(n.HardwareAddr) == 0 {
			continue
		}

		// skip entries the kernel could not resolve.
		if n.State&(netlink.NUD_FAILED|netlink.NUD_INCOMPLETE) != 0 {
			continue
		}

		return n.HardwareAddr, nil
	}

	return nil, ErrNeighbourNotFound
}
