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
package comparatoradapter

import (
	"fmt"

	ternaryadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/ternary"
	"github.com/alexandremahdhaoui/elcplb/internal/types"
)

// Size is the number of entries of the network: a pair of entries per bit
// position and the wildcard fallback.
const Size = 2*ternaryadapter.Width + 1

// Sense is the outcome of comparing the low 32 bits of the metadata register
// (m) with the packet source address (a).
type Sense uint8

const (
	// SenseTrue means m > a.
	SenseTrue Sense = iota
	// SenseFalse means m < a.
	SenseFalse
	// SenseTie means m == a.
	SenseTie
)

func (s Sense) String() string {
	switch s {
	case SenseTrue:
		return "true"
	case SenseFalse:
		return "false"
	case SenseTie:
		return "tie"
	default:
		return fmt.Sprintf("sense(%d)", uint8(s))
	}
}

// Targets are the tables each sense continues to.
type Targets struct {
	True  types.TableID
	False types.TableID
	Tie   types.TableID
}

func (t Targets) For(s Sense) types.TableID {
	switch s {
	case SenseTrue:
		return t.True
	case SenseFalse:
		return t.False
	default:
		return t.Tie
	}
}

// Entry is a ternary rule of the network. Bit 0 is the most significant bit of
// the compared values.
type Entry struct {
	Bit      int
	Sense    Sense
	Priority uint16

	Metadata     uint64
	MetadataMask uint64
	Address      uint32
	AddressMask  uint32
}

func (e Entry) Matches(metadata uint64, addr uint32) bool {
	return metadata&e.MetadataMask == e.Metadata&e.MetadataMask &&
		addr&e.AddressMask == e.Address&e.AddressMask
}

// -------------------------------------------------------------------
// -- NETWORK
// -------------------------------------------------------------------

var network = newNetwork()

func newNetwork() []Entry {
	out := make([]Entry, 0, Size)
	for i := range ternaryadapter.Width {
		bit := uint32(1) << (ternaryadapter.Width - 1 - i)
		// the first differing bit decides, hence higher bits come first.
		prio := uint16(2*ternaryadapter.Width - i)

		out = append(out, Entry{
			Bit:          i,
			Sense:        SenseTrue,
			Priority:     prio,
			Metadata:     uint64(bit),
			MetadataMask: uint64(bit),
			Address:      0,
			AddressMask:  bit,
		}, Entry{
			Bit:          i,
			Sense:        SenseFalse,
			Priority:     prio,
			Metadata:     0,
			MetadataMask: uint64(bit),
			Address:      bit,
			AddressMask:  bit,
		})
	}

	// fallback: m and a agree on every bit.
	return append(out, Entry{
		Bit:      ternaryadapter.Width,
		Sense:    SenseTie,
		Priority: 0,
	})
}

// Entries returns the network ordered by decreasing priority. The network
// never changes.
func Entries() []Entry {
	out := make([]Entry, len(network))
	copy(out, network)
	return out
}

// Decide evaluates the network the way a switch does: the matching entry with
// the highest priority wins.
func Decide(metadata uint64, addr uint32) Sense {
	for _, e := range network {
		if e.Matches(metadata, addr) {
			return e.Sense
		}
	}
	return SenseTie // unreachable: the fallback matches everything.
}

// Build compiles the network into the rules of a comparator table.
func Build(table types.TableID, targets Targets) []types.Rule {
	out := make([]types.Rule, 0, len(network))
	for _, e := range network {
		out = append(out, types.Rule{
			Table:    table,
			Priority: e.Priority,
			Match: types.Match{
				EthType:      types.EthTypeIPv4,
				IPv4Src:      e.Address,
				IPv4SrcMask:  e.AddressMask,
				Metadata:     e.Metadata,
				MetadataMask: e.MetadataMask,
			},
			Goto:    targets.For(e.Sense),
			RangeID: types.StaticRule,
		})
	}
	return out
}
