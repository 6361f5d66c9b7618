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
package types

import (
	"fmt"
	"slices"
)

// -------------------------------------------------------------------
// -- TABLES
// -------------------------------------------------------------------

type TableID uint8

const (
	// TableClassify splits client requests to the virtual address from
	// server replies.
	TableClassify TableID = iota
	// TableStartBound holds one rule per range matching the one-biased
	// extended prefix. It writes the range's upper bound into metadata.
	TableStartBound
	// TableUpperCompare decides `metadata >= address` for the upper bound.
	TableUpperCompare
	// TableEndBound holds one rule per range matching the zero-biased
	// extended prefix. It writes the range's lower bound into metadata.
	TableEndBound
	// TableLowerCompare decides `address >= metadata` for the lower bound.
	TableLowerCompare
	// TableDispatch rewrites the destination to the backend of a range id.
	TableDispatch

	// NoTable means the rule does not continue the pipeline.
	NoTable TableID = 0xff
)

func (t TableID) String() string {
	switch t {
	case TableClassify:
		return "classify"
	case TableStartBound:
		return "start-bound"
	case TableUpperCompare:
		return "upper-compare"
	case TableEndBound:
		return "end-bound"
	case TableLowerCompare:
		return "lower-compare"
	case TableDispatch:
		return "dispatch"
	case NoTable:
		return "none"
	default:
		return fmt.Sprintf("table(%d)", uint8(t))
	}
}

// -------------------------------------------------------------------
// -- MATCH
// -------------------------------------------------------------------

const EthTypeIPv4 uint16 = 0x0800

// Match is a ternary match over the fields the pipeline relies on. For every
// field a mask bit set to 1 means the bit is significant. A zero mask is a
// wildcard. EthType 0 matches any ethernet type.
//
// Match is comparable and can be used as a map key.
type Match struct {
	EthType uint16

	IPv4Src     uint32
	IPv4SrcMask uint32
	IPv4Dst     uint32
	IPv4DstMask uint32

	Metadata     uint64
	MetadataMask uint64
}

// Canonical zeroes every non-significant bit so that two matches selecting
// the same packets are equal.
func (m Match) Canonical() Match {
	m.IPv4Src &= m.IPv4SrcMask
	m.IPv4Dst &= m.IPv4DstMask
	m.Metadata &= m.MetadataMask
	return m
}

func (m Match) String() string {
	return fmt.Sprintf("eth_type=%#04x,ipv4_src=%08x/%08x,ipv4_dst=%08x/%08x,metadata=%016x/%016x",
		m.EthType,
		m.IPv4Src, m.IPv4SrcMask,
		m.IPv4Dst, m.IPv4DstMask,
		m.Metadata, m.MetadataMask,
	)
}

// -------------------------------------------------------------------
// -- ACTIONS
// -------------------------------------------------------------------

type ActionKind string

const (
	ActionSetEthSrc  ActionKind = "set_eth_src"
	ActionSetEthDst  ActionKind = "set_eth_dst"
	ActionSetIPv4Src ActionKind = "set_ipv4_src"
	ActionSetIPv4Dst ActionKind = "set_ipv4_dst"
	ActionOutput     ActionKind = "output"
)

// Reserved output ports.
const (
	PortNormal     uint32 = 0xfffffffa
	PortController uint32 = 0xfffffffd
)

// Action holds its argument in Value: a 48 bit hardware address, a 32 bit ipv4
// address or an output port depending on Kind.
type Action struct {
	Kind  ActionKind
	Value uint64
}

func (a Action) String() string {
	return fmt.Sprintf("%s:%#x", a.Kind, a.Value)
}

type MetadataWrite struct {
	Value uint64
	Mask  uint64
}

// -------------------------------------------------------------------
// -- RULE
// -------------------------------------------------------------------

// StaticRule tags rules that do not derive from an address range.
const StaticRule = -1

// RuleKey identifies an installed rule. Two rules sharing a RuleKey cannot
// coexist in a switch.
type RuleKey struct {
	Table    TableID
	Priority uint16
	Match    Match
}

func (k RuleKey) String() string {
	return fmt.Sprintf("table=%s,priority=%d,%s", k.Table, k.Priority, k.Match)
}

type Rule struct {
	Table    TableID
	Priority uint16
	Cookie   uint64
	Match    Match

	// Apply is executed in order when the rule is hit.
	Apply []Action
	// A zero mask means no metadata is written.
	WriteMetadata MetadataWrite
	// NoTable ends the pipeline.
	Goto TableID

	// RangeID is the id of the range this rule derives from or StaticRule.
	RangeID int
	// Generation of the partition this rule was compiled from.
	Generation uint64
}

func (r Rule) Key() RuleKey {
	return RuleKey{
		Table:    r.Table,
		Priority: r.Priority,
		Match:    r.Match.Canonical(),
	}
}

// SameAs reports whether both rules program the switch identically. The
// generation tag is ignored.
func (r Rule) SameAs(other Rule) bool {
	return r.Key() == other.Key() &&
		r.Cookie == other.Cookie &&
		r.WriteMetadata == other.WriteMetadata &&
		r.Goto == other.Goto &&
		r.RangeID == other.RangeID &&
		slices.Equal(r.Apply, other.Apply)
}

func (r Rule) IsStatic() bool {
	return r.RangeID == StaticRule
}

func (r Rule) String() string {
	return fmt.Sprintf("%s,cookie=%d,apply=%v,write_metadata=%016x/%016x,goto=%s,range=%d,gen=%d",
		r.Key(), r.Cookie, r.Apply,
		r.WriteMetadata.Value, r.WriteMetadata.Mask,
		r.Goto, r.RangeID, r.Generation,
	)
}
