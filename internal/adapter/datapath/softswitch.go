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
package datapathadapter

import (
	"context"
	"slices"
	"sync"

	"github.com/alexandremahdhaoui/elcplb/internal/types"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
)

// maxPipelineDepth bounds the number of tables a packet goes through.
const maxPipelineDepth = 32

/*******************************************************************************
 * Packet & Verdict
 *
 ******************************************************************************/

type Packet struct {
	EthType uint16
	EthSrc  uint64
	EthDst  uint64
	IPv4Src uint32
	IPv4Dst uint32
}

type Verdict struct {
	// Dropped is true if no rule output the packet.
	Dropped bool
	// OutPort is the last port the packet was output to.
	OutPort uint32
	// Packet is the rewritten packet.
	Packet Packet
	// Metadata is the value of the metadata register at the end of the
	// pipeline.
	Metadata uint64
	// Path lists the rules hit by the packet in order.
	Path []types.Rule
}

/*******************************************************************************
 * Operation
 *
 ******************************************************************************/

type OperationKind string

const (
	OperationInstall OperationKind = "install"
	OperationDelete  OperationKind = "delete"
	OperationRequest OperationKind = "request"
)

type Operation struct {
	Kind OperationKind
	Rule types.Rule
}

// FailFunc decides whether an operation is rejected. A nil error accepts it.
type FailFunc func(op Operation) error

/*******************************************************************************
 * SoftSwitch
 *
 * In-memory multi-table switch. Tables hold ternary rules evaluated by
 * decreasing priority, rules may write the metadata register, rewrite the
 * packet, output it and continue to another table.
 ******************************************************************************/

var _ Datapath = &SoftSwitch{}

type SoftSwitch struct {
	id uint64

	tables  map[types.TableID][]*entry
	history []Operation

	onReply     CounterReplyHandler
	muteReplies bool
	fail        FailFunc
	closed      bool

	mu *sync.Mutex
}

type entry struct {
	rule    types.Rule
	packets uint64
}

func NewSoftSwitch(id uint64, onReply CounterReplyHandler) *SoftSwitch {
	return &SoftSwitch{
		id:      id,
		tables:  make(map[types.TableID][]*entry),
		onReply: onReply,
		mu:      &sync.Mutex{},
	}
}

func (s *SoftSwitch) ID() uint64 {
	return s.id
}

// SetReplyHandler replaces the counter reply handler.
func (s *SoftSwitch) SetReplyHandler(h CounterReplyHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReply = h
}

// SetFailFunc injects failures. A nil f accepts every operation.
func (s *SoftSwitch) SetFailFunc(f FailFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = f
}

// MuteReplies makes the switch accept counter requests without ever
// replying.
func (s *SoftSwitch) MuteReplies(mute bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muteReplies = mute
}

// Close makes every subsequent operation fail.
func (s *SoftSwitch) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// -------------------------------------------------------------------
// -- Control channel
// -------------------------------------------------------------------

func (s *SoftSwitch) InstallRule(ctx context.Context, rule types.Rule) error {
	if err := ctx.Err(); err != nil {
		return flaterrors.Join(err, ErrInstallingRule)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op := Operation{Kind: OperationInstall, Rule: rule}
	if err := s.check(op); err != nil {
		return flaterrors.Join(err, ErrInstallingRule)
	}
	s.history = append(s.history, op)

	key := rule.Key()
	table := s.tables[rule.Table]
	if i := slices.IndexFunc(table, func(e *entry) bool { return e.rule.Key() == key }); i >= 0 {
		table[i] = &entry{rule: cloneRule(rule)}
		return nil
	}

	// keep the table sorted by decreasing priority, older rules first.
	i := 0
	for i < len(table) && table[i].rule.Priority >= rule.Priority {
		i++
	}
	s.tables[rule.Table] = slices.Insert(table, i, &entry{rule: cloneRule(rule)})
	return nil
}

func (s *SoftSwitch) DeleteRuleStrict(ctx context.Context, rule types.Rule) error {
	if err := ctx.Err(); err != nil {
		return flaterrors.Join(err, ErrDeletingRule)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op := Operation{Kind: OperationDelete, Rule: rule}
	if err := s.check(op); err != nil {
		return flaterrors.Join(err, ErrDeletingRule)
	}
	s.history = append(s.history, op)

	key := rule.Key()
	s.tables[rule.Table] = slices.DeleteFunc(s.tables[rule.Table], func(e *entry) bool {
		return e.rule.Key() == key
	})
	return nil
}

func (s *SoftSwitch) RequestCounters(ctx context.Context, req types.CounterRequest) error {
	if err := ctx.Err(); err != nil {
		return flaterrors.Join(err, ErrRequestingCounter)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op := Operation{Kind: OperationRequest, Rule: types.Rule{Table: req.Table}}
	if err := s.check(op); err != nil {
		return flaterrors.Join(err, ErrRequestingCounter)
	}
	s.history = append(s.history, op)

	if s.muteReplies || s.onReply == nil {
		return nil
	}

	reply := types.CounterReply{
		RequestID:  req.ID,
		DatapathID: s.id,
		Table:      req.Table,
		Counts:     make(map[uint64]uint64),
	}
	for _, e := range s.tables[req.Table] {
		reply.Counts[e.rule.Cookie] += e.packets
	}

	go s.onReply(reply)
	return nil
}

func (s *SoftSwitch) check(op Operation) error {
	if s.closed {
		return ErrDatapathClosed
	}
	if s.fail != nil {
		return s.fail(op)
	}
	return nil
}

// -------------------------------------------------------------------
// -- Inspection
// -------------------------------------------------------------------

// Rules returns the installed rules ordered by table then evaluation order.
func (s *SoftSwitch) Rules() []types.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]types.TableID, 0, len(s.tables))
	for id := range s.tables {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]types.Rule, 0)
	for _, id := range ids {
		for _, e := range s.tables[id] {
			out = append(out, cloneRule(e.rule))
		}
	}
	return out
}

// History returns every accepted operation in order.
func (s *SoftSwitch) History() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

func (s *SoftSwitch) ResetHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}

// -------------------------------------------------------------------
// -- Data plane
// -------------------------------------------------------------------

// Process runs p through the pipeline starting at the classify table and
// updates the counters of the rules it hits.
func (s *SoftSwitch) Process(p Packet) Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := Verdict{Dropped: true}
	table := types.TableClassify
	for range maxPipelineDepth {
		e := lookup(s.tables[table], p, v.Metadata)
		if e == nil {
			break // table miss without rule.
		}

		e.packets++
		v.Path = append(v.Path, e.rule)

		for _, a := range e.rule.Apply {
			switch a.Kind {
			case types.ActionSetEthSrc:
				p.EthSrc = a.Value
			case types.ActionSetEthDst:
				p.EthDst = a.Value
			case types.ActionSetIPv4Src:
				p.IPv4Src = uint32(a.Value)
			case types.ActionSetIPv4Dst:
				p.IPv4Dst = uint32(a.Value)
			case types.ActionOutput:
				v.Dropped = false
				v.OutPort = uint32(a.Value)
			}
		}

		wm := e.rule.WriteMetadata
		v.Metadata = v.Metadata&^wm.Mask | wm.Value&wm.Mask

		if e.rule.Goto == types.NoTable || e.rule.Goto <= table {
			break
		}
		table = e.rule.Goto
	}

	v.Packet = p
	return v
}

func lookup(table []*entry, p Packet, metadata uint64) *entry {
	for _, e := range table {
		if matches(e.rule.Match, p, metadata) {
			return e
		}
	}
	return nil
}

func matches(m types.Match, p Packet, metadata uint64) bool {
	return (m.EthType == 0 || m.EthType == p.EthType) &&
		p.IPv4Src&m.IPv4SrcMask == m.IPv4Src&m.IPv4SrcMask &&
		p.IPv4Dst&m.IPv4DstMask == m.IPv4Dst&m.IPv4DstMask &&
		metadata&m.MetadataMask == m.Metadata&m.MetadataMask
}

func cloneRule(r types.Rule) types.Rule {
	r.Apply = slices.Clone(r.Apply)
	return r
}
