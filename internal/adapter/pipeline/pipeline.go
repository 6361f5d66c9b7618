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
package pipelineadapter

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	comparatoradapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/comparator"
	rangesadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/ranges"
	"github.com/alexandremahdhaoui/elcplb/internal/types"
	"github.com/alexandremahdhaoui/elcplb/internal/util"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
)

var (
	ErrNoServer                 = errors.New("at least one server is required")
	ErrRangeHasNoServer         = errors.New("range has no server")
	ErrCreatingPipelineCompiler = errors.New("creating pipeline compiler")
	ErrCompilingGeneration      = errors.New("compiling generation")
)

// Priorities of the static rules.
const (
	PriorityMiss         uint16 = 0
	PriorityToVirtual    uint16 = 1
	PriorityFromServer   uint16 = 2
	PriorityDispatchRule uint16 = 1
)

var (
	// UpperCompareTargets resolves `end >= address`.
	UpperCompareTargets = comparatoradapter.Targets{
		True:  types.TableDispatch,
		False: types.TableEndBound,
		Tie:   types.TableDispatch,
	}

	// LowerCompareTargets resolves `address >= start`. A start bound above the
	// address drops the packet.
	LowerCompareTargets = comparatoradapter.Targets{
		True:  types.NoTable,
		False: types.TableDispatch,
		Tie:   types.TableDispatch,
	}
)

// -------------------------------------------------------------------
// -- COMPILER
// -------------------------------------------------------------------

// Compiler turns generations into the rules of the balancing pipeline.
// The range with id i is dispatched to servers[i].
type Compiler struct {
	virtual types.VirtualEndpoint
	servers []types.ServerEndpoint
	static  []types.Rule
}

func New(virtual types.VirtualEndpoint, servers []types.ServerEndpoint) (*Compiler, error) {
	if len(servers) == 0 {
		return nil, flaterrors.Join(ErrNoServer, ErrCreatingPipelineCompiler)
	}
	if virtual.IP.To4() == nil {
		return nil, flaterrors.Join(util.ErrIPMustBeIPv4, ErrCreatingPipelineCompiler)
	}
	for i, s := range servers {
		if s.IP.To4() == nil {
			return nil, flaterrors.Join(
				fmt.Errorf("servers[%d]", i),
				util.ErrIPMustBeIPv4,
				ErrCreatingPipelineCompiler,
			)
		}
	}

	c := &Compiler{
		virtual: virtual,
		servers: slices.Clone(servers),
	}
	c.static = c.compileStatic()
	return c, nil
}

func (c *Compiler) Servers() []types.ServerEndpoint {
	return slices.Clone(c.servers)
}

// Static returns the range independent rules in installation order.
func (c *Compiler) Static() []types.Rule {
	return slices.Clone(c.static)
}

func (c *Compiler) compileStatic() []types.Rule {
	vip := util.IPv4ToUint32(c.virtual.IP)
	vmac := util.HardwareAddrToUint64(c.virtual.MacAddr)

	out := make([]types.Rule, 0, 2*comparatoradapter.Size+len(c.servers)+4)

	// classify
	out = append(out, types.Rule{
		Table:    types.TableClassify,
		Priority: PriorityToVirtual,
		Match: types.Match{
			EthType:     types.EthTypeIPv4,
			IPv4Dst:     vip,
			IPv4DstMask: ^uint32(0),
		},
		Goto:    types.TableStartBound,
		RangeID: types.StaticRule,
	})

	for _, s := range c.servers {
		ip := util.IPv4ToUint32(s.IP)
		out = append(out, types.Rule{
			Table:    types.TableClassify,
			Priority: PriorityFromServer,
			Match: types.Match{
				EthType:     types.EthTypeIPv4,
				IPv4Src:     ip,
				IPv4SrcMask: ^uint32(0),
			},
			Apply: []types.Action{
				{Kind: types.ActionSetEthSrc, Value: vmac},
				{Kind: types.ActionSetIPv4Src, Value: uint64(vip)},
				{Kind: types.ActionOutput, Value: uint64(types.PortNormal)},
			},
			Goto:    types.NoTable,
			RangeID: types.StaticRule,
		})
	}

	out = append(out,
		// unknown traffic is handled by the controller.
		missRule(types.TableClassify, types.NoTable,
			types.Action{Kind: types.ActionOutput, Value: uint64(types.PortController)}),
		missRule(types.TableStartBound, types.TableEndBound),
		missRule(types.TableEndBound, types.NoTable),
	)

	out = append(out, comparatoradapter.Build(types.TableUpperCompare, UpperCompareTargets)...)
	out = append(out, comparatoradapter.Build(types.TableLowerCompare, LowerCompareTargets)...)

	return out
}

func missRule(table, next types.TableID, actions ...types.Action) types.Rule {
	return types.Rule{
		Table:    table,
		Priority: PriorityMiss,
		Apply:    actions,
		Goto:     next,
		RangeID:  types.StaticRule,
	}
}

// Compile returns the range dependent rules of gen ordered by range id.
func (c *Compiler) Compile(gen rangesadapter.Generation) ([]types.Rule, error) {
	out := make([]types.Rule, 0, 3*len(gen.Ranges))
	for _, r := range gen.Ranges {
		rules, err := c.CompileRange(r, gen.ID)
		if err != nil {
			return nil, flaterrors.Join(err, ErrCompilingGeneration)
		}
		out = append(out, rules...)
	}
	return out, nil
}

// CompileRange returns the start-bound, end-bound and dispatch rules of r.
//
// A zero-width range compiles to exact matches in both bound tables.
func (c *Compiler) CompileRange(r rangesadapter.AddressRange, generation uint64) ([]types.Rule, error) {
	if r.ID < 0 || r.ID >= len(c.servers) {
		return nil, flaterrors.Join(fmt.Errorf("range %s, %d servers", r, len(c.servers)), ErrRangeHasNoServer)
	}

	server := c.servers[r.ID]
	serverIP := util.IPv4ToUint32(server.IP)
	sp, ep := r.StartPattern(), r.EndPattern()
	cookie := uint64(r.ID)

	return []types.Rule{
		{
			Table:    types.TableStartBound,
			Priority: uint16(sp.Specificity()),
			Cookie:   cookie,
			Match: types.Match{
				EthType:     types.EthTypeIPv4,
				IPv4Src:     sp.Value,
				IPv4SrcMask: sp.Mask,
			},
			WriteMetadata: types.MetadataWrite{Value: r.StartBoundMetadata(), Mask: ^uint64(0)},
			Goto:          types.TableUpperCompare,
			RangeID:       r.ID,
			Generation:    generation,
		},
		{
			Table:    types.TableEndBound,
			Priority: uint16(ep.Specificity()),
			Cookie:   cookie,
			Match: types.Match{
				EthType:     types.EthTypeIPv4,
				IPv4Src:     ep.Value,
				IPv4SrcMask: ep.Mask,
			},
			WriteMetadata: types.MetadataWrite{Value: r.EndBoundMetadata(), Mask: ^uint64(0)},
			Goto:          types.TableLowerCompare,
			RangeID:       r.ID,
			Generation:    generation,
		},
		{
			Table:    types.TableDispatch,
			Priority: PriorityDispatchRule,
			Cookie:   cookie,
			Match: types.Match{
				EthType:      types.EthTypeIPv4,
				Metadata:     rangesadapter.DispatchMetadata(r.ID),
				MetadataMask: rangesadapter.DispatchMask,
			},
			Apply: []types.Action{
				{Kind: types.ActionSetEthDst, Value: util.HardwareAddrToUint64(server.MacAddr)},
				{Kind: types.ActionSetIPv4Dst, Value: uint64(serverIP)},
				{Kind: types.ActionOutput, Value: uint64(server.Port)},
			},
			Goto:       types.NoTable,
			RangeID:    r.ID,
			Generation: generation,
		},
	}, nil
}

// -------------------------------------------------------------------
// -- DIFF
// -------------------------------------------------------------------

// Change is the set of operations touching a single range id. Deletes must be
// issued before Adds.
type Change struct {
	RangeID int
	Deletes []types.Rule
	Adds    []types.Rule
}

func (c Change) IsEmpty() bool {
	return len(c.Deletes) == 0 && len(c.Adds) == 0
}

// Owners returns the range ids whose rules the change modifies: its own and
// those of the displaced rules it deletes, in ascending order.
func (c Change) Owners() []int {
	out := []int{c.RangeID}
	for _, r := range c.Deletes {
		out = append(out, r.RangeID)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Diff computes the operations turning the installed rules into desired.
//
// Rules are compared by RuleKey. A key present in both sets with different
// rules is deleted then added again on behalf of the desired rule's range id,
// even if the installed rule belongs to another range. Keeping both
// operations in one change preserves delete-before-add on that key.
// Change.Owners lists every range such a change modifies.
// Rules present in both sets with identical content are never touched.
// Changes are ordered by range id, static rules first.
func Diff(installed, desired []types.Rule) []Change {
	byKey := make(map[types.RuleKey]types.Rule, len(installed))
	for _, r := range installed {
		byKey[r.Key()] = r
	}

	changes := make(map[int]*Change)
	get := func(id int) *Change {
		c, ok := changes[id]
		if !ok {
			c = &Change{RangeID: id}
			changes[id] = c
		}
		return c
	}

	seen := make(map[types.RuleKey]struct{}, len(desired))
	for _, r := range desired {
		k := r.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		old, ok := byKey[k]
		switch {
		case !ok:
			get(r.RangeID).Adds = append(get(r.RangeID).Adds, r)
		case !old.SameAs(r):
			c := get(r.RangeID)
			c.Deletes = append(c.Deletes, old)
			c.Adds = append(c.Adds, r)
		}
	}

	for k, old := range byKey {
		if _, ok := seen[k]; ok {
			continue
		}
		get(old.RangeID).Deletes = append(get(old.RangeID).Deletes, old)
	}

	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		slices.SortFunc(c.Deletes, CompareRules)
		slices.SortFunc(c.Adds, CompareRules)
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b Change) int { return cmp.Compare(a.RangeID, b.RangeID) })
	return out
}

// CompareRules orders rules by table, decreasing priority then match.
func CompareRules(a, b types.Rule) int {
	return cmp.Or(
		cmp.Compare(a.Table, b.Table),
		cmp.Compare(b.Priority, a.Priority),
		cmp.Compare(a.Key().String(), b.Key().String()),
	)
}

// ChangedRanges returns the ids whose bounds differ between both partitions.
// Ids only present in one of them are included.
func ChangedRanges(prev, next []rangesadapter.AddressRange) []int {
	out := make([]int, 0)
	for i := range max(len(prev), len(next)) {
		switch {
		case i >= len(prev):
			out = append(out, next[i].ID)
		case i >= len(next):
			out = append(out, prev[i].ID)
		case !prev[i].SameBounds(next[i]):
			out = append(out, next[i].ID)
		}
	}
	return out
}
