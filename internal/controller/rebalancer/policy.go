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
package rebalancer

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	rangesadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/ranges"
	"github.com/alexandremahdhaoui/elcplb/internal/types"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
)

var (
	ErrDeltasDoNotMatchRanges = errors.New("number of deltas does not match number of ranges")
	ErrRebalanceRejected      = errors.New("rebalance rejected")
	ErrCreatingPolicy         = errors.New("creating rebalance policy")
)

// Decision is the outcome of a policy for one tick.
type Decision struct {
	Rebalance bool
	Policy    types.RebalancePolicy
	// Ranges is the new partition. Only set if Rebalance is true.
	Ranges []rangesadapter.AddressRange
	// Affected lists the ids of the ranges whose bounds changed.
	Affected []int
	Reason   string
}

// Policy decides from the packets dispatched by every range during the last
// interval whether the address space must be repartitioned.
//
// Policies are not safe for concurrent use.
type Policy interface {
	Name() types.RebalancePolicy
	Decide(gen rangesadapter.Generation, deltas []uint64) (Decision, error)
	// Skip is called instead of Decide on ticks that yield no deltas.
	Skip()
}

// NewPolicy returns the policy configured in cfg for the address space
// [base, base+span-1].
func NewPolicy(cfg types.RebalanceConfig, base uint32, span uint64) (Policy, error) {
	switch cfg.Policy {
	case types.PolicyNone:
		return None{}, nil
	case types.PolicyThreshold:
		return &Threshold{
			Base:               base,
			Span:               span,
			MinSampleThreshold: cfg.MinSampleThreshold,
			OverloadFactor:     cfg.OverloadFactor,
		}, nil
	case types.PolicyExtremes:
		seed := cfg.Seed
		if seed == 0 {
			seed = uint64(time.Now().UnixNano())
		}
		return NewExtremes(cfg.MaxShiftFraction, rand.New(rand.NewPCG(seed, seed))), nil
	default:
		return nil, flaterrors.Join(
			fmt.Errorf("policy %q", cfg.Policy),
			types.ErrUnknownRebalancePolicy,
			ErrCreatingPolicy,
		)
	}
}

func checkDeltas(gen rangesadapter.Generation, deltas []uint64) error {
	if len(deltas) != len(gen.Ranges) {
		return flaterrors.Join(
			fmt.Errorf("%d deltas, %d ranges", len(deltas), len(gen.Ranges)),
			ErrDeltasDoNotMatchRanges,
		)
	}
	return nil
}

func average(deltas []uint64) float64 {
	if len(deltas) == 0 {
		return 0
	}
	sum := 0.0
	for _, d := range deltas {
		sum += float64(d)
	}
	return sum / float64(len(deltas))
}

/*******************************************************************************
 * None
 *
 ******************************************************************************/

// None only observes.
type None struct{}

func (None) Name() types.RebalancePolicy {
	return types.PolicyNone
}

func (None) Skip() {}

func (None) Decide(gen rangesadapter.Generation, deltas []uint64) (Decision, error) {
	if err := checkDeltas(gen, deltas); err != nil {
		return Decision{}, err
	}
	return Decision{Policy: types.PolicyNone, Reason: "observe only"}, nil
}

/*******************************************************************************
 * Threshold
 *
 * Scales down the weight of every range dispatching more than
 * OverloadFactor times the average, then repartitions the whole space.
 ******************************************************************************/

type Threshold struct {
	Base uint32
	Span uint64
	// The average delta must exceed MinSampleThreshold.
	MinSampleThreshold float64
	OverloadFactor     float64
}

func (p *Threshold) Name() types.RebalancePolicy {
	return types.PolicyThreshold
}

func (p *Threshold) Skip() {}

func (p *Threshold) Decide(gen rangesadapter.Generation, deltas []uint64) (Decision, error) {
	if err := checkDeltas(gen, deltas); err != nil {
		return Decision{}, err
	}

	out := Decision{Policy: types.PolicyThreshold}
	avg := average(deltas)
	if avg <= p.MinSampleThreshold {
		out.Reason = fmt.Sprintf("average %.2f does not exceed %.2f", avg, p.MinSampleThreshold)
		return out, nil
	}

	weights := gen.Weights()
	overloaded := false
	for i, d := range deltas {
		if float64(d) > p.OverloadFactor*avg {
			weights[i] *= avg / float64(d)
			overloaded = true
		}
	}

	if !overloaded {
		out.Reason = "no overloaded range"
		return out, nil
	}

	ranges, err := rangesadapter.Partition(weights, p.Base, p.Span)
	if err != nil {
		return Decision{}, flaterrors.Join(err, ErrRebalanceRejected)
	}

	out.Rebalance = true
	out.Ranges = ranges
	for i := range ranges {
		if !ranges[i].SameBounds(gen.Ranges[i]) {
			out.Affected = append(out.Affected, ranges[i].ID)
		}
	}
	out.Reason = fmt.Sprintf("overloaded ranges above %.2f", p.OverloadFactor*avg)
	return out, nil
}

/*******************************************************************************
 * Extremes
 *
 * Compares the weighted deltas of the busiest and the idlest ranges. If the
 * busiest is more than twice the idlest, a random fraction of its addresses
 * is moved to its neighbours. The tick following a shift is skipped so that
 * deltas reflect the new partition.
 *
 * Weights are never updated: ranges and weights may drift apart.
 ******************************************************************************/

type Extremes struct {
	MaxShiftFraction float64

	rand       *rand.Rand
	suppressed bool
}

func NewExtremes(maxShiftFraction float64, r *rand.Rand) *Extremes {
	return &Extremes{
		MaxShiftFraction: maxShiftFraction,
		rand:             r,
	}
}

func (p *Extremes) Name() types.RebalancePolicy {
	return types.PolicyExtremes
}

// Skip consumes the suppression of the tick following a shift.
func (p *Extremes) Skip() {
	p.suppressed = false
}

func (p *Extremes) Decide(gen rangesadapter.Generation, deltas []uint64) (Decision, error) {
	if err := checkDeltas(gen, deltas); err != nil {
		return Decision{}, err
	}

	out := Decision{Policy: types.PolicyExtremes}
	if p.suppressed {
		p.suppressed = false
		out.Reason = "suppressed after previous shift"
		return out, nil
	}

	if len(deltas) < 2 {
		out.Reason = "single range"
		return out, nil
	}

	busiest, idlest := 0, 0
	weighted := make([]float64, len(deltas))
	for i, d := range deltas {
		weighted[i] = float64(d) * gen.Ranges[i].Weight
		if weighted[i] > weighted[busiest] {
			busiest = i
		}
		if weighted[i] < weighted[idlest] {
			idlest = i
		}
	}

	if !(2*weighted[idlest] < weighted[busiest]) {
		out.Reason = "balanced"
		return out, nil
	}

	fraction := p.rand.Float64() * p.MaxShiftFraction
	nextShare := p.rand.Float64()

	ranges, affected, err := rangesadapter.Shift(gen.Ranges, busiest, fraction, nextShare)
	if err != nil {
		return Decision{}, flaterrors.Join(
			fmt.Errorf("shifting range %d", busiest),
			err,
			ErrRebalanceRejected,
		)
	}

	p.suppressed = true
	out.Rebalance = true
	out.Ranges = ranges
	out.Affected = affected
	out.Reason = fmt.Sprintf("range %d is busiest with %.2f, range %d idlest with %.2f",
		busiest, weighted[busiest], idlest, weighted[idlest])
	return out, nil
}
