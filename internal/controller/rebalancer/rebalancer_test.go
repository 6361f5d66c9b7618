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
package rebalancer_test

import (
	"math/rand/v2"
	"testing"
	"time"

	rangesadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/ranges"
	"github.com/alexandremahdhaoui/elcplb/internal/controller/rebalancer"
	"github.com/alexandremahdhaoui/elcplb/internal/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGeneration(t *testing.T, weights ...float64) rangesadapter.Generation {
	t.Helper()
	ranges, err := rangesadapter.Partition(weights, 0, rangesadapter.MaxSpan)
	require.NoError(t, err)
	return rangesadapter.Generation{Ranges: ranges}
}

func TestCollector(t *testing.T) {
	now := time.Now()
	sample := func(counts map[int]uint64) types.StatsSample {
		now = now.Add(time.Second)
		return types.StatsSample{Timestamp: now, Counts: counts}
	}

	c := &rebalancer.Collector{}
	_, ok := c.Observe(sample(map[int]uint64{0: 10, 1: 20}), 2)
	assert.False(t, ok, "first sample is the baseline")

	deltas, ok := c.Observe(sample(map[int]uint64{0: 15, 1: 50}), 2)
	require.True(t, ok)
	assert.Equal(t, []uint64{5, 30}, deltas)

	// counter reset and missing counter.
	deltas, ok = c.Observe(sample(map[int]uint64{0: 3}), 2)
	require.True(t, ok)
	assert.Equal(t, []uint64{0, 0}, deltas)

	prev, ok := c.Previous()
	require.True(t, ok)
	assert.Equal(t, uint64(3), prev.Counts[0])

	c.Reset()
	_, ok = c.Previous()
	assert.False(t, ok)
	_, ok = c.Observe(sample(map[int]uint64{0: 100}), 2)
	assert.False(t, ok)
}

func TestSampleFromReply(t *testing.T) {
	now := time.Now()
	s := rebalancer.SampleFromReply(types.CounterReply{
		RequestID: uuid.New(),
		Table:     types.TableDispatch,
		Counts:    map[uint64]uint64{0: 1, 3: 7},
	}, now)
	assert.Equal(t, now, s.Timestamp)
	assert.Equal(t, map[int]uint64{0: 1, 3: 7}, s.Counts)
}

func TestNewPolicy(t *testing.T) {
	for _, policy := range []types.RebalancePolicy{types.PolicyNone, types.PolicyThreshold, types.PolicyExtremes} {
		p, err := rebalancer.NewPolicy(types.RebalanceConfig{Policy: policy, MaxShiftFraction: 0.5}, 0, 16)
		require.NoError(t, err)
		assert.Equal(t, policy, p.Name())
	}

	_, err := rebalancer.NewPolicy(types.RebalanceConfig{Policy: "random"}, 0, 16)
	assert.ErrorIs(t, err, types.ErrUnknownRebalancePolicy)
}

func TestNone(t *testing.T) {
	gen := newGeneration(t, 0.5, 0.5)
	d, err := rebalancer.None{}.Decide(gen, []uint64{1, 1_000_000})
	require.NoError(t, err)
	assert.False(t, d.Rebalance)

	_, err = rebalancer.None{}.Decide(gen, []uint64{1})
	assert.ErrorIs(t, err, rebalancer.ErrDeltasDoNotMatchRanges)
}

func TestThreshold(t *testing.T) {
	p := &rebalancer.Threshold{
		Base:               0,
		Span:               rangesadapter.MaxSpan,
		MinSampleThreshold: 10,
		OverloadFactor:     1.5,
	}

	t.Run("Overloaded", func(t *testing.T) {
		gen := newGeneration(t, 0.25, 0.25, 0.25, 0.25)
		d, err := p.Decide(gen, []uint64{100, 100, 100, 300})
		require.NoError(t, err)
		require.True(t, d.Rebalance)

		weights := rangesadapter.Generation{Ranges: d.Ranges}.Weights()
		assert.Equal(t, []float64{0.25, 0.25, 0.25, 0.125}, weights)
		assert.NoError(t, rangesadapter.Validate(d.Ranges, 0, rangesadapter.MaxSpan))
		assert.Less(t, d.Ranges[3].Size(), gen.Ranges[3].Size())
		assert.Equal(t, []int{0, 1, 2, 3}, d.Affected)

		// the input generation is left untouched.
		assert.Equal(t, 0.25, gen.Ranges[3].Weight)
	})

	t.Run("Balanced", func(t *testing.T) {
		gen := newGeneration(t, 0.25, 0.25, 0.25, 0.25)
		d, err := p.Decide(gen, []uint64{100, 120, 90, 150})
		require.NoError(t, err)
		assert.False(t, d.Rebalance)
	})

	t.Run("NotEnoughSamples", func(t *testing.T) {
		gen := newGeneration(t, 0.25, 0.25, 0.25, 0.25)
		d, err := p.Decide(gen, []uint64{0, 0, 0, 40})
		require.NoError(t, err)
		assert.False(t, d.Rebalance)
	})
}

func TestExtremes(t *testing.T) {
	var p *rebalancer.Extremes

	setup := func(t *testing.T) {
		t.Helper()
		p = rebalancer.NewExtremes(0.5, rand.New(rand.NewPCG(1, 2)))
	}

	t.Run("ShiftsBusiestRange", func(t *testing.T) {
		setup(t)
		gen := newGeneration(t, 0.25, 0.25, 0.25, 0.25)
		d, err := p.Decide(gen, []uint64{100, 400, 100, 100})
		require.NoError(t, err)
		require.True(t, d.Rebalance)

		assert.Less(t, d.Ranges[1].Size(), gen.Ranges[1].Size())
		assert.True(t, d.Ranges[0].Size() > gen.Ranges[0].Size() || d.Ranges[2].Size() > gen.Ranges[2].Size())
		assert.Equal(t, gen.Ranges[3], d.Ranges[3])
		assert.Contains(t, d.Affected, 1)
		assert.NoError(t, rangesadapter.Validate(d.Ranges, 0, rangesadapter.MaxSpan))
		// weights are left untouched.
		assert.Equal(t, gen.Weights(), rangesadapter.Generation{Ranges: d.Ranges}.Weights())

		// the following tick is suppressed.
		d, err = p.Decide(gen, []uint64{100, 400, 100, 100})
		require.NoError(t, err)
		assert.False(t, d.Rebalance)

		d, err = p.Decide(gen, []uint64{100, 400, 100, 100})
		require.NoError(t, err)
		assert.True(t, d.Rebalance)
	})

	t.Run("SkippedTickConsumesSuppression", func(t *testing.T) {
		setup(t)
		gen := newGeneration(t, 0.25, 0.25, 0.25, 0.25)
		d, err := p.Decide(gen, []uint64{400, 10, 10, 10})
		require.NoError(t, err)
		require.True(t, d.Rebalance)

		// the tick following the shift yields no deltas.
		p.Skip()

		d, err = p.Decide(gen, []uint64{400, 10, 10, 10})
		require.NoError(t, err)
		assert.True(t, d.Rebalance)
	})

	t.Run("SkipWithoutShift", func(t *testing.T) {
		setup(t)
		p.Skip()
		gen := newGeneration(t, 0.25, 0.25, 0.25, 0.25)
		d, err := p.Decide(gen, []uint64{400, 10, 10, 10})
		require.NoError(t, err)
		assert.True(t, d.Rebalance)
	})

	t.Run("EdgeRangeShiftsToItsOnlyNeighbour", func(t *testing.T) {
		setup(t)
		gen := newGeneration(t, 0.25, 0.25, 0.25, 0.25)
		d, err := p.Decide(gen, []uint64{10, 10, 10, 400})
		require.NoError(t, err)
		require.True(t, d.Rebalance)
		assert.Equal(t, []int{2, 3}, d.Affected)
		assert.Greater(t, d.Ranges[2].Size(), gen.Ranges[2].Size())
	})

	t.Run("WeightedDeltas", func(t *testing.T) {
		setup(t)
		// raw deltas are unbalanced, weighted deltas are not.
		gen := newGeneration(t, 0.8, 0.2)
		d, err := p.Decide(gen, []uint64{100, 300})
		require.NoError(t, err)
		assert.False(t, d.Rebalance)
	})

	t.Run("Balanced", func(t *testing.T) {
		setup(t)
		gen := newGeneration(t, 0.25, 0.25, 0.25, 0.25)
		d, err := p.Decide(gen, []uint64{100, 150, 199, 101})
		require.NoError(t, err)
		assert.False(t, d.Rebalance)
	})

	t.Run("RejectsShiftOfSingleAddressRange", func(t *testing.T) {
		setup(t)
		ranges, err := rangesadapter.Partition([]float64{1, 1}, 0, 2)
		require.NoError(t, err)
		gen := rangesadapter.Generation{Ranges: ranges}

		_, err = p.Decide(gen, []uint64{1, 100})
		assert.ErrorIs(t, err, rebalancer.ErrRebalanceRejected)
		assert.ErrorIs(t, err, rangesadapter.ErrRangeTooSmallToShift)

		// a rejected tick does not suppress the next one.
		_, err = p.Decide(gen, []uint64{1, 100})
		assert.ErrorIs(t, err, rebalancer.ErrRebalanceRejected)
	})
}
