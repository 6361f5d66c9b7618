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
package rangesadapter

import (
	"errors"
	"fmt"
	"math"
	"slices"

	ternaryadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/ternary"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
)

var (
	ErrNoWeights                = errors.New("at least one weight is required")
	ErrWeightMustBePositive     = errors.New("weight must be positive")
	ErrSpanOutOfBounds          = errors.New("address span is out of bounds")
	ErrSpanTooSmall             = errors.New("address span is smaller than the number of ranges")
	ErrInvalidPartition         = errors.New("invalid partition")
	ErrRangeOutOfBounds         = errors.New("range index is out of bounds")
	ErrRangeHasNoNeighbour      = errors.New("range has no neighbour")
	ErrRangeTooSmallToShift     = errors.New("range is too small to be shifted")
	ErrShiftFractionOutOfBounds = errors.New("shift fraction must be in [0, 1]")
	ErrShiftWouldEmptyRange     = errors.New("shift would leave a range with a negative size")
	ErrPartitioningAddressSpace = errors.New("partitioning address space")
	ErrShiftingRangeBoundaries  = errors.New("shifting range boundaries")
)

// MaxSpan is the size of the whole ipv4 address space.
const MaxSpan uint64 = 1 << 32

// DispatchMask selects the range id stored in the high 32 bits of the
// metadata register.
const DispatchMask uint64 = 0xffffffff_00000000

// -------------------------------------------------------------------
// -- ADDRESS RANGE
// -------------------------------------------------------------------

// AddressRange is an inclusive interval of ipv4 addresses.
type AddressRange struct {
	ID     int
	Start  uint32
	End    uint32
	Weight float64
}

func (r AddressRange) Size() uint64 {
	return uint64(r.End) - uint64(r.Start) + 1
}

func (r AddressRange) Contains(x uint32) bool {
	return r.Start <= x && x <= r.End
}

// StartPattern is matched by the start-bound table.
func (r AddressRange) StartPattern() ternaryadapter.Pattern {
	return ternaryadapter.StartPattern(r.Start, r.End)
}

// EndPattern is matched by the end-bound table.
func (r AddressRange) EndPattern() ternaryadapter.Pattern {
	return ternaryadapter.EndPattern(r.Start, r.End)
}

// StartBoundMetadata is written by the start-bound rule: the range id and the
// upper bound the address must not exceed.
func (r AddressRange) StartBoundMetadata() uint64 {
	return DispatchMetadata(r.ID) | uint64(r.End)
}

// EndBoundMetadata is written by the end-bound rule: the range id and the
// lower bound the address must reach.
func (r AddressRange) EndBoundMetadata() uint64 {
	return DispatchMetadata(r.ID) | uint64(r.Start)
}

// SameBounds reports whether both ranges derive the same bound rules.
func (r AddressRange) SameBounds(other AddressRange) bool {
	return r.ID == other.ID && r.Start == other.Start && r.End == other.End
}

func (r AddressRange) String() string {
	return fmt.Sprintf("%d:[%08x, %08x]", r.ID, r.Start, r.End)
}

// DispatchMetadata is the metadata value identifying a range id.
func DispatchMetadata(id int) uint64 {
	return uint64(uint32(id)) << 32
}

// -------------------------------------------------------------------
// -- GENERATION
// -------------------------------------------------------------------

// Generation is an immutable partition of the address space. A new
// generation replaces the previous one wholesale.
type Generation struct {
	ID     uint64
	Ranges []AddressRange
}

// Next returns a copy of ranges tagged with the following generation id.
func (g Generation) Next(ranges []AddressRange) Generation {
	return Generation{ID: g.ID + 1, Ranges: slices.Clone(ranges)}
}

func (g Generation) Weights() []float64 {
	out := make([]float64, len(g.Ranges))
	for i, r := range g.Ranges {
		out[i] = r.Weight
	}
	return out
}

// Spans returns the size of every range ordered by id.
func (g Generation) Spans() []uint64 {
	out := make([]uint64, len(g.Ranges))
	for i, r := range g.Ranges {
		out[i] = r.Size()
	}
	return out
}

// Lookup returns the range containing x.
func (g Generation) Lookup(x uint32) (AddressRange, bool) {
	i, found := slices.BinarySearchFunc(g.Ranges, x, func(r AddressRange, x uint32) int {
		switch {
		case r.End < x:
			return -1
		case r.Start > x:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return AddressRange{}, false
	}
	return g.Ranges[i], true
}

// -------------------------------------------------------------------
// -- PARTITION
// -------------------------------------------------------------------

// Partition splits [base, base+span-1] into len(weights) contiguous ranges
// ordered by id. Each range gets floor(floor(span/sum(weights)) * weight)
// addresses and the last range absorbs the rounding remainder.
//
// Every range holds at least one address.
func Partition(weights []float64, base uint32, span uint64) ([]AddressRange, error) {
	if len(weights) == 0 {
		return nil, flaterrors.Join(ErrNoWeights, ErrPartitioningAddressSpace)
	}

	sum := 0.0
	for i, w := range weights {
		if !(w > 0) || math.IsInf(w, 0) {
			return nil, flaterrors.Join(
				fmt.Errorf("weights[%d]=%v", i, w),
				ErrWeightMustBePositive,
				ErrPartitioningAddressSpace,
			)
		}
		sum += w
	}

	if span == 0 || span > MaxSpan || uint64(base)+span > MaxSpan {
		return nil, flaterrors.Join(
			fmt.Errorf("base=%08x span=%d", base, span),
			ErrSpanOutOfBounds,
			ErrPartitioningAddressSpace,
		)
	}

	n := uint64(len(weights))
	if span < n {
		return nil, flaterrors.Join(
			fmt.Errorf("span=%d ranges=%d", span, n),
			ErrSpanTooSmall,
			ErrPartitioningAddressSpace,
		)
	}

	unit := math.Floor(float64(span) / sum)
	out := make([]AddressRange, len(weights))
	offset := uint64(0)
	for i, w := range weights {
		remaining := n - uint64(i) - 1 // ranges still waiting for addresses.

		var size uint64
		if remaining == 0 {
			size = span - offset
		} else {
			size = max(1, uint64(math.Floor(unit*w)))
			size = min(size, span-offset-remaining)
		}

		start := uint64(base) + offset
		out[i] = AddressRange{
			ID:     i,
			Start:  uint32(start),
			End:    uint32(start + size - 1),
			Weight: w,
		}
		offset += size
	}

	return out, nil
}

// Validate ensures ranges are ordered by id and contiguously cover
// [base, base+span-1].
func Validate(ranges []AddressRange, base uint32, span uint64) error {
	if len(ranges) == 0 {
		return flaterrors.Join(ErrNoWeights, ErrInvalidPartition)
	}

	next := uint64(base)
	for i, r := range ranges {
		if r.ID != i || r.Start > r.End || uint64(r.Start) != next {
			return flaterrors.Join(fmt.Errorf("range %s at index %d", r, i), ErrInvalidPartition)
		}
		next = uint64(r.End) + 1
	}

	if next != uint64(base)+span {
		return flaterrors.Join(
			fmt.Errorf("partition ends at %d, expected %d", next, uint64(base)+span),
			ErrInvalidPartition,
		)
	}
	return nil
}

// -------------------------------------------------------------------
// -- SHIFT
// -------------------------------------------------------------------

// Shift moves max(1, floor(size*fraction)) addresses of the range at index
// busiest to its neighbours. A range at either end gives everything to its
// single neighbour, otherwise nextShare of the shifted addresses goes to the
// following range and the rest to the preceding one.
//
// Shift returns a new slice and the ids of the ranges whose bounds changed.
// Weights are left untouched.
func Shift(ranges []AddressRange, busiest int, fraction, nextShare float64) ([]AddressRange, []int, error) {
	if busiest < 0 || busiest >= len(ranges) {
		return nil, nil, flaterrors.Join(
			fmt.Errorf("index %d, %d ranges", busiest, len(ranges)),
			ErrRangeOutOfBounds,
			ErrShiftingRangeBoundaries,
		)
	}
	if len(ranges) < 2 {
		return nil, nil, flaterrors.Join(ErrRangeHasNoNeighbour, ErrShiftingRangeBoundaries)
	}
	if !(fraction >= 0 && fraction <= 1) || !(nextShare >= 0 && nextShare <= 1) {
		return nil, nil, flaterrors.Join(
			fmt.Errorf("fraction=%v nextShare=%v", fraction, nextShare),
			ErrShiftFractionOutOfBounds,
			ErrShiftingRangeBoundaries,
		)
	}

	size := ranges[busiest].Size()
	if size < 2 {
		return nil, nil, flaterrors.Join(
			fmt.Errorf("range %s", ranges[busiest]),
			ErrRangeTooSmallToShift,
			ErrShiftingRangeBoundaries,
		)
	}

	shift := max(1, uint64(math.Floor(float64(size)*fraction)))
	if shift >= size {
		return nil, nil, flaterrors.Join(
			fmt.Errorf("shifting %d addresses out of %s", shift, ranges[busiest]),
			ErrShiftWouldEmptyRange,
			ErrShiftingRangeBoundaries,
		)
	}

	var toNext, toPrev uint64
	switch busiest {
	case 0:
		toNext = shift
	case len(ranges) - 1:
		toPrev = shift
	default:
		toNext = uint64(math.Floor(float64(shift) * nextShare))
		toPrev = shift - toNext
	}

	out := slices.Clone(ranges)
	affected := make([]int, 0, 3)

	if toPrev > 0 {
		out[busiest-1].End += uint32(toPrev)
		out[busiest].Start += uint32(toPrev)
		affected = append(affected, out[busiest-1].ID)
	}
	affected = append(affected, out[busiest].ID)
	if toNext > 0 {
		out[busiest].End -= uint32(toNext)
		out[busiest+1].Start -= uint32(toNext)
		affected = append(affected, out[busiest+1].ID)
	}

	return out, affected, nil
}
