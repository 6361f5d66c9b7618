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
package ternaryadapter

import (
	"fmt"
	"math/bits"
	"strings"
)

// Width is the number of bits of an ipv4 address.
const Width = 32

type Bit uint8

const (
	Zero Bit = 0
	One  Bit = 1
)

// Pattern is a ternary match over a 32 bit field. A bit set in Mask is
// significant, a cleared bit is "don't care".
type Pattern struct {
	Value uint32
	Mask  uint32
}

// Specificity is the number of significant bits.
func (p Pattern) Specificity() int {
	return bits.OnesCount32(p.Mask)
}

func (p Pattern) Matches(x uint32) bool {
	return x&p.Mask == p.Value&p.Mask
}

// IsExact is true if the pattern matches a single value.
func (p Pattern) IsExact() bool {
	return p.Mask == ^uint32(0)
}

// Canonical clears the non-significant bits of Value.
func (p Pattern) Canonical() Pattern {
	return Pattern{Value: p.Value & p.Mask, Mask: p.Mask}
}

// String renders the pattern MSB first, using '*' for wildcard bits.
func (p Pattern) String() string {
	var sb strings.Builder
	sb.Grow(Width)
	for i := Width - 1; i >= 0; i-- {
		bit := uint32(1) << i
		switch {
		case p.Mask&bit == 0:
			sb.WriteByte('*')
		case p.Value&bit != 0:
			sb.WriteByte('1')
		default:
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// -------------------------------------------------------------------
// -- PREFIXES
// -------------------------------------------------------------------

// MaskFromSpecificity returns the contiguous high-order mask of length n.
// n is clamped to [0, 32].
func MaskFromSpecificity(n int) uint32 {
	switch {
	case n <= 0:
		return 0
	case n >= Width:
		return ^uint32(0)
	default:
		return ^uint32(0) << (Width - n)
	}
}

// MaskString returns the dotted-quad form of MaskFromSpecificity(n).
func MaskString(n int) string {
	m := MaskFromSpecificity(n)
	return fmt.Sprintf("%d.%d.%d.%d", byte(m>>24), byte(m>>16), byte(m>>8), byte(m))
}

// LongestCommonPrefix returns the number of leading bits a and b agree on and
// the prefix itself, i.e. a with every bit after the prefix cleared.
//
// If a == b the length is 32 and the prefix is a.
func LongestCommonPrefix(a, b uint32) (int, uint32) {
	n := bits.LeadingZeros32(a ^ b)
	return n, a & MaskFromSpecificity(n)
}

// ExtendedPattern appends extendBit to the prefix of the given length and
// wildcards the remaining low-order bits. The resulting pattern has length+1
// significant bits.
//
// A 32 bit long prefix cannot be extended: the exact pattern is returned.
func ExtendedPattern(length int, prefix uint32, extendBit Bit) Pattern {
	if length >= Width {
		return Pattern{Value: prefix, Mask: ^uint32(0)}
	}
	if length < 0 {
		length = 0
	}

	mask := MaskFromSpecificity(length + 1)
	value := prefix & MaskFromSpecificity(length)
	if extendBit == One {
		value |= uint32(1) << (Width - 1 - length)
	}
	return Pattern{Value: value, Mask: mask}
}

// StartPattern matches the upper part of [start, end]: the addresses sharing
// the common prefix of both bounds followed by a 1.
//
// For a zero-width range the exact pattern of start is returned.
func StartPattern(start, end uint32) Pattern {
	n, prefix := LongestCommonPrefix(start, end)
	return ExtendedPattern(n, prefix, One)
}

// EndPattern matches the lower part of [start, end]: the addresses sharing
// the common prefix of both bounds followed by a 0.
//
// For a zero-width range the exact pattern of start is returned.
func EndPattern(start, end uint32) Pattern {
	n, prefix := LongestCommonPrefix(start, end)
	return ExtendedPattern(n, prefix, Zero)
}
