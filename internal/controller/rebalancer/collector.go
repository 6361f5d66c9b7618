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
	"time"

	"github.com/alexandremahdhaoui/elcplb/internal/types"
)

// SampleFromReply converts the counters of the dispatch table into a sample.
// Dispatch rules carry their range id as cookie.
func SampleFromReply(reply types.CounterReply, now time.Time) types.StatsSample {
	counts := make(map[int]uint64, len(reply.Counts))
	for cookie, packets := range reply.Counts {
		counts[int(cookie)] = packets
	}
	return types.StatsSample{Timestamp: now, Counts: counts}
}

// Collector keeps the previous sample to compute per-range deltas. No
// history beyond one step is kept.
type Collector struct {
	previous *types.StatsSample
}

// Observe records the sample and returns the number of packets each range
// dispatched since the previous sample, ordered by range id. The first
// sample after creation or Reset only becomes the baseline and ok is false.
//
// A counter lower than its previous value, e.g. a re-installed rule, yields a
// zero delta.
func (c *Collector) Observe(sample types.StatsSample, nRanges int) ([]uint64, bool) {
	previous := c.previous
	c.previous = &sample

	if previous == nil {
		return nil, false
	}

	out := make([]uint64, nRanges)
	for id := range nRanges {
		cur, prev := sample.Counts[id], previous.Counts[id]
		if cur > prev {
			out[id] = cur - prev
		}
	}
	return out, true
}

// Reset drops the baseline.
func (c *Collector) Reset() {
	c.previous = nil
}

// Previous returns the baseline, if any.
func (c *Collector) Previous() (types.StatsSample, bool) {
	if c.previous == nil {
		return types.StatsSample{}, false
	}
	return *c.previous, true
}
