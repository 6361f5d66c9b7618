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
	"time"

	"github.com/google/uuid"
)

// CounterRequest asks a datapath for the packet counters of every rule in
// Table. The ID correlates the asynchronous reply with the request.
type CounterRequest struct {
	ID    uuid.UUID
	Table TableID
}

// CounterReply maps rule cookies to packet counts.
type CounterReply struct {
	RequestID  uuid.UUID
	DatapathID uint64
	Table      TableID
	Counts     map[uint64]uint64
}

// StatsSample is a snapshot of per-range packet counts.
type StatsSample struct {
	Timestamp time.Time
	Counts    map[int]uint64
}
