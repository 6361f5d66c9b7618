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
	"errors"

	"github.com/alexandremahdhaoui/elcplb/internal/types"
)

var (
	ErrDatapathClosed    = errors.New("datapath is closed")
	ErrInstallingRule    = errors.New("installing rule")
	ErrDeletingRule      = errors.New("deleting rule")
	ErrRequestingCounter = errors.New("requesting counters")
)

// Datapath is the control channel of a switch.
type Datapath interface {
	// ID is the datapath id of the switch.
	ID() uint64

	// InstallRule adds the rule. A rule with the same RuleKey is overwritten.
	InstallRule(ctx context.Context, rule types.Rule) error

	// DeleteRuleStrict removes the rule with the exact same RuleKey. Deleting
	// a missing rule is a no-op.
	DeleteRuleStrict(ctx context.Context, rule types.Rule) error

	// RequestCounters asks for the packet counters of every rule of a table.
	// The reply is delivered asynchronously and carries the request id.
	RequestCounters(ctx context.Context, req types.CounterRequest) error
}

// CounterReplyHandler is invoked for every counter reply. It must not block.
type CounterReplyHandler func(types.CounterReply)
