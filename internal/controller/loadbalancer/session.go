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
package loadbalancer

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	datapathadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/datapath"
	metricsadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/metrics"
	rangesadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/ranges"
	"github.com/alexandremahdhaoui/elcplb/internal/controller/installer"
	"github.com/alexandremahdhaoui/elcplb/internal/controller/rebalancer"
	"github.com/alexandremahdhaoui/elcplb/internal/types"
	"github.com/alexandremahdhaoui/elcplb/internal/util"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

/*******************************************************************************
 * Session
 *
 * A session drives a single datapath. Its polling loop requests the counters
 * of the dispatch table every interval, awaits the reply, asks the policy for
 * a decision and hands new generations to the installer.
 *
 * The current generation is only read or replaced wholesale under the lock.
 ******************************************************************************/

var _ types.Watcher[rangesadapter.Generation] = &Session{}

type Session struct {
	dp        datapathadapter.Datapath
	installer installer.Installer
	policy    rebalancer.Policy
	collector rebalancer.Collector
	clock     clockwork.Clock
	metrics   *metricsadapter.Metrics

	interval     time.Duration
	replyTimeout time.Duration

	generation rangesadapter.Generation
	pending    map[uuid.UUID]chan types.CounterReply
	stats      Stats
	genMux     *util.WatcherMux[rangesadapter.Generation]

	// -- mgmt
	cancel context.CancelFunc
	doneCh chan struct{}
	mu     *sync.Mutex
}

// Stats are the counters of a session.
type Stats struct {
	Ticks         uint64
	Baselines     uint64
	MissedReplies uint64
	Rebalances    uint64
	Reconciles    uint64
}

func newSession(
	dp datapathadapter.Datapath,
	ins installer.Installer,
	policy rebalancer.Policy,
	initial rangesadapter.Generation,
	opts Options,
) *Session {
	return &Session{
		dp:           dp,
		installer:    ins,
		policy:       policy,
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		interval:     opts.Rebalance.Interval.Duration,
		replyTimeout: opts.replyTimeout(),
		generation:   initial,
		pending:      make(map[uuid.UUID]chan types.CounterReply),
		genMux: util.NewWatcherMux(
			util.WatcherMuxRecommendedBufferSize,
			util.NonBlockingDispatchFunc[rangesadapter.Generation],
		),
		doneCh: make(chan struct{}),
		mu:     &sync.Mutex{},
	}
}

func (s *Session) DatapathID() uint64 {
	return s.dp.ID()
}

// Generation returns a copy of the current generation.
func (s *Session) Generation() rangesadapter.Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rangesadapter.Generation{ID: s.generation.ID, Ranges: slices.Clone(s.generation.Ranges)}
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Installed returns the rules installed on the datapath.
func (s *Session) Installed() []types.Rule {
	return s.installer.Installed()
}

// Dirty is true while the datapath does not hold the rules of the current
// generation.
func (s *Session) Dirty() bool {
	return s.installer.Dirty()
}

// Watch streams every committed generation. Slow watchers may miss
// generations.
func (s *Session) Watch() (<-chan rangesadapter.Generation, func()) {
	return s.genMux.Watch(util.NoFilter)
}

func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// HandleCounterReply delivers the reply to the pending request with the same
// id. Replies to unknown or expired requests are dropped. It never blocks.
func (s *Session) HandleCounterReply(reply types.CounterReply) {
	s.mu.Lock()
	ch, ok := s.pending[reply.RequestID]
	delete(s.pending, reply.RequestID)
	s.mu.Unlock()

	if !ok {
		slog.Debug("dropping unexpected counter reply",
			"dpid", s.dp.ID(),
			"requestId", reply.RequestID.String())
		return
	}

	select {
	case ch <- reply:
	default:
	}
}

// -------------------------------------------------------------------
// -- run
// -------------------------------------------------------------------

func (s *Session) run(ctx context.Context) error {
	defer close(s.doneCh)
	defer s.genMux.Close()

	if err := s.installer.Run(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.installer.Close(); err != nil {
			slog.ErrorContext(ctx, "an error occured while closing installer",
				"dpid", s.dp.ID(),
				"err", err.Error())
		}
	}()

	gen := s.Generation()
	if _, err := s.installer.InstallInitial(gen); err != nil {
		// the installer is dirty, the first tick reconciles.
		slog.ErrorContext(ctx, "failed to install initial rules",
			"dpid", s.dp.ID(),
			"err", err.Error())
	}
	s.metrics.ObserveGeneration(s.dp.ID(), gen)
	s.genMux.Dispatch(gen)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

func (s *Session) tick(ctx context.Context) {
	s.updateStats(func(st *Stats) { st.Ticks++ })

	if s.installer.Dirty() {
		s.updateStats(func(st *Stats) { st.Reconciles++ })
		if _, err := s.installer.Reconcile(); err != nil {
			slog.ErrorContext(ctx, "datapath is still out of sync, skipping tick",
				"dpid", s.dp.ID(),
				"err", err.Error())
			return
		}
	}

	reply, ok := s.poll(ctx)
	if !ok {
		return
	}

	// private copy, the lock is not held while deciding and installing.
	gen := s.Generation()
	sample := rebalancer.SampleFromReply(reply, s.clock.Now())

	deltas, ok := s.collector.Observe(sample, len(gen.Ranges))
	if !ok {
		// the baseline tick following a commit is the one a policy skips.
		s.policy.Skip()
		s.updateStats(func(st *Stats) { st.Baselines++ })
		return
	}

	deltasByID := make(map[int]uint64, len(deltas))
	for id, d := range deltas {
		deltasByID[id] = d
	}
	s.metrics.ObserveDeltas(s.dp.ID(), deltasByID)

	decision, err := s.policy.Decide(gen, deltas)
	if err != nil {
		slog.WarnContext(ctx, "skipping rebalance",
			"dpid", s.dp.ID(),
			"policy", s.policy.Name(),
			"err", err.Error())
		return
	}

	if !decision.Rebalance {
		slog.DebugContext(ctx, "no rebalance needed",
			"dpid", s.dp.ID(),
			"deltas", deltas,
			"reason", decision.Reason)
		return
	}

	next := gen.Next(decision.Ranges)
	report, err := s.installer.ApplyRebalance(gen, next)
	if err != nil {
		// the generation is committed anyway: the installer keeps the
		// previous rules of failed ranges and reconciles on the next tick.
		slog.ErrorContext(ctx, "failed to apply rebalance",
			"dpid", s.dp.ID(),
			"generation", next.ID,
			"failed", report.Failed,
			"err", err.Error())
	}

	s.commit(ctx, gen, next, decision)
}

func (s *Session) commit(
	ctx context.Context,
	prev, next rangesadapter.Generation,
	decision rebalancer.Decision,
) {
	s.mu.Lock()
	s.generation = next
	s.stats.Rebalances++
	s.mu.Unlock()

	s.collector.Reset()
	s.metrics.Rebalanced(decision.Policy)
	s.metrics.ObserveGeneration(s.dp.ID(), next)
	s.genMux.Dispatch(rangesadapter.Generation{ID: next.ID, Ranges: slices.Clone(next.Ranges)})

	slog.InfoContext(ctx, "rebalanced address space",
		"dpid", s.dp.ID(),
		"policy", decision.Policy,
		"reason", decision.Reason,
		"generation", next.ID,
		"affected", decision.Affected,
		"oldWeights", prev.Weights(),
		"newWeights", next.Weights(),
		"oldSpans", prev.Spans(),
		"newSpans", next.Spans())
}

// poll requests the dispatch counters and awaits the reply. A missing reply
// skips the tick.
func (s *Session) poll(ctx context.Context) (types.CounterReply, bool) {
	req := types.CounterRequest{ID: uuid.New(), Table: types.TableDispatch}
	ch := make(chan types.CounterReply, 1)

	s.mu.Lock()
	s.pending[req.ID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	if err := s.dp.RequestCounters(ctx, req); err != nil {
		slog.ErrorContext(ctx, "failed to request counters, skipping tick",
			"dpid", s.dp.ID(),
			"err", err.Error())
		return types.CounterReply{}, false
	}

	timer := s.clock.NewTimer(s.replyTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, true
	case <-timer.Chan():
		s.metrics.ReplyMissed()
		s.updateStats(func(st *Stats) { st.MissedReplies++ })
		slog.WarnContext(ctx, "counter reply missed, skipping tick",
			"dpid", s.dp.ID(),
			"requestId", req.ID.String(),
			"timeout", s.replyTimeout)
		return types.CounterReply{}, false
	case <-ctx.Done():
		return types.CounterReply{}, false
	}
}

func (s *Session) updateStats(f func(st *Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f(&s.stats)
}
