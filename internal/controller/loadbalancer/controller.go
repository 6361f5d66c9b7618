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
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	datapathadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/datapath"
	metricsadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/metrics"
	pipelineadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/pipeline"
	rangesadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/ranges"
	"github.com/alexandremahdhaoui/elcplb/internal/controller/installer"
	"github.com/alexandremahdhaoui/elcplb/internal/controller/rebalancer"
	"github.com/alexandremahdhaoui/elcplb/internal/types"
	"github.com/alexandremahdhaoui/elcplb/internal/util"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

var (
	ErrWeightsDoNotMatchServers = errors.New("number of weights does not match number of servers")
	ErrArgumentsMustNotBeNil    = errors.New("arguments must not be nil")
	ErrCreatingController       = errors.New("creating controller")
	ErrControllerMustBeRunning  = errors.New("controller must be running")
	ErrDatapathAlreadyAttached  = errors.New("datapath is already attached")
	ErrDatapathNotAttached      = errors.New("datapath is not attached")
	ErrAttachingDatapath        = errors.New("attaching datapath")
	ErrDetachingDatapath        = errors.New("detaching datapath")
)

// -------------------------------------------------------------------
// -- OPTIONS
// -------------------------------------------------------------------

type Options struct {
	// Base and Span define the partitioned address space.
	Base uint32
	Span uint64
	// Weights of the servers, ordered like the servers of the compiler.
	Weights []float64

	Rebalance types.RebalanceConfig
	Installer installer.Options

	// Clock defaults to the real clock.
	Clock clockwork.Clock
	// Metrics may be nil.
	Metrics *metricsadapter.Metrics
}

// OptionsFromConfig returns the options described by a validated config.
func OptionsFromConfig(cfg types.Config) (Options, error) {
	base, span, err := cfg.AddressSpace()
	if err != nil {
		return Options{}, flaterrors.Join(err, types.ErrInvalidConfig)
	}

	return Options{
		Base:      base,
		Span:      span,
		Weights:   cfg.Weights(),
		Rebalance: cfg.Rebalance,
		Installer: installer.DefaultOptions,
		Clock:     clockwork.NewRealClock(),
	}, nil
}

func (o Options) replyTimeout() time.Duration {
	if o.Rebalance.ReplyTimeout.Duration > 0 {
		return o.Rebalance.ReplyTimeout.Duration
	}
	return o.Rebalance.Interval.Duration
}

// -------------------------------------------------------------------
// -- CONTROLLER
// -------------------------------------------------------------------

var _ types.Runnable = &Controller{}

// Controller manages one Session per attached datapath. All sessions share
// the same servers and the same initial partition.
type Controller struct {
	id       uuid.UUID
	compiler *pipelineadapter.Compiler
	opts     Options
	initial  rangesadapter.Generation

	sessions map[uint64]*Session

	// -- mgmt
	ctx     context.Context
	cancel  context.CancelFunc
	eg      *errgroup.Group
	running bool
	closed  bool
	doneCh  chan struct{}
	mu      *sync.Mutex
}

// New computes the initial partition. An invalid partition is a
// configuration error.
func New(compiler *pipelineadapter.Compiler, opts Options) (*Controller, error) {
	if util.AnyPtrIsNil(compiler) {
		return nil, flaterrors.Join(ErrArgumentsMustNotBeNil, ErrCreatingController)
	}

	if n := len(compiler.Servers()); n != len(opts.Weights) {
		return nil, flaterrors.Join(
			fmt.Errorf("%d weights, %d servers", len(opts.Weights), n),
			ErrWeightsDoNotMatchServers,
			ErrCreatingController,
		)
	}

	ranges, err := rangesadapter.Partition(opts.Weights, opts.Base, opts.Span)
	if err != nil {
		return nil, flaterrors.Join(err, types.ErrInvalidConfig, ErrCreatingController)
	}

	// policies are created per session, validate the configuration once.
	if _, err := rebalancer.NewPolicy(opts.Rebalance, opts.Base, opts.Span); err != nil {
		return nil, flaterrors.Join(err, types.ErrInvalidConfig, ErrCreatingController)
	}

	if opts.Rebalance.Interval.Duration <= 0 {
		return nil, flaterrors.Join(types.ErrIntervalMustBePositive, types.ErrInvalidConfig, ErrCreatingController)
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Controller{
		id:       uuid.New(),
		compiler: compiler,
		opts:     opts,
		initial:  rangesadapter.Generation{ID: 0, Ranges: ranges},
		sessions: make(map[uint64]*Session),
		doneCh:   make(chan struct{}),
		mu:       &sync.Mutex{},
	}, nil
}

func (c *Controller) ID() uuid.UUID {
	return c.id
}

// InitialGeneration is the partition every session starts with.
func (c *Controller) InitialGeneration() rangesadapter.Generation {
	return rangesadapter.Generation{ID: c.initial.ID, Ranges: slices.Clone(c.initial.Ranges)}
}

// -------------------------------------------------------------------
// -- Run
// -------------------------------------------------------------------

// Run returns once the controller is started. Sessions are supervised until
// Close is called or ctx is canceled.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return types.ErrAlreadyRunning
	} else if c.closed {
		return types.ErrCannotRunClosedRunnable
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.eg, c.ctx = errgroup.WithContext(ctx)
	c.running = true

	slog.InfoContext(ctx, "controller started successfully",
		"id", c.id.String(),
		"policy", c.opts.Rebalance.Policy,
		"ranges", len(c.initial.Ranges))
	return nil
}

// -------------------------------------------------------------------
// -- Attach & Detach
// -------------------------------------------------------------------

// Attach creates a session for dp: the pipeline is installed and the
// statistics polling loop starts.
func (c *Controller) Attach(dp datapathadapter.Datapath) (*Session, error) {
	if util.AnyPtrIsNil(dp) {
		return nil, flaterrors.Join(ErrArgumentsMustNotBeNil, ErrAttachingDatapath)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil, flaterrors.Join(ErrControllerMustBeRunning, ErrAttachingDatapath)
	}

	if _, ok := c.sessions[dp.ID()]; ok {
		return nil, flaterrors.Join(
			fmt.Errorf("dpid %x", dp.ID()),
			ErrDatapathAlreadyAttached,
			ErrAttachingDatapath,
		)
	}

	policy, err := rebalancer.NewPolicy(c.opts.Rebalance, c.opts.Base, c.opts.Span)
	if err != nil {
		return nil, flaterrors.Join(err, ErrAttachingDatapath)
	}

	s := newSession(
		dp,
		installer.New(dp, c.compiler, c.opts.Metrics, c.opts.Installer),
		policy,
		c.InitialGeneration(),
		c.opts,
	)
	c.sessions[dp.ID()] = s

	ctx, cancel := context.WithCancel(c.ctx)
	s.cancel = cancel
	c.eg.Go(func() error {
		return s.run(ctx)
	})

	slog.InfoContext(c.ctx, "attached datapath", "dpid", dp.ID())
	return s, nil
}

// Detach stops the session of dpid. The rules are left on the datapath.
func (c *Controller) Detach(dpid uint64) error {
	c.mu.Lock()
	s, ok := c.sessions[dpid]
	delete(c.sessions, dpid)
	c.mu.Unlock()

	if !ok {
		return flaterrors.Join(fmt.Errorf("dpid %x", dpid), ErrDatapathNotAttached, ErrDetachingDatapath)
	}

	s.cancel()
	<-s.Done()
	c.opts.Metrics.Forget(dpid)

	slog.InfoContext(c.ctx, "detached datapath", "dpid", dpid)
	return nil
}

// Session returns the session of dpid.
func (c *Controller) Session(dpid uint64) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[dpid]
	return s, ok
}

// HandleCounterReply routes a counter reply to the session of its datapath.
// It never blocks.
func (c *Controller) HandleCounterReply(reply types.CounterReply) {
	s, ok := c.Session(reply.DatapathID)
	if !ok {
		slog.Debug("dropping counter reply of unknown datapath",
			"dpid", reply.DatapathID,
			"requestId", reply.RequestID.String())
		return
	}
	s.HandleCounterReply(reply)
}

// -------------------------------------------------------------------
// -- DoneCloser
// -------------------------------------------------------------------

// Close stops every session and awaits their termination.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.ErrAlreadyClosed
	} else if !c.running {
		c.mu.Unlock()
		return types.ErrRunnableMustBeRunningToBeClosed
	}

	c.running = false
	c.closed = true
	c.cancel()
	c.mu.Unlock()

	err := c.eg.Wait()
	close(c.doneCh)

	if err != nil {
		slog.ErrorContext(c.ctx, "an error occured while shutting down controller", "err", err.Error())
		return err
	}

	slog.InfoContext(c.ctx, "successfully shut down controller", "id", c.id.String())
	return nil
}

func (c *Controller) Done() <-chan struct{} {
	return c.doneCh
}
