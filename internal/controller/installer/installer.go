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
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	datapathadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/datapath"
	metricsadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/metrics"
	pipelineadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/pipeline"
	rangesadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/ranges"
	"github.com/alexandremahdhaoui/elcplb/internal/types"
	"github.com/alexandremahdhaoui/elcplb/internal/util"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
	"github.com/avast/retry-go/v4"
)

var (
	ErrInitialInstallAlreadyDone = errors.New("initial install was already performed")
	ErrInitialInstallRequired    = errors.New("initial install must be performed first")
	ErrInstallingInitialRules    = errors.New("installing initial rules")
	ErrApplyingRebalance         = errors.New("applying rebalance")
	ErrReconcilingRules          = errors.New("reconciling rules")
	ErrRangeUpdateFailed         = errors.New("range update failed")

	ErrOperationPanicked       = errors.New("operation panicked")
	ErrOperationAborted        = errors.New("operation aborted")
	ErrInstallerIsShuttingDown = errors.New("installer is shutting down")
	ErrInstallerMustBeRunning  = errors.New("installer must be running")
)

// -------------------------------------------------------------------
// -- INSTALLER
// -------------------------------------------------------------------

// Installer owns the rules installed on a single datapath. Operations are
// executed sequentially by its event loop.
//
// The bookkeeping always reflects the rules the datapath accepted. When an
// operation partially fails the installer becomes dirty until Reconcile
// succeeds.
type Installer interface {
	types.Runnable

	// InstallInitial pushes the static rules and the rules of gen in pipeline
	// order. It is executed at most once per installer.
	InstallInitial(gen rangesadapter.Generation) (Report, error)

	// ApplyRebalance moves the datapath from the old generation to the new
	// one. For every range id, stale rules are strictly deleted before the
	// new rules are added, back to back. Unchanged rules are never touched.
	ApplyRebalance(prev, next rangesadapter.Generation) (Report, error)

	// Reconcile re-applies the last desired generation against the
	// bookkeeping.
	Reconcile() (Report, error)

	// Installed returns the installed rules.
	Installed() []types.Rule

	// Dirty is true if the datapath does not hold the desired rules.
	Dirty() bool
}

// Report describes the outcome of an operation.
type Report struct {
	Generation uint64
	// Changed lists the range ids whose bounds differ between generations.
	Changed []int
	// Touched lists the range ids of the rules that were deleted or added.
	// StaticRule is included when static rules were touched.
	Touched []int
	// Failed lists the range ids whose update was interrupted.
	Failed  []int
	Deleted int
	Added   int
}

type Options struct {
	// Attempts per control channel operation.
	Attempts uint
	// Delay is the initial backoff delay between two attempts.
	Delay time.Duration
}

var DefaultOptions = Options{
	Attempts: 3,
	Delay:    50 * time.Millisecond,
}

// -------------------------------------------------------------------
// -- CONCRETE IMPLEMENTATION
// -------------------------------------------------------------------

type installer struct {
	ctx      context.Context
	dp       datapathadapter.Datapath
	compiler *pipelineadapter.Compiler
	metrics  *metricsadapter.Metrics
	opts     Options
	eventCh  chan *event

	// -- bookkeeping
	installed   map[types.RuleKey]types.Rule
	desired     []types.Rule
	desiredGen  uint64
	initialized bool
	dirty       bool

	// -- mgmt
	running     bool
	closed      bool
	doneCh      chan struct{}
	terminateCh chan struct{}
	mu          *sync.Mutex
}

func New(
	dp datapathadapter.Datapath,
	compiler *pipelineadapter.Compiler,
	metrics *metricsadapter.Metrics,
	opts Options,
) Installer {
	if opts == (Options{}) {
		opts = DefaultOptions
	} else if opts.Attempts == 0 {
		opts.Attempts = 1
	}

	return &installer{
		ctx:         nil, // must be set when Run is called.
		dp:          dp,
		compiler:    compiler,
		metrics:     metrics,
		opts:        opts,
		eventCh:     make(chan *event),
		installed:   make(map[types.RuleKey]types.Rule),
		running:     false,
		closed:      false,
		doneCh:      make(chan struct{}),
		terminateCh: make(chan struct{}),
		mu:          &sync.Mutex{},
	}
}

// -------------------------------------------------------------------
// -- Run
// -------------------------------------------------------------------

func (ins *installer) Run(ctx context.Context) error {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	if ins.running {
		return types.ErrAlreadyRunning
	} else if ins.closed {
		return types.ErrCannotRunClosedRunnable
	}

	ins.ctx = ctx
	ins.running = true
	go ins.eventLoop()

	slog.InfoContext(ctx, "rule installer started successfully", "dpid", ins.dp.ID())
	return nil
}

// -------------------------------------------------------------------
// -- eventLoop
// -------------------------------------------------------------------

type event struct {
	f     func() (Report, error)
	errCh chan error
	out   Report
}

func newEvent(f func() (Report, error)) *event {
	return &event{
		f:     f,
		errCh: make(chan error, 1),
	}
}

var qSize = 10

// This loop ensures that only one goroutine programs the datapath at a time.
//
// Please note this function must be executed only once. If the installer was
// gracefully shut down, another installer must be created.
func (ins *installer) eventLoop() {
	eventQ := make(chan func(), qSize)
	defer close(eventQ)
	eventDoneCh := util.NewWorkerPool(1, eventQ, ins.terminateCh)

	for {
		// -- mgmt
		select {
		default:
		case <-ins.terminateCh:
			goto terminate
		}

		select {
		case e := <-ins.eventCh:
			eventQ <- func() { ins.runEvent(e) }
		case <-ins.terminateCh:
			goto terminate
		}
	}

terminate:
	<-eventDoneCh
	close(ins.doneCh)
}

// runEvent always answers the submitter. A panicking operation leaves the
// installer dirty.
func (ins *installer) runEvent(e *event) {
	defer close(e.errCh)
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		ins.mu.Lock()
		ins.dirty = true
		ins.mu.Unlock()

		slog.ErrorContext(ins.ctx, "recovered from panic in installer operation",
			"dpid", ins.dp.ID(),
			"panic", r)
		e.errCh <- flaterrors.Join(fmt.Errorf("%v", r), ErrOperationPanicked)
	}()

	var err error
	e.out, err = e.f()
	e.errCh <- err
}

// submit sends f to the event loop and awaits its completion.
func (ins *installer) submit(f func() (Report, error)) (Report, error) {
	ins.mu.Lock()
	running := ins.running
	ins.mu.Unlock()
	if !running {
		return Report{}, ErrInstallerMustBeRunning
	}

	e := newEvent(f)
	select {
	case ins.eventCh <- e:
	case <-ins.doneCh:
		return Report{}, flaterrors.Join(ErrOperationAborted, ErrInstallerIsShuttingDown)
	}

	// await until the operation is done or the installer is terminated.
	select {
	case err := <-e.errCh:
		return e.out, err
	case <-ins.doneCh:
		return Report{}, flaterrors.Join(ErrOperationAborted, ErrInstallerIsShuttingDown)
	}
}

// -------------------------------------------------------------------
// -- InstallInitial
// -------------------------------------------------------------------

func (ins *installer) InstallInitial(gen rangesadapter.Generation) (Report, error) {
	return ins.submit(func() (Report, error) {
		ins.mu.Lock()
		if ins.initialized {
			ins.mu.Unlock()
			return Report{}, flaterrors.Join(ErrInitialInstallAlreadyDone, ErrInstallingInitialRules)
		}
		ins.initialized = true
		ins.mu.Unlock()

		desired, err := ins.desiredRules(gen)
		if err != nil {
			return Report{}, flaterrors.Join(err, ErrInstallingInitialRules)
		}

		report, err := ins.converge(desired, gen.ID, pipelineOrder)
		report.Changed = make([]int, 0, len(gen.Ranges))
		for _, r := range gen.Ranges {
			report.Changed = append(report.Changed, r.ID)
		}
		if err != nil {
			return report, flaterrors.Join(err, ErrInstallingInitialRules)
		}

		slog.InfoContext(ins.ctx, "installed initial rules",
			"dpid", ins.dp.ID(),
			"generation", gen.ID,
			"rules", report.Added)
		return report, nil
	})
}

// -------------------------------------------------------------------
// -- ApplyRebalance
// -------------------------------------------------------------------

func (ins *installer) ApplyRebalance(prev, next rangesadapter.Generation) (Report, error) {
	return ins.submit(func() (Report, error) {
		if !ins.isInitialized() {
			return Report{}, flaterrors.Join(ErrInitialInstallRequired, ErrApplyingRebalance)
		}

		desired, err := ins.desiredRules(next)
		if err != nil {
			return Report{}, flaterrors.Join(err, ErrApplyingRebalance)
		}

		report, err := ins.converge(desired, next.ID, nil)
		report.Changed = pipelineadapter.ChangedRanges(prev.Ranges, next.Ranges)
		if err != nil {
			return report, flaterrors.Join(err, ErrApplyingRebalance)
		}

		slog.InfoContext(ins.ctx, "applied rebalance",
			"dpid", ins.dp.ID(),
			"generation", next.ID,
			"changed", report.Changed,
			"deleted", report.Deleted,
			"added", report.Added)
		return report, nil
	})
}

// -------------------------------------------------------------------
// -- Reconcile
// -------------------------------------------------------------------

func (ins *installer) Reconcile() (Report, error) {
	return ins.submit(func() (Report, error) {
		if !ins.isInitialized() {
			return Report{}, flaterrors.Join(ErrInitialInstallRequired, ErrReconcilingRules)
		}

		ins.mu.Lock()
		desired, gen := slices.Clone(ins.desired), ins.desiredGen
		ins.mu.Unlock()

		report, err := ins.converge(desired, gen, nil)
		if err != nil {
			return report, flaterrors.Join(err, ErrReconcilingRules)
		}

		slog.InfoContext(ins.ctx, "reconciled rules",
			"dpid", ins.dp.ID(),
			"generation", gen,
			"deleted", report.Deleted,
			"added", report.Added)
		return report, nil
	})
}

// -------------------------------------------------------------------
// -- converge
// -------------------------------------------------------------------

func (ins *installer) desiredRules(gen rangesadapter.Generation) ([]types.Rule, error) {
	rules, err := ins.compiler.Compile(gen)
	if err != nil {
		return nil, err
	}
	return append(ins.compiler.Static(), rules...), nil
}

// converge diffs desired against the bookkeeping and applies every change.
// A failed change does not prevent the following ones. An optional order
// rearranges the changes.
func (ins *installer) converge(
	desired []types.Rule,
	generation uint64,
	order func([]pipelineadapter.Change) []pipelineadapter.Change,
) (Report, error) {
	ins.mu.Lock()
	ins.desired = desired
	ins.desiredGen = generation
	installed := slices.Collect(maps.Values(ins.installed))
	ins.mu.Unlock()

	report := Report{Generation: generation}
	changes := pipelineadapter.Diff(installed, desired)
	if order != nil {
		changes = order(changes)
	}

	var errs []error
	for _, ch := range changes {
		report.Touched = append(report.Touched, ch.Owners()...)
		deleted, added, err := ins.applyChange(ch)
		report.Deleted += deleted
		report.Added += added
		if err != nil {
			report.Failed = append(report.Failed, ch.RangeID)
			errs = append(errs, flaterrors.Join(fmt.Errorf("range %d", ch.RangeID), err))
		}
	}
	report.Touched = compactIDs(report.Touched)
	report.Failed = compactIDs(report.Failed)

	ins.mu.Lock()
	ins.dirty = len(errs) > 0
	ins.mu.Unlock()

	if len(errs) > 0 {
		slog.ErrorContext(ins.ctx, "failed to update rules; previous rules are kept for failed ranges",
			"dpid", ins.dp.ID(),
			"generation", generation,
			"failed", report.Failed,
			"err", errors.Join(errs...).Error())
		return report, flaterrors.Join(errors.Join(errs...), ErrRangeUpdateFailed)
	}
	return report, nil
}

// pipelineOrder splits changes into single rule changes ordered by table:
// classification, bound tables and comparators, then dispatch.
func pipelineOrder(changes []pipelineadapter.Change) []pipelineadapter.Change {
	out := make([]pipelineadapter.Change, 0)
	for _, ch := range changes {
		for _, r := range ch.Deletes {
			out = append(out, pipelineadapter.Change{RangeID: ch.RangeID, Deletes: []types.Rule{r}})
		}
	}
	adds := make([]pipelineadapter.Change, 0)
	for _, ch := range changes {
		for _, r := range ch.Adds {
			adds = append(adds, pipelineadapter.Change{RangeID: ch.RangeID, Adds: []types.Rule{r}})
		}
	}
	slices.SortStableFunc(adds, func(a, b pipelineadapter.Change) int {
		return pipelineadapter.CompareRules(a.Adds[0], b.Adds[0])
	})
	return append(out, adds...)
}

func compactIDs(ids []int) []int {
	slices.Sort(ids)
	return slices.Compact(ids)
}

// applyChange issues the deletes of a range id then its adds with no yield
// point in between. The first failure interrupts the change.
func (ins *installer) applyChange(ch pipelineadapter.Change) (int, int, error) {
	var deleted, added int

	for _, r := range ch.Deletes {
		if err := ins.do("delete", func(ctx context.Context) error {
			return ins.dp.DeleteRuleStrict(ctx, r)
		}); err != nil {
			return deleted, added, err
		}

		ins.mu.Lock()
		delete(ins.installed, r.Key())
		ins.mu.Unlock()
		ins.metrics.RuleDeleted(r.Table)
		deleted++
	}

	for _, r := range ch.Adds {
		if err := ins.do("install", func(ctx context.Context) error {
			return ins.dp.InstallRule(ctx, r)
		}); err != nil {
			return deleted, added, err
		}

		ins.mu.Lock()
		ins.installed[r.Key()] = r
		ins.mu.Unlock()
		ins.metrics.RuleInstalled(r.Table)
		added++
	}

	return deleted, added, nil
}

func (ins *installer) do(op string, f func(ctx context.Context) error) error {
	ctx := ins.ctx
	err := retry.Do(
		func() error {
			return f(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(ins.opts.Attempts),
		retry.Delay(ins.opts.Delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			slog.WarnContext(ctx, "control channel operation failed, retrying",
				"dpid", ins.dp.ID(),
				"op", op,
				"attempt", attempt,
				"err", err.Error())
		}),
	)
	if err != nil {
		ins.metrics.RuleError(op)
	}
	return err
}

// -------------------------------------------------------------------
// -- Bookkeeping
// -------------------------------------------------------------------

func (ins *installer) isInitialized() bool {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return ins.initialized
}

// Installed returns the rules ordered by table then priority.
func (ins *installer) Installed() []types.Rule {
	ins.mu.Lock()
	out := slices.Collect(maps.Values(ins.installed))
	ins.mu.Unlock()

	slices.SortFunc(out, pipelineadapter.CompareRules)
	return out
}

func (ins *installer) Dirty() bool {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return ins.dirty
}

// -------------------------------------------------------------------
// -- DoneCloser
// -------------------------------------------------------------------

var closeTimeoutDuration = 5 * time.Second

// Close does not remove the installed rules from the datapath.
func (ins *installer) Close() error {
	ins.mu.Lock()

	// -- handle errors
	if ins.closed {
		ins.mu.Unlock()
		return types.ErrAlreadyClosed
	} else if !ins.running {
		ins.mu.Unlock()
		return types.ErrRunnableMustBeRunningToBeClosed
	}

	// -- Triggers termination of the event loop
	close(ins.terminateCh)

	// -- Persist information that the installer is not running anymore.
	ins.running = false
	ins.closed = true
	ins.mu.Unlock()

	// -- Await graceful termination in timely manner. The lock is released
	//    because the pending operation may need it.
	select {
	case <-ins.doneCh:
	case <-time.After(closeTimeoutDuration):
	}

	slog.InfoContext(ins.ctx, "successfully shut down rule installer", "dpid", ins.dp.ID())
	return nil
}

func (ins *installer) Done() <-chan struct{} {
	return ins.doneCh
}
