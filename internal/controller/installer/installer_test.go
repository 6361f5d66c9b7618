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
package installer_test

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	datapathadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/datapath"
	metricsadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/metrics"
	pipelineadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/pipeline"
	rangesadapter "github.com/alexandremahdhaoui/elcplb/internal/adapter/ranges"
	"github.com/alexandremahdhaoui/elcplb/internal/controller/installer"
	"github.com/alexandremahdhaoui/elcplb/internal/types"
	"github.com/alexandremahdhaoui/elcplb/internal/util"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	base = uint32(0x0a000000)
	span = uint64(1 << 12)
)

var errBoom = errors.New("boom")

func TestInstaller(t *testing.T) {
	var (
		ctx      context.Context
		sw       *datapathadapter.SoftSwitch
		compiler *pipelineadapter.Compiler
		metrics  *metricsadapter.Metrics
		ins      installer.Installer
		gen0     rangesadapter.Generation
	)

	setup := func(t *testing.T) {
		t.Helper()
		ctx = context.Background()
		sw = datapathadapter.NewSoftSwitch(1, nil)
		metrics = metricsadapter.New(prometheus.NewRegistry())

		servers := make([]types.ServerEndpoint, 4)
		for i := range servers {
			servers[i] = types.ServerEndpoint{
				IP:      util.Uint32ToIPv4(0xc0a80001 + uint32(i)),
				MacAddr: util.Uint64ToHardwareAddr(0x020000000001 + uint64(i)),
				Weight:  0.25,
				Port:    uint32(i + 1),
			}
		}

		var err error
		compiler, err = pipelineadapter.New(types.VirtualEndpoint{
			IP:      util.Uint32ToIPv4(0xc0a80064),
			MacAddr: net.HardwareAddr{0x02, 0, 0, 0, 0, 0x64},
		}, servers)
		require.NoError(t, err)

		ranges, err := rangesadapter.Partition([]float64{0.25, 0.25, 0.25, 0.25}, base, span)
		require.NoError(t, err)
		gen0 = rangesadapter.Generation{ID: 0, Ranges: ranges}

		ins = installer.New(sw, compiler, metrics, installer.Options{Attempts: 2, Delay: time.Millisecond})
		require.NoError(t, ins.Run(ctx))
		t.Cleanup(func() { _ = ins.Close() })
	}

	// assertInSync checks the bookkeeping reflects the switch.
	assertInSync := func(t *testing.T) {
		t.Helper()
		installed := ins.Installed()
		actual := sw.Rules()
		require.Len(t, installed, len(actual))

		byKey := make(map[types.RuleKey]types.Rule, len(actual))
		for _, r := range actual {
			byKey[r.Key()] = r
		}
		for _, r := range installed {
			require.True(t, byKey[r.Key()].SameAs(r), "rule %s", r)
		}
	}

	// assertDispatch checks every address of the subnet reaches its server.
	assertDispatch := func(t *testing.T, gen rangesadapter.Generation) {
		t.Helper()
		for x := base; x < base+uint32(span); x++ {
			v := sw.Process(datapathadapter.Packet{EthType: types.EthTypeIPv4, IPv4Src: x, IPv4Dst: 0xc0a80064})
			rng, ok := gen.Lookup(x)
			require.True(t, ok)
			require.False(t, v.Dropped)
			require.Equal(t, uint32(rng.ID+1), v.OutPort, "x=%08x", x)
		}
	}

	t.Run("Lifecycle", func(t *testing.T) {
		setup(t)
		assert.ErrorIs(t, ins.Run(ctx), types.ErrAlreadyRunning)
		require.NoError(t, ins.Close())
		<-ins.Done()
		assert.ErrorIs(t, ins.Close(), types.ErrAlreadyClosed)
		assert.ErrorIs(t, ins.Run(ctx), types.ErrCannotRunClosedRunnable)

		_, err := ins.InstallInitial(gen0)
		assert.ErrorIs(t, err, installer.ErrInstallerMustBeRunning)

		notRunning := installer.New(sw, compiler, nil, installer.Options{})
		assert.ErrorIs(t, notRunning.Close(), types.ErrRunnableMustBeRunningToBeClosed)
	})

	t.Run("InstallInitial", func(t *testing.T) {
		setup(t)
		report, err := ins.InstallInitial(gen0)
		require.NoError(t, err)

		static := len(compiler.Static())
		assert.Equal(t, static+3*4, report.Added)
		assert.Equal(t, []int{types.StaticRule, 0, 1, 2, 3}, report.Touched)
		assert.False(t, ins.Dirty())
		assertInSync(t)
		assertDispatch(t, gen0)

		// pipeline order.
		history := sw.History()
		require.Len(t, history, static+3*4)
		for i := 1; i < len(history); i++ {
			assert.Equal(t, datapathadapter.OperationInstall, history[i].Kind)
			assert.LessOrEqual(t, history[i-1].Rule.Table, history[i].Rule.Table)
		}
		assert.Equal(t, types.TableClassify, history[0].Rule.Table)
		assert.Equal(t, types.TableDispatch, history[len(history)-1].Rule.Table)

		assert.Equal(t, 4.0, testutil.ToFloat64(metrics.RulesInstalled.WithLabelValues(types.TableDispatch.String())))
	})

	t.Run("InstallInitialOnlyOnce", func(t *testing.T) {
		setup(t)
		_, err := ins.InstallInitial(gen0)
		require.NoError(t, err)
		sw.ResetHistory()

		_, err = ins.InstallInitial(gen0)
		assert.ErrorIs(t, err, installer.ErrInitialInstallAlreadyDone)
		assert.Empty(t, sw.History())
		assertInSync(t)
	})

	t.Run("ApplyRebalanceRequiresInitialInstall", func(t *testing.T) {
		setup(t)
		_, err := ins.ApplyRebalance(gen0, gen0.Next(gen0.Ranges))
		assert.ErrorIs(t, err, installer.ErrInitialInstallRequired)
		_, err = ins.Reconcile()
		assert.ErrorIs(t, err, installer.ErrInitialInstallRequired)
	})

	t.Run("ApplyRebalanceSameRanges", func(t *testing.T) {
		setup(t)
		_, err := ins.InstallInitial(gen0)
		require.NoError(t, err)
		sw.ResetHistory()

		report, err := ins.ApplyRebalance(gen0, gen0.Next(gen0.Ranges))
		require.NoError(t, err)
		assert.Empty(t, report.Touched)
		assert.Empty(t, report.Changed)
		assert.Empty(t, sw.History())
	})

	t.Run("ApplyRebalanceTouchesOnlyChangedRange", func(t *testing.T) {
		setup(t)
		_, err := ins.InstallInitial(gen0)
		require.NoError(t, err)
		before := sw.Rules()
		sw.ResetHistory()

		const k = 2
		changed := gen0.Next(gen0.Ranges)
		changed.Ranges[k].End -= 0x100

		report, err := ins.ApplyRebalance(gen0, changed)
		require.NoError(t, err)
		assert.Equal(t, []int{k}, report.Changed)
		assert.Equal(t, []int{k}, report.Touched)

		history := sw.History()
		require.NotEmpty(t, history)
		for _, op := range history {
			assert.Equal(t, k, op.Rule.RangeID)
		}

		// every other rule is left untouched.
		after := make(map[types.RuleKey]types.Rule)
		for _, r := range sw.Rules() {
			after[r.Key()] = r
		}
		for _, r := range before {
			if r.RangeID == k {
				continue
			}
			got, ok := after[r.Key()]
			require.True(t, ok)
			assert.Equal(t, r, got)
		}
		assertInSync(t)
	})

	t.Run("ApplyRebalanceDeletesBeforeAddsPerRange", func(t *testing.T) {
		setup(t)
		_, err := ins.InstallInitial(gen0)
		require.NoError(t, err)
		sw.ResetHistory()

		shifted, affected, err := rangesadapter.Shift(gen0.Ranges, 1, 0.4, 0.5)
		require.NoError(t, err)
		gen1 := gen0.Next(shifted)

		report, err := ins.ApplyRebalance(gen0, gen1)
		require.NoError(t, err)
		assert.Equal(t, affected, report.Touched)
		assert.Equal(t, uint64(1), report.Generation)

		// operations of a range id are contiguous: deletes then adds.
		history := sw.History()
		done := map[int]bool{}
		for i, op := range history {
			id := op.Rule.RangeID
			if i > 0 && history[i-1].Rule.RangeID != id {
				require.False(t, done[id], "operations of range %d are not contiguous", id)
				done[history[i-1].Rule.RangeID] = true
			}
			if i > 0 && history[i-1].Rule.RangeID == id {
				require.False(t,
					history[i-1].Kind == datapathadapter.OperationInstall && op.Kind == datapathadapter.OperationDelete,
					"range %d adds before deleting", id)
			}
		}

		assertInSync(t)
		assertDispatch(t, gen1)
	})

	t.Run("FailureKeepsPreviousRulesAndReconciles", func(t *testing.T) {
		setup(t)
		_, err := ins.InstallInitial(gen0)
		require.NoError(t, err)

		sw.SetFailFunc(func(op datapathadapter.Operation) error {
			if op.Kind == datapathadapter.OperationDelete && op.Rule.RangeID == 0 {
				return errBoom
			}
			return nil
		})

		shifted, _, err := rangesadapter.Shift(gen0.Ranges, 1, 0.5, 0.5)
		require.NoError(t, err)
		gen1 := gen0.Next(shifted)

		report, err := ins.ApplyRebalance(gen0, gen1)
		assert.ErrorIs(t, err, installer.ErrRangeUpdateFailed)
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, []int{0}, report.Failed)
		assert.True(t, ins.Dirty())
		assertInSync(t)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RuleErrors.WithLabelValues("delete")))

		// rules of range 0 are the previous ones.
		for _, r := range ins.Installed() {
			if r.RangeID == 0 {
				assert.Equal(t, uint64(0), r.Generation)
			}
		}

		sw.SetFailFunc(nil)
		report, err = ins.Reconcile()
		require.NoError(t, err)
		assert.Equal(t, []int{0}, report.Touched)
		assert.False(t, ins.Dirty())
		assertInSync(t)
		assertDispatch(t, gen1)
	})

	t.Run("PanickingOperationIsReported", func(t *testing.T) {
		setup(t)
		_, err := ins.InstallInitial(gen0)
		require.NoError(t, err)

		sw.SetFailFunc(func(op datapathadapter.Operation) error {
			if op.Kind == datapathadapter.OperationInstall && op.Rule.RangeID == 1 {
				panic("control channel exploded")
			}
			return nil
		})

		shifted, _, err := rangesadapter.Shift(gen0.Ranges, 1, 0.5, 0.5)
		require.NoError(t, err)
		gen1 := gen0.Next(shifted)

		_, err = ins.ApplyRebalance(gen0, gen1)
		assert.ErrorIs(t, err, installer.ErrOperationPanicked)
		assert.True(t, ins.Dirty())
		assertInSync(t)

		// the event loop survives the panic.
		sw.SetFailFunc(nil)
		_, err = ins.Reconcile()
		require.NoError(t, err)
		assert.False(t, ins.Dirty())
		assertInSync(t)
		assertDispatch(t, gen1)
	})

	t.Run("RetriesTransientFailures", func(t *testing.T) {
		setup(t)
		var calls atomic.Int32
		sw.SetFailFunc(func(op datapathadapter.Operation) error {
			if op.Rule.Table == types.TableClassify && calls.Add(1) == 1 {
				return errBoom
			}
			return nil
		})

		_, err := ins.InstallInitial(gen0)
		require.NoError(t, err)
		assert.False(t, ins.Dirty())
		assertInSync(t)
		assertDispatch(t, gen0)
	})
}
