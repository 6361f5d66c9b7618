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
package util_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/elcplb/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherMux(t *testing.T) {
	var wm *util.WatcherMux[int]

	setup := func(t *testing.T) {
		t.Helper()
		wm = util.NewWatcherMux(
			util.WatcherMuxRecommendedBufferSize,
			util.NonBlockingDispatchFunc[int],
		)
		t.Cleanup(func() { _ = wm.Close() })
	}

	t.Run("Dispatch", func(t *testing.T) {
		setup(t)
		ch0, cancel0 := wm.Watch(util.NoFilter)
		defer cancel0()
		ch1, cancel1 := wm.Watch(util.NoFilter)
		defer cancel1()

		wm.Dispatch(1)
		wm.Dispatch(2)

		assert.Equal(t, 1, <-ch0)
		assert.Equal(t, 2, <-ch0)
		assert.Equal(t, 1, <-ch1)
		assert.Equal(t, 2, <-ch1)
	})

	t.Run("Filter", func(t *testing.T) {
		setup(t)
		ch, cancel := wm.Watch(func(v any) bool { return v.(int)%2 == 0 })
		defer cancel()

		for i := range 4 {
			wm.Dispatch(i)
		}

		assert.Equal(t, 0, <-ch)
		assert.Equal(t, 2, <-ch)
		assert.Empty(t, ch)
	})

	t.Run("NonBlockingDropsWhenFull", func(t *testing.T) {
		setup(t)
		ch, cancel := wm.Watch(util.NoFilter)
		defer cancel()

		for i := range util.WatcherMuxRecommendedBufferSize + 5 {
			wm.Dispatch(i)
		}
		assert.Len(t, ch, util.WatcherMuxRecommendedBufferSize)
	})

	t.Run("Cancel", func(t *testing.T) {
		setup(t)
		ch, cancel := wm.Watch(util.NoFilter)
		cancel()

		wm.Dispatch(1)
		_, ok := <-ch
		assert.False(t, ok)
	})

	t.Run("Close", func(t *testing.T) {
		setup(t)
		ch, cancel := wm.Watch(util.NoFilter)
		defer cancel()

		require.NoError(t, wm.Close())
		require.NoError(t, wm.Close())
		<-wm.Done()

		_, ok := <-ch
		assert.False(t, ok)

		// watching a closed mux.
		ch, _ = wm.Watch(util.NoFilter)
		_, ok = <-ch
		assert.False(t, ok)
	})

	t.Run("DispatchWithTimeout", func(t *testing.T) {
		wm = util.NewWatcherMux(1, util.NewDispatchFuncWithTimeout[int](10*time.Millisecond))
		defer func() { _ = wm.Close() }()

		ch, cancel := wm.Watch(util.NoFilter)
		defer cancel()

		wm.Dispatch(1)
		wm.Dispatch(2) // times out.
		assert.Equal(t, 1, <-ch)
		assert.Empty(t, ch)
	})

	t.Run("CancelReleasesBlockedDispatch", func(t *testing.T) {
		wm = util.NewWatcherMux(1, util.NewDispatchFuncWithTimeout[int](time.Minute))
		defer func() { _ = wm.Close() }()

		_, cancel := wm.Watch(util.NoFilter)
		wm.Dispatch(0) // fills the channel.

		dispatched := make(chan struct{})
		go func() {
			defer close(dispatched)
			wm.Dispatch(1)
		}()

		time.Sleep(10 * time.Millisecond)
		cancel()

		select {
		case <-dispatched:
		case <-time.After(5 * time.Second):
			t.Fatal("dispatch is still blocked after cancel")
		}
	})

	t.Run("ConcurrentDispatchAndCancel", func(t *testing.T) {
		setup(t)
		var wg sync.WaitGroup
		for range 50 {
			_, cancel := wm.Watch(util.NoFilter)
			wg.Add(2)
			go func() {
				defer wg.Done()
				for i := range 100 {
					wm.Dispatch(i)
				}
			}()
			go func() {
				defer wg.Done()
				cancel()
			}()
		}
		wg.Wait()
	})
}

func TestWorkerPool(t *testing.T) {
	t.Run("RunsJobs", func(t *testing.T) {
		q := make(chan func())
		terminateCh := make(chan struct{})
		doneCh := util.NewWorkerPool(3, q, terminateCh)

		var (
			count atomic.Int64
			wg    sync.WaitGroup
		)
		for range 10 {
			wg.Add(1)
			q <- func() {
				defer wg.Done()
				count.Add(1)
			}
		}
		wg.Wait()

		close(terminateCh)
		<-doneCh
		assert.Equal(t, int64(10), count.Load())
	})

	t.Run("RecoversPanics", func(t *testing.T) {
		q := make(chan func())
		terminateCh := make(chan struct{})
		doneCh := util.NewWorkerPool(1, q, terminateCh)

		q <- func() { panic("boom") }

		ran := make(chan struct{})
		q <- func() { close(ran) }
		<-ran

		close(q)
		<-doneCh
	})
}

func TestAnyPtrIsNil(t *testing.T) {
	var (
		nilPtr *int
		nilMap map[int]int
		v      = 1
	)

	assert.True(t, util.AnyPtrIsNil(nil))
	assert.True(t, util.AnyPtrIsNil(&v, nilPtr))
	assert.True(t, util.AnyPtrIsNil(nilMap))
	assert.False(t, util.AnyPtrIsNil(&v, map[int]int{}, 1))
}
