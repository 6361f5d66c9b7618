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
package util

import (
	"sync"
	"time"
)

var WatcherMuxRecommendedBufferSize = 10

/*******************************************************************************
 * New
 *
 ******************************************************************************/

func NewWatcherMux[T any](
	// channelBufferSize ensures the message multiplexing is performed as fast
	// as possible. However, it does not reduce risk of deadlocks.
	channelBufferSize int,
	// Please choose a dispatchFunc that does not block indefinitely in order to
	// avoid deadlocks.
	dispatchFunc WatcherMuxDispatchFunc[T],
) *WatcherMux[T] {
	return &WatcherMux[T]{
		watchers:          make(map[int]*watcher[T]),
		watcherChCapacity: channelBufferSize,
		mu:                &sync.Mutex{},
		dispatchFunc:      dispatchFunc,
		doneCh:            make(chan struct{}),
	}
}

/*******************************************************************************
 * WatcherMux[T any]
 *
 * Fans out every dispatched value to all registered watchers. Closing the mux
 * closes every watcher channel.
 ******************************************************************************/

type FilterFunc func(v any) bool

var NoFilter FilterFunc = nil

type watcher[T any] struct {
	ch     chan T
	doneCh chan struct{}
	filter FilterFunc
	once   sync.Once
	// senders hold the read lock, ch is closed under the write lock.
	mu     sync.RWMutex
	closed bool
}

func (w *watcher[T]) shouldSkip(v T) bool {
	return w.filter != nil && !w.filter(v)
}

// close first releases blocked senders, then closes ch once they are gone.
func (w *watcher[T]) close() {
	w.once.Do(func() {
		close(w.doneCh)

		w.mu.Lock()
		defer w.mu.Unlock()
		w.closed = true
		close(w.ch)
	})
}

type WatcherMux[T any] struct {
	watchers          map[int]*watcher[T] // set of watchers
	watcherIdCount    int
	watcherChCapacity int

	dispatchFunc WatcherMuxDispatchFunc[T]

	closed bool
	mu     *sync.Mutex
	doneCh chan struct{}
}

// Watch returns a closed channel if the mux is already closed.
func (wm *WatcherMux[T]) Watch(filter FilterFunc) (<-chan T, func()) {
	w := &watcher[T]{
		ch:     make(chan T, wm.watcherChCapacity),
		doneCh: make(chan struct{}),
		filter: filter,
	}

	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.closed {
		w.close()
		return w.ch, func() {}
	}

	id := wm.watcherIdCount
	wm.watcherIdCount += 1
	wm.watchers[id] = w

	return w.ch, func() {
		wm.mu.Lock()
		defer wm.mu.Unlock()
		delete(wm.watchers, id)
		w.close()
	}
}

func (wm *WatcherMux[T]) Dispatch(v T) {
	wm.dispatchFunc(wm, v)
}

func (wm *WatcherMux[T]) getWatcherList() []*watcher[T] {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	out := make([]*watcher[T], 0, len(wm.watchers))
	for _, w := range wm.watchers {
		out = append(out, w)
	}
	return out
}

func (wm *WatcherMux[T]) Done() <-chan struct{} {
	return wm.doneCh
}

// Close is idempotent.
func (wm *WatcherMux[T]) Close() error {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.closed {
		return nil
	}

	wm.closed = true
	for id, w := range wm.watchers {
		delete(wm.watchers, id)
		w.close()
	}
	close(wm.doneCh)
	return nil
}

/*******************************************************************************
 * DispatchFunc[T any]
 *
 ******************************************************************************/

type (
	WatcherMuxDispatchFunc[T any] func(*WatcherMux[T], T)
)

// NonBlockingDispatchFunc may drop items if receiver does not read from the
// channel in a timely manner.
func NonBlockingDispatchFunc[T any](wm *WatcherMux[T], v T) {
	for _, w := range wm.getWatcherList() {
		if w.shouldSkip(v) {
			continue // skip
		}
		sendOne(w, v, nil)
	}
}

// The closure returned by NewDispatchFuncWithTimeout sends to the outgoing channels
// sequentially. If a channel is full it will block and try to send to it for
// `timeoutDuration` and move on to the next channel after that duration.
func NewDispatchFuncWithTimeout[T any](timeoutDuration time.Duration) WatcherMuxDispatchFunc[T] {
	return func(wm *WatcherMux[T], v T) {
		for _, w := range wm.getWatcherList() {
			if w.shouldSkip(v) {
				continue
			}
			sendOne(w, v, time.After(timeoutDuration))
		}
	}
}

// sendOne gives up as soon as the watcher is closed.
func sendOne[T any](w *watcher[T], v T, timeoutCh <-chan time.Time) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return
	}

	if timeoutCh == nil {
		select {
		case <-w.doneCh:
		case w.ch <- v:
		default:
		}
		return
	}

	select {
	case <-w.doneCh:
	case w.ch <- v:
	case <-timeoutCh:
	}
}
