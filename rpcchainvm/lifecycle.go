// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcchainvm

import (
	"context"
	"sync"
	"time"
)

type processState uint32

const (
	unloaded processState = iota
	initializing
	ready
	shuttingDown
	closed
)

func (s processState) String() string {
	switch s {
	case unloaded:
		return "unloaded"
	case initializing:
		return "initializing"
	case ready:
		return "ready"
	case shuttingDown:
		return "shutting down"
	case closed:
		return "closed"
	default:
		return "unknown"
	}
}

// lifecycle gates every call on the process state and tracks the calls in
// flight so Shutdown can drain them.
//
// Mutating calls (Accept, Reject, SetPreference) are always waited for.
// Other calls are waited for up to the drain timeout and then cancelled
// through their contexts.
type lifecycle struct {
	lock  sync.Mutex
	state processState

	mutating sync.WaitGroup
	reading  sync.WaitGroup
	// abort is closed when the drain timeout expires
	abort chan struct{}
}

func newLifecycle() *lifecycle {
	return &lifecycle{abort: make(chan struct{})}
}

func (l *lifecycle) current() processState {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.state
}

// enter admits a call while the process is ready. The returned function must
// be called once the call returns.
func (l *lifecycle) enter(ctx context.Context, mutating bool) (context.Context, func(), error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	switch l.state {
	case unloaded, initializing:
		return nil, nil, ErrNotInitialized
	case shuttingDown, closed:
		return nil, nil, ErrClosed
	}

	if mutating {
		l.mutating.Add(1)
		return ctx, l.mutating.Done, nil
	}

	l.reading.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		select {
		case <-l.abort:
			cancel()
		case <-done:
		}
	}()
	return ctx, func() {
		close(done)
		cancel()
		l.reading.Done()
	}, nil
}

func (l *lifecycle) beginInitialize() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	switch l.state {
	case unloaded:
		l.state = initializing
		return nil
	case shuttingDown, closed:
		return ErrClosed
	default:
		return errAlreadyInitialized
	}
}

func (l *lifecycle) setReady() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.state = ready
}

func (l *lifecycle) setClosed() {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.state = closed
}

// beginShutdown moves a ready process to shutting down and returns the state
// it was in. No call is admitted afterwards.
func (l *lifecycle) beginShutdown() processState {
	l.lock.Lock()
	defer l.lock.Unlock()

	prev := l.state
	switch prev {
	case unloaded:
		l.state = closed
	case ready:
		l.state = shuttingDown
	}
	return prev
}

// drain waits for every admitted call to return. Non-mutating calls still
// running after [timeout] have their contexts cancelled.
func (l *lifecycle) drain(timeout time.Duration) {
	l.mutating.Wait()

	done := make(chan struct{})
	go func() {
		l.reading.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		close(l.abort)
		<-done
	}
}
