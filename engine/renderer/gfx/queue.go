package gfx

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

// deviceError maps HAL failures onto the core error kinds callers check for.
func deviceError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hal.ErrDeviceRemoved):
		return fmt.Errorf("%w: %w", core.ErrDeviceLost, err)
	case errors.Is(err, hal.ErrWaitTimeout):
		return fmt.Errorf("%w: %w", core.ErrTimeout, err)
	}
	return err
}

// Fence is a monotonically increasing completion counter.
type Fence struct {
	raw hal.Fence
}

func newFence(dev hal.Device) (*Fence, error) {
	raw, err := dev.CreateFence(0)
	if err != nil {
		return nil, deviceError(err)
	}
	return &Fence{raw: raw}, nil
}

func (f *Fence) CompletedValue() uint64 {
	return f.raw.CompletedValue()
}

// Wait blocks until the fence reaches value. hal.Infinite waits forever.
func (f *Fence) Wait(value uint64, timeout time.Duration) error {
	return deviceError(f.raw.Wait(value, timeout))
}

func (f *Fence) Raw() hal.Fence {
	return f.raw
}

func (f *Fence) term() {
	if f.raw != nil {
		f.raw.Destroy()
		f.raw = nil
	}
}

// WaitPoint is a fence value snapshot. The zero value is invalid and waiting
// on it is a no-op.
type WaitPoint struct {
	value uint64
	fence *Fence
}

func (w WaitPoint) IsValid() bool {
	return w.value >= 1 && w.fence != nil
}

func (w WaitPoint) Value() uint64 {
	return w.value
}

// Reached reports whether the GPU already passed the wait point. Invalid wait
// points are always reached.
func (w WaitPoint) Reached() bool {
	return !w.IsValid() || w.fence.CompletedValue() >= w.value
}

// CommandQueue owns one HAL queue and its fence. The Device is its only
// owner; everything else borrows it.
type CommandQueue struct {
	kind  hal.QueueKind
	raw   hal.Queue
	fence *Fence

	mu        sync.Mutex
	nextValue uint64
	executed  atomic.Bool
}

func newCommandQueue(dev hal.Device, kind hal.QueueKind) (*CommandQueue, error) {
	raw, err := dev.CreateQueue(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s queue: %w", kind, deviceError(err))
	}
	fence, err := newFence(dev)
	if err != nil {
		raw.Destroy()
		return nil, fmt.Errorf("failed to create %s queue fence: %w", kind, err)
	}
	return &CommandQueue{kind: kind, raw: raw, fence: fence, nextValue: 1}, nil
}

func (q *CommandQueue) Kind() hal.QueueKind {
	return q.kind
}

func (q *CommandQueue) Raw() hal.Queue {
	return q.raw
}

func (q *CommandQueue) Fence() *Fence {
	return q.fence
}

// Execute submits closed command lists in order. An empty call is a no-op.
func (q *CommandQueue) Execute(lists ...*CommandList) error {
	if len(lists) == 0 {
		return nil
	}
	raws := make([]hal.CommandList, len(lists))
	for i, l := range lists {
		raws[i] = l.Raw()
	}
	if err := q.raw.Execute(raws...); err != nil {
		err = deviceError(err)
		core.LogError("%s queue execute failed: %s", q.kind, err)
		return err
	}
	q.executed.Store(true)
	return nil
}

// Signal asks the queue to signal its fence once all prior work completes
// and returns the matching wait point. Signalling an idle queue is legal.
// On failure the counter does not advance and the returned wait point is
// invalid.
func (q *CommandQueue) Signal() (WaitPoint, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	value := q.nextValue
	if err := q.raw.Signal(q.fence.raw, value); err != nil {
		err = deviceError(err)
		core.LogError("%s queue signal %d failed: %s", q.kind, value, err)
		return WaitPoint{}, err
	}
	q.nextValue++
	return WaitPoint{value: value, fence: q.fence}, nil
}

// Sync blocks the calling goroutine until wp is reached. It returns at once
// when this queue never executed anything or wp is invalid.
func (q *CommandQueue) Sync(wp WaitPoint, timeout time.Duration) error {
	if !q.executed.Load() || !wp.IsValid() {
		return nil
	}
	return wp.fence.Wait(wp.value, timeout)
}

// Wait makes this queue's future work wait on wp on the GPU timeline.
func (q *CommandQueue) Wait(wp WaitPoint) error {
	if !wp.IsValid() {
		return nil
	}
	return deviceError(q.raw.Wait(wp.fence.raw, wp.value))
}

// NextValue returns the value the next Signal will use.
func (q *CommandQueue) NextValue() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextValue
}

func (q *CommandQueue) term() {
	if q.raw != nil {
		q.raw.Destroy()
		q.raw = nil
	}
	if q.fence != nil {
		q.fence.term()
	}
}
