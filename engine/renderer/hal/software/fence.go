package software

import (
	"sync"
	"time"

	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

type fenceWaiter struct {
	value uint64
	ch    chan struct{}
}

type fence struct {
	dev *Device

	mu      sync.Mutex
	value   uint64
	waiters []fenceWaiter
}

func (f *fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// set raises the fence to v and releases every waiter it satisfies. The
// completed value never moves backwards.
func (f *fence) set(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v <= f.value {
		return
	}
	f.value = v
	pending := f.waiters[:0]
	for _, w := range f.waiters {
		if w.value <= v {
			close(w.ch)
			continue
		}
		pending = append(pending, w)
	}
	f.waiters = pending
}

// reached returns a channel that is closed once the fence hits value.
func (f *fence) reached(value uint64) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	if value <= f.value {
		close(ch)
		return ch
	}
	f.waiters = append(f.waiters, fenceWaiter{value: value, ch: ch})
	return ch
}

func (f *fence) Wait(value uint64, timeout time.Duration) error {
	if err := f.dev.RemovedReason(); err != nil {
		return err
	}
	ch := f.reached(value)
	select {
	case <-ch:
		return f.dev.RemovedReason()
	default:
	}
	if timeout < 0 {
		<-ch
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ch:
		case <-timer.C:
			// The fence may have been raised while the timer fired.
			select {
			case <-ch:
			default:
				return hal.ErrWaitTimeout
			}
		}
	}
	return f.dev.RemovedReason()
}

func (f *fence) Signal(value uint64) error {
	if err := f.dev.RemovedReason(); err != nil {
		return err
	}
	f.set(value)
	return nil
}

func (f *fence) Destroy() {
	f.dev.releaseFence(f)
}
