package software

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

type submission struct {
	cmds  []command
	alloc *commandAllocator
}

// queueItem is one entry of a queue timeline. Exactly one field is set.
type queueItem struct {
	exec   []submission
	signal *fence
	wait   *fence
	value  uint64
}

// queue runs its timeline on a dedicated goroutine so submissions on one
// queue execute in order while distinct queues overlap.
type queue struct {
	dev  *Device
	kind hal.QueueKind

	mu     sync.Mutex
	closed bool
	work   chan queueItem
	wg     sync.WaitGroup
}

func newQueue(dev *Device, kind hal.QueueKind) *queue {
	q := &queue{
		dev:  dev,
		kind: kind,
		work: make(chan queueItem, dev.opts.queueDepth),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *queue) run() {
	defer q.wg.Done()
	for item := range q.work {
		switch {
		case item.wait != nil:
			<-item.wait.reached(item.value)
		case item.signal != nil:
			item.signal.set(item.value)
		default:
			for _, s := range item.exec {
				q.execute(s)
			}
		}
	}
}

func (q *queue) execute(s submission) {
	defer s.alloc.retire()
	if q.dev.RemovedReason() != nil {
		return
	}
	ctx := &execContext{dev: q.dev, kind: q.kind}
	for _, cmd := range s.cmds {
		if err := cmd(ctx); err != nil {
			q.dev.reportError(q.kind, err)
			return
		}
	}
}

func (q *queue) Kind() hal.QueueKind {
	return q.kind
}

func (q *queue) push(item queueItem) error {
	if err := q.dev.RemovedReason(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("%s queue is destroyed", q.kind)
	}
	q.work <- item
	return nil
}

func (q *queue) Execute(lists ...hal.CommandList) error {
	subs := make([]submission, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*commandList)
		if !ok {
			return fmt.Errorf("command list was not created by the software driver")
		}
		if !cl.closed {
			return hal.ErrListOpen
		}
		if cl.kind != q.kind {
			return fmt.Errorf("%s command list submitted to the %s queue", cl.kind, q.kind)
		}
		if cl.alloc == nil {
			return fmt.Errorf("command list was never reset")
		}
		subs = append(subs, submission{cmds: cl.cmds, alloc: cl.alloc})
	}
	if len(subs) == 0 {
		return nil
	}
	for _, s := range subs {
		s.alloc.pending.Add(1)
	}
	if err := q.push(queueItem{exec: subs}); err != nil {
		for _, s := range subs {
			s.alloc.retire()
		}
		return err
	}
	return nil
}

func (q *queue) Signal(f hal.Fence, value uint64) error {
	sf, ok := f.(*fence)
	if !ok {
		return fmt.Errorf("fence was not created by the software driver")
	}
	return q.push(queueItem{signal: sf, value: value})
}

func (q *queue) Wait(f hal.Fence, value uint64) error {
	sf, ok := f.(*fence)
	if !ok {
		return fmt.Errorf("fence was not created by the software driver")
	}
	return q.push(queueItem{wait: sf, value: value})
}

// Destroy drains the timeline and stops the executor.
func (q *queue) Destroy() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.work)
	q.mu.Unlock()
	q.wg.Wait()
}
