package gfx

import (
	"fmt"

	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

// CommandList records into one of two allocators, alternating on every
// Reset. Reusing an allocator is only safe once the frame that last used it
// has retired, which the render loop guarantees by syncing the wait point
// from two frames back.
type CommandList struct {
	dev        *Device
	kind       hal.QueueKind
	allocators [2]hal.CommandAllocator
	raw        hal.CommandList
	index      int
}

func NewCommandList(dev *Device, kind hal.QueueKind) (*CommandList, error) {
	if !dev.IsInitialized() {
		return nil, core.ErrNotInitialized
	}
	// The first Reset lands on index 0.
	cl := &CommandList{dev: dev, kind: kind, index: 1}
	for i := range cl.allocators {
		a, err := dev.raw.CreateCommandAllocator(kind)
		if err != nil {
			cl.Term()
			err = fmt.Errorf("failed to create %s command allocator: %w", kind, deviceError(err))
			core.LogError("%s", err)
			return nil, err
		}
		cl.allocators[i] = a
	}
	raw, err := dev.raw.CreateCommandList(kind)
	if err != nil {
		cl.Term()
		err = fmt.Errorf("failed to create %s command list: %w", kind, deviceError(err))
		core.LogError("%s", err)
		return nil, err
	}
	cl.raw = raw
	return cl, nil
}

// Reset flips to the other allocator, resets it and opens the list for
// recording. Lists for compute and graphics queues get the device's shader
// visible heaps bound. On error the list stays on its previous buffer.
func (c *CommandList) Reset() error {
	next := (c.index + 1) & 1
	alloc := c.allocators[next]
	if err := alloc.Reset(); err != nil {
		return fmt.Errorf("%s command list buffer %d: %w", c.kind, next, deviceError(err))
	}
	if err := c.raw.Reset(alloc); err != nil {
		return fmt.Errorf("%s command list buffer %d: %w", c.kind, next, deviceError(err))
	}
	c.index = next
	if c.kind != hal.QueueCopy {
		c.dev.SetDescriptorHeaps(c)
	}
	return nil
}

// Close ends recording and reports the first recording error, if any.
func (c *CommandList) Close() error {
	return deviceError(c.raw.Close())
}

func (c *CommandList) Raw() hal.CommandList {
	return c.raw
}

// Index returns the buffer selected by the last Reset.
func (c *CommandList) Index() int {
	return c.index
}

func (c *CommandList) Kind() hal.QueueKind {
	return c.kind
}

func (c *CommandList) Term() {
	if c.raw != nil {
		c.raw.Destroy()
		c.raw = nil
	}
	for i, a := range c.allocators {
		if a != nil {
			a.Destroy()
			c.allocators[i] = nil
		}
	}
}
