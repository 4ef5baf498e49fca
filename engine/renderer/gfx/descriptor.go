package gfx

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/rtcore/engine/containers"
	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

type HeapKind uint8

const (
	// Shader visible CBV/SRV/UAV descriptors.
	HeapResource HeapKind = iota
	HeapSampler
	HeapColorTarget
	HeapDepthTarget
	heapKindCount
)

func (k HeapKind) String() string {
	return hal.DescriptorHeapKind(k).String()
}

func (k HeapKind) halKind() hal.DescriptorHeapKind {
	return hal.DescriptorHeapKind(k)
}

// InvalidDescriptorIndex marks a slot that holds no descriptor.
const InvalidDescriptorIndex uint32 = 0xFFFFFF

// DescriptorSlot references one entry of one of the device's heaps.
type DescriptorSlot struct {
	Kind  HeapKind
	Index uint32
	live  bool
}

// InvalidSlot returns the unallocated sentinel for kind.
func InvalidSlot(kind HeapKind) DescriptorSlot {
	return DescriptorSlot{Kind: kind, Index: InvalidDescriptorIndex}
}

// IsValid reports whether the slot came from a successful allocation. The
// heap does not track whether it has been freed since.
func (s DescriptorSlot) IsValid() bool {
	return s.live && s.Index < InvalidDescriptorIndex
}

func (s DescriptorSlot) String() string {
	if !s.IsValid() {
		return fmt.Sprintf("%s:invalid", s.Kind)
	}
	return fmt.Sprintf("%s:%d", s.Kind, s.Index)
}

// DescriptorHeap is a fixed capacity slot pool with a FIFO free list. Freed
// indices go to the back of the list so reuse is delayed as long as possible.
type DescriptorHeap struct {
	kind      HeapKind
	raw       hal.DescriptorHeap
	capacity  uint32
	increment uint32

	mu   sync.Mutex
	free *containers.RingQueue[uint32]
	live []bool
}

func newDescriptorHeap(dev hal.Device, kind HeapKind, capacity uint32) (*DescriptorHeap, error) {
	if capacity == 0 || capacity >= InvalidDescriptorIndex {
		return nil, fmt.Errorf("%s heap capacity %d out of range", kind, capacity)
	}
	raw, err := dev.CreateDescriptorHeap(hal.DescriptorHeapDesc{Kind: kind.halKind(), Capacity: capacity})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s heap: %w", kind, err)
	}
	h := &DescriptorHeap{
		kind:      kind,
		raw:       raw,
		capacity:  capacity,
		increment: dev.DescriptorIncrement(kind.halKind()),
		free:      containers.NewRingQueue[uint32](int(capacity)),
		live:      make([]bool, capacity),
	}
	for i := uint32(0); i < capacity; i++ {
		_ = h.free.Enqueue(i)
	}
	return h, nil
}

// Alloc takes the oldest free index. When the heap is exhausted it returns the
// sentinel slot and core.ErrHeapExhausted.
func (h *DescriptorHeap) Alloc() (DescriptorSlot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	index, err := h.free.Dequeue()
	if err != nil {
		return InvalidSlot(h.kind), fmt.Errorf("%s heap (%d slots): %w", h.kind, h.capacity, core.ErrHeapExhausted)
	}
	h.live[index] = true
	return DescriptorSlot{Kind: h.kind, Index: index, live: true}, nil
}

// Free returns slot to the free list. Freeing a slot twice, or a slot of a
// different heap, fails with core.ErrDescriptorNotAllocated.
func (h *DescriptorHeap) Free(slot DescriptorSlot) error {
	if slot.Kind != h.kind || !slot.IsValid() || slot.Index >= h.capacity {
		return fmt.Errorf("%s heap free of %s: %w", h.kind, slot, core.ErrDescriptorNotAllocated)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.live[slot.Index] {
		return fmt.Errorf("%s heap free of %s: %w", h.kind, slot, core.ErrDescriptorNotAllocated)
	}
	h.live[slot.Index] = false
	return h.free.Enqueue(slot.Index)
}

func (h *DescriptorHeap) HandleCPU(slot DescriptorSlot) hal.CPUHandle {
	return h.raw.CPUStart().Offset(slot.Index, h.increment)
}

// HandleGPU returns zero for heaps that are not shader visible.
func (h *DescriptorHeap) HandleGPU(slot DescriptorSlot) hal.GPUHandle {
	start := h.raw.GPUStart()
	if start == 0 {
		return 0
	}
	return start.Offset(slot.Index, h.increment)
}

func (h *DescriptorHeap) Kind() HeapKind {
	return h.kind
}

func (h *DescriptorHeap) Capacity() uint32 {
	return h.capacity
}

// Available returns the number of free slots.
func (h *DescriptorHeap) Available() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.free.Len()
}

func (h *DescriptorHeap) Increment() uint32 {
	return h.increment
}

func (h *DescriptorHeap) Raw() hal.DescriptorHeap {
	return h.raw
}

func (h *DescriptorHeap) term() {
	if h.raw != nil {
		h.raw.Destroy()
		h.raw = nil
	}
}
