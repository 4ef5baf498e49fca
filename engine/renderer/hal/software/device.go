package software

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

// Descriptor sizes reported by DescriptorIncrement.
var descriptorIncrements = [hal.DescriptorHeapKindCount]uint32{
	hal.DescriptorHeapResource:    32,
	hal.DescriptorHeapSampler:     16,
	hal.DescriptorHeapColorTarget: 32,
	hal.DescriptorHeapDepthTarget: 32,
}

// Each descriptor heap owns a 4GiB window of handle space.
const heapHandleWindow = 1 << 32

// Device implements hal.Device on the CPU.
type Device struct {
	adapter hal.AdapterInfo
	desc    hal.DeviceDesc
	opts    driverOptions
	logger  *log.Logger

	mem *addressSpace

	heapMu   sync.RWMutex
	heaps    map[uint32]*descriptorHeap
	nextHeap uint32

	fenceMu sync.Mutex
	fences  map[*fence]struct{}

	accelMu    sync.Mutex
	accelCache map[hal.GPUAddress]*cachedAccel

	removed     atomic.Pointer[error]
	dispatchSeq atomic.Uint64
}

func newDevice(adapter hal.AdapterInfo, desc hal.DeviceDesc, opts driverOptions) *Device {
	logger := core.LogWith("software")
	if desc.EnableDebug {
		logger.SetLevel(log.DebugLevel)
	}
	d := &Device{
		adapter:    adapter,
		desc:       desc,
		opts:       opts,
		logger:     logger,
		mem:        newAddressSpace(),
		heaps:      make(map[uint32]*descriptorHeap),
		nextHeap:   1,
		fences:     make(map[*fence]struct{}),
		accelCache: make(map[hal.GPUAddress]*cachedAccel),
	}
	logger.Debug("device opened", "adapter", adapter.Name, "label", desc.Label)
	return d
}

func (d *Device) Adapter() hal.AdapterInfo {
	return d.adapter
}

// RemovedReason returns nil while the device is healthy.
func (d *Device) RemovedReason() error {
	if p := d.removed.Load(); p != nil {
		return *p
	}
	return nil
}

// Lose puts the device into the removed state. Every fence completes with
// math.MaxUint64 so blocked waiters wake up and observe the removal.
func (d *Device) Lose(reason error) {
	err := fmt.Errorf("%w: %w", hal.ErrDeviceRemoved, reason)
	if !d.removed.CompareAndSwap(nil, &err) {
		return
	}
	d.logger.Error("device removed", "reason", reason)

	d.fenceMu.Lock()
	fences := make([]*fence, 0, len(d.fences))
	for f := range d.fences {
		fences = append(fences, f)
	}
	d.fenceMu.Unlock()
	for _, f := range fences {
		f.set(math.MaxUint64)
	}
}

// reportError is called by queue executors when a command fails on the
// timeline. With break-on-error the device is removed, like a GPU fault.
func (d *Device) reportError(kind hal.QueueKind, err error) {
	if d.desc.EnableBreakOnError {
		d.Lose(fmt.Errorf("%s queue: %w", kind, err))
		return
	}
	d.logger.Error("command failed", "queue", kind, "err", err)
}

func (d *Device) warn(msg string, keyvals ...interface{}) {
	if d.desc.EnableBreakOnWarning {
		d.Lose(fmt.Errorf("%s", msg))
		return
	}
	d.logger.Warn(msg, keyvals...)
}

func (d *Device) CreateFence(initial uint64) (hal.Fence, error) {
	if err := d.RemovedReason(); err != nil {
		return nil, err
	}
	f := &fence{dev: d, value: initial}
	d.fenceMu.Lock()
	d.fences[f] = struct{}{}
	d.fenceMu.Unlock()
	return f, nil
}

func (d *Device) releaseFence(f *fence) {
	d.fenceMu.Lock()
	delete(d.fences, f)
	d.fenceMu.Unlock()
}

func (d *Device) CreateQueue(kind hal.QueueKind) (hal.Queue, error) {
	if err := d.RemovedReason(); err != nil {
		return nil, err
	}
	return newQueue(d, kind), nil
}

func (d *Device) CreateCommandAllocator(kind hal.QueueKind) (hal.CommandAllocator, error) {
	return &commandAllocator{kind: kind}, nil
}

func (d *Device) CreateCommandList(kind hal.QueueKind) (hal.CommandList, error) {
	return &commandList{dev: d, kind: kind, closed: true}, nil
}

func (d *Device) DescriptorIncrement(kind hal.DescriptorHeapKind) uint32 {
	if kind >= hal.DescriptorHeapKindCount {
		return 0
	}
	return descriptorIncrements[kind]
}

func (d *Device) CreateDescriptorHeap(desc hal.DescriptorHeapDesc) (hal.DescriptorHeap, error) {
	if desc.Kind >= hal.DescriptorHeapKindCount {
		return nil, fmt.Errorf("unknown descriptor heap kind %d", desc.Kind)
	}
	d.heapMu.Lock()
	defer d.heapMu.Unlock()
	id := d.nextHeap
	d.nextHeap++
	h := &descriptorHeap{
		dev:       d,
		id:        id,
		desc:      desc,
		increment: descriptorIncrements[desc.Kind],
		views:     make([]view, desc.Capacity),
	}
	d.heaps[id] = h
	return h, nil
}

// lookupDescriptor resolves a CPU or GPU handle (they share the layout) to
// the view stored in its heap.
func (d *Device) lookupDescriptor(handle uint64) (*descriptorHeap, uint32, error) {
	id := uint32(handle >> 32)
	d.heapMu.RLock()
	h, ok := d.heaps[id]
	d.heapMu.RUnlock()
	if !ok {
		return nil, 0, fmt.Errorf("descriptor handle %#x does not belong to a live heap", handle)
	}
	offset := uint32(handle & (heapHandleWindow - 1))
	if offset%h.increment != 0 {
		return nil, 0, fmt.Errorf("descriptor handle %#x is not aligned to %d", handle, h.increment)
	}
	index := offset / h.increment
	if index >= h.desc.Capacity {
		return nil, 0, fmt.Errorf("descriptor index %d out of range (capacity %d)", index, h.desc.Capacity)
	}
	return h, index, nil
}

func (d *Device) CreateView(desc hal.ViewDesc, dst hal.CPUHandle) error {
	h, index, err := d.lookupDescriptor(uint64(dst))
	if err != nil {
		return err
	}
	v := view{kind: desc.Kind, addr: desc.Address, size: desc.Size}
	switch desc.Kind {
	case hal.ViewUnorderedAccess, hal.ViewShaderResource:
		if desc.Texture != nil {
			tex, ok := desc.Texture.(*texture)
			if !ok {
				return fmt.Errorf("texture %s was not created by the software driver", desc.Texture.Label())
			}
			if desc.Kind == hal.ViewUnorderedAccess && !tex.desc.AllowUAV {
				return fmt.Errorf("texture %s does not allow unordered access", tex.Label())
			}
			v.tex = tex
		} else if desc.Buffer != nil {
			v.addr = desc.Buffer.GPUAddress()
			v.size = desc.Buffer.Desc().Size
		}
	case hal.ViewAccelerationStructure, hal.ViewConstantBuffer:
		if _, _, err := d.mem.resolve(desc.Address, 1); err != nil {
			return err
		}
	}
	h.mu.Lock()
	h.views[index] = v
	h.mu.Unlock()
	return nil
}

func (d *Device) CreateRootSignature(desc hal.RootSignatureDesc) (hal.RootSignature, error) {
	for i, p := range desc.Parameters {
		if p.Kind == hal.RootTable && len(p.Ranges) == 0 {
			return nil, fmt.Errorf("root parameter %d is a table without ranges", i)
		}
	}
	return &rootSignature{desc: desc}, nil
}

func (d *Device) Destroy() {
	d.heapMu.Lock()
	d.heaps = make(map[uint32]*descriptorHeap)
	d.heapMu.Unlock()
	d.accelMu.Lock()
	d.accelCache = make(map[hal.GPUAddress]*cachedAccel)
	d.accelMu.Unlock()
	d.logger.Debug("device destroyed", "live_allocations", d.mem.count())
}

type view struct {
	kind hal.ViewKind
	tex  *texture
	addr hal.GPUAddress
	size uint64
}

type descriptorHeap struct {
	dev       *Device
	id        uint32
	desc      hal.DescriptorHeapDesc
	increment uint32

	mu    sync.RWMutex
	views []view
}

func (h *descriptorHeap) Desc() hal.DescriptorHeapDesc {
	return h.desc
}

func (h *descriptorHeap) CPUStart() hal.CPUHandle {
	return hal.CPUHandle(uint64(h.id) << 32)
}

func (h *descriptorHeap) GPUStart() hal.GPUHandle {
	if !h.desc.Kind.ShaderVisible() {
		return 0
	}
	return hal.GPUHandle(uint64(h.id) << 32)
}

func (h *descriptorHeap) viewAt(index uint32) view {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.views[index]
}

func (h *descriptorHeap) Destroy() {
	h.dev.heapMu.Lock()
	delete(h.dev.heaps, h.id)
	h.dev.heapMu.Unlock()
}

type rootSignature struct {
	desc hal.RootSignatureDesc
}

func (r *rootSignature) Destroy() {}
