package gfx

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/rtcore/engine/config"
	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

// Device owns the HAL device, the four descriptor heaps and the graphics,
// compute and copy queues. It is created once and passed to every component
// that needs GPU services.
type Device struct {
	cfg     config.DeviceConfig
	driver  hal.Driver
	adapter hal.AdapterInfo
	raw     hal.Device

	heaps  [heapKindCount]*DescriptorHeap
	queues [3]*CommandQueue

	initialized bool
}

func NewDevice() *Device {
	return &Device{}
}

// Init opens the configured driver and creates heaps and queues. Calling it
// again on an initialized device is a no-op. On failure everything created
// so far is released.
func (d *Device) Init(cfg config.DeviceConfig) error {
	if d.initialized {
		return nil
	}
	if err := d.init(cfg); err != nil {
		core.LogError("failed to initialize device on driver %q: %s", cfg.Driver, err)
		d.release()
		return err
	}
	d.initialized = true
	core.LogInfo("device initialized on %s (%s, %v, shader model %d.%d)",
		d.adapter.Name, d.driver.Name(), d.adapter.DeviceType, d.adapter.ShaderModel>>4, d.adapter.ShaderModel&0xF)
	return nil
}

func (d *Device) init(cfg config.DeviceConfig) error {
	d.cfg = cfg
	drv, err := hal.Get(cfg.Driver)
	if err != nil {
		return err
	}
	d.driver = drv

	adapters, err := drv.EnumerateAdapters()
	if err != nil {
		return fmt.Errorf("failed to enumerate adapters: %w", err)
	}
	pref, err := cfg.Power()
	if err != nil {
		return err
	}
	adapter, err := SelectAdapter(adapters, cfg.Adapter, pref)
	if err != nil {
		return err
	}
	if adapter.RayTracingTier == hal.RayTracingNotSupported {
		return fmt.Errorf("%s: %w", adapter.Name, core.ErrRayTracingUnsupported)
	}
	if need := hal.ShaderModelFromDecimal(cfg.MinShaderModel); adapter.ShaderModel < need {
		return fmt.Errorf("%s reports shader model %#x, need %#x: %w", adapter.Name, adapter.ShaderModel, need, core.ErrShaderModelUnsupported)
	}
	d.adapter = adapter

	raw, err := drv.Open(adapter, hal.DeviceDesc{
		Label:                "rtcore",
		EnableDebug:          cfg.EnableDebug,
		EnableDRED:           cfg.EnableDRED,
		EnableCapture:        cfg.EnableCapture,
		EnableBreakOnWarning: cfg.EnableBreakOnWarning,
		EnableBreakOnError:   cfg.EnableBreakOnError,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", adapter.Name, err)
	}
	d.raw = raw

	capacities := [heapKindCount]uint32{
		HeapResource:    cfg.MaxShaderResourceCount,
		HeapSampler:     cfg.MaxSamplerCount,
		HeapColorTarget: cfg.MaxColorTargetCount,
		HeapDepthTarget: cfg.MaxDepthTargetCount,
	}
	for kind, capacity := range capacities {
		h, err := newDescriptorHeap(raw, HeapKind(kind), capacity)
		if err != nil {
			return err
		}
		d.heaps[kind] = h
	}

	for _, kind := range []hal.QueueKind{hal.QueueGraphics, hal.QueueCompute, hal.QueueCopy} {
		q, err := newCommandQueue(raw, kind)
		if err != nil {
			return err
		}
		d.queues[kind] = q
	}
	return nil
}

// SelectAdapter filters adapters by a case-insensitive name substring and
// ranks the rest by power preference.
func SelectAdapter(adapters []hal.AdapterInfo, name string, pref gputypes.PowerPreference) (hal.AdapterInfo, error) {
	rank := func(t gputypes.DeviceType) int {
		order := []gputypes.DeviceType{
			gputypes.DeviceTypeDiscreteGPU,
			gputypes.DeviceTypeIntegratedGPU,
			gputypes.DeviceTypeVirtualGPU,
			gputypes.DeviceTypeOther,
			gputypes.DeviceTypeCPU,
		}
		if pref == gputypes.PowerPreferenceLowPower {
			order[0], order[1] = order[1], order[0]
		}
		for i, o := range order {
			if o == t {
				return i
			}
		}
		return len(order)
	}

	best := -1
	for i, a := range adapters {
		if name != "" && !strings.Contains(strings.ToLower(a.Name), strings.ToLower(name)) {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		if pref != gputypes.PowerPreferenceNone && rank(a.DeviceType) < rank(adapters[best].DeviceType) {
			best = i
		}
	}
	if best < 0 {
		if name != "" {
			return hal.AdapterInfo{}, fmt.Errorf("%w matching %q", hal.ErrNoAdapter, name)
		}
		return hal.AdapterInfo{}, hal.ErrNoAdapter
	}
	return adapters[best], nil
}

// Term drains every queue and releases queues, heaps and the device.
// Terminating an uninitialized device does nothing.
func (d *Device) Term() {
	if !d.initialized {
		return
	}
	if err := d.WaitIdle(); err != nil {
		core.LogWarn("device did not drain cleanly: %s", err)
	}
	d.release()
	d.initialized = false
	core.LogInfo("device terminated")
}

func (d *Device) release() {
	for i, q := range d.queues {
		if q != nil {
			q.term()
			d.queues[i] = nil
		}
	}
	for i, h := range d.heaps {
		if h != nil {
			h.term()
			d.heaps[i] = nil
		}
	}
	if d.raw != nil {
		d.raw.Destroy()
		d.raw = nil
	}
}

// WaitIdle signals every queue and blocks until all of them drained.
func (d *Device) WaitIdle() error {
	var errs []error
	for _, q := range d.queues {
		if q == nil {
			continue
		}
		wp, err := q.Signal()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := q.Sync(wp, d.SyncTimeout()); err != nil {
			errs = append(errs, fmt.Errorf("%s queue: %w", q.Kind(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Device) IsInitialized() bool {
	return d.initialized
}

// SyncTimeout is the configured bound for render loop CPU waits.
func (d *Device) SyncTimeout() time.Duration {
	if d.cfg.SyncTimeout.Duration <= 0 {
		return hal.Infinite
	}
	return d.cfg.SyncTimeout.Duration
}

func (d *Device) Raw() hal.Device {
	return d.raw
}

func (d *Device) Adapter() hal.AdapterInfo {
	return d.adapter
}

func (d *Device) Config() config.DeviceConfig {
	return d.cfg
}

// Lost returns the device removal reason mapped to core.ErrDeviceLost, or nil.
func (d *Device) Lost() error {
	if d.raw == nil {
		return nil
	}
	return deviceError(d.raw.RemovedReason())
}

func (d *Device) Heap(kind HeapKind) *DescriptorHeap {
	if kind >= heapKindCount {
		return nil
	}
	return d.heaps[kind]
}

func (d *Device) AllocDescriptor(kind HeapKind) (DescriptorSlot, error) {
	h := d.Heap(kind)
	if h == nil {
		return InvalidSlot(kind), core.ErrNotInitialized
	}
	slot, err := h.Alloc()
	if err != nil {
		core.LogError("%s", err)
	}
	return slot, err
}

func (d *Device) FreeDescriptor(slot DescriptorSlot) error {
	h := d.Heap(slot.Kind)
	if h == nil {
		return core.ErrNotInitialized
	}
	return h.Free(slot)
}

func (d *Device) HandleCPU(slot DescriptorSlot) hal.CPUHandle {
	return d.heaps[slot.Kind].HandleCPU(slot)
}

func (d *Device) HandleGPU(slot DescriptorSlot) hal.GPUHandle {
	return d.heaps[slot.Kind].HandleGPU(slot)
}

// SetDescriptorHeaps binds the shader visible heaps on list.
func (d *Device) SetDescriptorHeaps(list *CommandList) {
	list.Raw().SetDescriptorHeaps(d.heaps[HeapResource].Raw(), d.heaps[HeapSampler].Raw())
}

func (d *Device) GraphicsQueue() *CommandQueue {
	return d.queues[hal.QueueGraphics]
}

func (d *Device) ComputeQueue() *CommandQueue {
	return d.queues[hal.QueueCompute]
}

func (d *Device) CopyQueue() *CommandQueue {
	return d.queues[hal.QueueCopy]
}

func (d *Device) Queue(kind hal.QueueKind) *CommandQueue {
	if int(kind) >= len(d.queues) {
		return nil
	}
	return d.queues[kind]
}

// CreateView allocates a resource heap slot and writes desc into it.
func (d *Device) CreateView(desc hal.ViewDesc) (DescriptorSlot, error) {
	slot, err := d.AllocDescriptor(HeapResource)
	if err != nil {
		return slot, err
	}
	if err := d.raw.CreateView(desc, d.HandleCPU(slot)); err != nil {
		_ = d.FreeDescriptor(slot)
		return InvalidSlot(HeapResource), fmt.Errorf("failed to create view: %w", deviceError(err))
	}
	return slot, nil
}

func (d *Device) CreateUnorderedAccessView(tex hal.Texture) (DescriptorSlot, error) {
	return d.CreateView(hal.ViewDesc{Kind: hal.ViewUnorderedAccess, Texture: tex})
}

func (d *Device) CreateShaderResourceView(tex hal.Texture) (DescriptorSlot, error) {
	return d.CreateView(hal.ViewDesc{Kind: hal.ViewShaderResource, Texture: tex})
}
