package gfx

import (
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/rtcore/engine/config"
	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal/software"
)

func init() {
	hal.Register("software-no-rt", func() hal.Driver {
		return software.NewDriver(software.WithRayTracingTier(hal.RayTracingNotSupported))
	})
	hal.Register("software-sm65", func() hal.Driver {
		return software.NewDriver(software.WithShaderModel(0x65))
	})
}

func testConfig() config.DeviceConfig {
	cfg := config.Default().Device
	cfg.Driver = software.DriverName
	cfg.MaxShaderResourceCount = 16
	cfg.MaxSamplerCount = 4
	cfg.MaxColorTargetCount = 4
	cfg.MaxDepthTargetCount = 4
	cfg.SyncTimeout = config.Duration{Duration: 5 * time.Second}
	return cfg
}

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	dev := NewDevice()
	if err := dev.Init(testConfig()); err != nil {
		t.Fatalf("device init: %v", err)
	}
	t.Cleanup(dev.Term)
	return dev
}

// submit resets list, records into it and blocks until q retired it.
func submit(t *testing.T, dev *Device, list *CommandList, q *CommandQueue, record func(*CommandList)) {
	t.Helper()
	if err := list.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	record(list)
	if err := list.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := q.Execute(list); err != nil {
		t.Fatalf("execute: %v", err)
	}
	wp, err := q.Signal()
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := q.Sync(wp, dev.SyncTimeout()); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestDeviceInit(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		want   error
	}{
		{name: "software", driver: software.DriverName},
		{name: "no ray tracing", driver: "software-no-rt", want: core.ErrRayTracingUnsupported},
		{name: "old shader model", driver: "software-sm65", want: core.ErrShaderModelUnsupported},
		{name: "unknown driver", driver: "d3d12", want: hal.ErrDriverNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Driver = tt.driver
			dev := NewDevice()
			err := dev.Init(cfg)
			defer dev.Term()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if !dev.IsInitialized() || dev.GraphicsQueue() == nil || dev.CopyQueue() == nil {
					t.Fatalf("expected an initialized device with queues")
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v; got %v", tt.want, err)
			}
			if dev.IsInitialized() || dev.Raw() != nil {
				t.Fatalf("expected partial state to be released")
			}
		})
	}
}

func TestDeviceInitIsIdempotent(t *testing.T) {
	dev := newTestDevice(t)
	q := dev.ComputeQueue()
	if err := dev.Init(testConfig()); err != nil {
		t.Fatalf("second init: %v", err)
	}
	if dev.ComputeQueue() != q {
		t.Fatalf("second init recreated the queues")
	}
}

func TestSelectAdapter(t *testing.T) {
	adapters := []hal.AdapterInfo{
		{AdapterInfo: gputypes.AdapterInfo{Name: "Integrated 610", DeviceType: gputypes.DeviceTypeIntegratedGPU}},
		{AdapterInfo: gputypes.AdapterInfo{Name: "Discrete 4090", DeviceType: gputypes.DeviceTypeDiscreteGPU}},
		{AdapterInfo: gputypes.AdapterInfo{Name: "CPU tracer", DeviceType: gputypes.DeviceTypeCPU}},
	}
	tests := []struct {
		name   string
		filter string
		pref   gputypes.PowerPreference
		want   string
	}{
		{name: "high performance", pref: gputypes.PowerPreferenceHighPerformance, want: "Discrete 4090"},
		{name: "low power", pref: gputypes.PowerPreferenceLowPower, want: "Integrated 610"},
		{name: "no preference keeps order", pref: gputypes.PowerPreferenceNone, want: "Integrated 610"},
		{name: "name filter", filter: "cpu", pref: gputypes.PowerPreferenceHighPerformance, want: "CPU tracer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectAdapter(adapters, tt.filter, tt.pref)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Name != tt.want {
				t.Fatalf("expected %q; got %q", tt.want, got.Name)
			}
		})
	}
	if _, err := SelectAdapter(adapters, "missing", gputypes.PowerPreferenceNone); !errors.Is(err, hal.ErrNoAdapter) {
		t.Fatalf("expected ErrNoAdapter; got %v", err)
	}
}

func TestSignalValuesIncrease(t *testing.T) {
	dev := newTestDevice(t)
	q := dev.GraphicsQueue()

	var zero WaitPoint
	if zero.IsValid() {
		t.Fatalf("zero wait point must be invalid")
	}
	if err := q.Sync(zero, time.Second); err != nil {
		t.Fatalf("sync on an idle queue: %v", err)
	}

	last := uint64(0)
	for i := 0; i < 8; i++ {
		wp, err := q.Signal()
		if err != nil {
			t.Fatalf("signal: %v", err)
		}
		if !wp.IsValid() {
			t.Fatalf("signalled wait point must be valid")
		}
		if wp.Value() <= last {
			t.Fatalf("signal %d returned %d after %d", i, wp.Value(), last)
		}
		last = wp.Value()
	}
	if q.NextValue() != last+1 {
		t.Fatalf("expected next value %d; got %d", last+1, q.NextValue())
	}
}

func TestSyncTimeout(t *testing.T) {
	dev := newTestDevice(t)
	gate, err := newFence(dev.Raw())
	if err != nil {
		t.Fatalf("fence: %v", err)
	}
	defer gate.term()

	q := dev.ComputeQueue()
	list, err := NewCommandList(dev, hal.QueueCompute)
	if err != nil {
		t.Fatalf("command list: %v", err)
	}
	defer list.Term()
	if err := list.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := list.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The queue stalls until the gate opens.
	if err := q.Wait(WaitPoint{value: 1, fence: gate}); err != nil {
		t.Fatalf("gpu wait: %v", err)
	}
	if err := q.Execute(list); err != nil {
		t.Fatalf("execute: %v", err)
	}
	wp, err := q.Signal()
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := q.Sync(wp, 20*time.Millisecond); !errors.Is(err, core.ErrTimeout) {
		t.Fatalf("expected ErrTimeout; got %v", err)
	}
	if wp.Reached() {
		t.Fatalf("wait point reached while the queue is stalled")
	}

	if err := gate.Raw().Signal(1); err != nil {
		t.Fatalf("open gate: %v", err)
	}
	if err := q.Sync(wp, 5*time.Second); err != nil {
		t.Fatalf("sync after gate: %v", err)
	}
}

func TestDescriptorHeap(t *testing.T) {
	dev := newTestDevice(t)
	capacity := dev.Heap(HeapResource).Capacity()

	seen := make(map[uint32]bool)
	slots := make([]DescriptorSlot, 0, capacity)
	for i := uint32(0); i < capacity; i++ {
		s, err := dev.AllocDescriptor(HeapResource)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if seen[s.Index] {
			t.Fatalf("index %d handed out twice", s.Index)
		}
		seen[s.Index] = true
		slots = append(slots, s)
	}

	s, err := dev.AllocDescriptor(HeapResource)
	if !errors.Is(err, core.ErrHeapExhausted) {
		t.Fatalf("expected ErrHeapExhausted; got %v", err)
	}
	if s.IsValid() || s.Index != InvalidDescriptorIndex {
		t.Fatalf("expected the sentinel slot; got %s", s)
	}

	if err := dev.FreeDescriptor(slots[3]); err != nil {
		t.Fatalf("free: %v", err)
	}
	if err := dev.FreeDescriptor(slots[3]); !errors.Is(err, core.ErrDescriptorNotAllocated) {
		t.Fatalf("expected double free to fail; got %v", err)
	}
	if err := dev.FreeDescriptor(InvalidSlot(HeapResource)); !errors.Is(err, core.ErrDescriptorNotAllocated) {
		t.Fatalf("expected sentinel free to fail; got %v", err)
	}

	s, err = dev.AllocDescriptor(HeapResource)
	if err != nil || s.Index != slots[3].Index {
		t.Fatalf("expected the freed index %d back; got %s (%v)", slots[3].Index, s, err)
	}

	heap := dev.Heap(HeapResource)
	if got := dev.HandleCPU(s); got != heap.Raw().CPUStart().Offset(s.Index, heap.Increment()) {
		t.Fatalf("unexpected cpu handle %#x", got)
	}
	if dev.HandleGPU(s) == 0 {
		t.Fatalf("resource heap must be shader visible")
	}
	rtv, err := dev.AllocDescriptor(HeapColorTarget)
	if err != nil {
		t.Fatalf("color target alloc: %v", err)
	}
	if dev.HandleGPU(rtv) != 0 {
		t.Fatalf("color target heap must not be shader visible")
	}
}

func TestCommandListIndexAlternates(t *testing.T) {
	dev := newTestDevice(t)
	list, err := NewCommandList(dev, hal.QueueGraphics)
	if err != nil {
		t.Fatalf("command list: %v", err)
	}
	defer list.Term()

	want := []int{0, 1, 0, 1, 0}
	for i, w := range want {
		submit(t, dev, list, dev.GraphicsQueue(), func(*CommandList) {})
		if list.Index() != w {
			t.Fatalf("reset %d: expected index %d; got %d", i, w, list.Index())
		}
	}
}

func TestCommandListAllocatorInUse(t *testing.T) {
	dev := newTestDevice(t)
	gate, err := newFence(dev.Raw())
	if err != nil {
		t.Fatalf("fence: %v", err)
	}
	defer gate.term()
	q := dev.ComputeQueue()
	list, err := NewCommandList(dev, hal.QueueCompute)
	if err != nil {
		t.Fatalf("command list: %v", err)
	}
	defer list.Term()

	if err := q.Wait(WaitPoint{value: 1, fence: gate}); err != nil {
		t.Fatalf("gpu wait: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := list.Reset(); err != nil {
			t.Fatalf("reset %d: %v", i, err)
		}
		if err := list.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		if err := q.Execute(list); err != nil {
			t.Fatalf("execute: %v", err)
		}
	}
	// Both allocators are in flight behind the gate.
	for i := 0; i < 2; i++ {
		if err := list.Reset(); !errors.Is(err, hal.ErrAllocatorInUse) {
			t.Fatalf("attempt %d: expected ErrAllocatorInUse; got %v", i, err)
		}
		if list.Index() != 1 {
			t.Fatalf("attempt %d: expected a failed reset to keep index 1; got %d", i, list.Index())
		}
	}
	if err := gate.Raw().Signal(1); err != nil {
		t.Fatalf("open gate: %v", err)
	}
	wp, _ := q.Signal()
	if err := q.Sync(wp, 5*time.Second); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := list.Reset(); err != nil {
		t.Fatalf("reset after the gate opened: %v", err)
	}
	if list.Index() != 0 {
		t.Fatalf("expected the retired buffer 0 after recovery; got %d", list.Index())
	}
	if err := list.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDeviceLost(t *testing.T) {
	dev := newTestDevice(t)
	q := dev.GraphicsQueue()
	if _, err := q.Signal(); err != nil {
		t.Fatalf("signal: %v", err)
	}

	loser, ok := dev.Raw().(interface{ Lose(error) })
	if !ok {
		t.Fatalf("software device cannot be lost")
	}
	loser.Lose(errors.New("page fault"))

	before := q.NextValue()
	wp, err := q.Signal()
	if !errors.Is(err, core.ErrDeviceLost) || !errors.Is(err, hal.ErrDeviceRemoved) {
		t.Fatalf("expected ErrDeviceLost wrapping ErrDeviceRemoved; got %v", err)
	}
	if wp.IsValid() {
		t.Fatalf("failed signal must return an invalid wait point")
	}
	if q.NextValue() != before {
		t.Fatalf("failed signal advanced the counter")
	}
	if !errors.Is(dev.Lost(), core.ErrDeviceLost) {
		t.Fatalf("expected Lost to report the removal; got %v", dev.Lost())
	}
}

func TestConstantBufferSwap(t *testing.T) {
	dev := newTestDevice(t)
	cb, err := NewConstantBuffer(dev, "params", 100)
	if err != nil {
		t.Fatalf("constant buffer: %v", err)
	}
	defer cb.Term()

	if cb.Size() != ConstantBufferAlignment {
		t.Fatalf("expected size %d; got %d", ConstantBufferAlignment, cb.Size())
	}
	first := cb.GPUAddress()
	if err := cb.Update([]byte{1, 2, 3}); err != nil {
		t.Fatalf("update: %v", err)
	}
	cb.SwapBuffer()
	second := cb.GPUAddress()
	if second-first != hal.GPUAddress(cb.Size()) {
		t.Fatalf("expected halves %d bytes apart; got %#x and %#x", cb.Size(), first, second)
	}
	if cb.Bytes()[0] != 0 {
		t.Fatalf("second half must be untouched")
	}
	cb.SwapBuffer()
	if cb.Bytes()[2] != 3 {
		t.Fatalf("first half lost its data")
	}
	if err := cb.Update(make([]byte, 300)); err == nil {
		t.Fatalf("expected oversized update to fail")
	}
}
