package software

import (
	"encoding/binary"
	"errors"
	m "math"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

// rig is a device plus one compute queue with a blocking submit helper.
type rig struct {
	t     *testing.T
	dev   *Device
	q     hal.Queue
	alloc hal.CommandAllocator
	list  hal.CommandList
	fence hal.Fence
	value uint64
}

func openDevice(t *testing.T, desc hal.DeviceDesc, opts ...Option) *Device {
	t.Helper()
	drv := NewDriver(opts...)
	adapters, err := drv.EnumerateAdapters()
	if err != nil || len(adapters) == 0 {
		t.Fatalf("no adapters (%v)", err)
	}
	d, err := drv.Open(adapters[0], desc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(d.Destroy)
	return d.(*Device)
}

func newRig(t *testing.T, desc hal.DeviceDesc, opts ...Option) *rig {
	t.Helper()
	dev := openDevice(t, desc, opts...)
	r := &rig{t: t, dev: dev}
	var err error
	if r.q, err = dev.CreateQueue(hal.QueueCompute); err != nil {
		t.Fatalf("queue: %v", err)
	}
	t.Cleanup(r.q.Destroy)
	r.alloc, _ = dev.CreateCommandAllocator(hal.QueueCompute)
	r.list, _ = dev.CreateCommandList(hal.QueueCompute)
	if r.fence, err = dev.CreateFence(0); err != nil {
		t.Fatalf("fence: %v", err)
	}
	return r
}

// submit records, executes and blocks until the queue drained the list.
func (r *rig) submit(record func(l hal.CommandList)) error {
	r.t.Helper()
	if err := r.alloc.Reset(); err != nil {
		r.t.Fatalf("allocator reset: %v", err)
	}
	if err := r.list.Reset(r.alloc); err != nil {
		r.t.Fatalf("list reset: %v", err)
	}
	record(r.list)
	if err := r.list.Close(); err != nil {
		return err
	}
	if err := r.q.Execute(r.list); err != nil {
		return err
	}
	r.value++
	if err := r.q.Signal(r.fence, r.value); err != nil {
		return err
	}
	return r.fence.Wait(r.value, 5*time.Second)
}

func (r *rig) upload(data []byte) hal.Buffer {
	r.t.Helper()
	b, err := r.dev.CreateBuffer(hal.BufferDesc{Size: uint64(len(data)), Heap: hal.HeapUpload, Usage: gputypes.BufferUsageMapWrite})
	if err != nil {
		r.t.Fatalf("upload buffer: %v", err)
	}
	p, err := b.Map()
	if err != nil {
		r.t.Fatalf("map: %v", err)
	}
	copy(p, data)
	b.Unmap()
	return b
}

func f32bytes(vs ...float32) []byte {
	out := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(out[i*4:], m.Float32bits(v))
	}
	return out
}

func u16bytes(vs ...uint16) []byte {
	out := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint16(out[i*2:], v)
	}
	return out
}

func TestFenceWait(t *testing.T) {
	dev := openDevice(t, hal.DeviceDesc{})
	f, err := dev.CreateFence(1)
	if err != nil {
		t.Fatalf("fence: %v", err)
	}
	if err := f.Wait(1, 0); err != nil {
		t.Fatalf("expected an already reached value to return; got %v", err)
	}
	if err := f.Wait(2, 10*time.Millisecond); !errors.Is(err, hal.ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout; got %v", err)
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = f.Signal(3)
	}()
	if err := f.Wait(2, hal.Infinite); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	// Completed values never move backwards.
	_ = f.Signal(1)
	if v := f.CompletedValue(); v != 3 {
		t.Fatalf("expected 3; got %d", v)
	}
}

func TestFenceWaitReachedNeverTimesOut(t *testing.T) {
	dev := openDevice(t, hal.DeviceDesc{})
	f, err := dev.CreateFence(5)
	if err != nil {
		t.Fatalf("fence: %v", err)
	}
	for _, timeout := range []time.Duration{0, time.Nanosecond, time.Microsecond} {
		for i := 0; i < 1000; i++ {
			if err := f.Wait(5, timeout); err != nil {
				t.Fatalf("timeout %v, attempt %d: expected a reached value to return nil; got %v", timeout, i, err)
			}
			if err := f.Wait(4, timeout); err != nil {
				t.Fatalf("timeout %v, attempt %d: expected a passed value to return nil; got %v", timeout, i, err)
			}
		}
	}
}

func TestQueueCrossWait(t *testing.T) {
	dev := openDevice(t, hal.DeviceDesc{})
	producer, _ := dev.CreateQueue(hal.QueueCopy)
	consumer, _ := dev.CreateQueue(hal.QueueCompute)
	defer producer.Destroy()
	defer consumer.Destroy()

	gate, _ := dev.CreateFence(0)
	done, _ := dev.CreateFence(0)
	if err := consumer.Wait(gate, 1); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := consumer.Signal(done, 1); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := done.Wait(1, 20*time.Millisecond); !errors.Is(err, hal.ErrWaitTimeout) {
		t.Fatalf("expected the consumer to block on the gate; got %v", err)
	}
	if err := producer.Signal(gate, 1); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if err := done.Wait(1, 5*time.Second); err != nil {
		t.Fatalf("expected the consumer to resume; got %v", err)
	}
}

func TestCopyOrdering(t *testing.T) {
	r := newRig(t, hal.DeviceDesc{})
	src := r.upload([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	mid, _ := r.dev.CreateBuffer(hal.BufferDesc{Size: 8, Heap: hal.HeapDefault})
	dst, _ := r.dev.CreateBuffer(hal.BufferDesc{Size: 8, Heap: hal.HeapReadback})

	err := r.submit(func(l hal.CommandList) {
		l.CopyBufferRegion(mid, 0, src, 4, 4)
		l.CopyBufferRegion(mid, 4, src, 0, 4)
		l.CopyBufferRegion(dst, 0, mid, 0, 8)
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := dst.Map()
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	defer dst.Unmap()
	want := []byte{5, 6, 7, 8, 1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v; got %v", want, got)
		}
	}
	if _, err := mid.Map(); !errors.Is(err, hal.ErrNotMappable) {
		t.Fatalf("expected default heap buffers to be unmappable; got %v", err)
	}
}

func TestTextureUploadRequiresCopyDest(t *testing.T) {
	r := newRig(t, hal.DeviceDesc{})
	desc := hal.TextureDesc{Width: 3, Height: 2, Format: gputypes.TextureFormatRGBA8Unorm, InitialState: hal.StateCopyDest}
	tex, err := r.dev.CreateTexture(desc)
	if err != nil {
		t.Fatalf("texture: %v", err)
	}
	fp, err := r.dev.CopyableFootprint(desc)
	if err != nil {
		t.Fatalf("footprint: %v", err)
	}
	padded := make([]byte, fp.TotalSize)
	for y := uint64(0); y < 2; y++ {
		for x := uint64(0); x < fp.RowSize; x++ {
			padded[y*uint64(fp.Layout.RowPitch)+x] = byte(1 + y*fp.RowSize + x)
		}
	}
	src := r.upload(padded)

	// A texture outside the copy destination state rejects the upload.
	err = r.submit(func(l hal.CommandList) {
		l.ResourceBarrier(hal.TransitionBarrier(tex, hal.StateCopyDest, hal.StateCopySource))
		l.CopyBufferToTexture(tex, src, fp.Layout)
	})
	if !errors.Is(err, hal.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState; got %v", err)
	}
}

func TestTextureUploadThenReadback(t *testing.T) {
	r := newRig(t, hal.DeviceDesc{})
	desc := hal.TextureDesc{Width: 3, Height: 2, Format: gputypes.TextureFormatRGBA8Unorm, InitialState: hal.StateCopyDest}
	tex, err := r.dev.CreateTexture(desc)
	if err != nil {
		t.Fatalf("texture: %v", err)
	}
	fp, _ := r.dev.CopyableFootprint(desc)
	padded := make([]byte, fp.TotalSize)
	for y := uint64(0); y < 2; y++ {
		for x := uint64(0); x < fp.RowSize; x++ {
			padded[y*uint64(fp.Layout.RowPitch)+x] = byte(1 + y*fp.RowSize + x)
		}
	}
	src := r.upload(padded)
	dst, _ := r.dev.CreateBuffer(hal.BufferDesc{Size: fp.TotalSize, Heap: hal.HeapReadback})

	err = r.submit(func(l hal.CommandList) {
		l.CopyBufferToTexture(tex, src, fp.Layout)
		l.ResourceBarrier(hal.TransitionBarrier(tex, hal.StateCopyDest, hal.StateCopySource))
		l.CopyTextureToBuffer(dst, fp.Layout, tex)
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, err := dst.Map()
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	defer dst.Unmap()
	for i := range padded {
		if got[i] != padded[i] {
			t.Fatalf("byte %d: expected %d; got %d", i, padded[i], got[i])
		}
	}
}

func TestAllocatorInUse(t *testing.T) {
	dev := openDevice(t, hal.DeviceDesc{})
	q, _ := dev.CreateQueue(hal.QueueCompute)
	defer q.Destroy()
	alloc, _ := dev.CreateCommandAllocator(hal.QueueCompute)
	list, _ := dev.CreateCommandList(hal.QueueCompute)
	gate, _ := dev.CreateFence(0)
	done, _ := dev.CreateFence(0)

	if err := list.Reset(alloc); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := list.Reset(alloc); !errors.Is(err, hal.ErrListOpen) {
		t.Fatalf("expected ErrListOpen; got %v", err)
	}
	if err := list.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = q.Wait(gate, 1)
	if err := q.Execute(list); err != nil {
		t.Fatalf("execute: %v", err)
	}
	_ = q.Signal(done, 1)

	if err := alloc.Reset(); !errors.Is(err, hal.ErrAllocatorInUse) {
		t.Fatalf("expected ErrAllocatorInUse; got %v", err)
	}
	_ = gate.Signal(1)
	if err := done.Wait(1, 5*time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := alloc.Reset(); err != nil {
		t.Fatalf("expected the allocator to be free after retirement; got %v", err)
	}
}

func TestBuildBVH(t *testing.T) {
	tests := []struct {
		name  string
		count int
	}{
		{"empty", 0},
		{"single", 1},
		{"leaf", 2},
		{"serial", 100},
		{"parallel", 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := math.NewRandom(7)
			prims := make([]bvhPrimitive, tt.count)
			for i := range prims {
				c := math.NewVec3(rng.Float32()*100, rng.Float32()*100, rng.Float32()*100)
				b := math.Extents3D{Min: c.Sub(math.NewVec3One()), Max: c.Add(math.NewVec3One())}
				prims[i] = bvhPrimitive{bounds: b, center: c, index: uint32(i)}
			}
			nodes, order := buildBVH(prims)
			if len(order) != tt.count {
				t.Fatalf("expected %d ordered primitives; got %d", tt.count, len(order))
			}
			seen := make(map[uint32]bool, tt.count)
			for _, idx := range order {
				if seen[idx] {
					t.Fatalf("primitive %d appears twice", idx)
				}
				seen[idx] = true
			}
			if tt.count == 0 {
				return
			}
			if len(nodes) > 2*tt.count-1 {
				t.Fatalf("expected at most %d nodes; got %d", 2*tt.count-1, len(nodes))
			}
			// Every leaf primitive must sit inside its leaf bounds and every
			// primitive must be reachable exactly once.
			reached := 0
			var walk func(i uint32)
			walk = func(i uint32) {
				n := nodes[i]
				if !n.isLeaf() {
					walk(n.first)
					walk(n.first + 1)
					return
				}
				for k := n.first; k < n.first+n.count; k++ {
					b := prims[k].bounds
					if b.Min.X < n.bounds.Min.X || b.Max.Y > n.bounds.Max.Y {
						t.Fatalf("primitive %d escapes leaf %d", k, i)
					}
					reached++
				}
			}
			walk(0)
			if reached != tt.count {
				t.Fatalf("expected %d reachable primitives; got %d", tt.count, reached)
			}
		})
	}
}

func TestPrebuildInfo(t *testing.T) {
	dev := openDevice(t, hal.DeviceDesc{})
	tri := hal.TrianglesDesc{VertexBuffer: 1 << 16, VertexStride: 12, VertexCount: 30, VertexFormat: gputypes.VertexFormatFloat32x3}
	tests := []struct {
		name       string
		inputs     hal.BuildInputs
		wantEmpty  bool
		wantUpdate bool
	}{
		{"empty bottom level", hal.BuildInputs{Type: hal.AccelBottomLevel}, true, false},
		{"bottom level", hal.BuildInputs{Type: hal.AccelBottomLevel, Geometries: []hal.TrianglesDesc{tri}}, false, false},
		{"updatable top level", hal.BuildInputs{Type: hal.AccelTopLevel, InstanceCount: 4, Flags: hal.BuildAllowUpdate}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := dev.AccelerationStructurePrebuildInfo(tt.inputs)
			if err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if (info.ResultSize == 0) != tt.wantEmpty {
				t.Fatalf("unexpected result size %d", info.ResultSize)
			}
			if (info.UpdateScratchSize != 0) != tt.wantUpdate {
				t.Fatalf("unexpected update scratch size %d", info.UpdateScratchSize)
			}
			if info.ResultSize%hal.AccelerationStructureAlignment != 0 || info.ScratchSize%hal.AccelerationStructureAlignment != 0 {
				t.Fatalf("sizes must be aligned: %+v", info)
			}
		})
	}
}

func TestLibrary(t *testing.T) {
	blob := ReferenceLibrary()
	bindings, err := DecodeLibrary(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(bindings) != 5 {
		t.Fatalf("expected 5 exports; got %d", len(bindings))
	}
	if _, err := DecodeLibrary([]byte("nope")); !errors.Is(err, ErrInvalidLibrary) {
		t.Fatalf("expected ErrInvalidLibrary; got %v", err)
	}

	dev := openDevice(t, hal.DeviceDesc{})
	rs, _ := dev.CreateRootSignature(hal.RootSignatureDesc{})
	_, err = dev.CreateRayTracingPipeline(hal.RayTracingPipelineDesc{
		Library:             blob,
		Exports:             []string{"OnGenerateRay", "OnSomethingElse"},
		GlobalRootSignature: rs,
	})
	if !errors.Is(err, hal.ErrExportNotFound) {
		t.Fatalf("expected ErrExportNotFound; got %v", err)
	}
}

func TestDeviceLost(t *testing.T) {
	r := newRig(t, hal.DeviceDesc{EnableBreakOnError: true})
	tex, err := r.dev.CreateTexture(hal.TextureDesc{Width: 4, Height: 4, Format: gputypes.TextureFormatRGBA8Unorm, InitialState: hal.StateCommon})
	if err != nil {
		t.Fatalf("texture: %v", err)
	}
	// The barrier claims the wrong prior state, which faults on the timeline.
	err = r.submit(func(l hal.CommandList) {
		l.ResourceBarrier(hal.TransitionBarrier(tex, hal.StateUnorderedAccess, hal.StateCopySource))
	})
	if !errors.Is(err, hal.ErrDeviceRemoved) {
		t.Fatalf("expected ErrDeviceRemoved; got %v", err)
	}
	if r.dev.RemovedReason() == nil {
		t.Fatalf("expected a removed reason")
	}
	if _, err := r.dev.CreateBuffer(hal.BufferDesc{Size: 16}); !errors.Is(err, hal.ErrDeviceRemoved) {
		t.Fatalf("expected creation to fail after removal; got %v", err)
	}
	// Waiters on any fence are released.
	if err := r.fence.Wait(1<<40, time.Second); !errors.Is(err, hal.ErrDeviceRemoved) {
		t.Fatalf("expected ErrDeviceRemoved; got %v", err)
	}
}

func TestRecordingErrorsSurfaceAtClose(t *testing.T) {
	r := newRig(t, hal.DeviceDesc{})
	a, _ := r.dev.CreateBuffer(hal.BufferDesc{Size: 8})
	b, _ := r.dev.CreateBuffer(hal.BufferDesc{Size: 8})
	err := r.submit(func(l hal.CommandList) {
		l.CopyBufferRegion(a, 4, b, 0, 8)
	})
	if err == nil {
		t.Fatalf("expected an out of range copy to fail at Close")
	}
}
