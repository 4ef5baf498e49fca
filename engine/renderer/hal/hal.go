// Package hal is the hardware abstraction the ray tracing core records and
// submits against. Drivers register themselves by name and are opened by
// gfx.Device.
package hal

import (
	"errors"
	"time"
)

var (
	ErrDeviceRemoved     = errors.New("device removed")
	ErrAllocatorInUse    = errors.New("command allocator reset while its commands are in flight")
	ErrInvalidAddress    = errors.New("gpu address does not resolve to a live allocation")
	ErrListClosed        = errors.New("command list is closed")
	ErrListOpen          = errors.New("command list is still open")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrDriverNotFound    = errors.New("hal driver not registered")
	ErrNoAdapter         = errors.New("no adapter available")
	ErrNotMappable       = errors.New("resource heap is not CPU accessible")
	ErrInvalidState      = errors.New("resource is not in the required state")
	ErrWaitTimeout       = errors.New("fence wait timed out")
	ErrExportNotFound    = errors.New("shader export not found in library")
)

// Driver enumerates adapters and opens devices.
type Driver interface {
	Name() string
	EnumerateAdapters() ([]AdapterInfo, error)
	Open(adapter AdapterInfo, desc DeviceDesc) (Device, error)
}

type Device interface {
	Adapter() AdapterInfo

	CreateFence(initial uint64) (Fence, error)
	CreateQueue(kind QueueKind) (Queue, error)
	CreateCommandAllocator(kind QueueKind) (CommandAllocator, error)
	// CreateCommandList returns a closed list bound to kind.
	CreateCommandList(kind QueueKind) (CommandList, error)
	CreateDescriptorHeap(desc DescriptorHeapDesc) (DescriptorHeap, error)
	DescriptorIncrement(kind DescriptorHeapKind) uint32
	CreateView(desc ViewDesc, dst CPUHandle) error

	CreateBuffer(desc BufferDesc) (Buffer, error)
	CreateTexture(desc TextureDesc) (Texture, error)
	CopyableFootprint(desc TextureDesc) (FootprintInfo, error)

	AccelerationStructurePrebuildInfo(inputs BuildInputs) (PrebuildInfo, error)
	CreateRootSignature(desc RootSignatureDesc) (RootSignature, error)
	CreateRayTracingPipeline(desc RayTracingPipelineDesc) (RayTracingPipeline, error)

	// RemovedReason returns nil while the device is healthy.
	RemovedReason() error
	Destroy()
}

type Fence interface {
	CompletedValue() uint64
	// Wait blocks until the fence reaches value. A negative timeout waits forever.
	Wait(value uint64, timeout time.Duration) error
	// Signal sets the fence from the CPU.
	Signal(value uint64) error
	Destroy()
}

// Queue executes closed command lists in submission order.
type Queue interface {
	Kind() QueueKind
	Execute(lists ...CommandList) error
	// Signal sets f to value once everything submitted before it has run.
	Signal(f Fence, value uint64) error
	// Wait stalls the queue until f reaches value.
	Wait(f Fence, value uint64) error
	Destroy()
}

type CommandAllocator interface {
	// Reset fails with ErrAllocatorInUse while submitted commands have not retired.
	Reset() error
	Destroy()
}

// CommandList records work. Recording calls do not return errors; the first
// recording error is reported by Close.
type CommandList interface {
	Kind() QueueKind
	Reset(alloc CommandAllocator) error
	Close() error

	SetDescriptorHeaps(heaps ...DescriptorHeap)
	ResourceBarrier(barriers ...Barrier)
	CopyBufferRegion(dst Buffer, dstOffset uint64, src Buffer, srcOffset, size uint64)
	CopyTextureToBuffer(dst Buffer, layout Footprint, src Texture)
	// CopyBufferToTexture is the upload direction of CopyTextureToBuffer.
	CopyBufferToTexture(dst Texture, src Buffer, layout Footprint)
	BuildAccelerationStructure(desc BuildDesc)

	SetComputeRootSignature(rs RootSignature)
	SetComputeRootConstantBufferView(index uint32, addr GPUAddress)
	SetComputeRootShaderResourceView(index uint32, addr GPUAddress)
	SetComputeRootDescriptorTable(index uint32, base GPUHandle)
	SetPipelineState1(p RayTracingPipeline)
	DispatchRays(desc DispatchRaysDesc)

	Destroy()
}

type Resource interface {
	Label() string
}

type Buffer interface {
	Resource
	Desc() BufferDesc
	GPUAddress() GPUAddress
	// Map returns the CPU view of an upload or readback buffer.
	Map() ([]byte, error)
	Unmap()
	Destroy()
}

type Texture interface {
	Resource
	Desc() TextureDesc
	Destroy()
}

type DescriptorHeap interface {
	Desc() DescriptorHeapDesc
	CPUStart() CPUHandle
	// GPUStart is zero for heaps that are not shader visible.
	GPUStart() GPUHandle
	Destroy()
}

type RootSignature interface {
	Destroy()
}

type RayTracingPipeline interface {
	// ShaderIdentifier returns the ShaderIdentifierSize byte identifier of an
	// export or hit group.
	ShaderIdentifier(name string) ([]byte, bool)
	ShaderStackSize(name string) uint64
	Destroy()
}
