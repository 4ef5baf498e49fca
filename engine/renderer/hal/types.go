package hal

import (
	"encoding/binary"
	m "math"
	"time"

	"github.com/gogpu/gputypes"
)

// Infinite makes Fence.Wait block until the value is reached.
const Infinite time.Duration = -1

type QueueKind uint8

const (
	QueueGraphics QueueKind = iota
	QueueCompute
	QueueCopy
)

func (k QueueKind) String() string {
	switch k {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	case QueueCopy:
		return "copy"
	}
	return "unknown"
}

type DescriptorHeapKind uint8

const (
	// Shader visible CBV/SRV/UAV descriptors.
	DescriptorHeapResource DescriptorHeapKind = iota
	DescriptorHeapSampler
	DescriptorHeapColorTarget
	DescriptorHeapDepthTarget
	DescriptorHeapKindCount
)

func (k DescriptorHeapKind) String() string {
	switch k {
	case DescriptorHeapResource:
		return "resource"
	case DescriptorHeapSampler:
		return "sampler"
	case DescriptorHeapColorTarget:
		return "color_target"
	case DescriptorHeapDepthTarget:
		return "depth_target"
	}
	return "unknown"
}

// ShaderVisible reports whether descriptors of this kind can be bound to shaders.
func (k DescriptorHeapKind) ShaderVisible() bool {
	return k == DescriptorHeapResource || k == DescriptorHeapSampler
}

type HeapType uint8

const (
	// GPU local memory. Not mappable.
	HeapDefault HeapType = iota
	// CPU write, GPU read.
	HeapUpload
	// GPU write, CPU read.
	HeapReadback
)

type ResourceState uint32

const (
	StateCommon          ResourceState = 0
	StateUnorderedAccess ResourceState = 1 << iota
	StateCopySource
	StateCopyDest
	StateGenericRead
	StateShaderResource
	StateAccelerationStructure
)

type GPUAddress uint64

// CPUHandle addresses a descriptor for CPU side writes.
type CPUHandle uint64

// GPUHandle addresses a descriptor in a shader visible heap.
type GPUHandle uint64

// Offset advances the handle by n descriptors of the given increment.
func (h CPUHandle) Offset(n, increment uint32) CPUHandle {
	return h + CPUHandle(uint64(n)*uint64(increment))
}

func (h GPUHandle) Offset(n, increment uint32) GPUHandle {
	return h + GPUHandle(uint64(n)*uint64(increment))
}

type BufferDesc struct {
	Label        string
	Size         uint64
	Usage        gputypes.BufferUsage
	Heap         HeapType
	InitialState ResourceState
	// Allow unordered access from shaders.
	AllowUAV bool
}

type TextureDesc struct {
	Label        string
	Width        uint32
	Height       uint32
	Format       gputypes.TextureFormat
	InitialState ResourceState
	AllowUAV     bool
}

// Footprint describes how a texture is laid out inside a buffer.
type Footprint struct {
	Offset   uint64
	Format   gputypes.TextureFormat
	Width    uint32
	Height   uint32
	RowPitch uint32
}

// FootprintInfo is returned by Device.CopyableFootprint.
type FootprintInfo struct {
	Layout    Footprint
	RowCount  uint32
	RowSize   uint64
	TotalSize uint64
}

// TexturePitchAlignment is the row alignment of buffer side texture copies.
const TexturePitchAlignment = 256

// BytesPerPixel returns the texel size of the formats the core handles.
func BytesPerPixel(f gputypes.TextureFormat) (uint32, error) {
	switch f {
	case gputypes.TextureFormatRGBA8Unorm:
		return 4, nil
	case gputypes.TextureFormatRGBA32Float:
		return 16, nil
	}
	return 0, ErrUnsupportedFormat
}

type RayTracingTier uint8

const (
	RayTracingNotSupported RayTracingTier = iota
	RayTracingTier1_0
	RayTracingTier1_1
)

// ShaderModel6_6 in the major*16+minor encoding used by AdapterInfo.ShaderModel.
const ShaderModel6_6 uint32 = 0x66

type AdapterInfo struct {
	gputypes.AdapterInfo
	RayTracingTier  RayTracingTier
	ShaderModel     uint32
	DedicatedMemory uint64
}

// ShaderModelFromDecimal converts major*10+minor (66) into the 0x66 encoding.
func ShaderModelFromDecimal(v uint32) uint32 {
	return (v/10)<<4 | v%10
}

type DeviceDesc struct {
	Label                string
	EnableDebug          bool
	EnableDRED           bool
	EnableCapture        bool
	EnableBreakOnWarning bool
	EnableBreakOnError   bool
}

type DescriptorHeapDesc struct {
	Kind     DescriptorHeapKind
	Capacity uint32
}

type ViewKind uint8

const (
	ViewUnorderedAccess ViewKind = iota
	ViewShaderResource
	ViewAccelerationStructure
	ViewConstantBuffer
)

type ViewDesc struct {
	Kind    ViewKind
	Texture Texture
	Buffer  Buffer
	// Used by acceleration structure and constant buffer views.
	Address GPUAddress
	Size    uint64
}

type AccelerationStructureType uint8

const (
	AccelBottomLevel AccelerationStructureType = iota
	AccelTopLevel
)

type BuildFlags uint32

const (
	BuildNone        BuildFlags = 0
	BuildAllowUpdate BuildFlags = 1 << iota
	BuildAllowCompaction
	BuildPreferFastTrace
	BuildPreferFastBuild
	BuildMinimizeMemory
	BuildPerformUpdate
)

type GeometryFlags uint32

const (
	GeometryNone   GeometryFlags = 0
	GeometryOpaque GeometryFlags = 1 << iota
	GeometryNoDuplicateAnyHit
)

// TrianglesDesc describes one triangle geometry of a bottom level structure.
type TrianglesDesc struct {
	VertexBuffer GPUAddress
	VertexStride uint64
	VertexCount  uint32
	VertexFormat gputypes.VertexFormat
	// Zero for non indexed geometry.
	IndexBuffer GPUAddress
	IndexCount  uint32
	IndexFormat gputypes.IndexFormat
	Flags       GeometryFlags
}

// PrimitiveCount returns the number of triangles the geometry contributes.
func (t TrianglesDesc) PrimitiveCount() uint32 {
	if t.IndexBuffer != 0 {
		return t.IndexCount / 3
	}
	return t.VertexCount / 3
}

type BuildInputs struct {
	Type       AccelerationStructureType
	Flags      BuildFlags
	Geometries []TrianglesDesc
	// Top level only.
	InstanceDescs GPUAddress
	InstanceCount uint32
}

type PrebuildInfo struct {
	ResultSize        uint64
	ScratchSize       uint64
	UpdateScratchSize uint64
}

type BuildDesc struct {
	Dest   GPUAddress
	Inputs BuildInputs
	// Previous result for BuildPerformUpdate.
	Source  GPUAddress
	Scratch GPUAddress
}

// AccelerationStructureAlignment applies to result and scratch addresses.
const AccelerationStructureAlignment = 256

type RootParameterKind uint8

const (
	RootCBV RootParameterKind = iota
	RootSRV
	RootUAV
	RootTable
)

type RangeKind uint8

const (
	RangeSRV RangeKind = iota
	RangeUAV
	RangeCBV
	RangeSampler
)

type DescriptorRange struct {
	Kind         RangeKind
	Count        uint32
	BaseRegister uint32
}

type RootParameter struct {
	Kind     RootParameterKind
	Register uint32
	Ranges   []DescriptorRange
}

type RootSignatureDesc struct {
	Label      string
	Parameters []RootParameter
	// Local root signatures bind per record arguments.
	Local bool
}

type HitGroupDesc struct {
	Name         string
	ClosestHit   string
	AnyHit       string
	Intersection string
}

type RayTracingPipelineDesc struct {
	Label                  string
	Library                []byte
	Exports                []string
	HitGroups              []HitGroupDesc
	MaxPayloadSize         uint32
	MaxAttributeSize       uint32
	MaxTraceRecursionDepth uint32
	GlobalRootSignature    RootSignature
}

const (
	ShaderIdentifierSize  = 32
	ShaderRecordAlignment = 32
	ShaderTableAlignment  = 64
)

type ShaderTableRange struct {
	Start  GPUAddress
	Size   uint64
	Stride uint64
}

type DispatchRaysDesc struct {
	RayGeneration ShaderTableRange
	Miss          ShaderTableRange
	HitGroup      ShaderTableRange
	Width         uint32
	Height        uint32
	Depth         uint32
}

type BarrierKind uint8

const (
	BarrierTransition BarrierKind = iota
	BarrierUAV
)

type Barrier struct {
	Kind     BarrierKind
	Resource Resource
	Before   ResourceState
	After    ResourceState
}

func TransitionBarrier(r Resource, before, after ResourceState) Barrier {
	return Barrier{Kind: BarrierTransition, Resource: r, Before: before, After: after}
}

// UAVBarrier orders unordered access to r. A nil resource orders all UAV access.
func UAVBarrier(r Resource) Barrier {
	return Barrier{Kind: BarrierUAV, Resource: r}
}

// InstanceFlags mirror the raytracing instance flags.
type InstanceFlags uint8

const (
	InstanceNone                  InstanceFlags = 0
	InstanceTriangleCullDisable   InstanceFlags = 1 << (iota - 1)
	InstanceFrontCounterClockwise
	InstanceForceOpaque
	InstanceForceNonOpaque
)

const InstanceDescSize = 64

// InstanceDesc is one entry of a top level instance buffer.
type InstanceDesc struct {
	// Row major 3x4 object to world transform.
	Transform [12]float32
	// Low 24 bits are used.
	InstanceID uint32
	Mask       uint8
	// Low 24 bits are used.
	HitGroupContribution  uint32
	Flags                 InstanceFlags
	AccelerationStructure GPUAddress
}

// Encode writes d into dst using the 64-byte instance layout.
func (d *InstanceDesc) Encode(dst []byte) {
	_ = dst[InstanceDescSize-1]
	for i, f := range d.Transform {
		binary.LittleEndian.PutUint32(dst[i*4:], m.Float32bits(f))
	}
	binary.LittleEndian.PutUint32(dst[48:], d.InstanceID&0xFFFFFF|uint32(d.Mask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], d.HitGroupContribution&0xFFFFFF|uint32(d.Flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], uint64(d.AccelerationStructure))
}

func DecodeInstanceDesc(src []byte) InstanceDesc {
	_ = src[InstanceDescSize-1]
	var d InstanceDesc
	for i := range d.Transform {
		d.Transform[i] = m.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	w := binary.LittleEndian.Uint32(src[48:])
	d.InstanceID = w & 0xFFFFFF
	d.Mask = uint8(w >> 24)
	w = binary.LittleEndian.Uint32(src[52:])
	d.HitGroupContribution = w & 0xFFFFFF
	d.Flags = InstanceFlags(w >> 24)
	d.AccelerationStructure = GPUAddress(binary.LittleEndian.Uint64(src[56:]))
	return d
}
