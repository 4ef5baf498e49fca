package gfx

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

// AccelSizes is the prebuild result of an acceleration structure.
type AccelSizes struct {
	Result        uint64
	BuildScratch  uint64
	UpdateScratch uint64
}

// Scratch is the scratch size that serves both a build and an update.
func (s AccelSizes) Scratch() uint64 {
	return max(s.BuildScratch, s.UpdateScratch)
}

type builderStep uint8

const (
	stepNew builderStep = iota
	stepSized
	stepAllocated
	stepBuilt
)

func (s builderStep) String() string {
	switch s {
	case stepNew:
		return "new"
	case stepSized:
		return "sized"
	case stepAllocated:
		return "allocated"
	case stepBuilt:
		return "built"
	}
	return "unknown"
}

// accel holds what bottom and top level structures share: the builder state,
// the prebuild sizes and the result buffer.
type accel struct {
	dev    *Device
	label  string
	flags  hal.BuildFlags
	step   builderStep
	sizes  AccelSizes
	result hal.Buffer
}

func (a *accel) require(op string, at ...builderStep) error {
	for _, s := range at {
		if a.step == s {
			return nil
		}
	}
	return fmt.Errorf("%s: %s while %s: %w", a.label, op, a.step, core.ErrBuildOrder)
}

func (a *accel) querySizes(inputs hal.BuildInputs) (AccelSizes, error) {
	if err := a.require("QuerySizes", stepNew, stepSized); err != nil {
		return AccelSizes{}, err
	}
	info, err := a.dev.raw.AccelerationStructurePrebuildInfo(inputs)
	if err != nil {
		return AccelSizes{}, fmt.Errorf("%s: %w", a.label, deviceError(err))
	}
	if info.ResultSize == 0 {
		err := fmt.Errorf("%s: %w", a.label, core.ErrEmptyAccelerationStructure)
		core.LogError("%s", err)
		return AccelSizes{}, err
	}
	a.sizes = AccelSizes{
		Result:        info.ResultSize,
		BuildScratch:  info.ScratchSize,
		UpdateScratch: info.UpdateScratchSize,
	}
	a.step = stepSized
	return a.sizes, nil
}

func (a *accel) allocate() error {
	if err := a.require("Allocate", stepSized); err != nil {
		return err
	}
	result, err := a.dev.createBuffer(hal.BufferDesc{
		Label:        a.label,
		Size:         math.AlignUp(a.sizes.Result, hal.AccelerationStructureAlignment),
		Usage:        gputypes.BufferUsageStorage,
		Heap:         hal.HeapDefault,
		InitialState: hal.StateAccelerationStructure,
		AllowUAV:     true,
	})
	if err != nil {
		return err
	}
	a.result = result
	a.step = stepAllocated
	return nil
}

func (a *accel) build(list *CommandList, inputs hal.BuildInputs, scratch hal.GPUAddress, update bool) error {
	source := hal.GPUAddress(0)
	if update {
		if err := a.require("Update", stepBuilt); err != nil {
			return err
		}
		if a.flags&hal.BuildAllowUpdate == 0 {
			return fmt.Errorf("%s: update without AllowUpdate: %w", a.label, core.ErrBuildOrder)
		}
		inputs.Flags |= hal.BuildPerformUpdate
		source = a.result.GPUAddress()
	} else if err := a.require("Build", stepAllocated, stepBuilt); err != nil {
		return err
	}
	if scratch == 0 || uint64(scratch)%hal.AccelerationStructureAlignment != 0 {
		return fmt.Errorf("%s: scratch address %#x: %w", a.label, scratch, hal.ErrInvalidAddress)
	}
	raw := list.Raw()
	raw.BuildAccelerationStructure(hal.BuildDesc{
		Dest:    a.result.GPUAddress(),
		Inputs:  inputs,
		Source:  source,
		Scratch: scratch,
	})
	// Consumers of the result, including a following build that shares the
	// scratch buffer, must see the finished structure.
	raw.ResourceBarrier(hal.UAVBarrier(a.result))
	a.step = stepBuilt
	return nil
}

func (a *accel) term() {
	if a.result != nil {
		a.result.Destroy()
		a.result = nil
	}
	a.step = stepNew
}

// TriangleGeometry describes one triangle mesh of a bottom level structure.
// Buffers are borrowed and must outlive every build that reads them.
type TriangleGeometry struct {
	VertexBuffer hal.Buffer
	VertexOffset uint64
	VertexCount  uint32
	VertexStride uint64
	VertexFormat gputypes.VertexFormat
	// Nil for non indexed geometry.
	IndexBuffer hal.Buffer
	IndexOffset uint64
	IndexCount  uint32
	IndexFormat gputypes.IndexFormat
	Opaque      bool
}

func (g TriangleGeometry) desc() hal.TrianglesDesc {
	d := hal.TrianglesDesc{
		VertexBuffer: g.VertexBuffer.GPUAddress() + hal.GPUAddress(g.VertexOffset),
		VertexStride: g.VertexStride,
		VertexCount:  g.VertexCount,
		VertexFormat: g.VertexFormat,
	}
	if d.VertexStride == 0 {
		d.VertexStride = g.VertexFormat.Size()
	}
	if g.IndexBuffer != nil {
		d.IndexBuffer = g.IndexBuffer.GPUAddress() + hal.GPUAddress(g.IndexOffset)
		d.IndexCount = g.IndexCount
		d.IndexFormat = g.IndexFormat
	}
	if g.Opaque {
		d.Flags = hal.GeometryOpaque
	}
	return d
}

type BlasDesc struct {
	Label      string
	Geometries []TriangleGeometry
	Flags      hal.BuildFlags
}

// Blas is a bottom level acceleration structure. It is built in three steps:
// QuerySizes, Allocate, then Build with caller owned scratch memory.
type Blas struct {
	accel
	geometries []TriangleGeometry
}

func NewBlas(dev *Device, desc BlasDesc) *Blas {
	return &Blas{
		accel: accel{
			dev:   dev,
			label: core.LabelOr(desc.Label, "Blas"),
			flags: desc.Flags,
		},
		geometries: append([]TriangleGeometry(nil), desc.Geometries...),
	}
}

func (b *Blas) inputs() hal.BuildInputs {
	geometries := make([]hal.TrianglesDesc, len(b.geometries))
	for i, g := range b.geometries {
		geometries[i] = g.desc()
	}
	return hal.BuildInputs{Type: hal.AccelBottomLevel, Flags: b.flags, Geometries: geometries}
}

// QuerySizes asks the driver for the result and scratch sizes. It fails with
// core.ErrEmptyAccelerationStructure when there is nothing to build.
func (b *Blas) QuerySizes() (AccelSizes, error) {
	return b.querySizes(b.inputs())
}

// Allocate creates the GPU local result buffer.
func (b *Blas) Allocate() error {
	return b.allocate()
}

// Init runs QuerySizes followed by Allocate.
func (b *Blas) Init() error {
	if _, err := b.QuerySizes(); err != nil {
		return err
	}
	return b.Allocate()
}

// Build records the build into list followed by a UAV barrier on the result.
func (b *Blas) Build(list *CommandList, scratch hal.GPUAddress) error {
	return b.build(list, b.inputs(), scratch, false)
}

// Update refits a structure built with hal.BuildAllowUpdate in place.
func (b *Blas) Update(list *CommandList, scratch hal.GPUAddress) error {
	return b.build(list, b.inputs(), scratch, true)
}

func (b *Blas) ScratchSize() uint64 {
	return b.sizes.Scratch()
}

func (b *Blas) Sizes() AccelSizes {
	return b.sizes
}

func (b *Blas) GeometryCount() int {
	return len(b.geometries)
}

func (b *Blas) Geometry(i int) TriangleGeometry {
	return b.geometries[i]
}

// SetGeometry replaces geometry i. A changed primitive count needs a fresh
// QuerySizes and Allocate before the next Build.
func (b *Blas) SetGeometry(i int, g TriangleGeometry) {
	prev := b.geometries[i].desc().PrimitiveCount()
	b.geometries[i] = g
	if b.step != stepNew && g.desc().PrimitiveCount() != prev {
		b.term()
	}
}

func (b *Blas) Resource() hal.Buffer {
	return b.result
}

func (b *Blas) GPUAddress() hal.GPUAddress {
	if b.result == nil {
		return 0
	}
	return b.result.GPUAddress()
}

func (b *Blas) Term() {
	b.term()
}

// NewInstance describes one placement of blas in a top level structure.
func NewInstance(blas *Blas, transform math.Mat4, id uint32) hal.InstanceDesc {
	return hal.InstanceDesc{
		Transform:             transform.Rows3x4(),
		InstanceID:            id,
		Mask:                  0xFF,
		AccelerationStructure: blas.GPUAddress(),
	}
}

type TlasDesc struct {
	Label     string
	Instances []hal.InstanceDesc
	Flags     hal.BuildFlags
}

// Tlas is a top level acceleration structure over a CPU writable instance
// buffer. Instances can be changed through Map between builds.
type Tlas struct {
	accel
	initial   []hal.InstanceDesc
	count     uint32
	instances hal.Buffer
	mapping   *InstanceMapping
}

func NewTlas(dev *Device, desc TlasDesc) *Tlas {
	return &Tlas{
		accel: accel{
			dev:   dev,
			label: core.LabelOr(desc.Label, "Tlas"),
			flags: desc.Flags,
		},
		initial: append([]hal.InstanceDesc(nil), desc.Instances...),
		count:   uint32(len(desc.Instances)),
	}
}

func (t *Tlas) inputs() hal.BuildInputs {
	in := hal.BuildInputs{Type: hal.AccelTopLevel, Flags: t.flags, InstanceCount: t.count}
	if t.instances != nil {
		in.InstanceDescs = t.instances.GPUAddress()
	}
	return in
}

func (t *Tlas) QuerySizes() (AccelSizes, error) {
	return t.querySizes(t.inputs())
}

// Allocate creates the instance buffer, filled with the initial instances,
// and the result buffer.
func (t *Tlas) Allocate() error {
	if err := t.require("Allocate", stepSized); err != nil {
		return err
	}
	raw := make([]byte, int(t.count)*hal.InstanceDescSize)
	for i := range t.initial {
		t.initial[i].Encode(raw[i*hal.InstanceDescSize:])
	}
	instances, err := t.dev.CreateUploadBuffer(t.label+"-instances", uint64(len(raw)), raw)
	if err != nil {
		return err
	}
	if err := t.allocate(); err != nil {
		instances.Destroy()
		return err
	}
	t.instances = instances
	t.initial = nil
	return nil
}

func (t *Tlas) Init() error {
	if _, err := t.QuerySizes(); err != nil {
		return err
	}
	return t.Allocate()
}

// Build records the build. The instance buffer is read when the list executes.
func (t *Tlas) Build(list *CommandList, scratch hal.GPUAddress) error {
	if t.mapping != nil {
		return fmt.Errorf("%s: Build while instances are mapped: %w", t.label, core.ErrBuildOrder)
	}
	return t.build(list, t.inputs(), scratch, false)
}

func (t *Tlas) Update(list *CommandList, scratch hal.GPUAddress) error {
	if t.mapping != nil {
		return fmt.Errorf("%s: Update while instances are mapped: %w", t.label, core.ErrBuildOrder)
	}
	return t.build(list, t.inputs(), scratch, true)
}

// Map exposes the instance buffer for in place edits. Writes must not race
// with a build of this structure that is still executing.
func (t *Tlas) Map() (*InstanceMapping, error) {
	if t.instances == nil {
		return nil, fmt.Errorf("%s: Map before Allocate: %w", t.label, core.ErrBuildOrder)
	}
	if t.mapping != nil {
		return t.mapping, nil
	}
	data, err := t.instances.Map()
	if err != nil {
		return nil, deviceError(err)
	}
	t.mapping = &InstanceMapping{data: data, count: int(t.count)}
	return t.mapping, nil
}

func (t *Tlas) Unmap() {
	if t.mapping == nil {
		return
	}
	t.mapping.data = nil
	t.mapping = nil
	t.instances.Unmap()
}

func (t *Tlas) InstanceCount() uint32 {
	return t.count
}

func (t *Tlas) ScratchSize() uint64 {
	return t.sizes.Scratch()
}

func (t *Tlas) Sizes() AccelSizes {
	return t.sizes
}

func (t *Tlas) Resource() hal.Buffer {
	return t.result
}

func (t *Tlas) GPUAddress() hal.GPUAddress {
	if t.result == nil {
		return 0
	}
	return t.result.GPUAddress()
}

func (t *Tlas) Term() {
	t.Unmap()
	if t.instances != nil {
		t.instances.Destroy()
		t.instances = nil
	}
	t.term()
}

// InstanceMapping is a CPU view of a mapped instance buffer.
type InstanceMapping struct {
	data  []byte
	count int
}

func (m *InstanceMapping) Len() int {
	return m.count
}

func (m *InstanceMapping) Get(i int) hal.InstanceDesc {
	return hal.DecodeInstanceDesc(m.data[i*hal.InstanceDescSize:])
}

func (m *InstanceMapping) Set(i int, desc hal.InstanceDesc) {
	desc.Encode(m.data[i*hal.InstanceDescSize:])
}

// SetTransform rewrites only the transform of instance i.
func (m *InstanceMapping) SetTransform(i int, transform math.Mat4) {
	d := m.Get(i)
	d.Transform = transform.Rows3x4()
	m.Set(i, d)
}
