package gfx

import (
	"fmt"

	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
	"github.com/spaghettifunk/rtcore/engine/renderer/metadata"
)

// ShaderRecord is one shader table entry: an identifier followed by local
// root arguments.
type ShaderRecord struct {
	Identifier         []byte
	LocalRootArguments []byte
}

// ShaderTable is a contiguous run of equally strided records in an upload
// buffer.
type ShaderTable struct {
	buf    hal.Buffer
	stride uint64
	count  int
}

// NewShaderTable lays out records with stride align(32 + largest local
// arguments, 32) and pads the table to 64 bytes.
func NewShaderTable(dev *Device, label string, records []ShaderRecord) (*ShaderTable, error) {
	args := 0
	for _, r := range records {
		if len(r.Identifier) != hal.ShaderIdentifierSize {
			return nil, fmt.Errorf("shader table %s: identifier of %d bytes", label, len(r.Identifier))
		}
		args = max(args, len(r.LocalRootArguments))
	}
	stride := math.AlignUp(uint64(hal.ShaderIdentifierSize+args), hal.ShaderRecordAlignment)
	size := math.AlignUp(max(stride*uint64(len(records)), 1), hal.ShaderTableAlignment)

	data := make([]byte, size)
	for i, r := range records {
		off := uint64(i) * stride
		copy(data[off:], r.Identifier)
		copy(data[off+hal.ShaderIdentifierSize:], r.LocalRootArguments)
	}
	buf, err := dev.CreateUploadBuffer(label, size, data)
	if err != nil {
		return nil, err
	}
	return &ShaderTable{buf: buf, stride: stride, count: len(records)}, nil
}

// Range returns the table as a dispatch argument.
func (t *ShaderTable) Range() hal.ShaderTableRange {
	return hal.ShaderTableRange{
		Start:  t.buf.GPUAddress(),
		Size:   t.stride * uint64(t.count),
		Stride: t.stride,
	}
}

func (t *ShaderTable) Stride() uint64 {
	return t.stride
}

func (t *ShaderTable) Len() int {
	return t.count
}

func (t *ShaderTable) Term() {
	if t.buf != nil {
		t.buf.Destroy()
		t.buf = nil
	}
}

type PipelineDesc struct {
	Label         string
	Library       []byte
	RootSignature hal.RootSignature
	// Zero means metadata.PayloadSize.
	MaxPayloadSize         uint32
	MaxTraceRecursionDepth uint32
}

// RayTracingPipeline is the pipeline state plus its ray generation, miss and
// hit group tables. It is replaced as a whole by Reload.
type RayTracingPipeline struct {
	dev  *Device
	desc PipelineDesc

	raw      hal.RayTracingPipeline
	rayGen   *ShaderTable
	miss     *ShaderTable
	hitGroup *ShaderTable
}

func NewRayTracingPipeline(dev *Device, desc PipelineDesc) (*RayTracingPipeline, error) {
	if !dev.IsInitialized() {
		return nil, core.ErrNotInitialized
	}
	desc.Label = core.LabelOr(desc.Label, "RayTracingPipeline")
	if desc.MaxPayloadSize == 0 {
		desc.MaxPayloadSize = metadata.PayloadSize
	}
	p := &RayTracingPipeline{dev: dev, desc: desc}
	if err := p.create(); err != nil {
		p.Term()
		core.LogError("failed to create %s: %s", desc.Label, err)
		return nil, err
	}
	return p, nil
}

func (p *RayTracingPipeline) create() error {
	raw, err := p.dev.raw.CreateRayTracingPipeline(hal.RayTracingPipelineDesc{
		Label:   p.desc.Label,
		Library: p.desc.Library,
		Exports: []string{
			metadata.ExportGenerateRay,
			metadata.ExportClosestHit,
			metadata.ExportShadowAnyHit,
			metadata.ExportMiss,
			metadata.ExportShadowMiss,
		},
		HitGroups: []hal.HitGroupDesc{
			{Name: metadata.HitGroupStandard, ClosestHit: metadata.ExportClosestHit},
			{Name: metadata.HitGroupShadow, AnyHit: metadata.ExportShadowAnyHit},
		},
		MaxPayloadSize:         p.desc.MaxPayloadSize,
		MaxAttributeSize:       metadata.AttributeSize,
		MaxTraceRecursionDepth: p.desc.MaxTraceRecursionDepth,
		GlobalRootSignature:    p.desc.RootSignature,
	})
	if err != nil {
		return deviceError(err)
	}
	p.raw = raw

	if p.rayGen, err = p.table("raygen", metadata.ExportGenerateRay); err != nil {
		return err
	}
	if p.miss, err = p.table("miss", metadata.ExportMiss, metadata.ExportShadowMiss); err != nil {
		return err
	}
	if p.hitGroup, err = p.table("hitgroup", metadata.HitGroupStandard, metadata.HitGroupShadow); err != nil {
		return err
	}
	return nil
}

func (p *RayTracingPipeline) table(kind string, names ...string) (*ShaderTable, error) {
	records := make([]ShaderRecord, len(names))
	for i, name := range names {
		id, ok := p.raw.ShaderIdentifier(name)
		if !ok {
			return nil, fmt.Errorf("%s: %q: %w", p.desc.Label, name, core.ErrShaderExportNotFound)
		}
		records[i] = ShaderRecord{Identifier: id}
	}
	return NewShaderTable(p.dev, p.desc.Label+"-"+kind, records)
}

// Reload tears the pipeline and its tables down and rebuilds them from
// library. The caller must make sure no submitted dispatch still uses them.
// On failure the pipeline is left empty.
func (p *RayTracingPipeline) Reload(library []byte) error {
	p.Term()
	p.desc.Library = library
	if err := p.create(); err != nil {
		p.Term()
		core.LogError("failed to reload %s: %s", p.desc.Label, err)
		return err
	}
	core.LogInfo("%s reloaded", p.desc.Label)
	return nil
}

// DispatchRays binds the pipeline and launches width x height rays.
func (p *RayTracingPipeline) DispatchRays(list *CommandList, width, height uint32) {
	raw := list.Raw()
	raw.SetPipelineState1(p.raw)
	raw.DispatchRays(hal.DispatchRaysDesc{
		RayGeneration: p.rayGen.Range(),
		Miss:          p.miss.Range(),
		HitGroup:      p.hitGroup.Range(),
		Width:         width,
		Height:        height,
		Depth:         1,
	})
}

func (p *RayTracingPipeline) ShaderStackSize(export string) uint64 {
	if p.raw == nil {
		return 0
	}
	return p.raw.ShaderStackSize(export)
}

func (p *RayTracingPipeline) RayGenerationTable() *ShaderTable {
	return p.rayGen
}

func (p *RayTracingPipeline) MissTable() *ShaderTable {
	return p.miss
}

func (p *RayTracingPipeline) HitGroupTable() *ShaderTable {
	return p.hitGroup
}

func (p *RayTracingPipeline) Raw() hal.RayTracingPipeline {
	return p.raw
}

func (p *RayTracingPipeline) Term() {
	for _, t := range []**ShaderTable{&p.rayGen, &p.miss, &p.hitGroup} {
		if *t != nil {
			(*t).Term()
			*t = nil
		}
	}
	if p.raw != nil {
		p.raw.Destroy()
		p.raw = nil
	}
}

// NewRayTracingRootSignature creates the global root signature the renderer
// binds: scene constants, the TLAS, the accumulation and output UAVs and the
// material table.
func NewRayTracingRootSignature(dev *Device) (hal.RootSignature, error) {
	if !dev.IsInitialized() {
		return nil, core.ErrNotInitialized
	}
	params := make([]hal.RootParameter, metadata.RootParameterCount)
	params[metadata.RootSceneParams] = hal.RootParameter{Kind: hal.RootCBV, Register: 0}
	params[metadata.RootScene] = hal.RootParameter{Kind: hal.RootSRV, Register: 0}
	params[metadata.RootAccumulation] = hal.RootParameter{
		Kind:   hal.RootTable,
		Ranges: []hal.DescriptorRange{{Kind: hal.RangeUAV, Count: 1, BaseRegister: 0}},
	}
	params[metadata.RootOutput] = hal.RootParameter{
		Kind:   hal.RootTable,
		Ranges: []hal.DescriptorRange{{Kind: hal.RangeUAV, Count: 1, BaseRegister: 1}},
	}
	params[metadata.RootMaterials] = hal.RootParameter{Kind: hal.RootSRV, Register: 1}

	rs, err := dev.raw.CreateRootSignature(hal.RootSignatureDesc{Label: "GlobalRootSignature", Parameters: params})
	if err != nil {
		err = fmt.Errorf("failed to create global root signature: %w", deviceError(err))
		core.LogError("%s", err)
		return nil, err
	}
	return rs, nil
}
