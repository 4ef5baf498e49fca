package software

import (
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
	"github.com/spaghettifunk/rtcore/engine/renderer/metadata"
)

var (
	hitColor  = math.NewVec4(1, 0, 0, 1)
	missColor = math.NewVec4(0, 0, 1, 1)
)

// The orthographic test programs shoot one -Z ray per pixel and paint hits
// red and misses blue. The ray mask comes from the first constant byte.
func init() {
	RegisterProgram("test.ortho_raygen", Program{Kind: ShaderRayGeneration, RayGen: func(rc *RayContext) error {
		cb, err := rc.ConstantBuffer(0)
		if err != nil {
			return err
		}
		scene, err := rc.ShaderResource(1)
		if err != nil {
			return err
		}
		out, err := rc.Texture(2, 0)
		if err != nil {
			return err
		}
		idx, dims := rc.DispatchRaysIndex(), rc.DispatchRaysDimensions()
		x := (float32(idx[0])+0.5)/float32(dims[0])*2 - 1
		y := 1 - (float32(idx[1])+0.5)/float32(dims[1])*2
		var color math.Vec4
		ray := RayDesc{Origin: math.NewVec3(x, y, 1), Direction: math.NewVec3(0, 0, -1), TMax: 10}
		if err := rc.TraceRay(scene, RayFlagNone, cb[0], 0, 0, 0, ray, &color); err != nil {
			return err
		}
		out.Store(idx[0], idx[1], color)
		return nil
	}})
	RegisterProgram("test.ortho_hit", Program{Kind: ShaderClosestHit, ClosestHit: func(rc *RayContext, hit *Hit, payload any) error {
		*payload.(*math.Vec4) = hitColor
		return nil
	}})
	RegisterProgram("test.ortho_miss", Program{Kind: ShaderMiss, Miss: func(rc *RayContext, payload any) error {
		*payload.(*math.Vec4) = missColor
		return nil
	}})
}

// buildAccel allocates result and scratch memory for inputs and builds it.
func (r *rig) buildAccel(inputs hal.BuildInputs) hal.Buffer {
	r.t.Helper()
	info, err := r.dev.AccelerationStructurePrebuildInfo(inputs)
	if err != nil || info.ResultSize == 0 {
		r.t.Fatalf("prebuild info %+v (%v)", info, err)
	}
	result, err := r.dev.CreateBuffer(hal.BufferDesc{Size: info.ResultSize, InitialState: hal.StateAccelerationStructure, AllowUAV: true})
	if err != nil {
		r.t.Fatalf("result buffer: %v", err)
	}
	scratch, err := r.dev.CreateBuffer(hal.BufferDesc{Size: info.ScratchSize, InitialState: hal.StateUnorderedAccess, AllowUAV: true})
	if err != nil {
		r.t.Fatalf("scratch buffer: %v", err)
	}
	err = r.submit(func(l hal.CommandList) {
		l.BuildAccelerationStructure(hal.BuildDesc{Dest: result.GPUAddress(), Inputs: inputs, Scratch: scratch.GPUAddress()})
		l.ResourceBarrier(hal.UAVBarrier(result))
	})
	if err != nil {
		r.t.Fatalf("build: %v", err)
	}
	return result
}

// quadScene builds a BLAS with a unit quad covering x in [-1, 0] and y in
// [-1, 1] at z = 0, instanced once per transform.
func (r *rig) quadScene(transforms ...math.Mat4) hal.GPUAddress {
	r.t.Helper()
	vb := r.upload(f32bytes(-1, -1, 0, 0, -1, 0, 0, 1, 0, -1, 1, 0))
	ib := r.upload(u16bytes(0, 1, 2, 0, 2, 3))
	blas := r.buildAccel(hal.BuildInputs{
		Type: hal.AccelBottomLevel,
		Geometries: []hal.TrianglesDesc{{
			VertexBuffer: vb.GPUAddress(),
			VertexStride: 12,
			VertexCount:  4,
			VertexFormat: gputypes.VertexFormatFloat32x3,
			IndexBuffer:  ib.GPUAddress(),
			IndexCount:   6,
			IndexFormat:  gputypes.IndexFormatUint16,
			Flags:        hal.GeometryOpaque,
		}},
	})

	raw := make([]byte, len(transforms)*hal.InstanceDescSize)
	for i, tr := range transforms {
		d := hal.InstanceDesc{
			Transform:             tr.Rows3x4(),
			InstanceID:            uint32(i),
			Mask:                  0x01,
			AccelerationStructure: blas.GPUAddress(),
		}
		d.Encode(raw[i*hal.InstanceDescSize:])
	}
	instances := r.upload(raw)
	tlas := r.buildAccel(hal.BuildInputs{
		Type:          hal.AccelTopLevel,
		InstanceDescs: instances.GPUAddress(),
		InstanceCount: uint32(len(transforms)),
	})
	return tlas.GPUAddress()
}

type tracePass struct {
	pipeline hal.RayTracingPipeline
	rootSig  hal.RootSignature
	heap     hal.DescriptorHeap
	output   hal.Texture
	tables   hal.DispatchRaysDesc
}

// newTracePass creates the pipeline, root signature, output texture and
// shader tables for a library with one export per table.
func (r *rig) newTracePass(lib []byte, raygen, miss, hit string, params []hal.RootParameter, width, height uint32) *tracePass {
	r.t.Helper()
	rs, err := r.dev.CreateRootSignature(hal.RootSignatureDesc{Parameters: params})
	if err != nil {
		r.t.Fatalf("root signature: %v", err)
	}
	p, err := r.dev.CreateRayTracingPipeline(hal.RayTracingPipelineDesc{
		Library:                lib,
		Exports:                []string{raygen, miss, hit},
		HitGroups:              []hal.HitGroupDesc{{Name: "HitGroup", ClosestHit: hit}},
		MaxPayloadSize:         16,
		MaxAttributeSize:       metadata.AttributeSize,
		MaxTraceRecursionDepth: 1,
		GlobalRootSignature:    rs,
	})
	if err != nil {
		r.t.Fatalf("pipeline: %v", err)
	}
	heap, err := r.dev.CreateDescriptorHeap(hal.DescriptorHeapDesc{Kind: hal.DescriptorHeapResource, Capacity: 4})
	if err != nil {
		r.t.Fatalf("heap: %v", err)
	}
	out, err := r.dev.CreateTexture(hal.TextureDesc{Width: width, Height: height, Format: gputypes.TextureFormatRGBA8Unorm, InitialState: hal.StateUnorderedAccess, AllowUAV: true})
	if err != nil {
		r.t.Fatalf("texture: %v", err)
	}
	if err := r.dev.CreateView(hal.ViewDesc{Kind: hal.ViewUnorderedAccess, Texture: out}, heap.CPUStart()); err != nil {
		r.t.Fatalf("view: %v", err)
	}

	table := make([]byte, 3*hal.ShaderTableAlignment)
	for i, name := range []string{raygen, miss, "HitGroup"} {
		id, ok := p.ShaderIdentifier(name)
		if !ok {
			r.t.Fatalf("no identifier for %s", name)
		}
		copy(table[i*hal.ShaderTableAlignment:], id)
	}
	buf := r.upload(table)
	base := buf.GPUAddress()
	rec := func(i int) hal.ShaderTableRange {
		return hal.ShaderTableRange{
			Start:  base + hal.GPUAddress(i*hal.ShaderTableAlignment),
			Size:   hal.ShaderIdentifierSize,
			Stride: hal.ShaderIdentifierSize,
		}
	}
	return &tracePass{
		pipeline: p,
		rootSig:  rs,
		heap:     heap,
		output:   out,
		tables: hal.DispatchRaysDesc{
			RayGeneration: rec(0),
			Miss:          rec(1),
			HitGroup:      rec(2),
			Width:         width,
			Height:        height,
		},
	}
}

// readback copies the output texture to a readback buffer and returns the
// de-padded RGBA8 pixels.
func (r *rig) readback(tp *tracePass) [][4]byte {
	r.t.Helper()
	fp, err := r.dev.CopyableFootprint(tp.output.Desc())
	if err != nil {
		r.t.Fatalf("footprint: %v", err)
	}
	rb, err := r.dev.CreateBuffer(hal.BufferDesc{Size: fp.TotalSize, Heap: hal.HeapReadback})
	if err != nil {
		r.t.Fatalf("readback buffer: %v", err)
	}
	err = r.submit(func(l hal.CommandList) {
		l.ResourceBarrier(hal.TransitionBarrier(tp.output, hal.StateUnorderedAccess, hal.StateCopySource))
		l.CopyTextureToBuffer(rb, fp.Layout, tp.output)
		l.ResourceBarrier(hal.TransitionBarrier(tp.output, hal.StateCopySource, hal.StateUnorderedAccess))
	})
	if err != nil {
		r.t.Fatalf("copy: %v", err)
	}
	data, err := rb.Map()
	if err != nil {
		r.t.Fatalf("map: %v", err)
	}
	defer rb.Unmap()
	w, h := fp.Layout.Width, fp.Layout.Height
	px := make([][4]byte, 0, w*h)
	for y := uint32(0); y < h; y++ {
		row := data[uint64(y)*uint64(fp.Layout.RowPitch):]
		for x := uint32(0); x < w; x++ {
			px = append(px, [4]byte{row[x*4], row[x*4+1], row[x*4+2], row[x*4+3]})
		}
	}
	return px
}

func TestDispatchOrthographic(t *testing.T) {
	red := [4]byte{255, 0, 0, 255}
	blue := [4]byte{0, 0, 255, 255}
	tests := []struct {
		name      string
		transform math.Mat4
		mask      byte
		left      [4]byte
		right     [4]byte
	}{
		{"identity", math.NewMat4Identity(), 0xFF, red, blue},
		{"translated", math.NewMat4Translation(math.NewVec3(1, 0, 0)), 0xFF, blue, red},
		{"masked out", math.NewMat4Identity(), 0x02, blue, blue},
	}
	lib := EncodeLibrary(map[string]string{
		"RayGen": "test.ortho_raygen",
		"Miss":   "test.ortho_miss",
		"Hit":    "test.ortho_hit",
	})
	params := []hal.RootParameter{
		{Kind: hal.RootCBV},
		{Kind: hal.RootSRV},
		{Kind: hal.RootTable, Ranges: []hal.DescriptorRange{{Kind: hal.RangeUAV, Count: 1}}},
	}
	const size = 8
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, hal.DeviceDesc{EnableBreakOnError: true}, WithWorkers(3))
			scene := r.quadScene(tt.transform)
			tp := r.newTracePass(lib, "RayGen", "Miss", "Hit", params, size, size)
			cb := r.upload(append([]byte{tt.mask}, make([]byte, 255)...))

			err := r.submit(func(l hal.CommandList) {
				l.SetDescriptorHeaps(tp.heap)
				l.SetComputeRootSignature(tp.rootSig)
				l.SetComputeRootConstantBufferView(0, cb.GPUAddress())
				l.SetComputeRootShaderResourceView(1, scene)
				l.SetComputeRootDescriptorTable(2, tp.heap.GPUStart())
				l.SetPipelineState1(tp.pipeline)
				l.DispatchRays(tp.tables)
			})
			if err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			px := r.readback(tp)
			for y := 0; y < size; y++ {
				if got := px[y*size]; got != tt.left {
					t.Fatalf("row %d: expected left pixel %v; got %v", y, tt.left, got)
				}
				if got := px[y*size+size-1]; got != tt.right {
					t.Fatalf("row %d: expected right pixel %v; got %v", y, tt.right, got)
				}
			}
		})
	}
}

func TestDispatchRequiresUnorderedAccessState(t *testing.T) {
	r := newRig(t, hal.DeviceDesc{EnableBreakOnError: true})
	scene := r.quadScene(math.NewMat4Identity())
	lib := EncodeLibrary(map[string]string{"RayGen": "test.ortho_raygen", "Miss": "test.ortho_miss", "Hit": "test.ortho_hit"})
	params := []hal.RootParameter{
		{Kind: hal.RootCBV},
		{Kind: hal.RootSRV},
		{Kind: hal.RootTable, Ranges: []hal.DescriptorRange{{Kind: hal.RangeUAV, Count: 1}}},
	}
	tp := r.newTracePass(lib, "RayGen", "Miss", "Hit", params, 4, 4)
	cb := r.upload(make([]byte, 256))
	err := r.submit(func(l hal.CommandList) {
		l.ResourceBarrier(hal.TransitionBarrier(tp.output, hal.StateUnorderedAccess, hal.StateCopySource))
		l.SetDescriptorHeaps(tp.heap)
		l.SetComputeRootSignature(tp.rootSig)
		l.SetComputeRootConstantBufferView(0, cb.GPUAddress())
		l.SetComputeRootShaderResourceView(1, scene)
		l.SetComputeRootDescriptorTable(2, tp.heap.GPUStart())
		l.SetPipelineState1(tp.pipeline)
		l.DispatchRays(tp.tables)
	})
	if err == nil {
		t.Fatalf("expected the dispatch to fault on a texture outside the UAV state")
	}
}

func TestReferenceLibraryRenders(t *testing.T) {
	const size = 16
	r := newRig(t, hal.DeviceDesc{EnableBreakOnError: true})
	scene := r.quadScene(math.NewMat4Identity(), math.NewMat4Translation(math.NewVec3(1.5, 0, -1)))

	rs, _ := r.dev.CreateRootSignature(hal.RootSignatureDesc{Parameters: []hal.RootParameter{
		metadata.RootSceneParams:  {Kind: hal.RootCBV},
		metadata.RootScene:        {Kind: hal.RootSRV},
		metadata.RootAccumulation: {Kind: hal.RootTable, Ranges: []hal.DescriptorRange{{Kind: hal.RangeUAV, Count: 1}}},
		metadata.RootOutput:       {Kind: hal.RootTable, Ranges: []hal.DescriptorRange{{Kind: hal.RangeUAV, Count: 1, BaseRegister: 1}}},
		metadata.RootMaterials:    {Kind: hal.RootSRV, Register: 1},
	}})
	p, err := r.dev.CreateRayTracingPipeline(hal.RayTracingPipelineDesc{
		Library: ReferenceLibrary(),
		Exports: []string{
			metadata.ExportGenerateRay, metadata.ExportClosestHit, metadata.ExportShadowAnyHit,
			metadata.ExportMiss, metadata.ExportShadowMiss,
		},
		HitGroups: []hal.HitGroupDesc{
			{Name: metadata.HitGroupStandard, ClosestHit: metadata.ExportClosestHit},
			{Name: metadata.HitGroupShadow, AnyHit: metadata.ExportShadowAnyHit},
		},
		MaxPayloadSize:         metadata.PayloadSize,
		MaxAttributeSize:       metadata.AttributeSize,
		MaxTraceRecursionDepth: 2,
		GlobalRootSignature:    rs,
	})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	if p.ShaderStackSize(metadata.HitGroupStandard) == 0 {
		t.Fatalf("expected a non zero stack size")
	}

	heap, _ := r.dev.CreateDescriptorHeap(hal.DescriptorHeapDesc{Kind: hal.DescriptorHeapResource, Capacity: 2})
	inc := r.dev.DescriptorIncrement(hal.DescriptorHeapResource)
	accum, _ := r.dev.CreateTexture(hal.TextureDesc{Width: size, Height: size, Format: gputypes.TextureFormatRGBA32Float, InitialState: hal.StateUnorderedAccess, AllowUAV: true})
	out, _ := r.dev.CreateTexture(hal.TextureDesc{Width: size, Height: size, Format: gputypes.TextureFormatRGBA8Unorm, InitialState: hal.StateUnorderedAccess, AllowUAV: true})
	if err := r.dev.CreateView(hal.ViewDesc{Kind: hal.ViewUnorderedAccess, Texture: accum}, heap.CPUStart()); err != nil {
		t.Fatalf("view: %v", err)
	}
	if err := r.dev.CreateView(hal.ViewDesc{Kind: hal.ViewUnorderedAccess, Texture: out}, heap.CPUStart().Offset(1, inc)); err != nil {
		t.Fatalf("view: %v", err)
	}

	view := math.NewMat4LookAt(math.NewVec3(0, 0, 4), math.NewVec3Zero(), math.NewVec3Up())
	proj := math.NewMat4Perspective(math.DegToRad(37.5), 1, 0.1, 100)
	params := metadata.SceneParams{
		View:         view,
		Proj:         proj,
		InvView:      view.Inverse(),
		InvProj:      proj.Inverse(),
		InvViewProj:  proj.Inverse().Mul(view.Inverse()),
		ScreenSize:   math.NewVec4(size, size, 1.0/size, 1.0/size),
		MaxIteration: 4,
	}
	cbData := make([]byte, 1024)
	if err := params.Encode(cbData); err != nil {
		t.Fatalf("encode: %v", err)
	}
	cb := r.upload(cbData)
	materials := r.upload(f32bytes(0.9, 0.2, 0.2, 1, 0.2, 0.9, 0.2, 1))

	table := make([]byte, 5*hal.ShaderTableAlignment)
	for i, name := range []string{
		metadata.ExportGenerateRay, metadata.ExportMiss, metadata.ExportShadowMiss,
		metadata.HitGroupStandard, metadata.HitGroupShadow,
	} {
		id, _ := p.ShaderIdentifier(name)
		off := i * hal.ShaderTableAlignment
		if i == 2 || i == 4 {
			// Second record of a two record table.
			off = (i-1)*hal.ShaderTableAlignment + hal.ShaderRecordAlignment
		}
		copy(table[off:], id)
	}
	tb := r.upload(table).GPUAddress()
	desc := hal.DispatchRaysDesc{
		RayGeneration: hal.ShaderTableRange{Start: tb, Size: hal.ShaderIdentifierSize},
		Miss:          hal.ShaderTableRange{Start: tb + hal.ShaderTableAlignment, Size: 2 * hal.ShaderRecordAlignment, Stride: hal.ShaderRecordAlignment},
		HitGroup:      hal.ShaderTableRange{Start: tb + 3*hal.ShaderTableAlignment, Size: 2 * hal.ShaderRecordAlignment, Stride: hal.ShaderRecordAlignment},
		Width:         size,
		Height:        size,
	}

	err = r.submit(func(l hal.CommandList) {
		l.SetDescriptorHeaps(heap)
		l.SetComputeRootSignature(rs)
		l.SetComputeRootConstantBufferView(metadata.RootSceneParams, cb.GPUAddress())
		l.SetComputeRootShaderResourceView(metadata.RootScene, scene)
		l.SetComputeRootDescriptorTable(metadata.RootAccumulation, heap.GPUStart())
		l.SetComputeRootDescriptorTable(metadata.RootOutput, heap.GPUStart().Offset(1, inc))
		l.SetComputeRootShaderResourceView(metadata.RootMaterials, materials.GPUAddress())
		l.SetPipelineState1(p)
		l.DispatchRays(desc)
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	px := r.readback(&tracePass{output: out})
	distinct := make(map[[4]byte]bool)
	for i, c := range px {
		if c[3] != 255 {
			t.Fatalf("pixel %d: expected opaque output; got %v", i, c)
		}
		distinct[c] = true
	}
	if len(distinct) < 2 {
		t.Fatalf("expected the quads to stand out from the sky")
	}
}
