package software

import (
	"encoding/binary"
	"fmt"
	m "math"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

// Serialized layout of an acceleration structure result buffer:
//
//	header   64 bytes
//	nodes    32 bytes each (bounds, first, count)
//	payload  triangles (48 bytes) for bottom level, instances (128 bytes) for top level
const (
	blasMagic uint32 = 0x53414c42 // "BLAS"
	tlasMagic uint32 = 0x53414c54 // "TLAS"

	accelVersion     = 1
	accelHeaderSize  = 64
	accelNodeSize    = 32
	accelTriSize     = 48
	// Instance desc, world to object rows, source index and padding.
	accelInstSize    = hal.InstanceDescSize + 48 + 16
	scratchPerPrim   = 32
	scratchPerUpdate = 48
	scratchBase      = 64
)

type triangle struct {
	v         [3]math.Vec3
	geometry  uint32
	primitive uint32
	flags     hal.GeometryFlags
}

type blasData struct {
	bounds math.Extents3D
	nodes  []bvhNode
	tris   []triangle
}

type instance struct {
	index         uint32
	desc          hal.InstanceDesc
	objectToWorld math.Mat4
	worldToObject math.Mat4
}

type tlasData struct {
	bounds    math.Extents3D
	nodes     []bvhNode
	instances []instance
}

type cachedAccel struct {
	gen  uint64
	blas *blasData
	tlas *tlasData
}

func primitiveCount(inputs hal.BuildInputs) uint64 {
	if inputs.Type == hal.AccelTopLevel {
		return uint64(inputs.InstanceCount)
	}
	n := uint64(0)
	for _, g := range inputs.Geometries {
		n += uint64(g.PrimitiveCount())
	}
	return n
}

func (d *Device) AccelerationStructurePrebuildInfo(inputs hal.BuildInputs) (hal.PrebuildInfo, error) {
	n := primitiveCount(inputs)
	if n == 0 {
		// Nothing to build. Callers treat a zero result size as a failure.
		return hal.PrebuildInfo{}, nil
	}
	payload := uint64(accelTriSize)
	if inputs.Type == hal.AccelTopLevel {
		payload = accelInstSize
	}
	info := hal.PrebuildInfo{
		ResultSize:  math.AlignUp(accelHeaderSize+accelNodeSize*(2*n-1)+payload*n, uint64(hal.AccelerationStructureAlignment)),
		ScratchSize: math.AlignUp(scratchBase+scratchPerPrim*n, uint64(hal.AccelerationStructureAlignment)),
	}
	if inputs.Flags&hal.BuildAllowUpdate != 0 {
		info.UpdateScratchSize = math.AlignUp(scratchBase+scratchPerUpdate*n, uint64(hal.AccelerationStructureAlignment))
	}
	return info, nil
}

// build runs on a queue goroutine.
func (d *Device) build(desc hal.BuildDesc) error {
	info, err := d.AccelerationStructurePrebuildInfo(desc.Inputs)
	if err != nil {
		return err
	}
	if info.ResultSize == 0 {
		return fmt.Errorf("acceleration structure build with no primitives")
	}
	scratchSize := info.ScratchSize
	if desc.Inputs.Flags&hal.BuildPerformUpdate != 0 {
		if desc.Inputs.Flags&hal.BuildAllowUpdate == 0 {
			return fmt.Errorf("update requested on a structure built without AllowUpdate")
		}
		if _, _, err := d.mem.resolve(desc.Source, accelHeaderSize); err != nil {
			return fmt.Errorf("update source: %w", err)
		}
		scratchSize = info.UpdateScratchSize
	}
	scratch, err := d.mem.bytes(desc.Scratch, scratchSize)
	if err != nil {
		return fmt.Errorf("scratch: %w", err)
	}
	dst, buf, err := d.mem.tail(desc.Dest)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	if uint64(len(dst)) < info.ResultSize {
		return fmt.Errorf("%w: destination holds %d bytes, build needs %d", hal.ErrInvalidAddress, len(dst), info.ResultSize)
	}
	if cur := hal.ResourceState(buf.state.Load()); cur != hal.StateAccelerationStructure {
		return fmt.Errorf("%w: %s is not in the acceleration structure state", hal.ErrInvalidState, buf.Label())
	}

	switch desc.Inputs.Type {
	case hal.AccelBottomLevel:
		err = d.buildBottomLevel(desc.Inputs, dst, scratch)
	case hal.AccelTopLevel:
		err = d.buildTopLevel(desc.Inputs, dst, scratch)
	default:
		err = fmt.Errorf("unknown acceleration structure type %d", desc.Inputs.Type)
	}
	if err != nil {
		return err
	}
	buf.gen.Add(1)
	return nil
}

func (d *Device) readVertex(g hal.TrianglesDesc, i uint32) (math.Vec3, error) {
	if i >= g.VertexCount {
		return math.Vec3{}, fmt.Errorf("vertex index %d out of range (%d vertices)", i, g.VertexCount)
	}
	b, err := d.mem.bytes(g.VertexBuffer+hal.GPUAddress(uint64(i)*g.VertexStride), g.VertexFormat.Size())
	if err != nil {
		return math.Vec3{}, err
	}
	return math.NewVec3(
		m.Float32frombits(binary.LittleEndian.Uint32(b[0:])),
		m.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
		m.Float32frombits(binary.LittleEndian.Uint32(b[8:])),
	), nil
}

func (d *Device) readTriangles(inputs hal.BuildInputs) ([]triangle, error) {
	tris := make([]triangle, 0, primitiveCount(inputs))
	for gi, g := range inputs.Geometries {
		if g.VertexFormat != gputypes.VertexFormatFloat32x3 {
			return nil, fmt.Errorf("geometry %d: %w: vertex format %s", gi, hal.ErrUnsupportedFormat, g.VertexFormat)
		}
		if g.VertexStride < g.VertexFormat.Size() {
			return nil, fmt.Errorf("geometry %d: vertex stride %d smaller than the vertex", gi, g.VertexStride)
		}
		var indices []byte
		indexSize := uint64(g.IndexFormat.Size())
		if g.IndexBuffer != 0 {
			if indexSize == 0 {
				return nil, fmt.Errorf("geometry %d: %w: index format %s", gi, hal.ErrUnsupportedFormat, g.IndexFormat)
			}
			var err error
			if indices, err = d.mem.bytes(g.IndexBuffer, uint64(g.IndexCount)*indexSize); err != nil {
				return nil, fmt.Errorf("geometry %d indices: %w", gi, err)
			}
		}
		index := func(k uint32) uint32 {
			if indices == nil {
				return k
			}
			if indexSize == 2 {
				return uint32(binary.LittleEndian.Uint16(indices[uint64(k)*2:]))
			}
			return binary.LittleEndian.Uint32(indices[uint64(k)*4:])
		}
		for p := uint32(0); p < g.PrimitiveCount(); p++ {
			t := triangle{geometry: uint32(gi), primitive: p, flags: g.Flags}
			for c := uint32(0); c < 3; c++ {
				v, err := d.readVertex(g, index(p*3+c))
				if err != nil {
					return nil, fmt.Errorf("geometry %d: %w", gi, err)
				}
				t.v[c] = v
			}
			tris = append(tris, t)
		}
	}
	return tris, nil
}

func (d *Device) buildBottomLevel(inputs hal.BuildInputs, dst, scratch []byte) error {
	tris, err := d.readTriangles(inputs)
	if err != nil {
		return err
	}
	prims := make([]bvhPrimitive, len(tris))
	for i, t := range tris {
		bounds := math.NewEmptyExtents().GrowPoint(t.v[0]).GrowPoint(t.v[1]).GrowPoint(t.v[2])
		prims[i] = bvhPrimitive{bounds: bounds, center: bounds.Center(), index: uint32(i)}
	}
	nodes, order := buildBVH(prims)
	// The scratch area holds the leaf ordering while the result is written.
	for i, idx := range order {
		binary.LittleEndian.PutUint32(scratch[i*4:], idx)
	}

	w := accelWriter{buf: dst}
	w.header(blasMagic, uint32(len(nodes)), uint32(len(tris)), uint32(len(inputs.Geometries)), nodes[0].bounds)
	for i := range nodes {
		w.node(&nodes[i])
	}
	for i := range order {
		t := tris[binary.LittleEndian.Uint32(scratch[i*4:])]
		for _, v := range t.v {
			w.vec3(v)
		}
		w.u32(t.geometry)
		w.u32(t.primitive)
		w.u32(uint32(t.flags))
	}
	d.logger.Debug("bottom level built", "triangles", len(tris), "nodes", len(nodes))
	return nil
}

func (d *Device) buildTopLevel(inputs hal.BuildInputs, dst, scratch []byte) error {
	n := inputs.InstanceCount
	raw, err := d.mem.bytes(inputs.InstanceDescs, uint64(n)*hal.InstanceDescSize)
	if err != nil {
		return fmt.Errorf("instance descs: %w", err)
	}
	instances := make([]instance, n)
	prims := make([]bvhPrimitive, n)
	for i := uint32(0); i < n; i++ {
		desc := hal.DecodeInstanceDesc(raw[uint64(i)*hal.InstanceDescSize:])
		blas, err := d.loadBottomLevel(desc.AccelerationStructure)
		if err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}
		o2w := math.NewMat4FromRows3x4(desc.Transform)
		instances[i] = instance{index: i, desc: desc, objectToWorld: o2w, worldToObject: o2w.Inverse()}
		bounds := blas.bounds.Transform(o2w)
		prims[i] = bvhPrimitive{bounds: bounds, center: bounds.Center(), index: i}
	}
	nodes, order := buildBVH(prims)
	for i, idx := range order {
		binary.LittleEndian.PutUint32(scratch[i*4:], idx)
	}

	w := accelWriter{buf: dst}
	w.header(tlasMagic, uint32(len(nodes)), n, 0, nodes[0].bounds)
	for i := range nodes {
		w.node(&nodes[i])
	}
	for _, idx := range order {
		inst := &instances[idx]
		inst.desc.Encode(w.buf[w.off:])
		w.off += hal.InstanceDescSize
		for _, f := range inst.worldToObject.Rows3x4() {
			w.f32(f)
		}
		w.u32(inst.index)
		w.off += 12
	}
	d.logger.Debug("top level built", "instances", n, "nodes", len(nodes))
	return nil
}

// loadBottomLevel decodes the structure at addr, reusing the cached decode
// while the backing buffer is unchanged.
func (d *Device) loadBottomLevel(addr hal.GPUAddress) (*blasData, error) {
	c, err := d.loadAccel(addr, blasMagic)
	if err != nil {
		return nil, err
	}
	return c.blas, nil
}

func (d *Device) loadTopLevel(addr hal.GPUAddress) (*tlasData, error) {
	c, err := d.loadAccel(addr, tlasMagic)
	if err != nil {
		return nil, err
	}
	return c.tlas, nil
}

func (d *Device) loadAccel(addr hal.GPUAddress, magic uint32) (*cachedAccel, error) {
	src, buf, err := d.mem.tail(addr)
	if err != nil {
		return nil, err
	}
	gen := buf.gen.Load()

	d.accelMu.Lock()
	defer d.accelMu.Unlock()
	if c, ok := d.accelCache[addr]; ok && c.gen == gen {
		if (magic == blasMagic) == (c.blas != nil) {
			return c, nil
		}
	}
	r := accelReader{buf: src}
	if len(src) < accelHeaderSize {
		return nil, fmt.Errorf("%w: %#x is not an acceleration structure", hal.ErrInvalidAddress, addr)
	}
	gotMagic, nodeCount, primCount, bounds := r.header()
	if gotMagic != magic {
		return nil, fmt.Errorf("%w: %#x does not hold a %s level structure", hal.ErrInvalidAddress, addr, levelName(magic))
	}
	payload := uint64(accelTriSize)
	if magic == tlasMagic {
		payload = accelInstSize
	}
	if need := accelHeaderSize + uint64(nodeCount)*accelNodeSize + uint64(primCount)*payload; need > uint64(len(src)) {
		return nil, fmt.Errorf("%w: structure at %#x is truncated", hal.ErrInvalidAddress, addr)
	}
	nodes := make([]bvhNode, nodeCount)
	for i := range nodes {
		nodes[i] = r.node()
	}
	c := &cachedAccel{gen: gen}
	if magic == blasMagic {
		tris := make([]triangle, primCount)
		for i := range tris {
			for k := 0; k < 3; k++ {
				tris[i].v[k] = r.vec3()
			}
			tris[i].geometry = r.u32()
			tris[i].primitive = r.u32()
			tris[i].flags = hal.GeometryFlags(r.u32())
		}
		c.blas = &blasData{bounds: bounds, nodes: nodes, tris: tris}
	} else {
		instances := make([]instance, primCount)
		for i := range instances {
			desc := hal.DecodeInstanceDesc(r.buf[r.off:])
			r.off += hal.InstanceDescSize
			var rows [12]float32
			for k := range rows {
				rows[k] = r.f32()
			}
			index := r.u32()
			r.off += 12
			instances[i] = instance{
				index:         index,
				desc:          desc,
				objectToWorld: math.NewMat4FromRows3x4(desc.Transform),
				worldToObject: math.NewMat4FromRows3x4(rows),
			}
		}
		c.tlas = &tlasData{bounds: bounds, nodes: nodes, instances: instances}
	}
	d.accelCache[addr] = c
	return c, nil
}

func (d *Device) dropAccel(addr hal.GPUAddress, size uint64) {
	d.accelMu.Lock()
	defer d.accelMu.Unlock()
	for a := range d.accelCache {
		if a >= addr && uint64(a-addr) < size {
			delete(d.accelCache, a)
		}
	}
}

func levelName(magic uint32) string {
	if magic == tlasMagic {
		return "top"
	}
	return "bottom"
}

type accelWriter struct {
	buf []byte
	off int
}

func (w *accelWriter) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *accelWriter) f32(f float32) {
	w.u32(m.Float32bits(f))
}

func (w *accelWriter) vec3(v math.Vec3) {
	w.f32(v.X)
	w.f32(v.Y)
	w.f32(v.Z)
}

func (w *accelWriter) header(magic, nodes, prims, geometries uint32, bounds math.Extents3D) {
	w.u32(magic)
	w.u32(accelVersion)
	w.u32(nodes)
	w.u32(prims)
	w.u32(geometries)
	w.vec3(bounds.Min)
	w.vec3(bounds.Max)
	w.off = accelHeaderSize
}

func (w *accelWriter) node(n *bvhNode) {
	w.vec3(n.bounds.Min)
	w.vec3(n.bounds.Max)
	w.u32(n.first)
	w.u32(n.count)
}

type accelReader struct {
	buf []byte
	off int
}

func (r *accelReader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *accelReader) f32() float32 {
	return m.Float32frombits(r.u32())
}

func (r *accelReader) vec3() math.Vec3 {
	return math.NewVec3(r.f32(), r.f32(), r.f32())
}

func (r *accelReader) header() (magic, nodes, prims uint32, bounds math.Extents3D) {
	magic = r.u32()
	_ = r.u32() // version
	nodes = r.u32()
	prims = r.u32()
	_ = r.u32() // geometry count
	bounds.Min = r.vec3()
	bounds.Max = r.vec3()
	r.off = accelHeaderSize
	return magic, nodes, prims, bounds
}

func (r *accelReader) node() bvhNode {
	var n bvhNode
	n.bounds.Min = r.vec3()
	n.bounds.Max = r.vec3()
	n.first = r.u32()
	n.count = r.u32()
	return n
}
