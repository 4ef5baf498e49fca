package software

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/rand"

	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

// RayFlags alter how a single TraceRay call traverses the scene.
type RayFlags uint32

const (
	RayFlagNone        RayFlags = 0
	RayFlagForceOpaque RayFlags = 1 << iota
	RayFlagForceNonOpaque
	RayFlagAcceptFirstHitAndEndSearch
	RayFlagSkipClosestHitShader
	RayFlagCullBackFacingTriangles
	RayFlagCullFrontFacingTriangles
)

// RayDesc is a ray segment [TMin, TMax] in world space.
type RayDesc struct {
	Origin    math.Vec3
	TMin      float32
	Direction math.Vec3
	TMax      float32
}

func (r RayDesc) At(t float32) math.Vec3 {
	return r.Origin.Add(r.Direction.MulScalar(t))
}

// Hit describes a committed or candidate triangle intersection.
type Hit struct {
	T              float32
	Barycentrics   math.Vec2
	InstanceIndex  uint32
	InstanceID     uint32
	GeometryIndex  uint32
	PrimitiveIndex uint32
	FrontFace      bool
	// Object space vertex positions of the triangle.
	Positions     [3]math.Vec3
	ObjectToWorld math.Mat4
	WorldToObject math.Mat4
	WorldRay      RayDesc
}

func (h *Hit) WorldPosition() math.Vec3 {
	return h.WorldRay.At(h.T)
}

// WorldNormal returns the normalized geometric normal, flipped to face the
// incoming ray.
func (h *Hit) WorldNormal() math.Vec3 {
	n := h.Positions[1].Sub(h.Positions[0]).Cross(h.Positions[2].Sub(h.Positions[0]))
	n = n.TransformDirection(h.WorldToObject.Transposed()).Normalized()
	if n.Dot(h.WorldRay.Direction) > 0 {
		n = n.Neg()
	}
	return n
}

// Texture2D is a texture bound through a descriptor table.
type Texture2D struct {
	t *texture
}

func (t Texture2D) Width() uint32  { return t.t.desc.Width }
func (t Texture2D) Height() uint32 { return t.t.desc.Height }

func (t Texture2D) Load(x, y uint32) math.Vec4 {
	return t.t.load(x, y)
}

func (t Texture2D) Store(x, y uint32, v math.Vec4) {
	t.t.store(x, y, v)
}

var errRecursionDepth = errors.New("TraceRay exceeded the pipeline's max recursion depth")

type boundRoot struct {
	kind  rootArgKind
	addr  hal.GPUAddress
	data  []byte
	views []view
}

// dispatch holds everything resolved once per DispatchRays call.
type dispatch struct {
	dev      *Device
	pipeline *pipeline
	dims     [3]uint32
	rayGen   *shaderEntry
	miss     []*shaderEntry
	hitGroup []*shaderEntry
	root     map[uint32]boundRoot
	memo     sync.Map
	accels   sync.Map
}

func (ctx *execContext) dispatchRays(desc hal.DispatchRaysDesc) error {
	if ctx.pipeline == nil {
		return fmt.Errorf("DispatchRays without a ray tracing pipeline")
	}
	if ctx.rootSig == nil {
		return fmt.Errorf("DispatchRays without a root signature")
	}
	ds := &dispatch{
		dev:      ctx.dev,
		pipeline: ctx.pipeline,
		dims:     [3]uint32{desc.Width, desc.Height, desc.Depth},
		root:     make(map[uint32]boundRoot, len(ctx.root)),
	}
	if err := ds.resolveTables(desc); err != nil {
		return err
	}
	if err := ds.resolveRoot(ctx); err != nil {
		return err
	}
	return ds.run()
}

// readRecords returns the shader entries of a table range. A record with a
// zero identifier resolves to nil.
func (ds *dispatch) readRecords(name string, r hal.ShaderTableRange, single bool) ([]*shaderEntry, error) {
	if r.Size == 0 {
		return nil, nil
	}
	if uint64(r.Start)%hal.ShaderTableAlignment != 0 {
		return nil, fmt.Errorf("%w: %s table start %#x is not %d byte aligned", hal.ErrInvalidAddress, name, r.Start, hal.ShaderTableAlignment)
	}
	stride := r.Stride
	count := uint64(1)
	if !single {
		if stride%hal.ShaderRecordAlignment != 0 || stride < hal.ShaderIdentifierSize {
			return nil, fmt.Errorf("%s table stride %d is invalid", name, stride)
		}
		count = r.Size / stride
	}
	if r.Size < hal.ShaderIdentifierSize {
		return nil, fmt.Errorf("%s table is smaller than a shader identifier", name)
	}
	out := make([]*shaderEntry, count)
	for i := uint64(0); i < count; i++ {
		raw, err := ds.dev.mem.bytes(r.Start+hal.GPUAddress(i*stride), hal.ShaderIdentifierSize)
		if err != nil {
			return nil, fmt.Errorf("%s record %d: %w", name, i, err)
		}
		e, err := ds.pipeline.lookup(raw)
		if err != nil {
			return nil, fmt.Errorf("%s record %d: %w", name, i, err)
		}
		out[i] = e
	}
	return out, nil
}

func (ds *dispatch) resolveTables(desc hal.DispatchRaysDesc) error {
	rg, err := ds.readRecords("ray generation", desc.RayGeneration, true)
	if err != nil {
		return err
	}
	if len(rg) == 0 || rg[0] == nil || rg[0].kind != ShaderRayGeneration {
		return fmt.Errorf("ray generation record does not name a ray generation shader")
	}
	ds.rayGen = rg[0]
	if ds.miss, err = ds.readRecords("miss", desc.Miss, false); err != nil {
		return err
	}
	for i, e := range ds.miss {
		if e != nil && e.kind != ShaderMiss {
			return fmt.Errorf("miss record %d holds %s shader %s", i, e.kind, e.name)
		}
	}
	if ds.hitGroup, err = ds.readRecords("hit group", desc.HitGroup, false); err != nil {
		return err
	}
	for i, e := range ds.hitGroup {
		if e != nil && !e.hitGroup {
			return fmt.Errorf("hit group record %d holds %s shader %s", i, e.kind, e.name)
		}
	}
	return nil
}

func (ds *dispatch) resolveRoot(ctx *execContext) error {
	for index, arg := range ctx.root {
		param := ctx.rootSig.desc.Parameters[index]
		b := boundRoot{kind: arg.kind, addr: arg.addr}
		switch arg.kind {
		case rootArgCBV, rootArgSRV:
			data, _, err := ds.dev.mem.tail(arg.addr)
			if err != nil {
				return fmt.Errorf("root parameter %d: %w", index, err)
			}
			b.data = data
		case rootArgTable:
			h, first, err := ds.dev.lookupDescriptor(uint64(arg.handle))
			if err != nil {
				return fmt.Errorf("root parameter %d: %w", index, err)
			}
			bound := false
			for _, bh := range ctx.heaps {
				bound = bound || bh == h
			}
			if !bound {
				return fmt.Errorf("root parameter %d references a heap that is not bound", index)
			}
			count := uint32(0)
			for _, r := range param.Ranges {
				count += r.Count
			}
			if first+count > h.desc.Capacity {
				return fmt.Errorf("root parameter %d: table of %d descriptors overruns its heap", index, count)
			}
			for k := uint32(0); k < count; k++ {
				v := h.viewAt(first + k)
				if v.kind == hal.ViewUnorderedAccess && v.tex != nil {
					if st := hal.ResourceState(v.tex.state.Load()); st != hal.StateUnorderedAccess {
						return fmt.Errorf("%w: %s is bound for unordered access in state %#x", hal.ErrInvalidState, v.tex.Label(), st)
					}
				}
				b.views = append(b.views, v)
			}
		}
		ds.root[index] = b
	}
	return nil
}

// run spreads rows over the driver's worker count.
func (ds *dispatch) run() error {
	seq := ds.dev.dispatchSeq.Add(1)
	rows := uint64(ds.dims[1]) * uint64(ds.dims[2])
	if rows == 0 || ds.dims[0] == 0 {
		return nil
	}
	workers := min(uint64(max(ds.dev.opts.workers, 1)), rows)

	var (
		next     atomic.Uint64
		firstErr atomic.Pointer[error]
		wg       sync.WaitGroup
	)
	for w := uint64(0); w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for firstErr.Load() == nil {
				row := next.Add(1) - 1
				if row >= rows {
					return
				}
				rc := &RayContext{
					ds:    ds,
					rng:   math.NewRandom(seq<<32 | row),
					depth: 0,
				}
				rc.index[1] = uint32(row % uint64(ds.dims[1]))
				rc.index[2] = uint32(row / uint64(ds.dims[1]))
				for x := uint32(0); x < ds.dims[0]; x++ {
					rc.index[0] = x
					if err := ds.rayGen.program.RayGen(rc); err != nil {
						err = fmt.Errorf("ray generation at %v: %w", rc.index, err)
						firstErr.CompareAndSwap(nil, &err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	if p := firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (ds *dispatch) topLevel(addr hal.GPUAddress) (*tlasData, error) {
	if v, ok := ds.accels.Load(addr); ok {
		return v.(*tlasData), nil
	}
	t, err := ds.dev.loadTopLevel(addr)
	if err != nil {
		return nil, err
	}
	ds.accels.Store(addr, t)
	return t, nil
}

func (ds *dispatch) bottomLevel(addr hal.GPUAddress) (*blasData, error) {
	if v, ok := ds.accels.Load(addr); ok {
		return v.(*blasData), nil
	}
	b, err := ds.dev.loadBottomLevel(addr)
	if err != nil {
		return nil, err
	}
	ds.accels.Store(addr, b)
	return b, nil
}

// RayContext is what a shader program sees of the running dispatch.
type RayContext struct {
	ds    *dispatch
	rng   *rand.Rand
	index [3]uint32
	depth uint32
}

func (rc *RayContext) DispatchRaysIndex() [3]uint32 {
	return rc.index
}

func (rc *RayContext) DispatchRaysDimensions() [3]uint32 {
	return rc.ds.dims
}

// Random returns a uniform float in [0, 1). The sequence is deterministic for
// a given dispatch and row.
func (rc *RayContext) Random() float32 {
	return rc.rng.Float32()
}

func (rc *RayContext) root(index uint32, kind rootArgKind) (boundRoot, error) {
	b, ok := rc.ds.root[index]
	if !ok || b.kind != kind {
		return boundRoot{}, fmt.Errorf("root parameter %d is not bound as expected", index)
	}
	return b, nil
}

// ConstantBuffer returns the memory behind a root constant buffer view.
func (rc *RayContext) ConstantBuffer(index uint32) ([]byte, error) {
	b, err := rc.root(index, rootArgCBV)
	return b.data, err
}

// ShaderResource returns the GPU address bound to a root SRV, as used for
// acceleration structures.
func (rc *RayContext) ShaderResource(index uint32) (hal.GPUAddress, error) {
	b, err := rc.root(index, rootArgSRV)
	return b.addr, err
}

// Buffer returns the memory behind a root SRV.
func (rc *RayContext) Buffer(index uint32) ([]byte, error) {
	b, err := rc.root(index, rootArgSRV)
	return b.data, err
}

// Texture returns the texture at slot inside the descriptor table bound to
// root parameter index.
func (rc *RayContext) Texture(index, slot uint32) (Texture2D, error) {
	b, err := rc.root(index, rootArgTable)
	if err != nil {
		return Texture2D{}, err
	}
	if int(slot) >= len(b.views) || b.views[slot].tex == nil {
		return Texture2D{}, fmt.Errorf("table %d slot %d does not hold a texture view", index, slot)
	}
	return Texture2D{t: b.views[slot].tex}, nil
}

// Memo returns a value shared by every invocation of the dispatch, building
// it on first use.
func (rc *RayContext) Memo(key string, build func() (any, error)) (any, error) {
	if v, ok := rc.ds.memo.Load(key); ok {
		return v, nil
	}
	v, err := build()
	if err != nil {
		return nil, err
	}
	v, _ = rc.ds.memo.LoadOrStore(key, v)
	return v, nil
}

type traversal struct {
	rc           *RayContext
	flags        RayFlags
	mask         uint8
	contribution uint32
	multiplier   uint32
	ray          RayDesc
	payload      any

	tmax      float32
	committed *Hit
	entry     *shaderEntry
	done      bool
}

// TraceRay walks the top level structure at accel and invokes the hit group
// or miss shader selected through the shader tables.
func (rc *RayContext) TraceRay(accel hal.GPUAddress, flags RayFlags, mask uint8, contribution, multiplier, missIndex uint32, ray RayDesc, payload any) error {
	if rc.depth+1 > rc.ds.pipeline.desc.MaxTraceRecursionDepth {
		return errRecursionDepth
	}
	tlas, err := rc.ds.topLevel(accel)
	if err != nil {
		return err
	}
	child := *rc
	child.depth++

	tr := &traversal{
		rc:           &child,
		flags:        flags,
		mask:         mask,
		contribution: contribution,
		multiplier:   multiplier,
		ray:          ray,
		payload:      payload,
		tmax:         ray.TMax,
	}
	if err := tr.walkTopLevel(tlas); err != nil {
		return err
	}

	if tr.committed == nil {
		if int(missIndex) >= len(rc.ds.miss) {
			if len(rc.ds.miss) == 0 {
				return nil
			}
			return fmt.Errorf("miss index %d out of range", missIndex)
		}
		if e := rc.ds.miss[missIndex]; e != nil {
			return e.program.Miss(&child, payload)
		}
		return nil
	}
	if flags&RayFlagSkipClosestHitShader != 0 || tr.entry == nil || tr.entry.closestHit == nil {
		return nil
	}
	return tr.entry.closestHit.ClosestHit(&child, tr.committed, payload)
}

func (tr *traversal) walkTopLevel(tlas *tlasData) error {
	if len(tlas.nodes) == 0 {
		return nil
	}
	invDir := math.SafeInverse(tr.ray.Direction)
	world := math.Ray{Origin: tr.ray.Origin, Direction: tr.ray.Direction}
	stack := make([]uint32, 0, 64)
	stack = append(stack, 0)
	for len(stack) > 0 && !tr.done {
		n := &tlas.nodes[stack[len(stack)-1]]
		stack = stack[:len(stack)-1]
		if _, ok := n.bounds.IntersectRay(world, invDir, tr.ray.TMin, tr.tmax); !ok {
			continue
		}
		if !n.isLeaf() {
			stack = append(stack, n.first, n.first+1)
			continue
		}
		for i := n.first; i < n.first+n.count && !tr.done; i++ {
			inst := &tlas.instances[i]
			if inst.desc.Mask&tr.mask == 0 {
				continue
			}
			if err := tr.walkInstance(inst); err != nil {
				return err
			}
		}
	}
	return nil
}

func (tr *traversal) walkInstance(inst *instance) error {
	blas, err := tr.rc.ds.bottomLevel(inst.desc.AccelerationStructure)
	if err != nil {
		return fmt.Errorf("instance %d: %w", inst.index, err)
	}
	if len(blas.nodes) == 0 {
		return nil
	}
	// The direction is not renormalized so t stays comparable across spaces.
	obj := math.Ray{
		Origin:    tr.ray.Origin.Transform(inst.worldToObject),
		Direction: tr.ray.Direction.TransformDirection(inst.worldToObject),
	}
	invDir := math.SafeInverse(obj.Direction)
	var stack [64]uint32
	sp := 0
	stack[sp] = 0
	sp++
	for sp > 0 && !tr.done {
		sp--
		n := &blas.nodes[stack[sp]]
		if _, ok := n.bounds.IntersectRay(obj, invDir, tr.ray.TMin, tr.tmax); !ok {
			continue
		}
		if !n.isLeaf() {
			if sp+2 > len(stack) {
				return fmt.Errorf("instance %d: bottom level structure is too deep", inst.index)
			}
			stack[sp] = n.first
			stack[sp+1] = n.first + 1
			sp += 2
			continue
		}
		for i := n.first; i < n.first+n.count && !tr.done; i++ {
			if err := tr.testTriangle(inst, &blas.tris[i], obj); err != nil {
				return err
			}
		}
	}
	return nil
}

func (tr *traversal) opaque(inst *instance, t *triangle) bool {
	switch {
	case tr.flags&RayFlagForceOpaque != 0:
		return true
	case tr.flags&RayFlagForceNonOpaque != 0:
		return false
	case inst.desc.Flags&hal.InstanceForceOpaque != 0:
		return true
	case inst.desc.Flags&hal.InstanceForceNonOpaque != 0:
		return false
	}
	return t.flags&hal.GeometryOpaque != 0
}

func (tr *traversal) testTriangle(inst *instance, t *triangle, obj math.Ray) error {
	dist, u, v, ok := math.IntersectTriangle(obj, t.v[0], t.v[1], t.v[2])
	if !ok || dist < tr.ray.TMin || dist >= tr.tmax {
		return nil
	}
	n := t.v[1].Sub(t.v[0]).Cross(t.v[2].Sub(t.v[0]))
	ccw := obj.Direction.Dot(n) < 0
	front := !ccw
	if inst.desc.Flags&hal.InstanceFrontCounterClockwise != 0 {
		front = ccw
	}
	if inst.desc.Flags&hal.InstanceTriangleCullDisable == 0 {
		if tr.flags&RayFlagCullBackFacingTriangles != 0 && !front {
			return nil
		}
		if tr.flags&RayFlagCullFrontFacingTriangles != 0 && front {
			return nil
		}
	}

	record := tr.contribution + tr.multiplier*t.geometry + inst.desc.HitGroupContribution
	var entry *shaderEntry
	if len(tr.rc.ds.hitGroup) > 0 {
		if int(record) >= len(tr.rc.ds.hitGroup) {
			return fmt.Errorf("hit group record %d out of range", record)
		}
		entry = tr.rc.ds.hitGroup[record]
	}

	hit := &Hit{
		T:              dist,
		Barycentrics:   math.Vec2{X: u, Y: v},
		InstanceIndex:  inst.index,
		InstanceID:     inst.desc.InstanceID,
		GeometryIndex:  t.geometry,
		PrimitiveIndex: t.primitive,
		FrontFace:      front,
		Positions:      t.v,
		ObjectToWorld:  inst.objectToWorld,
		WorldToObject:  inst.worldToObject,
		WorldRay:       tr.ray,
	}
	endSearch := tr.flags&RayFlagAcceptFirstHitAndEndSearch != 0
	if !tr.opaque(inst, t) && entry != nil && entry.anyHit != nil {
		switch entry.anyHit.AnyHit(tr.rc, hit, tr.payload) {
		case AnyHitIgnore:
			return nil
		case AnyHitAcceptAndEndSearch:
			endSearch = true
		}
	}
	tr.tmax = dist
	tr.committed = hit
	tr.entry = entry
	tr.done = endSearch
	return nil
}
