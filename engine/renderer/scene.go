package renderer

import (
	"encoding/binary"
	"fmt"
	m "math"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer/gfx"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
	"github.com/spaghettifunk/rtcore/engine/renderer/metadata"
)

// sceneResources is the GPU copy of a metadata.Scene: one BLAS per mesh, a
// TLAS with one instance per scene instance and a material table indexed by
// instance id.
type sceneResources struct {
	vertices  []hal.Buffer
	indices   []hal.Buffer
	blas      []*gfx.Blas
	tlas      *gfx.Tlas
	materials hal.Buffer
	scratch   hal.Buffer
}

func validateScene(scene *metadata.Scene) error {
	if scene == nil || len(scene.Instances) == 0 {
		return fmt.Errorf("scene has no instances: %w", core.ErrEmptyAccelerationStructure)
	}
	for i, mesh := range scene.Meshes {
		if len(mesh.Vertices) == 0 || len(mesh.Indices) == 0 || len(mesh.Indices)%3 != 0 {
			return fmt.Errorf("mesh %d (%s) is not a triangle list: %w", i, mesh.Name, core.ErrEmptyAccelerationStructure)
		}
		for _, idx := range mesh.Indices {
			if int(idx) >= len(mesh.Vertices) {
				return fmt.Errorf("mesh %d (%s) index %d out of range", i, mesh.Name, idx)
			}
		}
	}
	for i, inst := range scene.Instances {
		if inst.Mesh < 0 || inst.Mesh >= len(scene.Meshes) {
			return fmt.Errorf("instance %d references missing mesh %d", i, inst.Mesh)
		}
	}
	return nil
}

func vertexBytes(v []math.Vec3) []byte {
	b := make([]byte, 12*len(v))
	for i, p := range v {
		binary.LittleEndian.PutUint32(b[i*12:], m.Float32bits(p.X))
		binary.LittleEndian.PutUint32(b[i*12+4:], m.Float32bits(p.Y))
		binary.LittleEndian.PutUint32(b[i*12+8:], m.Float32bits(p.Z))
	}
	return b
}

func indexBytes(idx []uint32) []byte {
	b := make([]byte, 4*len(idx))
	for i, x := range idx {
		binary.LittleEndian.PutUint32(b[i*4:], x)
	}
	return b
}

func materialBytes(scene *metadata.Scene) []byte {
	b := make([]byte, metadata.MaterialStride*len(scene.Instances))
	for i, inst := range scene.Instances {
		a := scene.Meshes[inst.Mesh].Albedo
		off := i * metadata.MaterialStride
		for j, f := range []float32{a.X, a.Y, a.Z, 1} {
			binary.LittleEndian.PutUint32(b[off+j*4:], m.Float32bits(f))
		}
	}
	return b
}

// uploadScene creates every scene resource and records the acceleration
// structure builds into list. The caller submits list and waits for it
// before the first dispatch.
func uploadScene(dev *gfx.Device, list *gfx.CommandList, scene *metadata.Scene) (*sceneResources, error) {
	if err := validateScene(scene); err != nil {
		return nil, err
	}
	res := &sceneResources{}
	if err := res.create(dev, scene); err != nil {
		res.term()
		return nil, err
	}
	if err := res.record(list); err != nil {
		res.term()
		return nil, err
	}
	return res, nil
}

func (s *sceneResources) create(dev *gfx.Device, scene *metadata.Scene) error {
	for i := range scene.Meshes {
		mesh := &scene.Meshes[i]
		vb, err := dev.CreateUploadBuffer(fmt.Sprintf("%s-vertices", mesh.Name), uint64(12*len(mesh.Vertices)), vertexBytes(mesh.Vertices))
		if err != nil {
			return err
		}
		s.vertices = append(s.vertices, vb)
		ib, err := dev.CreateUploadBuffer(fmt.Sprintf("%s-indices", mesh.Name), uint64(4*len(mesh.Indices)), indexBytes(mesh.Indices))
		if err != nil {
			return err
		}
		s.indices = append(s.indices, ib)

		blas := gfx.NewBlas(dev, gfx.BlasDesc{
			Label: mesh.Name,
			Flags: hal.BuildPreferFastTrace,
			Geometries: []gfx.TriangleGeometry{{
				VertexBuffer: vb,
				VertexCount:  uint32(len(mesh.Vertices)),
				VertexFormat: gputypes.VertexFormatFloat32x3,
				IndexBuffer:  ib,
				IndexCount:   uint32(len(mesh.Indices)),
				IndexFormat:  gputypes.IndexFormatUint32,
				Opaque:       mesh.Opaque,
			}},
		})
		s.blas = append(s.blas, blas)
		if err := blas.Init(); err != nil {
			return err
		}
	}

	instances := make([]hal.InstanceDesc, len(scene.Instances))
	for i, inst := range scene.Instances {
		instances[i] = gfx.NewInstance(s.blas[inst.Mesh], inst.Transform, uint32(i))
		if inst.Mask != 0 {
			instances[i].Mask = inst.Mask
		}
	}
	s.tlas = gfx.NewTlas(dev, gfx.TlasDesc{
		Label:     "scene",
		Instances: instances,
		Flags:     hal.BuildPreferFastTrace | hal.BuildAllowUpdate,
	})
	if err := s.tlas.Init(); err != nil {
		return err
	}

	materials, err := dev.CreateUploadBuffer("materials", uint64(metadata.MaterialStride*len(scene.Instances)), materialBytes(scene))
	if err != nil {
		return err
	}
	s.materials = materials

	// One scratch buffer serves every build; builds are serialized with UAV
	// barriers on it.
	size := s.tlas.ScratchSize()
	for _, b := range s.blas {
		size = max(size, b.ScratchSize())
	}
	scratch, err := dev.CreateScratchBuffer("accel-scratch", size)
	if err != nil {
		return err
	}
	s.scratch = scratch
	return nil
}

func (s *sceneResources) record(list *gfx.CommandList) error {
	for _, b := range s.blas {
		if err := b.Build(list, s.scratch.GPUAddress()); err != nil {
			return err
		}
		list.Raw().ResourceBarrier(hal.UAVBarrier(s.scratch))
	}
	return s.tlas.Build(list, s.scratch.GPUAddress())
}

// applyTransforms writes pending instance transforms and records a TLAS
// refit. The GPU must not be reading the instance buffer.
func (s *sceneResources) applyTransforms(list *gfx.CommandList, pending map[int]math.Mat4) error {
	mapping, err := s.tlas.Map()
	if err != nil {
		return err
	}
	for i, t := range pending {
		mapping.SetTransform(i, t)
	}
	s.tlas.Unmap()
	list.Raw().ResourceBarrier(hal.UAVBarrier(s.scratch))
	return s.tlas.Update(list, s.scratch.GPUAddress())
}

func (s *sceneResources) term() {
	if s.tlas != nil {
		s.tlas.Term()
		s.tlas = nil
	}
	for _, b := range s.blas {
		b.Term()
	}
	s.blas = nil
	for _, buf := range append(s.vertices, s.indices...) {
		buf.Destroy()
	}
	s.vertices, s.indices = nil, nil
	for _, buf := range []hal.Buffer{s.materials, s.scratch} {
		if buf != nil {
			buf.Destroy()
		}
	}
	s.materials, s.scratch = nil, nil
}
