package metadata

import (
	"encoding/binary"
	"errors"
	m "math"

	"github.com/spaghettifunk/rtcore/engine/math"
)

// SceneParamsSize is the packed size of SceneParams in bytes.
const SceneParamsSize = 10*64 + 16 + 12 + 4*5

// ConstantBufferAlignment is the placement alignment of constant buffer views.
const ConstantBufferAlignment = 256

// PayloadSize is the size of the closest-hit payload (position, normal,
// tangent, texcoord, material id).
const PayloadSize = 3*12 + 8 + 4

var ErrShortBuffer = errors.New("buffer too small for scene params")

// SceneParams holds the per-frame camera constants consumed by ray generation.
type SceneParams struct {
	View        math.Mat4
	Proj        math.Mat4
	InvView     math.Mat4
	InvProj     math.Mat4
	InvViewProj math.Mat4

	PrevView        math.Mat4
	PrevProj        math.Mat4
	PrevInvView     math.Mat4
	PrevInvProj     math.Mat4
	PrevInvViewProj math.Mat4

	// (width, height, 1/width, 1/height)
	ScreenSize   math.Vec4
	CameraDir    math.Vec3
	MaxIteration uint32

	FrameIndex         uint32
	AnimationTimeSec   float32
	EnableAccumulation uint32
	AccumulatedFrames  uint32
}

func (p *SceneParams) matrices() []*math.Mat4 {
	return []*math.Mat4{
		&p.View, &p.Proj, &p.InvView, &p.InvProj, &p.InvViewProj,
		&p.PrevView, &p.PrevProj, &p.PrevInvView, &p.PrevInvProj, &p.PrevInvViewProj,
	}
}

// Encode writes p little-endian into dst, which must hold SceneParamsSize bytes.
func (p *SceneParams) Encode(dst []byte) error {
	if len(dst) < SceneParamsSize {
		return ErrShortBuffer
	}
	off := 0
	putF := func(f float32) {
		binary.LittleEndian.PutUint32(dst[off:], m.Float32bits(f))
		off += 4
	}
	putU := func(u uint32) {
		binary.LittleEndian.PutUint32(dst[off:], u)
		off += 4
	}
	for _, mat := range p.matrices() {
		for _, f := range mat.Data {
			putF(f)
		}
	}
	putF(p.ScreenSize.X)
	putF(p.ScreenSize.Y)
	putF(p.ScreenSize.Z)
	putF(p.ScreenSize.W)
	putF(p.CameraDir.X)
	putF(p.CameraDir.Y)
	putF(p.CameraDir.Z)
	putU(p.MaxIteration)
	putU(p.FrameIndex)
	putF(p.AnimationTimeSec)
	putU(p.EnableAccumulation)
	putU(p.AccumulatedFrames)
	return nil
}

// DecodeSceneParams is the inverse of Encode.
func DecodeSceneParams(src []byte) (SceneParams, error) {
	var p SceneParams
	if len(src) < SceneParamsSize {
		return p, ErrShortBuffer
	}
	off := 0
	getF := func() float32 {
		v := m.Float32frombits(binary.LittleEndian.Uint32(src[off:]))
		off += 4
		return v
	}
	getU := func() uint32 {
		v := binary.LittleEndian.Uint32(src[off:])
		off += 4
		return v
	}
	for _, mat := range p.matrices() {
		for i := range mat.Data {
			mat.Data[i] = getF()
		}
	}
	p.ScreenSize = math.NewVec4(getF(), getF(), getF(), getF())
	p.CameraDir = math.NewVec3(getF(), getF(), getF())
	p.MaxIteration = getU()
	p.FrameIndex = getU()
	p.AnimationTimeSec = getF()
	p.EnableAccumulation = getU()
	p.AccumulatedFrames = getU()
	return p, nil
}

// Mesh is an indexed triangle list with a flat albedo.
type Mesh struct {
	Name     string
	Vertices []math.Vec3
	Indices  []uint32
	Albedo   math.Vec3
	Opaque   bool
}

// Instance places a mesh in the world.
type Instance struct {
	Mesh      int
	Transform math.Mat4
	Mask      uint8
}

// Scene is the geometry handed to the renderer at start up.
type Scene struct {
	Meshes    []Mesh
	Instances []Instance
}

// TriangleCount returns the number of triangles over all meshes.
func (s *Scene) TriangleCount() int {
	n := 0
	for i := range s.Meshes {
		n += len(s.Meshes[i].Indices) / 3
	}
	return n
}
