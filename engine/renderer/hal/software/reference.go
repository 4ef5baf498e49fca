package software

import (
	"encoding/binary"
	m "math"

	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
	"github.com/spaghettifunk/rtcore/engine/renderer/metadata"
)

// Program names of the built-in path tracer.
const (
	programGenerateRay  = "reference.generate_ray"
	programClosestHit   = "reference.closest_hit"
	programShadowAnyHit = "reference.shadow_any_hit"
	programMiss         = "reference.miss"
	programShadowMiss   = "reference.shadow_miss"
)

const (
	rayEpsilon      = 1e-3
	rouletteBounces = 2
	gamma           = 1 / 2.2
)

var (
	sunDirection  = math.NewVec3(0.4, 1.0, 0.3).Normalized()
	sunColor      = math.NewVec3(3.0, 2.85, 2.6)
	skyZenith     = math.NewVec3(0.35, 0.55, 0.95)
	skyHorizon    = math.NewVec3(0.9, 0.9, 0.85)
	defaultAlbedo = math.NewVec3(0.8, 0.8, 0.8)
)

func init() {
	RegisterProgram(programGenerateRay, Program{Kind: ShaderRayGeneration, RayGen: generateRay})
	RegisterProgram(programClosestHit, Program{Kind: ShaderClosestHit, ClosestHit: closestHit})
	RegisterProgram(programShadowAnyHit, Program{Kind: ShaderAnyHit, AnyHit: shadowAnyHit})
	RegisterProgram(programMiss, Program{Kind: ShaderMiss, Miss: miss})
	RegisterProgram(programShadowMiss, Program{Kind: ShaderMiss, Miss: shadowMiss})
}

// ReferenceLibrary returns the library blob binding the standard exports to
// the built-in path tracer.
func ReferenceLibrary() []byte {
	return EncodeLibrary(map[string]string{
		metadata.ExportGenerateRay:  programGenerateRay,
		metadata.ExportClosestHit:   programClosestHit,
		metadata.ExportShadowAnyHit: programShadowAnyHit,
		metadata.ExportMiss:         programMiss,
		metadata.ExportShadowMiss:   programShadowMiss,
	})
}

type radiancePayload struct {
	hit        bool
	position   math.Vec3
	normal     math.Vec3
	albedo     math.Vec3
	materialID uint32
}

type shadowPayload struct {
	visible bool
}

func sceneParams(rc *RayContext) (*metadata.SceneParams, error) {
	v, err := rc.Memo("scene_params", func() (any, error) {
		cb, err := rc.ConstantBuffer(metadata.RootSceneParams)
		if err != nil {
			return nil, err
		}
		p, err := metadata.DecodeSceneParams(cb)
		if err != nil {
			return nil, err
		}
		return &p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*metadata.SceneParams), nil
}

func generateRay(rc *RayContext) error {
	p, err := sceneParams(rc)
	if err != nil {
		return err
	}
	scene, err := rc.ShaderResource(metadata.RootScene)
	if err != nil {
		return err
	}
	accum, err := rc.Texture(metadata.RootAccumulation, 0)
	if err != nil {
		return err
	}
	out, err := rc.Texture(metadata.RootOutput, 0)
	if err != nil {
		return err
	}

	idx := rc.DispatchRaysIndex()
	dims := rc.DispatchRaysDimensions()
	fx := (float32(idx[0]) + rc.Random()) / float32(dims[0])
	fy := (float32(idx[1]) + rc.Random()) / float32(dims[1])
	ndc := math.NewVec4(fx*2-1, 1-fy*2, 1, 1).Transform(p.InvViewProj)
	origin := math.NewVec3(p.InvView.Data[12], p.InvView.Data[13], p.InvView.Data[14])
	target := ndc.ToVec3().MulScalar(1 / ndc.W)
	ray := RayDesc{Origin: origin, TMin: 0, Direction: target.Sub(origin).Normalized(), TMax: math.K_INFINITY}

	radiance, err := trace(rc, p, scene, ray)
	if err != nil {
		return err
	}

	color := radiance.ToVec4(1)
	if p.EnableAccumulation != 0 && p.AccumulatedFrames > 1 {
		prev := accum.Load(idx[0], idx[1])
		n := float32(p.AccumulatedFrames)
		color = prev.Add(color.Add(prev.MulScalar(-1)).MulScalar(1 / n))
	}
	accum.Store(idx[0], idx[1], color)
	out.Store(idx[0], idx[1], toneMap(color))
	return nil
}

// trace follows one camera path for up to MaxIteration bounces.
func trace(rc *RayContext, p *metadata.SceneParams, scene hal.GPUAddress, ray RayDesc) (math.Vec3, error) {
	throughput := math.NewVec3One()
	radiance := math.NewVec3Zero()
	bounces := max(p.MaxIteration, 1)
	for bounce := uint32(0); bounce < bounces; bounce++ {
		var pl radiancePayload
		err := rc.TraceRay(scene, RayFlagNone, 0xFF,
			metadata.RayTypeRadiance, 0, metadata.RayTypeRadiance, ray, &pl)
		if err != nil {
			return radiance, err
		}
		if !pl.hit {
			radiance = radiance.Add(throughput.Mul(sky(ray.Direction)))
			break
		}

		start := pl.position.Add(pl.normal.MulScalar(rayEpsilon))
		if cos := pl.normal.Dot(sunDirection); cos > 0 {
			var sh shadowPayload
			shadow := RayDesc{Origin: start, TMin: 0, Direction: sunDirection, TMax: math.K_INFINITY}
			err := rc.TraceRay(scene, RayFlagAcceptFirstHitAndEndSearch|RayFlagSkipClosestHitShader, 0xFF,
				metadata.RayTypeShadow, 0, metadata.RayTypeShadow, shadow, &sh)
			if err != nil {
				return radiance, err
			}
			if sh.visible {
				radiance = radiance.Add(throughput.Mul(pl.albedo).Mul(sunColor).MulScalar(cos / math.K_PI))
			}
		}

		throughput = throughput.Mul(pl.albedo)
		if bounce >= rouletteBounces {
			q := math.Clamp(max(throughput.X, throughput.Y, throughput.Z), 0.05, 0.95)
			if rc.Random() > q {
				break
			}
			throughput = throughput.MulScalar(1 / q)
		}
		ray = RayDesc{Origin: start, TMin: 0, Direction: cosineSample(rc, pl.normal), TMax: math.K_INFINITY}
	}
	return radiance, nil
}

func closestHit(rc *RayContext, hit *Hit, payload any) error {
	pl, ok := payload.(*radiancePayload)
	if !ok {
		return nil
	}
	pl.hit = true
	pl.position = hit.WorldPosition()
	pl.normal = hit.WorldNormal()
	pl.materialID = hit.InstanceID
	pl.albedo = albedo(rc, hit.InstanceID)
	return nil
}

// albedo reads the material table. Missing entries fall back to grey.
func albedo(rc *RayContext, id uint32) math.Vec3 {
	table, err := rc.Buffer(metadata.RootMaterials)
	off := uint64(id) * metadata.MaterialStride
	if err != nil || off+12 > uint64(len(table)) {
		return defaultAlbedo
	}
	f := func(i uint64) float32 {
		return m.Float32frombits(binary.LittleEndian.Uint32(table[off+i*4:]))
	}
	return math.NewVec3(f(0), f(1), f(2))
}

func shadowAnyHit(rc *RayContext, hit *Hit, payload any) AnyHitResult {
	return AnyHitAcceptAndEndSearch
}

func miss(rc *RayContext, payload any) error {
	if pl, ok := payload.(*radiancePayload); ok {
		pl.hit = false
	}
	return nil
}

func shadowMiss(rc *RayContext, payload any) error {
	if pl, ok := payload.(*shadowPayload); ok {
		pl.visible = true
	}
	return nil
}

func sky(dir math.Vec3) math.Vec3 {
	t := math.Clamp(dir.Y*0.5+0.5, 0, 1)
	return skyHorizon.MulScalar(1 - t).Add(skyZenith.MulScalar(t))
}

func cosineSample(rc *RayContext, n math.Vec3) math.Vec3 {
	r1, r2 := rc.Random(), rc.Random()
	phi := 2 * math.K_PI * r1
	r := math.Sqrt(r2)
	x := r * float32(m.Cos(float64(phi)))
	y := r * float32(m.Sin(float64(phi)))
	z := math.Sqrt(max(0, 1-r2))

	up := math.NewVec3(0, 1, 0)
	if math.Abs(n.Y) > 0.999 {
		up = math.NewVec3(1, 0, 0)
	}
	t := up.Cross(n).Normalized()
	b := n.Cross(t)
	return t.MulScalar(x).Add(b.MulScalar(y)).Add(n.MulScalar(z)).Normalized()
}

func toneMap(c math.Vec4) math.Vec4 {
	f := func(x float32) float32 {
		x = max(x, 0)
		return math.Pow(x/(1+x), gamma)
	}
	return math.NewVec4(f(c.X), f(c.Y), f(c.Z), 1)
}
