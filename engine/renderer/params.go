package renderer

import (
	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer/metadata"
)

// Frame is the per-frame input of Render.
type Frame struct {
	View      math.Mat4
	Proj      math.Mat4
	CameraDir math.Vec3
	// Seconds of animation time, advanced by the engine at a fixed rate.
	AnimationTime float32
}

// cameraHistory keeps the current and previous camera matrices and the
// accumulation counter. Any change of View or Proj restarts accumulation.
type cameraHistory struct {
	view, proj, invView, invProj                 math.Mat4
	prevView, prevProj, prevInvView, prevInvProj math.Mat4
	accumulated                                  uint32
}

// advance moves to the next frame and reports whether accumulation stays
// enabled.
func (h *cameraHistory) advance(view, proj math.Mat4) bool {
	h.prevView, h.prevProj = h.view, h.proj
	h.prevInvView, h.prevInvProj = h.invView, h.invProj

	h.view, h.proj = view, proj
	h.invView, h.invProj = view.Inverse(), proj.Inverse()

	enable := true
	if h.view != h.prevView || h.proj != h.prevProj {
		enable = false
		h.accumulated = 0
	}
	h.accumulated++
	return enable
}

func (h *cameraHistory) params(f Frame, width, height, frameIndex, maxIteration uint32, enable bool) metadata.SceneParams {
	w, ht := float32(width), float32(height)
	p := metadata.SceneParams{
		View:              h.view,
		Proj:              h.proj,
		InvView:           h.invView,
		InvProj:           h.invProj,
		InvViewProj:       h.invProj.Mul(h.invView),
		PrevView:          h.prevView,
		PrevProj:          h.prevProj,
		PrevInvView:       h.prevInvView,
		PrevInvProj:       h.prevInvProj,
		PrevInvViewProj:   h.prevInvProj.Mul(h.prevInvView),
		ScreenSize:        math.NewVec4(w, ht, 1/w, 1/ht),
		CameraDir:         f.CameraDir,
		MaxIteration:      maxIteration,
		FrameIndex:        frameIndex,
		AnimationTimeSec:  f.AnimationTime,
		AccumulatedFrames: h.accumulated,
	}
	if enable {
		p.EnableAccumulation = 1
	}
	return p
}
