// Package renderer drives one ray traced frame per call: it keeps the scene
// constants, records the dispatch on the graphics queue and hands finished
// frames to the exporter.
package renderer

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/rtcore/engine/config"
	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer/export"
	"github.com/spaghettifunk/rtcore/engine/renderer/gfx"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
	"github.com/spaghettifunk/rtcore/engine/renderer/metadata"
)

// MaxTraceRecursionDepth covers a radiance ray plus its shadow ray.
const MaxTraceRecursionDepth = 2

type Option func(*Renderer)

// WithExporter captures frames through e. interval captures every Nth frame;
// zero captures only the frame rendered last, at Finish.
func WithExporter(e *export.FrameExporter, interval uint64) Option {
	return func(r *Renderer) {
		r.exporter = e
		r.captureInterval = interval
	}
}

type Renderer struct {
	dev     *gfx.Device
	cfg     config.RenderConfig
	library []byte

	exporter        *export.FrameExporter
	captureInterval uint64
	capturedLast    bool

	list      *gfx.CommandList
	rootSig   hal.RootSignature
	pipeline  *gfx.RayTracingPipeline
	sceneCB   *gfx.ConstantBuffer
	scene     *sceneResources
	pending   map[int]math.Mat4
	instances int

	accumulation hal.Texture
	output       hal.Texture
	accumSlot    gfx.DescriptorSlot
	outputSlot   gfx.DescriptorSlot
	outputCopy   bool

	camera cameraHistory

	// Wait point of the last submission per command list buffer.
	waitPoints [2]gfx.WaitPoint
	last       gfx.WaitPoint
	frameIndex uint32

	initialized bool
}

// New prepares a renderer for dev. library is the compiled shader library
// bound to the standard exports.
func New(dev *gfx.Device, cfg config.RenderConfig, library []byte, opts ...Option) *Renderer {
	r := &Renderer{
		dev:        dev,
		cfg:        cfg,
		library:    library,
		pending:    make(map[int]math.Mat4),
		accumSlot:  gfx.InvalidSlot(gfx.HeapResource),
		outputSlot: gfx.InvalidSlot(gfx.HeapResource),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init creates the output targets and the pipeline, uploads scene and builds
// its acceleration structures. It blocks until the builds completed.
func (r *Renderer) Init(scene *metadata.Scene) error {
	if r.initialized {
		return nil
	}
	if !r.dev.IsInitialized() {
		return core.ErrNotInitialized
	}
	if err := r.init(scene); err != nil {
		r.Term()
		core.LogError("failed to initialize the renderer: %s", err)
		return err
	}
	r.initialized = true
	core.LogInfo("renderer ready: %dx%d, %d meshes, %d instances, %d triangles",
		r.cfg.Width, r.cfg.Height, len(scene.Meshes), len(scene.Instances), scene.TriangleCount())
	return nil
}

func (r *Renderer) init(scene *metadata.Scene) error {
	var err error
	if r.cfg.Width == 0 || r.cfg.Height == 0 {
		return config.ErrInvalidSize
	}
	if r.list, err = gfx.NewCommandList(r.dev, hal.QueueGraphics); err != nil {
		return err
	}
	if r.accumulation, err = r.dev.CreateStorageTexture("accumulation", r.cfg.Width, r.cfg.Height, gputypes.TextureFormatRGBA32Float); err != nil {
		return err
	}
	if r.output, err = r.dev.CreateStorageTexture("output", r.cfg.Width, r.cfg.Height, gputypes.TextureFormatRGBA8Unorm); err != nil {
		return err
	}
	if r.accumSlot, err = r.dev.CreateUnorderedAccessView(r.accumulation); err != nil {
		return err
	}
	if r.outputSlot, err = r.dev.CreateUnorderedAccessView(r.output); err != nil {
		return err
	}
	if r.sceneCB, err = gfx.NewConstantBuffer(r.dev, "scene-params", metadata.SceneParamsSize); err != nil {
		return err
	}
	if r.rootSig, err = gfx.NewRayTracingRootSignature(r.dev); err != nil {
		return err
	}
	r.pipeline, err = gfx.NewRayTracingPipeline(r.dev, gfx.PipelineDesc{
		Label:                  "path-trace",
		Library:                r.library,
		RootSignature:          r.rootSig,
		MaxTraceRecursionDepth: MaxTraceRecursionDepth,
	})
	if err != nil {
		return err
	}

	// Setup submission: build every acceleration structure and wait for it.
	if err := r.list.Reset(); err != nil {
		return err
	}
	if r.scene, err = uploadScene(r.dev, r.list, scene); err != nil {
		_ = r.list.Close()
		return err
	}
	r.instances = len(scene.Instances)
	if err := r.list.Close(); err != nil {
		return err
	}
	q := r.dev.GraphicsQueue()
	if err := q.Execute(r.list); err != nil {
		return err
	}
	wp, err := q.Signal()
	if err != nil {
		return err
	}
	r.waitPoints[r.list.Index()] = wp
	return q.Sync(wp, r.dev.SyncTimeout())
}

// SetInstanceTransform moves instance i. The TLAS is refit on the next
// Render.
func (r *Renderer) SetInstanceTransform(i int, transform math.Mat4) error {
	if i < 0 || i >= r.instances {
		return fmt.Errorf("instance %d out of range [0, %d)", i, r.instances)
	}
	r.pending[i] = transform
	return nil
}

// Render records, submits and optionally captures one frame.
func (r *Renderer) Render(f Frame) error {
	if !r.initialized {
		return core.ErrNotInitialized
	}
	q := r.dev.GraphicsQueue()
	timeout := r.dev.SyncTimeout()

	// The allocator and constant buffer half about to be reused belong to the
	// submission two frames back.
	next := (r.list.Index() + 1) & 1
	if err := q.Sync(r.waitPoints[next], timeout); err != nil {
		return r.fail(err)
	}

	enable := r.camera.advance(f.View, f.Proj)
	params := r.camera.params(f, r.cfg.Width, r.cfg.Height, r.frameIndex, r.cfg.MaxIteration, enable)
	r.sceneCB.SwapBuffer()
	if err := params.Encode(r.sceneCB.Bytes()); err != nil {
		return r.fail(err)
	}

	if err := r.list.Reset(); err != nil {
		return r.fail(err)
	}
	raw := r.list.Raw()
	if r.outputCopy {
		raw.ResourceBarrier(hal.TransitionBarrier(r.output, hal.StateCopySource, hal.StateUnorderedAccess))
	}
	if len(r.pending) > 0 {
		// The previous frame may still read the instance buffer.
		if err := q.Sync(r.last, timeout); err != nil {
			_ = r.list.Close()
			return r.fail(err)
		}
		if err := r.scene.applyTransforms(r.list, r.pending); err != nil {
			_ = r.list.Close()
			return r.fail(err)
		}
		clear(r.pending)
	}

	raw.SetComputeRootSignature(r.rootSig)
	raw.SetComputeRootConstantBufferView(metadata.RootSceneParams, r.sceneCB.GPUAddress())
	raw.SetComputeRootShaderResourceView(metadata.RootScene, r.scene.tlas.GPUAddress())
	raw.SetComputeRootDescriptorTable(metadata.RootAccumulation, r.dev.HandleGPU(r.accumSlot))
	raw.SetComputeRootDescriptorTable(metadata.RootOutput, r.dev.HandleGPU(r.outputSlot))
	raw.SetComputeRootShaderResourceView(metadata.RootMaterials, r.scene.materials.GPUAddress())
	r.pipeline.DispatchRays(r.list, r.cfg.Width, r.cfg.Height)
	raw.ResourceBarrier(hal.TransitionBarrier(r.output, hal.StateUnorderedAccess, hal.StateCopySource))
	if err := r.list.Close(); err != nil {
		return r.fail(err)
	}

	if r.exporter != nil {
		// Do not overwrite the output while the copy queue still reads it.
		if err := q.Wait(r.exporter.LastCopy()); err != nil {
			return r.fail(err)
		}
	}
	if err := q.Execute(r.list); err != nil {
		return r.fail(err)
	}
	wp, err := q.Signal()
	if err != nil {
		return r.fail(err)
	}
	r.waitPoints[r.list.Index()] = wp
	r.last = wp
	r.outputCopy = true
	r.capturedLast = false

	if r.shouldCapture(uint64(r.frameIndex)) {
		if err := r.capture(); err != nil {
			return err
		}
	}
	r.frameIndex++
	return nil
}

func (r *Renderer) shouldCapture(frame uint64) bool {
	return r.exporter != nil && r.captureInterval > 0 && (frame+1)%r.captureInterval == 0
}

func (r *Renderer) capture() error {
	if err := r.exporter.CaptureResource(r.output, r.last); err != nil {
		if errors.Is(err, core.ErrDeviceLost) {
			return r.fail(err)
		}
		// The frame is dropped; rendering goes on.
		core.LogWarn("frame %d not captured: %s", r.frameIndex, err)
		return nil
	}
	r.capturedLast = true
	return nil
}

// fail attaches the device removal reason, if any, to err.
func (r *Renderer) fail(err error) error {
	if lost := r.dev.Lost(); lost != nil && !errors.Is(err, core.ErrDeviceLost) {
		err = errors.Join(err, lost)
	}
	core.LogError("frame %d failed: %s", r.frameIndex, err)
	return err
}

// Finish captures the last frame when capturing is limited to it and waits
// for every queue to drain.
func (r *Renderer) Finish() error {
	if !r.initialized {
		return nil
	}
	var err error
	if r.exporter != nil && r.captureInterval == 0 && r.frameIndex > 0 && !r.capturedLast {
		err = r.capture()
	}
	return errors.Join(err, r.dev.WaitIdle())
}

// Reload swaps the shader library. The device is drained first.
func (r *Renderer) Reload(library []byte) error {
	if !r.initialized {
		return core.ErrNotInitialized
	}
	if err := r.dev.WaitIdle(); err != nil {
		return err
	}
	if err := r.pipeline.Reload(library); err != nil {
		return err
	}
	r.library = library
	return nil
}

// Term releases every GPU object. In-flight work must have completed.
func (r *Renderer) Term() {
	if r.scene != nil {
		r.scene.term()
		r.scene = nil
	}
	if r.pipeline != nil {
		r.pipeline.Term()
		r.pipeline = nil
	}
	if r.rootSig != nil {
		r.rootSig.Destroy()
		r.rootSig = nil
	}
	if r.sceneCB != nil {
		r.sceneCB.Term()
		r.sceneCB = nil
	}
	for _, slot := range []*gfx.DescriptorSlot{&r.accumSlot, &r.outputSlot} {
		if slot.IsValid() {
			_ = r.dev.FreeDescriptor(*slot)
			*slot = gfx.InvalidSlot(gfx.HeapResource)
		}
	}
	for _, tex := range []*hal.Texture{&r.accumulation, &r.output} {
		if *tex != nil {
			(*tex).Destroy()
			*tex = nil
		}
	}
	if r.list != nil {
		r.list.Term()
		r.list = nil
	}
	r.initialized = false
}

// FrameIndex is the number of frames rendered so far.
func (r *Renderer) FrameIndex() uint32 {
	return r.frameIndex
}

func (r *Renderer) AccumulatedFrames() uint32 {
	return r.camera.accumulated
}

// LastWaitPoint is the wait point of the most recent submission.
func (r *Renderer) LastWaitPoint() gfx.WaitPoint {
	return r.last
}

// Output is the tone mapped RGBA8 target. After Render it is in the copy
// source state.
func (r *Renderer) Output() hal.Texture {
	return r.output
}

func (r *Renderer) Pipeline() *gfx.RayTracingPipeline {
	return r.pipeline
}
