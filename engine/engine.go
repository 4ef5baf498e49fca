package engine

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spaghettifunk/rtcore/engine/config"
	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/renderer"
	"github.com/spaghettifunk/rtcore/engine/renderer/export"
	"github.com/spaghettifunk/rtcore/engine/renderer/gfx"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal/software"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

func (s Stage) String() string {
	switch s {
	case EngineStageUninitialized:
		return "uninitialized"
	case EngineStageBooting:
		return "booting"
	case EngineStageBootComplete:
		return "boot_complete"
	case EngineStageInitializing:
		return "initializing"
	case EngineStageInitialized:
		return "initialized"
	case EngineStageRunning:
		return "running"
	case EngineStageShuttingDown:
		return "shutting_down"
	}
	return "unknown"
}

// metricsLogInterval is the number of frames between two FPS log lines.
const metricsLogInterval = 60

type Engine struct {
	currentStage Stage
	gameInstance *Game
	cfg          *config.Config

	// Cleared by Stop, possibly from another goroutine. Frames already
	// submitted still complete.
	isRunning atomic.Bool

	device   *gfx.Device
	renderer *renderer.Renderer
	exporter *export.FrameExporter

	clock      *core.Clock
	metrics    *core.FrameMetrics
	lastTime   float64
	frameCount uint64
}

func New(g *Game) (*Engine, error) {
	if g == nil || g.ApplicationConfig == nil {
		err := fmt.Errorf("game and application config are required")
		core.LogError("%s", err)
		return nil, err
	}
	cfg := g.ApplicationConfig.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		core.LogError("%s", err)
		return nil, err
	}
	return &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		cfg:          cfg,
		device:       gfx.NewDevice(),
		clock:        core.NewClock(),
		metrics:      core.NewFrameMetrics(),
	}, nil
}

// Initialize boots the game, opens the device and uploads the game's scene.
func (e *Engine) Initialize() error {
	e.currentStage = EngineStageBooting
	if err := core.LogSetLevel(e.cfg.Log.Level); err != nil {
		core.LogWarn("invalid log level %q, keeping the default: %s", e.cfg.Log.Level, err)
	}
	if e.gameInstance.FnBoot != nil {
		if err := e.gameInstance.FnBoot(); err != nil {
			core.LogError("game boot failed: %s", err)
			return err
		}
	}
	e.currentStage = EngineStageBootComplete

	e.currentStage = EngineStageInitializing
	if err := e.device.Init(e.cfg.Device); err != nil {
		return err
	}

	render := e.cfg.Render
	var opts []renderer.Option
	if e.cfg.Export.Enabled {
		exporter, err := export.New(e.device, e.cfg.Export, render.Width, render.Height)
		if err != nil {
			return err
		}
		e.exporter = exporter
		opts = append(opts, renderer.WithExporter(exporter, e.cfg.Export.CaptureInterval))
	}

	library := e.gameInstance.ApplicationConfig.ShaderLibrary
	if library == nil {
		if e.cfg.Device.Driver != software.DriverName {
			err := fmt.Errorf("driver %q needs an explicit shader library", e.cfg.Device.Driver)
			core.LogError("%s", err)
			return err
		}
		library = software.ReferenceLibrary()
	}
	e.renderer = renderer.New(e.device, render, library, opts...)

	scene, err := e.gameInstance.FnInitialize()
	if err != nil {
		core.LogError("game initialize failed: %s", err)
		return err
	}
	if err := e.renderer.Init(scene); err != nil {
		return err
	}
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(render.Width, render.Height); err != nil {
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	return nil
}

// Run renders frames until Stop is called, the render time limit passes or
// the frame limit is reached.
func (e *Engine) Run() error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("engine is %s: %w", e.currentStage, core.ErrNotInitialized)
	}
	e.currentStage = EngineStageRunning
	e.isRunning.Store(true)

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	render := e.cfg.Render
	for e.isRunning.Load() {
		// Update clock and get delta time.
		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := currentTime - e.lastTime
		frameStartTime := time.Now()

		if render.RenderTimeSec > 0 && currentTime >= render.RenderTimeSec {
			core.LogInfo("render time limit of %.1fs reached after %d frames", render.RenderTimeSec, e.frameCount)
			break
		}
		if render.MaxFrames > 0 && e.frameCount >= render.MaxFrames {
			core.LogInfo("frame limit of %d reached", render.MaxFrames)
			break
		}

		if err := e.gameInstance.FnUpdate(delta, e.renderer); err != nil {
			core.LogError("game update failed, shutting down: %s", err)
			return err
		}

		frame := renderer.Frame{AnimationTime: e.animationTime()}
		if err := e.gameInstance.FnRender(&frame, delta); err != nil {
			core.LogError("game render failed, shutting down: %s", err)
			return err
		}
		if err := e.renderer.Render(frame); err != nil {
			return err
		}

		e.metrics.Update(time.Since(frameStartTime).Seconds())
		e.frameCount++
		if e.frameCount%metricsLogInterval == 0 {
			fps, ms := e.metrics.Frame()
			core.LogDebug("frame %d: %.1f fps, %.3f ms", e.frameCount, fps, ms)
		}

		// Update last time
		e.lastTime = currentTime
	}
	return nil
}

// animationTime advances at AnimFPS per rendered frame, independent of the
// wall clock.
func (e *Engine) animationTime() float32 {
	fps := e.cfg.Render.AnimFPS
	if fps <= 0 {
		return 0
	}
	t := float64(e.frameCount) / fps
	if limit := e.cfg.Render.AnimationTimeSec; limit > 0 && t > limit {
		t = limit
	}
	return float32(t)
}

// Stop asks Run to return after the current frame.
func (e *Engine) Stop() {
	e.isRunning.Store(false)
}

// Shutdown drains the GPU, joins the export workers and releases everything.
func (e *Engine) Shutdown() error {
	e.isRunning.Store(false)
	e.currentStage = EngineStageShuttingDown

	var errs []error
	if e.renderer != nil {
		errs = append(errs, e.renderer.Finish())
	}
	if e.exporter != nil {
		errs = append(errs, e.exporter.Shutdown())
		core.LogInfo("exported %d frames, dropped %d", e.exporter.Written(), e.exporter.Dropped())
	}
	if e.renderer != nil {
		e.renderer.Term()
	}
	if e.gameInstance.FnShutdown != nil {
		errs = append(errs, e.gameInstance.FnShutdown())
	}
	e.device.Term()
	e.clock.Stop()

	e.currentStage = EngineStageUninitialized
	return errors.Join(errs...)
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

// FrameCount is the number of frames rendered by Run.
func (e *Engine) FrameCount() uint64 {
	return e.frameCount
}

func (e *Engine) Config() *config.Config {
	return e.cfg
}
