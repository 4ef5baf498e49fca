package engine

import (
	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer"
	"github.com/spaghettifunk/rtcore/engine/renderer/metadata"
)

// SceneUpdater is the part of the renderer a game may touch while updating.
type SceneUpdater interface {
	SetInstanceTransform(i int, transform math.Mat4) error
}

type Game struct {
	ApplicationConfig *ApplicationConfig
	State             interface{}
	FnBoot            Boot
	FnInitialize      Initialize
	FnUpdate          Update
	FnRender          Render
	FnOnResize        OnResize
	FnShutdown        Shutdown
}

type Boot func() error
type Initialize func() (*metadata.Scene, error)
type Update func(deltaTime float64, scene SceneUpdater) error
type Render func(frame *renderer.Frame, deltaTime float64) error
type OnResize func(width uint32, height uint32) error
type Shutdown func() error
