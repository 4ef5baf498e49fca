package testbed

import (
	"github.com/spaghettifunk/rtcore/engine"
	"github.com/spaghettifunk/rtcore/engine/config"
	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer"
	"github.com/spaghettifunk/rtcore/engine/renderer/components"
	"github.com/spaghettifunk/rtcore/engine/renderer/metadata"
	"github.com/spaghettifunk/rtcore/engine/systems"
)

type TestGame struct {
	*engine.Game
}

// Instances of the box scene, in upload order.
const (
	instanceFloor = iota
	instanceWall
	instanceTallBox
	instanceSpinningBox
	instanceCount
)

const worldCameraName = "world"

type gameState struct {
	cameras     *systems.CameraSystem
	WorldCamera *components.Camera

	width  uint32
	height uint32

	// Radians per second the camera orbits the target. Zero keeps the
	// camera still so frames accumulate.
	orbitSpeed float32
	// Radians per second of the small box.
	spinSpeed float32
	spin      float32
}

func NewTestGame(cfg *config.Config) (*TestGame, error) {
	cameras, err := systems.NewCameraSystem(&systems.CameraSystemConfig{MaxCameraCount: 4})
	if err != nil {
		return nil, err
	}
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: &engine.ApplicationConfig{
				Name:   "rtcore testbed",
				Config: cfg,
			},
			State: &gameState{
				cameras:   cameras,
				spinSpeed: 0.5,
			},
		},
	}

	tg.FnBoot = tg.Boot
	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown

	return tg, nil
}

func (g *TestGame) Boot() error {
	core.LogInfo("booting %s...", g.ApplicationConfig.Name)

	state := g.State.(*gameState)
	camera, err := state.cameras.Acquire(worldCameraName)
	if err != nil {
		return err
	}
	state.WorldCamera = camera
	state.WorldCamera.SetPosition(math.NewVec3(0, 2.5, 8))
	state.WorldCamera.SetTarget(math.NewVec3(0, 1, 0))
	return nil
}

// Initialize builds the box scene: a floor, a back wall and two boxes.
func (g *TestGame) Initialize() (*metadata.Scene, error) {
	core.LogDebug("TestGame Initialize fn....")

	scene := &metadata.Scene{
		Meshes: []metadata.Mesh{
			systems.GeneratePlane(20, 20, 4, 4, "floor", math.NewVec3(0.75, 0.75, 0.72)),
			systems.GenerateCube(10, 5, 0.2, "wall", math.NewVec3(0.2, 0.35, 0.7)),
			systems.GenerateCube(1.2, 3, 1.2, "tall_box", math.NewVec3(0.8, 0.8, 0.8)),
			systems.GenerateCube(1, 1, 1, "small_box", math.NewVec3(0.85, 0.25, 0.2)),
		},
		Instances: make([]metadata.Instance, instanceCount),
	}
	scene.Instances[instanceFloor] = metadata.Instance{Mesh: 0, Transform: math.NewMat4Identity()}
	scene.Instances[instanceWall] = metadata.Instance{Mesh: 1, Transform: math.NewMat4Translation(math.NewVec3(0, 2.5, -3))}
	scene.Instances[instanceTallBox] = metadata.Instance{
		Mesh:      2,
		Transform: math.NewMat4EulerY(math.DegToRad(20)).Mul(math.NewMat4Translation(math.NewVec3(-1.5, 1.5, -1))),
	}
	scene.Instances[instanceSpinningBox] = metadata.Instance{Mesh: 3, Transform: g.spinningBox(0)}

	core.LogInfo("box scene: %d triangles", scene.TriangleCount())
	return scene, nil
}

func (g *TestGame) spinningBox(angle float32) math.Mat4 {
	return math.NewMat4EulerY(angle).Mul(math.NewMat4Translation(math.NewVec3(1.5, 0.5, 0.5)))
}

func (g *TestGame) Update(deltaTime float64, scene engine.SceneUpdater) error {
	state := g.State.(*gameState)
	if state.orbitSpeed != 0 {
		state.WorldCamera.Orbit(state.orbitSpeed * float32(deltaTime))
	}
	if state.spinSpeed == 0 {
		return nil
	}
	state.spin += state.spinSpeed * float32(deltaTime)
	return scene.SetInstanceTransform(instanceSpinningBox, g.spinningBox(state.spin))
}

func (g *TestGame) Render(frame *renderer.Frame, deltaTime float64) error {
	state := g.State.(*gameState)
	aspect := float32(1)
	if state.height > 0 {
		aspect = float32(state.width) / float32(state.height)
	}
	frame.View = state.WorldCamera.GetView()
	frame.Proj = state.WorldCamera.Projection(aspect)
	frame.CameraDir = state.WorldCamera.Forward()
	return nil
}

func (g *TestGame) OnResize(width uint32, height uint32) error {
	state := g.State.(*gameState)
	state.width = width
	state.height = height
	return nil
}

func (g *TestGame) Shutdown() error {
	core.LogInfo("shutting down testbed")
	state := g.State.(*gameState)
	if state.WorldCamera != nil {
		state.cameras.Release(worldCameraName)
		state.WorldCamera = nil
	}
	return state.cameras.Shutdown()
}
