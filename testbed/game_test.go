package testbed

import (
	"testing"

	"github.com/spaghettifunk/rtcore/engine/config"
	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer"
)

type transforms map[int]math.Mat4

func (t transforms) SetInstanceTransform(i int, m math.Mat4) error {
	t[i] = m
	return nil
}

func TestBoxScene(t *testing.T) {
	g, err := NewTestGame(config.Default())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := g.Boot(); err != nil {
		t.Fatalf("boot: %v", err)
	}
	scene, err := g.Initialize()
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if len(scene.Instances) != instanceCount {
		t.Fatalf("expected %d instances; got %d", instanceCount, len(scene.Instances))
	}
	for i, inst := range scene.Instances {
		if inst.Mesh >= len(scene.Meshes) {
			t.Fatalf("instance %d uses missing mesh %d", i, inst.Mesh)
		}
	}

	moved := transforms{}
	if err := g.Update(1, moved); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, ok := moved[instanceSpinningBox]; !ok || len(moved) != 1 {
		t.Fatalf("expected only the spinning box to move; got %v", moved)
	}

	if err := g.OnResize(1920, 1080); err != nil {
		t.Fatalf("resize: %v", err)
	}
	var frame renderer.Frame
	if err := g.Render(&frame, 1); err != nil {
		t.Fatalf("render: %v", err)
	}
	if frame.View == math.NewMat4Identity() || frame.Proj == math.NewMat4Identity() {
		t.Fatalf("expected camera matrices to be filled in")
	}
	if frame.CameraDir.Z >= 0 {
		t.Fatalf("expected the camera to look down -z; got %+v", frame.CameraDir)
	}
	if err := g.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
