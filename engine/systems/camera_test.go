package systems

import (
	"testing"

	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer/components"
)

func TestCameraSystem(t *testing.T) {
	if _, err := NewCameraSystem(&CameraSystemConfig{}); err == nil {
		t.Fatalf("expected a zero camera count to fail")
	}
	cs, err := NewCameraSystem(&CameraSystemConfig{MaxCameraCount: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	def, err := cs.Acquire(DefaultCameraName)
	if err != nil || def != cs.GetDefault() {
		t.Fatalf("expected the default camera; got %p, %v", def, err)
	}

	world, err := cs.Acquire("world")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	world.SetPosition(math.NewVec3(1, 2, 3))
	again, err := cs.Acquire("world")
	if err != nil || again != world {
		t.Fatalf("expected the same camera for the same name")
	}
	if _, err := cs.Acquire("other"); err == nil {
		t.Fatalf("expected the camera limit to be enforced")
	}

	cs.Release("world")
	if still, _ := cs.Acquire("world"); still != world {
		t.Fatalf("expected the camera to survive while referenced")
	}
	cs.Release("world")
	cs.Release("world")
	if world.GetPosition() != components.NewCamera().GetPosition() {
		t.Fatalf("expected the released camera to be reset; got %+v", world.GetPosition())
	}
	if _, err := cs.Acquire("other"); err != nil {
		t.Fatalf("expected the slot to be free after release: %v", err)
	}
	if err := cs.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
