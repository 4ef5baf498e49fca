package components

import (
	"github.com/spaghettifunk/rtcore/engine/math"
)

// DefaultFOV is the vertical field of view in degrees.
const DefaultFOV float32 = 37.5

// Camera is a look-at camera. The view matrix is rebuilt lazily after any
// setter marks it dirty.
type Camera struct {
	Position math.Vec3
	Target   math.Vec3
	Up       math.Vec3

	// Vertical field of view in degrees.
	FOV  float32
	Near float32
	Far  float32

	// Internal flag used to determine when the view matrix needs to be rebuilt.
	IsDirty    bool
	ViewMatrix math.Mat4
}

func NewCamera() *Camera {
	camera := &Camera{}
	camera.Reset()
	return camera
}

func (c *Camera) Reset() {
	c.Position = math.NewVec3(0, 0, 1)
	c.Target = math.NewVec3Zero()
	c.Up = math.NewVec3Up()
	c.FOV = DefaultFOV
	c.Near = 0.1
	c.Far = 1000.0
	c.IsDirty = true
	c.ViewMatrix = math.NewMat4Identity()
}

func (c *Camera) GetPosition() math.Vec3 {
	return c.Position
}

func (c *Camera) SetPosition(position math.Vec3) {
	if position == c.Position {
		return
	}
	c.Position = position
	c.IsDirty = true
}

func (c *Camera) SetTarget(target math.Vec3) {
	if target == c.Target {
		return
	}
	c.Target = target
	c.IsDirty = true
}

func (c *Camera) GetView() math.Mat4 {
	if c.IsDirty {
		c.ViewMatrix = math.NewMat4LookAt(c.Position, c.Target, c.Up)
		c.IsDirty = false
	}
	return c.ViewMatrix
}

// Projection returns the perspective matrix for the given aspect ratio.
func (c *Camera) Projection(aspect float32) math.Mat4 {
	return math.NewMat4Perspective(math.DegToRad(c.FOV), aspect, c.Near, c.Far)
}

// Forward is the normalized viewing direction.
func (c *Camera) Forward() math.Vec3 {
	return c.Target.Sub(c.Position).Normalized()
}

// Orbit rotates the position around the target by angle radians about the
// world up axis.
func (c *Camera) Orbit(angle float32) {
	offset := c.Position.Sub(c.Target).Transform(math.NewMat4EulerY(angle))
	c.SetPosition(c.Target.Add(offset))
}

// Dolly moves the camera along the viewing direction, never past the target.
func (c *Camera) Dolly(amount float32) {
	dist := c.Position.Sub(c.Target).Length()
	amount = math.Clamp(amount, -dist*10, dist-c.Near)
	c.SetPosition(c.Position.Add(c.Forward().MulScalar(amount)))
}
