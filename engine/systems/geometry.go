package systems

import (
	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer/metadata"
)

// DefaultGeometryName names generated meshes that were given no name.
const DefaultGeometryName = "default"

/**
 * @brief Generates a plane in the xz plane, facing +y, centered at the origin.
 *
 * @param width The overall width of the plane along x. Must be non-zero.
 * @param depth The overall depth of the plane along z. Must be non-zero.
 * @param xSegmentCount The number of segments along the x-axis. Must be non-zero.
 * @param zSegmentCount The number of segments along the z-axis. Must be non-zero.
 * @param name The name of the generated mesh.
 * @param albedo The flat surface color.
 */
func GeneratePlane(width, depth float32, xSegmentCount, zSegmentCount uint32, name string, albedo math.Vec3) metadata.Mesh {
	if width == 0 {
		core.LogWarn("Width must be nonzero. Defaulting to one.")
		width = 1.0
	}
	if depth == 0 {
		core.LogWarn("Depth must be nonzero. Defaulting to one.")
		depth = 1.0
	}
	if xSegmentCount < 1 {
		core.LogWarn("xSegmentCount must be a positive number. Defaulting to one.")
		xSegmentCount = 1
	}
	if zSegmentCount < 1 {
		core.LogWarn("zSegmentCount must be a positive number. Defaulting to one.")
		zSegmentCount = 1
	}

	mesh := metadata.Mesh{
		Name:     geometryName(name),
		Vertices: make([]math.Vec3, 0, (xSegmentCount+1)*(zSegmentCount+1)),
		Indices:  make([]uint32, 0, xSegmentCount*zSegmentCount*6),
		Albedo:   albedo,
		Opaque:   true,
	}

	// Shared grid vertices, row by row along z.
	segWidth := width / float32(xSegmentCount)
	segDepth := depth / float32(zSegmentCount)
	halfWidth := width * 0.5
	halfDepth := depth * 0.5
	for z := uint32(0); z <= zSegmentCount; z++ {
		for x := uint32(0); x <= xSegmentCount; x++ {
			mesh.Vertices = append(mesh.Vertices, math.NewVec3(float32(x)*segWidth-halfWidth, 0, float32(z)*segDepth-halfDepth))
		}
	}

	row := xSegmentCount + 1
	for z := uint32(0); z < zSegmentCount; z++ {
		for x := uint32(0); x < xSegmentCount; x++ {
			v0 := z*row + x
			v1 := v0 + 1
			v2 := v0 + row
			v3 := v2 + 1
			mesh.Indices = append(mesh.Indices, v0, v2, v1, v1, v2, v3)
		}
	}
	return mesh
}

// GenerateCube builds an axis aligned box centered at the origin with four
// vertices per face.
func GenerateCube(width, height, depth float32, name string, albedo math.Vec3) metadata.Mesh {
	if width == 0 {
		core.LogWarn("Width must be nonzero. Defaulting to one.")
		width = 1.0
	}
	if height == 0 {
		core.LogWarn("Height must be nonzero. Defaulting to one.")
		height = 1.0
	}
	if depth == 0 {
		core.LogWarn("Depth must be nonzero. Defaulting to one.")
		depth = 1
	}

	minX, maxX := -width*0.5, width*0.5
	minY, maxY := -height*0.5, height*0.5
	minZ, maxZ := -depth*0.5, depth*0.5

	verts := []math.Vec3{
		// Front face
		math.NewVec3(minX, minY, maxZ), math.NewVec3(maxX, maxY, maxZ), math.NewVec3(minX, maxY, maxZ), math.NewVec3(maxX, minY, maxZ),
		// Back face
		math.NewVec3(maxX, minY, minZ), math.NewVec3(minX, maxY, minZ), math.NewVec3(maxX, maxY, minZ), math.NewVec3(minX, minY, minZ),
		// Left
		math.NewVec3(minX, minY, minZ), math.NewVec3(minX, maxY, maxZ), math.NewVec3(minX, maxY, minZ), math.NewVec3(minX, minY, maxZ),
		// Right face
		math.NewVec3(maxX, minY, maxZ), math.NewVec3(maxX, maxY, minZ), math.NewVec3(maxX, maxY, maxZ), math.NewVec3(maxX, minY, minZ),
		// Bottom face
		math.NewVec3(maxX, minY, maxZ), math.NewVec3(minX, minY, minZ), math.NewVec3(maxX, minY, minZ), math.NewVec3(minX, minY, maxZ),
		// Top face
		math.NewVec3(minX, maxY, maxZ), math.NewVec3(maxX, maxY, minZ), math.NewVec3(minX, maxY, minZ), math.NewVec3(maxX, maxY, maxZ),
	}

	indices := make([]uint32, 6*6)
	for i := uint32(0); i < 6; i++ {
		vOffset := i * 4
		iOffset := i * 6
		indices[iOffset+0] = vOffset + 0
		indices[iOffset+1] = vOffset + 1
		indices[iOffset+2] = vOffset + 2
		indices[iOffset+3] = vOffset + 0
		indices[iOffset+4] = vOffset + 3
		indices[iOffset+5] = vOffset + 1
	}

	return metadata.Mesh{
		Name:     geometryName(name),
		Vertices: verts,
		Indices:  indices,
		Albedo:   albedo,
		Opaque:   true,
	}
}

func geometryName(name string) string {
	if len(name) > 0 {
		return name
	}
	return DefaultGeometryName
}
