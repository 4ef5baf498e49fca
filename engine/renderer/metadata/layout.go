package metadata

// Global root signature slots shared by the renderer and the shader library.
const (
	RootSceneParams uint32 = iota
	RootScene
	RootAccumulation
	RootOutput
	RootMaterials
	RootParameterCount
)

// MaterialStride is the size of one material table entry (float4 albedo).
const MaterialStride = 16

// Shader library export names.
const (
	ExportGenerateRay  = "OnGenerateRay"
	ExportClosestHit   = "OnClosestHit"
	ExportShadowAnyHit = "OnShadowAnyHit"
	ExportMiss         = "OnMiss"
	ExportShadowMiss   = "OnShadowMiss"

	HitGroupStandard = "StandardHit"
	HitGroupShadow   = "ShadowHit"
)

// Ray types index both the miss table and the hit group table.
const (
	RayTypeRadiance uint32 = iota
	RayTypeShadow
	RayTypeCount
)

// AttributeSize is the size of the built-in triangle attributes (barycentrics).
const AttributeSize = 8
