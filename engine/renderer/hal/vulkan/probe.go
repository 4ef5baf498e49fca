// Package vulkan reports which Vulkan adapters on this machine could host the
// ray tracing core. It only enumerates; nothing is submitted through it.
package vulkan

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

const (
	accelerationStructureExtension = "VK_KHR_acceleration_structure"
	rayTracingPipelineExtension    = "VK_KHR_ray_tracing_pipeline"
	rayQueryExtension              = "VK_KHR_ray_query"
)

// Adapter is one physical device as seen by the probe.
type Adapter struct {
	hal.AdapterInfo
	APIVersion string
	Extensions []string
}

func (a Adapter) SupportsRayTracing() bool {
	return a.RayTracingTier != hal.RayTracingNotSupported
}

// Probe loads the Vulkan loader, creates a throwaway instance and lists every
// physical device with its ray tracing support.
func Probe(appName string) ([]Adapter, error) {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		err = fmt.Errorf("vulkan loader not available: %w", err)
		core.LogWarn("%s", err)
		return nil, err
	}
	if err := vk.Init(); err != nil {
		err = fmt.Errorf("failed to initialize vk: %w", err)
		core.LogWarn("%s", err)
		return nil, err
	}

	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 2, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   safeString(appName),
		PEngineName:        safeString("rtcore"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	var instance vk.Instance
	if res := vk.CreateInstance(&createInfo, nil, &instance); res != vk.Success {
		err := fmt.Errorf("failed in creating the Vulkan Instance with error `%d`", res)
		core.LogError("%s", err)
		return nil, err
	}
	defer vk.DestroyInstance(instance, nil)
	if err := vk.InitInstance(instance); err != nil {
		core.LogError("%s", err)
		return nil, err
	}

	var count uint32
	if res := vk.EnumeratePhysicalDevices(instance, &count, nil); res != vk.Success {
		return nil, fmt.Errorf("error in EnumeratePhysicalDevices: %d", res)
	}
	if count == 0 {
		core.LogWarn("No devices which support Vulkan were found.")
		return nil, hal.ErrNoAdapter
	}
	physicalDevices := make([]vk.PhysicalDevice, count)
	if res := vk.EnumeratePhysicalDevices(instance, &count, physicalDevices); res != vk.Success {
		return nil, fmt.Errorf("error in EnumeratePhysicalDevices: %d", res)
	}

	adapters := make([]Adapter, 0, count)
	for _, pd := range physicalDevices[:count] {
		adapter, err := describe(pd)
		if err != nil {
			core.LogWarn("skipping physical device: %s", err)
			continue
		}
		core.LogInfo("Vulkan adapter '%s' (%s, API %s): ray tracing %v",
			adapter.Name, adapter.Driver, adapter.APIVersion, adapter.SupportsRayTracing())
		adapters = append(adapters, adapter)
	}
	return adapters, nil
}

func describe(pd vk.PhysicalDevice) (Adapter, error) {
	var properties vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(pd, &properties)
	properties.Deref()

	var memory vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(pd, &memory)
	memory.Deref()
	var dedicated uint64
	for j := uint32(0); j < memory.MemoryHeapCount; j++ {
		memory.MemoryHeaps[j].Deref()
		if vk.MemoryHeapFlagBits(memory.MemoryHeaps[j].Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
			dedicated += uint64(memory.MemoryHeaps[j].Size)
		}
	}

	extensions, err := deviceExtensions(pd)
	if err != nil {
		return Adapter{}, err
	}

	driver := vk.Version(properties.DriverVersion)
	api := vk.Version(properties.ApiVersion)
	return Adapter{
		AdapterInfo: hal.AdapterInfo{
			AdapterInfo: gputypes.AdapterInfo{
				Name:       vk.ToString(properties.DeviceName[:]),
				Vendor:     fmt.Sprintf("0x%04x", properties.VendorID),
				DeviceType: deviceType(properties.DeviceType),
				Driver:     fmt.Sprintf("%d.%d.%d", driver.Major(), driver.Minor(), driver.Patch()),
				Backend:    gputypes.BackendVulkan,
			},
			RayTracingTier:  rayTracingTier(extensions),
			DedicatedMemory: dedicated,
		},
		APIVersion: fmt.Sprintf("%d.%d.%d", api.Major(), api.Minor(), api.Patch()),
		Extensions: extensions,
	}, nil
}

func deviceExtensions(pd vk.PhysicalDevice) ([]string, error) {
	var count uint32
	if res := vk.EnumerateDeviceExtensionProperties(pd, "", &count, nil); res != vk.Success {
		return nil, fmt.Errorf("error in EnumerateDeviceExtensionProperties: %d", res)
	}
	if count == 0 {
		return nil, nil
	}
	available := make([]vk.ExtensionProperties, count)
	if res := vk.EnumerateDeviceExtensionProperties(pd, "", &count, available); res != vk.Success {
		return nil, fmt.Errorf("error in EnumerateDeviceExtensionProperties: %d", res)
	}
	names := make([]string, 0, count)
	for i := range available[:count] {
		available[i].Deref()
		names = append(names, vk.ToString(available[i].ExtensionName[:]))
	}
	return names, nil
}

// rayTracingTier maps the KHR extension set onto the HAL tiers: the pipeline
// extensions give tier 1.0, ray queries on top give 1.1.
func rayTracingTier(extensions []string) hal.RayTracingTier {
	has := func(name string) bool {
		for _, e := range extensions {
			if strings.TrimRight(e, "\x00") == name {
				return true
			}
		}
		return false
	}
	if !has(accelerationStructureExtension) || !has(rayTracingPipelineExtension) {
		return hal.RayTracingNotSupported
	}
	if has(rayQueryExtension) {
		return hal.RayTracingTier1_1
	}
	return hal.RayTracingTier1_0
}

// deviceType leaves virtual and unknown devices at the zero value.
func deviceType(t vk.PhysicalDeviceType) (dt gputypes.DeviceType) {
	switch t {
	case vk.PhysicalDeviceTypeDiscreteGpu:
		return gputypes.DeviceTypeDiscreteGPU
	case vk.PhysicalDeviceTypeIntegratedGpu:
		return gputypes.DeviceTypeIntegratedGPU
	case vk.PhysicalDeviceTypeCpu:
		return gputypes.DeviceTypeCPU
	}
	return dt
}

func safeString(s string) string {
	if !strings.HasSuffix(s, "\x00") {
		return s + "\x00"
	}
	return s
}
