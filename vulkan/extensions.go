package vulkan

import (
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
	"github.com/vkngwrapper/extensions/v2/khr_get_memory_requirements2"
	khr_get_memory_requirements2_shim "github.com/vkngwrapper/extensions/v2/khr_get_memory_requirements2/shim"
)

// extensionData records which memory requirement queries the device supports
type extensionData struct {
	// DedicatedAllocations is true when MemoryDedicatedRequirements can be chained onto
	// a requirements query
	DedicatedAllocations  bool
	GetMemoryRequirements khr_get_memory_requirements2_shim.Shim
}

func newExtensionData(device core1_0.Device) *extensionData {
	data := &extensionData{}

	// Core 1.1 active - that means we can use khr_get_memory_requirements2 and khr_dedicated_allocation
	device11 := core1_1.PromoteDevice(device)
	if device11 != nil {
		data.DedicatedAllocations = true
		data.GetMemoryRequirements = device11
	}

	// khr_get_memory_requirements2 if core 1.1 is not active
	if data.GetMemoryRequirements == nil && device.IsDeviceExtensionActive(khr_get_memory_requirements2.ExtensionName) {
		extension := khr_get_memory_requirements2.CreateExtensionFromDevice(device)
		data.GetMemoryRequirements = khr_get_memory_requirements2_shim.NewShim(extension, device)
	}

	// khr_dedicated_allocation if khr_get_memory_requirements2 is active but core 1.1 is not
	if data.GetMemoryRequirements != nil && !data.DedicatedAllocations &&
		device.IsDeviceExtensionActive(khr_dedicated_allocation.ExtensionName) {
		data.DedicatedAllocations = true
	}

	return data
}
