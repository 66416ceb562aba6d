package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/dustrender/objstore"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/khr_dedicated_allocation"
)

// ErrDedicatedAllocationRequired is returned from the memory requirements queries when the driver
// reports that a resource must own its device memory. Such resources cannot be placed inside a
// shared block.
var ErrDedicatedAllocationRequired = errors.New("resource requires a dedicated allocation")

// Device adapts a vkngwrapper device to objstore.Device
type Device struct {
	physicalDevice      core1_0.PhysicalDevice
	device              core1_0.Device
	allocationCallbacks *driver.AllocationCallbacks
	extensionData       *extensionData

	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

var _ objstore.Device = &Device{}

// NewDevice creates a Device that allocates memory and creates resources through the provided
// core1_0.Device. The physical device's memory properties are queried once, here.
//
// callbacks - Optional Vulkan host allocation callbacks passed to every create, allocate, free and
// destroy call
func NewDevice(physicalDevice core1_0.PhysicalDevice, device core1_0.Device, callbacks *driver.AllocationCallbacks) (*Device, error) {
	if physicalDevice == nil {
		return nil, errors.New("attempted to create a device adapter without a physical device")
	}
	if device == nil {
		return nil, errors.New("attempted to create a device adapter without a device")
	}

	return &Device{
		physicalDevice:      physicalDevice,
		device:              device,
		allocationCallbacks: callbacks,
		extensionData:       newExtensionData(device),
		memoryProperties:    physicalDevice.MemoryProperties(),
	}, nil
}

func (d *Device) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return d.memoryProperties
}

func (d *Device) CreateImage(createInfo core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error) {
	return d.device.CreateImage(d.allocationCallbacks, createInfo)
}

func (d *Device) CreateBuffer(createInfo core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error) {
	return d.device.CreateBuffer(d.allocationCallbacks, createInfo)
}

func (d *Device) ImageMemoryRequirements(image core1_0.Image) (*core1_0.MemoryRequirements, error) {
	if d.extensionData.GetMemoryRequirements == nil {
		return image.MemoryRequirements(), nil
	}

	var dedicatedReqs khr_dedicated_allocation.MemoryDedicatedRequirements
	memReqs := core1_1.MemoryRequirements2{}
	if d.extensionData.DedicatedAllocations {
		memReqs.Next = &dedicatedReqs
	}

	err := d.extensionData.GetMemoryRequirements.ImageMemoryRequirements2(
		core1_1.ImageMemoryRequirementsInfo2{
			Image: image,
		},
		&memReqs)
	if err != nil {
		return nil, err
	}

	if dedicatedReqs.RequiresDedicatedAllocation {
		return nil, ErrDedicatedAllocationRequired
	}

	return &memReqs.MemoryRequirements, nil
}

func (d *Device) BufferMemoryRequirements(buffer core1_0.Buffer) (*core1_0.MemoryRequirements, error) {
	if d.extensionData.GetMemoryRequirements == nil {
		return buffer.MemoryRequirements(), nil
	}

	var dedicatedReqs khr_dedicated_allocation.MemoryDedicatedRequirements
	memReqs := core1_1.MemoryRequirements2{}
	if d.extensionData.DedicatedAllocations {
		memReqs.Next = &dedicatedReqs
	}

	err := d.extensionData.GetMemoryRequirements.BufferMemoryRequirements2(
		core1_1.BufferMemoryRequirementsInfo2{
			Buffer: buffer,
		},
		&memReqs)
	if err != nil {
		return nil, err
	}

	if dedicatedReqs.RequiresDedicatedAllocation {
		return nil, ErrDedicatedAllocationRequired
	}

	return &memReqs.MemoryRequirements, nil
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (core1_0.DeviceMemory, common.VkResult, error) {
	return d.device.AllocateMemory(d.allocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
}

func (d *Device) FreeMemory(memory core1_0.DeviceMemory) {
	memory.Free(d.allocationCallbacks)
}

func (d *Device) BindImageMemory(image core1_0.Image, memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	return image.BindImageMemory(memory, offset)
}

func (d *Device) BindBufferMemory(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	return buffer.BindBufferMemory(memory, offset)
}

func (d *Device) DestroyImage(image core1_0.Image) {
	image.Destroy(d.allocationCallbacks)
}

func (d *Device) DestroyBuffer(buffer core1_0.Buffer) {
	buffer.Destroy(d.allocationCallbacks)
}
