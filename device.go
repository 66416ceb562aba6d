package objstore

//go:generate mockgen -source device.go -destination ./mocks/mock_device.go -package mocks

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Device is the set of device operations the Allocator consumes. The vulkan package adapts a
// vkngwrapper core1_0.Device to this interface. The Allocator does not own the Device, which must
// outlive it.
type Device interface {
	// MemoryProperties reports the device's memory types and heaps. It is queried once, when the
	// Allocator is created.
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties

	CreateImage(createInfo core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error)
	CreateBuffer(createInfo core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error)

	ImageMemoryRequirements(image core1_0.Image) (*core1_0.MemoryRequirements, error)
	BufferMemoryRequirements(buffer core1_0.Buffer) (*core1_0.MemoryRequirements, error)

	AllocateMemory(memoryTypeIndex int, size int) (core1_0.DeviceMemory, common.VkResult, error)
	FreeMemory(memory core1_0.DeviceMemory)

	BindImageMemory(image core1_0.Image, memory core1_0.DeviceMemory, offset int) (common.VkResult, error)
	BindBufferMemory(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) (common.VkResult, error)

	DestroyImage(image core1_0.Image)
	DestroyBuffer(buffer core1_0.Buffer)
}
