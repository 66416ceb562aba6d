package vulkan

import (
	"log/slog"

	"github.com/dustrender/objstore"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	objstore.CreateOptions

	// VulkanCallbacks is an optional set of callbacks that will be executed from Vulkan on memory
	// and resources created from this allocator. Allocations & frees performed by this allocator do
	// not map 1:1 with allocations & frees performed by Vulkan, so these will not always be called
	VulkanCallbacks *driver.AllocationCallbacks
}

// New creates a new objstore.Allocator backed by a vkngwrapper device
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// device - The Device that memory will be allocated into
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options CreateOptions) (*objstore.Allocator, error) {
	adapter, err := NewDevice(physicalDevice, device, options.VulkanCallbacks)
	if err != nil {
		return nil, err
	}

	return objstore.New(logger, adapter, options.CreateOptions)
}
