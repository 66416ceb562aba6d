package simdevice

import (
	"github.com/google/uuid"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Memory is a block of simulated device memory. Only the fields are meaningful: calling any
// core1_0.DeviceMemory method on it panics.
type Memory struct {
	core1_0.DeviceMemory

	ID              uuid.UUID
	MemoryTypeIndex int
	Size            int
}

// Image is a simulated image handle
type Image struct {
	core1_0.Image

	ID           uuid.UUID
	Name         string
	Requirements core1_0.MemoryRequirements

	// Memory is nil until the image has been bound
	Memory *Memory
	Offset int
}

// Buffer is a simulated buffer handle
type Buffer struct {
	core1_0.Buffer

	ID           uuid.UUID
	Name         string
	Requirements core1_0.MemoryRequirements

	// Memory is nil until the buffer has been bound
	Memory *Memory
	Offset int
}
