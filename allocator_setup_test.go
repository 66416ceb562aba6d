package objstore

import (
	"io"
	"log/slog"
	"testing"

	"github.com/dustrender/objstore/mocks"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"go.uber.org/mock/gomock"
)

const testInitialBlockSize = 1024

type fakeImage struct {
	core1_0.Image
	name string
}

type fakeBuffer struct {
	core1_0.Buffer
	name string
}

type fakeMemory struct {
	core1_0.DeviceMemory
	id   int
	size int
}

type AllocatorSetup struct {
	MemoryTypes      []core1_0.MemoryType
	MemoryHeaps      []core1_0.MemoryHeap
	AllocatorOptions CreateOptions
	Logger           *slog.Logger
}

var defaultMemoryTypes = []core1_0.MemoryType{
	{
		PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
		HeapIndex:     1,
	},
	{
		PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
		HeapIndex:     0,
	},
	{
		PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible,
		HeapIndex:     0,
	},
	{
		PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
		HeapIndex:     0,
	},
	{
		PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCached,
		HeapIndex:     0,
	},
}

var defaultMemoryHeaps = []core1_0.MemoryHeap{
	{
		Size:  256 * 1024 * 1024, // 256 MB
		Flags: core1_0.MemoryHeapDeviceLocal,
	},
	{
		Size:  1024 * 1024 * 1024, // 1 GB
		Flags: 0,
	},
}

func defaultSetup() AllocatorSetup {
	return AllocatorSetup{
		MemoryTypes: defaultMemoryTypes,
		MemoryHeaps: defaultMemoryHeaps,
	}
}

func readyAllocator(t *testing.T, ctrl *gomock.Controller, setup AllocatorSetup) (*mocks.MockDevice, *Allocator) {
	device := mocks.NewMockDevice(ctrl)
	device.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: setup.MemoryTypes,
		MemoryHeaps: setup.MemoryHeaps,
	})

	logger := setup.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	allocator, err := newAllocator(logger, device, setup.AllocatorOptions, testInitialBlockSize)
	require.NoError(t, err)

	return device, allocator
}

func requirements(size, alignment int, typeBits uint32) *core1_0.MemoryRequirements {
	return &core1_0.MemoryRequirements{
		Size:           size,
		Alignment:      alignment,
		MemoryTypeBits: typeBits,
	}
}

func mockDeviceWithProperties(ctrl *gomock.Controller) *mocks.MockDevice {
	device := mocks.NewMockDevice(ctrl)
	device.EXPECT().MemoryProperties().Return(&core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: defaultMemoryTypes,
		MemoryHeaps: defaultMemoryHeaps,
	})

	return device
}
