package vulkan

import (
	"io"
	"log/slog"
	"testing"

	"github.com/dustrender/objstore"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/core/v2/mocks"
	"go.uber.org/mock/gomock"
)

type fakeBuffer struct {
	core1_0.Buffer
	name string

	requirements core1_0.MemoryRequirements
	boundMemory  core1_0.DeviceMemory
	boundOffset  int
	destroyed    bool
}

func (b *fakeBuffer) MemoryRequirements() *core1_0.MemoryRequirements {
	return &b.requirements
}

func (b *fakeBuffer) BindBufferMemory(memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	b.boundMemory = memory
	b.boundOffset = offset
	return core1_0.VKSuccess, nil
}

func (b *fakeBuffer) Destroy(callbacks *driver.AllocationCallbacks) {
	b.destroyed = true
}

type fakeImage struct {
	core1_0.Image
	name string

	requirements core1_0.MemoryRequirements
	boundMemory  core1_0.DeviceMemory
	boundOffset  int
	destroyed    bool
}

func (i *fakeImage) MemoryRequirements() *core1_0.MemoryRequirements {
	return &i.requirements
}

func (i *fakeImage) BindImageMemory(memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	i.boundMemory = memory
	i.boundOffset = offset
	return core1_0.VKSuccess, nil
}

func (i *fakeImage) Destroy(callbacks *driver.AllocationCallbacks) {
	i.destroyed = true
}

var testMemoryProperties = &core1_0.PhysicalDeviceMemoryProperties{
	MemoryTypes: []core1_0.MemoryType{
		{
			PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
			HeapIndex:     0,
		},
		{
			PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
			HeapIndex:     0,
		},
	},
	MemoryHeaps: []core1_0.MemoryHeap{
		{
			Size:  256 * 1024 * 1024,
			Flags: core1_0.MemoryHeapDeviceLocal,
		},
	},
}

func TestNewDeviceCore1_0(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})
	physicalDevice.EXPECT().MemoryProperties().Return(testMemoryProperties)

	adapter, err := NewDevice(physicalDevice, device, nil)
	require.NoError(t, err)
	require.Equal(t, testMemoryProperties, adapter.MemoryProperties())
	require.Equal(t, &extensionData{}, adapter.extensionData)

	buffer := &fakeBuffer{
		name: "buffer",
		requirements: core1_0.MemoryRequirements{
			Size:           512,
			Alignment:      256,
			MemoryTypeBits: 0x3,
		},
	}
	reqs, err := adapter.BufferMemoryRequirements(buffer)
	require.NoError(t, err)
	require.Equal(t, &buffer.requirements, reqs)

	image := &fakeImage{
		name: "image",
		requirements: core1_0.MemoryRequirements{
			Size:           4096,
			Alignment:      1024,
			MemoryTypeBits: 0x1,
		},
	}
	reqs, err = adapter.ImageMemoryRequirements(image)
	require.NoError(t, err)
	require.Equal(t, &image.requirements, reqs)
}

func TestNewDeviceCore1_1(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, physicalDevice, device := mocks.MockRig1_1(ctrl, common.Vulkan1_1, []string{}, []string{})
	physicalDevice.EXPECT().MemoryProperties().Return(testMemoryProperties)

	adapter, err := NewDevice(physicalDevice, device, nil)
	require.NoError(t, err)
	require.Equal(t, &extensionData{
		DedicatedAllocations:  true,
		GetMemoryRequirements: device,
	}, adapter.extensionData)
}

func TestNewDeviceMissingArguments(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})

	_, err := NewDevice(nil, device, nil)
	require.Error(t, err)

	_, err = NewDevice(physicalDevice, nil, nil)
	require.Error(t, err)
}

func TestNewAllocator(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	_, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})
	physicalDevice.EXPECT().MemoryProperties().Return(testMemoryProperties)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	allocator, err := New(logger, physicalDevice, device, CreateOptions{})
	require.NoError(t, err)

	memory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  objstore.InitialBlockSize,
		MemoryTypeIndex: 1,
	}).Return(memory, core1_0.VKSuccess, nil)

	buffer := &fakeBuffer{
		name: "uniforms",
		requirements: core1_0.MemoryRequirements{
			Size:           512,
			Alignment:      256,
			MemoryTypeBits: 0x3,
		},
	}
	id, res, err := allocator.AllocateHostCoherentBuffer(buffer)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, objstore.BufferID(0), id)
	require.Equal(t, memory, buffer.boundMemory)
	require.Equal(t, 0, buffer.boundOffset)

	image := &fakeImage{
		name: "albedo",
		requirements: core1_0.MemoryRequirements{
			Size:           4096,
			Alignment:      1024,
			MemoryTypeBits: 0x3,
		},
	}
	imageMemory := mocks.EasyMockDeviceMemory(ctrl)
	device.EXPECT().AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  objstore.InitialBlockSize,
		MemoryTypeIndex: 0,
	}).Return(imageMemory, core1_0.VKSuccess, nil)

	imageID, res, err := allocator.AllocateDeviceLocalImage(image)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, objstore.ImageID(0), imageID)

	require.Equal(t, imageMemory, image.boundMemory)

	// Device local resolves to the first memory type, host coherent to the second
	require.Equal(t, 1, allocator.MemoryTypeBlockCount(0))
	require.Equal(t, 1, allocator.MemoryTypeBlockCount(1))

	allocator.DeallocateBuffer(id)
	require.True(t, buffer.destroyed)
	require.Nil(t, allocator.GetBuffer(id))

	allocator.DeallocateImage(imageID)
	require.True(t, image.destroyed)

	memory.EXPECT().Free(nil)
	imageMemory.EXPECT().Free(nil)
	require.NoError(t, allocator.Destroy())
}
