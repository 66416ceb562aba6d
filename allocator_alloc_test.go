package objstore

import (
	"strconv"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"go.uber.org/mock/gomock"
)

func TestAllocateImageGrowsTwice(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, defaultSetup())

	first := &fakeImage{name: "first"}
	second := &fakeImage{name: "second"}
	firstMemory := &fakeMemory{id: 1, size: 1024}
	secondMemory := &fakeMemory{id: 2, size: 2048}

	device.EXPECT().ImageMemoryRequirements(first).Return(requirements(600, 256, 0xffffffff), nil)
	device.EXPECT().AllocateMemory(1, 1024).Return(firstMemory, core1_0.VKSuccess, nil)
	device.EXPECT().BindImageMemory(first, firstMemory, 0).Return(core1_0.VKSuccess, nil)

	firstID, res, err := allocator.AllocateDeviceLocalImage(first)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, ImageID(0), firstID)
	require.Equal(t, 1, allocator.MemoryTypeBlockCount(1))
	require.Equal(t, 2048, allocator.MemoryTypeNextBlockSize(1))

	// 600 bytes are used, so the next 256-aligned offset is 768 and 768+600 overflows the block
	device.EXPECT().ImageMemoryRequirements(second).Return(requirements(600, 256, 0xffffffff), nil)
	device.EXPECT().AllocateMemory(1, 2048).Return(secondMemory, core1_0.VKSuccess, nil)
	device.EXPECT().BindImageMemory(second, secondMemory, 0).Return(core1_0.VKSuccess, nil)

	secondID, res, err := allocator.AllocateDeviceLocalImage(second)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, ImageID(1), secondID)
	require.Equal(t, 2, allocator.MemoryTypeBlockCount(1))
	require.Equal(t, 4096, allocator.MemoryTypeNextBlockSize(1))

	placement, ok := allocator.ImagePlacement(firstID)
	require.True(t, ok)
	require.Equal(t, Placement{
		MemoryTypeIndex: 1,
		BlockIndex:      0,
		Offset:          0,
		Size:            600,
		Memory:          firstMemory,
	}, placement)

	placement, ok = allocator.ImagePlacement(secondID)
	require.True(t, ok)
	require.Equal(t, Placement{
		MemoryTypeIndex: 1,
		BlockIndex:      1,
		Offset:          0,
		Size:            600,
		Memory:          secondMemory,
	}, placement)

	require.Equal(t, first, allocator.GetImage(firstID))
	require.Equal(t, second, allocator.GetImage(secondID))
	require.NoError(t, allocator.Validate())

	device.EXPECT().DestroyImage(first)
	device.EXPECT().DestroyImage(second)
	allocator.DeallocateImage(firstID)
	allocator.DeallocateImage(secondID)

	gomock.InOrder(
		device.EXPECT().FreeMemory(secondMemory),
		device.EXPECT().FreeMemory(firstMemory),
	)
	require.NoError(t, allocator.Destroy())
}

func TestAllocateImageNoMatchingMemoryType(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, defaultSetup())

	image := &fakeImage{name: "host only"}

	// Only memory type 0 is eligible, and it is not device-local
	device.EXPECT().ImageMemoryRequirements(image).Return(requirements(600, 256, 0b1), nil)

	id, res, err := allocator.AllocateDeviceLocalImage(image)
	require.True(t, errors.Is(err, ErrNoMatchingMemoryType))
	require.Equal(t, core1_0.VKErrorFeatureNotPresent, res)
	require.Equal(t, NoImage, id)

	for typeIndex := range defaultMemoryTypes {
		require.Zero(t, allocator.MemoryTypeBlockCount(typeIndex))
		require.Equal(t, testInitialBlockSize, allocator.MemoryTypeNextBlockSize(typeIndex))
	}
	require.Zero(t, allocator.images.Len())
	require.Nil(t, allocator.GetImage(0))

	require.NoError(t, allocator.Destroy())
}

func TestAllocateRetriesOnlyOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, defaultSetup())

	small := &fakeBuffer{name: "small"}
	huge := &fakeBuffer{name: "huge"}
	firstMemory := &fakeMemory{id: 1, size: 1024}
	secondMemory := &fakeMemory{id: 2, size: 2048}

	device.EXPECT().BufferMemoryRequirements(small).Return(requirements(100, 4, 0xffffffff), nil)
	device.EXPECT().AllocateMemory(1, 1024).Return(firstMemory, core1_0.VKSuccess, nil)
	device.EXPECT().BindBufferMemory(small, firstMemory, 0).Return(core1_0.VKSuccess, nil)

	_, _, err := allocator.AllocateDeviceLocalBuffer(small)
	require.NoError(t, err)

	// The grown block is 2048 bytes, which still cannot fit 3000, so allocation gives up after
	// a single grow
	device.EXPECT().BufferMemoryRequirements(huge).Return(requirements(3000, 4, 0xffffffff), nil)
	device.EXPECT().AllocateMemory(1, 2048).Return(secondMemory, core1_0.VKSuccess, nil)

	id, res, err := allocator.AllocateDeviceLocalBuffer(huge)
	require.True(t, errors.Is(err, ErrNoValidHeapForAllocation))
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Equal(t, NoBuffer, id)

	require.Equal(t, 2, allocator.MemoryTypeBlockCount(1))
	require.Equal(t, 4096, allocator.MemoryTypeNextBlockSize(1))
	require.Equal(t, 1, allocator.buffers.Len())
	require.NoError(t, allocator.Validate())
}

func TestAllocateGrowFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, defaultSetup())

	buffer := &fakeBuffer{name: "buffer"}

	device.EXPECT().BufferMemoryRequirements(buffer).Return(requirements(100, 4, 0xffffffff), nil)
	device.EXPECT().AllocateMemory(1, 1024).Return(nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError())

	id, res, err := allocator.AllocateDeviceLocalBuffer(buffer)
	require.True(t, errors.Is(err, ErrDeviceMemoryAllocationFailed))
	require.False(t, errors.Is(err, ErrNoValidHeapForAllocation))
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Equal(t, NoBuffer, id)

	require.Zero(t, allocator.MemoryTypeBlockCount(1))
	require.Equal(t, testInitialBlockSize, allocator.MemoryTypeNextBlockSize(1))
}

func TestGrowthDoubling(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, defaultSetup())

	var memories []*fakeMemory
	blockSize := testInitialBlockSize
	for blockIndex := 0; blockIndex < 5; blockIndex++ {
		buffer := &fakeBuffer{name: "buffer " + strconv.Itoa(blockIndex)}
		memory := &fakeMemory{id: blockIndex, size: blockSize}
		memories = append(memories, memory)

		// Each buffer fills its block exactly, so every allocation creates one new block
		device.EXPECT().BufferMemoryRequirements(buffer).Return(requirements(blockSize, 1, 0xffffffff), nil)
		device.EXPECT().AllocateMemory(1, blockSize).Return(memory, core1_0.VKSuccess, nil)
		device.EXPECT().BindBufferMemory(buffer, memory, 0).Return(core1_0.VKSuccess, nil)

		id, _, err := allocator.AllocateDeviceLocalBuffer(buffer)
		require.NoError(t, err)
		require.Equal(t, BufferID(blockIndex), id)

		placement, ok := allocator.BufferPlacement(id)
		require.True(t, ok)
		require.Equal(t, blockIndex, placement.BlockIndex)
		require.Equal(t, testInitialBlockSize<<blockIndex, allocator.memoryBlockLists[1].Block(blockIndex).Size())

		blockSize *= 2
	}

	require.Equal(t, 5, allocator.MemoryTypeBlockCount(1))
	require.Equal(t, testInitialBlockSize<<5, allocator.MemoryTypeNextBlockSize(1))
	require.NoError(t, allocator.Validate())

	// Other memory types grow independently
	require.Equal(t, testInitialBlockSize, allocator.MemoryTypeNextBlockSize(2))
}

func TestAlignmentAndMonotonicOccupancy(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, defaultSetup())

	memory := &fakeMemory{id: 1, size: 1024}
	device.EXPECT().AllocateMemory(1, 1024).Return(memory, core1_0.VKSuccess, nil)

	sizes := []int{3, 17, 100, 1, 64, 200}
	alignments := []int{1, 16, 64, 8, 256, 4}

	previousEnd := 0
	for i := range sizes {
		buffer := &fakeBuffer{name: "buffer " + strconv.Itoa(i)}
		device.EXPECT().BufferMemoryRequirements(buffer).Return(requirements(sizes[i], alignments[i], 0xffffffff), nil)
		device.EXPECT().BindBufferMemory(buffer, memory, gomock.Any()).DoAndReturn(
			func(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
				require.Zero(t, offset%alignments[i])
				require.GreaterOrEqual(t, offset, previousEnd)
				return core1_0.VKSuccess, nil
			})

		id, _, err := allocator.AllocateDeviceLocalBuffer(buffer)
		require.NoError(t, err)

		placement, ok := allocator.BufferPlacement(id)
		require.True(t, ok)
		require.Zero(t, placement.Offset%alignments[i])
		require.GreaterOrEqual(t, placement.Offset, previousEnd)
		require.Equal(t, 0, placement.BlockIndex)

		previousEnd = placement.Offset + placement.Size
		require.Equal(t, previousEnd, allocator.memoryBlockLists[1].NewestBlock().metadata.FirstFree())
	}

	require.Equal(t, 1, allocator.MemoryTypeBlockCount(1))
	require.NoError(t, allocator.Validate())
}

func TestBindFailureLeavesBlockUnchanged(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, defaultSetup())

	memory := &fakeMemory{id: 1, size: 1024}
	failing := &fakeImage{name: "failing"}
	working := &fakeImage{name: "working"}

	device.EXPECT().ImageMemoryRequirements(failing).Return(requirements(100, 1, 0xffffffff), nil)
	device.EXPECT().AllocateMemory(1, 1024).Return(memory, core1_0.VKSuccess, nil)
	device.EXPECT().BindImageMemory(failing, memory, 0).Return(core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError())

	id, res, err := allocator.AllocateDeviceLocalImage(failing)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNoValidHeapForAllocation))
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Equal(t, NoImage, id)
	require.Zero(t, allocator.images.Len())
	require.Zero(t, allocator.memoryBlockLists[1].NewestBlock().metadata.FirstFree())

	// The failed bind had no effect on the block, so the next image lands at the same offset
	device.EXPECT().ImageMemoryRequirements(working).Return(requirements(100, 1, 0xffffffff), nil)
	device.EXPECT().BindImageMemory(working, memory, 0).Return(core1_0.VKSuccess, nil)

	id, _, err = allocator.AllocateDeviceLocalImage(working)
	require.NoError(t, err)
	require.Equal(t, ImageID(0), id)
	require.Equal(t, 1, allocator.MemoryTypeBlockCount(1))
}

var bufferPresetTestCases = map[string]struct {
	Allocate func(allocator *Allocator, buffer core1_0.Buffer) (BufferID, common.VkResult, error)
	Preset   BufferPreset

	ExpectedType int
}{
	"DeviceLocal": {
		Allocate:     (*Allocator).AllocateDeviceLocalBuffer,
		Preset:       BufferPresetDeviceLocal,
		ExpectedType: 1,
	},
	"HostVisible": {
		Allocate:     (*Allocator).AllocateHostVisibleBuffer,
		Preset:       BufferPresetDeviceLocalHostVisible,
		ExpectedType: 2,
	},
	"HostCoherent": {
		Allocate:     (*Allocator).AllocateHostCoherentBuffer,
		Preset:       BufferPresetDeviceLocalHostCoherent,
		ExpectedType: 3,
	},
	"HostCached": {
		Allocate:     (*Allocator).AllocateHostCachedBuffer,
		Preset:       BufferPresetDeviceLocalHostCached,
		ExpectedType: 4,
	},
}

func TestBufferPresets(t *testing.T) {
	for testName, testCase := range bufferPresetTestCases {
		t.Run(testName, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			device, allocator := readyAllocator(t, ctrl, defaultSetup())

			wrapped := &fakeBuffer{name: "wrapped"}
			direct := &fakeBuffer{name: "direct"}
			memory := &fakeMemory{id: 1, size: 1024}

			device.EXPECT().BufferMemoryRequirements(wrapped).Return(requirements(256, 256, 0xffffffff), nil)
			device.EXPECT().AllocateMemory(testCase.ExpectedType, 1024).Return(memory, core1_0.VKSuccess, nil)
			device.EXPECT().BindBufferMemory(wrapped, memory, 0).Return(core1_0.VKSuccess, nil)

			id, _, err := testCase.Allocate(allocator, wrapped)
			require.NoError(t, err)

			placement, ok := allocator.BufferPlacement(id)
			require.True(t, ok)
			require.Equal(t, testCase.ExpectedType, placement.MemoryTypeIndex)

			// The wrapper is equivalent to passing the preset directly
			device.EXPECT().BufferMemoryRequirements(direct).Return(requirements(256, 256, 0xffffffff), nil)
			device.EXPECT().BindBufferMemory(direct, memory, 256).Return(core1_0.VKSuccess, nil)

			id, _, err = allocator.AllocateBuffer(direct, testCase.Preset)
			require.NoError(t, err)

			placement, ok = allocator.BufferPlacement(id)
			require.True(t, ok)
			require.Equal(t, testCase.ExpectedType, placement.MemoryTypeIndex)

			flags, err := testCase.Preset.MemoryProperties()
			require.NoError(t, err)
			require.Equal(t, flags, defaultMemoryTypes[testCase.ExpectedType].PropertyFlags&flags)
		})
	}
}

func TestAllocateInvalidArguments(t *testing.T) {
	ctrl := gomock.NewController(t)
	device, allocator := readyAllocator(t, ctrl, defaultSetup())

	_, res, err := allocator.AllocateDeviceLocalImage(nil)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)

	_, res, err = allocator.AllocateDeviceLocalBuffer(nil)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)

	buffer := &fakeBuffer{name: "buffer"}
	_, res, err = allocator.AllocateBuffer(buffer, BufferPreset(57))
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)

	device.EXPECT().BufferMemoryRequirements(buffer).Return(requirements(0, 1, 0xffffffff), nil)
	_, res, err = allocator.AllocateDeviceLocalBuffer(buffer)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)

	device.EXPECT().BufferMemoryRequirements(buffer).Return(requirements(100, 3, 0xffffffff), nil)
	_, res, err = allocator.AllocateDeviceLocalBuffer(buffer)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)

	device.EXPECT().BufferMemoryRequirements(buffer).Return(nil, errors.New("no requirements"))
	_, _, err = allocator.AllocateDeviceLocalBuffer(buffer)
	require.Error(t, err)

	require.Zero(t, allocator.buffers.Len())
	require.Zero(t, allocator.MemoryTypeBlockCount(1))
}

func TestHeapSizeLimits(t *testing.T) {
	ctrl := gomock.NewController(t)
	setup := defaultSetup()
	setup.AllocatorOptions.HeapSizeLimits = []int{1500, 0}
	device, allocator := readyAllocator(t, ctrl, setup)

	first := &fakeBuffer{name: "first"}
	second := &fakeBuffer{name: "second"}
	memory := &fakeMemory{id: 1, size: 1024}

	device.EXPECT().BufferMemoryRequirements(first).Return(requirements(1000, 1, 0xffffffff), nil)
	device.EXPECT().AllocateMemory(1, 1024).Return(memory, core1_0.VKSuccess, nil)
	device.EXPECT().BindBufferMemory(first, memory, 0).Return(core1_0.VKSuccess, nil)

	_, _, err := allocator.AllocateDeviceLocalBuffer(first)
	require.NoError(t, err)

	// The 2048-byte block would bring heap 0 to 3072 bytes, so it is refused before reaching the device
	device.EXPECT().BufferMemoryRequirements(second).Return(requirements(1000, 1, 0xffffffff), nil)

	id, res, err := allocator.AllocateDeviceLocalBuffer(second)
	require.True(t, errors.Is(err, ErrDeviceMemoryAllocationFailed))
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Equal(t, NoBuffer, id)
	require.Equal(t, 1, allocator.MemoryTypeBlockCount(1))
	require.Equal(t, 2048, allocator.MemoryTypeNextBlockSize(1))
}

func TestHeapSizeLimitsWrongLength(t *testing.T) {
	ctrl := gomock.NewController(t)
	device := mockDeviceWithProperties(ctrl)

	_, err := newAllocator(nil, device, CreateOptions{HeapSizeLimits: []int{1500}}, testInitialBlockSize)
	require.Error(t, err)
}
