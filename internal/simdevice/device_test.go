package simdevice

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
)

func testDevice(t *testing.T) *Device {
	device, err := New(slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		MemoryTypes: []core1_0.MemoryType{
			{
				PropertyFlags: core1_0.MemoryPropertyDeviceLocal,
				HeapIndex:     0,
			},
			{
				PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
				HeapIndex:     1,
			},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{
				Size:  4096,
				Flags: core1_0.MemoryHeapDeviceLocal,
			},
			{
				Size: 8192,
			},
		},
	})
	require.NoError(t, err)

	return device
}

func TestNewValidation(t *testing.T) {
	testCases := map[string]Config{
		"NoMemoryTypes": {
			MemoryHeaps: []core1_0.MemoryHeap{{Size: 1024}},
		},
		"NoMemoryHeaps": {
			MemoryTypes: []core1_0.MemoryType{{HeapIndex: 0}},
		},
		"BadHeapIndex": {
			MemoryTypes: []core1_0.MemoryType{{HeapIndex: 1}},
			MemoryHeaps: []core1_0.MemoryHeap{{Size: 1024}},
		},
		"BadImageAlignment": {
			MemoryTypes:    []core1_0.MemoryType{{HeapIndex: 0}},
			MemoryHeaps:    []core1_0.MemoryHeap{{Size: 1024}},
			ImageAlignment: 300,
		},
		"BadBufferAlignment": {
			MemoryTypes:     []core1_0.MemoryType{{HeapIndex: 0}},
			MemoryHeaps:     []core1_0.MemoryHeap{{Size: 1024}},
			BufferAlignment: -4,
		},
	}

	for testName, config := range testCases {
		t.Run(testName, func(t *testing.T) {
			_, err := New(nil, config)
			require.Error(t, err)
		})
	}
}

func TestCreateResources(t *testing.T) {
	device := testDevice(t)

	image, _, err := device.CreateImage(core1_0.ImageCreateInfo{
		Usage:  core1_0.ImageUsageSampled,
		Format: core1_0.FormatA8B8G8R8UnsignedIntPacked,
		Extent: core1_0.Extent3D{
			Width:  8,
			Height: 8,
			Depth:  1,
		},
		MipLevels:   2,
		ArrayLayers: 1,
	})
	require.NoError(t, err)

	reqs, err := device.ImageMemoryRequirements(image)
	require.NoError(t, err)
	// 8x8 + 4x4 texels at 4 bytes each, aligned up to 1024
	require.Equal(t, &core1_0.MemoryRequirements{
		Size:           1024,
		Alignment:      DefaultImageAlignment,
		MemoryTypeBits: 0x3,
	}, reqs)

	buffer, _, err := device.CreateBuffer(core1_0.BufferCreateInfo{
		Size:        100,
		Usage:       core1_0.BufferUsageUniformBuffer,
		SharingMode: core1_0.SharingModeExclusive,
	})
	require.NoError(t, err)

	reqs, err = device.BufferMemoryRequirements(buffer)
	require.NoError(t, err)
	require.Equal(t, &core1_0.MemoryRequirements{
		Size:           256,
		Alignment:      DefaultBufferAlignment,
		MemoryTypeBits: 0x3,
	}, reqs)

	require.Equal(t, 1, device.LiveImageCount())
	require.Equal(t, 1, device.LiveBufferCount())

	device.DestroyImage(image)
	device.DestroyBuffer(buffer)
	require.Equal(t, 0, device.LiveImageCount())
	require.Equal(t, 0, device.LiveBufferCount())

	_, err = device.ImageMemoryRequirements(image)
	require.Error(t, err)
	_, err = device.BufferMemoryRequirements(buffer)
	require.Error(t, err)

	_, res, err := device.CreateBuffer(core1_0.BufferCreateInfo{})
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)
}

func TestAllocateMemoryHeapCapacity(t *testing.T) {
	device := testDevice(t)

	first, res, err := device.AllocateMemory(0, 3000)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, 3000, device.HeapUsage(0))

	_, res, err = device.AllocateMemory(0, 2000)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)
	require.Equal(t, 3000, device.HeapUsage(0))

	// The second memory type draws from a different heap
	_, res, err = device.AllocateMemory(1, 2000)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, 2000, device.HeapUsage(1))
	require.Equal(t, 2, device.LiveMemoryCount())

	device.FreeMemory(first)
	require.Equal(t, 0, device.HeapUsage(0))
	require.Equal(t, 1, device.LiveMemoryCount())

	// Double free is logged, not counted
	device.FreeMemory(first)
	require.Equal(t, 0, device.HeapUsage(0))

	_, _, err = device.AllocateMemory(2, 100)
	require.Error(t, err)
	_, _, err = device.AllocateMemory(0, 0)
	require.Error(t, err)
}

func TestBindChecks(t *testing.T) {
	device := testDevice(t)

	memory, _, err := device.AllocateMemory(0, 2048)
	require.NoError(t, err)
	hostMemory, _, err := device.AllocateMemory(1, 2048)
	require.NoError(t, err)

	newBuffer := func(name string) *Buffer {
		return device.NewBuffer(name, core1_0.MemoryRequirements{
			Size:           512,
			Alignment:      256,
			MemoryTypeBits: 0x1,
		})
	}

	testCases := map[string]struct {
		Memory  core1_0.DeviceMemory
		Offset  int
		Success bool
	}{
		"Aligned": {
			Memory:  memory,
			Offset:  256,
			Success: true,
		},
		"Misaligned": {
			Memory: memory,
			Offset: 100,
		},
		"PastEnd": {
			Memory: memory,
			Offset: 1792,
		},
		"WrongMemoryType": {
			Memory: hostMemory,
			Offset: 0,
		},
		"ForeignMemory": {
			Memory: &Memory{Size: 4096},
			Offset: 0,
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			buffer := newBuffer(testName)
			res, err := device.BindBufferMemory(buffer, testCase.Memory, testCase.Offset)
			if testCase.Success {
				require.NoError(t, err)
				require.Equal(t, core1_0.VKSuccess, res)
				require.Equal(t, memory, buffer.Memory)
				require.Equal(t, testCase.Offset, buffer.Offset)
			} else {
				require.Error(t, err)
				require.Equal(t, core1_0.VKErrorUnknown, res)
				require.Nil(t, buffer.Memory)
			}
		})
	}

	image := device.NewImage("image", core1_0.MemoryRequirements{
		Size:           1024,
		Alignment:      1024,
		MemoryTypeBits: 0x1,
	})
	_, err = device.BindImageMemory(image, memory, 1024)
	require.NoError(t, err)

	// Binding twice fails
	_, err = device.BindImageMemory(image, memory, 0)
	require.Error(t, err)
	require.Equal(t, 1024, image.Offset)
}
