package vulkan

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dustrender/objstore/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// ErrNoMatchingMemoryType is returned when no memory type on the device is allowed by a resource's
// memory type bits and carries every required property flag
var ErrNoMatchingMemoryType = errors.New("no memory type matches the requested properties")

// MemoryDriver is the slice of the device that DeviceMemoryProperties needs to create and release
// device memory blocks
type MemoryDriver interface {
	AllocateMemory(memoryTypeIndex int, size int) (core1_0.DeviceMemory, common.VkResult, error)
	FreeMemory(memory core1_0.DeviceMemory)
}

// MemoryCallbacks is notified after each block of device memory is allocated and before it is freed
type MemoryCallbacks interface {
	Allocate(memoryType int, memory core1_0.DeviceMemory, size int)
	Free(memoryType int, memory core1_0.DeviceMemory, size int)
}

type DeviceMemoryProperties struct {
	// Number of real allocations that have been made from device memory
	blockCount [common.MaxMemoryHeaps]int32
	// Number of resources that have been placed inside of blocks
	allocationCount [common.MaxMemoryHeaps]int32
	// Size of real allocations that have been made from device memory
	blockBytes [common.MaxMemoryHeaps]int64
	// Size of resources that have been placed inside of blocks
	allocationBytes [common.MaxMemoryHeaps]int64

	memoryCallbacks MemoryCallbacks
	memoryCount     uint32
	heapLimits      []int

	driver           MemoryDriver
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

func NewDeviceMemoryProperties(
	driver MemoryDriver,
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties,
	memoryCallbacks MemoryCallbacks,
	heapSizeLimits []int,
) (*DeviceMemoryProperties, error) {
	if driver == nil {
		return nil, errors.New("attempted to create device memory properties without a device")
	}
	if memoryProperties == nil {
		return nil, errors.New("the device did not report any memory properties")
	}

	typeCount := len(memoryProperties.MemoryTypes)
	heapCount := len(memoryProperties.MemoryHeaps)
	if typeCount > common.MaxMemoryTypes {
		return nil, errors.Newf("the device reported %d memory types, but at most %d are supported", typeCount, common.MaxMemoryTypes)
	}
	if heapCount > common.MaxMemoryHeaps {
		return nil, errors.Newf("the device reported %d memory heaps, but at most %d are supported", heapCount, common.MaxMemoryHeaps)
	}

	for typeIndex, memoryType := range memoryProperties.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= heapCount {
			return nil, errors.Newf("memory type %d refers to heap %d, but the device only has %d heaps", typeIndex, memoryType.HeapIndex, heapCount)
		}
	}

	heapLimitCount := len(heapSizeLimits)
	if heapLimitCount > 0 && heapLimitCount != heapCount {
		return nil, errors.New("objstore.CreateOptions.HeapSizeLimits was provided, but the length does not equal the number of device heaps")
	}

	heapLimits := make([]int, heapCount)
	for heapIndex, limit := range heapSizeLimits {
		if limit < 0 {
			return nil, errors.Newf("objstore.CreateOptions.HeapSizeLimits has invalid limit %d for heap %d", limit, heapIndex)
		}
		heapLimits[heapIndex] = limit
	}

	return &DeviceMemoryProperties{
		memoryCallbacks:  memoryCallbacks,
		heapLimits:       heapLimits,
		driver:           driver,
		memoryProperties: memoryProperties,
	}, nil
}

func (m *DeviceMemoryProperties) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *DeviceMemoryProperties) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *DeviceMemoryProperties) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *DeviceMemoryProperties) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *DeviceMemoryProperties) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

// HeapSizeLimit returns the maximum number of block bytes that may be allocated from the heap, or
// 0 if the heap has no limit
func (m *DeviceMemoryProperties) HeapSizeLimit(heapIndex int) int {
	return m.heapLimits[heapIndex]
}

// FindMemoryTypeIndex walks the device's memory types in ascending index order and returns the first
// one that is permitted by memoryTypeBits and whose property flags include every flag in required.
// The walk is deterministic: the same device and inputs always produce the same index.
func (m *DeviceMemoryProperties) FindMemoryTypeIndex(memoryTypeBits uint32, required core1_0.MemoryPropertyFlags) (int, error) {
	for typeIndex, memoryType := range m.memoryProperties.MemoryTypes {
		if memoryTypeBits&(1<<typeIndex) == 0 {
			continue
		}

		if memoryType.PropertyFlags&required == required {
			return typeIndex, nil
		}
	}

	return -1, errors.Wrapf(ErrNoMatchingMemoryType, "memory type bits %#x, required properties %s", memoryTypeBits, required.String())
}

func (m *DeviceMemoryProperties) addBlockAllocation(heapIndex int, allocationSize int) {
	atomic.AddInt64(&m.blockBytes[heapIndex], int64(allocationSize))
	atomic.AddInt32(&m.blockCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) addBlockAllocationWithLimit(heapIndex, allocationSize, maxAllocatable int) (common.VkResult, error) {
	for {
		currentVal := atomic.LoadInt64(&m.blockBytes[heapIndex])
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(core1_0.VKErrorOutOfDeviceMemory.ToError(),
				"allocating %d bytes would bring heap %d to %d bytes, past its limit of %d", allocationSize, heapIndex, targetVal, maxAllocatable)
		}

		if atomic.CompareAndSwapInt64(&m.blockBytes[heapIndex], currentVal, targetVal) {
			break
		}
	}

	atomic.AddInt32(&m.blockCount[heapIndex], 1)
	return core1_0.VKSuccess, nil
}

func (m *DeviceMemoryProperties) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := atomic.AddInt64(&m.blockBytes[heapIndex], int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.blockCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count for heapIndex %d went negative", heapIndex))
	}
}

// AllocateVulkanMemory allocates a single block of device memory from the requested memory type,
// enforcing the heap's size limit before the device is asked for anything
func (m *DeviceMemoryProperties) AllocateVulkanMemory(memoryTypeIndex int, size int) (mem core1_0.DeviceMemory, res common.VkResult, err error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= m.MemoryTypeCount() {
		return nil, core1_0.VKErrorUnknown, errors.Newf("memory type index %d is out of range: the device has %d memory types", memoryTypeIndex, m.MemoryTypeCount())
	}
	if size < 1 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid device memory size %d", size)
	}

	atomic.AddUint32(&m.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			// Decrement
			atomic.AddUint32(&m.memoryCount, ^uint32(0))
		}
	}()

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	heapLimit := m.heapLimits[heapIndex]
	if heapLimit == 0 {
		m.addBlockAllocation(heapIndex, size)
	} else {
		res, err = m.addBlockAllocationWithLimit(heapIndex, size, heapLimit)
		if err != nil {
			return nil, res, err
		}
	}
	defer func() {
		// If we failed out, roll back the block allocation
		if err != nil {
			m.removeBlockAllocation(heapIndex, size)
		}
	}()

	mem, res, err = m.driver.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		return nil, res, err
	}

	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Allocate(memoryTypeIndex, mem, size)
	}

	return mem, res, nil
}

// FreeVulkanMemory releases a block previously created with AllocateVulkanMemory
func (m *DeviceMemoryProperties) FreeVulkanMemory(memoryTypeIndex int, size int, memory core1_0.DeviceMemory) {
	if m.memoryCallbacks != nil {
		m.memoryCallbacks.Free(memoryTypeIndex, memory, size)
	}

	m.driver.FreeMemory(memory)

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	m.removeBlockAllocation(heapIndex, size)
	// Decrement
	atomic.AddUint32(&m.memoryCount, ^uint32(0))
}

func (m *DeviceMemoryProperties) AddAllocation(heapIndex int, size int) {
	atomic.AddInt64(&m.allocationBytes[heapIndex], int64(size))
	atomic.AddInt32(&m.allocationCount[heapIndex], 1)
}

func (m *DeviceMemoryProperties) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := atomic.AddInt64(&m.allocationBytes[heapIndex], int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes for heapIndex %d went negative", heapIndex))
	}

	newCountVal := atomic.AddInt32(&m.allocationCount[heapIndex], -1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count for heapIndex %d went negative", heapIndex))
	}
}

// HeapStatistics reports the blocks allocated from a heap and the live resources placed in them
func (m *DeviceMemoryProperties) HeapStatistics(heapIndex int) memutils.Statistics {
	return memutils.Statistics{
		BlockCount:      int(atomic.LoadInt32(&m.blockCount[heapIndex])),
		AllocationCount: int(atomic.LoadInt32(&m.allocationCount[heapIndex])),
		BlockBytes:      int(atomic.LoadInt64(&m.blockBytes[heapIndex])),
		AllocationBytes: int(atomic.LoadInt64(&m.allocationBytes[heapIndex])),
	}
}

// AllocationCount returns the number of device memory blocks that are currently allocated
func (m *DeviceMemoryProperties) AllocationCount() uint32 {
	return atomic.LoadUint32(&m.memoryCount)
}
