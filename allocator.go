package objstore

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dustrender/objstore/internal/utils"
	"github.com/dustrender/objstore/internal/vulkan"
	"github.com/dustrender/objstore/memutils"
	"github.com/dustrender/objstore/memutils/metadata"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Allocator places images and buffers in device memory. Each memory type gets its own growable list
// of blocks, and every resource is bound at the first suitably aligned offset of the newest block of
// the first memory type that satisfies it. Memory is never reclaimed while the Allocator is alive:
// deallocating a resource destroys it, but its range stays spent until Destroy is called.
type Allocator struct {
	logger      *slog.Logger
	device      Device
	createFlags CreateFlags
	destroyed   bool

	mutex utils.OptionalRWMutex

	deviceMemory     *vulkan.DeviceMemoryProperties
	memoryBlockLists [common.MaxMemoryTypes]*memoryBlockList

	images  resourceTable[core1_0.Image]
	buffers resourceTable[core1_0.Buffer]
}

// AllocatorStatistics breaks down the Allocator's memory usage by memory type and by heap
type AllocatorStatistics struct {
	MemoryTypes [common.MaxMemoryTypes]memutils.DetailedStatistics
	MemoryHeaps [common.MaxMemoryHeaps]memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

var _ memutils.Validatable = &Allocator{}

// FindMemoryTypeIndex returns the lowest memory type index that is set in memoryTypeBits and whose
// property flags include all of required. If there is none, ErrNoMatchingMemoryType is returned.
func (a *Allocator) FindMemoryTypeIndex(memoryTypeBits uint32, required core1_0.MemoryPropertyFlags) (int, error) {
	return a.deviceMemory.FindMemoryTypeIndex(memoryTypeBits, required)
}

// MemoryTypeBlockCount returns the number of device memory blocks currently allocated for a memory type
func (a *Allocator) MemoryTypeBlockCount(memoryTypeIndex int) int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if memoryTypeIndex < 0 || memoryTypeIndex >= a.deviceMemory.MemoryTypeCount() {
		return 0
	}

	return a.memoryBlockLists[memoryTypeIndex].BlockCount()
}

// MemoryTypeNextBlockSize returns the size in bytes of the block that will be allocated the next
// time a memory type runs out of room
func (a *Allocator) MemoryTypeNextBlockSize(memoryTypeIndex int) int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	if memoryTypeIndex < 0 || memoryTypeIndex >= a.deviceMemory.MemoryTypeCount() {
		return 0
	}

	return a.memoryBlockLists[memoryTypeIndex].NextBlockSize()
}

func (a *Allocator) allocate(
	kind resourceKind,
	id uint32,
	memoryRequirements *core1_0.MemoryRequirements,
	required core1_0.MemoryPropertyFlags,
	bind bindFunc,
) (Placement, metadata.BlockAllocationHandle, common.VkResult, error) {
	if memoryRequirements == nil {
		return Placement{}, metadata.NoAllocation, core1_0.VKErrorUnknown, errors.New("the device did not return memory requirements")
	}
	if memoryRequirements.Size < 1 {
		return Placement{}, metadata.NoAllocation, core1_0.VKErrorUnknown, errors.Newf("invalid memory requirements size %d", memoryRequirements.Size)
	}
	err := memutils.CheckPow2(memoryRequirements.Alignment, "memory requirements alignment")
	if err != nil {
		return Placement{}, metadata.NoAllocation, core1_0.VKErrorUnknown, err
	}

	memoryTypeIndex, err := a.deviceMemory.FindMemoryTypeIndex(memoryRequirements.MemoryTypeBits, required)
	if err != nil {
		return Placement{}, metadata.NoAllocation, core1_0.VKErrorFeatureNotPresent, err
	}

	size := memoryRequirements.Size
	alignment := uint(memoryRequirements.Alignment)
	userData := resourceRef{Kind: kind, ID: id}
	blockList := a.memoryBlockLists[memoryTypeIndex]

	placement, res, err := blockList.Allocate(size, alignment, userData, bind)
	if errors.Is(err, ErrNoValidHeapForAllocation) {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Growing memory type and retrying",
			slog.Int("MemoryTypeIndex", memoryTypeIndex),
			slog.Int("NextBlockSize", blockList.NextBlockSize()),
			slog.Int("Size", size),
		)

		res, err = blockList.Grow()
		if err != nil {
			return Placement{}, metadata.NoAllocation, res, err
		}

		placement, res, err = blockList.Allocate(size, alignment, userData, bind)
	}
	if err != nil {
		return Placement{}, metadata.NoAllocation, res, err
	}

	return Placement{
		MemoryTypeIndex: memoryTypeIndex,
		BlockIndex:      placement.BlockIndex,
		Offset:          placement.Offset,
		Size:            placement.Size,
		Memory:          placement.Memory,
	}, placement.Handle, res, nil
}

func (a *Allocator) allocateImage(image core1_0.Image, required core1_0.MemoryPropertyFlags) (ImageID, common.VkResult, error) {
	if a.destroyed {
		return NoImage, core1_0.VKErrorUnknown, ErrAllocatorDestroyed
	}
	if image == nil {
		return NoImage, core1_0.VKErrorUnknown, errors.New("attempted to allocate memory for a nil image")
	}

	memoryRequirements, err := a.device.ImageMemoryRequirements(image)
	if err != nil {
		return NoImage, core1_0.VKErrorUnknown, err
	}

	placement, handle, res, err := a.allocate(resourceKindImage, a.images.NextID(), memoryRequirements, required,
		func(memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
			return a.device.BindImageMemory(image, memory, offset)
		})
	if err != nil {
		return NoImage, res, err
	}

	return ImageID(a.images.Append(image, placement, handle)), res, nil
}

func (a *Allocator) allocateBuffer(buffer core1_0.Buffer, preset BufferPreset) (BufferID, common.VkResult, error) {
	if a.destroyed {
		return NoBuffer, core1_0.VKErrorUnknown, ErrAllocatorDestroyed
	}
	if buffer == nil {
		return NoBuffer, core1_0.VKErrorUnknown, errors.New("attempted to allocate memory for a nil buffer")
	}

	required, err := preset.MemoryProperties()
	if err != nil {
		return NoBuffer, core1_0.VKErrorUnknown, err
	}

	memoryRequirements, err := a.device.BufferMemoryRequirements(buffer)
	if err != nil {
		return NoBuffer, core1_0.VKErrorUnknown, err
	}

	placement, handle, res, err := a.allocate(resourceKindBuffer, a.buffers.NextID(), memoryRequirements, required,
		func(memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
			return a.device.BindBufferMemory(buffer, memory, offset)
		})
	if err != nil {
		return NoBuffer, res, err
	}

	return BufferID(a.buffers.Append(buffer, placement, handle)), res, nil
}

// AllocateImage places an image that was created without memory in a memory type that has all of
// the required property flags, and binds it
//
// If the newest block of the memory type cannot fit the image, a new block double the size of the
// previous one is allocated and placement is attempted once more.
func (a *Allocator) AllocateImage(image core1_0.Image, required core1_0.MemoryPropertyFlags) (ImageID, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateImage", slog.String("Required", required.String()))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocateImage(image, required)
}

// AllocateDeviceLocalImage places an image in device-local memory
func (a *Allocator) AllocateDeviceLocalImage(image core1_0.Image) (ImageID, common.VkResult, error) {
	return a.AllocateImage(image, core1_0.MemoryPropertyDeviceLocal)
}

// AllocateBuffer places a buffer that was created without memory in a memory type that has all of
// the property flags named by preset, and binds it
//
// If the newest block of the memory type cannot fit the buffer, a new block double the size of the
// previous one is allocated and placement is attempted once more.
func (a *Allocator) AllocateBuffer(buffer core1_0.Buffer, preset BufferPreset) (BufferID, common.VkResult, error) {
	a.logger.Debug("Allocator::AllocateBuffer", slog.String("Preset", preset.String()))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocateBuffer(buffer, preset)
}

func (a *Allocator) AllocateDeviceLocalBuffer(buffer core1_0.Buffer) (BufferID, common.VkResult, error) {
	return a.AllocateBuffer(buffer, BufferPresetDeviceLocal)
}

func (a *Allocator) AllocateHostCachedBuffer(buffer core1_0.Buffer) (BufferID, common.VkResult, error) {
	return a.AllocateBuffer(buffer, BufferPresetDeviceLocalHostCached)
}

func (a *Allocator) AllocateHostCoherentBuffer(buffer core1_0.Buffer) (BufferID, common.VkResult, error) {
	return a.AllocateBuffer(buffer, BufferPresetDeviceLocalHostCoherent)
}

func (a *Allocator) AllocateHostVisibleBuffer(buffer core1_0.Buffer) (BufferID, common.VkResult, error) {
	return a.AllocateBuffer(buffer, BufferPresetDeviceLocalHostVisible)
}

// CreateImage creates an image through the Device and places it as AllocateImage does. If the
// image cannot be placed, it is destroyed before the error is returned.
func (a *Allocator) CreateImage(createInfo core1_0.ImageCreateInfo, required core1_0.MemoryPropertyFlags) (core1_0.Image, ImageID, common.VkResult, error) {
	a.logger.Debug("Allocator::CreateImage", slog.String("Required", required.String()))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil, NoImage, core1_0.VKErrorUnknown, ErrAllocatorDestroyed
	}

	image, res, err := a.device.CreateImage(createInfo)
	if err != nil {
		return nil, NoImage, res, err
	}

	id, res, err := a.allocateImage(image, required)
	if err != nil {
		a.device.DestroyImage(image)
		return nil, NoImage, res, err
	}

	return image, id, res, nil
}

// CreateBuffer creates a buffer through the Device and places it as AllocateBuffer does. If the
// buffer cannot be placed, it is destroyed before the error is returned.
func (a *Allocator) CreateBuffer(createInfo core1_0.BufferCreateInfo, preset BufferPreset) (core1_0.Buffer, BufferID, common.VkResult, error) {
	a.logger.Debug("Allocator::CreateBuffer", slog.String("Preset", preset.String()))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil, NoBuffer, core1_0.VKErrorUnknown, ErrAllocatorDestroyed
	}

	buffer, res, err := a.device.CreateBuffer(createInfo)
	if err != nil {
		return nil, NoBuffer, res, err
	}

	id, res, err := a.allocateBuffer(buffer, preset)
	if err != nil {
		a.device.DestroyBuffer(buffer)
		return nil, NoBuffer, res, err
	}

	return buffer, id, res, nil
}

// GetImage returns the image with the provided id, or nil if it does not exist or was deallocated
func (a *Allocator) GetImage(id ImageID) core1_0.Image {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	record := a.images.Get(uint32(id))
	if record == nil {
		return nil
	}

	return record.resource
}

// GetBuffer returns the buffer with the provided id, or nil if it does not exist or was deallocated
func (a *Allocator) GetBuffer(id BufferID) core1_0.Buffer {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	record := a.buffers.Get(uint32(id))
	if record == nil {
		return nil
	}

	return record.resource
}

// ImagePlacement reports where a live image's memory lives
func (a *Allocator) ImagePlacement(id ImageID) (Placement, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	record := a.images.Get(uint32(id))
	if record == nil {
		return Placement{}, false
	}

	return record.placement, true
}

// BufferPlacement reports where a live buffer's memory lives
func (a *Allocator) BufferPlacement(id BufferID) (Placement, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	record := a.buffers.Get(uint32(id))
	if record == nil {
		return Placement{}, false
	}

	return record.placement, true
}

func (a *Allocator) retire(kind resourceKind, id uint32, record Placement, handle metadata.BlockAllocationHandle) {
	err := a.memoryBlockLists[record.MemoryTypeIndex].Free(record.BlockIndex, handle)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to retire placement",
			slog.String("kind", kind.String()),
			slog.Int("id", int(id)),
			slog.Any("error", err),
		)
	}
}

// DeallocateImage destroys the image with the provided id. The memory it occupied is not reused.
// Calling DeallocateImage with an id that does not exist or was already deallocated does nothing.
//
// The caller must guarantee the device is no longer using the image.
func (a *Allocator) DeallocateImage(id ImageID) {
	a.logger.Debug("Allocator::DeallocateImage", slog.Int("id", int(id)))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	record := a.images.Get(uint32(id))
	if record == nil {
		return
	}

	a.device.DestroyImage(record.resource)
	a.retire(resourceKindImage, uint32(id), record.placement, record.handle)
	a.images.Clear(uint32(id))
}

// DeallocateBuffer destroys the buffer with the provided id. The memory it occupied is not reused.
// Calling DeallocateBuffer with an id that does not exist or was already deallocated does nothing.
//
// The caller must guarantee the device is no longer using the buffer.
func (a *Allocator) DeallocateBuffer(id BufferID) {
	a.logger.Debug("Allocator::DeallocateBuffer", slog.Int("id", int(id)))

	a.mutex.Lock()
	defer a.mutex.Unlock()

	record := a.buffers.Get(uint32(id))
	if record == nil {
		return
	}

	a.device.DestroyBuffer(record.resource)
	a.retire(resourceKindBuffer, uint32(id), record.placement, record.handle)
	a.buffers.Clear(uint32(id))
}

func logUnreleased[T any](logger *slog.Logger, kind resourceKind, table *resourceTable[T]) {
	table.VisitLive(func(id uint32, record *placementRecord[T]) {
		logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] resource was not deallocated",
			slog.String("kind", kind.String()),
			slog.Int("id", int(id)),
			slog.Int("MemoryTypeIndex", record.placement.MemoryTypeIndex),
			slog.Int("BlockIndex", record.placement.BlockIndex),
			slog.Int("Offset", record.placement.Offset),
			slog.Int("Size", record.placement.Size),
		)
	})
}

// Destroy frees every block of device memory the Allocator holds. Every image and buffer must be
// deallocated first: if any are still live, each one is logged and an error is returned without
// freeing anything. After Destroy succeeds, allocation methods return ErrAllocatorDestroyed.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return nil
	}

	liveCount := a.images.LiveCount() + a.buffers.LiveCount()
	if liveCount > 0 {
		logUnreleased(a.logger, resourceKindImage, &a.images)
		logUnreleased(a.logger, resourceKindBuffer, &a.buffers)

		return errors.Newf("%d images and %d buffers were not deallocated before the allocator was destroyed", a.images.LiveCount(), a.buffers.LiveCount())
	}

	for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
		err := a.memoryBlockLists[typeIndex].Destroy()
		if err != nil {
			return err
		}
	}

	a.destroyed = true
	return nil
}

// CalculateStatistics fills stats with the Allocator's current block and placement counts
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.calculateStatistics(stats)
}

func (a *Allocator) calculateStatistics(stats *AllocatorStatistics) {
	stats.Total.Clear()
	for typeIndex := 0; typeIndex < common.MaxMemoryTypes; typeIndex++ {
		stats.MemoryTypes[typeIndex].Clear()
	}
	for heapIndex := 0; heapIndex < common.MaxMemoryHeaps; heapIndex++ {
		stats.MemoryHeaps[heapIndex].Clear()
	}

	typeCount := a.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		a.memoryBlockLists[typeIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}

	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}

	heapCount := a.deviceMemory.MemoryHeapCount()
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	json.Name("RetiredCount").Int(stats.RetiredCount)
	json.Name("RetiredBytes").Int(stats.RetiredBytes)
	json.Name("PaddingBytes").Int(stats.PaddingBytes)

	if stats.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}

// BuildStatsString returns a json document describing the Allocator's memory usage. When detailed is
// true, the document also lists every block along with each placement made inside it.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var stats AllocatorStatistics
	a.calculateStatistics(&stats)

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	totalObj := rootObj.Name("Total").Object()
	printDetailedStatistics(&totalObj, &stats.Total)
	totalObj.End()

	rootObj.Name("ImageCount").Int(a.images.LiveCount())
	rootObj.Name("BufferCount").Int(a.buffers.LiveCount())

	heapsObj := rootObj.Name("MemoryHeaps").Object()
	heapCount := a.deviceMemory.MemoryHeapCount()
	typeCount := a.deviceMemory.MemoryTypeCount()
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		heapInfo := a.deviceMemory.MemoryHeapProperties(heapIndex)

		heapObj := heapsObj.Name(strconv.Itoa(heapIndex)).Object()
		heapObj.Name("Flags").String(heapInfo.Flags.String())
		heapObj.Name("Size").Int(heapInfo.Size)
		heapObj.Name("SizeLimit").Int(a.deviceMemory.HeapSizeLimit(heapIndex))

		statsObj := heapObj.Name("Stats").Object()
		printDetailedStatistics(&statsObj, &stats.MemoryHeaps[heapIndex])
		statsObj.End()

		typesObj := heapObj.Name("MemoryTypes").Object()
		for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
			if a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex) != heapIndex {
				continue
			}

			typeInfo := a.deviceMemory.MemoryTypeProperties(typeIndex)
			typeObj := typesObj.Name(strconv.Itoa(typeIndex)).Object()
			typeObj.Name("Flags").String(typeInfo.PropertyFlags.String())
			typeObj.Name("NextBlockSize").Int(a.memoryBlockLists[typeIndex].NextBlockSize())

			typeStatsObj := typeObj.Name("Stats").Object()
			printDetailedStatistics(&typeStatsObj, &stats.MemoryTypes[typeIndex])
			typeStatsObj.End()

			if detailed {
				blocksObj := typeObj.Name("Blocks").Object()
				a.memoryBlockLists[typeIndex].PrintDetailedMap(&blocksObj)
				blocksObj.End()
			}

			typeObj.End()
		}
		typesObj.End()

		heapObj.End()
	}
	heapsObj.End()

	rootObj.End()

	return string(writer.Bytes())
}

// Validate performs consistency checks on every block list and the resource tables
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	typeCount := a.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		err := a.memoryBlockLists[typeIndex].Validate()
		if err != nil {
			return err
		}
	}

	var err error
	validateRecord := func(kind resourceKind, id uint32, placement Placement) {
		if err != nil {
			return
		}

		if placement.MemoryTypeIndex < 0 || placement.MemoryTypeIndex >= typeCount {
			err = errors.Newf("%s %d has invalid memory type index %d", kind, id, placement.MemoryTypeIndex)
			return
		}
		blockList := a.memoryBlockLists[placement.MemoryTypeIndex]
		if placement.BlockIndex < 0 || placement.BlockIndex >= blockList.BlockCount() {
			err = errors.Newf("%s %d has invalid block index %d", kind, id, placement.BlockIndex)
			return
		}
		block := blockList.Block(placement.BlockIndex)
		if placement.Offset+placement.Size > block.Size() {
			err = errors.Newf("%s %d ends at %d, past the end of its block, which is size %d", kind, id, placement.Offset+placement.Size, block.Size())
		}
	}

	a.images.VisitLive(func(id uint32, record *placementRecord[core1_0.Image]) {
		validateRecord(resourceKindImage, id, record.placement)
	})
	a.buffers.VisitLive(func(id uint32, record *placementRecord[core1_0.Buffer]) {
		validateRecord(resourceKindBuffer, id, record.placement)
	})

	return err
}
