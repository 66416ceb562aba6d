package objstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dustrender/objstore/internal/vulkan"
	"github.com/dustrender/objstore/memutils"
	"github.com/dustrender/objstore/memutils/metadata"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// bindFunc binds a resource to a range of device memory
type bindFunc func(memory core1_0.DeviceMemory, offset int) (common.VkResult, error)

// blockPlacement describes where a memoryBlockList placed a resource
type blockPlacement struct {
	BlockIndex int
	Handle     metadata.BlockAllocationHandle
	Memory     core1_0.DeviceMemory
	Offset     int
	Size       int
}

// memoryBlockList is the growable pool of device memory blocks for a single memory type. New
// resources are only ever placed in the newest block, and blocks are only freed when the
// allocator is destroyed.
type memoryBlockList struct {
	deviceMemory *vulkan.DeviceMemoryProperties
	logger       *slog.Logger

	memoryTypeIndex int
	nextBlockSize   int

	blocks      []*deviceMemoryBlock
	nextBlockId int
}

func (l *memoryBlockList) MemoryTypeIndex() int { return l.memoryTypeIndex }
func (l *memoryBlockList) BlockCount() int      { return len(l.blocks) }

// NextBlockSize is the size in bytes of the block the next call to Grow will allocate
func (l *memoryBlockList) NextBlockSize() int { return l.nextBlockSize }

func (l *memoryBlockList) Init(
	logger *slog.Logger,
	deviceMemory *vulkan.DeviceMemoryProperties,
	memoryTypeIndex int,
	initialBlockSize int,
) {
	l.logger = logger
	l.deviceMemory = deviceMemory
	l.memoryTypeIndex = memoryTypeIndex
	l.nextBlockSize = initialBlockSize
}

// Destroy frees every block, newest first. It stops at the first block that still holds live
// placements and returns its error.
func (l *memoryBlockList) Destroy() error {
	for blockIndex := len(l.blocks) - 1; blockIndex >= 0; blockIndex-- {
		err := l.blocks[blockIndex].Destroy()
		if err != nil {
			return err
		}
		l.blocks = l.blocks[:blockIndex]
	}

	l.blocks = nil
	return nil
}

// NewestBlock returns the most recently created block, or nil if this memory type has no blocks
func (l *memoryBlockList) NewestBlock() *deviceMemoryBlock {
	if len(l.blocks) == 0 {
		return nil
	}

	return l.blocks[len(l.blocks)-1]
}

func (l *memoryBlockList) Block(blockIndex int) *deviceMemoryBlock {
	return l.blocks[blockIndex]
}

// Grow allocates a new block of NextBlockSize bytes and appends it to the list, then doubles
// NextBlockSize. If the device fails to allocate, the list is left unchanged and the error is
// marked with ErrDeviceMemoryAllocationFailed.
func (l *memoryBlockList) Grow() (common.VkResult, error) {
	blockSize := l.nextBlockSize

	memory, res, err := l.deviceMemory.AllocateVulkanMemory(l.memoryTypeIndex, blockSize)
	if err != nil {
		return res, errors.Mark(
			errors.Wrapf(err, "failed to allocate a %d-byte block for memory type %d", blockSize, l.memoryTypeIndex),
			ErrDeviceMemoryAllocationFailed,
		)
	}

	block := &deviceMemoryBlock{}
	block.Init(l.logger, l.deviceMemory, l.memoryTypeIndex, memory, blockSize, l.nextBlockId)
	l.nextBlockId++

	l.blocks = append(l.blocks, block)
	l.nextBlockSize = blockSize * 2
	memutils.DebugValidate(l)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("MemoryTypeIndex", l.memoryTypeIndex),
		slog.Int("block.id", block.id),
		slog.Int("Size", blockSize),
		slog.Int("NextBlockSize", l.nextBlockSize),
	)

	return res, nil
}

// Allocate places a resource in the newest block at the first offset past the block's first free
// byte that satisfies alignment. The resource is bound before the block's first free byte moves,
// so a failed bind leaves the block unchanged. If there is no block, or the newest block cannot
// fit the resource, ErrNoValidHeapForAllocation is returned.
func (l *memoryBlockList) Allocate(size int, alignment uint, userData any, bind bindFunc) (blockPlacement, common.VkResult, error) {
	memutils.DebugCheckPow2(alignment, "alignment")

	block := l.NewestBlock()
	if block == nil {
		return blockPlacement{}, core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(ErrNoValidHeapForAllocation, "memory type %d has no blocks", l.memoryTypeIndex)
	}

	success, request, err := block.metadata.CreateAllocationRequest(size, alignment)
	if err != nil {
		return blockPlacement{}, core1_0.VKErrorUnknown, err
	} else if !success {
		return blockPlacement{}, core1_0.VKErrorOutOfDeviceMemory, errors.Wrapf(ErrNoValidHeapForAllocation,
			"block %d of memory type %d has %d of %d bytes free, but %d bytes with alignment %d were requested",
			block.id, l.memoryTypeIndex, block.metadata.SumFreeSize(), block.metadata.Size(), size, alignment)
	}

	res, err := bind(block.memory, request.Item.Offset)
	if err != nil {
		return blockPlacement{}, res, err
	}

	err = block.metadata.Alloc(request, userData)
	if err != nil {
		return blockPlacement{}, core1_0.VKErrorUnknown, err
	}
	memutils.DebugValidate(block)

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.AddAllocation(heapIndex, size)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Placed in block",
		slog.Int("MemoryTypeIndex", l.memoryTypeIndex),
		slog.Int("block.id", block.id),
		slog.Int("Offset", request.Item.Offset),
		slog.Int("Padding", request.Item.Padding),
		slog.Int("Size", size),
	)

	return blockPlacement{
		BlockIndex: len(l.blocks) - 1,
		Handle:     request.BlockAllocationHandle,
		Memory:     block.memory,
		Offset:     request.Item.Offset,
		Size:       size,
	}, core1_0.VKSuccess, nil
}

// Free retires a placement. The bytes it occupied are not made available to later placements.
func (l *memoryBlockList) Free(blockIndex int, handle metadata.BlockAllocationHandle) error {
	if blockIndex < 0 || blockIndex >= len(l.blocks) {
		return errors.Newf("block index %d is out of range for memory type %d, which has %d blocks", blockIndex, l.memoryTypeIndex, len(l.blocks))
	}

	block := l.blocks[blockIndex]
	size, err := block.metadata.AllocationSize(handle)
	if err != nil {
		return err
	}

	err = block.metadata.Free(handle)
	if err != nil {
		return err
	}
	memutils.DebugValidate(block)

	heapIndex := l.deviceMemory.MemoryTypeIndexToHeapIndex(l.memoryTypeIndex)
	l.deviceMemory.RemoveAllocation(heapIndex, size)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Retired from block",
		slog.Int("MemoryTypeIndex", l.memoryTypeIndex),
		slog.Int("block.id", block.id),
		slog.Int("Size", size),
	)
	return nil
}

func (l *memoryBlockList) AddStatistics(stats *memutils.Statistics) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddStatistics(stats)
	}
}

func (l *memoryBlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		block := l.blocks[blockIndex]
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddDetailedStatistics(stats)
	}
}

func (l *memoryBlockList) HasNoAllocations() bool {
	for blockIndex := 0; blockIndex < len(l.blocks); blockIndex++ {
		if !l.blocks[blockIndex].metadata.IsEmpty() {
			return false
		}
	}

	return true
}

func (l *memoryBlockList) Validate() error {
	expectedSize := 0
	for blockIndex, block := range l.blocks {
		if block == nil {
			return errors.Newf("unexpected nil block at memory type %d, block %d", l.memoryTypeIndex, blockIndex)
		}
		if expectedSize != 0 && block.Size() != expectedSize {
			return errors.Newf("block %d of memory type %d is size %d, but it should be double the previous block, %d", blockIndex, l.memoryTypeIndex, block.Size(), expectedSize)
		}

		err := block.Validate()
		if err != nil {
			return err
		}

		expectedSize = block.Size() * 2
	}

	if expectedSize != 0 && l.nextBlockSize != expectedSize {
		return errors.Newf("memory type %d will next allocate a block of size %d, but it should be %d", l.memoryTypeIndex, l.nextBlockSize, expectedSize)
	}

	return nil
}

func (l *memoryBlockList) PrintDetailedMap(json *jwriter.ObjectState) {
	for i := 0; i < len(l.blocks); i++ {
		block := l.blocks[i]

		blockObj := json.Name(strconv.Itoa(block.id)).Object()
		block.metadata.BlockJsonData(&blockObj)
		l.printDetailedMapPlacements(block.metadata, &blockObj)
		blockObj.End()
	}
}

func (l *memoryBlockList) printDetailedMapPlacements(md metadata.BlockMetadata, json *jwriter.ObjectState) {
	arrayState := json.Name("Placements").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			obj.Name("Size").Int(size)

			if handle == metadata.NoAllocation {
				obj.Name("Type").String("FREE")
				return nil
			}

			ref, isResource := userData.(resourceRef)
			if free || !isResource {
				obj.Name("Type").String("RETIRED")
				return nil
			}

			obj.Name("Type").String(ref.Kind.String())
			obj.Name("ID").Int(int(ref.ID))
			return nil
		})
}
