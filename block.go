package objstore

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dustrender/objstore/internal/vulkan"
	"github.com/dustrender/objstore/memutils/metadata"
	"github.com/vkngwrapper/core/v2/core1_0"
)

type deviceMemoryBlock struct {
	id              int
	memory          core1_0.DeviceMemory
	memoryTypeIndex int
	logger          *slog.Logger

	metadata     *metadata.BumpBlockMetadata
	deviceMemory *vulkan.DeviceMemoryProperties
}

func (b *deviceMemoryBlock) Init(
	logger *slog.Logger,
	deviceMemory *vulkan.DeviceMemoryProperties,
	newMemoryTypeIndex int,
	newMemory core1_0.DeviceMemory,
	newSize int,
	id int,
) {
	if b.memory != nil {
		panic("attempting to initialize a device memory block that is already in use")
	}

	b.memoryTypeIndex = newMemoryTypeIndex
	b.id = id
	b.memory = newMemory
	b.deviceMemory = deviceMemory
	b.logger = logger

	b.metadata = metadata.NewBumpBlockMetadata()
	b.metadata.Init(newSize)
}

func (b *deviceMemoryBlock) Memory() core1_0.DeviceMemory { return b.memory }
func (b *deviceMemoryBlock) Size() int                    { return b.metadata.Size() }

// Destroy frees the block's device memory. It fails without freeing anything if any resource
// placed in the block is still live.
func (b *deviceMemoryBlock) Destroy() error {
	if !b.metadata.IsEmpty() {
		// Log all remaining allocations
		err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed placement",
				slog.Int("MemoryTypeIndex", b.memoryTypeIndex),
				slog.Int("block.id", b.id),
				slog.Int("offset", offset),
				slog.Int("size", size),
				slog.Any("resource", userData),
			)
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Newf("block %d of memory type %d still holds %d live placements", b.id, b.memoryTypeIndex, b.metadata.AllocationCount())
	}

	if b.memory == nil {
		panic("attempting to destroy a memory block, but it did not have a backing vulkan memory handle")
	}

	b.deviceMemory.FreeVulkanMemory(b.memoryTypeIndex, b.metadata.Size(), b.memory)

	b.memory = nil
	b.metadata = nil
	return nil
}

func (b *deviceMemoryBlock) Validate() error {
	if b.memory == nil {
		return errors.New("no valid memory for this memory block")
	}
	if b.metadata.Size() < 1 {
		return errors.New("this memory block's metadata has an invalid size")
	}

	err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		_, isResource := userData.(resourceRef)
		if free && isResource {
			return errors.Newf("a placement at offset %d is marked as free but still refers to a resource", offset)
		} else if !free && !isResource {
			return errors.Newf("a placement at offset %d is marked as live but has no resource", offset)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return b.metadata.Validate()
}
