package objstore

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dustrender/objstore/internal/utils"
	"github.com/dustrender/objstore/internal/vulkan"
	"github.com/vkngwrapper/core/v2/common"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var allocatorCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	allocatorCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return allocatorCreateFlagsMapping.FlagsToString(f)
}

const (
	// AllocatorCreateExternallySynchronized ensures that the allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one thread at a time, usually
	// the render thread.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	AllocatorCreateExternallySynchronized.Register("AllocatorCreateExternallySynchronized")
}

// InitialBlockSize is the size in bytes of the first block of device memory allocated for each
// memory type. Every block after that is double the size of the one before it.
const InitialBlockSize int = 16 * 1024 * 1024

// CreateOptions contains optional settings when creating an allocator
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// MemoryCallbackOptions is an optional set of callbacks that will be executed when device memory
	// blocks are allocated or freed by this allocator
	MemoryCallbackOptions *MemoryCallbackOptions

	// HeapSizeLimits can be left empty. If it is provided, though, it must be a slice
	// with a number of entries corresponding to the number of heaps reported by the Device.
	// Each entry must be either the maximum number of bytes of blocks that should be allocated
	// from the corresponding heap, or 0 indicating no limit.
	//
	// A block that would exceed its heap's limit fails to allocate without reaching the device.
	HeapSizeLimits []int
}

// New creates a new Allocator
//
// logger - Receives debug output for each allocator operation and errors during teardown. If nil,
// slog.Default() is used.
//
// device - The Device that resources will be bound on and memory will be allocated from
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device Device, options CreateOptions) (*Allocator, error) {
	return newAllocator(logger, device, options, InitialBlockSize)
}

func newAllocator(logger *slog.Logger, device Device, options CreateOptions, initialBlockSize int) (*Allocator, error) {
	if device == nil {
		return nil, errors.New("attempted to create an allocator without a device")
	}
	if initialBlockSize < 1 {
		return nil, errors.Newf("invalid initial block size %d", initialBlockSize)
	}
	if logger == nil {
		logger = slog.Default()
	}

	useMutex := options.Flags&AllocatorCreateExternallySynchronized == 0

	allocator := &Allocator{
		logger:      logger,
		device:      device,
		createFlags: options.Flags,
		mutex:       utils.OptionalRWMutex{UseMutex: useMutex},
	}

	var err error
	allocator.deviceMemory, err = vulkan.NewDeviceMemoryProperties(
		device,
		device.MemoryProperties(),
		&memoryCallbacks{
			Callbacks: options.MemoryCallbackOptions,
			Allocator: allocator,
		},
		options.HeapSizeLimits,
	)
	if err != nil {
		return nil, err
	}

	// Initialize memory block lists
	typeCount := allocator.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		allocator.memoryBlockLists[typeIndex] = &memoryBlockList{}
		allocator.memoryBlockLists[typeIndex].Init(
			logger,
			allocator.deviceMemory,
			typeIndex,
			initialBlockSize,
		)
	}

	logger.Debug("Allocator::New",
		slog.Int("MemoryTypeCount", typeCount),
		slog.Int("MemoryHeapCount", allocator.deviceMemory.MemoryHeapCount()),
		slog.Int("InitialBlockSize", initialBlockSize),
		slog.String("Flags", options.Flags.String()),
	)

	return allocator, nil
}
