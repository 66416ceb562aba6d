package objstore

import (
	"github.com/cockroachdb/errors"
	"github.com/dustrender/objstore/internal/vulkan"
)

var (
	// ErrNoMatchingMemoryType is returned when none of the device's memory types is both permitted
	// for the resource and carries the requested property flags. It is never retried.
	ErrNoMatchingMemoryType = vulkan.ErrNoMatchingMemoryType
	// ErrNoValidHeapForAllocation is returned when the newest block of the selected memory type cannot
	// fit the resource. Allocation grows the memory type once and retries before surfacing it.
	ErrNoValidHeapForAllocation = errors.New("no valid heap for allocation")
	// ErrDeviceMemoryAllocationFailed marks errors from the device while allocating a new block. The
	// original device error remains in the chain.
	ErrDeviceMemoryAllocationFailed = errors.New("device memory allocation failed")
	// ErrAllocatorDestroyed is returned by allocation methods called after Allocator.Destroy succeeded
	ErrAllocatorDestroyed = errors.New("allocator has been destroyed")
)
