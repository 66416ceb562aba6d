package objstore

import (
	"fmt"
	"math"

	"github.com/dustrender/objstore/memutils/metadata"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// ImageID identifies an image placed by an Allocator. It is the image's position in the allocator's
// image table, and is never reused, even after the image is deallocated.
type ImageID uint32

// BufferID identifies a buffer placed by an Allocator. It is the buffer's position in the allocator's
// buffer table, and is never reused, even after the buffer is deallocated.
type BufferID uint32

const (
	// NoImage is returned in place of an ImageID when allocation fails
	NoImage ImageID = math.MaxUint32
	// NoBuffer is returned in place of a BufferID when allocation fails
	NoBuffer BufferID = math.MaxUint32
)

// Placement describes where a resource's memory lives
type Placement struct {
	MemoryTypeIndex int
	BlockIndex      int
	Offset          int
	Size            int
	Memory          core1_0.DeviceMemory
}

type resourceKind uint32

const (
	resourceKindImage resourceKind = iota
	resourceKindBuffer
)

func (k resourceKind) String() string {
	switch k {
	case resourceKindImage:
		return "Image"
	case resourceKindBuffer:
		return "Buffer"
	}

	return fmt.Sprintf("resourceKind(%d)", uint32(k))
}

// resourceRef is stored as block userdata so diagnostics can name the resource that owns a range
type resourceRef struct {
	Kind resourceKind
	ID   uint32
}

func (r resourceRef) String() string {
	return fmt.Sprintf("%s %d", r.Kind, r.ID)
}

type placementRecord[T any] struct {
	resource  T
	placement Placement
	handle    metadata.BlockAllocationHandle
	live      bool
}

// resourceTable is an append-only arena of placement records. Clearing a record overwrites it in
// place, so the index of every other record stays stable.
type resourceTable[T any] struct {
	records   []placementRecord[T]
	liveCount int
}

// NextID is the ID the next appended record will receive
func (t *resourceTable[T]) NextID() uint32 {
	return uint32(len(t.records))
}

func (t *resourceTable[T]) Len() int       { return len(t.records) }
func (t *resourceTable[T]) LiveCount() int { return t.liveCount }

func (t *resourceTable[T]) Append(resource T, placement Placement, handle metadata.BlockAllocationHandle) uint32 {
	id := t.NextID()
	t.records = append(t.records, placementRecord[T]{
		resource:  resource,
		placement: placement,
		handle:    handle,
		live:      true,
	})
	t.liveCount++

	return id
}

// Get returns the live record at id, or nil if id is out of range or has been cleared
func (t *resourceTable[T]) Get(id uint32) *placementRecord[T] {
	if int64(id) >= int64(len(t.records)) {
		return nil
	}

	record := &t.records[id]
	if !record.live {
		return nil
	}

	return record
}

// Clear overwrites a live record with a cleared one
func (t *resourceTable[T]) Clear(id uint32) {
	record := t.Get(id)
	if record == nil {
		return
	}

	t.records[id] = placementRecord[T]{placement: Placement{BlockIndex: -1, MemoryTypeIndex: -1}}
	t.liveCount--
}

// VisitLive calls visit for every live record in ascending ID order
func (t *resourceTable[T]) VisitLive(visit func(id uint32, record *placementRecord[T])) {
	for index := range t.records {
		if t.records[index].live {
			visit(uint32(index), &t.records[index])
		}
	}
}
