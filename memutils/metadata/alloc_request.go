package metadata

// AllocationRequestType is an enum that indicates the type of allocation that is being made.
// It is returned in AllocationRequest from CreateAllocationRequest
type AllocationRequestType uint32

const (
	// AllocationRequestEndOfBlock indicates that the allocation request was sourced from
	// metadata.BumpBlockMetadata and that it will be placed at the block's first free byte
	AllocationRequestEndOfBlock AllocationRequestType = iota
)

var allocationRequestMapping = map[AllocationRequestType]string{
	AllocationRequestEndOfBlock: "EndOfBlock",
}

func (t AllocationRequestType) String() string {
	return allocationRequestMapping[t]
}

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where and how
// the metadata intends to allocate new memory. This allocation can be applied to the actual memory system consuming
// memutils (for instance by binding a resource at Item.Offset), and then committed to the metadata with
// BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle is the handle the allocation will be given once committed
	BlockAllocationHandle BlockAllocationHandle
	// Size is the total number of bytes the request consumes from the block, padding included
	Size int
	// Item is a Suballocation object indicating where the allocation will be placed
	Item Suballocation
	// Type identifies the sort of allocation this request represents (and can be used
	// to identify the BlockMetadata implementation used to generate this request).
	Type AllocationRequestType
}
