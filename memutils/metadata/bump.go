package metadata

import (
	"github.com/cockroachdb/errors"
	"github.com/dustrender/objstore/memutils"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// BumpBlockMetadata is a BlockMetadata implementation that places every allocation at the block's
// first free byte, and only ever moves that byte forward. Retiring an allocation does not return its
// range to the block. This suits resources that live as long as a scene does: placement is O(1) and
// there is no free list to maintain.
type BumpBlockMetadata struct {
	BlockMetadataBase

	firstFree      int
	paddingBytes   int
	liveCount      int
	liveBytes      int
	suballocations []Suballocation
}

var _ BlockMetadata = &BumpBlockMetadata{}

// NewBumpBlockMetadata creates a BumpBlockMetadata. Init must be called before it is used.
func NewBumpBlockMetadata() *BumpBlockMetadata {
	return &BumpBlockMetadata{}
}

func (m *BumpBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.firstFree = 0
	m.paddingBytes = 0
	m.liveCount = 0
	m.liveBytes = 0
	m.suballocations = m.suballocations[:0]
}

// FirstFree returns the offset of the first byte that has never been handed out. Every byte before it
// is padding or belongs to a live or retired allocation.
func (m *BumpBlockMetadata) FirstFree() int { return m.firstFree }

// PaddingBytes returns the number of bytes skipped to satisfy alignment requests
func (m *BumpBlockMetadata) PaddingBytes() int { return m.paddingBytes }

func (m *BumpBlockMetadata) AllocationCount() int { return m.liveCount }

func (m *BumpBlockMetadata) SumFreeSize() int { return m.Size() - m.firstFree }

func (m *BumpBlockMetadata) IsEmpty() bool { return m.liveCount == 0 }

func (m *BumpBlockMetadata) Validate() error {
	if m.firstFree < 0 || m.firstFree > m.Size() {
		return errors.Newf("first free offset %d is outside of the block, which is size %d", m.firstFree, m.Size())
	}

	offset := 0
	liveCount := 0
	liveBytes := 0
	paddingBytes := 0
	for index, suballoc := range m.suballocations {
		if suballoc.Offset != offset+suballoc.Padding {
			return errors.Newf("suballocation %d is at offset %d, but the previous suballocation ends at %d with padding %d", index, suballoc.Offset, offset, suballoc.Padding)
		}
		if suballoc.Size < 1 {
			return errors.Newf("suballocation %d has invalid size %d", index, suballoc.Size)
		}

		offset = suballoc.Offset + suballoc.Size
		paddingBytes += suballoc.Padding
		if !suballoc.Retired {
			liveCount++
			liveBytes += suballoc.Size
		}
	}

	if offset != m.firstFree {
		return errors.Newf("suballocations end at offset %d, but first free offset is %d", offset, m.firstFree)
	}
	if liveCount != m.liveCount {
		return errors.Newf("found %d live suballocations, but the block is tracking %d", liveCount, m.liveCount)
	}
	if liveBytes != m.liveBytes {
		return errors.Newf("found %d live bytes, but the block is tracking %d", liveBytes, m.liveBytes)
	}
	if paddingBytes != m.paddingBytes {
		return errors.Newf("found %d padding bytes, but the block is tracking %d", paddingBytes, m.paddingBytes)
	}

	return nil
}

func (m *BumpBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for index, suballoc := range m.suballocations {
		err := handleBlock(BlockAllocationHandle(index), suballoc.Offset, suballoc.Size, suballoc.UserData, suballoc.Retired)
		if err != nil {
			return err
		}
	}

	if m.firstFree < m.Size() {
		return handleBlock(NoAllocation, m.firstFree, m.Size()-m.firstFree, nil, true)
	}

	return nil
}

func (m *BumpBlockMetadata) suballocation(allocHandle BlockAllocationHandle) (*Suballocation, error) {
	if allocHandle == NoAllocation || int(allocHandle) >= len(m.suballocations) {
		return nil, errors.Newf("allocation handle %d does not map to an allocation in this block", allocHandle)
	}

	return &m.suballocations[allocHandle], nil
}

func (m *BumpBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	suballoc, err := m.suballocation(allocHandle)
	if err != nil {
		return 0, err
	}

	return suballoc.Offset, nil
}

// AllocationSize returns the size in bytes of the allocation, not including its padding
func (m *BumpBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	suballoc, err := m.suballocation(allocHandle)
	if err != nil {
		return 0, err
	}

	return suballoc.Size, nil
}

func (m *BumpBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	suballoc, err := m.suballocation(allocHandle)
	if err != nil {
		return nil, err
	}

	return suballoc.UserData, nil
}

func (m *BumpBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.PaddingBytes += m.paddingBytes

	for _, suballoc := range m.suballocations {
		if suballoc.Retired {
			stats.AddRetired(suballoc.Size)
		} else {
			stats.AddAllocation(suballoc.Size)
		}
	}

	if m.firstFree < m.Size() {
		stats.AddUnusedRange(m.Size() - m.firstFree)
	}
}

func (m *BumpBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.Size()
	stats.AllocationCount += m.liveCount
	stats.AllocationBytes += m.liveBytes
}

func (m *BumpBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	unusedRangeCount := 0
	if m.firstFree < m.Size() {
		unusedRangeCount = 1
	}

	m.BlockMetadataBase.BlockJsonData(json, m.SumFreeSize(), m.liveCount, unusedRangeCount)
	json.Name("FirstFree").Int(m.firstFree)
	json.Name("PaddingBytes").Int(m.paddingBytes)
	json.Name("RetiredAllocations").Int(len(m.suballocations) - m.liveCount)
}

func (m *BumpBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error) {
	if allocSize < 1 {
		return false, AllocationRequest{}, errors.Newf("invalid allocation size %d", allocSize)
	}

	padding := memutils.AlignPadding(m.firstFree, allocAlignment)
	if m.firstFree+padding+allocSize > m.Size() {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		BlockAllocationHandle: BlockAllocationHandle(len(m.suballocations)),
		Size:                  padding + allocSize,
		Item: Suballocation{
			Offset:  m.firstFree + padding,
			Size:    allocSize,
			Padding: padding,
		},
		Type: AllocationRequestEndOfBlock,
	}, nil
}

func (m *BumpBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	if request.Type != AllocationRequestEndOfBlock {
		return errors.Newf("bump block metadata cannot commit a request of type %s", request.Type.String())
	}
	if int(request.BlockAllocationHandle) != len(m.suballocations) ||
		request.Item.Offset-request.Item.Padding != m.firstFree {
		return errors.New("allocation request is stale: the block has changed since the request was created")
	}
	if request.Item.Offset+request.Item.Size > m.Size() {
		return errors.Newf("allocation request ends at %d, past the end of the block, which is size %d", request.Item.Offset+request.Item.Size, m.Size())
	}

	suballoc := request.Item
	suballoc.UserData = userData
	suballoc.Retired = false
	m.suballocations = append(m.suballocations, suballoc)

	m.firstFree = suballoc.Offset + suballoc.Size
	m.paddingBytes += suballoc.Padding
	m.liveCount++
	m.liveBytes += suballoc.Size

	return nil
}

func (m *BumpBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	suballoc, err := m.suballocation(allocHandle)
	if err != nil {
		return err
	}
	if suballoc.Retired {
		return errors.Newf("allocation handle %d has already been freed", allocHandle)
	}

	suballoc.Retired = true
	suballoc.UserData = nil
	m.liveCount--
	m.liveBytes -= suballoc.Size

	return nil
}
