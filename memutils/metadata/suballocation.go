package metadata

import "math"

type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation describes one placement inside a block. Padding is the number of bytes skipped
// in front of Offset to satisfy the placement's alignment. A retired suballocation keeps its
// range: bump blocks never hand bytes out twice.
type Suballocation struct {
	Offset   int
	Size     int
	Padding  int
	UserData any
	Retired  bool
}
