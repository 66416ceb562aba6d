package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

type Number interface {
	constraints.Integer
}

func CheckPow2[T Number](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment. alignment must be a power of two.
func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

// AlignPadding returns the number of bytes that must be skipped from offset to reach the next
// multiple of alignment. It is zero when offset is already aligned, and alignment does not have
// to be a power of two. An alignment of 0 is treated as 1.
func AlignPadding(offset int, alignment uint) int {
	if alignment <= 1 {
		return 0
	}

	align := int(alignment)
	return (align - offset%align) % align
}
