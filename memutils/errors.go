package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is returned from CheckPow2 when the value being tested is zero, negative, or
// not a power of two
var PowerOfTwoError error = errors.New("number must be a positive power of two")
