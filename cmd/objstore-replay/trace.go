package main

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// Trace is a simulated device description followed by a list of allocator operations
type Trace struct {
	Device    DeviceDescription    `toml:"device"`
	Allocator AllocatorDescription `toml:"allocator"`
	Ops       []Operation          `toml:"ops"`
}

type DeviceDescription struct {
	ImageAlignment  int               `toml:"image_alignment"`
	BufferAlignment int               `toml:"buffer_alignment"`
	Heaps           []HeapDescription `toml:"heaps"`
	Types           []TypeDescription `toml:"types"`
}

type HeapDescription struct {
	Size        int  `toml:"size"`
	DeviceLocal bool `toml:"device_local"`
}

type TypeDescription struct {
	Heap  int      `toml:"heap"`
	Flags []string `toml:"flags"`
}

type AllocatorDescription struct {
	HeapSizeLimits []int `toml:"heap_size_limits"`
}

const (
	opImage      = "image"
	opBuffer     = "buffer"
	opDeallocate = "deallocate"
	opDestroy    = "destroy"
)

// Operation is a single step of a trace. Op is one of "image", "buffer", "deallocate" or "destroy".
type Operation struct {
	Op   string `toml:"op"`
	Name string `toml:"name"`

	// Size, Alignment and TypeBits are the memory requirements reported for an image or buffer.
	// A TypeBits of 0 permits every memory type.
	Size      int    `toml:"size"`
	Alignment int    `toml:"alignment"`
	TypeBits  uint32 `toml:"type_bits"`

	// Flags are the memory property flags an image requires
	Flags []string `toml:"flags"`
	// Preset is the buffer preset a buffer is allocated with. It defaults to DeviceLocal.
	Preset string `toml:"preset"`

	// ExpectError makes a failing operation part of the trace instead of a replay error. An
	// expected failure that succeeds is a replay error.
	ExpectError bool `toml:"expect_error"`
}

var memoryPropertyNames = map[string]core1_0.MemoryPropertyFlags{
	"DeviceLocal":  core1_0.MemoryPropertyDeviceLocal,
	"HostVisible":  core1_0.MemoryPropertyHostVisible,
	"HostCoherent": core1_0.MemoryPropertyHostCoherent,
	"HostCached":   core1_0.MemoryPropertyHostCached,
}

func parseMemoryProperties(names []string) (core1_0.MemoryPropertyFlags, error) {
	var flags core1_0.MemoryPropertyFlags
	for _, name := range names {
		flag, ok := memoryPropertyNames[name]
		if !ok {
			return 0, errors.Newf("unknown memory property flag %q", name)
		}
		flags |= flag
	}

	return flags, nil
}

func decodeTrace(r io.Reader) (*Trace, error) {
	var trace Trace
	err := toml.NewDecoder(r).DisallowUnknownFields().Decode(&trace)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode trace")
	}

	for index, op := range trace.Ops {
		switch op.Op {
		case opImage, opBuffer, opDeallocate:
			if op.Name == "" {
				return nil, errors.Newf("operation %d (%s) has no name", index, op.Op)
			}
		case opDestroy:
		default:
			return nil, errors.Newf("operation %d has unknown op %q", index, op.Op)
		}
	}

	return &trace, nil
}

// LoadTrace reads and decodes the trace file at path
func LoadTrace(path string) (*Trace, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	trace, err := decodeTrace(file)
	if err != nil {
		return nil, errors.Wrapf(err, "trace %s", path)
	}

	return trace, nil
}
