package objstore

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// BufferPreset names a combination of memory property flags that buffers are commonly allocated with
type BufferPreset uint32

const (
	// BufferPresetDeviceLocal places the buffer in memory that is only guaranteed to be device-local
	BufferPresetDeviceLocal BufferPreset = iota
	// BufferPresetDeviceLocalHostCached places the buffer in device-local memory that the host can map
	// and that is cached on the host
	BufferPresetDeviceLocalHostCached
	// BufferPresetDeviceLocalHostCoherent places the buffer in device-local memory that the host can
	// map without explicit flushes
	BufferPresetDeviceLocalHostCoherent
	// BufferPresetDeviceLocalHostVisible places the buffer in device-local memory that the host can map
	BufferPresetDeviceLocalHostVisible
)

var bufferPresetMapping = make(map[BufferPreset]string)
var bufferPresetProperties = make(map[BufferPreset]core1_0.MemoryPropertyFlags)

func (p BufferPreset) String() string {
	return bufferPresetMapping[p]
}

// MemoryProperties returns the memory property flags the preset requires
func (p BufferPreset) MemoryProperties() (core1_0.MemoryPropertyFlags, error) {
	flags, ok := bufferPresetProperties[p]
	if !ok {
		return 0, errors.Newf("unknown buffer preset %d", uint32(p))
	}

	return flags, nil
}

func init() {
	bufferPresetMapping[BufferPresetDeviceLocal] = "BufferPresetDeviceLocal"
	bufferPresetMapping[BufferPresetDeviceLocalHostCached] = "BufferPresetDeviceLocalHostCached"
	bufferPresetMapping[BufferPresetDeviceLocalHostCoherent] = "BufferPresetDeviceLocalHostCoherent"
	bufferPresetMapping[BufferPresetDeviceLocalHostVisible] = "BufferPresetDeviceLocalHostVisible"

	bufferPresetProperties[BufferPresetDeviceLocal] = core1_0.MemoryPropertyDeviceLocal
	bufferPresetProperties[BufferPresetDeviceLocalHostCached] = core1_0.MemoryPropertyDeviceLocal |
		core1_0.MemoryPropertyHostVisible |
		core1_0.MemoryPropertyHostCached
	bufferPresetProperties[BufferPresetDeviceLocalHostCoherent] = core1_0.MemoryPropertyDeviceLocal |
		core1_0.MemoryPropertyHostVisible |
		core1_0.MemoryPropertyHostCoherent
	bufferPresetProperties[BufferPresetDeviceLocalHostVisible] = core1_0.MemoryPropertyDeviceLocal |
		core1_0.MemoryPropertyHostVisible
}
