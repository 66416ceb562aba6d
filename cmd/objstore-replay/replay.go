package main

import (
	"log/slog"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/dustrender/objstore"
	"github.com/dustrender/objstore/internal/simdevice"
	"github.com/vkngwrapper/core/v2/core1_0"
)

var bufferPresetNames = map[string]objstore.BufferPreset{
	"":                        objstore.BufferPresetDeviceLocal,
	"DeviceLocal":             objstore.BufferPresetDeviceLocal,
	"DeviceLocalHostCached":   objstore.BufferPresetDeviceLocalHostCached,
	"DeviceLocalHostCoherent": objstore.BufferPresetDeviceLocalHostCoherent,
	"DeviceLocalHostVisible":  objstore.BufferPresetDeviceLocalHostVisible,
}

// Replayer runs the operations of a trace against an allocator on a simulated device
type Replayer struct {
	logger    *slog.Logger
	device    *simdevice.Device
	allocator *objstore.Allocator

	images  map[string]objstore.ImageID
	buffers map[string]objstore.BufferID
}

// NewReplayer builds the simulated device and allocator a trace describes
func NewReplayer(logger *slog.Logger, trace *Trace) (*Replayer, error) {
	config := simdevice.Config{
		ImageAlignment:  trace.Device.ImageAlignment,
		BufferAlignment: trace.Device.BufferAlignment,
	}
	for _, heap := range trace.Device.Heaps {
		var flags core1_0.MemoryHeapFlags
		if heap.DeviceLocal {
			flags = core1_0.MemoryHeapDeviceLocal
		}
		config.MemoryHeaps = append(config.MemoryHeaps, core1_0.MemoryHeap{
			Size:  heap.Size,
			Flags: flags,
		})
	}
	for typeIndex, memoryType := range trace.Device.Types {
		flags, err := parseMemoryProperties(memoryType.Flags)
		if err != nil {
			return nil, errors.Wrapf(err, "memory type %d", typeIndex)
		}
		config.MemoryTypes = append(config.MemoryTypes, core1_0.MemoryType{
			PropertyFlags: flags,
			HeapIndex:     memoryType.Heap,
		})
	}

	device, err := simdevice.New(logger, config)
	if err != nil {
		return nil, err
	}

	allocator, err := objstore.New(logger, device, objstore.CreateOptions{
		HeapSizeLimits: trace.Allocator.HeapSizeLimits,
	})
	if err != nil {
		return nil, err
	}

	return &Replayer{
		logger:    logger,
		device:    device,
		allocator: allocator,
		images:    make(map[string]objstore.ImageID),
		buffers:   make(map[string]objstore.BufferID),
	}, nil
}

func (r *Replayer) Allocator() *objstore.Allocator { return r.allocator }

func (r *Replayer) Device() *simdevice.Device { return r.device }

// ImageID returns the id the named image was allocated with
func (r *Replayer) ImageID(name string) (objstore.ImageID, bool) {
	id, ok := r.images[name]
	return id, ok
}

// BufferID returns the id the named buffer was allocated with
func (r *Replayer) BufferID(name string) (objstore.BufferID, bool) {
	id, ok := r.buffers[name]
	return id, ok
}

func requirements(op Operation) core1_0.MemoryRequirements {
	typeBits := op.TypeBits
	if typeBits == 0 {
		typeBits = math.MaxUint32
	}

	alignment := op.Alignment
	if alignment == 0 {
		alignment = 1
	}

	return core1_0.MemoryRequirements{
		Size:           op.Size,
		Alignment:      alignment,
		MemoryTypeBits: typeBits,
	}
}

func (r *Replayer) allocateImage(op Operation) error {
	if _, exists := r.images[op.Name]; exists {
		return errors.Newf("image %s is already allocated", op.Name)
	}

	flags, err := parseMemoryProperties(op.Flags)
	if err != nil {
		return err
	}

	image := r.device.NewImage(op.Name, requirements(op))
	id, res, err := r.allocator.AllocateImage(image, flags)
	if err != nil {
		r.device.DestroyImage(image)
		return errors.Wrapf(err, "image %s: %s", op.Name, res.String())
	}

	r.images[op.Name] = id
	r.logger.Info("allocated image",
		slog.String("Name", op.Name),
		slog.Int("ID", int(id)),
		slog.Int("MemoryTypeIndex", image.Memory.MemoryTypeIndex),
		slog.Int("Offset", image.Offset),
	)
	return nil
}

func (r *Replayer) allocateBuffer(op Operation) error {
	if _, exists := r.buffers[op.Name]; exists {
		return errors.Newf("buffer %s is already allocated", op.Name)
	}

	preset, ok := bufferPresetNames[op.Preset]
	if !ok {
		return errors.Newf("unknown buffer preset %q", op.Preset)
	}

	buffer := r.device.NewBuffer(op.Name, requirements(op))
	id, res, err := r.allocator.AllocateBuffer(buffer, preset)
	if err != nil {
		r.device.DestroyBuffer(buffer)
		return errors.Wrapf(err, "buffer %s: %s", op.Name, res.String())
	}

	r.buffers[op.Name] = id
	r.logger.Info("allocated buffer",
		slog.String("Name", op.Name),
		slog.Int("ID", int(id)),
		slog.String("Preset", preset.String()),
		slog.Int("MemoryTypeIndex", buffer.Memory.MemoryTypeIndex),
		slog.Int("Offset", buffer.Offset),
	)
	return nil
}

func (r *Replayer) deallocate(op Operation) error {
	if id, ok := r.images[op.Name]; ok {
		r.allocator.DeallocateImage(id)
		delete(r.images, op.Name)
		r.logger.Info("deallocated image", slog.String("Name", op.Name), slog.Int("ID", int(id)))
		return nil
	}

	if id, ok := r.buffers[op.Name]; ok {
		r.allocator.DeallocateBuffer(id)
		delete(r.buffers, op.Name)
		r.logger.Info("deallocated buffer", slog.String("Name", op.Name), slog.Int("ID", int(id)))
		return nil
	}

	return errors.Newf("no image or buffer named %s is allocated", op.Name)
}

func (r *Replayer) apply(op Operation) error {
	switch op.Op {
	case opImage:
		return r.allocateImage(op)
	case opBuffer:
		return r.allocateBuffer(op)
	case opDeallocate:
		return r.deallocate(op)
	case opDestroy:
		return r.allocator.Destroy()
	}

	return errors.Newf("unknown op %q", op.Op)
}

// Run applies every operation in order, stopping at the first one that does not behave as the
// trace expects
func (r *Replayer) Run(ops []Operation) error {
	for index, op := range ops {
		err := r.apply(op)
		if op.ExpectError {
			if err == nil {
				return errors.Newf("operation %d (%s %s) succeeded, but was expected to fail", index, op.Op, op.Name)
			}

			r.logger.Info("operation failed as expected",
				slog.Int("Index", index),
				slog.String("Op", op.Op),
				slog.Any("error", err),
			)
			continue
		}

		if err != nil {
			return errors.Wrapf(err, "operation %d (%s)", index, op.Op)
		}
	}

	return nil
}
