package simdevice

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/dustrender/objstore"
	"github.com/dustrender/objstore/memutils"
	"github.com/google/uuid"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

const (
	// DefaultImageAlignment is used when Config.ImageAlignment is left at 0
	DefaultImageAlignment int = 1024
	// DefaultBufferAlignment is used when Config.BufferAlignment is left at 0
	DefaultBufferAlignment int = 256
	// DefaultTexelSize is used when Config.TexelSize is left at 0
	DefaultTexelSize int = 4
)

// Config describes the simulated hardware
type Config struct {
	MemoryTypes []core1_0.MemoryType
	MemoryHeaps []core1_0.MemoryHeap

	// ImageAlignment is the alignment reported for images created with CreateImage
	ImageAlignment int
	// BufferAlignment is the alignment reported for buffers created with CreateBuffer
	BufferAlignment int
	// TexelSize is the number of bytes per texel used to size images created with CreateImage
	TexelSize int
}

// Device is an in-memory objstore.Device. Memory allocations are charged against the capacity of
// the heap they come from, and bind calls are checked for alignment, bounds and double binding, so
// it can stand in for a GPU in tests and trace replay. It is not safe for concurrent use.
type Device struct {
	logger           *slog.Logger
	memoryProperties core1_0.PhysicalDeviceMemoryProperties
	imageAlignment   int
	bufferAlignment  int
	texelSize        int

	heapUsage []int
	memories  *swiss.Map[uuid.UUID, *Memory]
	images    *swiss.Map[uuid.UUID, *Image]
	buffers   *swiss.Map[uuid.UUID, *Buffer]
}

var _ objstore.Device = &Device{}

// New creates a simulated device. If logger is nil, slog.Default() is used.
func New(logger *slog.Logger, config Config) (*Device, error) {
	if len(config.MemoryTypes) == 0 || len(config.MemoryTypes) > common.MaxMemoryTypes {
		return nil, errors.Newf("simulated device must have between 1 and %d memory types, but %d were provided", common.MaxMemoryTypes, len(config.MemoryTypes))
	}
	if len(config.MemoryHeaps) == 0 || len(config.MemoryHeaps) > common.MaxMemoryHeaps {
		return nil, errors.Newf("simulated device must have between 1 and %d memory heaps, but %d were provided", common.MaxMemoryHeaps, len(config.MemoryHeaps))
	}
	for typeIndex, memoryType := range config.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(config.MemoryHeaps) {
			return nil, errors.Newf("memory type %d refers to heap %d, which does not exist", typeIndex, memoryType.HeapIndex)
		}
	}

	device := &Device{
		logger: logger,
		memoryProperties: core1_0.PhysicalDeviceMemoryProperties{
			MemoryTypes: append([]core1_0.MemoryType(nil), config.MemoryTypes...),
			MemoryHeaps: append([]core1_0.MemoryHeap(nil), config.MemoryHeaps...),
		},
		imageAlignment:  config.ImageAlignment,
		bufferAlignment: config.BufferAlignment,
		texelSize:       config.TexelSize,
		heapUsage:       make([]int, len(config.MemoryHeaps)),
		memories:        swiss.NewMap[uuid.UUID, *Memory](8),
		images:          swiss.NewMap[uuid.UUID, *Image](64),
		buffers:         swiss.NewMap[uuid.UUID, *Buffer](64),
	}

	if device.logger == nil {
		device.logger = slog.Default()
	}
	if device.imageAlignment == 0 {
		device.imageAlignment = DefaultImageAlignment
	}
	if device.bufferAlignment == 0 {
		device.bufferAlignment = DefaultBufferAlignment
	}
	if device.texelSize == 0 {
		device.texelSize = DefaultTexelSize
	}

	if err := memutils.CheckPow2(device.imageAlignment, "simdevice.Config.ImageAlignment"); err != nil {
		return nil, err
	}
	if err := memutils.CheckPow2(device.bufferAlignment, "simdevice.Config.BufferAlignment"); err != nil {
		return nil, err
	}
	if device.texelSize < 0 {
		return nil, errors.Newf("invalid texel size %d", device.texelSize)
	}

	return device, nil
}

func (d *Device) allMemoryTypeBits() uint32 {
	return uint32(1)<<len(d.memoryProperties.MemoryTypes) - 1
}

func (d *Device) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &d.memoryProperties
}

// HeapUsage returns the number of bytes currently allocated from the heap at heapIndex
func (d *Device) HeapUsage(heapIndex int) int {
	return d.heapUsage[heapIndex]
}

func (d *Device) LiveMemoryCount() int { return d.memories.Count() }

func (d *Device) LiveImageCount() int { return d.images.Count() }

func (d *Device) LiveBufferCount() int { return d.buffers.Count() }

// NewImage creates an image that reports the provided memory requirements, for traces that
// describe resources by their requirements instead of by their create info
func (d *Device) NewImage(name string, requirements core1_0.MemoryRequirements) *Image {
	image := &Image{
		ID:           uuid.New(),
		Name:         name,
		Requirements: requirements,
	}
	d.images.Put(image.ID, image)

	return image
}

// NewBuffer creates a buffer that reports the provided memory requirements
func (d *Device) NewBuffer(name string, requirements core1_0.MemoryRequirements) *Buffer {
	buffer := &Buffer{
		ID:           uuid.New(),
		Name:         name,
		Requirements: requirements,
	}
	d.buffers.Put(buffer.ID, buffer)

	return buffer
}

func (d *Device) CreateImage(createInfo core1_0.ImageCreateInfo) (core1_0.Image, common.VkResult, error) {
	if createInfo.Extent.Width < 1 || createInfo.Extent.Height < 1 || createInfo.Extent.Depth < 1 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid image extent %dx%dx%d", createInfo.Extent.Width, createInfo.Extent.Height, createInfo.Extent.Depth)
	}

	mipLevels := max(createInfo.MipLevels, 1)
	arrayLayers := max(createInfo.ArrayLayers, 1)

	width, height, depth := createInfo.Extent.Width, createInfo.Extent.Height, createInfo.Extent.Depth
	size := 0
	for level := 0; level < mipLevels; level++ {
		size += width * height * depth * arrayLayers * d.texelSize
		width = max(width/2, 1)
		height = max(height/2, 1)
		depth = max(depth/2, 1)
	}

	image := d.NewImage(uuid.NewString(), core1_0.MemoryRequirements{
		Size:           memutils.AlignUp(size, uint(d.imageAlignment)),
		Alignment:      d.imageAlignment,
		MemoryTypeBits: d.allMemoryTypeBits(),
	})

	d.logger.Debug("simdevice::CreateImage", slog.String("ID", image.ID.String()), slog.Int("Size", image.Requirements.Size))
	return image, core1_0.VKSuccess, nil
}

func (d *Device) CreateBuffer(createInfo core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error) {
	if createInfo.Size < 1 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid buffer size %d", createInfo.Size)
	}

	buffer := d.NewBuffer(uuid.NewString(), core1_0.MemoryRequirements{
		Size:           memutils.AlignUp(createInfo.Size, uint(d.bufferAlignment)),
		Alignment:      d.bufferAlignment,
		MemoryTypeBits: d.allMemoryTypeBits(),
	})

	d.logger.Debug("simdevice::CreateBuffer", slog.String("ID", buffer.ID.String()), slog.Int("Size", buffer.Requirements.Size))
	return buffer, core1_0.VKSuccess, nil
}

func (d *Device) liveImage(image core1_0.Image) (*Image, error) {
	simImage, ok := image.(*Image)
	if !ok || simImage == nil {
		return nil, errors.Newf("image %+v was not created by this device", image)
	}
	if _, live := d.images.Get(simImage.ID); !live {
		return nil, errors.Newf("image %s has been destroyed", simImage.Name)
	}

	return simImage, nil
}

func (d *Device) liveBuffer(buffer core1_0.Buffer) (*Buffer, error) {
	simBuffer, ok := buffer.(*Buffer)
	if !ok || simBuffer == nil {
		return nil, errors.Newf("buffer %+v was not created by this device", buffer)
	}
	if _, live := d.buffers.Get(simBuffer.ID); !live {
		return nil, errors.Newf("buffer %s has been destroyed", simBuffer.Name)
	}

	return simBuffer, nil
}

func (d *Device) liveMemory(memory core1_0.DeviceMemory) (*Memory, error) {
	simMemory, ok := memory.(*Memory)
	if !ok || simMemory == nil {
		return nil, errors.Newf("memory %+v was not allocated by this device", memory)
	}
	if _, live := d.memories.Get(simMemory.ID); !live {
		return nil, errors.Newf("memory %s has been freed", simMemory.ID)
	}

	return simMemory, nil
}

func (d *Device) ImageMemoryRequirements(image core1_0.Image) (*core1_0.MemoryRequirements, error) {
	simImage, err := d.liveImage(image)
	if err != nil {
		return nil, err
	}

	requirements := simImage.Requirements
	return &requirements, nil
}

func (d *Device) BufferMemoryRequirements(buffer core1_0.Buffer) (*core1_0.MemoryRequirements, error) {
	simBuffer, err := d.liveBuffer(buffer)
	if err != nil {
		return nil, err
	}

	requirements := simBuffer.Requirements
	return &requirements, nil
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (core1_0.DeviceMemory, common.VkResult, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.memoryProperties.MemoryTypes) {
		return nil, core1_0.VKErrorUnknown, errors.Newf("memory type %d does not exist", memoryTypeIndex)
	}
	if size < 1 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("invalid allocation size %d", size)
	}

	heapIndex := d.memoryProperties.MemoryTypes[memoryTypeIndex].HeapIndex
	if d.heapUsage[heapIndex]+size > d.memoryProperties.MemoryHeaps[heapIndex].Size {
		d.logger.Debug("simdevice::AllocateMemory out of device memory",
			slog.Int("HeapIndex", heapIndex),
			slog.Int("HeapUsage", d.heapUsage[heapIndex]),
			slog.Int("Size", size),
		)
		return nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	memory := &Memory{
		ID:              uuid.New(),
		MemoryTypeIndex: memoryTypeIndex,
		Size:            size,
	}
	d.memories.Put(memory.ID, memory)
	d.heapUsage[heapIndex] += size

	d.logger.Debug("simdevice::AllocateMemory",
		slog.String("ID", memory.ID.String()),
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("Size", size),
	)
	return memory, core1_0.VKSuccess, nil
}

func (d *Device) FreeMemory(memory core1_0.DeviceMemory) {
	simMemory, err := d.liveMemory(memory)
	if err != nil {
		d.logger.Error("simdevice::FreeMemory", slog.Any("error", err))
		return
	}

	heapIndex := d.memoryProperties.MemoryTypes[simMemory.MemoryTypeIndex].HeapIndex
	d.heapUsage[heapIndex] -= simMemory.Size
	d.memories.Delete(simMemory.ID)
}

func (d *Device) checkBinding(name string, requirements core1_0.MemoryRequirements, bound *Memory, memory core1_0.DeviceMemory, offset int) (*Memory, error) {
	if bound != nil {
		return nil, errors.Newf("%s is already bound to memory %s", name, bound.ID)
	}

	simMemory, err := d.liveMemory(memory)
	if err != nil {
		return nil, err
	}

	if requirements.MemoryTypeBits&(1<<simMemory.MemoryTypeIndex) == 0 {
		return nil, errors.Newf("%s cannot be bound to memory type %d", name, simMemory.MemoryTypeIndex)
	}
	if offset < 0 || offset+requirements.Size > simMemory.Size {
		return nil, errors.Newf("%s of size %d does not fit at offset %d of memory %s, which is size %d", name, requirements.Size, offset, simMemory.ID, simMemory.Size)
	}
	if requirements.Alignment > 0 && offset%requirements.Alignment != 0 {
		return nil, errors.Newf("%s is bound at offset %d, which is not aligned to %d", name, offset, requirements.Alignment)
	}

	return simMemory, nil
}

func (d *Device) BindImageMemory(image core1_0.Image, memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	simImage, err := d.liveImage(image)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	simMemory, err := d.checkBinding(simImage.Name, simImage.Requirements, simImage.Memory, memory, offset)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	simImage.Memory = simMemory
	simImage.Offset = offset
	return core1_0.VKSuccess, nil
}

func (d *Device) BindBufferMemory(buffer core1_0.Buffer, memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	simBuffer, err := d.liveBuffer(buffer)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	simMemory, err := d.checkBinding(simBuffer.Name, simBuffer.Requirements, simBuffer.Memory, memory, offset)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	simBuffer.Memory = simMemory
	simBuffer.Offset = offset
	return core1_0.VKSuccess, nil
}

func (d *Device) DestroyImage(image core1_0.Image) {
	simImage, err := d.liveImage(image)
	if err != nil {
		d.logger.Error("simdevice::DestroyImage", slog.Any("error", err))
		return
	}

	d.images.Delete(simImage.ID)
}

func (d *Device) DestroyBuffer(buffer core1_0.Buffer) {
	simBuffer, err := d.liveBuffer(buffer)
	if err != nil {
		d.logger.Error("simdevice::DestroyBuffer", slog.Any("error", err))
		return
	}

	d.buffers.Delete(simBuffer.ID)
}
