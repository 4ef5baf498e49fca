package gfx

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

// ConstantBufferAlignment is the placement and size alignment of root CBVs.
const ConstantBufferAlignment = 256

func (d *Device) createBuffer(desc hal.BufferDesc) (hal.Buffer, error) {
	if !d.initialized {
		return nil, core.ErrNotInitialized
	}
	b, err := d.raw.CreateBuffer(desc)
	if err != nil {
		err = fmt.Errorf("failed to create buffer %q (%d bytes): %w", desc.Label, desc.Size, deviceError(err))
		core.LogError("%s", err)
		return nil, err
	}
	return b, nil
}

// CreateUploadBuffer creates a CPU writable buffer, optionally filled with data.
func (d *Device) CreateUploadBuffer(label string, size uint64, data []byte) (hal.Buffer, error) {
	b, err := d.createBuffer(hal.BufferDesc{
		Label: core.LabelOr(label, "Upload"),
		Size:  size,
		Usage: gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc,
		Heap:  hal.HeapUpload,
	})
	if err != nil || len(data) == 0 {
		return b, err
	}
	dst, err := b.Map()
	if err != nil {
		b.Destroy()
		return nil, err
	}
	copy(dst, data)
	b.Unmap()
	return b, nil
}

// CreateScratchBuffer creates GPU local scratch memory for acceleration
// structure builds. It is created in the unordered access state.
func (d *Device) CreateScratchBuffer(label string, size uint64) (hal.Buffer, error) {
	return d.createBuffer(hal.BufferDesc{
		Label:        core.LabelOr(label, "Scratch"),
		Size:         math.AlignUp(size, hal.AccelerationStructureAlignment),
		Usage:        gputypes.BufferUsageStorage,
		Heap:         hal.HeapDefault,
		InitialState: hal.StateUnorderedAccess,
		AllowUAV:     true,
	})
}

// CreateReadbackBuffer creates a CPU readable copy destination.
func (d *Device) CreateReadbackBuffer(label string, size uint64) (hal.Buffer, error) {
	return d.createBuffer(hal.BufferDesc{
		Label: core.LabelOr(label, "Readback"),
		Size:  size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		Heap:  hal.HeapReadback,
	})
}

// CreateStorageTexture creates a texture shaders write through a UAV.
func (d *Device) CreateStorageTexture(label string, width, height uint32, format gputypes.TextureFormat) (hal.Texture, error) {
	if !d.initialized {
		return nil, core.ErrNotInitialized
	}
	t, err := d.raw.CreateTexture(hal.TextureDesc{
		Label:        core.LabelOr(label, "Texture"),
		Width:        width,
		Height:       height,
		Format:       format,
		InitialState: hal.StateUnorderedAccess,
		AllowUAV:     true,
	})
	if err != nil {
		err = fmt.Errorf("failed to create texture %q: %w", label, deviceError(err))
		core.LogError("%s", err)
		return nil, err
	}
	return t, nil
}

// ConstantBuffer is a persistently mapped, double buffered upload buffer. The
// CPU writes one half while the GPU may still read the other.
type ConstantBuffer struct {
	buf     hal.Buffer
	mapped  []byte
	size    uint64
	current int
}

func NewConstantBuffer(dev *Device, label string, size uint64) (*ConstantBuffer, error) {
	size = math.AlignUp(max(size, 1), ConstantBufferAlignment)
	buf, err := dev.CreateUploadBuffer(core.LabelOr(label, "ConstantBuffer"), size*2, nil)
	if err != nil {
		return nil, err
	}
	mapped, err := buf.Map()
	if err != nil {
		buf.Destroy()
		return nil, fmt.Errorf("failed to map constant buffer: %w", deviceError(err))
	}
	return &ConstantBuffer{buf: buf, mapped: mapped, size: size}, nil
}

// SwapBuffer moves writes to the other half.
func (c *ConstantBuffer) SwapBuffer() {
	c.current = (c.current + 1) & 1
}

// Update copies data into the current half. Data longer than the aligned size
// is an error.
func (c *ConstantBuffer) Update(data []byte) error {
	if uint64(len(data)) > c.size {
		return fmt.Errorf("constant buffer update of %d bytes exceeds %d", len(data), c.size)
	}
	copy(c.mapped[uint64(c.current)*c.size:], data)
	return nil
}

// Bytes returns the current half for in place encoding.
func (c *ConstantBuffer) Bytes() []byte {
	off := uint64(c.current) * c.size
	return c.mapped[off : off+c.size]
}

// GPUAddress returns the address of the current half.
func (c *ConstantBuffer) GPUAddress() hal.GPUAddress {
	return c.buf.GPUAddress() + hal.GPUAddress(uint64(c.current)*c.size)
}

func (c *ConstantBuffer) Size() uint64 {
	return c.size
}

func (c *ConstantBuffer) Term() {
	if c.buf == nil {
		return
	}
	c.buf.Unmap()
	c.buf.Destroy()
	c.buf = nil
	c.mapped = nil
}
