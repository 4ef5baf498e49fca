package software

import (
	"encoding/binary"
	"fmt"
	m "math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/math"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

const (
	baseAddress hal.GPUAddress = 1 << 16
	// Placement alignment between allocations. Keeps every buffer start
	// aligned for acceleration structures and constant buffers.
	placementAlignment uint64 = 64 << 10
)

// addressSpace hands out GPU virtual addresses and resolves them back.
type addressSpace struct {
	mu      sync.RWMutex
	next    hal.GPUAddress
	buffers []*buffer
}

func newAddressSpace() *addressSpace {
	return &addressSpace{next: baseAddress}
}

func (a *addressSpace) insert(b *buffer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b.addr = a.next
	a.next += hal.GPUAddress(math.AlignUp(max(b.desc.Size, 1), placementAlignment))
	// Addresses only grow, the slice stays sorted.
	a.buffers = append(a.buffers, b)
}

func (a *addressSpace) remove(b *buffer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := sort.Search(len(a.buffers), func(i int) bool { return a.buffers[i].addr >= b.addr })
	if i < len(a.buffers) && a.buffers[i] == b {
		a.buffers = append(a.buffers[:i], a.buffers[i+1:]...)
	}
}

// resolve returns the buffer containing [addr, addr+size) and the offset of
// addr inside it.
func (a *addressSpace) resolve(addr hal.GPUAddress, size uint64) (*buffer, uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i := sort.Search(len(a.buffers), func(i int) bool { return a.buffers[i].addr > addr }) - 1
	if i < 0 {
		return nil, 0, fmt.Errorf("%w: %#x", hal.ErrInvalidAddress, addr)
	}
	b := a.buffers[i]
	off := uint64(addr - b.addr)
	if off+size > b.desc.Size {
		return nil, 0, fmt.Errorf("%w: %#x+%d exceeds %s", hal.ErrInvalidAddress, addr, size, b.Label())
	}
	return b, off, nil
}

func (a *addressSpace) count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.buffers)
}

// bytes returns the memory backing [addr, addr+size).
func (a *addressSpace) bytes(addr hal.GPUAddress, size uint64) ([]byte, error) {
	b, off, err := a.resolve(addr, size)
	if err != nil {
		return nil, err
	}
	return b.data[off : off+size], nil
}

// tail returns the memory from addr to the end of its buffer.
func (a *addressSpace) tail(addr hal.GPUAddress) ([]byte, *buffer, error) {
	b, off, err := a.resolve(addr, 0)
	if err != nil {
		return nil, nil, err
	}
	return b.data[off:], b, nil
}

type buffer struct {
	dev   *Device
	desc  hal.BufferDesc
	addr  hal.GPUAddress
	data  []byte
	state atomic.Uint32
	// Bumped on every GPU or CPU write so cached decodes can be invalidated.
	gen    atomic.Uint64
	mapped atomic.Int32
}

func (d *Device) CreateBuffer(desc hal.BufferDesc) (hal.Buffer, error) {
	if err := d.RemovedReason(); err != nil {
		return nil, err
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("buffer %q has zero size", desc.Label)
	}
	desc.Label = core.LabelOr(desc.Label, "Buffer")
	b := &buffer{dev: d, desc: desc, data: make([]byte, desc.Size)}
	switch desc.Heap {
	case hal.HeapUpload:
		b.state.Store(uint32(hal.StateGenericRead))
	case hal.HeapReadback:
		b.state.Store(uint32(hal.StateCopyDest))
	default:
		b.state.Store(uint32(desc.InitialState))
	}
	d.mem.insert(b)
	d.logger.Debug("buffer created", "label", desc.Label, "size", desc.Size, "address", fmt.Sprintf("%#x", b.addr))
	return b, nil
}

func (b *buffer) Label() string {
	return b.desc.Label
}

func (b *buffer) Desc() hal.BufferDesc {
	return b.desc
}

func (b *buffer) GPUAddress() hal.GPUAddress {
	return b.addr
}

func (b *buffer) Map() ([]byte, error) {
	if b.desc.Heap == hal.HeapDefault {
		return nil, fmt.Errorf("%w: %s", hal.ErrNotMappable, b.Label())
	}
	if err := b.dev.RemovedReason(); err != nil {
		return nil, err
	}
	b.mapped.Add(1)
	return b.data, nil
}

func (b *buffer) Unmap() {
	if b.mapped.Add(-1) < 0 {
		b.mapped.Store(0)
		b.dev.warn("unmap without a matching map", "buffer", b.Label())
	}
	b.gen.Add(1)
}

func (b *buffer) Destroy() {
	b.dev.mem.remove(b)
	b.dev.dropAccel(b.addr, b.desc.Size)
}

type texture struct {
	dev   *Device
	desc  hal.TextureDesc
	bpp   uint32
	data  []byte
	state atomic.Uint32
}

func (d *Device) CreateTexture(desc hal.TextureDesc) (hal.Texture, error) {
	if err := d.RemovedReason(); err != nil {
		return nil, err
	}
	bpp, err := hal.BytesPerPixel(desc.Format)
	if err != nil {
		return nil, fmt.Errorf("texture %q: %w", desc.Label, err)
	}
	if desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("texture %q has zero extent", desc.Label)
	}
	desc.Label = core.LabelOr(desc.Label, "Texture")
	t := &texture{
		dev:  d,
		desc: desc,
		bpp:  bpp,
		data: make([]byte, uint64(desc.Width)*uint64(desc.Height)*uint64(bpp)),
	}
	t.state.Store(uint32(desc.InitialState))
	return t, nil
}

func (t *texture) Label() string {
	return t.desc.Label
}

func (t *texture) Desc() hal.TextureDesc {
	return t.desc
}

func (t *texture) Destroy() {}

func (t *texture) inBounds(x, y uint32) bool {
	return x < t.desc.Width && y < t.desc.Height
}

// load reads one texel as float RGBA.
func (t *texture) load(x, y uint32) math.Vec4 {
	if !t.inBounds(x, y) {
		return math.Vec4{}
	}
	off := (uint64(y)*uint64(t.desc.Width) + uint64(x)) * uint64(t.bpp)
	px := t.data[off : off+uint64(t.bpp)]
	switch t.desc.Format {
	case gputypes.TextureFormatRGBA8Unorm:
		return math.NewVec4(float32(px[0])/255, float32(px[1])/255, float32(px[2])/255, float32(px[3])/255)
	default:
		return math.NewVec4(
			m.Float32frombits(binary.LittleEndian.Uint32(px[0:])),
			m.Float32frombits(binary.LittleEndian.Uint32(px[4:])),
			m.Float32frombits(binary.LittleEndian.Uint32(px[8:])),
			m.Float32frombits(binary.LittleEndian.Uint32(px[12:])),
		)
	}
}

// store writes one texel. Out of bounds writes are dropped like on hardware.
func (t *texture) store(x, y uint32, v math.Vec4) {
	if !t.inBounds(x, y) {
		return
	}
	off := (uint64(y)*uint64(t.desc.Width) + uint64(x)) * uint64(t.bpp)
	px := t.data[off : off+uint64(t.bpp)]
	switch t.desc.Format {
	case gputypes.TextureFormatRGBA8Unorm:
		px[0] = unorm8(v.X)
		px[1] = unorm8(v.Y)
		px[2] = unorm8(v.Z)
		px[3] = unorm8(v.W)
	default:
		binary.LittleEndian.PutUint32(px[0:], m.Float32bits(v.X))
		binary.LittleEndian.PutUint32(px[4:], m.Float32bits(v.Y))
		binary.LittleEndian.PutUint32(px[8:], m.Float32bits(v.Z))
		binary.LittleEndian.PutUint32(px[12:], m.Float32bits(v.W))
	}
}

func unorm8(f float32) uint8 {
	return uint8(math.Clamp(f, 0, 1)*255 + 0.5)
}

// stateOf returns the state word of a software resource.
func stateOf(r hal.Resource) (*atomic.Uint32, bool) {
	switch v := r.(type) {
	case *buffer:
		return &v.state, true
	case *texture:
		return &v.state, true
	}
	return nil, false
}

func (d *Device) CopyableFootprint(desc hal.TextureDesc) (hal.FootprintInfo, error) {
	bpp, err := hal.BytesPerPixel(desc.Format)
	if err != nil {
		return hal.FootprintInfo{}, err
	}
	rowSize := uint64(desc.Width) * uint64(bpp)
	pitch := math.AlignUp(rowSize, hal.TexturePitchAlignment)
	return hal.FootprintInfo{
		Layout: hal.Footprint{
			Format:   desc.Format,
			Width:    desc.Width,
			Height:   desc.Height,
			RowPitch: uint32(pitch),
		},
		RowCount:  desc.Height,
		RowSize:   rowSize,
		TotalSize: pitch * uint64(desc.Height),
	}, nil
}
