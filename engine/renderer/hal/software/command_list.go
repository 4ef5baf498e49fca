package software

import (
	"fmt"
	"sync/atomic"

	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

// command is one recorded operation, run later on the queue goroutine.
type command func(ctx *execContext) error

type rootArgKind uint8

const (
	rootArgNone rootArgKind = iota
	rootArgCBV
	rootArgSRV
	rootArgTable
)

type rootArg struct {
	kind   rootArgKind
	addr   hal.GPUAddress
	handle hal.GPUHandle
}

// execContext is the bound pipeline state while a command list executes.
type execContext struct {
	dev      *Device
	kind     hal.QueueKind
	heaps    []*descriptorHeap
	rootSig  *rootSignature
	root     map[uint32]rootArg
	pipeline *pipeline
}

type commandAllocator struct {
	kind    hal.QueueKind
	pending atomic.Int32
}

func (a *commandAllocator) Reset() error {
	if a.pending.Load() > 0 {
		return hal.ErrAllocatorInUse
	}
	return nil
}

func (a *commandAllocator) retire() {
	a.pending.Add(-1)
}

func (a *commandAllocator) Destroy() {}

type commandList struct {
	dev    *Device
	kind   hal.QueueKind
	alloc  *commandAllocator
	cmds   []command
	closed bool
	err    error
}

func (l *commandList) Kind() hal.QueueKind {
	return l.kind
}

func (l *commandList) Reset(alloc hal.CommandAllocator) error {
	a, ok := alloc.(*commandAllocator)
	if !ok {
		return fmt.Errorf("allocator was not created by the software driver")
	}
	if !l.closed {
		return hal.ErrListOpen
	}
	if a.kind != l.kind {
		return fmt.Errorf("%s allocator used with a %s command list", a.kind, l.kind)
	}
	// Submitted lists keep their own slice, so start a fresh one.
	l.cmds = nil
	l.alloc = a
	l.err = nil
	l.closed = false
	return nil
}

func (l *commandList) Close() error {
	if l.closed {
		return hal.ErrListClosed
	}
	l.closed = true
	return l.err
}

func (l *commandList) fail(err error) {
	if l.err == nil {
		l.err = err
		l.dev.logger.Debug("recording error", "queue", l.kind, "err", err)
	}
}

func (l *commandList) record(cmd command) {
	if l.closed {
		l.fail(hal.ErrListClosed)
		return
	}
	l.cmds = append(l.cmds, cmd)
}

func (l *commandList) requireCompute(op string) bool {
	if l.kind == hal.QueueCopy {
		l.fail(fmt.Errorf("%s is not allowed on a copy command list", op))
		return false
	}
	return true
}

func (l *commandList) SetDescriptorHeaps(heaps ...hal.DescriptorHeap) {
	if !l.requireCompute("SetDescriptorHeaps") {
		return
	}
	bound := make([]*descriptorHeap, 0, len(heaps))
	for _, h := range heaps {
		dh, ok := h.(*descriptorHeap)
		if !ok {
			l.fail(fmt.Errorf("descriptor heap was not created by the software driver"))
			return
		}
		if !dh.desc.Kind.ShaderVisible() {
			l.fail(fmt.Errorf("%s heap is not shader visible", dh.desc.Kind))
			return
		}
		bound = append(bound, dh)
	}
	l.record(func(ctx *execContext) error {
		ctx.heaps = bound
		return nil
	})
}

func copyState(s hal.ResourceState) bool {
	return s == hal.StateCommon || s == hal.StateCopySource || s == hal.StateCopyDest
}

func (l *commandList) ResourceBarrier(barriers ...hal.Barrier) {
	for _, b := range barriers {
		if b.Kind == hal.BarrierUAV {
			// Commands on a queue already run in order.
			continue
		}
		st, ok := stateOf(b.Resource)
		if !ok {
			l.fail(fmt.Errorf("barrier on a resource not created by the software driver"))
			return
		}
		if l.kind == hal.QueueCopy && (!copyState(b.Before) || !copyState(b.After)) {
			l.fail(fmt.Errorf("copy command lists only transition between common and copy states"))
			return
		}
		l.record(func(ctx *execContext) error {
			if cur := hal.ResourceState(st.Load()); cur != b.Before {
				return fmt.Errorf("%w: %s is in state %#x, barrier expects %#x", hal.ErrInvalidState, b.Resource.Label(), cur, b.Before)
			}
			st.Store(uint32(b.After))
			return nil
		})
	}
}

func (l *commandList) CopyBufferRegion(dst hal.Buffer, dstOffset uint64, src hal.Buffer, srcOffset, size uint64) {
	d, okd := dst.(*buffer)
	s, oks := src.(*buffer)
	if !okd || !oks {
		l.fail(fmt.Errorf("copy between buffers not created by the software driver"))
		return
	}
	if dstOffset+size > d.desc.Size || srcOffset+size > s.desc.Size {
		l.fail(fmt.Errorf("copy of %d bytes out of range (%s -> %s)", size, s.Label(), d.Label()))
		return
	}
	l.record(func(ctx *execContext) error {
		copy(d.data[dstOffset:dstOffset+size], s.data[srcOffset:srcOffset+size])
		d.gen.Add(1)
		return nil
	})
}

// footprintCopy validates a texture <-> buffer copy and returns the tight
// row size in bytes.
func (l *commandList) footprintCopy(buf hal.Buffer, layout hal.Footprint, tex hal.Texture) (*buffer, *texture, uint64, bool) {
	d, okd := buf.(*buffer)
	t, okt := tex.(*texture)
	if !okd || !okt {
		l.fail(fmt.Errorf("texture copy with resources not created by the software driver"))
		return nil, nil, 0, false
	}
	bpp, err := hal.BytesPerPixel(layout.Format)
	if err != nil {
		l.fail(err)
		return nil, nil, 0, false
	}
	if layout.Format != t.desc.Format || layout.Width != t.desc.Width || layout.Height != t.desc.Height {
		l.fail(fmt.Errorf("footprint %dx%d does not match texture %s", layout.Width, layout.Height, t.Label()))
		return nil, nil, 0, false
	}
	if layout.RowPitch%hal.TexturePitchAlignment != 0 || layout.RowPitch < layout.Width*bpp {
		l.fail(fmt.Errorf("row pitch %d is not a valid multiple of %d", layout.RowPitch, hal.TexturePitchAlignment))
		return nil, nil, 0, false
	}
	need := layout.Offset + uint64(layout.RowPitch)*uint64(layout.Height-1) + uint64(layout.Width*bpp)
	if need > d.desc.Size {
		l.fail(fmt.Errorf("buffer %s holds %d bytes, footprint needs %d", d.Label(), d.desc.Size, need))
		return nil, nil, 0, false
	}
	return d, t, uint64(layout.Width * bpp), true
}

func (l *commandList) CopyTextureToBuffer(dst hal.Buffer, layout hal.Footprint, src hal.Texture) {
	d, t, rowSize, ok := l.footprintCopy(dst, layout, src)
	if !ok {
		return
	}
	l.record(func(ctx *execContext) error {
		if cur := hal.ResourceState(t.state.Load()); cur != hal.StateCopySource {
			return fmt.Errorf("%w: copy source %s is in state %#x", hal.ErrInvalidState, t.Label(), cur)
		}
		for y := uint64(0); y < uint64(layout.Height); y++ {
			dstOff := layout.Offset + y*uint64(layout.RowPitch)
			srcOff := y * rowSize
			copy(d.data[dstOff:dstOff+rowSize], t.data[srcOff:srcOff+rowSize])
		}
		d.gen.Add(1)
		return nil
	})
}

func (l *commandList) CopyBufferToTexture(dst hal.Texture, src hal.Buffer, layout hal.Footprint) {
	s, t, rowSize, ok := l.footprintCopy(src, layout, dst)
	if !ok {
		return
	}
	l.record(func(ctx *execContext) error {
		if cur := hal.ResourceState(t.state.Load()); cur != hal.StateCopyDest {
			return fmt.Errorf("%w: copy destination %s is in state %#x", hal.ErrInvalidState, t.Label(), cur)
		}
		for y := uint64(0); y < uint64(layout.Height); y++ {
			srcOff := layout.Offset + y*uint64(layout.RowPitch)
			dstOff := y * rowSize
			copy(t.data[dstOff:dstOff+rowSize], s.data[srcOff:srcOff+rowSize])
		}
		return nil
	})
}

func (l *commandList) BuildAccelerationStructure(desc hal.BuildDesc) {
	if !l.requireCompute("BuildAccelerationStructure") {
		return
	}
	if desc.Dest%hal.AccelerationStructureAlignment != 0 || desc.Scratch%hal.AccelerationStructureAlignment != 0 {
		l.fail(fmt.Errorf("%w: acceleration structure addresses must be %d byte aligned", hal.ErrInvalidAddress, hal.AccelerationStructureAlignment))
		return
	}
	inputs := desc.Inputs
	inputs.Geometries = append([]hal.TrianglesDesc(nil), desc.Inputs.Geometries...)
	desc.Inputs = inputs
	l.record(func(ctx *execContext) error {
		return ctx.dev.build(desc)
	})
}

func (l *commandList) SetComputeRootSignature(rs hal.RootSignature) {
	if !l.requireCompute("SetComputeRootSignature") {
		return
	}
	r, ok := rs.(*rootSignature)
	if !ok {
		l.fail(fmt.Errorf("root signature was not created by the software driver"))
		return
	}
	l.record(func(ctx *execContext) error {
		ctx.rootSig = r
		ctx.root = make(map[uint32]rootArg, len(r.desc.Parameters))
		return nil
	})
}

func (l *commandList) setRoot(index uint32, arg rootArg) {
	if !l.requireCompute("SetComputeRoot*") {
		return
	}
	l.record(func(ctx *execContext) error {
		if ctx.rootSig == nil {
			return fmt.Errorf("root argument %d set before a root signature", index)
		}
		if int(index) >= len(ctx.rootSig.desc.Parameters) {
			return fmt.Errorf("root parameter %d out of range", index)
		}
		ctx.root[index] = arg
		return nil
	})
}

func (l *commandList) SetComputeRootConstantBufferView(index uint32, addr hal.GPUAddress) {
	l.setRoot(index, rootArg{kind: rootArgCBV, addr: addr})
}

func (l *commandList) SetComputeRootShaderResourceView(index uint32, addr hal.GPUAddress) {
	l.setRoot(index, rootArg{kind: rootArgSRV, addr: addr})
}

func (l *commandList) SetComputeRootDescriptorTable(index uint32, base hal.GPUHandle) {
	l.setRoot(index, rootArg{kind: rootArgTable, handle: base})
}

func (l *commandList) SetPipelineState1(p hal.RayTracingPipeline) {
	if !l.requireCompute("SetPipelineState1") {
		return
	}
	sp, ok := p.(*pipeline)
	if !ok {
		l.fail(fmt.Errorf("pipeline was not created by the software driver"))
		return
	}
	l.record(func(ctx *execContext) error {
		ctx.pipeline = sp
		return nil
	})
}

func (l *commandList) DispatchRays(desc hal.DispatchRaysDesc) {
	if !l.requireCompute("DispatchRays") {
		return
	}
	if desc.Depth == 0 {
		desc.Depth = 1
	}
	l.record(func(ctx *execContext) error {
		return ctx.dispatchRays(desc)
	})
}

func (l *commandList) Destroy() {
	l.cmds = nil
	l.closed = true
}
