// Package export writes rendered frames to disk without stalling the render
// loop. Frames are copied into a small ring of readback buffers on the copy
// queue and encoded by a bounded pool of workers.
package export

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/rtcore/engine/config"
	"github.com/spaghettifunk/rtcore/engine/core"
	"github.com/spaghettifunk/rtcore/engine/renderer/gfx"
	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
	"github.com/spaghettifunk/rtcore/engine/renderer/metadata"
	"github.com/spaghettifunk/rtcore/engine/systems"
)

// ExportCount is the depth of the readback ring and the size of the worker
// pool.
const ExportCount = 2

type SlotState int32

const (
	SlotIdle SlotState = iota
	SlotCopyQueued
	SlotCopying
	SlotMappedAndEncoding
	SlotWritten
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotCopyQueued:
		return "copy_queued"
	case SlotCopying:
		return "copying"
	case SlotMappedAndEncoding:
		return "mapped_and_encoding"
	case SlotWritten:
		return "written"
	}
	return "unknown"
}

// WriteFunc stores one encoded frame.
type WriteFunc func(path string, data []byte) error

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

type Option func(*FrameExporter)

// WithWriteFunc replaces the file writer.
func WithWriteFunc(fn WriteFunc) Option {
	return func(e *FrameExporter) {
		if fn != nil {
			e.write = fn
		}
	}
}

// WithEncoder overrides the encoder selected by the config format.
func WithEncoder(enc Encoder) Option {
	return func(e *FrameExporter) {
		if enc != nil {
			e.encoder = enc
		}
	}
}

// slot is one readback buffer and the copy list that fills it. Holding its
// token means owning both; the token goes back only after the worker synced
// the copy and unmapped the buffer, so the list's allocators are free again.
type slot struct {
	index    int
	readback hal.Buffer
	list     *gfx.CommandList
	token    chan struct{}
	state    atomic.Int32

	waitPoint gfx.WaitPoint
	frame     uint64
}

func (s *slot) setState(st SlotState) {
	s.state.Store(int32(st))
}

func (s *slot) release() {
	s.setState(SlotIdle)
	s.token <- struct{}{}
}

type FrameExporter struct {
	dev       *gfx.Device
	queue     *gfx.CommandQueue
	jobs      *systems.JobSystem
	logger    *log.Logger
	footprint hal.FootprintInfo

	dir     string
	pattern string
	encoder Encoder
	write   WriteFunc

	slots [ExportCount]*slot

	// Serializes captures, including the wait for a free slot.
	captureMu   sync.Mutex
	exportIndex int

	captureIndex atomic.Uint64
	closed       atomic.Bool

	copyMu   sync.Mutex
	lastCopy gfx.WaitPoint

	written atomic.Uint64
	dropped atomic.Uint64
}

// New creates the readback ring for width x height RGBA8 frames.
func New(dev *gfx.Device, cfg config.ExportConfig, width, height uint32, opts ...Option) (*FrameExporter, error) {
	if !dev.IsInitialized() {
		return nil, core.ErrNotInitialized
	}
	enc, err := EncoderFor(cfg.Format)
	if err != nil {
		return nil, err
	}
	footprint, err := dev.Raw().CopyableFootprint(hal.TextureDesc{
		Width:  width,
		Height: height,
		Format: gputypes.TextureFormatRGBA8Unorm,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute readback footprint: %w", err)
	}

	e := &FrameExporter{
		dev:       dev,
		queue:     dev.CopyQueue(),
		logger:    core.LogWith("export"),
		footprint: footprint,
		dir:       cfg.Directory,
		pattern:   cfg.Pattern,
		encoder:   enc,
		write:     writeFile,
	}
	if e.pattern == "" {
		e.pattern = "output_%03d"
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.init(); err != nil {
		e.term()
		core.LogError("failed to create frame exporter: %s", err)
		return nil, err
	}
	e.logger.Debug("frame exporter ready", "width", width, "height", height, "row_pitch", footprint.Layout.RowPitch, "format", e.encoder.Extension(), "workers", e.jobs.Workers())
	return e, nil
}

func (e *FrameExporter) init() error {
	for i := range e.slots {
		buf, err := e.dev.CreateReadbackBuffer(fmt.Sprintf("ExportReadback-%d", i), e.footprint.TotalSize)
		if err != nil {
			return err
		}
		s := &slot{index: i, readback: buf, token: make(chan struct{}, 1)}
		s.token <- struct{}{}
		e.slots[i] = s
		list, err := gfx.NewCommandList(e.dev, hal.QueueCopy)
		if err != nil {
			return err
		}
		s.list = list
	}
	// Every outstanding job holds a slot token, so Submit never blocks.
	jobs, err := systems.NewJobSystem(ExportCount, ExportCount)
	if err != nil {
		return err
	}
	e.jobs = jobs
	return nil
}

// CaptureResource copies src, which must be in the copy source state once
// after is reached, into the next ring slot and hands it to a worker. It
// blocks only while that slot is still owned by the worker of the capture
// ExportCount frames back.
func (e *FrameExporter) CaptureResource(src hal.Texture, after gfx.WaitPoint) error {
	e.captureMu.Lock()
	defer e.captureMu.Unlock()
	if e.closed.Load() {
		return core.ErrExportClosed
	}

	desc := src.Desc()
	l := e.footprint.Layout
	if desc.Width != l.Width || desc.Height != l.Height || desc.Format != l.Format {
		return fmt.Errorf("capture of %s: %dx%d texture does not match the %dx%d ring: %w",
			src.Label(), desc.Width, desc.Height, l.Width, l.Height, hal.ErrUnsupportedFormat)
	}

	s := e.slots[e.exportIndex]
	<-s.token
	frame := e.captureIndex.Load()
	if err := e.submitCopy(s, src, after); err != nil {
		s.release()
		core.LogError("capture %d dropped: %s", frame, err)
		e.dropped.Add(1)
		return err
	}
	s.frame = frame
	e.copyMu.Lock()
	e.lastCopy = s.waitPoint
	e.copyMu.Unlock()

	err := e.jobs.Submit(metadata.JobTask{
		Name:                 fmt.Sprintf("export-%03d", frame),
		Run:                  func() error { return e.process(s) },
		OnComplete:           func() { e.written.Add(1) },
		OnFailure:            func(error) { e.dropped.Add(1) },
		OnCompletionCallback: s.release,
	})
	if err != nil {
		// The copy is already queued; wait for it before giving the slot back.
		_ = e.queue.Sync(s.waitPoint, e.dev.SyncTimeout())
		s.release()
		return err
	}
	e.captureIndex.Add(1)
	e.exportIndex = (e.exportIndex + 1) % ExportCount
	return nil
}

func (e *FrameExporter) submitCopy(s *slot, src hal.Texture, after gfx.WaitPoint) error {
	s.setState(SlotCopyQueued)
	if err := s.list.Reset(); err != nil {
		return err
	}
	s.list.Raw().CopyTextureToBuffer(s.readback, e.footprint.Layout, src)
	if err := s.list.Close(); err != nil {
		return err
	}
	if err := e.queue.Wait(after); err != nil {
		return err
	}
	if err := e.queue.Execute(s.list); err != nil {
		return err
	}
	wp, err := e.queue.Signal()
	if err != nil {
		return err
	}
	s.waitPoint = wp
	s.setState(SlotCopying)
	return nil
}

// process runs on a worker: wait for the copy, de-pad rows, encode, write.
func (e *FrameExporter) process(s *slot) error {
	if err := e.queue.Sync(s.waitPoint, e.dev.SyncTimeout()); err != nil {
		return fmt.Errorf("capture %d: %w", s.frame, err)
	}
	data, err := s.readback.Map()
	if err != nil {
		return fmt.Errorf("capture %d: %w", s.frame, err)
	}
	s.setState(SlotMappedAndEncoding)
	img := e.image(data)
	s.readback.Unmap()

	var buf bytes.Buffer
	if err := e.encoder.Encode(&buf, img); err != nil {
		return fmt.Errorf("capture %d: encode: %w", s.frame, err)
	}
	path := e.Path(s.frame)
	if err := e.write(path, buf.Bytes()); err != nil {
		return fmt.Errorf("capture %d: %w", s.frame, err)
	}
	s.setState(SlotWritten)
	e.logger.Debug("frame written", "path", path, "bytes", buf.Len())
	return nil
}

func (e *FrameExporter) image(data []byte) *image.NRGBA {
	l := e.footprint.Layout
	img := image.NewNRGBA(image.Rect(0, 0, int(l.Width), int(l.Height)))
	rowSize := int(e.footprint.RowSize)
	for y := 0; y < int(l.Height); y++ {
		src := data[uint64(l.Offset)+uint64(y)*uint64(l.RowPitch):]
		copy(img.Pix[y*img.Stride:y*img.Stride+rowSize], src[:rowSize])
	}
	return img
}

// Path returns the file a capture index is written to.
func (e *FrameExporter) Path(frame uint64) string {
	return filepath.Join(e.dir, fmt.Sprintf(e.pattern, frame)+"."+e.encoder.Extension())
}

// States reports the state of every ring slot.
func (e *FrameExporter) States() [ExportCount]SlotState {
	var out [ExportCount]SlotState
	for i, s := range e.slots {
		out[i] = SlotState(s.state.Load())
	}
	return out
}

// Captured returns the number of captures handed to workers so far.
func (e *FrameExporter) Captured() uint64 {
	return e.captureIndex.Load()
}

// LastCopy returns the wait point of the most recent copy. Work that
// overwrites a captured texture has to wait on it.
func (e *FrameExporter) LastCopy() gfx.WaitPoint {
	e.copyMu.Lock()
	defer e.copyMu.Unlock()
	return e.lastCopy
}

func (e *FrameExporter) Written() uint64 {
	return e.written.Load()
}

func (e *FrameExporter) Dropped() uint64 {
	return e.dropped.Load()
}

// Shutdown stops accepting captures, joins the workers and releases the ring.
func (e *FrameExporter) Shutdown() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	// A capture already past the closed check finishes handing off its slot.
	e.captureMu.Lock()
	defer e.captureMu.Unlock()

	err := e.jobs.Shutdown()
	e.term()
	e.logger.Info("frame exporter stopped", "written", e.written.Load(), "dropped", e.dropped.Load())
	return err
}

func (e *FrameExporter) term() {
	for _, s := range e.slots {
		if s == nil {
			continue
		}
		if s.list != nil {
			s.list.Term()
			s.list = nil
		}
		if s.readback != nil {
			s.readback.Destroy()
			s.readback = nil
		}
	}
}
