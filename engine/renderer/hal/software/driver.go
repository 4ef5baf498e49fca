// Package software is a CPU implementation of the hal interfaces. Every queue
// runs on its own goroutine, acceleration structures are SAH BVHs stored in
// their result buffers and DispatchRays runs Go shader programs selected
// through the shader tables.
package software

import (
	"runtime"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/rtcore/engine/renderer/hal"
)

const DriverName = "software"

func init() {
	hal.Register(DriverName, func() hal.Driver { return NewDriver() })
}

type driverOptions struct {
	shaderModel uint32
	tier        hal.RayTracingTier
	workers     int
	queueDepth  int
}

type Option func(*driverOptions)

// WithShaderModel overrides the reported shader model (0x66 encoding).
func WithShaderModel(sm uint32) Option {
	return func(o *driverOptions) {
		o.shaderModel = sm
	}
}

// WithRayTracingTier overrides the reported ray tracing tier.
func WithRayTracingTier(tier hal.RayTracingTier) Option {
	return func(o *driverOptions) {
		o.tier = tier
	}
}

// WithWorkers sets the number of goroutines DispatchRays spreads rows over.
func WithWorkers(n int) Option {
	return func(o *driverOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithQueueDepth bounds the number of pending submissions per queue.
func WithQueueDepth(n int) Option {
	return func(o *driverOptions) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

type Driver struct {
	opts driverOptions
}

func NewDriver(opts ...Option) *Driver {
	o := driverOptions{
		shaderModel: hal.ShaderModel6_6,
		tier:        hal.RayTracingTier1_1,
		workers:     runtime.NumCPU(),
		queueDepth:  64,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Driver{opts: o}
}

func (d *Driver) Name() string {
	return DriverName
}

func (d *Driver) EnumerateAdapters() ([]hal.AdapterInfo, error) {
	return []hal.AdapterInfo{{
		AdapterInfo: gputypes.AdapterInfo{
			Name:       "rtcore CPU tracer",
			Vendor:     "rtcore",
			DeviceType: gputypes.DeviceTypeCPU,
			Driver:     runtime.Version(),
			DriverInfo: runtime.GOOS + "/" + runtime.GOARCH,
			Backend:    gputypes.BackendEmpty,
		},
		RayTracingTier: d.opts.tier,
		ShaderModel:    d.opts.shaderModel,
	}}, nil
}

func (d *Driver) Open(adapter hal.AdapterInfo, desc hal.DeviceDesc) (hal.Device, error) {
	return newDevice(adapter, desc, d.opts), nil
}
