package core

import (
	"errors"
)

var (
	ErrNotInitialized             = errors.New("device is not initialized")
	ErrRayTracingUnsupported      = errors.New("adapter does not support hardware ray tracing")
	ErrShaderModelUnsupported     = errors.New("adapter does not support the required shader model")
	ErrDeviceLost                 = errors.New("device lost")
	ErrTimeout                    = errors.New("wait timed out")
	ErrHeapExhausted              = errors.New("descriptor heap exhausted")
	ErrDescriptorNotAllocated     = errors.New("descriptor slot is not allocated")
	ErrEmptyAccelerationStructure = errors.New("acceleration structure prebuild reported a zero result size")
	ErrBuildOrder                 = errors.New("acceleration structure builder step called out of order")
	ErrShaderExportNotFound       = errors.New("shader export not found in pipeline")
	ErrExportClosed               = errors.New("frame exporter is shut down")
	ErrUnknown                    = errors.New("unknown")
)
