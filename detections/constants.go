package detections

import "time"

const (
	DefaultInputSize     = 640
	DefaultConfThreshold = 0.25
	DefaultIouThreshold  = 0.45
	DefaultMaxDetections = 300

	// YOLO heads downsample by 8, 16 and 32; input sides must be a multiple of the largest.
	MaxStride   = 32
	// cx, cy, w, h precede the class scores in every output column.
	BoxChannels = 4
)

const (
	// DefaultPoolSize Pool configuration
	DefaultPoolSize   = 2
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
	// MaxCachedPools bounds the per-size pools a dynamic model keeps alive.
	MaxCachedPools    = 3
)
