package util

// Histogram buckets shared by the tracker's prometheus metrics, all in seconds.
var (
	// MetricsBucketsMilliSeconds spans 1ms to about 4s.
	MetricsBucketsMilliSeconds = []float64{
		1e-3, 2e-3, 4e-3, 8e-3, 16e-3, 32e-3, 64e-3, 128e-3, 256e-3, 512e-3, 1024e-3, 2048e-3, 4096e-3,
	}

	// MetricsBucketsMilliLongSeconds spans 64ms to about 2 minutes.
	MetricsBucketsMilliLongSeconds = []float64{
		64e-3, 128e-3, 256e-3, 512e-3, 1024e-3, 2048e-3, 4096e-3, 8192e-3, 16384e-3, 32768e-3, 65536e-3, 131072e-3,
	}
)
