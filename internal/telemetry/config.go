package telemetry

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// ServiceName is the name traces and profiles are reported under.
const ServiceName = "pmeta"

// Region identifies the region a process works on. Tracing attaches it to
// the exported resource and profiling to every profile, so runs against
// different regions or geometries stay apart in the backends.
type Region struct {
	Path      string
	Backend   string
	Size      uint64
	BlockSize uint64
	CPUs      int
}

// Attributes returns the region as resource attributes. Empty fields are
// left out.
func (r Region) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if r.Path != "" {
		attrs = append(attrs, attribute.String(AttrRegionPath, r.Path))
	}
	if r.Backend != "" {
		attrs = append(attrs, attribute.String(AttrRegionBackend, r.Backend))
	}
	if r.Size != 0 {
		attrs = append(attrs, RegionSize(r.Size))
	}
	if r.BlockSize != 0 {
		attrs = append(attrs, BlockSize(r.BlockSize))
	}
	if r.CPUs != 0 {
		attrs = append(attrs, attribute.Int(AttrRegionCPUs, r.CPUs))
	}
	return attrs
}

// Tags returns the region as profile tags. The path is left out: profile
// tag values are label values and a path rarely is a valid one.
func (r Region) Tags(version string) map[string]string {
	tags := map[string]string{}
	if version != "" {
		tags["version"] = version
	}
	if r.Backend != "" {
		tags["backend"] = r.Backend
	}
	if r.BlockSize != 0 {
		tags["block_size"] = strconv.FormatUint(r.BlockSize, 10)
	}
	if r.CPUs != 0 {
		tags["cpus"] = strconv.Itoa(r.CPUs)
	}
	return tags
}

// Config configures tracing.
type Config struct {
	Enabled bool

	// Endpoint is the OTLP gRPC collector, host:port.
	Endpoint string
	Insecure bool

	// SampleRate is the fraction of root spans kept. Child spans follow
	// their parent's decision.
	SampleRate float64

	Version string
	Region  Region
}

// ProfilingConfig configures continuous profiling.
type ProfilingConfig struct {
	Enabled bool

	// Endpoint is the Pyroscope server URL.
	Endpoint string

	// ProfileTypes names the profiles to collect; see profileTypes.
	ProfileTypes []string

	Version string
	Region  Region
}
