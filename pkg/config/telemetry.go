package config

import "github.com/marmos91/pmeta/internal/telemetry"

// Tracing maps the telemetry section onto the tracer configuration.
func (c *Config) Tracing(version string) telemetry.Config {
	return telemetry.Config{
		Enabled:    c.Telemetry.Enabled,
		Endpoint:   c.Telemetry.Endpoint,
		Insecure:   c.Telemetry.Insecure,
		SampleRate: c.Telemetry.SampleRate,
		Version:    version,
		Region:     c.regionIdentity(),
	}
}

// Profiling maps the profiling section onto the profiler configuration.
func (c *Config) Profiling(version string) telemetry.ProfilingConfig {
	p := c.Telemetry.Profiling
	return telemetry.ProfilingConfig{
		Enabled:      p.Enabled,
		Endpoint:     p.Endpoint,
		ProfileTypes: p.ProfileTypes,
		Version:      version,
		Region:       c.regionIdentity(),
	}
}

func (c *Config) regionIdentity() telemetry.Region {
	r := telemetry.Region{
		Backend:   c.Region.Backend,
		Size:      c.Region.Size.Uint64(),
		BlockSize: c.Region.BlockSize.Uint64(),
		CPUs:      c.Region.CPUs,
	}
	if c.Region.Backend == BackendMmap {
		r.Path = c.Region.Path
	}
	return r
}
