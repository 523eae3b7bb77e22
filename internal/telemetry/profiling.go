package telemetry

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/grafana/pyroscope-go"

	"github.com/marmos91/pmeta/internal/logger"
)

// profileTypes maps configuration names onto Pyroscope profile types.
var profileTypes = map[string]pyroscope.ProfileType{
	"cpu":            pyroscope.ProfileCPU,
	"alloc_objects":  pyroscope.ProfileAllocObjects,
	"alloc_space":    pyroscope.ProfileAllocSpace,
	"inuse_objects":  pyroscope.ProfileInuseObjects,
	"inuse_space":    pyroscope.ProfileInuseSpace,
	"goroutines":     pyroscope.ProfileGoroutines,
	"mutex_count":    pyroscope.ProfileMutexCount,
	"mutex_duration": pyroscope.ProfileMutexDuration,
	"block_count":    pyroscope.ProfileBlockCount,
	"block_duration": pyroscope.ProfileBlockDuration,
}

// Sampling of the runtime's contention profiles, one event in N. The
// journal slot wait and the per-file locks are the contention worth seeing.
const (
	mutexProfileFraction = 5
	blockProfileRate     = 5
)

var profiling atomic.Bool

// InitProfiling starts continuous profiling and returns the function that
// stops it.
func InitProfiling(cfg ProfilingConfig) (func() error, error) {
	if !cfg.Enabled {
		profiling.Store(false)
		return func() error { return nil }, nil
	}

	types, err := parseProfileTypes(cfg.ProfileTypes)
	if err != nil {
		return nil, err
	}
	enableContentionProfiles(types)

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: ServiceName,
		ServerAddress:   cfg.Endpoint,
		Tags:            cfg.Region.Tags(cfg.Version),
		ProfileTypes:    types,
		Logger:          profilerLog{},
	})
	if err != nil {
		return nil, fmt.Errorf("start profiler at %s: %w", cfg.Endpoint, err)
	}
	profiling.Store(true)

	return func() error {
		profiling.Store(false)
		return p.Stop()
	}, nil
}

// IsProfilingEnabled reports whether a profiler is running.
func IsProfilingEnabled() bool {
	return profiling.Load()
}

func parseProfileTypes(names []string) ([]pyroscope.ProfileType, error) {
	types := make([]pyroscope.ProfileType, 0, len(names))
	for _, name := range names {
		pt, ok := profileTypes[name]
		if !ok {
			return nil, fmt.Errorf("unknown profile type %q", name)
		}
		types = append(types, pt)
	}
	return types, nil
}

func enableContentionProfiles(types []pyroscope.ProfileType) {
	for _, pt := range types {
		switch pt {
		case pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration:
			runtime.SetMutexProfileFraction(mutexProfileFraction)
		case pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration:
			runtime.SetBlockProfileRate(blockProfileRate)
		}
	}
}

// profilerLog routes the profiler's own messages through the process
// logger. Its progress chatter is demoted to debug.
type profilerLog struct{}

func (profilerLog) Infof(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...), logger.Component("profiler"))
}

func (profilerLog) Debugf(format string, args ...any) {
	logger.Debug(fmt.Sprintf(format, args...), logger.Component("profiler"))
}

func (profilerLog) Errorf(format string, args ...any) {
	logger.Warn(fmt.Sprintf(format, args...), logger.Component("profiler"))
}
