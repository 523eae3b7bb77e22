package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// recordSpans routes StartSpan into an in-memory recorder for the test.
func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	install(tp.Tracer(ServiceName), true)
	t.Cleanup(func() {
		install(noopTracer(), false)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()

	shutdown, err := Init(ctx, Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(ctx))
	assert.False(t, IsEnabled())

	// Spans are no-ops but usable.
	_, span := StartSpan(ctx, "test.operation")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestSpans_RecordErrorAndAttributes(t *testing.T) {
	rec := recordSpans(t)
	assert.True(t, IsEnabled())

	ctx, span := StartFSSpan(context.Background(), "create", 12, ParentIno(1), Filename("a.txt"))
	SetAttributes(ctx, Size(4096))
	RecordError(ctx, nil)
	RecordError(ctx, errors.New("no space"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	got := ended[0]
	assert.Equal(t, "pmfs.create", got.Name())
	assert.Equal(t, codes.Error, got.Status().Code)
	assert.Equal(t, "no space", got.Status().Description)
	assert.Contains(t, got.Attributes(), Ino(12))
	assert.Contains(t, got.Attributes(), Filename("a.txt"))
	assert.Contains(t, got.Attributes(), Size(4096))
}

func TestStartJournalSpan(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartJournalSpan(context.Background(), SpanJournalStart, TxID(1), CPU(0), Entries(3))
	span.End()

	require.Len(t, rec.Ended(), 1)
	assert.Equal(t, SpanJournalStart, rec.Ended()[0].Name())
	assert.Contains(t, rec.Ended()[0].Attributes(), TxID(1))
}

func TestSampler(t *testing.T) {
	tid := trace.TraceID{1, 2, 3}
	root := sdktrace.SamplingParameters{ParentContext: context.Background(), TraceID: tid, Name: "root"}

	assert.Equal(t, sdktrace.RecordAndSample, newSampler(1).ShouldSample(root).Decision)
	assert.Equal(t, sdktrace.RecordAndSample, newSampler(2).ShouldSample(root).Decision)
	assert.Equal(t, sdktrace.Drop, newSampler(0).ShouldSample(root).Decision)

	t.Run("ChildFollowsSampledParent", func(t *testing.T) {
		parent := trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    tid,
			SpanID:     trace.SpanID{9},
			TraceFlags: trace.FlagsSampled,
			Remote:     true,
		})
		child := root
		child.ParentContext = trace.ContextWithSpanContext(context.Background(), parent)
		assert.Equal(t, sdktrace.RecordAndSample, newSampler(0).ShouldSample(child).Decision)
	})
}

func TestResource_CarriesRegion(t *testing.T) {
	res, err := newResource(context.Background(), Config{
		Version: "1.0.0",
		Region: Region{
			Path:      "/mnt/pmem0/meta",
			Backend:   "mmap",
			Size:      64 << 20,
			BlockSize: 4096,
			CPUs:      4,
		},
	})
	require.NoError(t, err)

	set := res.Set()
	for key, want := range map[string]attribute.Value{
		"service.name":    attribute.StringValue(ServiceName),
		"service.version": attribute.StringValue("1.0.0"),
		AttrRegionPath:    attribute.StringValue("/mnt/pmem0/meta"),
		AttrRegionBackend: attribute.StringValue("mmap"),
		AttrRegionSize:    attribute.Int64Value(64 << 20),
		AttrBlockSize:     attribute.Int64Value(4096),
		AttrRegionCPUs:    attribute.IntValue(4),
	} {
		got, ok := set.Value(attribute.Key(key))
		require.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
}

func TestRegion_OmitsEmptyFields(t *testing.T) {
	assert.Empty(t, Region{}.Attributes())
	assert.Empty(t, Region{}.Tags(""))

	tags := Region{Path: "/tmp/r.pm", Backend: "memory", BlockSize: 512, CPUs: 2}.Tags("dev")
	assert.Equal(t, map[string]string{
		"version":    "dev",
		"backend":    "memory",
		"block_size": "512",
		"cpus":       "2",
	}, tags)
}

func TestProfiling(t *testing.T) {
	t.Run("Disabled", func(t *testing.T) {
		stop, err := InitProfiling(ProfilingConfig{Enabled: false})
		require.NoError(t, err)
		assert.NoError(t, stop())
		assert.False(t, IsProfilingEnabled())
	})

	t.Run("ParseProfileTypes", func(t *testing.T) {
		types, err := parseProfileTypes([]string{"cpu", "mutex_duration", "block_count"})
		require.NoError(t, err)
		assert.Len(t, types, 3)

		_, err = parseProfileTypes([]string{"cpu", "heap"})
		assert.ErrorContains(t, err, `"heap"`)
	})

	t.Run("UnknownTypeFailsInit", func(t *testing.T) {
		_, err := InitProfiling(ProfilingConfig{Enabled: true, ProfileTypes: []string{"bogus"}})
		assert.Error(t, err)
		assert.False(t, IsProfilingEnabled())
	})
}

type opName string

func (o opName) String() string { return string(o) }

func TestAttributeHelpers(t *testing.T) {
	t.Run("Mode", func(t *testing.T) {
		attr := Mode(0o755)
		assert.Equal(t, AttrMode, string(attr.Key))
		assert.Equal(t, "0755", attr.Value.AsString())
	})

	t.Run("TxType", func(t *testing.T) {
		attr := TxType(opName("RENAME"))
		assert.Equal(t, AttrTxType, string(attr.Key))
		assert.Equal(t, "RENAME", attr.Value.AsString())
	})

	t.Run("Waited", func(t *testing.T) {
		attr := Waited(true)
		assert.Equal(t, AttrWaited, string(attr.Key))
		assert.True(t, attr.Value.AsBool())
	})

	t.Run("RegionUUID", func(t *testing.T) {
		attr := RegionUUID("0b0e8c2a-6f3e-4f0a-9d55-0c2f8a1e7b11")
		assert.Equal(t, AttrRegionUUID, string(attr.Key))
		assert.Equal(t, "0b0e8c2a-6f3e-4f0a-9d55-0c2f8a1e7b11", attr.Value.AsString())
	})
}
