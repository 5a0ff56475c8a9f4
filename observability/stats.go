package observability

import (
	"context"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/shirou/gopsutil/v3/process"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	once sync.Once
)

type appStats struct {
	ctx              context.Context
	shutdownCallback ShutdownCallback
	proc             *process.Process
	goroutines       metric.Int64ObservableUpDownCounter
	processes        metric.Int64ObservableUpDownCounter
	rss              metric.Int64ObservableGauge
}

func (stats *appStats) waitForShutdown() {
	if stats == nil || stats.shutdownCallback == nil {
		return
	}
	go func() {
		<-stats.ctx.Done()
		_ = stats.shutdownCallback(context.Background())
	}()
}

func (stats *appStats) observeRSS(ctx context.Context, ob metric.Int64Observer) error {
	if stats.proc == nil {
		return nil
	}
	mem, err := stats.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		// Unsupported platforms report nothing.
		return nil
	}
	ob.Observe(int64(mem.RSS))
	return nil
}

func appMeterName(name string) string {
	builder := &strings.Builder{}
	builder.WriteString("xmap/app/")
	if len(strings.TrimSpace(name)) > 0 {
		builder.WriteString(name)
	} else {
		builder.WriteString("default")
	}
	return builder.String()
}

// InitAppStats registers the process level instruments once. The
// shutdown callback runs after ctx is done.
func InitAppStats(ctx context.Context, name string, shutdown ShutdownCallback) {
	once.Do(func() {
		meter := otel.Meter(
			appMeterName(name),
			metric.WithInstrumentationVersion(otelruntime.Version()),
		)
		stats := &appStats{
			ctx:              ctx,
			shutdownCallback: shutdown,
		}
		if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
			stats.proc = proc
		}
		stats.goroutines = lo.Must[metric.Int64ObservableUpDownCounter](meter.Int64ObservableUpDownCounter(
			"app.core.goroutines",
			metric.WithDescription(`The application goroutines' info.`),
			metric.WithInt64Callback(func(ctx context.Context, ob metric.Int64Observer) error {
				ob.Observe(int64(runtime.NumGoroutine()))
				return nil
			}),
		))
		stats.processes = lo.Must[metric.Int64ObservableUpDownCounter](meter.Int64ObservableUpDownCounter(
			"app.core.processes",
			metric.WithDescription(`The application GOMAXPROCS.`),
			metric.WithInt64Callback(func(ctx context.Context, ob metric.Int64Observer) error {
				ob.Observe(int64(runtime.GOMAXPROCS(0)))
				return nil
			}),
		))
		stats.rss = lo.Must[metric.Int64ObservableGauge](meter.Int64ObservableGauge(
			"app.core.rss",
			metric.WithDescription(`The application resident set size.`),
			metric.WithUnit("By"),
			metric.WithInt64Callback(stats.observeRSS),
		))
		_ = otelruntime.Start()
		stats.waitForShutdown()
	})
}
