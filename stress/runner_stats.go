package stress

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const RunnerStatsName = "xmap/stress"

type runnerStats struct {
	roundTrips  metric.Int64Counter
	runDuration metric.Float64Histogram
	passedAttrs metric.AddOption
	failedAttrs metric.AddOption
}

func (stats *runnerStats) recordRoundTrip(passed bool) {
	if stats == nil {
		return
	}
	if passed {
		stats.roundTrips.Add(context.Background(), 1, stats.passedAttrs)
		return
	}
	stats.roundTrips.Add(context.Background(), 1, stats.failedAttrs)
}

func (stats *runnerStats) recordRun(elapsed time.Duration) {
	if stats == nil {
		return
	}
	stats.runDuration.Record(context.Background(), elapsed.Seconds())
}

func newRunnerStats(mapName string) *runnerStats {
	meter := otel.Meter(RunnerStatsName)
	mapAttr := attribute.String("xmap.map", mapName)
	return &runnerStats{
		roundTrips: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xmap.stress.roundtrip.count",
			metric.WithDescription("The number of owned key insert, get and remove round trips."),
		)),
		runDuration: lo.Must[metric.Float64Histogram](meter.Float64Histogram(
			"xmap.stress.run.duration",
			metric.WithDescription("The wall time of a stress run."),
			metric.WithUnit("s"),
		)),
		passedAttrs: metric.WithAttributeSet(attribute.NewSet(mapAttr, attribute.Bool("xmap.passed", true))),
		failedAttrs: metric.WithAttributeSet(attribute.NewSet(mapAttr, attribute.Bool("xmap.passed", false))),
	}
}
