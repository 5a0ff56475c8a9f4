package list

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	XConcListStatsName = "xmap/xlist"
	XEpochSklStatsName = "xmap/xskl"
)

type xListStats struct {
	opCount       metric.Int64Counter
	helpedCount   metric.Int64Counter
	raceCount     metric.Int64Counter
	liveCount     metric.Int64ObservableGauge
	tombstones    metric.Int64ObservableGauge
	danglingReads metric.Int64ObservableGauge
	outcomeAttrs  [3]metric.AddOption
	removedAttrs  metric.AddOption
	missedAttrs   metric.AddOption
}

func (stats *xListStats) recordInsert(outcome InsertOutcome) {
	if stats == nil {
		return
	}
	stats.opCount.Add(context.Background(), 1, stats.outcomeAttrs[outcome])
}

func (stats *xListStats) recordRemove(removed bool) {
	if stats == nil {
		return
	}
	if removed {
		stats.opCount.Add(context.Background(), 1, stats.removedAttrs)
		return
	}
	stats.opCount.Add(context.Background(), 1, stats.missedAttrs)
}

func (stats *xListStats) increaseHelped() {
	if stats == nil {
		return
	}
	stats.helpedCount.Add(context.Background(), 1)
}

func (stats *xListStats) increaseRaces() {
	if stats == nil {
		return
	}
	stats.raceCount.Add(context.Background(), 1)
}

func opAttrs(op string) metric.AddOption {
	return metric.WithAttributeSet(attribute.NewSet(attribute.String("xmap.op", op)))
}

func newXListStats(meterName, name string, lenFn, tombstonesFn, danglingFn func() int64) *xListStats {
	meter := otel.Meter(fmt.Sprintf("%s/%s", meterName, name))
	stats := &xListStats{
		opCount: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xmap.op.count",
			metric.WithDescription("The number of map operations by outcome."),
		)),
		helpedCount: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xmap.helped.unlink.count",
			metric.WithDescription("The number of tombstoned nodes unlinked by other operations."),
		)),
		raceCount: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xmap.structural.race.count",
			metric.WithDescription("The number of removes whose unlink CAS lost."),
		)),
		liveCount: lo.Must[metric.Int64ObservableGauge](meter.Int64ObservableGauge(
			"xmap.live.count",
			metric.WithDescription("The number of live entries."),
			metric.WithInt64Callback(func(ctx context.Context, ob metric.Int64Observer) error {
				ob.Observe(lenFn())
				return nil
			}),
		)),
		tombstones: lo.Must[metric.Int64ObservableGauge](meter.Int64ObservableGauge(
			"xmap.tombstone.count",
			metric.WithDescription("The number of logically deleted nodes still linked."),
			metric.WithInt64Callback(func(ctx context.Context, ob metric.Int64Observer) error {
				ob.Observe(tombstonesFn())
				return nil
			}),
		)),
		danglingReads: lo.Must[metric.Int64ObservableGauge](meter.Int64ObservableGauge(
			"xmap.dangling.read.count",
			metric.WithDescription("The number of reads observing a reclaimed node."),
			metric.WithInt64Callback(func(ctx context.Context, ob metric.Int64Observer) error {
				ob.Observe(danglingFn())
				return nil
			}),
		)),
		removedAttrs: opAttrs("removed"),
		missedAttrs:  opAttrs("remove.missed"),
	}
	for _, o := range []InsertOutcome{Inserted, Updated, Conflict} {
		stats.outcomeAttrs[o] = opAttrs(o.String())
	}
	return stats
}
