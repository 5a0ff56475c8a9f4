package epoch

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	CollectorStatsName = "xmap/epoch"
)

type collectorStats struct {
	retiredCount   metric.Int64Counter
	reclaimedCount metric.Int64Counter
	advancedCount  metric.Int64Counter
	globalEpoch    metric.Int64ObservableGauge
	pendingBags    metric.Int64ObservableGauge
	participants   metric.Int64ObservableGauge
}

func (stats *collectorStats) increaseRetired(n int64) {
	if stats == nil {
		return
	}
	stats.retiredCount.Add(context.Background(), n)
}

func (stats *collectorStats) increaseReclaimed(n int64) {
	if stats == nil {
		return
	}
	stats.reclaimedCount.Add(context.Background(), n)
}

func (stats *collectorStats) increaseAdvances() {
	if stats == nil {
		return
	}
	stats.advancedCount.Add(context.Background(), 1)
}

func newCollectorStats(name string, ref *Collector) *collectorStats {
	meterName := fmt.Sprintf("%s/%s", CollectorStatsName, name)
	meter := otel.Meter(meterName)
	return &collectorStats{
		retiredCount: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xmap.epoch.retired.count",
			metric.WithDescription("The number of deferred reclamations."),
		)),
		reclaimedCount: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xmap.epoch.reclaimed.count",
			metric.WithDescription("The number of deferred reclamations executed."),
		)),
		advancedCount: lo.Must[metric.Int64Counter](meter.Int64Counter(
			"xmap.epoch.advanced.count",
			metric.WithDescription("The number of global epoch advances."),
		)),
		globalEpoch: lo.Must[metric.Int64ObservableGauge](meter.Int64ObservableGauge(
			"xmap.epoch.global",
			metric.WithDescription("The global epoch."),
			metric.WithInt64Callback(func(ctx context.Context, ob metric.Int64Observer) error {
				ob.Observe(int64(ref.Epoch()))
				return nil
			}),
		)),
		pendingBags: lo.Must[metric.Int64ObservableGauge](meter.Int64ObservableGauge(
			"xmap.epoch.pending.bags",
			metric.WithDescription("The number of sealed bags waiting for reclamation."),
			metric.WithInt64Callback(func(ctx context.Context, ob metric.Int64Observer) error {
				ob.Observe(ref.Pending())
				return nil
			}),
		)),
		participants: lo.Must[metric.Int64ObservableGauge](meter.Int64ObservableGauge(
			"xmap.epoch.participants",
			metric.WithDescription("The number of registered participants."),
			metric.WithInt64Callback(func(ctx context.Context, ob metric.Int64Observer) error {
				ob.Observe(ref.Participants())
				return nil
			}),
		)),
	}
}
