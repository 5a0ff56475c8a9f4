package stress

import (
	"context"
	"fmt"
	"math"
	randv2 "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/benz9527/xmap/lib/epoch"
	"github.com/benz9527/xmap/lib/infra"
	"github.com/benz9527/xmap/lib/kv"
	"github.com/benz9527/xmap/lib/list"
	"github.com/benz9527/xmap/xlog"
)

const (
	// ContextKeyWorker carries the worker id into the context logs.
	ContextKeyWorker = "worker"
	statsName        = "stress"
	roundTripEvery   = 64
	// sweepKey is never inserted. Removing it walks every level to the
	// end, and the walk unlinks the tombstones it passes. The flat list
	// with unlink helping disabled keeps its tombstones, they stay in
	// Report.Tombstones.
	sweepKey = int64(math.MaxInt64)
)

// Report sums up a run. The structure figures are taken after Verify.
type Report struct {
	Ops               int64
	Inserted          int64
	Updated           int64
	Conflicts         int64
	Hits              int64
	Misses            int64
	Removed           int64
	RemoveMisses      int64
	RoundTrips        int64
	RoundTripFailures int64
	Len               int64
	Tombstones        int64
	DanglingReads     int64
	Pending           int64
	Levels            int32
	Elapsed           time.Duration
}

func (r *Report) fields() []zap.Field {
	return []zap.Field{
		zap.Int64("ops", r.Ops),
		zap.Int64("inserted", r.Inserted),
		zap.Int64("updated", r.Updated),
		zap.Int64("conflicts", r.Conflicts),
		zap.Int64("hits", r.Hits),
		zap.Int64("misses", r.Misses),
		zap.Int64("removed", r.Removed),
		zap.Int64("removeMisses", r.RemoveMisses),
		zap.Int64("roundTrips", r.RoundTrips),
		zap.Int64("roundTripFailures", r.RoundTripFailures),
		zap.Int64("len", r.Len),
		zap.Int64("tombstones", r.Tombstones),
		zap.Int64("danglingReads", r.DanglingReads),
		zap.Int64("pending", r.Pending),
		zap.Int32("levels", r.Levels),
		zap.Duration("elapsed", r.Elapsed),
	}
}

type runnerCounters struct {
	ops               atomic.Int64
	inserted          atomic.Int64
	updated           atomic.Int64
	conflicts         atomic.Int64
	hits              atomic.Int64
	misses            atomic.Int64
	removed           atomic.Int64
	removeMisses      atomic.Int64
	roundTrips        atomic.Int64
	roundTripFailures atomic.Int64
}

// Runner drives a workload over one map from an ants pool of workers.
type Runner struct {
	cfg         *Config
	logger      xlog.XLogger
	collector   *epoch.Collector
	workerPool  *ants.Pool
	reclaimPool *ants.Pool
	m           list.EpochMap[int64, int64]
	store       kv.ThreadSafeStorer[int64, int64] // m behind the retry policy
	skl         list.SkipListMap[int64, int64] // nil for the flat list
	counters    runnerCounters
	stats       *runnerStats
	seed        uint64
}

func NewRunner(cfg *Config, logger xlog.XLogger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, infra.WrapErrorStack(err)
	}
	if logger == nil {
		return nil, infra.WrapErrorStackWithMessage(ErrStressInvalidConfig, "nil logger")
	}
	r := &Runner{
		cfg:    cfg,
		logger: logger,
		stats:  newRunnerStats(cfg.Map),
		seed:   cfg.Seed,
	}
	if r.seed == 0 {
		r.seed = randv2.Uint64()
	}

	antsLogger := xlog.NewAntsXLogger(logger)
	collectorOpts := []epoch.CollectorOption{
		epoch.WithCollectorLogger(logger),
		epoch.WithCollectorStats(statsName),
	}
	if cfg.Epoch.ReclaimPoolSize > 0 {
		pool, err := ants.NewPool(cfg.Epoch.ReclaimPoolSize,
			ants.WithLogger(antsLogger),
			ants.WithNonblocking(true),
		)
		if err != nil {
			return nil, infra.WrapErrorStackWithMessage(err, "reclaim pool")
		}
		r.reclaimPool = pool
		collectorOpts = append(collectorOpts, epoch.WithCollectorReclaimPool(pool))
	}
	r.collector = epoch.NewCollector(collectorOpts...)

	switch cfg.Map {
	case MapList:
		r.m = list.NewXConcList[int64, int64](
			list.WithXConcListCollector(r.collector),
			list.WithXConcListStats(statsName),
			list.WithXConcListUnlinkHelping(cfg.List.UnlinkHelping),
		)
	case MapSkl:
		gen, _ := list.SklRandByName(cfg.Skl.RandLevel)
		skl, err := list.NewXEpochSkl[int64, int64](
			infra.AscOrderedKeyComparator[int64](),
			list.WithXEpochSklCollector(r.collector),
			list.WithXEpochSklStats(statsName),
			list.WithXEpochSklMaxLevel(cfg.Skl.MaxLevel),
			list.WithXEpochSklRatio(cfg.Skl.Ratio),
			list.WithXEpochSklRandLevelGen(gen),
		)
		if err != nil {
			return nil, multierr.Append(err, r.Close())
		}
		r.m, r.skl = skl, skl
	}

	retry, err := kv.NewRetryFactory(cfg.Retry.policy())
	if err != nil {
		return nil, multierr.Append(infra.WrapErrorStack(err), r.Close())
	}
	r.store = kv.NewThreadSafeMap[int64, int64](
		kv.WithThreadSafeMapStore[int64, int64](r.m),
		kv.WithThreadSafeMapRetry[int64, int64](retry),
	)

	pool, err := ants.NewPool(cfg.Workers, ants.WithLogger(antsLogger))
	if err != nil {
		return nil, multierr.Append(infra.WrapErrorStackWithMessage(err, "worker pool"), r.Close())
	}
	r.workerPool = pool
	return r, nil
}

func (r *Runner) Map() list.EpochMap[int64, int64] {
	return r.m
}

func (r *Runner) Collector() *epoch.Collector {
	return r.collector
}

// Run blocks until every worker has done its ops or the duration (or
// ctx) has expired. It does not verify.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if r.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
		defer cancel()
	}
	start := time.Now()
	r.logger.Info("stress run started",
		zap.String("map", r.cfg.Map),
		zap.Int("workers", r.cfg.Workers),
		zap.Int("keys", r.cfg.Keys),
		zap.Int("ops", r.cfg.Ops),
		zap.Duration("duration", r.cfg.Duration),
		zap.Uint64("seed", r.seed),
	)

	readerCtx, stopReader := context.WithCancel(ctx)
	readerDone := make(chan struct{})
	if r.cfg.Epoch.SlowReaderHold > 0 {
		go r.slowReader(readerCtx, readerDone)
	} else {
		close(readerDone)
	}

	var (
		wg  sync.WaitGroup
		err error
	)
	for id := 0; id < r.cfg.Workers; id++ {
		wg.Add(1)
		workerID := id
		if submitErr := r.workerPool.Submit(func() {
			defer wg.Done()
			r.work(context.WithValue(ctx, ContextKeyWorker, workerID), workerID)
		}); submitErr != nil {
			wg.Done()
			err = multierr.Append(err, infra.WrapErrorStackWithMessage(submitErr, "submit worker"))
		}
	}
	wg.Wait()
	stopReader()
	<-readerDone

	elapsed := time.Since(start)
	r.stats.recordRun(elapsed)
	report := r.report(elapsed)
	r.logger.Info("stress run finished", report.fields()...)
	return report, err
}

func (r *Runner) work(ctx context.Context, id int) {
	rng := randv2.New(randv2.NewPCG(r.seed, uint64(id)))
	owned := -int64(id) - 1
	total := r.cfg.Mix.total()
	for i := 0; r.cfg.Ops <= 0 || i < r.cfg.Ops; i++ {
		if ctx.Err() != nil {
			return
		}
		key := rng.Int64N(int64(r.cfg.Keys))
		val := int64(id)<<32 | int64(uint32(i))
		switch n := rng.IntN(total); {
		case n < r.cfg.Mix.Insert:
			r.insert(key, val)
		case n < r.cfg.Mix.Insert+r.cfg.Mix.Get:
			r.get(key)
		default:
			r.remove(key)
		}
		r.counters.ops.Add(1)
		if i%roundTripEvery == 0 {
			r.roundTrip(ctx, owned, val)
		}
	}
}

func (r *Runner) insert(key, val int64) {
	outcome, _ := r.m.Insert(key, val)
	switch outcome {
	case list.Inserted:
		r.counters.inserted.Add(1)
	case list.Updated:
		r.counters.updated.Add(1)
	case list.Conflict:
		r.counters.conflicts.Add(1)
	}
}

func (r *Runner) get(key int64) {
	if _, ok := r.m.Get(key); ok {
		r.counters.hits.Add(1)
		return
	}
	r.counters.misses.Add(1)
}

func (r *Runner) remove(key int64) {
	if r.m.Remove(key) {
		r.counters.removed.Add(1)
		return
	}
	r.counters.removeMisses.Add(1)
}

// roundTrip works on a key only this worker writes, so every step has
// an exact expectation. It goes through the kv facade and its retries.
func (r *Runner) roundTrip(ctx context.Context, owned, val int64) {
	r.counters.roundTrips.Add(1)
	failed := func(step string, fields ...zap.Field) {
		r.counters.roundTripFailures.Add(1)
		r.stats.recordRoundTrip(false)
		r.logger.WarnContext(ctx, "round trip failed",
			append(fields, zap.String("step", step), zap.Int64("key", owned))...)
	}

	if err := r.store.AddOrUpdate(owned, val); err != nil {
		failed("insert", zap.Error(err))
		return
	}
	got, ok := r.store.Get(owned)
	if !ok || got != val {
		failed("get", zap.Bool("found", ok), zap.Int64("got", got), zap.Int64("want", val))
		return
	}
	// Nobody else removes the key, the delete is always ours.
	deleted, err := r.store.Delete(owned)
	if err != nil || deleted != val {
		failed("delete", zap.Error(err), zap.Int64("got", deleted), zap.Int64("want", val))
		return
	}
	if _, ok = r.store.Get(owned); ok {
		failed("remove")
		return
	}
	r.stats.recordRoundTrip(true)
}

// slowReader keeps its own participant pinned while it scans, which
// holds the epoch back for the whole hold.
func (r *Runner) slowReader(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	h := r.collector.Register()
	defer h.Release()
	timer := time.NewTimer(r.cfg.Epoch.SlowReaderHold)
	defer timer.Stop()
	for ctx.Err() == nil {
		g := h.Pin()
		r.m.Foreach(func(idx int64, key, val int64) bool {
			return ctx.Err() == nil
		})
		timer.Reset(r.cfg.Epoch.SlowReaderHold)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		g.Unpin()
	}
}

func (r *Runner) report(elapsed time.Duration) *Report {
	report := &Report{
		Ops:               r.counters.ops.Load(),
		Inserted:          r.counters.inserted.Load(),
		Updated:           r.counters.updated.Load(),
		Conflicts:         r.counters.conflicts.Load(),
		Hits:              r.counters.hits.Load(),
		Misses:            r.counters.misses.Load(),
		Removed:           r.counters.removed.Load(),
		RemoveMisses:      r.counters.removeMisses.Load(),
		RoundTrips:        r.counters.roundTrips.Load(),
		RoundTripFailures: r.counters.roundTripFailures.Load(),
		Len:               r.m.Len(),
		Tombstones:        r.m.Tombstones(),
		DanglingReads:     r.m.DanglingReads(),
		Pending:           r.collector.Pending(),
		Levels:            1,
		Elapsed:           elapsed,
	}
	if r.skl != nil {
		report.Levels = r.skl.Levels()
	}
	return report
}

func verifyFailed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStressVerifyFailed, fmt.Sprintf(format, args...))
}

// Verify must run after Run returned. It sweeps the leftover tombstones,
// drains the collector and checks the structure.
func (r *Runner) Verify(ctx context.Context) (*Report, error) {
	var err error
	_ = r.m.Remove(sweepKey)

	drainCtx, cancel := context.WithTimeout(ctx, r.cfg.Epoch.DrainTimeout)
	defer cancel()
	if pending, drainErr := r.collector.Drain(drainCtx); drainErr != nil {
		err = multierr.Append(err, verifyFailed("%d bags pending after drain: %v", pending, drainErr))
	}

	seen := make(map[int64]struct{}, r.cfg.Keys)
	prev, first := int64(0), true
	r.m.Foreach(func(idx int64, key, val int64) bool {
		if _, ok := seen[key]; ok {
			err = multierr.Append(err, verifyFailed("key %d listed twice", key))
		}
		if r.skl != nil && !first && key <= prev {
			err = multierr.Append(err, verifyFailed("key %d listed after %d", key, prev))
		}
		seen[key] = struct{}{}
		prev, first = key, false
		return true
	})
	if n := r.m.Len(); n != int64(len(seen)) {
		err = multierr.Append(err, verifyFailed("len %d but %d keys listed", n, len(seen)))
	}
	if n := r.m.DanglingReads(); n != 0 {
		err = multierr.Append(err, verifyFailed("%d dangling reads", n))
	}
	if n := r.counters.roundTripFailures.Load(); n != 0 {
		err = multierr.Append(err, verifyFailed("%d round trip failures", n))
	}
	if r.skl != nil {
		err = multierr.Append(err, r.verifyLevels())
	}

	report := r.report(0)
	if err != nil {
		r.logger.ErrorStack(infra.WrapErrorStack(err), "stress verification failed", report.fields()...)
		return report, err
	}
	r.logger.Info("stress verification passed", report.fields()...)
	return report, nil
}

// verifyLevels checks every level holds live keys only, ascending, and
// is a subset of the level below.
func (r *Runner) verifyLevels() error {
	var (
		err   error
		below map[int64]struct{}
	)
	for l := int32(0); l < r.cfg.Skl.MaxLevel; l++ {
		keys := make(map[int64]struct{})
		prev, first := int64(0), true
		r.skl.ForeachLevel(l, func(key int64, removed bool) bool {
			if removed {
				err = multierr.Append(err, verifyFailed("level %d keeps the removed key %d", l, key))
			}
			if !first && key <= prev {
				err = multierr.Append(err, verifyFailed("level %d key %d after %d", l, key, prev))
			}
			if below != nil {
				if _, ok := below[key]; !ok {
					err = multierr.Append(err, verifyFailed("level %d key %d absent below", l, key))
				}
			}
			keys[key] = struct{}{}
			prev, first = key, false
			return true
		})
		below = keys
	}
	return err
}

// Close releases the pools. The collector needs no release.
func (r *Runner) Close() error {
	var err error
	if r.workerPool != nil {
		err = multierr.Append(err, r.workerPool.ReleaseTimeout(r.cfg.Epoch.DrainTimeout))
	}
	if r.reclaimPool != nil {
		err = multierr.Append(err, r.reclaimPool.ReleaseTimeout(r.cfg.Epoch.DrainTimeout))
	}
	return err
}
