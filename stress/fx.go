package stress

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/benz9527/xmap/lib/infra"
	"github.com/benz9527/xmap/xlog"
)

// Module provides the runner and binds a run to the app lifecycle. The
// app shuts itself down when the run is verified, exit code 1 on failure.
var Module = fx.Module("stress",
	fx.Provide(NewRunner),
	fx.Invoke(RegisterLifecycle),
)

// Result is filled before the shutdown is requested.
type Result struct {
	Report *Report
	Err    error
}

type LifecycleParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Runner     *Runner
	Logger     xlog.XLogger
	Results    chan<- Result `optional:"true"`
}

func RegisterLifecycle(p LifecycleParams) {
	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
	)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// The start ctx expires with the start timeout.
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				res := run(ctx, p.Runner)
				if p.Results != nil {
					p.Results <- res
				}
				code := 0
				if res.Err != nil {
					code = 1
					p.Logger.ErrorStack(infra.WrapErrorStack(res.Err), "stress run failed")
				}
				if err := p.Shutdowner.Shutdown(fx.ExitCode(code)); err != nil {
					p.Logger.Error(err, "stress shutdown request failed")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			var err error
			select {
			case <-done:
			case <-ctx.Done():
				err = infra.WrapErrorStackWithMessage(ctx.Err(), "stress run did not stop")
			}
			return multierr.Append(err, p.Runner.Close())
		},
	})
}

func run(ctx context.Context, r *Runner) Result {
	report, err := r.Run(ctx)
	verified, verifyErr := r.Verify(ctx)
	if verified != nil {
		verified.Elapsed = report.Elapsed
		report = verified
	}
	return Result{Report: report, Err: multierr.Append(err, verifyErr)}
}
