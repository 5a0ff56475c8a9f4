package stress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/fx/fxtest"

	"github.com/benz9527/xmap/xlog"
)

func TestModule_Lifecycle(t *testing.T) {
	results := make(chan Result, 1)
	logger := newTestLogger()
	app := fxtest.New(t,
		fx.WithLogger(func() fxevent.Logger {
			return xlog.NewFxXLogger(logger)
		}),
		fx.Supply(newTestConfig(MapSkl)),
		fx.Provide(
			func() xlog.XLogger { return logger },
			func() chan<- Result { return results },
		),
		Module,
	)
	app.RequireStart()

	select {
	case res := <-results:
		require.NoError(t, res.Err)
		require.NotNil(t, res.Report)
		require.Positive(t, res.Report.Ops)
		require.Zero(t, res.Report.DanglingReads)
	case <-time.After(30 * time.Second):
		t.Fatal("stress run did not finish")
	}
	app.RequireStop()
}
