package reconcile

import (
	"context"
	"time"

	"starhub-payments/pkg/task"
	"starhub-payments/pkg/taskname"
	"starhub-payments/services/deposit"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("reconcile.worker",
	fx.Provide(NewWorker),
	fx.Invoke(registerHandlers, runSweepScheduler),
)

func registerHandlers(mux *asynq.ServeMux, w *Worker) {
	mux.HandleFunc(taskname.WebhookEvent, w.HandleWebhookEvent)
	mux.HandleFunc(taskname.DepositSubmitted, w.HandleDepositSubmitted)
	mux.HandleFunc(taskname.DepositStaleCheck, w.HandleStaleCheck)
	mux.HandleFunc(taskname.DepositStaleSweep, w.HandleStaleSweep)
}

type schedulerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Enqueuer  task.Enqueuer
	Cache     *deposit.ConfigCache
}

// runSweepScheduler enqueues the stale sweep on the configured interval. The
// interval is re-read each tick so an admin config change takes effect
// without a restart.
func runSweepScheduler(p schedulerParams) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				for {
					interval := 60 * time.Second
					if snap, err := p.Cache.Get(ctx); err == nil && snap.ReconcileEveryMs > 0 {
						interval = time.Duration(snap.ReconcileEveryMs) * time.Millisecond
					}

					select {
					case <-ctx.Done():
						return
					case <-time.After(interval):
					}

					if _, err := p.Enqueuer.Enqueue(
						asynq.NewTask(taskname.DepositStaleSweep, nil),
						asynq.Queue("low"),
					); err != nil {
						zap.L().Error("failed to enqueue stale sweep", zap.Error(err))
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}
