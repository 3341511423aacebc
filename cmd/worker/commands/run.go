package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/outreach-scheduler/internal/app"
	"github.com/unclebandit/outreach-scheduler/internal/bounce"
	"github.com/unclebandit/outreach-scheduler/internal/queue"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Tick until interrupted",
	Long: `Run ticks the dispatcher every TICK_INTERVAL until SIGINT or SIGTERM.
When AMQP_URL is set it also consumes bounce events from BOUNCE_QUEUE.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	a, err := app.New(e.cfg, e.log, e.db, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	if e.cfg.AMQPURL != "" {
		q, err := queue.DialAMQP(e.cfg.AMQPURL, e.log.Named("amqp"))
		if err != nil {
			return err
		}
		defer q.Close()
		if err := consumeBounces(ctx, q, e.cfg.BounceQueue, a.Bounces); err != nil {
			return err
		}
		e.log.Info("consuming bounce events", zap.String("queue", e.cfg.BounceQueue))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.log.Info("dispatcher started", zap.Duration("interval", e.cfg.TickInterval))
		return a.Dispatcher.Run(gctx, e.cfg.TickInterval)
	})
	err = g.Wait()
	e.log.Info("worker stopped")
	return err
}

// consumeBounces subscribes the bounce consumer to topic on q.
func consumeBounces(ctx context.Context, q queue.Queue, topic string, c *bounce.Consumer) error {
	return q.Subscribe(ctx, topic, c.Handle)
}
