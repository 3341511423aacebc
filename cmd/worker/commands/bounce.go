package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unclebandit/outreach-scheduler/internal/bounce"
	"github.com/unclebandit/outreach-scheduler/internal/config"
	"github.com/unclebandit/outreach-scheduler/internal/queue"
)

var (
	bounceMessageID   int64
	bounceThreadingID string
	bounceType        string
)

var bounceCmd = &cobra.Command{
	Use:   "bounce",
	Short: "Publish a bounce event to BOUNCE_QUEUE",
	Long: `Bounce publishes one bounce event for a scheduled message, identified by
--message-id or --threading-id, to the AMQP bounce queue.`,
	RunE: runBounce,
}

func init() {
	bounceCmd.Flags().Int64Var(&bounceMessageID, "message-id", 0, "Scheduled message ID")
	bounceCmd.Flags().StringVar(&bounceThreadingID, "threading-id", "", "Message-ID the row was sent with")
	bounceCmd.Flags().StringVar(&bounceType, "type", "hard", "Bounce type: hard or soft")
	rootCmd.AddCommand(bounceCmd)
}

func runBounce(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if cfg.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL is not set")
	}
	q, err := queue.DialAMQP(cfg.AMQPURL, nil)
	if err != nil {
		return err
	}
	defer q.Close()

	e := bounce.Event{
		ScheduledMessageID: bounceMessageID,
		ThreadingID:        bounceThreadingID,
		BounceType:         bounceType,
	}
	if err := publishBounce(cmd.Context(), q, cfg.BounceQueue, e); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published bounce to %s\n", cfg.BounceQueue)
	return nil
}

func publishBounce(ctx context.Context, q queue.Queue, topic string, e bounce.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return q.Publish(ctx, topic, payload)
}
