package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"github.com/example/tatkal-scheduler/internal/kafka"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the outcome topic and deliver outcomes to owners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Kafka.Brokers) == 0 {
				return fmt.Errorf("worker needs KAFKA_BROKERS")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.OutcomesTopic)
			defer consumer.Close()

			log.Printf("worker: consuming %s as %s", cfg.Kafka.OutcomesTopic, cfg.Kafka.GroupID)
			err = consumer.Consume(ctx, deliverOutcome)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

// deliverOutcome hands one outcome to the owner-facing delivery channel.
// Undecodable messages are logged and skipped so one bad record cannot
// wedge the partition.
func deliverOutcome(_ context.Context, msg kafkago.Message) error {
	o, err := kafka.DecodeOutcome(msg)
	if err != nil {
		log.Printf("worker: skip: %v", err)
		return nil
	}
	if o.ResultDetails != nil {
		log.Printf("worker: deliver owner=%s intent=%s state=%s pnr=%s", o.OwnerID, o.IntentID, o.State, o.ResultDetails.PNR)
		return nil
	}
	log.Printf("worker: deliver owner=%s intent=%s state=%s error=%q kind=%s", o.OwnerID, o.IntentID, o.State, o.LastError, o.ErrorKind)
	return nil
}
