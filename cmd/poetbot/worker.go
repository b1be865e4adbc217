package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"poetbot/internal/dedup"
	"poetbot/internal/queue"
	"poetbot/internal/scheduler"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume jobs from RabbitMQ and deliver poems",
		Long:  "Runs the second phase for queue.driver=rabbitmq. Failed jobs are retried through the retry queue and parked after queue.rabbitmq.maxAttempts.",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Queue.Driver != "rabbitmq" {
		return fmt.Errorf("worker requires queue.driver=rabbitmq (got %q)", cfg.Queue.Driver)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	w := queue.NewRabbitWorker(queue.RabbitConfigFrom(cfg.Queue.RabbitMQ, logger), a.responder, a.jobTimeout())
	return w.Run(ctx)
}

func pruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete processed-event records past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := dedup.Open(ctx, cfg.Dedup, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if olderThan <= 0 {
				olderThan = time.Duration(cfg.Dedup.RetentionHours) * time.Hour
			}
			removed, err := scheduler.Prune(ctx, store, olderThan, time.Now())
			if err != nil {
				return err
			}
			logger.Info("pruned processed events", "removed", removed, "older_than", olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention to apply (default: dedup.retentionHours)")
	return cmd
}
