package cmd

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/tatkal-scheduler/internal/auth"
	"github.com/example/tatkal-scheduler/internal/booking"
	"github.com/example/tatkal-scheduler/internal/clock"
	"github.com/example/tatkal-scheduler/internal/executor"
	"github.com/example/tatkal-scheduler/internal/scheduler"
	"github.com/example/tatkal-scheduler/internal/service"
	"github.com/example/tatkal-scheduler/internal/web"
)

func newServerCmd() *cobra.Command {
	var (
		migrateUp  bool
		noSchedule bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP API and a scheduler replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			hashKey, blockKey, err := cfg.CookieKeys()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			c := clock.Real{}
			b, err := openBackend(ctx, cfg, c, migrateUp)
			if err != nil {
				return err
			}
			defer b.Close()

			notifier, outcomesHealth, closeNotify := outcomes(cfg)
			defer closeNotify()

			authStore := auth.NewStore(b, hashKey, blockKey, cfg.JWTTTL)
			intents := service.NewIntents(b, notifier, c, cfg.Scheduler.ExpiryGrace)

			g, ctx := errgroup.WithContext(ctx)

			if !noSchedule {
				bookingClient := booking.New(cfg.Booking.BaseURL, booking.WithAPIKey(cfg.Booking.APIKey))
				exec := executor.New(b, bookingClient, notifier, c, executor.Config{
					MaxAttempts:    cfg.Executor.MaxAttempts,
					RetryBackoff:   cfg.Executor.RetryBackoff,
					RequestTimeout: cfg.Executor.RequestTimeout,
					AttemptWindow:  cfg.Executor.AttemptWindow,
					MaxConcurrent:  cfg.Executor.MaxConcurrent,
				})
				sched := scheduler.New(b, exec, notifier, c, scheduler.Config{
					ReplicaID:     cfg.Scheduler.ReplicaID,
					SweepInterval: cfg.Scheduler.SweepInterval,
					ArmingWindow:  cfg.Scheduler.ArmingWindow,
					ExpiryGrace:   cfg.Scheduler.ExpiryGrace,
					StaleAttempt:  cfg.Scheduler.StaleAttempt,
				})
				g.Go(func() error { return sched.Run(ctx) })
			}

			ws := &web.Server{Auth: authStore, Intents: intents, Health: allHealthy(b.health, outcomesHealth)}
			g.Go(func() error { return web.Start(ctx, cfg.ListenAddr, ws.Routes()) })

			// Run returns only after in-flight attempts finish, so the store
			// stays open for their terminal writes.
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Printf("server: stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup (postgres)")
	cmd.Flags().BoolVar(&noSchedule, "api-only", false, "serve the API without running a scheduler replica")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
