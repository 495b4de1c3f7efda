package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/tatkal-scheduler/internal/clock"
	"github.com/example/tatkal-scheduler/internal/domain"
	"github.com/example/tatkal-scheduler/internal/service"
)

func newIntentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Manage booking intents (non-UI)",
	}
	cmd.PersistentFlags().String("user", "", "owner username")
	_ = cmd.MarkPersistentFlagRequired("user")

	cmd.AddCommand(newIntentSubmitCmd())
	cmd.AddCommand(newIntentGetCmd())
	cmd.AddCommand(newIntentListCmd())
	cmd.AddCommand(newIntentCancelCmd())
	return cmd
}

// withIntents opens the configured store, resolves --user to an owner id and
// runs fn against the intent service.
func withIntents(cmd *cobra.Command, fn func(ctx context.Context, svc *service.Intents, ownerID string) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StoreDriver == "memory" {
		return fmt.Errorf("intent commands need a persistent STORE_DRIVER (postgres or sqlite)")
	}
	username, _ := cmd.Flags().GetString("user")

	ctx := context.Background()
	c := clock.Real{}
	b, err := openBackend(ctx, cfg, c, true)
	if err != nil {
		return err
	}
	defer b.Close()

	u, err := b.GetUserByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("user %q: %w", username, err)
	}

	notifier, _, closeNotify := outcomes(cfg)
	defer closeNotify()

	return fn(ctx, service.NewIntents(b, notifier, c, cfg.Scheduler.ExpiryGrace), u.ID)
}

func newIntentSubmitCmd() *cobra.Command {
	var (
		req        service.SubmitRequest
		passengers []string
	)

	c := &cobra.Command{
		Use:   "submit",
		Short: "Submit a booking intent for the next Tatkal opening",
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := parsePassengers(passengers)
			if err != nil {
				return err
			}
			req.Passengers = ps
			return withIntents(cmd, func(ctx context.Context, svc *service.Intents, ownerID string) error {
				in, err := svc.Submit(ctx, ownerID, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created intent id=%s state=%s fire_at=%s\n",
					in.ID, in.State, in.TargetFireAt.Format(time.RFC3339))
				return nil
			})
		},
	}

	c.Flags().StringVar(&req.Journey.TrainNumber, "train", "", "train number")
	c.Flags().StringVar(&req.Journey.Date, "date", "", "journey date YYYY-MM-DD")
	c.Flags().StringVar(&req.Journey.FromStation, "from", "", "boarding station code")
	c.Flags().StringVar(&req.Journey.ToStation, "to", "", "destination station code")
	c.Flags().StringVar(&req.Journey.TravelClass, "class", "", "travel class")
	c.Flags().StringVar(&req.Journey.BerthPreference, "berth", "", "optional berth preference")
	c.Flags().StringArrayVar(&passengers, "passenger", nil, "passenger as NAME:AGE:GENDER (repeatable)")
	c.Flags().StringVar(&req.PaymentRef, "payment-ref", "", "payment reference")

	for _, f := range []string{"train", "date", "from", "to", "class", "passenger", "payment-ref"} {
		_ = c.MarkFlagRequired(f)
	}
	return c
}

func newIntentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIntents(cmd, func(ctx context.Context, svc *service.Intents, ownerID string) error {
				in, err := svc.Get(ctx, ownerID, args[0])
				if err != nil {
					return err
				}
				printIntent(cmd.OutOrStdout(), in)
				return nil
			})
		},
	}
}

func newIntentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List intents for a user, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIntents(cmd, func(ctx context.Context, svc *service.Intents, ownerID string) error {
				list, err := svc.List(ctx, ownerID)
				if err != nil {
					return err
				}
				for _, in := range list {
					printIntent(cmd.OutOrStdout(), in)
				}
				return nil
			})
		},
	}
}

func newIntentCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel an intent that has not started attempting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withIntents(cmd, func(ctx context.Context, svc *service.Intents, ownerID string) error {
				in, err := svc.Cancel(ctx, ownerID, args[0])
				if err != nil {
					return err
				}
				printIntent(cmd.OutOrStdout(), in)
				return nil
			})
		},
	}
}

func printIntent(w io.Writer, in *domain.Intent) {
	j := in.Journey
	fmt.Fprintf(w, "id=%s state=%s train=%s date=%s %s->%s class=%s fire_at=%s attempts=%d",
		in.ID, in.State, j.TrainNumber, j.Date, j.FromStation, j.ToStation, j.TravelClass,
		in.TargetFireAt.Format(time.RFC3339), in.AttemptCount)
	if in.Result != nil {
		fmt.Fprintf(w, " pnr=%s seats=%s", in.Result.PNR, strings.Join(in.Result.Seats, ","))
	}
	if in.LastError != "" {
		fmt.Fprintf(w, " error=%q", in.LastError)
	}
	fmt.Fprintln(w)
}

func parsePassengers(raw []string) ([]domain.Passenger, error) {
	out := make([]domain.Passenger, 0, len(raw))
	for _, s := range raw {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid --passenger %q (want NAME:AGE:GENDER)", s)
		}
		age, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid --passenger %q: age: %w", s, err)
		}
		out = append(out, domain.Passenger{
			Name:   strings.TrimSpace(parts[0]),
			Age:    age,
			Gender: strings.TrimSpace(parts[2]),
		})
	}
	return out, nil
}
