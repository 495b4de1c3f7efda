package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/tatkal-scheduler/internal/domain"
	"github.com/example/tatkal-scheduler/internal/tatkal"
)

func newResolveCmd() *cobra.Command {
	var class, date string

	c := &cobra.Command{
		Use:   "resolve",
		Short: "Print when the Tatkal window opens for a class and journey date",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !tatkal.Known(class) {
				return domain.NewInvalidClass(class)
			}
			d := tatkal.NextJourneyDate(time.Now())
			if date != "" {
				var err error
				if d, err = time.Parse(domain.DateLayout, date); err != nil {
					return fmt.Errorf("invalid --date (want YYYY-MM-DD)")
				}
			}
			at, err := tatkal.Resolve(d, class)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "opens_at=%s utc=%s ac=%t\n",
				at.Format(time.RFC3339), at.UTC().Format(time.RFC3339), tatkal.IsAC(class))
			return nil
		},
	}

	c.Flags().StringVar(&class, "class", "", "travel class (1A, 2A, 3A, 3E, CC, EC, SL, 2S)")
	c.Flags().StringVar(&date, "date", "", "journey date YYYY-MM-DD (default: the date whose window opens today)")
	_ = c.MarkFlagRequired("class")
	return c
}
