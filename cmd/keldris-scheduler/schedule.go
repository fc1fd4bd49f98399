package main

import (
	"fmt"
	"time"

	"github.com/MacJediWizard/keldris-scheduler/internal/schedule"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Work with schedule expressions",
	}
	cmd.AddCommand(newScheduleCheckCmd())
	return cmd
}

func newScheduleCheckCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "check <schedule>",
		Short: "Validate a schedule and print its next fire times",
		Example: `  keldris-scheduler schedule check "0 2 * * 1-5"
  keldris-scheduler schedule check interval:6h --count 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rule, err := schedule.Parse(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("%s: %s\n", rule.Kind, rule.Describe())
			next := time.Now()
			for i := 0; i < count; i++ {
				next = rule.Next(next)
				if next.IsZero() {
					break
				}
				fmt.Printf("  %s (%s)\n", next.Format(time.DateTime), humanize.Time(next))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 5, "number of fire times to print")
	return cmd
}
