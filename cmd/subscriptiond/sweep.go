package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/sdavidov17/holiday-program-aggregator-sub001/pkg/config"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Send due renewal reminders and expire lapsed subscriptions once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		sweeper, err := a.sweeper()
		if err != nil {
			return err
		}
		summary, runErr := sweeper.Run(cmd.Context())
		if summary != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return err
			}
		}
		return runErr
	},
}
