package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-service/internal/jobs"
)

func repairCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Recompute every quote's payment status from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			job := jobs.NewProjectionRepairJob(a.repo, a.ledger, a.cfg.ProjectionRepairInterval, a.logger)
			repaired := job.RunOnce(cmd.Context())
			fmt.Printf("Repaired %d payment projections\n", repaired)
			return nil
		},
	}
}
