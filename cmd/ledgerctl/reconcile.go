package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-service/internal/models"
	"ledger-service/internal/services"
)

func reconcileCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Import statements and run reconciliation sessions",
	}
	cmd.AddCommand(reconcileImportCmd(v))
	cmd.AddCommand(reconcileRunCmd(v))
	cmd.AddCommand(reconcileResumeCmd(v))
	return cmd
}

func reconcileImportCmd(v *viper.Viper) *cobra.Command {
	var (
		gatewayCode   string
		paymentMethod string
		from          string
		to            string
		opening       string
		run           bool
	)

	cmd := &cobra.Command{
		Use:   "import [statement.csv|statement.xlsx]",
		Short: "Open a reconciliation session from a statement file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := services.FormatFromFilename(args[0])
			if err != nil {
				return err
			}
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			lines, err := services.ParseStatement(format, file)
			if err != nil {
				return err
			}

			periodStart, err := time.Parse("2006-01-02", from)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			periodEnd, err := time.Parse("2006-01-02", to)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}
			// the end date is inclusive
			periodEnd = periodEnd.Add(24*time.Hour - time.Nanosecond)

			openingBalance := decimal.Zero
			if opening != "" {
				if openingBalance, err = decimal.NewFromString(opening); err != nil {
					return fmt.Errorf("invalid --opening-balance: %w", err)
				}
			}

			a, err := newApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			session, err := a.recon.StartSession(ctx, services.StartSessionInput{
				PaymentMethod:  paymentMethod,
				GatewayCode:    models.GatewayCode(gatewayCode),
				PeriodStart:    periodStart,
				PeriodEnd:      periodEnd,
				OpeningBalance: openingBalance,
				Lines:          lines,
				CreatedBy:      "ledgerctl",
			})
			if err != nil {
				return err
			}
			fmt.Printf("Session %s created with %d lines\n", session.ID, session.TotalLines)

			if !run {
				return nil
			}
			if _, err := a.recon.Run(ctx, session.ID); err != nil {
				return err
			}
			return printSummary(cmd, a, session.ID)
		},
	}

	cmd.Flags().StringVarP(&gatewayCode, "gateway", "g", "", "Gateway code (stripe, razorpay, manual)")
	cmd.Flags().StringVarP(&paymentMethod, "method", "m", "", "Payment method filter")
	cmd.Flags().StringVar(&from, "from", "", "Period start (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "Period end, inclusive (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opening, "opening-balance", "", "Opening balance of the statement")
	cmd.Flags().BoolVar(&run, "run", true, "Run matching after import")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func reconcileRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run [session-id]",
		Short: "Run or resume matching for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid session id: %w", err)
			}

			a, err := newApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.recon.Run(cmd.Context(), id); err != nil {
				return err
			}
			return printSummary(cmd, a, id)
		},
	}
}

func reconcileResumeCmd(v *viper.Viper) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume every session whose matching did not finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			resumed, err := a.recon.ResumeUnfinished(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Printf("Resumed %d sessions\n", resumed)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum sessions to resume")
	return cmd
}

func printSummary(cmd *cobra.Command, a *app, sessionID uuid.UUID) error {
	summary, err := a.recon.Summary(cmd.Context(), sessionID)
	if err != nil {
		return err
	}

	fmt.Printf("Session %s (%s)\n", summary.Session.ID, summary.Session.Status)
	fmt.Printf("  Statement total: %s over %d lines\n", summary.Session.StatementTotal.StringFixed(2), summary.Session.TotalLines)
	fmt.Printf("  System total:    %s over %d entries\n", summary.Session.SystemTotal.StringFixed(2), summary.Session.SystemCount)
	fmt.Printf("  Exact: %d  Fuzzy: %d  Manual: %d  Unmatched: %d\n",
		summary.ExactMatches, summary.FuzzyMatches, summary.ManualMatches, summary.Unmatched)
	fmt.Printf("  Unresolved: %d  Total discrepancy: %s\n", summary.Unresolved, summary.TotalDiscrepancy.StringFixed(2))
	return nil
}
