package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledger-service/internal/services"
)

func ratesCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rates",
		Short: "Manage historical exchange rates",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import [rates.csv]",
		Short: "Import rates from a from,to,rate,effective_at CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			rates, err := services.ParseRatesCSV(file)
			if err != nil {
				return err
			}

			a, err := newApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			imported, err := a.rates.ImportRates(cmd.Context(), rates)
			if err != nil {
				return fmt.Errorf("imported %d of %d rates: %w", imported, len(rates), err)
			}
			fmt.Printf("Imported %d rates\n", imported)
			return nil
		},
	})

	return cmd
}
