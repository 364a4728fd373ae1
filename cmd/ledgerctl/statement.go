package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ledger-service/internal/services"
)

func statementCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "statement",
		Short: "Statement file utilities",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "to-xlsx [statement.csv] [statement.xlsx]",
		Short: "Convert a CSV statement to the XLSX import layout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			lines, err := services.ParseStatement(services.StatementCSV, in)
			if err != nil {
				return err
			}

			out, err := os.Create(args[1])
			if err != nil {
				return err
			}
			if err := services.WriteStatementXLSX(lines, out); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
			fmt.Printf("Wrote %d lines to %s\n", len(lines), args[1])
			return nil
		},
	})

	return cmd
}
