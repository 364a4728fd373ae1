package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Version = "dev"

func main() {
	v := viper.New()
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:     "ledgerctl",
		Short:   "Operator tooling for the payment ledger",
		Version: Version,
	}
	rootCmd.PersistentFlags().String("database-url", "", "Postgres DSN (defaults to the service configuration)")
	rootCmd.PersistentFlags().String("redis-url", "", "Redis URL for quote locks and the rate cache")
	_ = v.BindPFlag("database-url", rootCmd.PersistentFlags().Lookup("database-url"))
	_ = v.BindPFlag("redis-url", rootCmd.PersistentFlags().Lookup("redis-url"))

	rootCmd.AddCommand(reconcileCmd(v))
	rootCmd.AddCommand(repairCmd(v))
	rootCmd.AddCommand(ratesCmd(v))
	rootCmd.AddCommand(statementCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
