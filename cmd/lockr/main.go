package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// errReported signals a failure that has already been printed.
var errReported = errors.New("reported")

var rootCmd = &cobra.Command{
	Use:           "lockr",
	Short:         "lockr CLI",
	Long:          "A CLI for the lockr credential vault and host prober.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return fmt.Errorf("loading CLI config: %w", err)
		}
		if !cmd.Flags().Changed("format") && cfg.Format != "" {
			outputFormat = cfg.Format
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errReported) {
			printError(err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with --format=raw)")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(operatorCmd())
	rootCmd.AddCommand(secretCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(checkUserCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(passwdCmd())
}

// fail prints err and returns errReported so main only sets the exit code.
func fail(err error) error {
	printError(err)
	return errReported
}
