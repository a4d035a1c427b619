package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sheikh-saqib/offline-payments-auth/internal/errs"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the exit status for the result code.
func run(args []string, stdout, stderr io.Writer) int {
	root := rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "%s (%s)\n", errs.Message(err), errs.CodeOf(err))
		return errs.CodeOf(err).ExitStatus()
	}
	return 0
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vaultx",
		Short:         "Offline-capable payment authentication",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return errs.Wrap(errs.ErrValidation, err, "invalid flags")
	})
	root.PersistentFlags().Bool("json", false, "Output as JSON")
	root.PersistentFlags().String("env-file", ".env", "Environment file to load if present")

	root.AddCommand(payCmd())
	root.AddCommand(transactionsCmd())
	root.AddCommand(pinCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(connectivityCmd())

	return root
}
