package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/sheikh-saqib/offline-payments-auth/internal/app"
	"github.com/sheikh-saqib/offline-payments-auth/internal/auth"
	"github.com/sheikh-saqib/offline-payments-auth/internal/config"
	"github.com/sheikh-saqib/offline-payments-auth/internal/connectivity"
	"github.com/sheikh-saqib/offline-payments-auth/internal/errs"
	"github.com/sheikh-saqib/offline-payments-auth/internal/logging"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// openApp loads configuration and opens the application. Logs go to stderr so
// stdout carries only command output.
func openApp(cmd *cobra.Command) (*app.App, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, errs.Wrap(errs.ErrValidation, err, "invalid configuration")
	}
	logger := logging.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
	return app.Open(cfg, logger)
}

func payCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pay",
		Short: "Authorize a payment with the PIN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			amountFlag, _ := cmd.Flags().GetString("amount")
			pin, _ := cmd.Flags().GetString("pin")

			amount, err := decimal.NewFromString(amountFlag)
			if err != nil {
				return errs.Wrap(errs.ErrValidation, err, "invalid amount %q", amountFlag)
			}
			if err := auth.ValidatePin(pin); err != nil {
				return err
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			a.Refresh(ctx)

			if _, err := a.StartPayment(amount, nil); err != nil {
				return err
			}
			snap, err := a.SubmitPin(ctx, pin)
			if err != nil {
				return err
			}
			if snap.Step == auth.StepSecondaryFactor {
				if snap, err = a.CaptureSecondaryFactor(ctx); err != nil {
					return err
				}
			}
			if snap.Transaction == nil {
				return errs.New(errs.ErrInvalidState, "%s", snap.Message)
			}
			return printTransactions(cmd, []models.Transaction{*snap.Transaction})
		},
	}

	cmd.Flags().String("amount", "", "Payment amount")
	cmd.Flags().String("pin", "", "Six digit PIN")
	return cmd
}

func transactionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List transactions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status models.Status
			if v, _ := cmd.Flags().GetString("status"); v != "" {
				parsed, err := models.ParseStatus(v)
				if err != nil {
					return errs.Wrap(errs.ErrValidation, err, "status must be pending, synced or completed")
				}
				status = parsed
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			txs, err := a.ListTransactions(cmd.Context(), status)
			if err != nil {
				return err
			}
			return printTransactions(cmd, txs)
		},
	}

	cmd.Flags().StringP("status", "s", "", "Filter by status (pending, completed)")
	return cmd
}

func pinCmd() *cobra.Command {
	pin := &cobra.Command{
		Use:   "pin",
		Short: "Manage the PIN",
	}

	change := &cobra.Command{
		Use:   "change",
		Short: "Replace the PIN after checking the current one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			current, _ := cmd.Flags().GetString("current")
			newPin, _ := cmd.Flags().GetString("new")
			confirm, _ := cmd.Flags().GetString("confirm")

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.ChangePin(cmd.Context(), current, newPin, confirm); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PIN changed")
			return nil
		},
	}
	change.Flags().String("current", "", "Current PIN")
	change.Flags().String("new", "", "New PIN")
	change.Flags().String("confirm", "", "New PIN again")

	pin.AddCommand(change)
	return pin
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Complete pending transactions with the remote ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if state := a.Refresh(ctx); state != connectivity.Online {
				return errs.New(errs.ErrNetworkUnavailable, "cannot sync while %s", state)
			}
			res, err := a.SyncPending(ctx)
			if err != nil {
				return err
			}

			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d of %d pending\n", res.Completed, res.Pending)
			return nil
		},
	}
}

func connectivityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connectivity",
		Short: "Probe the network and print online, degraded or offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			state := a.Refresh(cmd.Context())
			if asJSON(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]connectivity.State{"state": state})
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

func asJSON(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTransactions(cmd *cobra.Command, txs []models.Transaction) error {
	if asJSON(cmd) {
		if txs == nil {
			txs = []models.Transaction{}
		}
		return writeJSON(cmd.OutOrStdout(), txs)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAMOUNT\tSTATUS\tCREATED")
	for _, tx := range txs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", tx.ID, tx.Amount.StringFixed(2), tx.Status, tx.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}
