package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/usdt-escrow/backend/internal/models"
)

var disputeCancelHours int

var disputeCmd = &cobra.Command{
	Use:   "dispute",
	Short: "Settle disputes as an arbiter",
}

var disputeResolveCmd = &cobra.Command{
	Use:   "resolve <deal-id> <release_seller|refund_buyer>",
	Short: "Decide a dispute and queue the payout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		decision := models.Decision(args[1])
		if !decision.Valid() {
			return fmt.Errorf("decision must be %s or %s", models.DecisionReleaseSeller, models.DecisionRefundBuyer)
		}

		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		actor, err := e.actor()
		if err != nil {
			return err
		}
		d, err := e.svc.ResolveDispute(cmd.Context(), args[0], actor, decision)
		if err != nil {
			return err
		}
		fmt.Printf("%s resolved (%s), payout queued\n", d.DealID, decision)
		return nil
	},
}

var disputeCancelCmd = &cobra.Command{
	Use:   "cancel <deal-id>",
	Short: "Withdraw a dispute and give the seller more time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		actor, err := e.actor()
		if err != nil {
			return err
		}
		d, err := e.svc.CancelDispute(cmd.Context(), args[0], actor, disputeCancelHours)
		if err != nil {
			return err
		}
		fmt.Printf("%s back to %s, deadline %s\n", d.DealID, d.Status, d.Deadline.Format("2006-01-02 15:04 MST"))
		return nil
	},
}

func init() {
	disputeCancelCmd.Flags().IntVar(&disputeCancelHours, "hours", 0, "hours added to the deadline (0 uses DEFAULT_EXTENSION_HOURS)")

	disputeCmd.AddCommand(disputeResolveCmd, disputeCancelCmd)
	rootCmd.AddCommand(disputeCmd)
}
