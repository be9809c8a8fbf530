package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/repositories"
)

var (
	dealListStatus string
	dealListLimit  int
	dealEventLimit int
)

var dealCmd = &cobra.Command{
	Use:   "deal",
	Short: "Inspect deals",
}

var dealShowCmd = &cobra.Command{
	Use:   "show <deal-id>",
	Short: "Print a deal with its breakdown, dispute, wallet and chain legs",
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
		view, err := e.svc.GetDeal(cmd.Context(), args[0], actor)
		if err != nil {
			return err
		}
		return printJSON(view)
	},
}

var dealEventsCmd = &cobra.Command{
	Use:   "events <deal-id>",
	Short: "Print the audit trail of a deal, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		d, err := e.deps.Store.GetDeal(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		entries, err := e.svc.ListDealEvents(cmd.Context(), d, dealEventLimit, 0)
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

var dealListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deals in creation order",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		var f repositories.ListFilter
		if dealListStatus != "" {
			st := models.DealStatus(dealListStatus)
			if !st.Valid() {
				return fmt.Errorf("unknown status %q", dealListStatus)
			}
			f.Statuses = []models.DealStatus{st}
		}
		deals, _, err := e.deps.Store.ListDeals(cmd.Context(), f, repositories.Cursor{}, dealListLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DEAL\tSTATUS\tAMOUNT\tBUYER\tSELLER\tDEADLINE")
		for _, d := range deals {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
				d.DealID, d.Status, d.Amount, d.BuyerID, d.SellerID, d.Deadline.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func init() {
	dealListCmd.Flags().StringVar(&dealListStatus, "status", "", "only deals in this status")
	dealListCmd.Flags().IntVar(&dealListLimit, "limit", 50, "maximum number of deals")
	dealEventsCmd.Flags().IntVar(&dealEventLimit, "limit", 50, "maximum number of entries")

	dealCmd.AddCommand(dealShowCmd, dealEventsCmd, dealListCmd)
	rootCmd.AddCommand(dealCmd)
}
