package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vadiminshakov/fxpulse/internal/domain"
	"github.com/vadiminshakov/fxpulse/internal/services/bybitp2p"
)

var ordersCmd = &cobra.Command{
	Use:   "orders",
	Short: "Fetch recent Bybit P2P orders and summarize them",
	RunE:  runOrders,
}

func init() {
	ordersCmd.Flags().Duration("since", 24*time.Hour, "how far back to fetch")
	ordersCmd.Flags().Bool("list", false, "print every order, not only the summary")
}

func runOrders(cmd *cobra.Command, _ []string) error {
	since, _ := cmd.Flags().GetDuration("since")
	list, _ := cmd.Flags().GetBool("list")

	svc, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer svc.Close()

	if svc.Config.Bybit.APIKey == "" {
		return fmt.Errorf("BYBIT_API_KEY and BYBIT_API_SECRET environment variables must be set")
	}

	orders, err := svc.Bybit.FetchOrders(cmd.Context(), time.Now().Add(-since))
	if err != nil {
		if len(orders) == 0 {
			return err
		}
		logger.Warn("order fetch stopped early, showing partial result", zap.Error(err))
	}

	if list {
		printOrders(os.Stdout, orders)
	}
	printSummary(os.Stdout, bybitp2p.Summarize(orders))

	return nil
}

func printOrders(w io.Writer, orders []domain.Order) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tORDER\tSIDE\tSTATUS\tPRICE\tQTY\tAMOUNT")
	for _, o := range orders {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			o.CreateDate.Format(time.DateTime), o.OrderNumber, o.Side, o.StatusLabel,
			formatNgn(o.Price), o.Quantity, formatNgn(o.Amount))
	}
	tw.Flush()
	fmt.Fprintln(w)
}

func printSummary(w io.Writer, s bybitp2p.Summary) {
	fmt.Fprintf(w, "orders: %d, completed: %d\n", s.Total, s.Completed)
	for _, side := range []struct {
		name string
		sum  bybitp2p.SideSummary
	}{{"buy", s.Buy}, {"sell", s.Sell}} {
		fmt.Fprintf(w, "%-4s  count %d  qty %s USDT  amount %s  vwap %s\n",
			side.name, side.sum.Count, side.sum.Quantity, formatNgn(side.sum.Amount), formatNgn(side.sum.VWAP))
	}
}
