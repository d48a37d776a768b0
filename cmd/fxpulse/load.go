package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/leekchan/accounting"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/vadiminshakov/fxpulse/internal/domain"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Run one load cycle and print the snapshot",
	RunE:  runLoad,
}

func init() {
	loadCmd.Flags().String("format", "table", "output format (table, json)")
}

func runLoad(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")

	svc, logger, err := bootstrap()
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer svc.Close()

	svc.Cleanup()

	snapshot, err := svc.Loader.LoadAll(cmd.Context())
	if err != nil {
		return err
	}
	if snapshot == nil {
		return fmt.Errorf("another load is in progress")
	}

	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	}

	return printSnapshot(os.Stdout, *snapshot)
}

func formatNgn(v decimal.Decimal) string {
	if v.IsZero() {
		return "-"
	}
	ac := accounting.Accounting{Symbol: "₦", Precision: 2, Thousand: ",", Decimal: "."}
	return ac.FormatMoneyFloat64(v.InexactFloat64())
}

func formatRate(v decimal.Decimal) string {
	if v.IsZero() {
		return "-"
	}
	ac := accounting.Accounting{Precision: 4, Thousand: ",", Decimal: "."}
	return ac.FormatMoneyFloat64(v.InexactFloat64())
}

func printSnapshot(w io.Writer, s domain.RateSnapshot) error {
	fmt.Fprintf(w, "snapshot %s (%s)\n", s.ID, humanize.Time(s.Timestamp))
	fmt.Fprintf(w, "USDT/NGN  %s  [%s]\n", formatNgn(s.UsdtNgnRate), s.UsdtNgnSource)
	fmt.Fprintf(w, "margins   USD %s%%  other %s%%\n\n", s.Margins.USDMarginPct, s.Margins.OtherMarginPct)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "CCY\tFX [%s]\tBUY [%s]\tSELL [%s]\tCOST PRICE\t\n", s.FxSource, s.VertoFxSource, s.VertoFxSource)
	for _, c := range domain.TrackedCurrencies {
		q := s.VertoFxRates[c]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", c, formatRate(s.FxRates[c]), formatNgn(q.Buy), formatNgn(q.Sell), formatNgn(s.CostPrices[c]))
	}

	return tw.Flush()
}
