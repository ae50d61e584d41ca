package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"price-radar/internal/storage"
)

// Show prints the current read-side view of the catalog.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := store.ListAPIRecords(ctx, storage.APIFilter{
		OEM:          opts.OEM,
		Model:        opts.Model,
		RetailerName: opts.Retailer,
		HotOnly:      opts.HotOnly,
		OrderByPrice: opts.ByPrice,
		Limit:        opts.Limit,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "no records found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "OEM\tModel\tVariant\tRetailer\tPrice\tHot\tScore\tRun")

	for _, rec := range records {
		hot := ""
		if rec.IsHot {
			hot = "*"
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			rec.OEM,
			rec.Model,
			variantColumn(rec),
			rec.RetailerName,
			formatDecimal(rec.Price, 2),
			hot,
			rec.HotnessScore,
			rec.RunID,
		)
	}

	writer.Flush()
	return nil
}

func variantColumn(rec storage.APIRecord) string {
	out := ""
	for _, p := range []*string{rec.RAMVariant, rec.ROMVariant, rec.ColorVariant} {
		if p == nil || *p == "" {
			continue
		}
		if out != "" {
			out += "/"
		}
		out += *p
	}
	if out == "" {
		out = "-"
	}
	return out
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
