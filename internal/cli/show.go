package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"price-radar/internal/app"
)

var (
	showOEM      string
	showModel    string
	showRetailer string
	showHotOnly  bool
	showByPrice  bool
	showLimit    int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the current price view per smartphone and retailer",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			OEM:      showOEM,
			Model:    showModel,
			Retailer: showRetailer,
			HotOnly:  showHotOnly,
			ByPrice:  showByPrice,
			Limit:    showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showOEM, "oem", "", "Filter by manufacturer")
	showCmd.Flags().StringVar(&showModel, "model", "", "Filter by model name")
	showCmd.Flags().StringVar(&showRetailer, "retailer", "", "Filter by retailer name")
	showCmd.Flags().BoolVar(&showHotOnly, "hot", false, "Only show hot deals")
	showCmd.Flags().BoolVar(&showByPrice, "by-price", false, "Order by price instead of hotness score")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
}
