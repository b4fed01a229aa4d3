package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/commodity-bulletin-crawler/internal/bulletin"
)

// tradeView is the JSON shape printed by lookup.
type tradeView struct {
	ExchangeProductID   string    `json:"exchange_product_id"`
	ExchangeProductName string    `json:"exchange_product_name"`
	OilID               string    `json:"oil_id"`
	DeliveryBasisID     string    `json:"delivery_basis_id"`
	DeliveryBasisName   string    `json:"delivery_basis_name"`
	DeliveryTypeID      string    `json:"delivery_type_id"`
	Volume              string    `json:"volume"`
	Total               string    `json:"total"`
	Count               int64     `json:"count"`
	Date                string    `json:"date"`
	CreatedOn           time.Time `json:"created_on"`
	UpdatedOn           time.Time `json:"updated_on"`
}

func newTradeView(rec bulletin.TradeRecord) tradeView {
	return tradeView{
		ExchangeProductID:   rec.ExchangeProductID,
		ExchangeProductName: rec.ExchangeProductName,
		OilID:               rec.OilID,
		DeliveryBasisID:     rec.DeliveryBasisID,
		DeliveryBasisName:   rec.DeliveryBasisName,
		DeliveryTypeID:      rec.DeliveryTypeID,
		Volume:              rec.Volume.StringFixed(2),
		Total:               rec.Total.StringFixed(2),
		Count:               rec.Count,
		Date:                rec.TradeDate.Format(bulletin.DateLayout),
		CreatedOn:           rec.CreatedAt,
		UpdatedOn:           rec.UpdatedAt,
	}
}

func newLookupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <exchange_product_id> <YYYY-MM-DD>",
		Short: "Prints the stored trade row for one instrument and trade date",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			date, err := time.Parse(bulletin.DateLayout, args[1])
			if err != nil {
				return fmt.Errorf("trade date %q: want YYYY-MM-DD", args[1])
			}
			key := bulletin.NaturalKey{ExchangeProductID: args[0], TradeDate: date}
			rec, ok, err := rt.app.Lookup(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no trade stored for %s on %s", args[0], args[1])
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(newTradeView(rec)); err != nil {
				return fmt.Errorf("write trade: %w", err)
			}
			return nil
		},
	}
}
