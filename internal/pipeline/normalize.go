package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-radar/internal/storage"
)

const defaultCurrency = "MXN"

// maxProductURLLen matches the product_url column width.
const maxProductURLLen = 255

// usedConditionMarkers identify second-hand listings in both the Spanish
// source market and English fallbacks.
var usedConditionMarkers = []string{"usado", "used", "reacondicionado", "refurbished"}

// Normalizer turns raw shopping items into canonical price records. One
// record per accepted (response, item) pair; malformed items are counted and
// skipped, never fatal.
type Normalizer struct {
	cursors   storage.CursorStore
	responses storage.ResponseStore
	catalog   storage.CatalogStore
	retailers storage.RetailerStore
	prices    storage.PriceStore
	logger    zerolog.Logger
}

// NewNormalizer constructs the normalization stage.
func NewNormalizer(cursors storage.CursorStore, responses storage.ResponseStore, catalog storage.CatalogStore, retailers storage.RetailerStore, prices storage.PriceStore, logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		cursors:   cursors,
		responses: responses,
		catalog:   catalog,
		retailers: retailers,
		prices:    prices,
		logger:    logger.With().Str("component", "normalizer").Logger(),
	}
}

// Name implements Stage.
func (n *Normalizer) Name() string { return storage.StageNormalize }

// Run processes every raw response newer than the normalize cursor. Each
// response commits atomically with its cursor advance, so a crash mid-run
// reprocesses at most the in-flight response.
func (n *Normalizer) Run(ctx context.Context) error {
	cursor, err := n.cursors.GetCursor(ctx, storage.StageNormalize)
	if err != nil {
		return fmt.Errorf("read normalize cursor: %w", err)
	}

	responses, err := n.responses.RawResponsesAfter(ctx, cursor)
	if err != nil {
		return fmt.Errorf("list unprocessed responses: %w", err)
	}
	if len(responses) == 0 {
		n.logger.Debug().Int64("cursor", cursor).Msg("no new raw responses")
		return nil
	}

	phoneIDs := make([]int64, 0, len(responses))
	for _, resp := range responses {
		phoneIDs = append(phoneIDs, resp.SmartphoneID)
	}
	phones, err := n.catalog.SmartphonesByID(ctx, phoneIDs)
	if err != nil {
		return fmt.Errorf("load smartphones: %w", err)
	}

	retailerMap, err := n.retailers.RetailerMap(ctx)
	if err != nil {
		return fmt.Errorf("load retailers: %w", err)
	}

	accepted, rejected := 0, 0
	for _, resp := range responses {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		items, err := n.responses.RawItemsForResponse(ctx, resp.ResponseID)
		if err != nil {
			return fmt.Errorf("load raw items for response %d: %w", resp.ResponseID, err)
		}

		phone, known := phones[resp.SmartphoneID]
		records := make([]storage.PriceRecord, 0, len(items))
		for _, item := range items {
			if !known {
				rejected++
				n.logger.Warn().
					Int64("response_id", resp.ResponseID).
					Int64("smartphone_id", resp.SmartphoneID).
					Msg("skipping item for unknown smartphone")
				continue
			}

			record, normErr := n.normalizeItem(ctx, resp, phone, item, retailerMap)
			if normErr != nil {
				if IsValidation(normErr) {
					rejected++
					n.logger.Debug().
						Int64("response_id", resp.ResponseID).
						Int64("item_id", item.ItemID).
						Err(normErr).
						Msg("rejected raw item")
					continue
				}
				return normErr
			}
			records = append(records, record)
			accepted++
		}

		if err := n.prices.CommitNormalizedResponse(ctx, resp.ResponseID, records); err != nil {
			return fmt.Errorf("commit response %d: %w", resp.ResponseID, err)
		}
	}

	n.logger.Info().
		Int("responses", len(responses)).
		Int("accepted", accepted).
		Int("rejected", rejected).
		Msg("normalization finished")
	return nil
}

// normalizeItem validates one raw item and builds its price record. All
// derived fields come from the immutable response, so re-running yields an
// identical record apart from price_id allocation.
func (n *Normalizer) normalizeItem(ctx context.Context, resp storage.RawResponse, phone storage.Smartphone, item storage.RawItem, retailerMap map[string]storage.Retailer) (storage.PriceRecord, error) {
	source := strings.TrimSpace(item.Payload["source"])
	if source == "" {
		return storage.PriceRecord{}, invalidField("source", "missing retailer name")
	}

	rawPrice := strings.TrimSpace(item.Payload["extracted_price"])
	if rawPrice == "" {
		return storage.PriceRecord{}, invalidField("extracted_price", "missing price")
	}
	price, err := decimal.NewFromString(rawPrice)
	if err != nil {
		return storage.PriceRecord{}, invalidField("extracted_price", "not a number")
	}
	if price.Sign() <= 0 {
		return storage.PriceRecord{}, invalidField("extracted_price", "price must be positive")
	}

	if phone.Condition == "new" && looksUsed(item.Payload) {
		return storage.PriceRecord{}, invalidField("title", "listing is for a used phone")
	}

	retailer, err := n.resolveRetailer(ctx, source, retailerMap)
	if err != nil {
		return storage.PriceRecord{}, err
	}

	currency := strings.TrimSpace(item.Payload["currency"])
	if currency == "" {
		currency = defaultCurrency
	}

	record := storage.PriceRecord{
		ResponseID:   resp.ResponseID,
		ItemID:       item.ItemID,
		SmartphoneID: phone.SmartphoneID,
		RetailerID:   retailer.RetailerID,
		RetailerName: retailer.RetailerName,
		Price:        price,
		Currency:     currency,
		RunID:        resp.ResponseID,
		RecordedAt:   resp.RetrievedAt,
	}

	if link := strings.TrimSpace(item.Payload["link"]); link != "" {
		if len(link) > maxProductURLLen {
			link = link[:maxProductURLLen]
		}
		record.ProductURL = &link
	}

	return record, nil
}

func (n *Normalizer) resolveRetailer(ctx context.Context, source string, retailerMap map[string]storage.Retailer) (storage.Retailer, error) {
	key := strings.ToLower(source)
	if retailer, ok := retailerMap[key]; ok {
		return retailer, nil
	}

	retailer, err := n.retailers.EnsureRetailer(ctx, source)
	if err != nil {
		return storage.Retailer{}, fmt.Errorf("register retailer %q: %w", source, err)
	}
	retailerMap[key] = retailer
	n.logger.Info().Str("retailer", retailer.RetailerName).Msg("registered new retailer as suspicious")
	return retailer, nil
}

func looksUsed(payload map[string]string) bool {
	candidates := []string{
		payload["second_hand_condition"],
		payload["title"],
		payload["snippet"],
	}
	for _, candidate := range candidates {
		lowered := strings.ToLower(candidate)
		for _, marker := range usedConditionMarkers {
			if strings.Contains(lowered, marker) {
				return true
			}
		}
	}
	return false
}
