package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-radar/internal/config"
	"price-radar/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// Scorer rates each price record against its variant-group baseline and sets
// the hot flag for standout deals. Flagged records are skipped unless
// score_flagged is set.
type Scorer struct {
	cursors    storage.CursorStore
	prices     storage.PriceStore
	cfg        config.HotnessConfig
	window     int
	minSamples int
	logger     zerolog.Logger
}

// NewScorer constructs the hotness scoring stage. The baseline window and
// minimum sample count are shared with the anomaly detector.
func NewScorer(cursors storage.CursorStore, prices storage.PriceStore, cfg config.HotnessConfig, baseline config.AnomalyConfig, logger zerolog.Logger) *Scorer {
	return &Scorer{
		cursors:    cursors,
		prices:     prices,
		cfg:        cfg,
		window:     baseline.WindowSize,
		minSamples: baseline.MinSamples,
		logger:     logger.With().Str("component", "hotness_scorer").Logger(),
	}
}

// Name implements Stage.
func (s *Scorer) Name() string { return storage.StageHotness }

// Run scores every price record newer than the hotness cursor and commits the
// decisions with the cursor advance in one transaction.
func (s *Scorer) Run(ctx context.Context) error {
	cursor, err := s.cursors.GetCursor(ctx, storage.StageHotness)
	if err != nil {
		return fmt.Errorf("read hotness cursor: %w", err)
	}

	records, err := s.prices.PricesForScoringAfter(ctx, cursor)
	if err != nil {
		return fmt.Errorf("list records for hotness scoring: %w", err)
	}
	if len(records) == 0 {
		s.logger.Debug().Int64("cursor", cursor).Msg("no new price records")
		return nil
	}

	updates := make([]storage.HotnessUpdate, 0, len(records))
	hot := 0
	var upToRunID int64
	for _, rec := range records {
		if rec.RunID > upToRunID {
			upToRunID = rec.RunID
		}

		update, err := s.score(ctx, rec)
		if err != nil {
			return err
		}
		if update.IsHot {
			hot++
			s.logger.Debug().
				Int64("price_id", rec.PriceID).
				Str("price", rec.Price.String()).
				Int("score", update.HotnessScore).
				Msg("hot deal found")
		}
		updates = append(updates, update)
	}

	if err := s.prices.CommitHotnessBatch(ctx, upToRunID, updates); err != nil {
		return fmt.Errorf("commit hotness batch: %w", err)
	}

	s.logger.Info().
		Int("records", len(records)).
		Int("hot", hot).
		Int64("up_to_run", upToRunID).
		Msg("hotness scoring finished")
	return nil
}

func (s *Scorer) score(ctx context.Context, rec storage.VariantPrice) (storage.HotnessUpdate, error) {
	update := storage.HotnessUpdate{PriceID: rec.PriceID}

	if rec.ErrorFlag && !s.cfg.ScoreFlagged {
		return update, nil
	}
	// Only reviewed retailers qualify for the hot ranking.
	if rec.RetailerStatus != storage.RetailerVerified && rec.RetailerStatus != storage.RetailerActive {
		return update, nil
	}

	baseline, err := s.prices.VariantBaseline(ctx, rec.Variant, rec.PriceID, s.window)
	if err != nil {
		return update, fmt.Errorf("load baseline for price %d: %w", rec.PriceID, err)
	}
	if len(baseline) < s.minSamples {
		return update, nil
	}

	center := median(baseline)
	floor := minimum(baseline)
	update.HotnessScore = hotnessScore(rec.Price, center, floor, s.cfg)
	update.IsHot = update.HotnessScore > s.cfg.Threshold
	return update, nil
}

// hotnessScore rates a price 0-100 against the variant median and the
// historical minimum. A price at or above the median scores 0; a price at or
// below the historical minimum scores 100. In between, position within the
// median-to-minimum band dominates, with a smaller bonus for the raw discount
// below the median.
func hotnessScore(price, center, floor decimal.Decimal, cfg config.HotnessConfig) int {
	if center.Sign() <= 0 || price.GreaterThanOrEqual(center) {
		return 0
	}

	discount := center.Sub(price).Div(center)

	var bandPosition decimal.Decimal
	spread := center.Sub(floor)
	if spread.Sign() > 0 {
		bandPosition = center.Sub(price).Div(spread)
	} else {
		// Degenerate group where the historical minimum equals the median:
		// fall back to the discount alone, doubled so a 50% cut saturates.
		bandPosition = discount.Mul(two)
	}
	if bandPosition.GreaterThan(decimal.NewFromInt(1)) {
		bandPosition = decimal.NewFromInt(1)
	}

	score := bandPosition.Mul(decimal.NewFromFloat(cfg.FloorWeight)).
		Add(discount.Mul(decimal.NewFromFloat(cfg.DiscountWeight))).
		Mul(hundred)

	result := int(score.Round(0).IntPart())
	if result < 0 {
		return 0
	}
	if result > 100 {
		return 100
	}
	return result
}
