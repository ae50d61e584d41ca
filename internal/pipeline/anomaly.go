package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-radar/internal/config"
	"price-radar/internal/storage"
)

// Detector flags statistically anomalous prices. It is a heuristic gate for
// visibly broken data (decimal-point slips, scrape glitches), not ground
// truth: false positives are acceptable, silent garbage in the public view is
// not.
type Detector struct {
	cursors storage.CursorStore
	prices  storage.PriceStore
	cfg     config.AnomalyConfig
	logger  zerolog.Logger
}

// NewDetector constructs the anomaly detection stage.
func NewDetector(cursors storage.CursorStore, prices storage.PriceStore, cfg config.AnomalyConfig, logger zerolog.Logger) *Detector {
	return &Detector{
		cursors: cursors,
		prices:  prices,
		cfg:     cfg,
		logger:  logger.With().Str("component", "anomaly_detector").Logger(),
	}
}

// Name implements Stage.
func (d *Detector) Name() string { return storage.StageAnomaly }

// Run examines every price record newer than the anomaly cursor against its
// variant-group baseline and commits the error_flag decisions with the cursor
// advance in one transaction.
func (d *Detector) Run(ctx context.Context) error {
	cursor, err := d.cursors.GetCursor(ctx, storage.StageAnomaly)
	if err != nil {
		return fmt.Errorf("read anomaly cursor: %w", err)
	}

	records, err := d.prices.PricesForScoringAfter(ctx, cursor)
	if err != nil {
		return fmt.Errorf("list records for anomaly detection: %w", err)
	}
	if len(records) == 0 {
		d.logger.Debug().Int64("cursor", cursor).Msg("no new price records")
		return nil
	}

	updates := make([]storage.AnomalyUpdate, 0, len(records))
	flagged := 0
	var upToRunID int64
	for _, rec := range records {
		if rec.RunID > upToRunID {
			upToRunID = rec.RunID
		}

		reason, err := d.classify(ctx, rec)
		if err != nil {
			return err
		}

		update := storage.AnomalyUpdate{PriceID: rec.PriceID}
		if reason != "" {
			update.ErrorFlag = true
			update.ErrorReason = &reason
			flagged++
			d.logger.Debug().
				Int64("price_id", rec.PriceID).
				Str("price", rec.Price.String()).
				Str("reason", reason).
				Msg("flagged anomalous price")
		}
		updates = append(updates, update)
	}

	if err := d.prices.CommitAnomalyBatch(ctx, upToRunID, updates); err != nil {
		return fmt.Errorf("commit anomaly batch: %w", err)
	}

	d.logger.Info().
		Int("records", len(records)).
		Int("flagged", flagged).
		Int64("up_to_run", upToRunID).
		Msg("anomaly detection finished")
	return nil
}

// classify returns a non-empty reason when the record should be flagged.
func (d *Detector) classify(ctx context.Context, rec storage.VariantPrice) (string, error) {
	// The absolute band is calibrated for the home market currency; foreign
	// prices only face the statistical tests.
	if rec.Currency == defaultCurrency {
		if low, high := d.absoluteBounds(); rec.Price.LessThan(low) || rec.Price.GreaterThan(high) {
			return fmt.Sprintf("price outside absolute range [%s, %s]", low, high), nil
		}
	}

	baseline, err := d.prices.VariantBaseline(ctx, rec.Variant, rec.PriceID, d.cfg.WindowSize)
	if err != nil {
		return "", fmt.Errorf("load baseline for price %d: %w", rec.PriceID, err)
	}

	// Too little history to judge: unknown, not anomalous.
	if len(baseline) < d.cfg.MinSamples {
		return "", nil
	}

	center := median(baseline)
	if center.Sign() <= 0 {
		return "", nil
	}

	spread := medianAbsoluteDeviation(baseline, center)
	k := decimal.NewFromFloat(d.cfg.MADMultiplier)
	band := spread.Mul(k)
	if rec.Price.LessThan(center.Sub(band)) || rec.Price.GreaterThan(center.Add(band)) {
		return fmt.Sprintf("price deviates more than %s MAD from variant median %s", k, center), nil
	}

	relative := rec.Price.Sub(center).Abs().Div(center)
	threshold := decimal.NewFromFloat(d.cfg.RelativeThreshold)
	if relative.GreaterThan(threshold) {
		return fmt.Sprintf("price deviates %s%% from variant median %s",
			relative.Mul(decimal.NewFromInt(100)).Round(1), center), nil
	}

	return "", nil
}

func (d *Detector) absoluteBounds() (decimal.Decimal, decimal.Decimal) {
	return decimal.NewFromFloat(d.cfg.MinAbsolutePrice), decimal.NewFromFloat(d.cfg.MaxAbsolutePrice)
}
