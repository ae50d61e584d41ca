package pipeline

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"price-radar/internal/storage"
)

// Materializer refreshes the denormalized read table from the latest clean
// price per (smartphone, retailer) pair. The public API reads this table
// only, so a stale row is better than a flagged one.
type Materializer struct {
	cursors storage.CursorStore
	api     storage.APIStore
	logger  zerolog.Logger
}

// NewMaterializer constructs the materialization stage.
func NewMaterializer(cursors storage.CursorStore, api storage.APIStore, logger zerolog.Logger) *Materializer {
	return &Materializer{
		cursors: cursors,
		api:     api,
		logger:  logger.With().Str("component", "materializer").Logger(),
	}
}

// Name implements Stage.
func (m *Materializer) Name() string { return storage.StageMaterialize }

// Run upserts the winning price for every (smartphone, retailer) pair touched
// since the materialize cursor, committing the rows and the cursor advance in
// one transaction.
func (m *Materializer) Run(ctx context.Context) error {
	cursor, err := m.cursors.GetCursor(ctx, storage.StageMaterialize)
	if err != nil {
		return fmt.Errorf("read materialize cursor: %w", err)
	}

	candidates, err := m.api.MaterializationCandidates(ctx, cursor)
	if err != nil {
		return fmt.Errorf("list materialization candidates: %w", err)
	}
	if len(candidates) == 0 {
		m.logger.Debug().Int64("cursor", cursor).Msg("no pairs to refresh")
		return nil
	}

	records := make([]storage.APIRecord, 0, len(candidates))
	skipped := 0
	var upToRunID int64
	for _, cand := range candidates {
		if cand.RunID > upToRunID {
			upToRunID = cand.RunID
		}

		cleaned, ok := cleanProductURL(cand.ProductURL)
		if !ok {
			skipped++
			m.logger.Warn().
				Int64("smartphone_id", cand.SmartphoneID).
				Int64("retailer_id", cand.RetailerID).
				Msg("skipping candidate with malformed product url")
			continue
		}
		cand.ProductURL = cleaned
		records = append(records, cand)
	}

	if err := m.api.CommitAPIRecords(ctx, upToRunID, records); err != nil {
		return fmt.Errorf("commit materialized records: %w", err)
	}

	m.logger.Info().
		Int("pairs", len(records)).
		Int("skipped", skipped).
		Int64("up_to_run", upToRunID).
		Msg("materialization finished")
	return nil
}

// cleanProductURL strips tracking query strings and rejects URLs the public
// view cannot safely link to. A missing URL is fine; a present but malformed
// one disqualifies the candidate.
func cleanProductURL(raw *string) (*string, bool) {
	if raw == nil || *raw == "" {
		return nil, true
	}

	parsed, err := url.Parse(*raw)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, false
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""
	cleaned := parsed.String()
	if len(cleaned) > maxProductURLLen {
		cleaned = cleaned[:maxProductURLLen]
	}
	return &cleaned, true
}
