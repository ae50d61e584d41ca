// Package ingest pulls shopping-search results for every active catalog entry
// and stores them as immutable raw responses for the processing pipeline.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"price-radar/internal/fetcher"
	"price-radar/internal/retry"
	"price-radar/internal/storage"
)

// keepFetchRuns bounds raw-response retention: the current run plus the most
// recent previous one.
const keepFetchRuns = 2

// Summary reports the outcome of one ingestion run.
type Summary struct {
	FetchRunID string
	Responses  int
	Items      int
	Failed     int
}

// Service drives one ingestion run across the active catalog.
type Service struct {
	catalog   storage.CatalogStore
	responses storage.ResponseStore
	search    fetcher.SearchFetcher
	retryCfg  retry.Config
	logger    zerolog.Logger
}

// New constructs an ingestion service.
func New(catalog storage.CatalogStore, responses storage.ResponseStore, search fetcher.SearchFetcher, retryCfg retry.Config, logger zerolog.Logger) *Service {
	return &Service{
		catalog:   catalog,
		responses: responses,
		search:    search,
		retryCfg:  retryCfg,
		logger:    logger.With().Str("component", "ingest").Logger(),
	}
}

// Run fetches and stores search results for every active smartphone. A failed
// fetch for one phone is counted and skipped; a storage failure aborts the
// run so nothing half-written is handed to the pipeline.
func (s *Service) Run(ctx context.Context) (Summary, error) {
	summary := Summary{FetchRunID: uuid.NewString()}
	logger := s.logger.With().Str("fetch_run_id", summary.FetchRunID).Logger()

	if pruned, err := s.responses.PruneFetchRuns(ctx, keepFetchRuns); err != nil {
		logger.Warn().Err(err).Msg("failed to prune old fetch runs")
	} else if pruned > 0 {
		logger.Info().Int64("responses", pruned).Msg("pruned old fetch runs")
	}

	phones, err := s.catalog.ListActiveSmartphones(ctx)
	if err != nil {
		return summary, fmt.Errorf("list active smartphones: %w", err)
	}
	logger.Info().Int("smartphones", len(phones)).Msg("starting ingestion run")

	for _, phone := range phones {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		items, fetchErr := s.fetchWithRetry(ctx, phone.SearchQuery)
		if fetchErr != nil {
			summary.Failed++
			logger.Error().Err(fetchErr).
				Int64("smartphone_id", phone.SmartphoneID).
				Msg("failed to fetch shopping results")
			continue
		}

		responseID, storeErr := s.responses.InsertRawResponse(ctx, storage.RawResponse{
			SmartphoneID: phone.SmartphoneID,
			FetchRunID:   summary.FetchRunID,
			SearchQuery:  phone.SearchQuery,
			RetrievedAt:  time.Now().UTC(),
		})
		if storeErr != nil {
			return summary, fmt.Errorf("store raw response: %w", storeErr)
		}

		if err := s.responses.InsertRawItems(ctx, responseID, items); err != nil {
			return summary, fmt.Errorf("store raw items: %w", err)
		}

		summary.Responses++
		summary.Items += len(items)
		logger.Debug().
			Int64("smartphone_id", phone.SmartphoneID).
			Int64("response_id", responseID).
			Int("items", len(items)).
			Msg("raw response stored")
	}

	logger.Info().
		Int("responses", summary.Responses).
		Int("items", summary.Items).
		Int("failed", summary.Failed).
		Msg("ingestion run finished")
	return summary, nil
}

func (s *Service) fetchWithRetry(ctx context.Context, query string) ([]map[string]string, error) {
	var items []map[string]string
	_, err := retry.Do(ctx, s.retryCfg, s.logger, "fetch shopping results", func(ctx context.Context) error {
		fetched, fetchErr := s.search.FetchShoppingResults(ctx, query)
		if fetchErr != nil {
			return fetchErr
		}
		items = fetched
		return nil
	})
	return items, err
}
