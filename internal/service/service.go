package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"price-radar/internal/alerting"
	"price-radar/internal/config"
	"price-radar/internal/ingest"
	"price-radar/internal/pipeline"
	"price-radar/internal/scheduler"
	"price-radar/internal/storage"
)

// Service ties the scheduler, ingestion, pipeline, and alerting together. One
// tick is one end-to-end update cycle.
type Service struct {
	scheduler    *scheduler.Scheduler
	ingester     *ingest.Service
	orchestrator *pipeline.Orchestrator
	api          storage.APIStore
	notifier     alerting.Notifier
	logger       zerolog.Logger

	alertsOn      bool
	alertMinScore int
	locker        storage.AdvisoryLocker
	lockKey       int64
}

// New constructs the update service.
func New(cfg *config.Config, sched *scheduler.Scheduler, ingester *ingest.Service, orch *pipeline.Orchestrator, api storage.APIStore, locker storage.AdvisoryLocker, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:     sched,
		ingester:      ingester,
		orchestrator:  orch,
		api:           api,
		notifier:      notifier,
		logger:        logger.With().Str("component", "service").Logger(),
		alertsOn:      cfg.Alerting.Enabled,
		alertMinScore: cfg.Alerting.MinScore,
		locker:        locker,
		lockKey:       cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run blocks, executing one update cycle per scheduler tick until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		return s.ProcessTick(ctx, bucket)
	})
}

// ProcessTick runs one update cycle guarded by the advisory lock, so
// concurrent deployments never ingest the same tick twice.
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	result, err := s.RunOnce(ctx)
	if err != nil {
		return err
	}
	if !result.Success() {
		// Failed stages keep their cursors; the next tick resumes them.
		s.logger.Warn().Err(result.Err()).Msg("update cycle completed with stage failures")
	}
	return nil
}

// RunOnce executes a single ingest-and-process cycle. The returned result
// reports per-stage outcomes; err is non-nil only when ingestion itself (or
// the context) fails before the pipeline could run.
func (s *Service) RunOnce(ctx context.Context) (pipeline.Result, error) {
	started := time.Now()

	summary, err := s.ingester.Run(ctx)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("ingestion run: %w", err)
	}
	s.logger.Info().
		Str("fetch_run_id", summary.FetchRunID).
		Int("responses", summary.Responses).
		Int("items", summary.Items).
		Int("failed", summary.Failed).
		Msg("ingestion completed")

	result := s.orchestrator.Run(ctx)
	s.logger.Info().
		Bool("success", result.Success()).
		Dur("elapsed", time.Since(started)).
		Msg("update cycle finished")

	if result.Success() {
		s.dispatchAlerts(ctx)
	}
	return result, nil
}

// ProcessOnly runs the pipeline stages without a fresh ingestion, picking up
// whatever raw responses are already stored.
func (s *Service) ProcessOnly(ctx context.Context) pipeline.Result {
	return s.orchestrator.Run(ctx)
}

// dispatchAlerts pushes a digest of the freshest hot deals. Alert failures are
// logged, never fatal: the materialized data is already committed.
func (s *Service) dispatchAlerts(ctx context.Context) {
	if !s.alertsOn || s.notifier == nil {
		return
	}

	deals, err := s.api.HotDeals(ctx, s.alertMinScore, 20)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load hot deals for alerting")
		return
	}
	if len(deals) == 0 {
		return
	}

	note := alerting.Notification{
		RunID:    deals[0].RunID,
		FoundAt:  time.Now().UTC(),
		MinScore: s.alertMinScore,
		Deals:    make([]alerting.Deal, 0, len(deals)),
	}
	for _, rec := range deals {
		note.Deals = append(note.Deals, toDeal(rec))
	}

	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Msg("failed to dispatch hot deal digest")
	}
}

func toDeal(rec storage.APIRecord) alerting.Deal {
	deal := alerting.Deal{
		OEM:          rec.OEM,
		Model:        rec.Model,
		Variant:      variantLabel(rec),
		RetailerName: rec.RetailerName,
		Price:        rec.Price,
		Currency:     "MXN",
		HotnessScore: rec.HotnessScore,
	}
	if rec.ProductURL != nil {
		deal.ProductURL = *rec.ProductURL
	}
	return deal
}

func variantLabel(rec storage.APIRecord) string {
	parts := make([]string, 0, 3)
	for _, p := range []*string{rec.RAMVariant, rec.ROMVariant, rec.ColorVariant} {
		if p != nil && *p != "" {
			parts = append(parts, *p)
		}
	}
	return strings.Join(parts, "/")
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
