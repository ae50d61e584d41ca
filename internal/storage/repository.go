package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	listActiveSmartphonesSQL = `SELECT
        smartphone_id, oem, model, color_variant, ram_variant, rom_variant,
        variant_rank, os, condition, search_query, is_active
    FROM smartphones
    WHERE is_active
    ORDER BY smartphone_id;`

	smartphonesByIDSQL = `SELECT
        smartphone_id, oem, model, color_variant, ram_variant, rom_variant,
        variant_rank, os, condition, search_query, is_active
    FROM smartphones
    WHERE smartphone_id = ANY($1);`

	listRetailersSQL = `SELECT retailer_id, retailer_name, relevance_status, created_at
    FROM retailers;`

	ensureRetailerSQL = `INSERT INTO retailers (retailer_name, relevance_status)
    VALUES ($1, 'suspicious')
    ON CONFLICT (retailer_name) DO UPDATE
    SET retailer_name = EXCLUDED.retailer_name
    RETURNING retailer_id, retailer_name, relevance_status, created_at;`

	insertRawResponseSQL = `INSERT INTO raw_responses (
        smartphone_id, fetch_run_id, search_query, retrieved_at
    ) VALUES ($1,$2,$3,$4)
    RETURNING response_id;`

	insertRawItemSQL = `INSERT INTO raw_items (response_id, item_id, payload)
    VALUES ($1,$2,$3);`

	rawResponsesAfterSQL = `SELECT response_id, smartphone_id, fetch_run_id, search_query, retrieved_at
    FROM raw_responses
    WHERE response_id > $1
    ORDER BY response_id;`

	rawItemsForResponseSQL = `SELECT response_id, item_id, payload
    FROM raw_items
    WHERE response_id = $1
    ORDER BY item_id;`

	pruneFetchRunsSQL = `DELETE FROM raw_responses
    WHERE fetch_run_id NOT IN (
        SELECT fetch_run_id FROM (
            SELECT fetch_run_id, MAX(retrieved_at) AS latest
            FROM raw_responses
            GROUP BY fetch_run_id
            ORDER BY latest DESC
            LIMIT $1
        ) keep
    );`

	getCursorSQL = `SELECT last_response_id FROM pipeline_cursors WHERE stage_name = $1;`

	advanceCursorSQL = `INSERT INTO pipeline_cursors (stage_name, last_response_id, updated_at)
    VALUES ($1, $2, now())
    ON CONFLICT (stage_name) DO UPDATE
    SET last_response_id = GREATEST(pipeline_cursors.last_response_id, EXCLUDED.last_response_id),
        updated_at       = now();`

	insertPriceSQL = `INSERT INTO prices (
        response_id, item_id, smartphone_id, retailer_id, price, currency,
        product_url, run_id, recorded_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    ON CONFLICT (response_id, item_id) DO NOTHING;`

	pricesForScoringAfterSQL = `SELECT
        p.price_id, p.response_id, p.item_id, p.smartphone_id, p.retailer_id,
        r.retailer_name, r.relevance_status, p.price, p.currency, p.product_url,
        p.run_id, p.is_hot, p.hotness_score, p.error_flag, p.error_reason, p.recorded_at,
        s.oem, s.model,
        COALESCE(s.ram_variant, ''), COALESCE(s.rom_variant, ''), COALESCE(s.color_variant, '')
    FROM prices p
    JOIN smartphones s USING (smartphone_id)
    JOIN retailers r USING (retailer_id)
    WHERE p.run_id > $1
    ORDER BY p.price_id;`

	variantBaselineSQL = `SELECT p.price
    FROM prices p
    JOIN smartphones s USING (smartphone_id)
    WHERE s.oem = $1
      AND s.model = $2
      AND COALESCE(s.ram_variant, '') = $3
      AND COALESCE(s.rom_variant, '') = $4
      AND COALESCE(s.color_variant, '') = $5
      AND p.price_id < $6
      AND NOT p.error_flag
    ORDER BY p.price_id DESC
    LIMIT $7;`

	updateAnomalySQL = `UPDATE prices SET error_flag = $2, error_reason = $3 WHERE price_id = $1;`

	updateHotnessSQL = `UPDATE prices SET is_hot = $2, hotness_score = $3 WHERE price_id = $1;`

	materializationCandidatesSQL = `SELECT DISTINCT ON (p.smartphone_id, p.retailer_id)
        p.price_id, p.smartphone_id, p.retailer_id, r.retailer_name, p.price,
        p.product_url, p.is_hot, p.hotness_score,
        s.oem, s.model, s.color_variant, s.ram_variant, s.rom_variant,
        s.variant_rank, s.os, p.run_id
    FROM prices p
    JOIN smartphones s USING (smartphone_id)
    JOIN retailers r USING (retailer_id)
    WHERE NOT p.error_flag
      AND (p.smartphone_id, p.retailer_id) IN (
          SELECT smartphone_id, retailer_id FROM prices WHERE run_id > $1
      )
    ORDER BY p.smartphone_id, p.retailer_id, p.run_id DESC, p.price ASC, p.price_id ASC;`

	upsertAPIRecordSQL = `INSERT INTO data_for_api (
        price_id, smartphone_id, retailer_id, retailer_name, price, product_url,
        is_hot, hotness_score, oem, model, color_variant, ram_variant,
        rom_variant, variant_rank, os, run_id, updated_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now())
    ON CONFLICT (smartphone_id, retailer_id) DO UPDATE
    SET price_id      = EXCLUDED.price_id,
        retailer_name = EXCLUDED.retailer_name,
        price         = EXCLUDED.price,
        product_url   = EXCLUDED.product_url,
        is_hot        = EXCLUDED.is_hot,
        hotness_score = EXCLUDED.hotness_score,
        oem           = EXCLUDED.oem,
        model         = EXCLUDED.model,
        color_variant = EXCLUDED.color_variant,
        ram_variant   = EXCLUDED.ram_variant,
        rom_variant   = EXCLUDED.rom_variant,
        variant_rank  = EXCLUDED.variant_rank,
        os            = EXCLUDED.os,
        run_id        = EXCLUDED.run_id,
        updated_at    = now()
    WHERE EXCLUDED.run_id >= data_for_api.run_id;`

	hotDealsSQL = `SELECT
        price_id, smartphone_id, retailer_id, retailer_name, price, product_url,
        is_hot, hotness_score, oem, model, color_variant, ram_variant,
        rom_variant, variant_rank, os, run_id, updated_at
    FROM data_for_api
    WHERE is_hot
      AND hotness_score >= $1
      AND run_id = (SELECT COALESCE(MAX(run_id), 0) FROM data_for_api)
    ORDER BY hotness_score DESC, price ASC, price_id ASC
    LIMIT $2;`

	variantPriceHistorySQL = `SELECT p.recorded_at, p.price, p.is_hot
    FROM prices p
    JOIN smartphones s USING (smartphone_id)
    WHERE s.oem = $1
      AND s.model = $2
      AND NOT p.error_flag
    ORDER BY p.recorded_at;`
)

// DB is the subset of pgxpool.Pool the repository needs. pgxmock satisfies it
// in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CursorStore tracks the last fully committed response per stage.
type CursorStore interface {
	GetCursor(ctx context.Context, stage string) (int64, error)
	AdvanceCursor(ctx context.Context, stage string, responseID int64) error
}

// CatalogStore exposes the smartphone catalog.
type CatalogStore interface {
	ListActiveSmartphones(ctx context.Context) ([]Smartphone, error)
	SmartphonesByID(ctx context.Context, ids []int64) (map[int64]Smartphone, error)
}

// RetailerStore resolves retailer names to identities.
type RetailerStore interface {
	RetailerMap(ctx context.Context) (map[string]Retailer, error)
	EnsureRetailer(ctx context.Context, name string) (Retailer, error)
}

// ResponseStore holds raw search payloads and their extracted items.
type ResponseStore interface {
	InsertRawResponse(ctx context.Context, resp RawResponse) (int64, error)
	InsertRawItems(ctx context.Context, responseID int64, payloads []map[string]string) error
	RawResponsesAfter(ctx context.Context, afterResponseID int64) ([]RawResponse, error)
	RawItemsForResponse(ctx context.Context, responseID int64) ([]RawItem, error)
	PruneFetchRuns(ctx context.Context, keep int) (int64, error)
}

// VariantPrice pairs a price record with the variant key it belongs to.
type VariantPrice struct {
	PriceRecord
	Variant        VariantKey
	RetailerStatus string
}

// AnomalyUpdate carries an error_flag decision for one record.
type AnomalyUpdate struct {
	PriceID     int64
	ErrorFlag   bool
	ErrorReason *string
}

// HotnessUpdate carries a hotness decision for one record.
type HotnessUpdate struct {
	PriceID      int64
	IsHot        bool
	HotnessScore int
}

// PriceStore persists normalized price records and stage annotations. Each
// Commit method writes its batch and advances the owning stage's cursor in
// one transaction.
type PriceStore interface {
	CommitNormalizedResponse(ctx context.Context, responseID int64, records []PriceRecord) error
	PricesForScoringAfter(ctx context.Context, afterRunID int64) ([]VariantPrice, error)
	VariantBaseline(ctx context.Context, key VariantKey, beforePriceID int64, limit int) ([]decimal.Decimal, error)
	CommitAnomalyBatch(ctx context.Context, upToRunID int64, updates []AnomalyUpdate) error
	CommitHotnessBatch(ctx context.Context, upToRunID int64, updates []HotnessUpdate) error
}

// PricePoint is one observation on a variant's price history.
type PricePoint struct {
	RecordedAt time.Time
	Price      decimal.Decimal
	IsHot      bool
}

// APIFilter narrows catalog queries from the read side.
type APIFilter struct {
	OEM          string
	Model        string
	RetailerName string
	HotOnly      bool
	OrderByPrice bool
	Limit        int
}

// APIStore maintains and serves the denormalized read-side table.
type APIStore interface {
	MaterializationCandidates(ctx context.Context, afterRunID int64) ([]APIRecord, error)
	CommitAPIRecords(ctx context.Context, upToRunID int64, records []APIRecord) error
	ListAPIRecords(ctx context.Context, filter APIFilter) ([]APIRecord, error)
	HotDeals(ctx context.Context, minScore, limit int) ([]APIRecord, error)
	VariantPriceHistory(ctx context.Context, oem, model string) ([]PricePoint, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the catalog, raw responses, prices, cursors, and
// the read-side table.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// NewStoreWithDB wires an arbitrary DB, used by tests with pgxmock. Advisory
// locks are unavailable in this mode.
func NewStoreWithDB(db DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getDB() (DB, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func. The lock is held on a dedicated connection.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if s == nil || s.pool == nil {
		return nil, false, ErrNotConfigured
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

// ListActiveSmartphones returns catalog entries flagged for ingestion.
func (s *Store) ListActiveSmartphones(ctx context.Context) ([]Smartphone, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, listActiveSmartphonesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active smartphones: %w", queryErr)
	}
	defer rows.Close()

	phones := make([]Smartphone, 0)
	for rows.Next() {
		phone, scanErr := scanSmartphone(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		phones = append(phones, phone)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return phones, nil
}

// SmartphonesByID fetches catalog entries keyed by id.
func (s *Store) SmartphonesByID(ctx context.Context, ids []int64) (map[int64]Smartphone, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, smartphonesByIDSQL, ids)
	if queryErr != nil {
		return nil, fmt.Errorf("smartphones by id: %w", queryErr)
	}
	defer rows.Close()

	phones := make(map[int64]Smartphone, len(ids))
	for rows.Next() {
		phone, scanErr := scanSmartphone(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		phones[phone.SmartphoneID] = phone
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return phones, nil
}

// RetailerMap returns all retailers keyed by lower-cased name.
func (s *Store) RetailerMap(ctx context.Context) (map[string]Retailer, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, listRetailersSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list retailers: %w", queryErr)
	}
	defer rows.Close()

	retailers := make(map[string]Retailer)
	for rows.Next() {
		var r Retailer
		if err := rows.Scan(&r.RetailerID, &r.RetailerName, &r.RelevanceStatus, &r.CreatedAt); err != nil {
			return nil, err
		}
		retailers[strings.ToLower(r.RetailerName)] = r
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return retailers, nil
}

// EnsureRetailer fetches a retailer by name, registering it as suspicious if
// it has never been seen before.
func (s *Store) EnsureRetailer(ctx context.Context, name string) (Retailer, error) {
	db, err := s.getDB()
	if err != nil {
		return Retailer{}, err
	}

	var r Retailer
	row := db.QueryRow(ctx, ensureRetailerSQL, strings.ToLower(name))
	if scanErr := row.Scan(&r.RetailerID, &r.RetailerName, &r.RelevanceStatus, &r.CreatedAt); scanErr != nil {
		return Retailer{}, fmt.Errorf("ensure retailer: %w", scanErr)
	}
	return r, nil
}

// InsertRawResponse stores a raw search payload header and returns its id.
func (s *Store) InsertRawResponse(ctx context.Context, resp RawResponse) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	var id int64
	row := db.QueryRow(ctx, insertRawResponseSQL,
		resp.SmartphoneID,
		resp.FetchRunID,
		resp.SearchQuery,
		resp.RetrievedAt,
	)
	if scanErr := row.Scan(&id); scanErr != nil {
		return 0, fmt.Errorf("insert raw response: %w", scanErr)
	}
	return id, nil
}

// InsertRawItems stores the extracted shopping results of one response.
func (s *Store) InsertRawItems(ctx context.Context, responseID int64, payloads []map[string]string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	for i, payload := range payloads {
		body, marshalErr := json.Marshal(payload)
		if marshalErr != nil {
			return fmt.Errorf("marshal raw item payload: %w", marshalErr)
		}
		if _, execErr := db.Exec(ctx, insertRawItemSQL, responseID, int64(i+1), body); execErr != nil {
			return fmt.Errorf("insert raw item: %w", execErr)
		}
	}
	return nil
}

// RawResponsesAfter lists response headers newer than the given cursor.
func (s *Store) RawResponsesAfter(ctx context.Context, afterResponseID int64) ([]RawResponse, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, rawResponsesAfterSQL, afterResponseID)
	if queryErr != nil {
		return nil, fmt.Errorf("raw responses after: %w", queryErr)
	}
	defer rows.Close()

	responses := make([]RawResponse, 0)
	for rows.Next() {
		var resp RawResponse
		if err := rows.Scan(&resp.ResponseID, &resp.SmartphoneID, &resp.FetchRunID, &resp.SearchQuery, &resp.RetrievedAt); err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return responses, nil
}

// RawItemsForResponse lists the items of one response in insertion order.
func (s *Store) RawItemsForResponse(ctx context.Context, responseID int64) ([]RawItem, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, rawItemsForResponseSQL, responseID)
	if queryErr != nil {
		return nil, fmt.Errorf("raw items for response: %w", queryErr)
	}
	defer rows.Close()

	items := make([]RawItem, 0)
	for rows.Next() {
		var item RawItem
		var body []byte
		if err := rows.Scan(&item.ResponseID, &item.ItemID, &body); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &item.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal raw item payload: %w", err)
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

// PruneFetchRuns deletes raw responses outside the newest fetch runs. Items
// follow via cascade.
func (s *Store) PruneFetchRuns(ctx context.Context, keep int) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	tag, execErr := db.Exec(ctx, pruneFetchRunsSQL, keep)
	if execErr != nil {
		return 0, fmt.Errorf("prune fetch runs: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// GetCursor returns the last committed response id for a stage, zero when the
// stage has never run.
func (s *Store) GetCursor(ctx context.Context, stage string) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}

	var id int64
	if scanErr := db.QueryRow(ctx, getCursorSQL, stage).Scan(&id); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("get cursor: %w", scanErr)
	}
	return id, nil
}

// AdvanceCursor moves a stage cursor forward. Older values are ignored, the
// cursor never rewinds.
func (s *Store) AdvanceCursor(ctx context.Context, stage string, responseID int64) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	if _, execErr := db.Exec(ctx, advanceCursorSQL, stage, responseID); execErr != nil {
		return fmt.Errorf("advance cursor: %w", execErr)
	}
	return nil
}

// CommitNormalizedResponse writes the price records of one response and
// advances the normalize cursor in a single transaction. The unique
// (response_id, item_id) index makes replays a no-op.
func (s *Store) CommitNormalizedResponse(ctx context.Context, responseID int64, records []PriceRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, beginErr := db.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("begin normalize commit: %w", beginErr)
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		if _, execErr := tx.Exec(ctx, insertPriceSQL,
			rec.ResponseID,
			rec.ItemID,
			rec.SmartphoneID,
			rec.RetailerID,
			rec.Price.String(),
			rec.Currency,
			rec.ProductURL,
			rec.RunID,
			rec.RecordedAt,
		); execErr != nil {
			return fmt.Errorf("insert price record: %w", execErr)
		}
	}

	if _, execErr := tx.Exec(ctx, advanceCursorSQL, StageNormalize, responseID); execErr != nil {
		return fmt.Errorf("advance normalize cursor: %w", execErr)
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return fmt.Errorf("commit normalize batch: %w", commitErr)
	}
	return nil
}

// PricesForScoringAfter lists price records newer than the given run together
// with their variant keys.
func (s *Store) PricesForScoringAfter(ctx context.Context, afterRunID int64) ([]VariantPrice, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, pricesForScoringAfterSQL, afterRunID)
	if queryErr != nil {
		return nil, fmt.Errorf("prices for scoring: %w", queryErr)
	}
	defer rows.Close()

	prices := make([]VariantPrice, 0)
	for rows.Next() {
		var vp VariantPrice
		var priceStr string
		if err := rows.Scan(
			&vp.PriceID,
			&vp.ResponseID,
			&vp.ItemID,
			&vp.SmartphoneID,
			&vp.RetailerID,
			&vp.RetailerName,
			&vp.RetailerStatus,
			&priceStr,
			&vp.Currency,
			&vp.ProductURL,
			&vp.RunID,
			&vp.IsHot,
			&vp.HotnessScore,
			&vp.ErrorFlag,
			&vp.ErrorReason,
			&vp.RecordedAt,
			&vp.Variant.OEM,
			&vp.Variant.Model,
			&vp.Variant.RAMVariant,
			&vp.Variant.ROMVariant,
			&vp.Variant.ColorVariant,
		); err != nil {
			return nil, err
		}

		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse price: %w", convErr)
		}
		vp.Price = price
		prices = append(prices, vp)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return prices, nil
}

// VariantBaseline returns unflagged prices older than beforePriceID for a
// variant group, newest first, bounded by limit.
func (s *Store) VariantBaseline(ctx context.Context, key VariantKey, beforePriceID int64, limit int) ([]decimal.Decimal, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, variantBaselineSQL,
		key.OEM, key.Model, key.RAMVariant, key.ROMVariant, key.ColorVariant,
		beforePriceID, limit,
	)
	if queryErr != nil {
		return nil, fmt.Errorf("variant baseline: %w", queryErr)
	}
	defer rows.Close()

	prices := make([]decimal.Decimal, 0, limit)
	for rows.Next() {
		var priceStr string
		if err := rows.Scan(&priceStr); err != nil {
			return nil, err
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse baseline price: %w", convErr)
		}
		prices = append(prices, price)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return prices, nil
}

// CommitAnomalyBatch applies error_flag decisions and advances the anomaly
// cursor in one transaction.
func (s *Store) CommitAnomalyBatch(ctx context.Context, upToRunID int64, updates []AnomalyUpdate) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, beginErr := db.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("begin anomaly commit: %w", beginErr)
	}
	defer tx.Rollback(ctx)

	for _, u := range updates {
		if _, execErr := tx.Exec(ctx, updateAnomalySQL, u.PriceID, u.ErrorFlag, u.ErrorReason); execErr != nil {
			return fmt.Errorf("update error flag: %w", execErr)
		}
	}

	if _, execErr := tx.Exec(ctx, advanceCursorSQL, StageAnomaly, upToRunID); execErr != nil {
		return fmt.Errorf("advance anomaly cursor: %w", execErr)
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return fmt.Errorf("commit anomaly batch: %w", commitErr)
	}
	return nil
}

// CommitHotnessBatch applies hotness decisions and advances the hotness
// cursor in one transaction.
func (s *Store) CommitHotnessBatch(ctx context.Context, upToRunID int64, updates []HotnessUpdate) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, beginErr := db.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("begin hotness commit: %w", beginErr)
	}
	defer tx.Rollback(ctx)

	for _, u := range updates {
		if _, execErr := tx.Exec(ctx, updateHotnessSQL, u.PriceID, u.IsHot, u.HotnessScore); execErr != nil {
			return fmt.Errorf("update hotness: %w", execErr)
		}
	}

	if _, execErr := tx.Exec(ctx, advanceCursorSQL, StageHotness, upToRunID); execErr != nil {
		return fmt.Errorf("advance hotness cursor: %w", execErr)
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return fmt.Errorf("commit hotness batch: %w", commitErr)
	}
	return nil
}

// MaterializationCandidates recomputes latest-wins projections for every
// (smartphone, retailer) key touched by runs newer than afterRunID. The query
// reads full price state, so reprocessing a window is safe.
func (s *Store) MaterializationCandidates(ctx context.Context, afterRunID int64) ([]APIRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, materializationCandidatesSQL, afterRunID)
	if queryErr != nil {
		return nil, fmt.Errorf("materialization candidates: %w", queryErr)
	}
	defer rows.Close()

	records := make([]APIRecord, 0)
	for rows.Next() {
		var rec APIRecord
		var priceStr string
		if err := rows.Scan(
			&rec.PriceID,
			&rec.SmartphoneID,
			&rec.RetailerID,
			&rec.RetailerName,
			&priceStr,
			&rec.ProductURL,
			&rec.IsHot,
			&rec.HotnessScore,
			&rec.OEM,
			&rec.Model,
			&rec.ColorVariant,
			&rec.RAMVariant,
			&rec.ROMVariant,
			&rec.VariantRank,
			&rec.OS,
			&rec.RunID,
		); err != nil {
			return nil, err
		}

		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse candidate price: %w", convErr)
		}
		rec.Price = price
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CommitAPIRecords upserts read-side rows and advances the materialize cursor
// in one transaction. The upsert keeps the greater run_id, so stale rows never
// overwrite fresh ones.
func (s *Store) CommitAPIRecords(ctx context.Context, upToRunID int64, records []APIRecord) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}

	tx, beginErr := db.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("begin materialize commit: %w", beginErr)
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		if _, execErr := tx.Exec(ctx, upsertAPIRecordSQL,
			rec.PriceID,
			rec.SmartphoneID,
			rec.RetailerID,
			rec.RetailerName,
			rec.Price.String(),
			rec.ProductURL,
			rec.IsHot,
			rec.HotnessScore,
			rec.OEM,
			rec.Model,
			rec.ColorVariant,
			rec.RAMVariant,
			rec.ROMVariant,
			rec.VariantRank,
			rec.OS,
			rec.RunID,
		); execErr != nil {
			return fmt.Errorf("upsert api record: %w", execErr)
		}
	}

	if _, execErr := tx.Exec(ctx, advanceCursorSQL, StageMaterialize, upToRunID); execErr != nil {
		return fmt.Errorf("advance materialize cursor: %w", execErr)
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return fmt.Errorf("commit materialize batch: %w", commitErr)
	}
	return nil
}

// ListAPIRecords serves read-side rows with exact-match filters.
func (s *Store) ListAPIRecords(ctx context.Context, filter APIFilter) ([]APIRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	query := `SELECT
        price_id, smartphone_id, retailer_id, retailer_name, price, product_url,
        is_hot, hotness_score, oem, model, color_variant, ram_variant,
        rom_variant, variant_rank, os, run_id, updated_at
    FROM data_for_api`

	conditions := make([]string, 0, 4)
	args := make([]any, 0, 4)
	if filter.OEM != "" {
		args = append(args, filter.OEM)
		conditions = append(conditions, fmt.Sprintf("oem = $%d", len(args)))
	}
	if filter.Model != "" {
		args = append(args, filter.Model)
		conditions = append(conditions, fmt.Sprintf("model = $%d", len(args)))
	}
	if filter.RetailerName != "" {
		args = append(args, strings.ToLower(filter.RetailerName))
		conditions = append(conditions, fmt.Sprintf("retailer_name = $%d", len(args)))
	}
	if filter.HotOnly {
		conditions = append(conditions, "is_hot")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	if filter.OrderByPrice {
		query += " ORDER BY price ASC, price_id ASC"
	} else {
		query += " ORDER BY hotness_score DESC, price ASC, price_id ASC"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d;", len(args))

	rows, queryErr := db.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list api records: %w", queryErr)
	}
	defer rows.Close()

	return scanAPIRecords(rows)
}

// HotDeals lists hot rows from the latest materialized run, best score first.
func (s *Store) HotDeals(ctx context.Context, minScore, limit int) ([]APIRecord, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, hotDealsSQL, minScore, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("hot deals: %w", queryErr)
	}
	defer rows.Close()

	return scanAPIRecords(rows)
}

// VariantPriceHistory lists unflagged observations for an oem/model over time.
func (s *Store) VariantPriceHistory(ctx context.Context, oem, model string) ([]PricePoint, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	rows, queryErr := db.Query(ctx, variantPriceHistorySQL, oem, model)
	if queryErr != nil {
		return nil, fmt.Errorf("variant price history: %w", queryErr)
	}
	defer rows.Close()

	points := make([]PricePoint, 0)
	for rows.Next() {
		var point PricePoint
		var priceStr string
		if err := rows.Scan(&point.RecordedAt, &priceStr, &point.IsHot); err != nil {
			return nil, err
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse history price: %w", convErr)
		}
		point.Price = price
		points = append(points, point)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return points, nil
}

func scanAPIRecords(rows pgx.Rows) ([]APIRecord, error) {
	records := make([]APIRecord, 0)
	for rows.Next() {
		var rec APIRecord
		var priceStr string
		if err := rows.Scan(
			&rec.PriceID,
			&rec.SmartphoneID,
			&rec.RetailerID,
			&rec.RetailerName,
			&priceStr,
			&rec.ProductURL,
			&rec.IsHot,
			&rec.HotnessScore,
			&rec.OEM,
			&rec.Model,
			&rec.ColorVariant,
			&rec.RAMVariant,
			&rec.ROMVariant,
			&rec.VariantRank,
			&rec.OS,
			&rec.RunID,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}

		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse api record price: %w", convErr)
		}
		rec.Price = price
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanSmartphone(rows pgx.Rows) (Smartphone, error) {
	var phone Smartphone
	if err := rows.Scan(
		&phone.SmartphoneID,
		&phone.OEM,
		&phone.Model,
		&phone.ColorVariant,
		&phone.RAMVariant,
		&phone.ROMVariant,
		&phone.VariantRank,
		&phone.OS,
		&phone.Condition,
		&phone.SearchQuery,
		&phone.IsActive,
	); err != nil {
		return Smartphone{}, err
	}
	return phone, nil
}
