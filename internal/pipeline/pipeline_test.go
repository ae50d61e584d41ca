package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"price-radar/internal/config"
	"price-radar/internal/retry"
	"price-radar/internal/storage"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func transientErr() error {
	return retry.Transient(errors.New("temporarily unavailable"))
}

func strPtr(s string) *string { return &s }

// memStore is an in-memory stand-in for the repository, shared by all stage
// tests. Cursor semantics match the real store: monotonic, advanced inside
// the same commit as the stage output.
type memStore struct {
	cursors   map[string]int64
	phones    map[int64]storage.Smartphone
	retailers map[string]storage.Retailer
	responses []storage.RawResponse
	items     map[int64][]storage.RawItem
	prices    []storage.VariantPrice
	apiRows   map[[2]int64]storage.APIRecord

	nextRetailerID int64
	nextPriceID    int64

	failNormalizeCommit bool
	failAnomalyCommit   bool
}

func newMemStore() *memStore {
	return &memStore{
		cursors:   make(map[string]int64),
		phones:    make(map[int64]storage.Smartphone),
		retailers: make(map[string]storage.Retailer),
		items:     make(map[int64][]storage.RawItem),
		// fixed capacity keeps pointers returned by addPrice stable
		prices:  make([]storage.VariantPrice, 0, 64),
		apiRows: make(map[[2]int64]storage.APIRecord),
	}
}

func (m *memStore) addPhone(p storage.Smartphone) {
	m.phones[p.SmartphoneID] = p
}

func (m *memStore) addRetailer(name, status string) storage.Retailer {
	m.nextRetailerID++
	r := storage.Retailer{
		RetailerID:      m.nextRetailerID,
		RetailerName:    strings.ToLower(name),
		RelevanceStatus: status,
		CreatedAt:       time.Now().UTC(),
	}
	m.retailers[r.RetailerName] = r
	return r
}

func (m *memStore) addResponse(phoneID int64, payloads ...map[string]string) storage.RawResponse {
	resp := storage.RawResponse{
		ResponseID:   int64(len(m.responses) + 1),
		SmartphoneID: phoneID,
		FetchRunID:   "run",
		SearchQuery:  "query",
		RetrievedAt:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	m.responses = append(m.responses, resp)
	for i, payload := range payloads {
		m.items[resp.ResponseID] = append(m.items[resp.ResponseID], storage.RawItem{
			ResponseID: resp.ResponseID,
			ItemID:     int64(i + 1),
			Payload:    payload,
		})
	}
	return resp
}

// addPrice seeds a committed price record directly, bypassing normalization.
func (m *memStore) addPrice(phoneID, retailerID int64, price string, runID int64) *storage.VariantPrice {
	m.nextPriceID++
	phone := m.phones[phoneID]
	var status string
	for _, r := range m.retailers {
		if r.RetailerID == retailerID {
			status = r.RelevanceStatus
		}
	}
	vp := storage.VariantPrice{
		PriceRecord: storage.PriceRecord{
			PriceID:      m.nextPriceID,
			ResponseID:   runID,
			ItemID:       m.nextPriceID,
			SmartphoneID: phoneID,
			RetailerID:   retailerID,
			Price:        decimal.RequireFromString(price),
			Currency:     "MXN",
			RunID:        runID,
			RecordedAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
		Variant:        variantKeyOf(phone),
		RetailerStatus: status,
	}
	m.prices = append(m.prices, vp)
	return &m.prices[len(m.prices)-1]
}

func variantKeyOf(p storage.Smartphone) storage.VariantKey {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	return storage.VariantKey{
		OEM:          p.OEM,
		Model:        p.Model,
		RAMVariant:   deref(p.RAMVariant),
		ROMVariant:   deref(p.ROMVariant),
		ColorVariant: deref(p.ColorVariant),
	}
}

func (m *memStore) GetCursor(_ context.Context, stage string) (int64, error) {
	return m.cursors[stage], nil
}

func (m *memStore) AdvanceCursor(_ context.Context, stage string, responseID int64) error {
	if responseID > m.cursors[stage] {
		m.cursors[stage] = responseID
	}
	return nil
}

func (m *memStore) ListActiveSmartphones(_ context.Context) ([]storage.Smartphone, error) {
	phones := make([]storage.Smartphone, 0, len(m.phones))
	for _, p := range m.phones {
		if p.IsActive {
			phones = append(phones, p)
		}
	}
	sort.Slice(phones, func(i, j int) bool { return phones[i].SmartphoneID < phones[j].SmartphoneID })
	return phones, nil
}

func (m *memStore) SmartphonesByID(_ context.Context, ids []int64) (map[int64]storage.Smartphone, error) {
	out := make(map[int64]storage.Smartphone)
	for _, id := range ids {
		if p, ok := m.phones[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *memStore) RetailerMap(_ context.Context) (map[string]storage.Retailer, error) {
	out := make(map[string]storage.Retailer, len(m.retailers))
	for k, v := range m.retailers {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) EnsureRetailer(_ context.Context, name string) (storage.Retailer, error) {
	key := strings.ToLower(name)
	if r, ok := m.retailers[key]; ok {
		return r, nil
	}
	return m.addRetailer(key, storage.RetailerSuspicious), nil
}

func (m *memStore) InsertRawResponse(_ context.Context, resp storage.RawResponse) (int64, error) {
	resp.ResponseID = int64(len(m.responses) + 1)
	m.responses = append(m.responses, resp)
	return resp.ResponseID, nil
}

func (m *memStore) InsertRawItems(_ context.Context, responseID int64, payloads []map[string]string) error {
	for i, payload := range payloads {
		m.items[responseID] = append(m.items[responseID], storage.RawItem{
			ResponseID: responseID,
			ItemID:     int64(i + 1),
			Payload:    payload,
		})
	}
	return nil
}

func (m *memStore) RawResponsesAfter(_ context.Context, after int64) ([]storage.RawResponse, error) {
	out := make([]storage.RawResponse, 0)
	for _, resp := range m.responses {
		if resp.ResponseID > after {
			out = append(out, resp)
		}
	}
	return out, nil
}

func (m *memStore) RawItemsForResponse(_ context.Context, responseID int64) ([]storage.RawItem, error) {
	return m.items[responseID], nil
}

func (m *memStore) PruneFetchRuns(_ context.Context, keep int) (int64, error) {
	return 0, nil
}

func (m *memStore) CommitNormalizedResponse(ctx context.Context, responseID int64, records []storage.PriceRecord) error {
	if m.failNormalizeCommit {
		return errors.New("commit failed")
	}
	for _, rec := range records {
		exists := false
		for _, existing := range m.prices {
			if existing.ResponseID == rec.ResponseID && existing.ItemID == rec.ItemID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		m.nextPriceID++
		rec.PriceID = m.nextPriceID
		var status string
		for _, r := range m.retailers {
			if r.RetailerID == rec.RetailerID {
				status = r.RelevanceStatus
			}
		}
		m.prices = append(m.prices, storage.VariantPrice{
			PriceRecord:    rec,
			Variant:        variantKeyOf(m.phones[rec.SmartphoneID]),
			RetailerStatus: status,
		})
	}
	return m.AdvanceCursor(ctx, storage.StageNormalize, responseID)
}

func (m *memStore) PricesForScoringAfter(_ context.Context, afterRunID int64) ([]storage.VariantPrice, error) {
	out := make([]storage.VariantPrice, 0)
	for _, vp := range m.prices {
		if vp.RunID > afterRunID {
			out = append(out, vp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceID < out[j].PriceID })
	return out, nil
}

func (m *memStore) VariantBaseline(_ context.Context, key storage.VariantKey, beforePriceID int64, limit int) ([]decimal.Decimal, error) {
	candidates := make([]storage.VariantPrice, 0)
	for _, vp := range m.prices {
		if vp.Variant == key && vp.PriceID < beforePriceID && !vp.ErrorFlag {
			candidates = append(candidates, vp)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].PriceID > candidates[j].PriceID })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]decimal.Decimal, len(candidates))
	for i, vp := range candidates {
		out[i] = vp.Price
	}
	return out, nil
}

func (m *memStore) CommitAnomalyBatch(ctx context.Context, upToRunID int64, updates []storage.AnomalyUpdate) error {
	if m.failAnomalyCommit {
		return errors.New("commit failed")
	}
	for _, u := range updates {
		for i := range m.prices {
			if m.prices[i].PriceID == u.PriceID {
				m.prices[i].ErrorFlag = u.ErrorFlag
				m.prices[i].ErrorReason = u.ErrorReason
			}
		}
	}
	return m.AdvanceCursor(ctx, storage.StageAnomaly, upToRunID)
}

func (m *memStore) CommitHotnessBatch(ctx context.Context, upToRunID int64, updates []storage.HotnessUpdate) error {
	for _, u := range updates {
		for i := range m.prices {
			if m.prices[i].PriceID == u.PriceID {
				m.prices[i].IsHot = u.IsHot
				m.prices[i].HotnessScore = u.HotnessScore
			}
		}
	}
	return m.AdvanceCursor(ctx, storage.StageHotness, upToRunID)
}

func (m *memStore) MaterializationCandidates(_ context.Context, afterRunID int64) ([]storage.APIRecord, error) {
	touched := make(map[[2]int64]bool)
	for _, vp := range m.prices {
		if vp.RunID > afterRunID {
			touched[[2]int64{vp.SmartphoneID, vp.RetailerID}] = true
		}
	}

	winners := make(map[[2]int64]storage.VariantPrice)
	for _, vp := range m.prices {
		if vp.ErrorFlag {
			continue
		}
		key := [2]int64{vp.SmartphoneID, vp.RetailerID}
		if !touched[key] {
			continue
		}
		current, ok := winners[key]
		if !ok || vp.RunID > current.RunID ||
			(vp.RunID == current.RunID && vp.Price.LessThan(current.Price)) {
			winners[key] = vp
		}
	}

	records := make([]storage.APIRecord, 0, len(winners))
	for _, vp := range winners {
		phone := m.phones[vp.SmartphoneID]
		records = append(records, storage.APIRecord{
			PriceID:      vp.PriceID,
			SmartphoneID: vp.SmartphoneID,
			RetailerID:   vp.RetailerID,
			RetailerName: vp.RetailerName,
			Price:        vp.Price,
			ProductURL:   vp.ProductURL,
			IsHot:        vp.IsHot,
			HotnessScore: vp.HotnessScore,
			OEM:          phone.OEM,
			Model:        phone.Model,
			ColorVariant: phone.ColorVariant,
			RAMVariant:   phone.RAMVariant,
			ROMVariant:   phone.ROMVariant,
			VariantRank:  phone.VariantRank,
			OS:           phone.OS,
			RunID:        vp.RunID,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PriceID < records[j].PriceID })
	return records, nil
}

func (m *memStore) CommitAPIRecords(ctx context.Context, upToRunID int64, records []storage.APIRecord) error {
	for _, rec := range records {
		key := [2]int64{rec.SmartphoneID, rec.RetailerID}
		if existing, ok := m.apiRows[key]; ok && rec.RunID < existing.RunID {
			continue
		}
		rec.UpdatedAt = time.Now().UTC()
		m.apiRows[key] = rec
	}
	return m.AdvanceCursor(ctx, storage.StageMaterialize, upToRunID)
}

func (m *memStore) ListAPIRecords(_ context.Context, filter storage.APIFilter) ([]storage.APIRecord, error) {
	out := make([]storage.APIRecord, 0, len(m.apiRows))
	for _, rec := range m.apiRows {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) HotDeals(_ context.Context, minScore, limit int) ([]storage.APIRecord, error) {
	var maxRun int64
	for _, rec := range m.apiRows {
		if rec.RunID > maxRun {
			maxRun = rec.RunID
		}
	}
	out := make([]storage.APIRecord, 0)
	for _, rec := range m.apiRows {
		if rec.IsHot && rec.HotnessScore >= minScore && rec.RunID == maxRun {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) VariantPriceHistory(_ context.Context, oem, model string) ([]storage.PricePoint, error) {
	out := make([]storage.PricePoint, 0)
	for _, vp := range m.prices {
		if vp.Variant.OEM == oem && vp.Variant.Model == model && !vp.ErrorFlag {
			out = append(out, storage.PricePoint{RecordedAt: vp.RecordedAt, Price: vp.Price, IsHot: vp.IsHot})
		}
	}
	return out, nil
}

func testPhone(id int64) storage.Smartphone {
	return storage.Smartphone{
		SmartphoneID: id,
		OEM:          "Samsung",
		Model:        "Galaxy S24",
		RAMVariant:   strPtr("8GB"),
		ROMVariant:   strPtr("256GB"),
		Condition:    "new",
		SearchQuery:  "Samsung Galaxy S24 8GB 256GB",
		IsActive:     true,
	}
}

func anomalyConfig() config.AnomalyConfig {
	return config.AnomalyConfig{
		MADMultiplier:     3.0,
		RelativeThreshold: 0.6,
		MinSamples:        3,
		WindowSize:        50,
		MinAbsolutePrice:  1000,
		MaxAbsolutePrice:  100000,
	}
}

func hotnessConfig() config.HotnessConfig {
	return config.HotnessConfig{
		Threshold:      70,
		FloorWeight:    1.0,
		DiscountWeight: 0.25,
	}
}

func TestNormalizerCreatesPriceRecords(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	store.addRetailer("amazon.com.mx", storage.RetailerVerified)
	resp := store.addResponse(1,
		map[string]string{"source": "Amazon.com.mx", "extracted_price": "18999", "title": "Galaxy S24", "link": "https://amzn.mx/item?x=1"},
		map[string]string{"source": "Liverpool", "title": "no price on this one"},
	)

	n := NewNormalizer(store, store, store, store, store, noopLogger())
	if err := n.Run(context.Background()); err != nil {
		t.Fatalf("normalize run failed: %v", err)
	}

	if len(store.prices) != 1 {
		t.Fatalf("expected 1 price record, got %d", len(store.prices))
	}
	rec := store.prices[0]
	if !rec.Price.Equal(decimal.RequireFromString("18999")) {
		t.Fatalf("unexpected price %s", rec.Price)
	}
	if rec.Currency != "MXN" {
		t.Fatalf("expected default currency MXN, got %s", rec.Currency)
	}
	if rec.RunID != resp.ResponseID {
		t.Fatalf("run id should equal owning response id")
	}
	if store.cursors[storage.StageNormalize] != resp.ResponseID {
		t.Fatalf("normalize cursor should advance to %d, got %d", resp.ResponseID, store.cursors[storage.StageNormalize])
	}
}

func TestNormalizerRegistersUnknownRetailer(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	store.addResponse(1, map[string]string{"source": "Tienda Nueva", "extracted_price": "15000"})

	n := NewNormalizer(store, store, store, store, store, noopLogger())
	if err := n.Run(context.Background()); err != nil {
		t.Fatalf("normalize run failed: %v", err)
	}

	r, ok := store.retailers["tienda nueva"]
	if !ok {
		t.Fatal("unknown retailer should be auto-registered")
	}
	if r.RelevanceStatus != storage.RetailerSuspicious {
		t.Fatalf("new retailer should be suspicious, got %s", r.RelevanceStatus)
	}
}

func TestNormalizerRejectsUsedListings(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	store.addRetailer("mercadolibre", storage.RetailerActive)
	store.addResponse(1,
		map[string]string{"source": "mercadolibre", "extracted_price": "9000", "title": "Galaxy S24 usado como nuevo"},
		map[string]string{"source": "mercadolibre", "extracted_price": "9500", "second_hand_condition": "refurbished"},
	)

	n := NewNormalizer(store, store, store, store, store, noopLogger())
	if err := n.Run(context.Background()); err != nil {
		t.Fatalf("normalize run failed: %v", err)
	}

	if len(store.prices) != 0 {
		t.Fatalf("used listings for a new phone should be rejected, got %d records", len(store.prices))
	}
}

func TestNormalizerReplayIsIdempotent(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	store.addRetailer("amazon.com.mx", storage.RetailerVerified)
	store.addResponse(1, map[string]string{"source": "amazon.com.mx", "extracted_price": "18999"})

	n := NewNormalizer(store, store, store, store, store, noopLogger())
	if err := n.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// Simulate a crash after commit but before anyone observed the cursor:
	// rewinding and re-running must not duplicate records.
	store.cursors[storage.StageNormalize] = 0
	if err := n.Run(context.Background()); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	if len(store.prices) != 1 {
		t.Fatalf("replay should be a no-op, got %d records", len(store.prices))
	}
}

func TestNormalizerCommitFailureKeepsCursor(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	store.addRetailer("amazon.com.mx", storage.RetailerVerified)
	store.addResponse(1, map[string]string{"source": "amazon.com.mx", "extracted_price": "18999"})
	store.failNormalizeCommit = true

	n := NewNormalizer(store, store, store, store, store, noopLogger())
	if err := n.Run(context.Background()); err == nil {
		t.Fatal("commit failure should surface as an error")
	}
	if store.cursors[storage.StageNormalize] != 0 {
		t.Fatal("cursor must not advance when the commit fails")
	}
}

func TestDetectorFlagsRelativeOutlier(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	r := store.addRetailer("amazon.com.mx", storage.RetailerVerified)

	// Baseline run 1: a tight group around 19000 MXN.
	for _, p := range []string{"18900", "19000", "19100", "18950", "19050"} {
		store.addPrice(1, r.RetailerID, p, 1)
	}
	store.cursors[storage.StageAnomaly] = 1

	normal := store.addPrice(1, r.RetailerID, "18900", 2)
	outlier := store.addPrice(1, r.RetailerID, "1500", 2)

	d := NewDetector(store, store, anomalyConfig(), noopLogger())
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("anomaly run failed: %v", err)
	}

	if normal.ErrorFlag {
		t.Fatalf("price near the median should not be flagged: %v", *normal)
	}
	if !outlier.ErrorFlag {
		t.Fatal("price far below the median should be flagged")
	}
	if outlier.ErrorReason == nil || *outlier.ErrorReason == "" {
		t.Fatal("flagged record should carry a reason")
	}
	if store.cursors[storage.StageAnomaly] != 2 {
		t.Fatalf("anomaly cursor should advance to run 2, got %d", store.cursors[storage.StageAnomaly])
	}
}

func TestDetectorNeedsMinimumSamples(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	r := store.addRetailer("amazon.com.mx", storage.RetailerVerified)

	store.addPrice(1, r.RetailerID, "19000", 1)
	store.addPrice(1, r.RetailerID, "19100", 1)
	store.cursors[storage.StageAnomaly] = 1

	// Wildly different from the two baseline samples, but still inside the
	// absolute range: unknown, not anomalous.
	candidate := store.addPrice(1, r.RetailerID, "5000", 2)

	d := NewDetector(store, store, anomalyConfig(), noopLogger())
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("anomaly run failed: %v", err)
	}

	if candidate.ErrorFlag {
		t.Fatal("groups below the minimum sample count must never be flagged")
	}
}

func TestDetectorAbsoluteBounds(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	r := store.addRetailer("amazon.com.mx", storage.RetailerVerified)

	tooCheap := store.addPrice(1, r.RetailerID, "500", 1)
	tooDear := store.addPrice(1, r.RetailerID, "250000", 1)

	d := NewDetector(store, store, anomalyConfig(), noopLogger())
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("anomaly run failed: %v", err)
	}

	if !tooCheap.ErrorFlag || !tooDear.ErrorFlag {
		t.Fatal("prices outside the absolute range should be flagged even without history")
	}
}

func TestDetectorAbsoluteBoundsSkipForeignCurrency(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	r := store.addRetailer("amazon.com", storage.RetailerVerified)

	// 900 USD is a plausible phone price; the MXN-calibrated band must not
	// apply to it.
	foreign := store.addPrice(1, r.RetailerID, "900", 1)
	foreign.Currency = "USD"

	d := NewDetector(store, store, anomalyConfig(), noopLogger())
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("anomaly run failed: %v", err)
	}

	if foreign.ErrorFlag {
		t.Fatal("the absolute band only applies to the default currency")
	}
}

func TestDetectorCommitFailureKeepsCursor(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	r := store.addRetailer("amazon.com.mx", storage.RetailerVerified)

	for _, p := range []string{"18900", "19000", "19100", "18950", "19050"} {
		store.addPrice(1, r.RetailerID, p, 1)
	}
	store.cursors[storage.StageAnomaly] = 1

	outlier := store.addPrice(1, r.RetailerID, "1500", 2)
	store.failAnomalyCommit = true

	d := NewDetector(store, store, anomalyConfig(), noopLogger())
	if err := d.Run(context.Background()); err == nil {
		t.Fatal("commit failure should surface as an error")
	}
	if store.cursors[storage.StageAnomaly] != 1 {
		t.Fatalf("cursor must stay at its pre-run value, got %d", store.cursors[storage.StageAnomaly])
	}
	if outlier.ErrorFlag {
		t.Fatal("no flag is visible from an uncommitted batch")
	}

	// The next triggered run reprocesses the same window.
	store.failAnomalyCommit = false
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("retriggered run failed: %v", err)
	}
	if !outlier.ErrorFlag {
		t.Fatal("the retriggered run must reprocess and flag the outlier")
	}
	if store.cursors[storage.StageAnomaly] != 2 {
		t.Fatalf("cursor should advance to run 2 after the retry, got %d", store.cursors[storage.StageAnomaly])
	}
}

func TestScorerMarksHotDeals(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	r := store.addRetailer("amazon.com.mx", storage.RetailerVerified)

	for _, p := range []string{"18000", "19000", "20000"} {
		store.addPrice(1, r.RetailerID, p, 1)
	}
	store.cursors[storage.StageHotness] = 1

	bargain := store.addPrice(1, r.RetailerID, "18000", 2)
	ordinary := store.addPrice(1, r.RetailerID, "18900", 2)

	s := NewScorer(store, store, hotnessConfig(), anomalyConfig(), noopLogger())
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("hotness run failed: %v", err)
	}

	if !bargain.IsHot {
		t.Fatalf("price at the historical minimum should be hot, score %d", bargain.HotnessScore)
	}
	if bargain.HotnessScore != 100 {
		t.Fatalf("price at the historical minimum should score 100, got %d", bargain.HotnessScore)
	}
	if ordinary.IsHot {
		t.Fatalf("a small discount should not be hot, score %d", ordinary.HotnessScore)
	}
	if store.cursors[storage.StageHotness] != 2 {
		t.Fatalf("hotness cursor should advance to run 2, got %d", store.cursors[storage.StageHotness])
	}
}

func TestScorerSkipsFlaggedRecords(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	r := store.addRetailer("amazon.com.mx", storage.RetailerVerified)

	for _, p := range []string{"18000", "19000", "20000"} {
		store.addPrice(1, r.RetailerID, p, 1)
	}
	store.cursors[storage.StageHotness] = 1

	flagged := store.addPrice(1, r.RetailerID, "17000", 2)
	flagged.ErrorFlag = true

	s := NewScorer(store, store, hotnessConfig(), anomalyConfig(), noopLogger())
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("hotness run failed: %v", err)
	}

	if flagged.IsHot || flagged.HotnessScore != 0 {
		t.Fatal("flagged records are excluded from hotness by default")
	}
}

func TestScorerSkipsSuspiciousRetailers(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	verified := store.addRetailer("amazon.com.mx", storage.RetailerVerified)
	shady := store.addRetailer("tienda dudosa", storage.RetailerSuspicious)

	for _, p := range []string{"18000", "19000", "20000"} {
		store.addPrice(1, verified.RetailerID, p, 1)
	}
	store.cursors[storage.StageHotness] = 1

	cheap := store.addPrice(1, shady.RetailerID, "15000", 2)

	s := NewScorer(store, store, hotnessConfig(), anomalyConfig(), noopLogger())
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("hotness run failed: %v", err)
	}

	if cheap.IsHot {
		t.Fatal("suspicious retailers never qualify for the hot ranking")
	}
}

func TestMaterializerLatestRunWins(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	r := store.addRetailer("amazon.com.mx", storage.RetailerVerified)

	old := store.addPrice(1, r.RetailerID, "17000", 1)
	old.ProductURL = strPtr("https://amzn.mx/item?ref=tracking&x=1")
	fresh := store.addPrice(1, r.RetailerID, "18500", 2)
	fresh.ProductURL = strPtr("https://amzn.mx/item?ref=tracking&x=2")

	m := NewMaterializer(store, store, noopLogger())
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("materialize run failed: %v", err)
	}

	row, ok := store.apiRows[[2]int64{1, r.RetailerID}]
	if !ok {
		t.Fatal("expected one materialized row per (smartphone, retailer)")
	}
	if !row.Price.Equal(decimal.RequireFromString("18500")) {
		t.Fatalf("the newest run wins even at a higher price, got %s", row.Price)
	}
	if row.ProductURL == nil || *row.ProductURL != "https://amzn.mx/item" {
		t.Fatalf("query string should be stripped from the product url, got %v", row.ProductURL)
	}
	if store.cursors[storage.StageMaterialize] != 2 {
		t.Fatalf("materialize cursor should advance to run 2, got %d", store.cursors[storage.StageMaterialize])
	}
}

func TestMaterializerSkipsMalformedURL(t *testing.T) {
	store := newMemStore()
	store.addPhone(testPhone(1))
	r := store.addRetailer("amazon.com.mx", storage.RetailerVerified)

	rec := store.addPrice(1, r.RetailerID, "18500", 1)
	rec.ProductURL = strPtr("notaurl")

	m := NewMaterializer(store, store, noopLogger())
	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("materialize run failed: %v", err)
	}

	if _, ok := store.apiRows[[2]int64{1, r.RetailerID}]; ok {
		t.Fatal("candidates with malformed urls should be skipped")
	}
}

// stubStage runs a scripted sequence of results.
type stubStage struct {
	name string
	errs []error
	runs int
}

func (s *stubStage) Name() string { return s.name }

func (s *stubStage) Run(context.Context) error {
	s.runs++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func fastRetry() config.RetryConfig {
	return config.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestOrchestratorRetriesTransientFailures(t *testing.T) {
	transient := fmt.Errorf("wrapped: %w", transientErr())
	stage := &stubStage{name: "normalize", errs: []error{transient, transient}}

	o := NewOrchestrator([]Stage{stage}, fastRetry(), noopLogger())
	result := o.Run(context.Background())

	if !result.Success() {
		t.Fatalf("two transient failures fit in the retry budget: %v", result.Err())
	}
	if stage.runs != 3 {
		t.Fatalf("expected 3 attempts, got %d", stage.runs)
	}
}

func TestOrchestratorExhaustsRetryBudget(t *testing.T) {
	transient := transientErr()
	stage := &stubStage{name: "normalize", errs: []error{transient, transient, transient, transient}}

	o := NewOrchestrator([]Stage{stage}, fastRetry(), noopLogger())
	result := o.Run(context.Background())

	if result.Success() {
		t.Fatal("four consecutive transient failures must exhaust the budget")
	}
	if stage.runs != 4 {
		t.Fatalf("MaxRetries=3 means 4 total attempts, got %d", stage.runs)
	}
}

func TestOrchestratorIsolatesStageFailures(t *testing.T) {
	failing := &stubStage{name: "anomaly", errs: []error{errors.New("boom")}}
	downstream := &stubStage{name: "hotness"}

	o := NewOrchestrator([]Stage{failing, downstream}, fastRetry(), noopLogger())
	result := o.Run(context.Background())

	if result.Success() {
		t.Fatal("a failed stage must mark the run unsuccessful")
	}
	if failing.runs != 1 {
		t.Fatalf("non-transient errors are not retried, got %d attempts", failing.runs)
	}
	if downstream.runs != 1 {
		t.Fatal("downstream stages still run after an upstream failure")
	}
	if result.Err() == nil || !strings.Contains(result.Err().Error(), "anomaly") {
		t.Fatalf("aggregated error should name the failed stage: %v", result.Err())
	}
	if o.State() != StateIdle {
		t.Fatalf("orchestrator should return to idle, got %s", o.State())
	}
}

func TestHotnessScoreMonotonicInPrice(t *testing.T) {
	cfg := hotnessConfig()
	center := decimal.NewFromInt(10000)
	floor := decimal.NewFromInt(8000)

	prev := 101
	for _, p := range []int64{8000, 8500, 9000, 9500, 9999, 10000, 12000} {
		score := hotnessScore(decimal.NewFromInt(p), center, floor, cfg)
		if score < 0 || score > 100 {
			t.Fatalf("score out of range for price %d: %d", p, score)
		}
		if score > prev {
			t.Fatalf("score must not increase with price: price %d scored %d after %d", p, score, prev)
		}
		prev = score
	}

	if hotnessScore(decimal.NewFromInt(8000), center, floor, cfg) != 100 {
		t.Fatal("a price at the historical minimum should saturate at 100")
	}
	if hotnessScore(center, center, floor, cfg) != 0 {
		t.Fatal("a price at the median scores zero")
	}
}
