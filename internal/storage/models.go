package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Smartphone is a catalog entry whose search query drives ingestion. Each row
// identifies one variant (model, RAM, storage, color).
type Smartphone struct {
	SmartphoneID int64
	OEM          string
	Model        string
	ColorVariant *string
	RAMVariant   *string
	ROMVariant   *string
	VariantRank  *int
	OS           *string
	Condition    string
	SearchQuery  string
	IsActive     bool
}

// Retailer is a seller observed in search results. Unknown retailers are
// auto-registered as suspicious until reviewed.
type Retailer struct {
	RetailerID      int64
	RetailerName    string
	RelevanceStatus string
	CreatedAt       time.Time
}

// Retailer relevance statuses.
const (
	RetailerVerified   = "verified"
	RetailerActive     = "active"
	RetailerSuspicious = "suspicious"
)

// RawResponse is one stored search-API payload. Immutable once written.
type RawResponse struct {
	ResponseID   int64
	SmartphoneID int64
	FetchRunID   string
	SearchQuery  string
	RetrievedAt  time.Time
}

// RawItem is a single shopping result extracted from a RawResponse. The
// payload keeps the source's loosely structured key/value fields verbatim.
type RawItem struct {
	ResponseID int64
	ItemID     int64
	Payload    map[string]string
}

// PriceRecord is a normalized per-retailer price observation. The anomaly
// detector sets ErrorFlag in place; the hotness scorer sets IsHot and
// HotnessScore. Records are never deleted, only superseded by newer runs.
type PriceRecord struct {
	PriceID      int64
	ResponseID   int64
	ItemID       int64
	SmartphoneID int64
	RetailerID   int64
	RetailerName string
	Price        decimal.Decimal
	Currency     string
	ProductURL   *string
	RunID        int64
	IsHot        bool
	HotnessScore int
	ErrorFlag    bool
	ErrorReason  *string
	RecordedAt   time.Time
}

// VariantKey groups price observations that are directly comparable.
type VariantKey struct {
	OEM          string
	Model        string
	RAMVariant   string
	ROMVariant   string
	ColorVariant string
}

// APIRecord is the denormalized read-side projection of the latest valid
// PriceRecord per (smartphone, retailer).
type APIRecord struct {
	PriceID      int64
	SmartphoneID int64
	RetailerID   int64
	RetailerName string
	Price        decimal.Decimal
	ProductURL   *string
	IsHot        bool
	HotnessScore int
	OEM          string
	Model        string
	ColorVariant *string
	RAMVariant   *string
	ROMVariant   *string
	VariantRank  *int
	OS           *string
	RunID        int64
	UpdatedAt    time.Time
}

// Cursor records the last fully committed response for one pipeline stage.
type Cursor struct {
	StageName      string
	LastResponseID int64
	UpdatedAt      time.Time
}
