package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"price-radar/internal/retry"
)

// ShoppingOptions parameterise the shopping-search client.
type ShoppingOptions struct {
	BaseURL      string
	APIKey       string
	Engine       string
	Location     string
	GoogleDomain string
	Country      string
	Language     string
	Timeout      time.Duration
	UserAgent    string
}

// Shopping fetches listings from a SerpAPI-compatible shopping search engine.
type Shopping struct {
	opts    ShoppingOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewShopping constructs a shopping-search fetcher.
func NewShopping(opts ShoppingOptions, logger zerolog.Logger) *Shopping {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://serpapi.com/search"
	}

	return &Shopping{
		opts:    opts,
		logger:  logger.With().Str("component", "shopping_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type shoppingResponse struct {
	Error           string           `json:"error"`
	ShoppingResults []shoppingResult `json:"shopping_results"`
}

type shoppingResult struct {
	Position            int         `json:"position"`
	Title               string      `json:"title"`
	Link                string      `json:"link"`
	ProductID           string      `json:"product_id"`
	Source              string      `json:"source"`
	ExtractedPrice      json.Number `json:"extracted_price"`
	Currency            string      `json:"currency"`
	Snippet             string      `json:"snippet"`
	SecondHandCondition string      `json:"second_hand_condition"`
	Delivery            string      `json:"delivery"`
}

// FetchShoppingResults queries the search service for one catalog entry.
// Rate limits, timeouts, and server-side failures are marked transient so the
// caller's retry budget applies.
func (f *Shopping) FetchShoppingResults(ctx context.Context, query string) ([]map[string]string, error) {
	if f.opts.APIKey == "" {
		return nil, errors.New("search api key required")
	}

	params := url.Values{}
	params.Set("engine", f.opts.Engine)
	params.Set("q", query)
	params.Set("location", f.opts.Location)
	params.Set("google_domain", f.opts.GoogleDomain)
	params.Set("gl", f.opts.Country)
	params.Set("hl", f.opts.Language)
	params.Set("api_key", f.opts.APIKey)

	endpoint := f.baseURL + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("send search request: %w", err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("read search response: %w", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, retry.Transient(fmt.Errorf("search service returned status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("search service returned status %d", resp.StatusCode)
	}

	var decoded shoppingResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	if decoded.Error != "" {
		if isTransientAPIError(decoded.Error) {
			return nil, retry.Transient(fmt.Errorf("search api error: %s", decoded.Error))
		}
		return nil, fmt.Errorf("search api error: %s", decoded.Error)
	}

	results := make([]map[string]string, 0, len(decoded.ShoppingResults))
	for _, r := range decoded.ShoppingResults {
		results = append(results, r.toPayload())
	}

	f.logger.Debug().Str("query", query).Int("results", len(results)).Msg("shopping results fetched")
	return results, nil
}

func isTransientAPIError(msg string) bool {
	lowered := strings.ToLower(msg)
	for _, marker := range []string{"rate limit", "timeout", "temporary"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

func (r shoppingResult) toPayload() map[string]string {
	payload := map[string]string{
		"title":  r.Title,
		"source": r.Source,
	}
	if r.ExtractedPrice != "" {
		payload["extracted_price"] = r.ExtractedPrice.String()
	}
	if r.Position > 0 {
		payload["position"] = fmt.Sprintf("%d", r.Position)
	}
	if r.Link != "" {
		payload["link"] = r.Link
	}
	if r.ProductID != "" {
		payload["product_id"] = r.ProductID
	}
	if r.Currency != "" {
		payload["currency"] = r.Currency
	}
	if r.Snippet != "" {
		payload["snippet"] = r.Snippet
	}
	if r.SecondHandCondition != "" {
		payload["second_hand_condition"] = r.SecondHandCondition
	}
	if r.Delivery != "" {
		payload["delivery"] = r.Delivery
	}
	return payload
}

var _ SearchFetcher = (*Shopping)(nil)
