package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"price-radar/internal/retry"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testOptions(baseURL string) ShoppingOptions {
	return ShoppingOptions{
		BaseURL:      baseURL,
		APIKey:       "test-key",
		Engine:       "google_shopping",
		Location:     "Mexico",
		GoogleDomain: "google.com.mx",
		Country:      "mx",
		Language:     "es",
		Timeout:      time.Second,
	}
}

func TestShoppingFetchMissingAPIKey(t *testing.T) {
	f := NewShopping(ShoppingOptions{}, noopLogger())
	if _, err := f.FetchShoppingResults(context.Background(), "query"); err == nil {
		t.Fatal("missing api key should return an error")
	}
}

func TestShoppingFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("engine") != "google_shopping" {
			t.Fatalf("expected google_shopping engine, got %s", q.Get("engine"))
		}
		if q.Get("gl") != "mx" || q.Get("hl") != "es" {
			t.Fatalf("market params missing: gl=%s hl=%s", q.Get("gl"), q.Get("hl"))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"shopping_results": []map[string]any{
				{
					"position":        1,
					"title":           "Galaxy S24 256GB",
					"source":          "Amazon.com.mx",
					"extracted_price": 18999.0,
					"link":            "https://amzn.mx/item",
					"currency":        "MXN",
				},
				{
					"title":  "Galaxy S24 sin precio",
					"source": "Liverpool",
				},
			},
		})
	}))
	defer srv.Close()

	f := NewShopping(testOptions(srv.URL), noopLogger())
	results, err := f.FetchShoppingResults(context.Background(), "Samsung Galaxy S24")
	if err != nil {
		t.Fatalf("successful response should not error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0]["extracted_price"] != "18999" {
		t.Fatalf("expected extracted_price 18999, got %q", results[0]["extracted_price"])
	}
	if _, ok := results[1]["extracted_price"]; ok {
		t.Fatal("missing price should not appear in the payload")
	}
}

func TestShoppingFetchRateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewShopping(testOptions(srv.URL), noopLogger())
	_, err := f.FetchShoppingResults(context.Background(), "query")
	if err == nil {
		t.Fatal("HTTP 429 should return an error")
	}
	if !retry.IsTransient(err) {
		t.Fatalf("rate limits must be retryable: %v", err)
	}
}

func TestShoppingFetchClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := NewShopping(testOptions(srv.URL), noopLogger())
	_, err := f.FetchShoppingResults(context.Background(), "query")
	if err == nil {
		t.Fatal("HTTP 401 should return an error")
	}
	if retry.IsTransient(err) {
		t.Fatal("authentication failures must not be retried")
	}
}

func TestShoppingFetchAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Google hasn't returned any results for this query."})
	}))
	defer srv.Close()

	f := NewShopping(testOptions(srv.URL), noopLogger())
	_, err := f.FetchShoppingResults(context.Background(), "query")
	if err == nil {
		t.Fatal("API-level errors should surface")
	}
	if retry.IsTransient(err) {
		t.Fatal("an empty-results error is not transient")
	}
}
