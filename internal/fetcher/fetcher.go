package fetcher

import "context"

// SearchFetcher retrieves shopping listings from the external price-search
// service. Results keep the source's loosely structured fields as key/value
// pairs so raw payloads survive storage byte-for-byte.
type SearchFetcher interface {
	FetchShoppingResults(ctx context.Context, query string) ([]map[string]string, error)
}
