package fetcher

import (
	"context"
)

// SymbolFetcher resolves the set of symbols a feed should subscribe to.
type SymbolFetcher interface {
	FetchSymbols(ctx context.Context, limit int) ([]string, error)
}
