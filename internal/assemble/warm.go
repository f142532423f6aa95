package assemble

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"traced/internal/cache"
	"traced/internal/storage"
)

// WarmCache preloads the newest traces into the response cache so a restart
// does not start cold. Failures are logged and non-fatal for the caller.
func WarmCache(ctx context.Context, store *storage.Store, c *cache.Cache, limit int, log zerolog.Logger) (int, error) {
	if limit <= 0 {
		return 0, nil
	}

	ids, err := store.RecentTraceIDs(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list recent traces: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	batch, err := store.FetchHydratedBatch(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("fetch recent traces: %w", err)
	}

	warmed := 0
	for id, h := range batch {
		c.Insert(id, h)
		warmed++
	}

	log.Info().
		Int("requested", limit).
		Int("warmed", warmed).
		Uint64("cache_bytes", c.CurrentBytes()).
		Msg("cache warmed")
	return warmed, nil
}
