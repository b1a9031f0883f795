package infra

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/meilisearch/meilisearch-go"
)

// NewMeilisearchClient connects to Meilisearch, retrying while the engine
// starts up. Index provisioning is left to the keyword index adapter.
func NewMeilisearchClient(host, apiKey string, logger *slog.Logger) (meilisearch.ServiceManager, error) {
	const maxRetries = 5
	const retryDelay = 5 * time.Second

	if host == "" {
		return nil, fmt.Errorf("meilisearch host is not configured")
	}

	var client meilisearch.ServiceManager

	for i := range maxRetries {
		client = meilisearch.New(host, meilisearch.WithAPIKey(apiKey))

		if _, healthErr := client.Health(); healthErr != nil {
			logger.Warn("meilisearch_not_ready", "attempt", i+1, "max", maxRetries, "error", healthErr)
			if i < maxRetries-1 {
				time.Sleep(retryDelay)
				continue
			}
			return nil, fmt.Errorf("failed to connect to meilisearch after %d attempts: %w", maxRetries, healthErr)
		}

		break
	}

	return client, nil
}
