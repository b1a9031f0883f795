package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"kb-engine/internal/domain"
)

// EmbeddingClient implements domain.VectorEncoder against an
// ollama-compatible /api/embed endpoint.
type EmbeddingClient struct {
	BaseURL string
	Model   string
	Client  *http.Client

	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ domain.VectorEncoder = (*EmbeddingClient)(nil)

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewEmbeddingClient constructs an EmbeddingClient.
// requestsPerSecond <= 0 disables request pacing. If client is nil, a
// default http.Client with the given timeout is created.
func NewEmbeddingClient(baseURL, model string, requestsPerSecond float64, timeout time.Duration, logger *slog.Logger, client ...*http.Client) *EmbeddingClient {
	var c *http.Client
	if len(client) > 0 && client[0] != nil {
		c = client[0]
	} else {
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &EmbeddingClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		Client:  c,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// Encode embeds texts in a single provider call. The response must carry
// exactly one vector per input.
func (c *EmbeddingClient) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embed rate limit wait: %w", err)
	}

	start := time.Now()
	c.logger.Debug("embed_started",
		slog.Int("text_count", len(texts)),
		slog.String("model", c.Model))

	jsonData, err := json.Marshal(embedRequest{Model: c.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embed request: %w", err)
	}

	url := fmt.Sprintf("%s/api/embed", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		c.logger.Warn("embed_failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)))
		return nil, fmt.Errorf("failed to call embed endpoint: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.logger.Warn("embed_bad_status",
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncateString(string(body), 500)),
			slog.Duration("elapsed", time.Since(start)))
		if isSizeRejection(resp.StatusCode, string(body)) {
			return nil, fmt.Errorf("%w: status %d: %s",
				domain.ErrBatchTooLarge, resp.StatusCode, truncateString(string(body), 200))
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: truncateString(string(body), 500)}
	}

	var respBody embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}

	if len(respBody.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed response carries %d vectors for %d inputs",
			len(respBody.Embeddings), len(texts))
	}

	c.logger.Debug("embed_completed",
		slog.Int("embedding_count", len(respBody.Embeddings)),
		slog.Duration("elapsed", time.Since(start)))

	return respBody.Embeddings, nil
}

// ModelName returns the embedding model identifier.
func (c *EmbeddingClient) ModelName() string {
	return c.Model
}

// isSizeRejection reports whether the provider refused the batch for size.
// Ollama surfaces context overflow as a 500 with an "input length exceeds"
// message; OpenAI-compatible servers answer 400 or 413.
func isSizeRejection(status int, body string) bool {
	if status == http.StatusRequestEntityTooLarge {
		return true
	}
	if status != http.StatusBadRequest && status != http.StatusInternalServerError {
		return false
	}
	lower := strings.ToLower(body)
	return strings.Contains(lower, "too large") ||
		strings.Contains(lower, "context length") ||
		strings.Contains(lower, "input length")
}

// truncateString bounds log fields without emitting a split rune.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return domain.TruncateBytes(s, maxLen) + "..."
}
