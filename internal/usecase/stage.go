package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"kb-engine/internal/domain"
	"kb-engine/internal/infra/metrics"

	"github.com/google/uuid"
)

// StageHandler processes one event of its pipeline stage. A nil return acks
// the message; an error leaves it pending for redelivery. Terminal document
// errors are handled inside the stage (the document is marked failed and the
// message acked), so only infrastructure errors escape.
type StageHandler interface {
	// Stage names the stage for logs and metrics.
	Stage() string
	Handle(ctx context.Context, event *domain.Event) error
}

// loadDocument fetches the stage's document. A missing row means the
// document was deleted while the event was in flight; the stage logs and
// acks instead of failing.
func loadDocument(ctx context.Context, repo domain.DocumentRepository, id uuid.UUID, stage string, logger *slog.Logger) (*domain.Document, error) {
	doc, err := repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if doc == nil {
		logger.Warn("document_gone_skipping",
			slog.String("document_id", id.String()),
			slog.String("stage", stage))
	}
	return doc, nil
}

// failDocument marks the document failed with the terminal error and acks.
// MarkFailed itself failing is infrastructure: the message redelivers and
// the stage reaches the same terminal error again.
func failDocument(ctx context.Context, repo domain.DocumentRepository, logger *slog.Logger, stage string, docID uuid.UUID, start time.Time, cause error) error {
	if err := repo.MarkFailed(ctx, docID, cause.Error()); err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	metrics.RecordStage(stage, "failed", time.Since(start).Seconds())
	logger.Error("document_failed",
		slog.String("document_id", docID.String()),
		slog.String("stage", stage),
		slog.String("error", cause.Error()))
	return nil
}
