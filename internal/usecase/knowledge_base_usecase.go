package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"kb-engine/internal/domain"

	"github.com/google/uuid"
)

// CreateKnowledgeBaseInput carries the creation parameters. Zero values
// fall back to server defaults; the chunking parameters are fixed for the
// lifetime of the knowledge base.
type CreateKnowledgeBaseInput struct {
	Name           string
	EmbeddingModel string
	ChunkSize      int
	ChunkOverlap   int
}

// KnowledgeBaseUsecase manages knowledge base rows.
type KnowledgeBaseUsecase interface {
	Create(ctx context.Context, input CreateKnowledgeBaseInput) (*domain.KnowledgeBase, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.KnowledgeBase, error)
}

type knowledgeBaseUsecase struct {
	kbRepo       domain.KnowledgeBaseRepository
	defaultModel string
	logger       *slog.Logger
}

// NewKnowledgeBaseUsecase creates a KnowledgeBaseUsecase. defaultModel is
// used when a creation request does not name an embedding model.
func NewKnowledgeBaseUsecase(kbRepo domain.KnowledgeBaseRepository, defaultModel string, logger *slog.Logger) KnowledgeBaseUsecase {
	return &knowledgeBaseUsecase{
		kbRepo:       kbRepo,
		defaultModel: defaultModel,
		logger:       logger,
	}
}

func (u *knowledgeBaseUsecase) Create(ctx context.Context, input CreateKnowledgeBaseInput) (*domain.KnowledgeBase, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fmt.Errorf("knowledge base name is empty")
	}
	model := input.EmbeddingModel
	if model == "" {
		model = u.defaultModel
	}

	kb := domain.NewKnowledgeBase(name, model, input.ChunkSize, input.ChunkOverlap)
	if err := u.kbRepo.Create(ctx, kb); err != nil {
		return nil, fmt.Errorf("failed to create knowledge base: %w", err)
	}

	u.logger.Info("knowledge_base_created",
		slog.String("knowledge_base_id", kb.ID.String()),
		slog.String("name", kb.Name),
		slog.String("embedding_model", kb.EmbeddingModel),
		slog.Int("chunk_size", kb.ChunkSize),
		slog.Int("chunk_overlap", kb.ChunkOverlap))

	return kb, nil
}

func (u *knowledgeBaseUsecase) Get(ctx context.Context, id uuid.UUID) (*domain.KnowledgeBase, error) {
	kb, err := u.kbRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get knowledge base: %w", err)
	}
	if kb == nil {
		return nil, domain.ErrKnowledgeBaseNotFound
	}
	return kb, nil
}
