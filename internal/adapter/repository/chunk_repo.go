package repository

import (
	"context"
	"fmt"

	"kb-engine/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// maxContentBytes bounds the stored content column. The splitter keeps
// chunks far below this; the cap catches pathological per-KB chunk_size
// settings before they reach the row.
const maxContentBytes = 32 << 10

type chunkRepository struct {
	pool *pgxpool.Pool
}

// NewChunkRepository creates a new ChunkRepository backed by Postgres.
func NewChunkRepository(pool *pgxpool.Pool) domain.ChunkRepository {
	return &chunkRepository{pool: pool}
}

type dbExecutor interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *chunkRepository) getExecutor(ctx context.Context) dbExecutor {
	tx := ExtractTx(ctx)
	if tx != nil {
		return tx
	}
	return r.pool
}

func (r *chunkRepository) InsertChunks(ctx context.Context, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(chunks))
	for i, chunk := range chunks {
		rows[i] = []interface{}{
			chunk.ID,
			chunk.DocumentID,
			chunk.KnowledgeBaseID,
			chunk.Seq,
			domain.TruncateBytes(chunk.Content, maxContentBytes),
			chunk.StartOffset,
			chunk.EndOffset,
			chunk.Embedding,
		}
	}

	_, err := r.getExecutor(ctx).CopyFrom(
		ctx,
		pgx.Identifier{"kb_chunks"},
		[]string{"id", "document_id", "knowledge_base_id", "seq", "content", "start_offset", "end_offset", "embedding"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to bulk insert chunks: %w", err)
	}

	return nil
}

func (r *chunkRepository) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error) {
	tag, err := r.getExecutor(ctx).Exec(ctx,
		`DELETE FROM kb_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks for document %s: %w", documentID, err)
	}
	return tag.RowsAffected(), nil
}

func (r *chunkRepository) Search(ctx context.Context, embedding pgvector.Vector, knowledgeBaseIDs []uuid.UUID, limit int) ([]domain.VectorHit, error) {
	if len(knowledgeBaseIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	// Cosine distance lands in [0,2]; (2 - d) / 2 maps it onto [0,1].
	query := `
		SELECT id, document_id, content, (2 - (embedding <=> $1)) / 2 AS score
		FROM kb_chunks
		WHERE knowledge_base_id = ANY($2)
		ORDER BY embedding <=> $1
		LIMIT $3
	`
	rows, err := r.getExecutor(ctx).Query(ctx, query, embedding, knowledgeBaseIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to run vector search: %w", err)
	}
	defer rows.Close()

	var hits []domain.VectorHit
	for rows.Next() {
		var h domain.VectorHit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Content, &h.Score); err != nil {
			return nil, fmt.Errorf("failed to scan vector hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return hits, nil
}
