// Package fulltext mirrors chunk rows into Meilisearch for keyword search.
// Chunks keep the same IDs as the vector store so fusion can join hits
// across both sides.
package fulltext

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ikawaha/kagome/v2/tokenizer"
	"github.com/meilisearch/meilisearch-go"

	"kb-engine/internal/domain"
	"kb-engine/internal/tokenize"
)

// DefaultIndexName is the Meilisearch index holding all chunk documents.
const DefaultIndexName = "kb_chunks"

// taskPollInterval is how often WaitForTask polls Meilisearch.
const taskPollInterval = 100 * time.Millisecond

type chunkDocument struct {
	ID              string `json:"id"`
	DocumentID      string `json:"document_id"`
	KnowledgeBaseID string `json:"knowledge_base_id"`
	Seq             int    `json:"seq"`
	Content         string `json:"content"`
	FileName        string `json:"file_name"`
}

// MeiliIndex implements domain.FullTextIndex on a Meilisearch index.
type MeiliIndex struct {
	client    meilisearch.ServiceManager
	index     meilisearch.IndexManager
	indexName string
	tokenizer *tokenizer.Tokenizer
	logger    *slog.Logger
}

var _ domain.FullTextIndex = (*MeiliIndex)(nil)

// NewMeiliIndex creates the adapter. The tokenizer may be nil; CJK queries
// then go to the engine unsegmented.
func NewMeiliIndex(client meilisearch.ServiceManager, indexName string, tok *tokenizer.Tokenizer, logger *slog.Logger) *MeiliIndex {
	if indexName == "" {
		indexName = DefaultIndexName
	}
	return &MeiliIndex{
		client:    client,
		index:     client.Index(indexName),
		indexName: indexName,
		tokenizer: tok,
		logger:    logger,
	}
}

// EnsureIndex creates the index when missing and pins the attributes the
// adapter depends on: filterable ids for scoped search and delete, content
// ranked above file_name.
func (m *MeiliIndex) EnsureIndex(ctx context.Context) error {
	if _, err := m.index.FetchInfo(); err != nil {
		task, err := m.client.CreateIndex(&meilisearch.IndexConfig{
			Uid:        m.indexName,
			PrimaryKey: "id",
		})
		if err != nil {
			return fmt.Errorf("failed to create index %s: %w", m.indexName, err)
		}
		if err := m.waitForTask(task.TaskUID, "create index"); err != nil {
			return err
		}
	}

	filterable := []string{"document_id", "knowledge_base_id"}
	task, err := m.index.UpdateFilterableAttributes(&filterable)
	if err != nil {
		return fmt.Errorf("failed to set filterable attributes: %w", err)
	}
	if err := m.waitForTask(task.TaskUID, "filterable attributes"); err != nil {
		return err
	}

	searchable := []string{"content", "file_name"}
	task, err = m.index.UpdateSearchableAttributes(&searchable)
	if err != nil {
		return fmt.Errorf("failed to set searchable attributes: %w", err)
	}
	return m.waitForTask(task.TaskUID, "searchable attributes")
}

func (m *MeiliIndex) IndexChunks(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	docs := make([]chunkDocument, len(chunks))
	for i, c := range chunks {
		docs[i] = chunkDocument{
			ID:              c.ID,
			DocumentID:      c.DocumentID.String(),
			KnowledgeBaseID: c.KnowledgeBaseID.String(),
			Seq:             c.Seq,
			Content:         c.Content,
			FileName:        doc.FileName,
		}
	}

	start := time.Now()
	task, err := m.index.AddDocuments(docs)
	if err != nil {
		return fmt.Errorf("failed to add documents to fulltext index: %w", err)
	}
	if err := m.waitForTask(task.TaskUID, "add documents"); err != nil {
		return err
	}

	m.logger.Info("fulltext_index_completed",
		"document_id", doc.ID.String(),
		"chunk_count", len(chunks),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (m *MeiliIndex) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	filter := fmt.Sprintf("document_id = %q", documentID.String())

	task, err := m.index.DeleteDocumentsByFilter(filter)
	if err != nil {
		return fmt.Errorf("failed to delete fulltext documents for %s: %w", documentID, err)
	}
	return m.waitForTask(task.TaskUID, "delete by document")
}

func (m *MeiliIndex) Search(ctx context.Context, query string, knowledgeBaseIDs []uuid.UUID, limit int) ([]domain.KeywordHit, error) {
	if len(knowledgeBaseIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	// Meilisearch matches CJK better on pre-segmented word units.
	segmented := tokenize.SegmentQuery(m.tokenizer, query)

	quoted := make([]string, len(knowledgeBaseIDs))
	for i, id := range knowledgeBaseIDs {
		quoted[i] = fmt.Sprintf("%q", id.String())
	}

	req := &meilisearch.SearchRequest{
		Query:            segmented,
		Limit:            int64(limit),
		Filter:           fmt.Sprintf("knowledge_base_id IN [%s]", strings.Join(quoted, ", ")),
		ShowRankingScore: true,
	}

	result, err := m.index.Search(segmented, req)
	if err != nil {
		return nil, fmt.Errorf("fulltext search failed: %w", err)
	}

	hits := make([]domain.KeywordHit, 0, len(result.Hits))
	for _, raw := range result.Hits {
		hitMap, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		docID, err := uuid.Parse(getString(hitMap, "document_id"))
		if err != nil {
			m.logger.Warn("fulltext_hit_bad_document_id",
				"chunk_id", getString(hitMap, "id"),
				"error", err)
			continue
		}

		hits = append(hits, domain.KeywordHit{
			ChunkID:    getString(hitMap, "id"),
			DocumentID: docID,
			Content:    getString(hitMap, "content"),
			Score:      normalizeScore(hitMap),
		})
	}
	return hits, nil
}

func (m *MeiliIndex) waitForTask(taskUID int64, op string) error {
	task, err := m.index.WaitForTask(taskUID, taskPollInterval)
	if err != nil {
		return fmt.Errorf("failed to wait for %s task: %w", op, err)
	}
	if task.Status != meilisearch.TaskStatusSucceeded {
		return fmt.Errorf("%s task %d finished as %s: %s", op, taskUID, task.Status, task.Error.Message)
	}
	return nil
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// normalizeScore pins the contract that keyword scores leave the adapter in
// [0,1]. Meilisearch ranking scores already are; absent scores rank last.
func normalizeScore(hit map[string]interface{}) float32 {
	v, ok := hit["_rankingScore"]
	if !ok {
		return 0
	}
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return float32(f)
}
