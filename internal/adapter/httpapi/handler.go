// Package httpapi exposes the ingestion pipeline and the hybrid retriever
// over HTTP.
package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"kb-engine/internal/domain"
	"kb-engine/internal/usecase"
)

type Handler struct {
	knowledgeBases usecase.KnowledgeBaseUsecase
	documents      usecase.DocumentUsecase
	retriever      usecase.RetrieveUsecase
}

func NewHandler(
	knowledgeBases usecase.KnowledgeBaseUsecase,
	documents usecase.DocumentUsecase,
	retriever usecase.RetrieveUsecase,
) *Handler {
	return &Handler{
		knowledgeBases: knowledgeBases,
		documents:      documents,
		retriever:      retriever,
	}
}

// Register wires the resource routes onto e.
func (h *Handler) Register(e *echo.Echo) {
	e.POST("/v1/knowledge-bases", h.CreateKnowledgeBase)
	e.GET("/v1/knowledge-bases/:id", h.GetKnowledgeBase)
	e.POST("/v1/knowledge-bases/:id/documents", h.UploadDocument)
	e.GET("/v1/documents/:id", h.GetDocument)
	e.POST("/v1/documents/:id/retry", h.RetryDocument)
	e.DELETE("/v1/documents/:id", h.DeleteDocument)
	e.POST("/v1/retrieve", h.Retrieve)
}

// CreateKnowledgeBaseRequest is the body of POST /v1/knowledge-bases.
type CreateKnowledgeBaseRequest struct {
	Name           string `json:"name"`
	EmbeddingModel string `json:"embedding_model"`
	ChunkSize      int    `json:"chunk_size"`
	ChunkOverlap   int    `json:"chunk_overlap"`
}

// KnowledgeBaseResponse mirrors the KnowledgeBase schema of the contract.
type KnowledgeBaseResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	EmbeddingModel string    `json:"embedding_model"`
	ChunkSize      int       `json:"chunk_size"`
	ChunkOverlap   int       `json:"chunk_overlap"`
	DocumentCount  int       `json:"document_count"`
	ChunkTotal     int       `json:"chunk_total"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UploadAcceptedResponse acknowledges an accepted upload or retry.
type UploadAcceptedResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

// DocumentResponse mirrors the Document schema of the contract.
type DocumentResponse struct {
	ID              string    `json:"id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	FileName        string    `json:"file_name"`
	Status          string    `json:"status"`
	ChunkCount      int       `json:"chunk_count"`
	ErrorMsg        string    `json:"error_msg,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RetrieveRequest is the body of POST /v1/retrieve.
type RetrieveRequest struct {
	Query            string   `json:"query"`
	KnowledgeBaseIDs []string `json:"knowledge_base_ids"`
	TopK             int      `json:"top_k"`
	Threshold        float32  `json:"threshold"`
	Rerank           *bool    `json:"rerank"`
}

// RetrievedChunkResponse is one ranked result with its provenance.
type RetrievedChunkResponse struct {
	ChunkID      string  `json:"chunk_id"`
	DocumentID   string  `json:"document_id"`
	Content      string  `json:"content"`
	Score        float32 `json:"score"`
	VectorScore  float32 `json:"vector_score"`
	KeywordScore float32 `json:"keyword_score"`
	Source       string  `json:"source"`
}

// RetrieveResponse is the body of a successful retrieval.
type RetrieveResponse struct {
	Query    string                   `json:"query"`
	Results  []RetrievedChunkResponse `json:"results"`
	Degraded bool                     `json:"degraded,omitempty"`
}

// Create a knowledge base
// (POST /v1/knowledge-bases)
func (h *Handler) CreateKnowledgeBase(c echo.Context) error {
	var req CreateKnowledgeBaseRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if strings.TrimSpace(req.Name) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing name"})
	}

	kb, err := h.knowledgeBases.Create(c.Request().Context(), usecase.CreateKnowledgeBaseInput{
		Name:           req.Name,
		EmbeddingModel: req.EmbeddingModel,
		ChunkSize:      req.ChunkSize,
		ChunkOverlap:   req.ChunkOverlap,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusCreated, knowledgeBaseJSON(kb))
}

// Get a knowledge base with its document statistics
// (GET /v1/knowledge-bases/:id)
func (h *Handler) GetKnowledgeBase(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid knowledge base id"})
	}

	kb, err := h.knowledgeBases.Get(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, knowledgeBaseJSON(kb))
}

// Upload a document into a knowledge base
// (POST /v1/knowledge-bases/:id/documents)
func (h *Handler) UploadDocument(c echo.Context) error {
	kbID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid knowledge base id"})
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing file field"})
	}
	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable file part"})
	}
	defer src.Close()

	doc, err := h.documents.Upload(c.Request().Context(), usecase.UploadDocumentInput{
		KnowledgeBaseID: kbID,
		FileName:        fileHeader.Filename,
		Size:            fileHeader.Size,
		Body:            src,
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, UploadAcceptedResponse{
		DocumentID: doc.ID.String(),
		Status:     string(doc.Status),
	})
}

// Get a document and its pipeline status
// (GET /v1/documents/:id)
func (h *Handler) GetDocument(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid document id"})
	}

	doc, err := h.documents.Get(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, documentJSON(doc))
}

// Re-enter a failed document into the pipeline
// (POST /v1/documents/:id/retry)
func (h *Handler) RetryDocument(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid document id"})
	}

	doc, err := h.documents.Retry(c.Request().Context(), id)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, UploadAcceptedResponse{
		DocumentID: doc.ID.String(),
		Status:     string(doc.Status),
	})
}

// Delete a document, its stored file, and its index entries
// (DELETE /v1/documents/:id)
func (h *Handler) DeleteDocument(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid document id"})
	}

	if err := h.documents.Delete(c.Request().Context(), id); err != nil {
		return errorResponse(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Hybrid retrieval over one or more knowledge bases
// (POST /v1/retrieve)
func (h *Handler) Retrieve(c echo.Context) error {
	var req RetrieveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}
	if strings.TrimSpace(req.Query) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing query"})
	}
	if len(req.KnowledgeBaseIDs) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing knowledge_base_ids"})
	}

	kbIDs := make([]uuid.UUID, 0, len(req.KnowledgeBaseIDs))
	for _, raw := range req.KnowledgeBaseIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid knowledge base id: " + raw})
		}
		kbIDs = append(kbIDs, id)
	}

	output, err := h.retriever.Execute(c.Request().Context(), usecase.RetrieveInput{
		Query:            req.Query,
		KnowledgeBaseIDs: kbIDs,
		TopK:             req.TopK,
		ScoreThreshold:   req.Threshold,
		Rerank:           req.Rerank,
	})
	if err != nil {
		return errorResponse(c, err)
	}

	results := make([]RetrievedChunkResponse, 0, len(output.Results))
	for _, r := range output.Results {
		results = append(results, RetrievedChunkResponse{
			ChunkID:      r.ChunkID,
			DocumentID:   r.DocumentID.String(),
			Content:      r.Content,
			Score:        r.Score,
			VectorScore:  r.VectorScore,
			KeywordScore: r.KeywordScore,
			Source:       string(r.Source),
		})
	}
	return c.JSON(http.StatusOK, RetrieveResponse{
		Query:    req.Query,
		Results:  results,
		Degraded: output.Degraded,
	})
}

func knowledgeBaseJSON(kb *domain.KnowledgeBase) KnowledgeBaseResponse {
	return KnowledgeBaseResponse{
		ID:             kb.ID.String(),
		Name:           kb.Name,
		EmbeddingModel: kb.EmbeddingModel,
		ChunkSize:      kb.ChunkSize,
		ChunkOverlap:   kb.ChunkOverlap,
		DocumentCount:  kb.DocumentCount,
		ChunkTotal:     kb.ChunkTotal,
		CreatedAt:      kb.CreatedAt,
		UpdatedAt:      kb.UpdatedAt,
	}
}

func documentJSON(doc *domain.Document) DocumentResponse {
	return DocumentResponse{
		ID:              doc.ID.String(),
		KnowledgeBaseID: doc.KnowledgeBaseID.String(),
		FileName:        doc.FileName,
		Status:          string(doc.Status),
		ChunkCount:      doc.ChunkCount,
		ErrorMsg:        doc.ErrorMsg,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
}

// errorResponse maps domain errors onto the contract's status codes.
func errorResponse(c echo.Context, err error) error {
	return c.JSON(errorStatus(err), map[string]string{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrKnowledgeBaseNotFound),
		errors.Is(err, domain.ErrDocumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidStatusTransition),
		errors.Is(err, domain.ErrDocumentBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, domain.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrRetrievalUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
