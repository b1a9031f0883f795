package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	version = "dev"

	// Search command flags
	searchKBs       []string
	searchTopK      int
	searchThreshold float64
	searchRerank    bool

	// Create-kb command flags
	kbChunkSize    int
	kbChunkOverlap int
	kbModel        string

	// Seed command flags
	seedCursorFile string
	seedReset      bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "kbctl",
	Short:   "Administer a kb-engine instance",
	Long: `Administer a kb-engine instance over its HTTP API.

The target server is read from the KB_ENGINE_URL environment variable
(default http://localhost:9400).`,
	Version: version,
}

var createKBCmd = &cobra.Command{
	Use:   "create-kb <name>",
	Short: "Create a knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE:  createKnowledgeBase,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <knowledge-base-id> <file>",
	Short: "Upload a document into a knowledge base",
	Args:  cobra.ExactArgs(2),
	RunE:  uploadDocument,
}

var seedCmd = &cobra.Command{
	Use:   "seed <knowledge-base-id> <dir>",
	Short: "Upload every supported document under a directory",
	Long: `Upload every supported document under a directory, in sorted order.

Progress is checkpointed to a cursor file after every document, so an
interrupted run resumes where it left off.

Examples:
  # Seed a knowledge base from a docs tree
  kbctl seed 6f1e... ./docs

  # Start over, ignoring a previous run's cursor
  kbctl seed 6f1e... ./docs --reset`,
	Args: cobra.ExactArgs(2),
	RunE: runSeed,
}

var statusCmd = &cobra.Command{
	Use:   "status <document-id>",
	Short: "Show a document and its pipeline status",
	Args:  cobra.ExactArgs(1),
	RunE:  showStatus,
}

var retryCmd = &cobra.Command{
	Use:   "retry <document-id>",
	Short: "Re-enter a failed document into the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE:  retryDocument,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Delete a document, its stored file, and its index entries",
	Args:  cobra.ExactArgs(1),
	RunE:  deleteDocument,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run a hybrid retrieval query",
	Long: `Run a hybrid retrieval query against one or more knowledge bases.

Examples:
  # Search a single knowledge base
  kbctl search "how do I rotate the api key" --kb 6f1e...

  # Search two knowledge bases, keep the best 3 above 0.5
  kbctl search "deployment checklist" --kb 6f1e... --kb 9a2c... --top-k 3 --threshold 0.5

  # Force the cross-encoder rerank pass on
  kbctl search "token refresh" --kb 6f1e... --rerank`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	createKBCmd.Flags().IntVar(&kbChunkSize, "chunk-size", 500, "chunk size in tokens")
	createKBCmd.Flags().IntVar(&kbChunkOverlap, "chunk-overlap", 50, "chunk overlap in tokens")
	createKBCmd.Flags().StringVar(&kbModel, "model", "", "embedding model (server default when empty)")

	searchCmd.Flags().StringArrayVar(&searchKBs, "kb", nil, "knowledge base id to search (repeatable)")
	searchCmd.Flags().IntVar(&searchTopK, "top-k", 5, "number of results to return")
	searchCmd.Flags().Float64Var(&searchThreshold, "threshold", 0, "minimum fused score")
	searchCmd.Flags().BoolVar(&searchRerank, "rerank", false, "override the server's rerank setting")

	seedCmd.Flags().StringVar(&seedCursorFile, "cursor-file", ".kbctl-seed.json", "cursor file path")
	seedCmd.Flags().BoolVar(&seedReset, "reset", false, "ignore any existing cursor and start from the beginning")

	rootCmd.AddCommand(createKBCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(searchCmd)
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func serverURL() string {
	if url := os.Getenv("KB_ENGINE_URL"); url != "" {
		return strings.TrimRight(url, "/")
	}
	return "http://localhost:9400"
}

// Local mirrors of the server's response bodies.
type knowledgeBaseResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	EmbeddingModel string `json:"embedding_model"`
	ChunkSize      int    `json:"chunk_size"`
	ChunkOverlap   int    `json:"chunk_overlap"`
	DocumentCount  int    `json:"document_count"`
	ChunkTotal     int    `json:"chunk_total"`
	CreatedAt      string `json:"created_at"`
}

type uploadAcceptedResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
}

type documentResponse struct {
	ID              string `json:"id"`
	KnowledgeBaseID string `json:"knowledge_base_id"`
	FileName        string `json:"file_name"`
	Status          string `json:"status"`
	ChunkCount      int    `json:"chunk_count"`
	ErrorMsg        string `json:"error_msg"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type retrieveRequest struct {
	Query            string   `json:"query"`
	KnowledgeBaseIDs []string `json:"knowledge_base_ids"`
	TopK             int      `json:"top_k"`
	Threshold        float64  `json:"threshold"`
	Rerank           *bool    `json:"rerank,omitempty"`
}

type retrievedChunk struct {
	ChunkID      string  `json:"chunk_id"`
	DocumentID   string  `json:"document_id"`
	Content      string  `json:"content"`
	Score        float64 `json:"score"`
	VectorScore  float64 `json:"vector_score"`
	KeywordScore float64 `json:"keyword_score"`
	Source       string  `json:"source"`
}

type retrieveResponse struct {
	Query    string           `json:"query"`
	Results  []retrievedChunk `json:"results"`
	Degraded bool             `json:"degraded"`
}

func createKnowledgeBase(cmd *cobra.Command, args []string) error {
	payload := map[string]any{
		"name":          args[0],
		"chunk_size":    kbChunkSize,
		"chunk_overlap": kbChunkOverlap,
	}
	if kbModel != "" {
		payload["embedding_model"] = kbModel
	}

	var kb knowledgeBaseResponse
	if err := doJSON(http.MethodPost, "/v1/knowledge-bases", payload, &kb); err != nil {
		return err
	}

	fmt.Printf("Knowledge Base created:\n")
	fmt.Printf("  ID:            %s\n", kb.ID)
	fmt.Printf("  Name:          %s\n", kb.Name)
	fmt.Printf("  Model:         %s\n", kb.EmbeddingModel)
	fmt.Printf("  Chunk Size:    %d\n", kb.ChunkSize)
	fmt.Printf("  Chunk Overlap: %d\n", kb.ChunkOverlap)
	return nil
}

func uploadDocument(cmd *cobra.Command, args []string) error {
	accepted, err := uploadFile(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Printf("Upload accepted: %s (status: %s)\n", accepted.DocumentID, accepted.Status)
	return nil
}

func uploadFile(kbID, filePath string) (uploadAcceptedResponse, error) {
	var accepted uploadAcceptedResponse

	f, err := os.Open(filePath)
	if err != nil {
		return accepted, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return accepted, fmt.Errorf("build form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return accepted, fmt.Errorf("read file: %w", err)
	}
	if err := form.Close(); err != nil {
		return accepted, fmt.Errorf("finish form: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, serverURL()+"/v1/knowledge-bases/"+kbID+"/documents", &buf)
	if err != nil {
		return accepted, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := httpClient.Do(req)
	if err != nil {
		return accepted, fmt.Errorf("upload document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return accepted, apiError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		return accepted, fmt.Errorf("decode response: %w", err)
	}
	return accepted, nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	kbID, dir := args[0], args[1]

	manager := NewCursorManager(seedCursorFile)
	if err := manager.Lock(); err != nil {
		return err
	}
	defer manager.Unlock()

	if seedReset {
		if err := manager.Reset(); err != nil {
			return err
		}
	}
	cursor, err := manager.Load()
	if err != nil {
		return err
	}

	files, err := collectSeedFiles(dir)
	if err != nil {
		return fmt.Errorf("scan %s: %w", dir, err)
	}
	if len(files) == 0 {
		fmt.Println("No supported documents found.")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var uploaded, failed, skipped int
	for _, rel := range files {
		if !cursor.IsEmpty() && rel <= cursor.LastFile {
			skipped++
			continue
		}
		select {
		case <-ctx.Done():
			fmt.Printf("Seed interrupted, cursor saved for resume (%d uploaded, %d failed)\n", uploaded, failed)
			return nil
		default:
		}

		accepted, err := uploadFile(kbID, filepath.Join(dir, rel))
		if err != nil {
			fmt.Printf("Failed %s: %v\n", rel, err)
			failed++
			cursor.FailedCount++
		} else {
			fmt.Printf("Uploaded %s: %s\n", rel, accepted.DocumentID)
			uploaded++
			cursor.UploadedCount++
		}

		cursor.LastFile = rel
		if err := manager.Save(cursor); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
	}

	fmt.Printf("Seed complete. Total: %d, Uploaded: %d, Failed: %d, Skipped: %d\n",
		len(files), uploaded, failed, skipped)
	return nil
}

// collectSeedFiles returns the supported files under root as sorted
// root-relative paths. The sort order is what the seed cursor positions
// against.
func collectSeedFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !seedableExt(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func seedableExt(path string) bool {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "pdf", "docx", "html", "htm", "txt", "md", "markdown":
		return true
	}
	return false
}

func showStatus(cmd *cobra.Command, args []string) error {
	var doc documentResponse
	if err := doJSON(http.MethodGet, "/v1/documents/"+args[0], nil, &doc); err != nil {
		return err
	}

	fmt.Printf("Document:\n")
	fmt.Printf("  ID:             %s\n", doc.ID)
	fmt.Printf("  Knowledge Base: %s\n", doc.KnowledgeBaseID)
	fmt.Printf("  File:           %s\n", doc.FileName)
	fmt.Printf("  Status:         %s\n", doc.Status)
	fmt.Printf("  Chunks:         %d\n", doc.ChunkCount)
	if doc.ErrorMsg != "" {
		fmt.Printf("  Error:          %s\n", doc.ErrorMsg)
	}
	fmt.Printf("  Created At:     %s\n", doc.CreatedAt)
	fmt.Printf("  Updated At:     %s\n", doc.UpdatedAt)
	return nil
}

func retryDocument(cmd *cobra.Command, args []string) error {
	var accepted uploadAcceptedResponse
	if err := doJSON(http.MethodPost, "/v1/documents/"+args[0]+"/retry", nil, &accepted); err != nil {
		return err
	}
	fmt.Printf("Retry accepted: %s (status: %s)\n", accepted.DocumentID, accepted.Status)
	return nil
}

func deleteDocument(cmd *cobra.Command, args []string) error {
	if err := doJSON(http.MethodDelete, "/v1/documents/"+args[0], nil, nil); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	if len(searchKBs) == 0 {
		return fmt.Errorf("at least one --kb is required")
	}

	payload := retrieveRequest{
		Query:            strings.Join(args, " "),
		KnowledgeBaseIDs: searchKBs,
		TopK:             searchTopK,
		Threshold:        searchThreshold,
	}
	// Only an explicit --rerank / --rerank=false overrides the server default.
	if cmd.Flags().Changed("rerank") {
		payload.Rerank = &searchRerank
	}

	var out retrieveResponse
	if err := doJSON(http.MethodPost, "/v1/retrieve", payload, &out); err != nil {
		return err
	}

	if out.Degraded {
		fmt.Println("(degraded: one search backend was unavailable)")
	}
	if len(out.Results) == 0 {
		fmt.Println("No results.")
		return nil
	}
	for i, r := range out.Results {
		fmt.Printf("%d. [%.4f] doc=%s source=%s\n", i+1, r.Score, r.DocumentID, r.Source)
		fmt.Printf("   %s\n", truncate(r.Content, 300))
	}
	return nil
}

func doJSON(method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL()+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return apiError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
