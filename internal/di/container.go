package di

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/meilisearch/meilisearch-go"
	"github.com/redis/go-redis/v9"

	"kb-engine/internal/adapter/fulltext"
	"kb-engine/internal/adapter/provider"
	"kb-engine/internal/adapter/queue"
	"kb-engine/internal/adapter/repository"
	"kb-engine/internal/adapter/storage"
	"kb-engine/internal/domain"
	"kb-engine/internal/infra/config"
	"kb-engine/internal/infra/httpclient"
	"kb-engine/internal/infra/logger"
	"kb-engine/internal/parser"
	"kb-engine/internal/retry"
	"kb-engine/internal/tokenize"
	"kb-engine/internal/usecase"
	"kb-engine/internal/usecase/retrieval"
	"kb-engine/internal/worker"
)

// ApplicationComponents holds all wired dependencies for the application.
type ApplicationComponents struct {
	// Repositories
	DocRepo   domain.DocumentRepository
	KBRepo    domain.KnowledgeBaseRepository
	ChunkRepo domain.ChunkRepository

	// Usecases
	KnowledgeBases usecase.KnowledgeBaseUsecase
	Documents      usecase.DocumentUsecase
	Retriever      usecase.RetrieveUsecase

	// Workers run the pipeline stages, in order: parse, split, vectorize.
	Workers []*worker.StageWorker
}

// NewApplicationComponents wires all dependencies from config and the shared
// infrastructure connections.
func NewApplicationComponents(
	cfg *config.Config,
	pool *pgxpool.Pool,
	redisClient *redis.Client,
	meili meilisearch.ServiceManager,
	log *slog.Logger,
) (*ApplicationComponents, error) {
	// Repositories
	docRepo := repository.NewDocumentRepository(pool)
	kbRepo := repository.NewKnowledgeBaseRepository(pool)
	chunkRepo := repository.NewChunkRepository(pool)
	txManager := repository.NewPostgresTransactionManager(pool)

	// Blob storage
	blobs, err := storage.NewLocalStore(cfg.Storage.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to init blob store: %w", err)
	}

	// Keyword index, with CJK-aware query segmentation
	tok, err := tokenize.InitTokenizer()
	if err != nil {
		return nil, fmt.Errorf("failed to init tokenizer: %w", err)
	}
	fulltextIndex := fulltext.NewMeiliIndex(meili, cfg.Meili.Index, tok, log)

	// Queue transport
	publisher := queue.NewPublisher(redisClient, log)
	docLock := queue.NewDocLock(redisClient, cfg.Pipeline.DocLockTTL)
	consumer := consumerName()

	// Shared HTTP clients with connection pooling
	embedderHTTP := httpclient.NewPooledClient(cfg.Embedding.Timeout)

	// Embedding clients are bound to one model each; knowledge bases pin
	// their own, so the factory builds per-model clients over the shared
	// transport. The retrier absorbs transient provider failures.
	retrier := retry.NewRetrier(embeddingRetryConfig(cfg), provider.IsTransient, log)
	embedderFor := func(model string) usecase.Embedder {
		encoder := provider.NewEmbeddingClient(
			cfg.Embedding.URL, model, cfg.Embedding.RequestsPerSecond,
			cfg.Embedding.Timeout, log, embedderHTTP,
		)
		return usecase.NewEmbedder(
			encoder, retrier,
			cfg.Embedding.BatchSize, cfg.Embedding.MaxBatchTokens,
			cfg.Embedding.MaxConcurrentBatches, log,
		)
	}

	// Queries are embedded with the service default model.
	queryEncoder := provider.NewEmbeddingClient(
		cfg.Embedding.URL, cfg.Embedding.Model, cfg.Embedding.RequestsPerSecond,
		cfg.Embedding.Timeout, log, embedderHTTP,
	)

	// Optional cross-encoder reranker
	var reranker domain.Reranker
	if cfg.Rerank.Enabled {
		reranker = provider.NewRerankerClient(
			cfg.Rerank.URL, cfg.Rerank.Model, cfg.Rerank.Timeout,
			log, httpclient.NewPooledClient(cfg.Rerank.Timeout),
		)
		log.Info("reranker_enabled",
			slog.String("url", cfg.Rerank.URL),
			slog.String("model", cfg.Rerank.Model))
	}

	// Dual-store indexer
	indexer := usecase.NewIndexer(chunkRepo, fulltextIndex, txManager, docLock, log)

	// Usecases
	knowledgeBases := usecase.NewKnowledgeBaseUsecase(kbRepo, cfg.Embedding.Model, log)
	documents := usecase.NewDocumentUsecase(
		docRepo, kbRepo, blobs, publisher, indexer, cfg.Storage.MaxFileSize, log,
	)
	retriever := usecase.NewRetrieveUsecase(chunkRepo, fulltextIndex, queryEncoder, reranker,
		usecase.RetrieveOptions{
			SearchLimit: cfg.Retrieval.SearchLimit,
			Fusion: retrieval.Config{
				RRFK:          cfg.Retrieval.RRFK,
				WeightVector:  cfg.Retrieval.WeightVector,
				WeightKeyword: cfg.Retrieval.WeightKeyword,
			},
			Rerank: retrieval.RerankConfig{
				Enabled: cfg.Rerank.Enabled,
				TopN:    cfg.Rerank.TopN,
				Timeout: cfg.Rerank.Timeout,
			},
			DefaultTopK: cfg.Retrieval.DefaultTopK,
			Timeout:     cfg.Retrieval.Timeout,
			CacheSize:   cfg.Cache.Size,
			CacheTTL:    cfg.Cache.TTL,
		}, log)

	// Stage handlers
	ctxLog := logger.NewContextLoggerWith(log, domain.EventSource)
	docParser := parser.New(log, cfg.Pipeline.ParseTimeout, cfg.Pipeline.PDFPageThreshold)
	parseStage := usecase.NewParseStage(docRepo, blobs, docParser, publisher, ctxLog)
	splitStage := usecase.NewSplitStage(docRepo, kbRepo, publisher, ctxLog)
	vectorizeStage := usecase.NewVectorizeStage(docRepo, kbRepo, embedderFor, indexer, ctxLog)

	// Stage workers, one consumer group per stage
	newConsumer := func(stream, group string) *queue.StreamConsumer {
		return queue.NewStreamConsumer(redisClient, stream, group, consumer,
			cfg.Pipeline.ConsumerBatchSize, cfg.Pipeline.ConsumerBlock)
	}
	workers := []*worker.StageWorker{
		worker.NewStageWorker(
			newConsumer(domain.StreamDocumentUploaded, domain.GroupParserWorkers),
			parseStage,
			worker.Options{
				// Headroom over the parser's own ceiling so a slow parse
				// fails the document, not the message.
				MessageTimeout: cfg.Pipeline.ParseTimeout + time.Minute,
				ClaimMinIdle:   cfg.Pipeline.ClaimMinIdle,
			}, log),
		worker.NewStageWorker(
			newConsumer(domain.StreamDocumentParsed, domain.GroupSplitterWorkers),
			splitStage,
			worker.Options{
				MessageTimeout: cfg.Pipeline.SplitTimeout,
				ClaimMinIdle:   cfg.Pipeline.ClaimMinIdle,
			}, log),
		worker.NewStageWorker(
			newConsumer(domain.StreamDocumentChunked, domain.GroupVectorizerWorkers),
			vectorizeStage,
			worker.Options{
				MessageTimeout: cfg.Pipeline.VectorizeTimeout,
				ClaimMinIdle:   cfg.Pipeline.ClaimMinIdle,
			}, log),
	}

	return &ApplicationComponents{
		DocRepo:        docRepo,
		KBRepo:         kbRepo,
		ChunkRepo:      chunkRepo,
		KnowledgeBases: knowledgeBases,
		Documents:      documents,
		Retriever:      retriever,
		Workers:        workers,
	}, nil
}

// consumerName identifies this process within every consumer group, so
// replicas share the streams and stale-claim sweeps can tell them apart.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "kb-engine"
	}
	return host + "-" + uuid.NewString()[:8]
}

func embeddingRetryConfig(cfg *config.Config) retry.Config {
	rc := retry.DefaultConfig()
	if cfg.Embedding.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.Embedding.MaxAttempts
	}
	return rc
}
