// Package worker runs pipeline stage handlers against their Redis Streams
// consumer groups.
package worker

import (
	"context"
	"log/slog"
	"time"

	"kb-engine/internal/adapter/queue"
	"kb-engine/internal/usecase"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 5 * time.Minute
)

// MessageSource is the slice of queue.StreamConsumer the worker drives.
type MessageSource interface {
	Stream() string
	Group() string
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, messageID string) error
	ClaimStale(ctx context.Context, minIdle time.Duration) ([]queue.Message, error)
}

// Options tunes one stage worker.
type Options struct {
	// MessageTimeout bounds the handling of a single message.
	MessageTimeout time.Duration
	// ClaimMinIdle is the pending age after which messages stranded on a
	// dead consumer are claimed. Zero disables the sweep.
	ClaimMinIdle time.Duration
	// ClaimInterval is how often the sweep runs.
	ClaimInterval time.Duration
}

// StageWorker pulls messages for one pipeline stage and feeds them to its
// handler. Messages are acked only after the handler returns nil; handler
// errors leave them pending so the group redelivers them.
type StageWorker struct {
	source   MessageSource
	handler  usecase.StageHandler
	opts     Options
	logger   *slog.Logger
	stopChan chan struct{}
	doneChan chan struct{}
	backoff  time.Duration
}

// NewStageWorker creates a StageWorker. Zero options get sensible defaults.
func NewStageWorker(source MessageSource, handler usecase.StageHandler, opts Options, logger *slog.Logger) *StageWorker {
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = 10 * time.Minute
	}
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = time.Minute
	}
	return &StageWorker{
		source:   source,
		handler:  handler,
		opts:     opts,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start ensures the consumer group exists and launches the consume loop.
func (w *StageWorker) Start(ctx context.Context) error {
	if err := w.source.EnsureGroup(ctx); err != nil {
		return err
	}
	w.logger.Info("stage_worker_started",
		slog.String("stage", w.handler.Stage()),
		slog.String("stream", w.source.Stream()),
		slog.String("group", w.source.Group()))
	go w.run(ctx)
	return nil
}

// Stop signals the loop to exit and waits for the in-flight message to finish.
func (w *StageWorker) Stop() {
	close(w.stopChan)
	<-w.doneChan
	w.logger.Info("stage_worker_stopped", slog.String("stage", w.handler.Stage()))
}

func (w *StageWorker) run(ctx context.Context) {
	defer close(w.doneChan)

	var lastClaim time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		default:
		}

		if w.opts.ClaimMinIdle > 0 && time.Since(lastClaim) >= w.opts.ClaimInterval {
			w.sweepStale(ctx)
			lastClaim = time.Now()
		}

		messages, err := w.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.backoff = nextBackoff(w.backoff)
			w.logger.Error("stage_read_failed",
				slog.String("stage", w.handler.Stage()),
				slog.String("error", err.Error()),
				slog.Duration("backoff", w.backoff))
			w.sleep(ctx, w.backoff)
			continue
		}
		w.backoff = 0

		w.processBatch(ctx, messages)
	}
}

// sweepStale claims messages whose consumer died mid-processing and runs
// them through the handler like freshly read ones.
func (w *StageWorker) sweepStale(ctx context.Context) {
	claimed, err := w.source.ClaimStale(ctx, w.opts.ClaimMinIdle)
	if err != nil {
		w.logger.Warn("stale_claim_failed",
			slog.String("stage", w.handler.Stage()),
			slog.String("error", err.Error()))
		return
	}
	if len(claimed) == 0 {
		return
	}
	w.logger.Info("stale_messages_claimed",
		slog.String("stage", w.handler.Stage()),
		slog.Int("count", len(claimed)))
	w.processBatch(ctx, claimed)
}

func (w *StageWorker) processBatch(ctx context.Context, messages []queue.Message) {
	for _, msg := range messages {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		default:
		}
		w.processOne(ctx, msg)
	}
}

func (w *StageWorker) processOne(ctx context.Context, msg queue.Message) {
	msgCtx, cancel := context.WithTimeout(ctx, w.opts.MessageTimeout)
	defer cancel()

	if err := w.handler.Handle(msgCtx, &msg.Event); err != nil {
		// No ack: the group redelivers after the pending timeout.
		w.logger.Error("stage_message_failed",
			slog.String("stage", w.handler.Stage()),
			slog.String("message_id", msg.ID),
			slog.String("event_id", msg.Event.EventID),
			slog.String("error", err.Error()))
		return
	}

	if err := w.source.Ack(ctx, msg.ID); err != nil {
		w.logger.Error("stage_ack_failed",
			slog.String("stage", w.handler.Stage()),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
	}
}

func (w *StageWorker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-w.stopChan:
	case <-timer.C:
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return initialBackoff
	}
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
