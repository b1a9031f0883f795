package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"kb-engine/internal/adapter/queue"
	"kb-engine/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stubs ---

type stubSource struct {
	mu       sync.Mutex
	pending  []queue.Message // consumed in one batch per Read
	stale    []queue.Message
	readErr  error
	acked    []string
	ensured  int
	claimErr error
}

func (s *stubSource) Stream() string { return "kb:document:uploaded" }
func (s *stubSource) Group() string  { return "parse-workers" }

func (s *stubSource) EnsureGroup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured++
	return nil
}

func (s *stubSource) Read(ctx context.Context) ([]queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	if len(s.pending) == 0 {
		// Stand in for the blocking XREADGROUP so the loop does not spin hot.
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	batch := s.pending
	s.pending = nil
	return batch, nil
}

func (s *stubSource) Ack(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, messageID)
	return nil
}

func (s *stubSource) ClaimStale(ctx context.Context, minIdle time.Duration) ([]queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	claimed := s.stale
	s.stale = nil
	return claimed, nil
}

func (s *stubSource) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.acked))
	copy(out, s.acked)
	return out
}

type stubHandler struct {
	mu          sync.Mutex
	handled     []string // event IDs in handling order
	failEventID string
	capturedCtx context.Context
}

func (h *stubHandler) Stage() string { return "parse" }

func (h *stubHandler) Handle(ctx context.Context, event *domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, event.EventID)
	h.capturedCtx = ctx
	if event.EventID == h.failEventID {
		return errors.New("embedder unreachable")
	}
	return nil
}

func (h *stubHandler) handledIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.handled))
	copy(out, h.handled)
	return out
}

func makeMessage(t *testing.T, id string) queue.Message {
	t.Helper()
	event, err := domain.NewEvent(domain.EventTypeDocumentUploaded, domain.DocumentUploadedPayload{
		DocumentID:      uuid.New(),
		KnowledgeBaseID: uuid.New(),
	})
	require.NoError(t, err)
	return queue.Message{ID: id, Event: *event}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// --- tests ---

func TestNextBackoff_DoublesAndCaps(t *testing.T) {
	assert.Equal(t, initialBackoff, nextBackoff(0))
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second))
	assert.Equal(t, 4*time.Second, nextBackoff(2*time.Second))

	bo := time.Duration(0)
	for i := 0; i < 20; i++ {
		bo = nextBackoff(bo)
	}
	assert.Equal(t, maxBackoff, bo, "backoff must cap at maxBackoff")
}

func TestProcessOne_AcksAfterSuccess(t *testing.T) {
	source := &stubSource{}
	handler := &stubHandler{}
	w := NewStageWorker(source, handler, Options{MessageTimeout: time.Minute}, testLogger())

	msg := makeMessage(t, "1-0")
	w.processOne(context.Background(), msg)

	assert.Equal(t, []string{msg.Event.EventID}, handler.handledIDs())
	assert.Equal(t, []string{"1-0"}, source.ackedIDs())
}

func TestProcessOne_ContextHasTimeout(t *testing.T) {
	source := &stubSource{}
	handler := &stubHandler{}
	w := NewStageWorker(source, handler, Options{MessageTimeout: time.Minute}, testLogger())

	w.processOne(context.Background(), makeMessage(t, "1-0"))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.NotNil(t, handler.capturedCtx, "Handle should have been called")
	deadline, ok := handler.capturedCtx.Deadline()
	assert.True(t, ok, "context passed to Handle must have a deadline")
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}

func TestProcessOne_HandlerErrorLeavesMessagePending(t *testing.T) {
	failing := makeMessage(t, "1-0")
	source := &stubSource{}
	handler := &stubHandler{failEventID: failing.Event.EventID}
	w := NewStageWorker(source, handler, Options{MessageTimeout: time.Minute}, testLogger())

	w.processOne(context.Background(), failing)

	assert.Len(t, handler.handledIDs(), 1)
	assert.Empty(t, source.ackedIDs(), "failed messages must stay pending for redelivery")
}

func TestProcessBatch_SkipsRemainderOnStop(t *testing.T) {
	source := &stubSource{}
	handler := &stubHandler{}
	w := NewStageWorker(source, handler, Options{MessageTimeout: time.Minute}, testLogger())
	close(w.stopChan)

	w.processBatch(context.Background(), []queue.Message{
		makeMessage(t, "1-0"),
		makeMessage(t, "2-0"),
	})

	assert.Empty(t, handler.handledIDs())
	assert.Empty(t, source.ackedIDs())
}

func TestSweepStale_ProcessesClaimedMessages(t *testing.T) {
	stale := makeMessage(t, "9-0")
	source := &stubSource{stale: []queue.Message{stale}}
	handler := &stubHandler{}
	w := NewStageWorker(source, handler, Options{
		MessageTimeout: time.Minute,
		ClaimMinIdle:   30 * time.Second,
	}, testLogger())

	w.sweepStale(context.Background())

	assert.Equal(t, []string{stale.Event.EventID}, handler.handledIDs())
	assert.Equal(t, []string{"9-0"}, source.ackedIDs())
}

func TestSweepStale_ClaimFailureIsNonFatal(t *testing.T) {
	source := &stubSource{claimErr: errors.New("redis down")}
	handler := &stubHandler{}
	w := NewStageWorker(source, handler, Options{
		MessageTimeout: time.Minute,
		ClaimMinIdle:   30 * time.Second,
	}, testLogger())

	w.sweepStale(context.Background())

	assert.Empty(t, handler.handledIDs())
}

func TestStageWorker_StartConsumesAndStops(t *testing.T) {
	source := &stubSource{pending: []queue.Message{
		makeMessage(t, "1-0"),
		makeMessage(t, "2-0"),
	}}
	handler := &stubHandler{}
	w := NewStageWorker(source, handler, Options{MessageTimeout: time.Minute}, testLogger())

	require.NoError(t, w.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return len(source.ackedIDs()) == 2
	}, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Equal(t, 1, source.ensured, "Start must create the consumer group")
	assert.Equal(t, []string{"1-0", "2-0"}, source.acked)
}

func TestStageWorker_ReadFailureBacksOff(t *testing.T) {
	source := &stubSource{readErr: errors.New("connection refused")}
	handler := &stubHandler{}
	w := NewStageWorker(source, handler, Options{MessageTimeout: time.Minute}, testLogger())

	require.NoError(t, w.Start(context.Background()))

	// The loop is sleeping out its backoff; Stop must still return promptly.
	time.Sleep(20 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not interrupt the backoff sleep")
	}

	assert.GreaterOrEqual(t, w.backoff, initialBackoff)
}
