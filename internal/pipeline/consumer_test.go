package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gleaner-app/gleaner/internal/messaging"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubSource feeds payloads through a channel and imitates the bus
// behavior of a short blocking pop that returns (nil, nil) on timeout.
type stubSource struct {
	payloads chan []byte
}

func (s *stubSource) PopJob(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload := <-s.payloads:
		return payload, nil
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

type recordingProcessor struct {
	mu        sync.Mutex
	processed []*messaging.Job
	done      chan struct{}
}

func (p *recordingProcessor) ProcessJob(_ context.Context, job *messaging.Job) error {
	p.mu.Lock()
	p.processed = append(p.processed, job)
	p.mu.Unlock()
	p.done <- struct{}{}
	return nil
}

func (p *recordingProcessor) feedIDs() map[uuid.UUID]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make(map[uuid.UUID]struct{}, len(p.processed))
	for _, job := range p.processed {
		ids[job.FeedID] = struct{}{}
	}
	return ids
}

type fakeConsumerMetrics struct {
	consumed int64
}

func (m *fakeConsumerMetrics) JobConsumed() {
	atomic.AddInt64(&m.consumed, 1)
}

func jobPayload(t *testing.T, feedID uuid.UUID) []byte {
	t.Helper()
	job := &messaging.Job{JobID: uuid.Must(uuid.NewV4()), FeedID: feedID, ScheduledAt: time.Now().UTC()}
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return payload
}

func waitFor(t *testing.T, done chan struct{}, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for job %d of %d", i+1, n)
		}
	}
}

func TestConsumerPoolSizeBounds(t *testing.T) {
	source := &stubSource{payloads: make(chan []byte)}
	processor := &recordingProcessor{done: make(chan struct{}, 1)}

	assert.Equal(t, 5, NewConsumerPool(source, processor, &fakeConsumerMetrics{}, zap.NewNop().Sugar(), 10).workers)
	assert.Equal(t, 3, NewConsumerPool(source, processor, &fakeConsumerMetrics{}, zap.NewNop().Sugar(), 3).workers)
	assert.Equal(t, 1, NewConsumerPool(source, processor, &fakeConsumerMetrics{}, zap.NewNop().Sugar(), 0).workers)
}

func TestConsumerPoolProcessesQueuedJobs(t *testing.T) {
	source := &stubSource{payloads: make(chan []byte, 8)}
	processor := &recordingProcessor{done: make(chan struct{}, 8)}
	consumerMetrics := &fakeConsumerMetrics{}
	pool := NewConsumerPool(source, processor, consumerMetrics, zap.NewNop().Sugar(), 3)

	want := map[uuid.UUID]struct{}{}
	for i := 0; i < 3; i++ {
		feedID := uuid.Must(uuid.NewV4())
		want[feedID] = struct{}{}
		source.payloads <- jobPayload(t, feedID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		assert.NoError(t, pool.Run(ctx))
		close(runDone)
	}()

	waitFor(t, processor.done, 3)
	pool.Stop()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not drain after Stop")
	}
	assert.Equal(t, want, processor.feedIDs())
	assert.Equal(t, int64(3), atomic.LoadInt64(&consumerMetrics.consumed))
}

func TestConsumerPoolSkipsMalformedPayloads(t *testing.T) {
	source := &stubSource{payloads: make(chan []byte, 8)}
	processor := &recordingProcessor{done: make(chan struct{}, 8)}
	consumerMetrics := &fakeConsumerMetrics{}
	pool := NewConsumerPool(source, processor, consumerMetrics, zap.NewNop().Sugar(), 1)

	feedID := uuid.Must(uuid.NewV4())
	source.payloads <- []byte("{ not json")
	source.payloads <- jobPayload(t, feedID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(runDone)
	}()

	waitFor(t, processor.done, 1)
	pool.Stop()
	<-runDone

	require.Len(t, processor.processed, 1)
	assert.Equal(t, feedID, processor.processed[0].FeedID)
	// Both payloads were popped, only one survived decoding.
	assert.Equal(t, int64(2), atomic.LoadInt64(&consumerMetrics.consumed))
}

func TestConsumerPoolStopWithoutJobs(t *testing.T) {
	source := &stubSource{payloads: make(chan []byte)}
	processor := &recordingProcessor{done: make(chan struct{}, 1)}
	pool := NewConsumerPool(source, processor, &fakeConsumerMetrics{}, zap.NewNop().Sugar(), 2)

	runDone := make(chan struct{})
	go func() {
		pool.Run(context.Background())
		close(runDone)
	}()

	pool.Stop()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("idle pool did not stop")
	}
	assert.Empty(t, processor.processed)
}
