package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/memoryd/internal/logging"
	"github.com/stellarlinkco/memoryd/internal/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingEmbedder wraps the hash embedder, recording texts in call order.
// When gate is set the first call blocks until it is closed.
type recordingEmbedder struct {
	mu      sync.Mutex
	inner   *vector.HashEmbedder
	texts   []string
	started chan struct{}
	gate    chan struct{}
	failOn  string
}

func newRecordingEmbedder() *recordingEmbedder {
	return &recordingEmbedder{inner: vector.NewHashEmbedder(16)}
}

func (e *recordingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.texts = append(e.texts, text)
	first := len(e.texts) == 1
	e.mu.Unlock()
	if first && e.gate != nil {
		close(e.started)
		<-e.gate
	}
	if e.failOn != "" && text == e.failOn {
		return nil, errors.New("embedding service down")
	}
	return e.inner.Embed(ctx, text)
}

func (e *recordingEmbedder) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.texts...)
}

func newTestIndex(t *testing.T) *vector.ChromemIndex {
	t.Helper()
	idx, err := vector.NewChromemIndex("", false)
	require.NoError(t, err)
	return idx
}

func processedRecord(id, topic string) *Record {
	return &Record{
		MemoryID: id,
		Meta: Meta{
			CreatedAt:        time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
			Participants:     []string{"alice", "bob"},
			CompressionStage: StageRaw,
			MessageCount:     4,
		},
		Content:             Content{Processed: &Processed{TopicSummary: topic}},
		PersonalityFiltered: defaultPersonalityFilter(),
		Tags:                []string{"chat"},
	}
}

func TestSearchText(t *testing.T) {
	rec := processedRecord("mem_1", "trip")
	rec.Content.Processed.Summary = "we planned a trip"
	rec.Content.Processed.KeyTopics = []string{"travel", "Lisbon"}
	rec.Compression.V2 = &V2Result{CoreMemory: "Lisbon in May"}
	assert.Equal(t, "trip\nwe planned a trip\ntravel, Lisbon\nLisbon in May", SearchText(rec))

	skeleton := &Record{Content: Content{Raw: "1. Bob: hi"}}
	assert.Equal(t, "1. Bob: hi", SearchText(skeleton))
	assert.Empty(t, SearchText(&Record{}))
}

func TestIndexMemory(t *testing.T) {
	idx := newTestIndex(t)
	now := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	ix := NewIndexer(idx, newRecordingEmbedder(), nil, WithIndexerClock(fixedClock(now)), WithIndexerLogger(logging.Discard()))

	res := ix.IndexMemory(context.Background(), "alice", processedRecord("mem_1", "trip"))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, now, *res.IndexedAt)

	again := ix.IndexMemory(context.Background(), "alice", processedRecord("mem_1", "trip again"))
	require.True(t, again.Success)
	n, err := idx.Count("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "upsert keyed by memoryId")

	matches, err := ix.Search(context.Background(), "alice", "trip again", 3)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "mem_1", matches[0].ID)
	assert.Equal(t, "bob", matches[0].Metadata["partnerId"])
	assert.Equal(t, "raw", matches[0].Metadata["compressionStage"])

	bad := ix.IndexMemory(context.Background(), "alice", &Record{MemoryID: "mem_empty"})
	assert.False(t, bad.Success)
	assert.NotEmpty(t, bad.Error)

	require.NoError(t, ix.Unindex(context.Background(), "alice", "mem_1"))
	n, err = idx.Count("alice")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestIndexConversationMemory_FIFOPerOwner(t *testing.T) {
	emb := newRecordingEmbedder()
	emb.started = make(chan struct{})
	emb.gate = make(chan struct{})
	ix := NewIndexer(newTestIndex(t), emb, nil, WithIndexerLogger(logging.Discard()))
	ctx := context.Background()

	first := make(chan *IndexTicket, 1)
	go func() { first <- ix.IndexConversationMemory(ctx, "alice", processedRecord("mem_1", "one")) }()
	<-emb.started

	assert.True(t, ix.IsIndexing("alice"))
	assert.False(t, ix.IsIndexing("bob"))
	assert.Equal(t, IndexRunning, ix.GetIndexingStatus("alice").Status)

	second := ix.IndexConversationMemory(ctx, "alice", processedRecord("mem_2", "two"))
	third := ix.IndexConversationMemory(ctx, "alice", processedRecord("mem_3", "three"))
	assert.True(t, second.Queued)
	assert.Equal(t, 1, second.QueuePosition)
	assert.Equal(t, 2, third.QueuePosition)
	assert.Equal(t, 2, ix.Stats().Queued)

	close(emb.gate)
	ticket := <-first
	assert.False(t, ticket.Queued)
	require.NotNil(t, ticket.Result)
	assert.True(t, ticket.Result.Success)

	ix.Wait()
	assert.Equal(t, []string{"one", "two", "three"}, emb.calls())
	assert.False(t, ix.IsIndexing("alice"))
	st := ix.GetIndexingStatus("alice")
	assert.Equal(t, IndexComplete, st.Status)
	assert.Equal(t, 3, st.Indexed)
	assert.Equal(t, 0, st.QueueLength)
}

func TestIndexConversationMemory_MarksRecord(t *testing.T) {
	s := newTestStore(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	saved, err := s.SaveMemory("alice", "bob", MemoryInput{
		Processed: &Processed{Summary: "a walk in the park", TopicSummary: "walk"},
	}, true)
	require.NoError(t, err)

	ix := NewIndexer(newTestIndex(t), newRecordingEmbedder(), s, WithIndexerLogger(logging.Discard()))
	ticket := ix.IndexConversationMemory(context.Background(), "alice", saved.Record)
	ix.Wait()
	require.True(t, ticket.Result.Success)

	rec, err := s.LoadMemory(saved.FilePath)
	require.NoError(t, err)
	assert.True(t, rec.VectorIndex.Indexed)
	require.NotNil(t, rec.VectorIndex.IndexedAt)
}

func TestIndexConversationMemory_FailureSetsErrorStatus(t *testing.T) {
	emb := newRecordingEmbedder()
	emb.failOn = "broken"
	ix := NewIndexer(newTestIndex(t), emb, nil, WithIndexerLogger(logging.Discard()))

	ticket := ix.IndexConversationMemory(context.Background(), "alice", processedRecord("mem_1", "broken"))
	ix.Wait()
	assert.False(t, ticket.Result.Success)
	st := ix.GetIndexingStatus("alice")
	assert.Equal(t, IndexError, st.Status)
	assert.Equal(t, 1, st.Failed)
	assert.Contains(t, st.LastError, "embedding service down")
}

func TestIndexBatch(t *testing.T) {
	emb := newRecordingEmbedder()
	emb.failOn = "bad"
	ix := NewIndexer(newTestIndex(t), emb, nil, WithIndexBatch(2, 2), WithIndexerLogger(logging.Discard()))

	records := []*Record{
		processedRecord("mem_1", "one"),
		processedRecord("mem_2", "bad"),
		processedRecord("mem_3", "three"),
		processedRecord("mem_4", "four"),
		processedRecord("mem_5", "five"),
	}
	var progress [][2]int
	res := ix.IndexBatch(context.Background(), "alice", records, func(done, total int) {
		progress = append(progress, [2]int{done, total})
	})

	assert.Equal(t, 5, res.Total)
	assert.Equal(t, 4, res.Indexed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"mem_1", "mem_3", "mem_4", "mem_5"}, res.MemoryIDs)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "mem_2", res.Errors[0].MemoryID)
	assert.Equal(t, [][2]int{{2, 5}, {4, 5}, {5, 5}}, progress)
}

func TestReindex(t *testing.T) {
	s := newTestStore(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	for _, topic := range []string{"park", "lunch"} {
		_, err := s.SaveMemory("alice", "bob", MemoryInput{Processed: &Processed{Summary: topic, TopicSummary: topic}}, true)
		require.NoError(t, err)
	}
	_, err := s.SaveMemory("alice", "bob", MemoryInput{Processed: &Processed{Summary: "manual"}}, false)
	require.NoError(t, err)

	ix := NewIndexer(newTestIndex(t), newRecordingEmbedder(), s, WithIndexerLogger(logging.Discard()))
	res, err := ix.Reindex(context.Background(), "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Indexed)

	left, err := s.GetMemoriesNeedingIndex("alice")
	require.NoError(t, err)
	assert.Empty(t, left)

	_, err = NewIndexer(newTestIndex(t), newRecordingEmbedder(), nil).Reindex(context.Background(), "alice", nil)
	require.Error(t, err)
}

func TestReindex_SerializedWithOwnerQueue(t *testing.T) {
	s := newTestStore(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	_, err := s.SaveMemory("alice", "bob", MemoryInput{Processed: &Processed{Summary: "park", TopicSummary: "park"}}, true)
	require.NoError(t, err)

	emb := newRecordingEmbedder()
	emb.started = make(chan struct{})
	emb.gate = make(chan struct{})
	ix := NewIndexer(newTestIndex(t), emb, s, WithIndexerLogger(logging.Discard()))
	ctx := context.Background()

	done := make(chan *BatchResult, 1)
	go func() {
		res, err := ix.Reindex(ctx, "alice", nil)
		assert.NoError(t, err)
		done <- res
	}()
	<-emb.started
	assert.True(t, ix.IsIndexing("alice"))

	_, err = ix.Reindex(ctx, "alice", nil)
	assert.ErrorIs(t, err, ErrIndexBusy)
	ticket := ix.IndexConversationMemory(ctx, "alice", processedRecord("mem_late", "late"))
	assert.True(t, ticket.Queued)

	close(emb.gate)
	res := <-done
	assert.Equal(t, 1, res.Indexed)
	calls := emb.calls()
	require.Len(t, calls, 2, "queued record drained before Reindex returns")
	assert.Equal(t, "late", calls[1])
	assert.False(t, ix.IsIndexing("alice"))
	assert.Equal(t, 2, ix.GetIndexingStatus("alice").Indexed)
}
