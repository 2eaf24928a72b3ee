package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/memoryd/internal/vector"
)

const (
	defaultIndexBatchSize   = 10
	defaultIndexParallelism = 4
	maxRawSearchText        = 1000
)

var errNoSearchText = errors.New("record has no searchable content")

// ErrIndexBusy is returned by Reindex while the owner has an index job
// running.
var ErrIndexBusy = errors.New("owner is already indexing")

type IndexStatus string

const (
	IndexIdle     IndexStatus = "idle"
	IndexRunning  IndexStatus = "indexing"
	IndexComplete IndexStatus = "complete"
	IndexError    IndexStatus = "error"
)

type IndexResult struct {
	Success   bool       `json:"success"`
	MemoryID  string     `json:"memoryId"`
	IndexedAt *time.Time `json:"indexedAt,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// IndexTicket reports what IndexConversationMemory did with a record:
// either indexed it right away (Result set) or queued it behind the
// owner's running job.
type IndexTicket struct {
	Queued        bool         `json:"queued"`
	QueuePosition int          `json:"queuePosition,omitempty"`
	Result        *IndexResult `json:"result,omitempty"`
}

type BatchError struct {
	MemoryID string `json:"memoryId"`
	Error    string `json:"error"`
}

type BatchResult struct {
	Total     int           `json:"total"`
	Indexed   int           `json:"indexed"`
	Failed    int           `json:"failed"`
	Errors    []BatchError  `json:"errors"`
	MemoryIDs []string      `json:"memoryIds"`
	Duration  time.Duration `json:"duration"`
}

// ProgressFunc is called after each batch group with the records done so far.
type ProgressFunc func(done, total int)

type OwnerIndexStatus struct {
	OwnerID       string      `json:"ownerId"`
	Status        IndexStatus `json:"status"`
	QueueLength   int         `json:"queueLength"`
	Indexed       int         `json:"indexed"`
	Failed        int         `json:"failed"`
	LastIndexedAt *time.Time  `json:"lastIndexedAt,omitempty"`
	LastError     string      `json:"lastError,omitempty"`
}

type IndexerStats struct {
	Owners  int `json:"owners"`
	Busy    int `json:"busy"`
	Queued  int `json:"queued"`
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
}

type ownerQueue struct {
	busy          bool
	pending       []*Record
	status        IndexStatus
	indexed       int
	failed        int
	lastIndexedAt *time.Time
	lastError     string
}

// Indexer keeps each owner's vector collection in sync with the store.
// Work for one owner runs one record at a time in arrival order.
type Indexer struct {
	index       vector.Index
	embedder    vector.Embedder
	store       *Store
	clock       Clock
	logger      *slog.Logger
	batchSize   int
	parallelism int

	mu     sync.Mutex
	owners map[string]*ownerQueue
	drains sync.WaitGroup
}

type IndexerOption func(*Indexer)

func WithIndexerClock(c Clock) IndexerOption { return func(ix *Indexer) { ix.clock = c } }

func WithIndexerLogger(l *slog.Logger) IndexerOption { return func(ix *Indexer) { ix.logger = l } }

func WithIndexBatch(size, parallelism int) IndexerOption {
	return func(ix *Indexer) {
		if size > 0 {
			ix.batchSize = size
		}
		if parallelism > 0 {
			ix.parallelism = parallelism
		}
	}
}

// NewIndexer builds an indexer. store may be nil, in which case successes
// are not written back to the record files.
func NewIndexer(index vector.Index, embedder vector.Embedder, store *Store, opts ...IndexerOption) *Indexer {
	ix := &Indexer{
		index:       index,
		embedder:    embedder,
		store:       store,
		batchSize:   defaultIndexBatchSize,
		parallelism: defaultIndexParallelism,
		owners:      make(map[string]*ownerQueue),
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.logger == nil {
		ix.logger = slog.Default().With("component", "memory-indexer")
	}
	return ix
}

// SearchText is the text embedded for a record.
func SearchText(rec *Record) string {
	var parts []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	if p := rec.Content.Processed; p != nil {
		add(p.TopicSummary)
		add(p.Summary)
		add(strings.Join(p.KeyTopics, ", "))
		add(strings.Join(p.Facts, "; "))
	}
	if v1 := rec.Compression.V1; v1 != nil {
		add(v1.CompressedContent)
	}
	if v2 := rec.Compression.V2; v2 != nil {
		add(v2.CoreMemory)
	}
	if len(parts) == 0 {
		add(truncateRunes(rec.Content.Raw, maxRawSearchText))
	}
	return strings.Join(parts, "\n")
}

func searchMetadata(ownerID string, rec *Record) map[string]string {
	meta := map[string]string{
		"memoryId":         rec.MemoryID,
		"ownerId":          ownerID,
		"partnerId":        rec.PartnerID(),
		"createdAt":        rec.Meta.CreatedAt.UTC().Format(time.RFC3339),
		"compressionStage": firstNonEmpty(string(rec.Meta.CompressionStage), string(StageRaw)),
		"messageCount":     strconv.Itoa(rec.Meta.MessageCount),
		"retentionScore":   strconv.FormatFloat(rec.PersonalityFiltered.RetentionScore, 'f', 2, 64),
		"tags":             strings.Join(rec.Tags, ","),
	}
	if p := rec.Content.Processed; p != nil {
		meta["topicSummary"] = p.TopicSummary
	}
	if rec.Meta.ChunkID != "" {
		meta["chunkId"] = rec.Meta.ChunkID
	}
	return meta
}

// IndexMemory embeds one record and upserts it under its memoryId. It
// reports failure in the result rather than as an error.
func (ix *Indexer) IndexMemory(ctx context.Context, ownerID string, rec *Record) *IndexResult {
	res := &IndexResult{MemoryID: rec.MemoryID}
	if err := ix.indexOne(ctx, ownerID, rec); err != nil {
		res.Error = err.Error()
		ix.logger.Warn("index failed", "owner", ownerID, "memoryId", rec.MemoryID, "err", err)
		return res
	}
	now := ix.clock.now()
	res.Success = true
	res.IndexedAt = &now
	return res
}

func (ix *Indexer) indexOne(ctx context.Context, ownerID string, rec *Record) error {
	text := SearchText(rec)
	if text == "" {
		return errNoSearchText
	}
	embedding, err := ix.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	return ix.index.Upsert(ctx, ownerID, vector.Document{
		ID:        rec.MemoryID,
		Content:   text,
		Embedding: embedding,
		Metadata:  searchMetadata(ownerID, rec),
	})
}

func (ix *Indexer) queue(ownerID string) *ownerQueue {
	q, ok := ix.owners[ownerID]
	if !ok {
		q = &ownerQueue{status: IndexIdle}
		ix.owners[ownerID] = q
	}
	return q
}

// IndexConversationMemory indexes rec now when the owner is idle and then
// drains anything queued meanwhile in the background. When the owner is
// busy the record is queued and the call returns immediately.
func (ix *Indexer) IndexConversationMemory(ctx context.Context, ownerID string, rec *Record) *IndexTicket {
	ix.mu.Lock()
	if !ix.claimLocked(ownerID) {
		q := ix.owners[ownerID]
		q.pending = append(q.pending, rec)
		pos := len(q.pending)
		ix.mu.Unlock()
		ix.logger.Debug("index queued", "owner", ownerID, "memoryId", rec.MemoryID, "position", pos)
		return &IndexTicket{Queued: true, QueuePosition: pos}
	}
	ix.mu.Unlock()

	res := ix.indexAndMark(ctx, ownerID, rec)
	go ix.drain(context.WithoutCancel(ctx), ownerID)
	return &IndexTicket{Result: res}
}

// claimLocked marks the owner busy if it was idle. The caller must follow
// a successful claim with drain, which releases it.
func (ix *Indexer) claimLocked(ownerID string) bool {
	q := ix.queue(ownerID)
	if q.busy {
		return false
	}
	q.busy = true
	q.status = IndexRunning
	ix.drains.Add(1)
	return true
}

func (ix *Indexer) drain(ctx context.Context, ownerID string) {
	defer ix.drains.Done()
	for {
		ix.mu.Lock()
		q := ix.owners[ownerID]
		if len(q.pending) == 0 {
			q.busy = false
			if q.status == IndexRunning {
				q.status = IndexComplete
			}
			ix.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		ix.mu.Unlock()

		ix.indexAndMark(ctx, ownerID, next)
	}
}

func (ix *Indexer) indexAndMark(ctx context.Context, ownerID string, rec *Record) *IndexResult {
	res := ix.IndexMemory(ctx, ownerID, rec)
	if res.Success && ix.store != nil && rec.FilePath != "" {
		if _, err := ix.store.MarkAsIndexed(rec.FilePath); err != nil {
			ix.logger.Warn("mark indexed failed", "owner", ownerID, "memoryId", rec.MemoryID, "err", err)
		}
	}

	ix.mu.Lock()
	q := ix.queue(ownerID)
	if res.Success {
		q.indexed++
		q.lastIndexedAt = res.IndexedAt
	} else {
		q.failed++
		q.lastError = res.Error
		q.status = IndexError
	}
	ix.mu.Unlock()
	return res
}

// Wait blocks until every background drain has finished.
func (ix *Indexer) Wait() {
	ix.drains.Wait()
}

func (ix *Indexer) IsIndexing(ownerID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	q, ok := ix.owners[ownerID]
	return ok && q.busy
}

func (ix *Indexer) GetIndexingStatus(ownerID string) OwnerIndexStatus {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	st := OwnerIndexStatus{OwnerID: ownerID, Status: IndexIdle}
	if q, ok := ix.owners[ownerID]; ok {
		st.Status = q.status
		st.QueueLength = len(q.pending)
		st.Indexed = q.indexed
		st.Failed = q.failed
		st.LastIndexedAt = q.lastIndexedAt
		st.LastError = q.lastError
	}
	return st
}

func (ix *Indexer) Stats() IndexerStats {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	st := IndexerStats{Owners: len(ix.owners)}
	for _, q := range ix.owners {
		if q.busy {
			st.Busy++
		}
		st.Queued += len(q.pending)
		st.Indexed += q.indexed
		st.Failed += q.failed
	}
	return st
}

// IndexBatch indexes records in groups, running each group with bounded
// parallelism. It does not touch the record files or the owner queue;
// Reindex is the owner-serialized entry point.
func (ix *Indexer) IndexBatch(ctx context.Context, ownerID string, records []*Record, progress ProgressFunc) *BatchResult {
	start := time.Now()
	out := &BatchResult{Total: len(records), Errors: []BatchError{}, MemoryIDs: []string{}}

	for from := 0; from < len(records); from += ix.batchSize {
		to := min(from+ix.batchSize, len(records))
		group := records[from:to]
		results := make([]*IndexResult, len(group))

		var g errgroup.Group
		g.SetLimit(ix.parallelism)
		for i, rec := range group {
			g.Go(func() error {
				results[i] = ix.IndexMemory(ctx, ownerID, rec)
				return nil
			})
		}
		_ = g.Wait()

		for _, res := range results {
			if res.Success {
				out.Indexed++
				out.MemoryIDs = append(out.MemoryIDs, res.MemoryID)
				continue
			}
			out.Failed++
			out.Errors = append(out.Errors, BatchError{MemoryID: res.MemoryID, Error: res.Error})
		}
		if progress != nil {
			progress(to, len(records))
		}
	}

	out.Duration = time.Since(start)
	ix.logger.Info("batch indexed", "owner", ownerID, "total", out.Total, "indexed", out.Indexed, "failed", out.Failed)
	return out
}

// Reindex picks up every auto-index record not yet indexed, for example
// after a restart lost the in-memory queues, and marks the successes. It
// holds the owner for the whole batch; records submitted meanwhile queue
// and are indexed before it returns.
func (ix *Indexer) Reindex(ctx context.Context, ownerID string, progress ProgressFunc) (*BatchResult, error) {
	if ix.store == nil {
		return nil, errors.New("reindex requires a store")
	}
	ix.mu.Lock()
	claimed := ix.claimLocked(ownerID)
	ix.mu.Unlock()
	if !claimed {
		return nil, fmt.Errorf("reindex %s: %w", ownerID, ErrIndexBusy)
	}
	defer ix.drain(context.WithoutCancel(ctx), ownerID)

	pending, err := ix.store.GetMemoriesNeedingIndex(ownerID)
	if err != nil {
		return nil, fmt.Errorf("list records needing index: %w", err)
	}
	records := make([]*Record, 0, len(pending))
	byID := make(map[string]*Record, len(pending))
	for _, p := range pending {
		records = append(records, p.Record)
		byID[p.Record.MemoryID] = p.Record
	}

	res := ix.IndexBatch(ctx, ownerID, records, progress)
	for _, id := range res.MemoryIDs {
		if _, err := ix.store.MarkAsIndexed(byID[id].FilePath); err != nil {
			ix.logger.Warn("mark indexed failed", "owner", ownerID, "memoryId", id, "err", err)
		}
	}
	ix.mu.Lock()
	q := ix.owners[ownerID]
	q.indexed += res.Indexed
	q.failed += res.Failed
	if res.Failed > 0 && len(res.Errors) > 0 {
		q.lastError = res.Errors[0].Error
		q.status = IndexError
	}
	ix.mu.Unlock()
	return res, nil
}

// Unindex drops a record from the owner's collection.
func (ix *Indexer) Unindex(ctx context.Context, ownerID, memoryID string) error {
	if err := ix.index.Delete(ctx, ownerID, memoryID); err != nil {
		return fmt.Errorf("unindex %s: %w", memoryID, err)
	}
	return nil
}

// Search returns the owner's k memories closest to query.
func (ix *Indexer) Search(ctx context.Context, ownerID, query string, k int) ([]vector.Match, error) {
	embedding, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return ix.index.Query(ctx, ownerID, embedding, k)
}
