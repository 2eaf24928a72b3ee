package memory

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/memoryd/internal/llm"
)

const (
	minMessagesForSplit = 4
	minMessagesPerChunk = 2
	maxTopicSummary     = 10

	chunkTemperature = 0.3
	chunkMaxTokens   = 2000

	singleChunkScore      = 0.8
	interruptedChunkScore = 0.5
	gapChunkScore         = 0.6
	defaultChunkScore     = 0.7

	defaultChunkTopic   = "conversation"
	gapChunkTopic       = "other conversation"
	interruptedFollowUp = "conversation was interrupted, pick it up again"
)

// Chunk is a contiguous, topic-coherent slice of a conversation.
type Chunk struct {
	ID                string    `json:"id"`
	TopicSummary      string    `json:"topicSummary"`
	MessageIndices    []int     `json:"messageIndices"`
	Messages          []Message `json:"messages"`
	MessageCount      int       `json:"messageCount"`
	IsIncomplete      bool      `json:"isIncomplete"`
	CompletenessScore float64   `json:"completenessScore"`
	SuggestedFollowUp string    `json:"suggestedFollowUp"`
	CreatedAt         time.Time `json:"createdAt"`
}

type ChunkInput struct {
	Messages    []Message
	OwnerName   string
	PartnerName string
	Relation    string
	Interrupted bool
}

type OverallAnalysis struct {
	MainTopics          []string `json:"mainTopics"`
	DominantEmotion     string   `json:"dominantEmotion"`
	ConversationQuality string   `json:"conversationQuality"`
	NeedsFollowUp       bool     `json:"needsFollowUp"`
}

type ChunkAnalysis struct {
	AnalyzedAt time.Time        `json:"analyzedAt"`
	Model      string           `json:"model,omitempty"`
	Fallback   bool             `json:"fallback"`
	Note       string           `json:"note,omitempty"`
	Overall    *OverallAnalysis `json:"overall,omitempty"`
}

type ChunkResult struct {
	Chunks                []Chunk       `json:"chunks"`
	TotalChunks           int           `json:"totalChunks"`
	HasIncompleteTopics   bool          `json:"hasIncompleteTopics"`
	IncompleteTopicChunks []int         `json:"incompleteTopicChunks"`
	Analysis              ChunkAnalysis `json:"analysis"`
}

// topicBoundary is one segment as proposed by the model. Pointer fields
// distinguish missing values from zeros.
type topicBoundary struct {
	StartIndex        int      `json:"startIndex"`
	EndIndex          int      `json:"endIndex"`
	TopicSummary      string   `json:"topicSummary"`
	IsComplete        *bool    `json:"isComplete"`
	CompletenessScore *float64 `json:"completenessScore"`
	Reason            string   `json:"reason"`
	SuggestedFollowUp string   `json:"suggestedFollowUp"`
}

type topicAnalysis struct {
	TopicBoundaries []topicBoundary  `json:"topicBoundaries"`
	Topics          []topicBoundary  `json:"topics"`
	OverallAnalysis *OverallAnalysis `json:"overallAnalysis"`
}

func (a topicAnalysis) boundaries() []topicBoundary {
	if len(a.TopicBoundaries) > 0 {
		return a.TopicBoundaries
	}
	return a.Topics
}

// Chunker splits a finished conversation into topic chunks with one
// generation call. It never fails: any problem degrades to a single chunk.
type Chunker struct {
	gen     llm.Generator
	timeout time.Duration
	clock   Clock
	logger  *slog.Logger
}

type ChunkerOption func(*Chunker)

func WithChunkerClock(c Clock) ChunkerOption { return func(ch *Chunker) { ch.clock = c } }

func WithChunkerLogger(l *slog.Logger) ChunkerOption { return func(ch *Chunker) { ch.logger = l } }

func WithChunkerTimeout(d time.Duration) ChunkerOption {
	return func(ch *Chunker) { ch.timeout = d }
}

func NewChunker(gen llm.Generator, opts ...ChunkerOption) *Chunker {
	c := &Chunker{gen: gen}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "topic-chunker")
	}
	return c
}

func (c *Chunker) model() string {
	if c.gen == nil {
		return ""
	}
	return c.gen.Model()
}

func (c *Chunker) Chunk(ctx context.Context, in ChunkInput) *ChunkResult {
	if len(in.Messages) == 0 {
		return &ChunkResult{
			Chunks:                []Chunk{},
			IncompleteTopicChunks: []int{},
			Analysis:              ChunkAnalysis{AnalyzedAt: c.clock.now(), Note: "no messages to chunk"},
		}
	}
	if len(in.Messages) < minMessagesForSplit || c.gen == nil {
		return c.single(in, "short conversation")
	}

	raw, err := c.gen.Generate(ctx, buildTopicAnalysisPrompt(in), llm.Options{
		Temperature: chunkTemperature,
		MaxTokens:   chunkMaxTokens,
		Timeout:     c.timeout,
	})
	if err != nil {
		c.logger.Warn("topic analysis failed, using single chunk", "err", err, "messages", len(in.Messages))
		return c.single(in, "analysis failed")
	}
	analysis, err := llm.ParseStructured[topicAnalysis](raw)
	if err != nil {
		c.logger.Warn("topic analysis unparsable, using single chunk", "err", err, "preview", truncateRunes(raw, 200))
		return c.single(in, "analysis unparsable")
	}

	chunks := c.build(in, analysis.boundaries())
	result := c.result(chunks)
	result.Analysis.Overall = normalizeOverall(analysis.OverallAnalysis)
	c.logger.Info("conversation chunked",
		"messages", len(in.Messages),
		"chunks", result.TotalChunks,
		"incomplete", len(result.IncompleteTopicChunks))
	return result
}

func normalizeOverall(o *OverallAnalysis) *OverallAnalysis {
	if o == nil {
		return nil
	}
	out := *o
	out.MainTopics = nonEmpty(o.MainTopics)
	if out.ConversationQuality == "" {
		out.ConversationQuality = "medium"
	}
	return &out
}

func (c *Chunker) single(in ChunkInput, note string) *ChunkResult {
	meta := chunkMeta{topic: defaultChunkTopic, complete: !in.Interrupted, score: singleChunkScore}
	if in.Interrupted {
		meta.score = interruptedChunkScore
		meta.followUp = interruptedFollowUp
	}
	if first := in.Messages[0].Content; first != "" {
		meta.topic = truncateRunes(first, maxTopicSummary)
	}
	result := c.result([]Chunk{c.makeChunk(in.Messages, 0, len(in.Messages)-1, meta)})
	result.Analysis.Fallback = true
	result.Analysis.Note = note
	return result
}

func (c *Chunker) result(chunks []Chunk) *ChunkResult {
	res := &ChunkResult{
		Chunks:                chunks,
		TotalChunks:           len(chunks),
		IncompleteTopicChunks: []int{},
		Analysis:              ChunkAnalysis{AnalyzedAt: c.clock.now(), Model: c.model()},
	}
	for i, ch := range chunks {
		if ch.IsIncomplete {
			res.HasIncompleteTopics = true
			res.IncompleteTopicChunks = append(res.IncompleteTopicChunks, i)
		}
	}
	return res
}

type chunkMeta struct {
	topic    string
	complete bool
	score    float64
	followUp string
}

func (c *Chunker) makeChunk(messages []Message, start, end int, meta chunkMeta) Chunk {
	indices := make([]int, 0, end-start+1)
	msgs := make([]Message, 0, end-start+1)
	for i := start; i <= end; i++ {
		indices = append(indices, i)
		msgs = append(msgs, messages[i])
	}
	return Chunk{
		ID:                "chunk_" + uuid.New().String(),
		TopicSummary:      firstNonEmpty(meta.topic, defaultChunkTopic),
		MessageIndices:    indices,
		Messages:          msgs,
		MessageCount:      len(msgs),
		IsIncomplete:      !meta.complete,
		CompletenessScore: clamp01(meta.score),
		SuggestedFollowUp: meta.followUp,
		CreatedAt:         c.clock.now(),
	}
}

// build turns model boundaries into chunks that cover every message exactly once.
func (c *Chunker) build(in ChunkInput, boundaries []topicBoundary) []Chunk {
	messages := in.Messages
	last := len(messages) - 1
	if len(boundaries) == 0 {
		return c.single(in, "").Chunks
	}

	sorted := append([]topicBoundary(nil), boundaries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartIndex < sorted[j].StartIndex })

	var chunks []Chunk
	next := 0 // first index not yet claimed by an earlier chunk
	for _, b := range sorted {
		start, end := b.StartIndex, b.EndIndex
		if start < next {
			start = next
		}
		if end > last {
			end = last
		}
		if end < start {
			continue
		}

		if end-start+1 < minMessagesPerChunk && len(chunks) > 0 {
			extendChunk(&chunks[len(chunks)-1], messages, end)
			next = end + 1
			continue
		}

		meta := chunkMeta{
			topic:    truncateRunes(firstNonEmpty(b.TopicSummary, defaultChunkTopic), maxTopicSummary),
			complete: b.IsComplete == nil || *b.IsComplete,
			score:    defaultChunkScore,
			followUp: b.SuggestedFollowUp,
		}
		if b.CompletenessScore != nil {
			meta.score = *b.CompletenessScore
		}
		chunks = append(chunks, c.makeChunk(messages, start, end, meta))
		next = end + 1
	}

	chunks = c.fillGaps(chunks, messages)
	if len(chunks) == 0 {
		return c.single(in, "").Chunks
	}

	// The caller's interruption signal overrides the model for the final topic.
	if in.Interrupted {
		tail := &chunks[len(chunks)-1]
		tail.IsIncomplete = true
		if tail.CompletenessScore > interruptedChunkScore {
			tail.CompletenessScore = interruptedChunkScore
		}
		if tail.SuggestedFollowUp == "" {
			tail.SuggestedFollowUp = interruptedFollowUp
		}
	}
	return chunks
}

func chunkEnd(ch Chunk) int {
	return ch.MessageIndices[len(ch.MessageIndices)-1]
}

func extendChunk(ch *Chunk, messages []Message, end int) {
	for i := chunkEnd(*ch) + 1; i <= end; i++ {
		ch.MessageIndices = append(ch.MessageIndices, i)
		ch.Messages = append(ch.Messages, messages[i])
	}
	ch.MessageCount = len(ch.Messages)
}

// fillGaps wraps uncovered index ranges in synthetic chunks and returns all
// chunks in message order.
func (c *Chunker) fillGaps(chunks []Chunk, messages []Message) []Chunk {
	covered := make([]bool, len(messages))
	for _, ch := range chunks {
		for _, idx := range ch.MessageIndices {
			covered[idx] = true
		}
	}
	gapStart := -1
	for i := 0; i <= len(messages); i++ {
		if i < len(messages) && !covered[i] {
			if gapStart < 0 {
				gapStart = i
			}
			continue
		}
		if gapStart >= 0 {
			chunks = append(chunks, c.makeChunk(messages, gapStart, i-1, chunkMeta{
				topic:    gapChunkTopic,
				complete: true,
				score:    gapChunkScore,
			}))
			c.logger.Debug("gap wrapped in chunk", "start", gapStart, "end", i-1)
			gapStart = -1
		}
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].MessageIndices[0] < chunks[j].MessageIndices[0]
	})
	return chunks
}
