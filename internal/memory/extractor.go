package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stellarlinkco/memoryd/internal/llm"
)

const (
	extractTemperature      = 0.3
	extractMaxTokens        = 3000
	defaultRetentionScore   = 0.7
	defaultMomentImportance = 0.5
)

var errProfileRequired = errors.New("personality profile required")

type ExtractInput struct {
	Profile     *Profile
	OwnerName   string
	PartnerName string
	Relation    string
	Messages    []Message
}

// Extraction is one owner's structured memory of a conversation.
type Extraction struct {
	Summary             string            `json:"summary"`
	TopicSummary        string            `json:"topicSummary"`
	KeyTopics           []string          `json:"keyTopics"`
	Facts               []string          `json:"facts"`
	EmotionalJourney    EmotionalJourney  `json:"emotionalJourney"`
	MemorableMoments    []MemorableMoment `json:"memorableMoments"`
	PendingTopics       []UnfinishedItem  `json:"pendingTopics"`
	PersonalityFiltered PersonalityFilter `json:"personalityFiltered"`
	Tags                []string          `json:"tags"`
	MessageCount        int               `json:"messageCount"`
	NeedsProcessing     bool              `json:"needsProcessing"`
}

// Processed is the content block persisted for this extraction.
func (e *Extraction) Processed() *Processed {
	return &Processed{
		Summary:          e.Summary,
		TopicSummary:     e.TopicSummary,
		KeyTopics:        e.KeyTopics,
		Facts:            e.Facts,
		EmotionalJourney: e.EmotionalJourney,
		MemorableMoments: e.MemorableMoments,
	}
}

func (e *Extraction) PendingBlock() *PendingTopicBlock {
	return &PendingTopicBlock{HasUnfinished: len(e.PendingTopics) > 0, Topics: e.PendingTopics}
}

// OwnerMemory packages the extraction for a bidirectional save.
func (e *Extraction) OwnerMemory() *OwnerMemory {
	filter := e.PersonalityFiltered
	return &OwnerMemory{
		Processed:           e.Processed(),
		PendingTopics:       e.PendingBlock(),
		PersonalityFiltered: &filter,
		Tags:                e.Tags,
	}
}

// ChunkExtraction is the extraction of one topic chunk.
type ChunkExtraction struct {
	Chunk      Chunk
	Index      int
	Total      int
	Extraction *Extraction
}

// extractionReply mirrors the model's output; pointers mark optional scores.
type extractionReply struct {
	Summary          string           `json:"summary"`
	TopicSummary     string           `json:"topicSummary"`
	KeyTopics        []string         `json:"keyTopics"`
	Facts            []string         `json:"facts"`
	EmotionalJourney EmotionalJourney `json:"emotionalJourney"`
	MemorableMoments []struct {
		Content    string   `json:"content"`
		Importance *float64 `json:"importance"`
		EmotionTag string   `json:"emotionTag"`
		Reason     string   `json:"reason"`
	} `json:"memorableMoments"`
	PendingTopics []struct {
		Topic             string `json:"topic"`
		Context           string `json:"context"`
		SuggestedFollowUp string `json:"suggestedFollowUp"`
		Urgency           string `json:"urgency"`
	} `json:"pendingTopics"`
	PersonalityFiltered struct {
		RetentionScore *float64 `json:"retentionScore"`
		LikelyToRecall []string `json:"likelyToRecall"`
		LikelyToForget []string `json:"likelyToForget"`
		ForgetReason   string   `json:"forgetReason"`
	} `json:"personalityFiltered"`
	Tags []string `json:"tags"`
}

// Extractor turns conversations into profile-filtered memories. Failures
// never surface to callers; they yield a raw skeleton for later reprocessing.
type Extractor struct {
	gen     llm.Generator
	chunker *Chunker
	timeout time.Duration
	logger  *slog.Logger
}

type ExtractorOption func(*Extractor)

func WithExtractorLogger(l *slog.Logger) ExtractorOption { return func(e *Extractor) { e.logger = l } }

func WithExtractorTimeout(d time.Duration) ExtractorOption {
	return func(e *Extractor) { e.timeout = d }
}

func NewExtractor(gen llm.Generator, chunker *Chunker, opts ...ExtractorOption) *Extractor {
	e := &Extractor{gen: gen, chunker: chunker}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default().With("component", "memory-extractor")
	}
	return e
}

func (e *Extractor) Extract(ctx context.Context, in ExtractInput) *Extraction {
	owner := displayName(in.Profile, in.OwnerName)
	return e.extractTranscript(ctx, in, FormatTranscript(in.Messages, owner, in.PartnerName), len(in.Messages))
}

func (e *Extractor) extractTranscript(ctx context.Context, in ExtractInput, transcript string, count int) *Extraction {
	if in.Profile == nil || e.gen == nil {
		return rawSkeleton(in.PartnerName, count)
	}
	out, err := e.generate(ctx, in, transcript, count)
	if err != nil {
		e.logger.Warn("extraction failed, keeping raw skeleton", "err", err, "partner", in.PartnerName, "messages", count)
		return rawSkeleton(in.PartnerName, count)
	}
	return out
}

func (e *Extractor) generate(ctx context.Context, in ExtractInput, transcript string, count int) (*Extraction, error) {
	raw, err := e.gen.Generate(ctx, buildExtractionPrompt(in, transcript), llm.Options{
		Temperature: extractTemperature,
		MaxTokens:   extractMaxTokens,
		Timeout:     e.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("generate extraction: %w", err)
	}
	reply, err := llm.ParseStructured[extractionReply](raw)
	if err != nil {
		return nil, err
	}
	return normalizeExtraction(reply, count), nil
}

func rawSkeleton(partner string, count int) *Extraction {
	return &Extraction{
		Summary:             fmt.Sprintf("%d messages with %s", count, firstNonEmpty(partner, "partner")),
		TopicSummary:        truncateRunes(defaultChunkTopic, maxTopicSummary),
		KeyTopics:           []string{},
		Facts:               []string{},
		MemorableMoments:    []MemorableMoment{},
		PendingTopics:       []UnfinishedItem{},
		PersonalityFiltered: defaultPersonalityFilter(),
		Tags:                []string{TagPendingProcessing, TagNeedsPersonality},
		MessageCount:        count,
		NeedsProcessing:     true,
	}
}

func normalizeExtraction(r extractionReply, count int) *Extraction {
	out := &Extraction{
		Summary:          r.Summary,
		KeyTopics:        nonEmpty(r.KeyTopics),
		Facts:            nonEmpty(r.Facts),
		EmotionalJourney: r.EmotionalJourney,
		MemorableMoments: []MemorableMoment{},
		PendingTopics:    []UnfinishedItem{},
		Tags:             nonEmpty(r.Tags),
		MessageCount:     count,
	}

	topic := firstNonEmpty(r.TopicSummary, firstOf(out.KeyTopics), r.Summary, defaultChunkTopic)
	out.TopicSummary = truncateRunes(topic, maxTopicSummary)

	for _, m := range r.MemorableMoments {
		if m.Content == "" {
			continue
		}
		importance := defaultMomentImportance
		if m.Importance != nil {
			importance = clamp01(*m.Importance)
		}
		out.MemorableMoments = append(out.MemorableMoments, MemorableMoment{
			Content:    m.Content,
			Importance: importance,
			EmotionTag: m.EmotionTag,
			Reason:     m.Reason,
		})
	}
	for _, p := range r.PendingTopics {
		if p.Topic == "" {
			continue
		}
		out.PendingTopics = append(out.PendingTopics, UnfinishedItem{
			Topic:             p.Topic,
			Context:           p.Context,
			SuggestedFollowUp: p.SuggestedFollowUp,
			Urgency:           NormalizeUrgency(Urgency(p.Urgency)),
		})
	}

	retention := defaultRetentionScore
	if r.PersonalityFiltered.RetentionScore != nil {
		retention = clamp01(*r.PersonalityFiltered.RetentionScore)
	}
	out.PersonalityFiltered = PersonalityFilter{
		RetentionScore: retention,
		LikelyToRecall: nonEmpty(r.PersonalityFiltered.LikelyToRecall),
		LikelyToForget: nonEmpty(r.PersonalityFiltered.LikelyToForget),
		ForgetReason:   r.PersonalityFiltered.ForgetReason,
	}
	return out
}

func firstOf(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[0]
}

// ExtractWithChunking chunks the conversation by topic and extracts each
// chunk separately. Incomplete chunks always carry a pending topic.
func (e *Extractor) ExtractWithChunking(ctx context.Context, in ExtractInput, interrupted bool) []ChunkExtraction {
	if len(in.Messages) == 0 {
		return nil
	}
	var chunks []Chunk
	if e.chunker != nil {
		chunks = e.chunker.Chunk(ctx, ChunkInput{
			Messages:    in.Messages,
			OwnerName:   displayName(in.Profile, in.OwnerName),
			PartnerName: in.PartnerName,
			Relation:    in.Relation,
			Interrupted: interrupted,
		}).Chunks
	}
	if len(chunks) == 0 {
		return []ChunkExtraction{{
			Chunk:      Chunk{MessageIndices: indexRange(len(in.Messages)), Messages: in.Messages, MessageCount: len(in.Messages)},
			Index:      0,
			Total:      1,
			Extraction: e.Extract(ctx, in),
		}}
	}

	return e.ExtractChunks(ctx, in, chunks)
}

// ExtractChunks extracts each chunk for the input's owner. Passing one
// side's chunks for the other side keeps both records aligned.
func (e *Extractor) ExtractChunks(ctx context.Context, in ExtractInput, chunks []Chunk) []ChunkExtraction {
	out := make([]ChunkExtraction, 0, len(chunks))
	for i, ch := range chunks {
		sub := in
		sub.Messages = ch.Messages
		ext := e.Extract(ctx, sub)
		annotateChunk(ext, ch)
		out = append(out, ChunkExtraction{Chunk: ch, Index: i, Total: len(chunks), Extraction: ext})
	}
	e.logger.Debug("chunked extraction finished", "partner", in.PartnerName, "chunks", len(out))
	return out
}

func annotateChunk(ext *Extraction, ch Chunk) {
	if !ch.IsIncomplete {
		ext.Tags = appendUnique(ext.Tags, TagComplete)
		return
	}
	ext.Tags = appendUnique(ext.Tags, TagIncompleteTopic)
	for _, p := range ext.PendingTopics {
		if p.Topic == ch.TopicSummary {
			return
		}
	}
	ext.PendingTopics = append(ext.PendingTopics, UnfinishedItem{
		Topic:             ch.TopicSummary,
		Context:           fmt.Sprintf("unfinished topic covering %d messages", ch.MessageCount),
		SuggestedFollowUp: ch.SuggestedFollowUp,
		Urgency:           UrgencyMedium,
	})
}

func indexRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

type ReprocessError struct {
	MemoryID string `json:"memoryId"`
	Error    string `json:"error"`
}

type ReprocessReport struct {
	Total     int              `json:"total"`
	Processed int              `json:"processed"`
	Failed    int              `json:"failed"`
	Errors    []ReprocessError `json:"errors"`
}

// ProcessPendingMemories re-extracts the owner's skeleton records once a
// profile exists. Each record is handled independently.
func (e *Extractor) ProcessPendingMemories(ctx context.Context, ownerID string, profile *Profile, store *Store) (*ReprocessReport, error) {
	if profile == nil {
		return nil, errProfileRequired
	}
	all, err := store.LoadUserMemories(ownerID)
	if err != nil {
		return nil, fmt.Errorf("load memories for %s: %w", ownerID, err)
	}

	report := &ReprocessReport{Errors: []ReprocessError{}}
	for _, partner := range sortedKeys(all) {
		for _, rec := range all[partner] {
			if !rec.HasTag(TagNeedsPersonality) && !rec.HasTag(TagPendingProcessing) {
				continue
			}
			report.Total++
			if err := e.reprocess(ctx, rec, partner, profile, store); err != nil {
				report.Failed++
				report.Errors = append(report.Errors, ReprocessError{MemoryID: rec.MemoryID, Error: err.Error()})
				e.logger.Warn("reprocess failed", "owner", ownerID, "memoryId", rec.MemoryID, "err", err)
				continue
			}
			report.Processed++
		}
	}
	e.logger.Info("pending memories reprocessed", "owner", ownerID,
		"total", report.Total, "processed", report.Processed, "failed", report.Failed)
	return report, nil
}

func (e *Extractor) reprocess(ctx context.Context, rec *Record, partner string, profile *Profile, store *Store) error {
	if rec.Content.Raw == "" {
		return errors.New("record has no raw transcript")
	}
	in := ExtractInput{Profile: profile, OwnerName: profile.Name, PartnerName: partner}
	ext, err := e.generate(ctx, in, rec.Content.Raw, rec.Meta.MessageCount)
	if err != nil {
		return err
	}

	var tags []string
	for _, t := range rec.Tags {
		if t != TagNeedsPersonality && t != TagPendingProcessing {
			tags = append(tags, t)
		}
	}
	tags = appendUnique(tags, ext.Tags...)

	// The old vector entry embeds the skeleton text, so the record goes
	// back to the index queue.
	_, err = store.UpdateMemory(rec.FilePath, Patch{
		"content":             map[string]any{"processed": ext.Processed()},
		"personalityFiltered": ext.PersonalityFiltered,
		"pendingTopics":       ext.PendingBlock(),
		"tags":                tags,
		"vectorIndex":         map[string]any{"indexed": false, "indexedAt": nil},
	})
	return err
}
