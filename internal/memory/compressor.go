package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stellarlinkco/memoryd/internal/llm"
)

const (
	DefaultV1AfterDays = 3
	DefaultV2AfterDays = 7

	minV1Input       = 100
	minV2Input       = 50
	maxCoreMemory    = 200
	highRatioWarning = 0.6

	compressTemperature = 0.3
	compressMaxTokens   = 2000
)

var errNoGenerator = errors.New("no generator configured")

// StagePolicy holds the ages, in whole days, at which each pass runs.
type StagePolicy struct {
	V1AfterDays int
	V2AfterDays int
}

var DefaultStagePolicy = StagePolicy{V1AfterDays: DefaultV1AfterDays, V2AfterDays: DefaultV2AfterDays}

// Next reports the stage a record should move to. compressed is true when
// the record already carries a compressedAt stamp; such a raw record is
// never compressed again. v2 is terminal.
func (p StagePolicy) Next(stage Stage, ageDays int, compressed bool) (Stage, bool) {
	switch stage {
	case StageRaw, "":
		if !compressed && ageDays >= p.V1AfterDays {
			return StageV1, true
		}
	case StageV1:
		if ageDays >= p.V2AfterDays {
			return StageV2, true
		}
	}
	return "", false
}

// NextStage applies DefaultStagePolicy.
func NextStage(stage Stage, ageDays int, compressed bool) (Stage, bool) {
	return DefaultStagePolicy.Next(stage, ageDays, compressed)
}

type StageDecision struct {
	NeedsCompression bool  `json:"needsCompression"`
	TargetStage      Stage `json:"targetStage"`
	AgeDays          int   `json:"ageDays"`
}

// CompressOutcome is the result of one Compress call. Skipped is set when
// the record had too little content for the decided pass.
type CompressOutcome struct {
	MemoryID    string    `json:"memoryId"`
	TargetStage Stage     `json:"targetStage"`
	V1          *V1Result `json:"v1,omitempty"`
	V2          *V2Result `json:"v2,omitempty"`
	Skipped     bool      `json:"skipped"`
}

// Patch is the record update that persists the outcome alongside the stage.
func (o *CompressOutcome) Patch() Patch {
	comp := map[string]any{}
	if o.V1 != nil {
		comp["v1"] = o.V1
	}
	if o.V2 != nil {
		comp["v2"] = o.V2
	}
	return Patch{"compression": comp}
}

type Compressor struct {
	gen     llm.Generator
	policy  StagePolicy
	timeout time.Duration
	clock   Clock
	logger  *slog.Logger
}

type CompressorOption func(*Compressor)

func WithCompressorClock(c Clock) CompressorOption { return func(x *Compressor) { x.clock = c } }

func WithCompressorLogger(l *slog.Logger) CompressorOption {
	return func(x *Compressor) { x.logger = l }
}

func WithCompressorTimeout(d time.Duration) CompressorOption {
	return func(x *Compressor) { x.timeout = d }
}

// WithStagePolicy overrides the stage ages; non-positive values keep the defaults.
func WithStagePolicy(p StagePolicy) CompressorOption {
	return func(x *Compressor) {
		if p.V1AfterDays > 0 {
			x.policy.V1AfterDays = p.V1AfterDays
		}
		if p.V2AfterDays > 0 {
			x.policy.V2AfterDays = p.V2AfterDays
		}
	}
}

func NewCompressor(gen llm.Generator, opts ...CompressorOption) *Compressor {
	c := &Compressor{gen: gen, policy: DefaultStagePolicy}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "memory-compressor")
	}
	return c
}

// DetermineCompressionStage returns nil when the record needs no pass today.
func (c *Compressor) DetermineCompressionStage(rec *Record) *StageDecision {
	age := ageDays(rec.Meta.CreatedAt, c.clock.now())
	target, ok := c.policy.Next(rec.Meta.CompressionStage, age, rec.Meta.CompressedAt != nil)
	if !ok {
		return nil
	}
	return &StageDecision{NeedsCompression: true, TargetStage: target, AgeDays: age}
}

// Compress runs whichever pass the record is due for. A nil outcome means
// nothing was due.
func (c *Compressor) Compress(ctx context.Context, rec *Record, profile *Profile) (*CompressOutcome, error) {
	decision := c.DetermineCompressionStage(rec)
	if decision == nil {
		return nil, nil
	}
	out := &CompressOutcome{MemoryID: rec.MemoryID, TargetStage: decision.TargetStage}
	var err error
	switch decision.TargetStage {
	case StageV1:
		out.V1, err = c.CompressV1(ctx, rec, profile)
		out.Skipped = out.V1 == nil
	case StageV2:
		out.V2, err = c.CompressV2(ctx, rec, profile)
		out.Skipped = out.V2 == nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

type v1Reply struct {
	CompressedContent     string                `json:"compressedContent"`
	CompressionRatio      float64               `json:"compressionRatio"`
	KeyPoints             []string              `json:"keyPoints"`
	EmotionalHighlights   []EmotionalHighlight  `json:"emotionalHighlights"`
	PersonalityAdjustment PersonalityAdjustment `json:"personalityAdjustment"`
}

// CompressV1 condenses the record to 30-50% of its length. Records under
// 100 characters are skipped with a nil result.
func (c *Compressor) CompressV1(ctx context.Context, rec *Record, profile *Profile) (*V1Result, error) {
	content := v1Source(rec)
	original := runeLen(content)
	if original < minV1Input {
		c.logger.Debug("content too short for v1, skipping", "memoryId", rec.MemoryID, "length", original)
		return nil, nil
	}

	reply, err := generateStructured[v1Reply](ctx, c, buildCompressV1Prompt(profile, content))
	if err != nil {
		return nil, fmt.Errorf("compress v1 %s: %w", rec.MemoryID, err)
	}
	if strings.TrimSpace(reply.CompressedContent) == "" {
		return nil, fmt.Errorf("compress v1 %s: empty compressed content", rec.MemoryID)
	}

	compressed := runeLen(reply.CompressedContent)
	ratio := float64(compressed) / float64(original)
	if ratio > highRatioWarning {
		c.logger.Warn("v1 compression ratio above target", "memoryId", rec.MemoryID, "ratio", ratio)
	}
	highlights := make([]EmotionalHighlight, 0, len(reply.EmotionalHighlights))
	for _, h := range reply.EmotionalHighlights {
		h.Intensity = clamp01(h.Intensity)
		highlights = append(highlights, h)
	}

	result := &V1Result{
		CompressedContent:     reply.CompressedContent,
		CompressionRatio:      ratio,
		KeyPoints:             nonEmpty(reply.KeyPoints),
		EmotionalHighlights:   highlights,
		PersonalityAdjustment: reply.PersonalityAdjustment,
		OriginalLength:        original,
		CompressedLength:      compressed,
		CompressedAt:          c.clock.now(),
	}
	c.logger.Info("v1 compression done", "memoryId", rec.MemoryID, "original", original, "compressed", compressed)
	return result, nil
}

type v2Reply struct {
	CoreMemory       string           `json:"coreMemory"`
	CoreMemoryPoints []string         `json:"coreMemoryPoints"`
	MemoryTraces     MemoryTraces     `json:"memoryTraces"`
	Forgotten        Forgotten        `json:"forgotten"`
	EmotionalResidue EmotionalResidue `json:"emotionalResidue"`
	PersonalityNotes string           `json:"personalityNotes"`
}

// CompressV2 reduces a record to its core memory. Input under 50
// characters is skipped with a nil result.
func (c *Compressor) CompressV2(ctx context.Context, rec *Record, profile *Profile) (*V2Result, error) {
	content := v2Source(rec)
	if runeLen(content) < minV2Input {
		c.logger.Debug("content too short for v2, skipping", "memoryId", rec.MemoryID, "length", runeLen(content))
		return nil, nil
	}

	reply, err := generateStructured[v2Reply](ctx, c, buildCompressV2Prompt(profile, content))
	if err != nil {
		return nil, fmt.Errorf("compress v2 %s: %w", rec.MemoryID, err)
	}
	core := strings.TrimSpace(reply.CoreMemory)
	if core == "" {
		return nil, fmt.Errorf("compress v2 %s: empty core memory", rec.MemoryID)
	}

	residue := reply.EmotionalResidue
	residue.Intensity = clamp01(residue.Intensity)
	result := &V2Result{
		CoreMemory:       truncateRunes(core, maxCoreMemory),
		CoreMemoryPoints: nonEmpty(reply.CoreMemoryPoints),
		MemoryTraces: MemoryTraces{
			Clear: nonEmpty(reply.MemoryTraces.Clear),
			Fuzzy: nonEmpty(reply.MemoryTraces.Fuzzy),
			Vague: nonEmpty(reply.MemoryTraces.Vague),
		},
		Forgotten: Forgotten{
			Details: nonEmpty(reply.Forgotten.Details),
			Reason:  reply.Forgotten.Reason,
		},
		EmotionalResidue: residue,
		PersonalityNotes: reply.PersonalityNotes,
		CompressedAt:     c.clock.now(),
	}
	c.logger.Info("v2 compression done", "memoryId", rec.MemoryID, "core", runeLen(result.CoreMemory))
	return result, nil
}

func generateStructured[T any](ctx context.Context, c *Compressor, prompt string) (T, error) {
	var zero T
	if c.gen == nil {
		return zero, errNoGenerator
	}
	raw, err := c.gen.Generate(ctx, prompt, llm.Options{
		Temperature: compressTemperature,
		MaxTokens:   compressMaxTokens,
		Timeout:     c.timeout,
	})
	if err != nil {
		return zero, err
	}
	return llm.ParseStructured[T](raw)
}

// v1Source renders processed content and open threads as labelled
// sections, falling back to the raw transcript.
func v1Source(rec *Record) string {
	var sb strings.Builder
	section := func(label, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s: %s", label, body)
	}
	if p := rec.Content.Processed; p != nil {
		section("Summary", p.Summary)
		section("Topics", strings.Join(p.KeyTopics, ", "))
		section("Facts", strings.Join(p.Facts, "; "))
		if j := p.EmotionalJourney; j.Start != "" || j.Peak != "" || j.End != "" {
			section("Emotional journey", fmt.Sprintf("%s -> %s -> %s", j.Start, j.Peak, j.End))
		}
		moments := make([]string, 0, len(p.MemorableMoments))
		for _, m := range p.MemorableMoments {
			moments = append(moments, fmt.Sprintf("%s (%s, %.1f)", m.Content, m.EmotionTag, m.Importance))
		}
		section("Memorable moments", strings.Join(moments, "; "))
	}
	if sb.Len() == 0 {
		return strings.TrimSpace(rec.Content.Raw)
	}
	topics := make([]string, 0, len(rec.PendingTopics.Topics))
	for _, t := range rec.PendingTopics.Topics {
		if strings.TrimSpace(t.Topic) == "" {
			continue
		}
		if t.Context != "" {
			topics = append(topics, fmt.Sprintf("%s (%s)", t.Topic, t.Context))
		} else {
			topics = append(topics, t.Topic)
		}
	}
	section("Pending topics", strings.Join(topics, "; "))
	return sb.String()
}

func v2Source(rec *Record) string {
	if v1 := rec.Compression.V1; v1 != nil && strings.TrimSpace(v1.CompressedContent) != "" {
		out := v1.CompressedContent
		if len(v1.KeyPoints) > 0 {
			out += "\nKey points: " + strings.Join(v1.KeyPoints, "; ")
		}
		return out
	}
	return v1Source(rec)
}
