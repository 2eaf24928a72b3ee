package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stellarlinkco/memoryd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChunker(gen *mockGenerator) *Chunker {
	return NewChunker(gen, WithChunkerLogger(logging.Discard()))
}

func assertFullCoverage(t *testing.T, res *ChunkResult, n int) {
	t.Helper()
	var all []int
	for _, ch := range res.Chunks {
		assert.Equal(t, len(ch.MessageIndices), ch.MessageCount)
		assert.Len(t, ch.Messages, ch.MessageCount)
		all = append(all, ch.MessageIndices...)
	}
	require.Len(t, all, n)
	for i, idx := range all {
		assert.Equal(t, i, idx, "indices must be contiguous and ordered")
	}
	assert.Equal(t, len(res.Chunks), res.TotalChunks)
}

func TestChunk_Empty(t *testing.T) {
	gen := reply("{}")
	res := newTestChunker(gen).Chunk(context.Background(), ChunkInput{})
	assert.Equal(t, 0, res.TotalChunks)
	assert.Empty(t, res.Chunks)
	assert.Equal(t, 0, gen.calls())
}

func TestChunk_ShortConversation(t *testing.T) {
	gen := reply("{}")
	msgs := conversation(3)
	msgs[0].Content = "how was the school fair"

	res := newTestChunker(gen).Chunk(context.Background(), ChunkInput{Messages: msgs})
	require.Equal(t, 1, res.TotalChunks)
	ch := res.Chunks[0]
	assert.False(t, ch.IsIncomplete)
	assert.Equal(t, 0.8, ch.CompletenessScore)
	assert.Equal(t, "how was th", ch.TopicSummary)
	assert.Empty(t, ch.SuggestedFollowUp)
	assert.False(t, res.HasIncompleteTopics)
	assert.Equal(t, 0, gen.calls(), "short conversations skip analysis")
	assertFullCoverage(t, res, 3)
}

func TestChunk_ShortInterrupted(t *testing.T) {
	res := newTestChunker(reply("{}")).Chunk(context.Background(), ChunkInput{Messages: conversation(2), Interrupted: true})
	require.Equal(t, 1, res.TotalChunks)
	assert.True(t, res.Chunks[0].IsIncomplete)
	assert.Equal(t, 0.5, res.Chunks[0].CompletenessScore)
	assert.Equal(t, interruptedFollowUp, res.Chunks[0].SuggestedFollowUp)
	assert.Equal(t, []int{0}, res.IncompleteTopicChunks)
}

func TestChunk_ModelBoundaries(t *testing.T) {
	gen := reply(`<think>let me look at this {not json}</think>
Here you go:
{"topicBoundaries":[
  {"startIndex":0,"endIndex":3,"topicSummary":"weekend trip plans","isComplete":true,"completenessScore":0.9},
  {"startIndex":4,"endIndex":7,"topicSummary":"health","isComplete":false,"completenessScore":0.4,"suggestedFollowUp":"ask about the doctor"}
],"overallAnalysis":{"mainTopics":["trip","health"],"dominantEmotion":"calm","conversationQuality":"high","needsFollowUp":true}}`)

	res := newTestChunker(gen).Chunk(context.Background(), ChunkInput{Messages: conversation(8), OwnerName: "Alice", PartnerName: "Bob"})
	require.Equal(t, 2, res.TotalChunks)
	assertFullCoverage(t, res, 8)

	assert.Equal(t, "weekend tr", res.Chunks[0].TopicSummary)
	assert.False(t, res.Chunks[0].IsIncomplete)
	assert.Equal(t, 0.9, res.Chunks[0].CompletenessScore)
	assert.True(t, res.Chunks[1].IsIncomplete)
	assert.Equal(t, "ask about the doctor", res.Chunks[1].SuggestedFollowUp)
	assert.Equal(t, []int{1}, res.IncompleteTopicChunks)
	require.NotNil(t, res.Analysis.Overall)
	assert.Equal(t, []string{"trip", "health"}, res.Analysis.Overall.MainTopics)
	assert.False(t, res.Analysis.Fallback)
	assert.Equal(t, "mock-model", res.Analysis.Model)

	require.Equal(t, 1, gen.calls())
	assert.Contains(t, gen.prompts[0], "[0] Alice: message number 0")
	assert.Contains(t, gen.prompts[0], "[1] Bob: message number 1")
	assert.Equal(t, 0.3, gen.opts[0].Temperature)
	assert.Equal(t, 2000, gen.opts[0].MaxTokens)
}

func TestChunk_MergesShortAndFillsGaps(t *testing.T) {
	gen := reply(`{"topicBoundaries":[
  {"startIndex":2,"endIndex":4,"topicSummary":"b"},
  {"startIndex":0,"endIndex":1,"topicSummary":"a"},
  {"startIndex":5,"endIndex":5,"topicSummary":"single"},
  {"startIndex":5,"endIndex":6,"topicSummary":"overlap"},
  {"startIndex":9,"endIndex":40,"topicSummary":"tail"}
]}`)

	res := newTestChunker(gen).Chunk(context.Background(), ChunkInput{Messages: conversation(12)})
	assertFullCoverage(t, res, 12)

	var topics []string
	for _, ch := range res.Chunks {
		topics = append(topics, ch.TopicSummary)
	}
	// "single" merges into "b"; "overlap" is trimmed to [6,6] and merges too;
	// [7,8] is an uncovered gap; "tail" is clamped to the last index.
	assert.Equal(t, []string{"a", "b", gapChunkTopic, "tail"}, topics)
	assert.Equal(t, []int{2, 3, 4, 5, 6}, res.Chunks[1].MessageIndices)
	assert.Equal(t, 0.6, res.Chunks[2].CompletenessScore)
	assert.False(t, res.Chunks[2].IsIncomplete)
	assert.Equal(t, 0.7, res.Chunks[0].CompletenessScore, "missing score defaults")
	assert.False(t, res.Chunks[0].IsIncomplete, "missing isComplete defaults to complete")
}

func TestChunk_InterruptedOverridesModel(t *testing.T) {
	gen := reply(`{"topicBoundaries":[
  {"startIndex":0,"endIndex":2,"topicSummary":"a","isComplete":true,"completenessScore":0.9},
  {"startIndex":3,"endIndex":5,"topicSummary":"b","isComplete":true,"completenessScore":0.95}
]}`)
	res := newTestChunker(gen).Chunk(context.Background(), ChunkInput{Messages: conversation(6), Interrupted: true})
	require.Equal(t, 2, res.TotalChunks)
	last := res.Chunks[1]
	assert.True(t, last.IsIncomplete)
	assert.Equal(t, 0.5, last.CompletenessScore)
	assert.False(t, res.Chunks[0].IsIncomplete)
	assert.True(t, res.HasIncompleteTopics)
}

func TestChunk_FallbackOnFailure(t *testing.T) {
	tests := []struct {
		name string
		gen  *mockGenerator
	}{
		{"generation error", failing(errors.New("timeout"))},
		{"no json", reply("I could not decide")},
		{"no boundaries", reply(`{"topicBoundaries":[]}`)},
		{"all invalid", reply(`{"topicBoundaries":[{"startIndex":9,"endIndex":3}]}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := newTestChunker(tt.gen).Chunk(context.Background(), ChunkInput{Messages: conversation(5)})
			assertFullCoverage(t, res, 5)
			assert.Equal(t, 1, res.TotalChunks)
		})
	}
}
