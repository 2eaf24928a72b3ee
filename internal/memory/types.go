// Package memory implements the lifecycle of long-term conversational
// memory: per-owner record storage, topic chunking, extraction, age-based
// compression, pending-topic tracking and vector indexing.
package memory

import (
	"errors"
	"time"
)

const (
	RecordVersion = "1.0.0"

	TagPendingProcessing = "pending_processing"
	TagNeedsPersonality  = "needs_personality"
	TagIncompleteTopic   = "incomplete_topic"
	TagComplete          = "complete"

	RoleProfile = "roleCard"
	RoleUnknown = "unknown"
)

var (
	ErrInvalidStage = errors.New("invalid compression stage")
	ErrNotFound     = errors.New("memory not found")
)

type Stage string

const (
	StageRaw Stage = "raw"
	StageV1  Stage = "v1"
	StageV2  Stage = "v2"
)

func (s Stage) Valid() bool {
	return s == StageRaw || s == StageV1 || s == StageV2
}

// Rank orders stages; compression only ever moves to a higher rank.
func (s Stage) Rank() int {
	switch s {
	case StageV1:
		return 1
	case StageV2:
		return 2
	default:
		return 0
	}
}

// Record is one persisted memory file.
type Record struct {
	MemoryID            string            `json:"memoryId"`
	Version             string            `json:"version"`
	Meta                Meta              `json:"meta"`
	Content             Content           `json:"content"`
	Compression         Compression       `json:"compression"`
	PendingTopics       PendingTopicBlock `json:"pendingTopics"`
	PersonalityFiltered PersonalityFilter `json:"personalityFiltered"`
	VectorIndex         VectorIndexState  `json:"vectorIndex"`
	Tags                []string          `json:"tags"`

	// FilePath is where the record was loaded from; never serialized.
	FilePath string `json:"-"`
}

type Meta struct {
	CreatedAt         time.Time         `json:"createdAt"`
	Participants      []string          `json:"participants"`
	ParticipantRoles  map[string]string `json:"participantRoles"`
	MessageCount      int               `json:"messageCount"`
	CompressionStage  Stage             `json:"compressionStage"`
	CompressedAt      *time.Time        `json:"compressedAt"`
	ChunkID           string            `json:"chunkId,omitempty"`
	ChunkIndex        *int              `json:"chunkIndex,omitempty"`
	TotalChunks       int               `json:"totalChunks,omitempty"`
	CompletenessScore *float64          `json:"completenessScore,omitempty"`
}

type Content struct {
	Raw       string     `json:"raw"`
	Processed *Processed `json:"processed"`
}

type Processed struct {
	Summary          string            `json:"summary"`
	TopicSummary     string            `json:"topicSummary"`
	KeyTopics        []string          `json:"keyTopics"`
	Facts            []string          `json:"facts"`
	EmotionalJourney EmotionalJourney  `json:"emotionalJourney"`
	MemorableMoments []MemorableMoment `json:"memorableMoments"`
}

type EmotionalJourney struct {
	Start string `json:"start"`
	Peak  string `json:"peak"`
	End   string `json:"end"`
}

type MemorableMoment struct {
	Content    string  `json:"content"`
	Importance float64 `json:"importance"`
	EmotionTag string  `json:"emotionTag"`
	Reason     string  `json:"reason"`
}

type Compression struct {
	V1 *V1Result `json:"v1,omitempty"`
	V2 *V2Result `json:"v2,omitempty"`
}

type V1Result struct {
	CompressedContent     string                `json:"compressedContent"`
	CompressionRatio      float64               `json:"compressionRatio"`
	KeyPoints             []string              `json:"keyPoints"`
	EmotionalHighlights   []EmotionalHighlight  `json:"emotionalHighlights"`
	PersonalityAdjustment PersonalityAdjustment `json:"personalityAdjustment"`
	OriginalLength        int                   `json:"originalLength"`
	CompressedLength      int                   `json:"compressedLength"`
	CompressedAt          time.Time             `json:"compressedAt"`
}

type EmotionalHighlight struct {
	Content   string  `json:"content"`
	Emotion   string  `json:"emotion"`
	Intensity float64 `json:"intensity"`
}

type PersonalityAdjustment struct {
	RetentionFocus  string `json:"retentionFocus"`
	WeakenedContent string `json:"weakenedContent"`
	PreservedReason string `json:"preservedReason"`
}

type V2Result struct {
	CoreMemory       string           `json:"coreMemory"`
	CoreMemoryPoints []string         `json:"coreMemoryPoints"`
	MemoryTraces     MemoryTraces     `json:"memoryTraces"`
	Forgotten        Forgotten        `json:"forgotten"`
	EmotionalResidue EmotionalResidue `json:"emotionalResidue"`
	PersonalityNotes string           `json:"personalityNotes"`
	CompressedAt     time.Time        `json:"compressedAt"`
}

// MemoryTraces sorts what survives the second pass by how sharply it is
// still remembered.
type MemoryTraces struct {
	Clear []string `json:"clear"`
	Fuzzy []string `json:"fuzzy"`
	Vague []string `json:"vague"`
}

type Forgotten struct {
	Details []string `json:"details"`
	Reason  string   `json:"reason"`
}

type EmotionalResidue struct {
	DominantEmotion string  `json:"dominantEmotion"`
	Intensity       float64 `json:"intensity"`
	Summary         string  `json:"summary"`
}

type PendingTopicBlock struct {
	HasUnfinished bool             `json:"hasUnfinished"`
	Topics        []UnfinishedItem `json:"topics"`
}

// UnfinishedItem is a thread the extractor found left open in a conversation.
type UnfinishedItem struct {
	Topic             string  `json:"topic"`
	Context           string  `json:"context"`
	SuggestedFollowUp string  `json:"suggestedFollowUp"`
	Urgency           Urgency `json:"urgency"`
}

type PersonalityFilter struct {
	RetentionScore float64  `json:"retentionScore"`
	LikelyToRecall []string `json:"likelyToRecall"`
	LikelyToForget []string `json:"likelyToForget"`
	ForgetReason   string   `json:"forgetReason,omitempty"`
}

type VectorIndexState struct {
	Indexed   bool       `json:"indexed"`
	IndexedAt *time.Time `json:"indexedAt"`
	AutoIndex bool       `json:"autoIndex"`
}

func defaultPersonalityFilter() PersonalityFilter {
	return PersonalityFilter{RetentionScore: 1.0, LikelyToRecall: []string{}, LikelyToForget: []string{}}
}

func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// PartnerID is the other participant from the owner's point of view.
func (r *Record) PartnerID() string {
	if len(r.Meta.Participants) > 1 {
		return r.Meta.Participants[1]
	}
	return ""
}

// Message is one line of a conversation as seen by the chunker and extractor.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	IsOwner   bool      `json:"isOwner"`
}

// FlipPerspective returns a copy of messages as seen by the other participant.
func FlipPerspective(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		m.IsOwner = !m.IsOwner
		out[i] = m
	}
	return out
}

type Urgency string

const (
	UrgencyHigh   Urgency = "high"
	UrgencyMedium Urgency = "medium"
	UrgencyLow    Urgency = "low"
)

// NormalizeUrgency coerces free-form model output to one of the three levels.
func NormalizeUrgency(u Urgency) Urgency {
	switch Urgency(lower(string(u))) {
	case UrgencyHigh, "urgent", "critical":
		return UrgencyHigh
	case UrgencyLow, "minor":
		return UrgencyLow
	default:
		return UrgencyMedium
	}
}

// Clock returns the current time; tests swap it.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}
