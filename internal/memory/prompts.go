package memory

import (
	"fmt"
	"strings"
)

const (
	topicAnalysisPrompt = `You are a conversation analyst. Split the conversation below into
topic-coherent segments and judge whether each topic was finished.

Owner: %s
Partner: %s
Relation: %s
Interrupted: %s
Message count: %d

Conversation (each line is "[index] speaker: content"):
%s

Rules:
1. Every message index must belong to exactly one segment; segments are contiguous
2. Indices are zero based and must be valid
3. Do not create segments of a single message unless the whole conversation has one
4. completenessScore is in [0.0, 1.0]
5. topicSummary is at most 10 characters
6. If the conversation was interrupted the final topic is usually incomplete

Return strict JSON object only:
{"topicBoundaries":[{"startIndex":0,"endIndex":5,"topicSummary":"...","isComplete":true,"completenessScore":0.9,"reason":"...","suggestedFollowUp":""}],
"overallAnalysis":{"mainTopics":["..."],"dominantEmotion":"...","conversationQuality":"high|medium|low","needsFollowUp":false}}`

	extractionPrompt = `You are a memory analyst for a companion that remembers its owner's
conversations the way the owner would. Analyse the conversation from the owner's point of view
and let the owner's personality decide what is worth remembering.

Owner: %s
Personality:
%s
%s
Partner: %s
Relation: %s

Conversation:
%s

Rules:
1. Stay in the owner's perspective, never a third person
2. Keep concrete facts (dates, names, places, plans)
3. Do not invent anything that was not said
4. importance and retentionScore are in [0.0, 1.0]
5. urgency is one of high/medium/low
6. topicSummary is at most 10 characters

Return strict JSON object only:
{"summary":"2-3 sentences","topicSummary":"...","keyTopics":["..."],"facts":["..."],
"emotionalJourney":{"start":"...","peak":"...","end":"..."},
"memorableMoments":[{"content":"...","importance":0.9,"emotionTag":"...","reason":"..."}],
"pendingTopics":[{"topic":"...","context":"...","suggestedFollowUp":"...","urgency":"medium"}],
"personalityFiltered":{"retentionScore":0.85,"likelyToRecall":["..."],"likelyToForget":["..."],"forgetReason":"..."},
"tags":["..."]}`

	compressV1Prompt = `You compress a memory the way time fades it for this person. Keep
30-50%% of the original, keep every key fact, and let the personality decide which details
survive.

Personality:
%s

Memory:
%s

Rules:
1. Never change facts
2. Keep at least some emotional content even for a rational personality
3. compressionRatio is compressed length over original length

Return strict JSON object only:
{"compressedContent":"...","compressionRatio":0.42,"keyPoints":["..."],
"emotionalHighlights":[{"content":"...","emotion":"...","intensity":0.8}],
"personalityAdjustment":{"retentionFocus":"...","weakenedContent":"...","preservedReason":"..."},
"originalLength":500,"compressedLength":210}`

	compressV2Prompt = `You reduce an already compressed memory to its core, the way a person
remembers something from weeks ago. Sort what remains by how clearly it is still remembered.

Personality:
%s

Memory:
%s

Rules:
1. coreMemory is 100-200 characters
2. clear: recalled unprompted; fuzzy: needs a cue; vague: only an impression
3. Explain what was forgotten and why, based on the personality

Return strict JSON object only:
{"coreMemory":"...","coreMemoryPoints":["..."],
"memoryTraces":{"clear":["..."],"fuzzy":["..."],"vague":["..."]},
"forgotten":{"details":["..."],"reason":"..."},
"emotionalResidue":{"dominantEmotion":"...","intensity":0.6,"summary":"..."},
"personalityNotes":"..."}`

	mentionPrompt = `You write one short, natural opening message for a companion, in
character, that brings up an unfinished topic.

Personality:
%s

Topic: %s
Context: %s
Suggested follow-up: %s
Days since last chat: %d

Rules:
1. 20-50 characters, sounds like a real chat
2. If it has been a while, greet first and then bring up the topic
3. style is one of casual/formal/playful/warm

Return strict JSON object only:
{"message":"...","style":"casual","reasoning":"...","topicIntroduced":true,"alternativeMessages":["..."]}`
)

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// formatIndexedTranscript renders messages as "[i] speaker: content" lines.
func formatIndexedTranscript(messages []Message, ownerName, partnerName string) string {
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "[%d] %s: %s", i, speaker(m, ownerName, partnerName), m.Content)
	}
	return sb.String()
}

// FormatTranscript is the plain transcript stored as a record's raw content.
func FormatTranscript(messages []Message, ownerName, partnerName string) string {
	var sb strings.Builder
	for i, m := range messages {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%d. %s", i+1, speaker(m, ownerName, partnerName))
		if !m.Timestamp.IsZero() {
			fmt.Fprintf(&sb, " [%s]", m.Timestamp.UTC().Format("2006-01-02 15:04"))
		}
		fmt.Fprintf(&sb, ": %s", m.Content)
	}
	return sb.String()
}

func speaker(m Message, ownerName, partnerName string) string {
	if m.IsOwner {
		return firstNonEmpty(ownerName, "owner")
	}
	return firstNonEmpty(partnerName, "partner")
}

func buildTopicAnalysisPrompt(in ChunkInput) string {
	return fmt.Sprintf(topicAnalysisPrompt,
		firstNonEmpty(in.OwnerName, "owner"),
		firstNonEmpty(in.PartnerName, "partner"),
		firstNonEmpty(in.Relation, "unknown"),
		yesNo(in.Interrupted),
		len(in.Messages),
		formatIndexedTranscript(in.Messages, in.OwnerName, in.PartnerName),
	)
}

func buildExtractionPrompt(in ExtractInput, transcript string) string {
	return fmt.Sprintf(extractionPrompt,
		displayName(in.Profile, firstNonEmpty(in.OwnerName, "owner")),
		FormatPersonality(in.Profile),
		relationNote(in.Profile, in.Relation),
		firstNonEmpty(in.PartnerName, "partner"),
		firstNonEmpty(in.Relation, "unknown"),
		transcript,
	)
}

func buildCompressV1Prompt(profile *Profile, content string) string {
	return fmt.Sprintf(compressV1Prompt, FormatPersonality(profile), content)
}

func buildCompressV2Prompt(profile *Profile, content string) string {
	return fmt.Sprintf(compressV2Prompt, FormatPersonality(profile), content)
}

func buildMentionPrompt(profile *Profile, topic *PendingTopic, daysSince int) string {
	return fmt.Sprintf(mentionPrompt,
		FormatPersonality(profile),
		topic.Topic,
		firstNonEmpty(topic.Context, "none"),
		firstNonEmpty(topic.SuggestedFollowUp, "none"),
		daysSince,
	)
}
