package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stellarlinkco/memoryd/internal/llm"
)

const (
	mentionTemperature = 0.7
	mentionMaxTokens   = 300
	defaultStyle       = "casual"
)

var mentionStyles = map[string]bool{"casual": true, "formal": true, "playful": true, "warm": true}

// Mention is an opening line that brings an unfinished topic back up.
type Mention struct {
	Topic    *PendingTopic `json:"topic"`
	Message  string        `json:"message"`
	Style    string        `json:"style"`
	Fallback bool          `json:"fallback"`
}

type mentionReply struct {
	Message             string   `json:"message"`
	Style               string   `json:"style"`
	Reasoning           string   `json:"reasoning"`
	AlternativeMessages []string `json:"alternativeMessages"`
}

// ProfileSource resolves an owner's personality profile; nil with no error
// means the owner has none.
type ProfileSource interface {
	GetProfile(ctx context.Context, ownerID string) (*Profile, error)
}

// Mentioner decides whether to surface a pending topic at the start of a
// chat and phrases it in the owner's voice.
type Mentioner struct {
	topics   *TopicLedger
	profiles ProfileSource
	gen      llm.Generator
	timeout  time.Duration
	clock    Clock
	logger   *slog.Logger
}

type MentionerOption func(*Mentioner)

func WithMentionerClock(c Clock) MentionerOption { return func(m *Mentioner) { m.clock = c } }

func WithMentionerLogger(l *slog.Logger) MentionerOption { return func(m *Mentioner) { m.logger = l } }

func WithMentionerTimeout(d time.Duration) MentionerOption {
	return func(m *Mentioner) { m.timeout = d }
}

func NewMentioner(topics *TopicLedger, profiles ProfileSource, gen llm.Generator, opts ...MentionerOption) *Mentioner {
	m := &Mentioner{topics: topics, profiles: profiles, gen: gen}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default().With("component", "proactive-mentions")
	}
	return m
}

// Compose returns nil when no topic is drawn. Generation problems fall back
// to the topic's suggested follow-up rather than failing.
func (m *Mentioner) Compose(ctx context.Context, ownerID, partnerID string, probability float64, lastChatAt time.Time) (*Mention, error) {
	topic, err := m.topics.GetRandomTopicToMention(ownerID, partnerID, probability)
	if err != nil {
		return nil, fmt.Errorf("pick topic: %w", err)
	}
	if topic == nil {
		return nil, nil
	}

	var profile *Profile
	if m.profiles != nil {
		profile, err = m.profiles.GetProfile(ctx, ownerID)
		if err != nil {
			m.logger.Warn("profile lookup failed, using default personality", "owner", ownerID, "err", err)
			profile = nil
		}
	}

	days := 0
	if !lastChatAt.IsZero() {
		days = ageDays(lastChatAt, m.clock.now())
	}

	if m.gen != nil {
		mention, err := m.generate(ctx, profile, topic, days)
		if err == nil {
			return mention, nil
		}
		m.logger.Warn("mention generation failed, using follow-up", "owner", ownerID, "topicId", topic.ID, "err", err)
	}
	return &Mention{
		Topic:    topic,
		Message:  firstNonEmpty(topic.SuggestedFollowUp, "How did "+topic.Topic+" go?"),
		Style:    defaultStyle,
		Fallback: true,
	}, nil
}

func (m *Mentioner) generate(ctx context.Context, profile *Profile, topic *PendingTopic, days int) (*Mention, error) {
	raw, err := m.gen.Generate(ctx, buildMentionPrompt(profile, topic, days), llm.Options{
		Temperature: mentionTemperature,
		MaxTokens:   mentionMaxTokens,
		Timeout:     m.timeout,
	})
	if err != nil {
		return nil, err
	}
	reply, err := llm.ParseStructured[mentionReply](raw)
	if err != nil {
		return nil, err
	}
	msg := strings.TrimSpace(reply.Message)
	if msg == "" {
		msg = firstNonEmpty(reply.AlternativeMessages...)
	}
	if msg == "" {
		return nil, llm.ErrEmptyResponse
	}
	style := lower(reply.Style)
	if !mentionStyles[style] {
		style = defaultStyle
	}
	return &Mention{Topic: topic, Message: msg, Style: style}, nil
}
