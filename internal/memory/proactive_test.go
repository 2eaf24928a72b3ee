package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stellarlinkco/memoryd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticProfiles map[string]*Profile

func (s staticProfiles) GetProfile(_ context.Context, ownerID string) (*Profile, error) {
	return s[ownerID], nil
}

type brokenProfiles struct{}

func (brokenProfiles) GetProfile(context.Context, string) (*Profile, error) {
	return nil, errors.New("profile store offline")
}

func mentionSetup(t *testing.T, gen *mockGenerator, profiles ProfileSource) (*Mentioner, *PendingTopic, *movableClock) {
	t.Helper()
	clock := &movableClock{now: time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)}
	ledger := newTestLedger(t, clock, &scriptedRand{})
	topic, err := ledger.AddTopic("alice", TopicInput{
		Topic:             "job interview",
		Context:           "Bob had an interview on Monday",
		SuggestedFollowUp: "How did the interview go?",
		WithUserID:        "bob",
	})
	require.NoError(t, err)
	m := NewMentioner(ledger, profiles, gen, WithMentionerClock(clock.Now), WithMentionerLogger(logging.Discard()))
	return m, topic, clock
}

func TestCompose_GeneratesInCharacter(t *testing.T) {
	gen := reply(`{"message":"Hey, it's been a while! How did the interview go?","style":"Warm","topicIntroduced":true}`)
	m, topic, clock := mentionSetup(t, gen, staticProfiles{"alice": testProfile()})

	got, err := m.Compose(context.Background(), "alice", "bob", 1, clock.now.Add(-72*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Fallback)
	assert.Equal(t, "warm", got.Style)
	assert.Equal(t, topic.ID, got.Topic.ID)
	assert.Equal(t, 1, got.Topic.CheckCount)

	require.Equal(t, 1, gen.calls())
	assert.Contains(t, gen.prompts[0], "Days since last chat: 3")
	assert.Contains(t, gen.prompts[0], "Traits: warm, curious")
	assert.Equal(t, 0.7, gen.opts[0].Temperature)
}

func TestCompose_FallsBackToFollowUp(t *testing.T) {
	tests := []struct {
		name     string
		gen      *mockGenerator
		profiles ProfileSource
	}{
		{"generation error", failing(errors.New("timeout")), staticProfiles{}},
		{"empty message", reply(`{"message":"","style":"casual"}`), staticProfiles{}},
		{"profile error", failing(errors.New("timeout")), brokenProfiles{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _ := mentionSetup(t, tt.gen, tt.profiles)
			got, err := m.Compose(context.Background(), "alice", "bob", 1, time.Time{})
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.True(t, got.Fallback)
			assert.Equal(t, "How did the interview go?", got.Message)
			assert.Equal(t, "casual", got.Style)
		})
	}
}

func TestCompose_NoTopicDrawn(t *testing.T) {
	gen := reply(`{"message":"hi"}`)
	m, _, _ := mentionSetup(t, gen, nil)

	got, err := m.Compose(context.Background(), "alice", "bob", 0, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = m.Compose(context.Background(), "alice", "carol", 1, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, gen.calls())
}
