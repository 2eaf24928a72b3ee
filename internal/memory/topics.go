package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	topicsFile            = "pending_topics.json"
	DefaultTopicMaxAge    = 7 * 24 * time.Hour
	highUrgencyPreference = 0.7
	TopicStatusPending    = "pending"
	TopicStatusAddressed  = "addressed"
)

// PendingTopic is a follow-up an owner may bring up with a partner later.
type PendingTopic struct {
	ID                string     `json:"id"`
	Topic             string     `json:"topic"`
	Context           string     `json:"context"`
	SuggestedFollowUp string     `json:"suggestedFollowUp"`
	WithUserID        string     `json:"withUserId"`
	ConversationID    string     `json:"conversationId"`
	Urgency           Urgency    `json:"urgency"`
	CreatedAt         time.Time  `json:"createdAt"`
	LastChecked       *time.Time `json:"lastChecked"`
	CheckCount        int        `json:"checkCount"`
	Status            string     `json:"status"`
}

type TopicInput struct {
	Topic             string
	Context           string
	SuggestedFollowUp string
	WithUserID        string
	ConversationID    string
	Urgency           Urgency
}

type topicLedgerFile struct {
	UserID        string         `json:"userId"`
	PendingTopics []PendingTopic `json:"pendingTopics"`
}

// Random is the subset of math/rand the ledger draws from.
type Random interface {
	Float64() float64
	Intn(n int) int
}

// lockedRand makes a *rand.Rand safe for concurrent callers.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Float64()
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}

// TopicLedger keeps each owner's pending topics in {base}/{owner}/pending_topics.json.
type TopicLedger struct {
	basePath string
	maxAge   time.Duration
	locks    *KeyedMutex
	clock    Clock
	rand     Random
	logger   *slog.Logger
}

type TopicOption func(*TopicLedger)

func WithTopicClock(c Clock) TopicOption { return func(l *TopicLedger) { l.clock = c } }

func WithTopicRand(r Random) TopicOption { return func(l *TopicLedger) { l.rand = r } }

func WithTopicLocks(k *KeyedMutex) TopicOption { return func(l *TopicLedger) { l.locks = k } }

func WithTopicLogger(lg *slog.Logger) TopicOption { return func(l *TopicLedger) { l.logger = lg } }

func WithTopicMaxAge(d time.Duration) TopicOption {
	return func(l *TopicLedger) {
		if d > 0 {
			l.maxAge = d
		}
	}
}

func NewTopicLedger(basePath string, opts ...TopicOption) *TopicLedger {
	l := &TopicLedger{basePath: basePath, maxAge: DefaultTopicMaxAge}
	for _, opt := range opts {
		opt(l)
	}
	if l.locks == nil {
		l.locks = NewKeyedMutex()
	}
	if l.rand == nil {
		l.rand = &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
	}
	if l.logger == nil {
		l.logger = slog.Default().With("component", "pending-topics")
	}
	return l
}

func (l *TopicLedger) path(ownerID string) string {
	return filepath.Join(l.basePath, ownerID, topicsFile)
}

func (l *TopicLedger) read(ownerID string) ([]PendingTopic, error) {
	data, err := os.ReadFile(l.path(ownerID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []PendingTopic{}, nil
		}
		return nil, fmt.Errorf("read pending topics: %w", err)
	}
	var file topicLedgerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode pending topics: %w", err)
	}
	if file.PendingTopics == nil {
		file.PendingTopics = []PendingTopic{}
	}
	return file.PendingTopics, nil
}

func (l *TopicLedger) write(ownerID string, topics []PendingTopic) error {
	if err := os.MkdirAll(filepath.Join(l.basePath, ownerID), 0755); err != nil {
		return fmt.Errorf("create owner dir: %w", err)
	}
	if topics == nil {
		topics = []PendingTopic{}
	}
	if err := writeJSONFile(l.path(ownerID), topicLedgerFile{UserID: ownerID, PendingTopics: topics}); err != nil {
		return fmt.Errorf("write pending topics: %w", err)
	}
	return nil
}

// load reads the ledger and drops expired entries, persisting the prune.
// Callers hold the owner lock.
func (l *TopicLedger) load(ownerID string) ([]PendingTopic, error) {
	topics, err := l.read(ownerID)
	if err != nil {
		return nil, err
	}
	cutoff := l.clock.now().Add(-l.maxAge)
	kept := topics[:0:0]
	for _, t := range topics {
		if t.CreatedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, t)
	}
	if removed := len(topics) - len(kept); removed > 0 {
		if err := l.write(ownerID, kept); err != nil {
			return nil, err
		}
		l.logger.Info("expired pending topics pruned", "owner", ownerID, "removed", removed)
	}
	return kept, nil
}

func (l *TopicLedger) GetPendingTopics(ownerID string) ([]PendingTopic, error) {
	if err := validateID("owner", ownerID); err != nil {
		return nil, err
	}
	unlock := l.locks.Lock(ownerID)
	defer unlock()
	return l.load(ownerID)
}

func (l *TopicLedger) AddTopic(ownerID string, in TopicInput) (*PendingTopic, error) {
	if err := validateID("owner", ownerID); err != nil {
		return nil, err
	}
	topic := PendingTopic{
		ID:                "topic_" + uuid.New().String(),
		Topic:             in.Topic,
		Context:           in.Context,
		SuggestedFollowUp: in.SuggestedFollowUp,
		WithUserID:        in.WithUserID,
		ConversationID:    in.ConversationID,
		Urgency:           UrgencyMedium,
		CreatedAt:         l.clock.now(),
		Status:            TopicStatusPending,
	}
	if in.Urgency != "" {
		topic.Urgency = NormalizeUrgency(in.Urgency)
	}

	unlock := l.locks.Lock(ownerID)
	defer unlock()
	topics, err := l.load(ownerID)
	if err != nil {
		return nil, err
	}
	topics = append(topics, topic)
	if err := l.write(ownerID, topics); err != nil {
		return nil, err
	}
	l.logger.Debug("pending topic added", "owner", ownerID, "topicId", topic.ID, "urgency", topic.Urgency)
	return &topic, nil
}

// mutate applies fn to the topic with topicID and persists the ledger.
// A missing topic yields (nil, nil).
func (l *TopicLedger) mutate(ownerID, topicID string, fn func(*PendingTopic)) (*PendingTopic, error) {
	if err := validateID("owner", ownerID); err != nil {
		return nil, err
	}
	unlock := l.locks.Lock(ownerID)
	defer unlock()
	topics, err := l.load(ownerID)
	if err != nil {
		return nil, err
	}
	for i := range topics {
		if topics[i].ID != topicID {
			continue
		}
		fn(&topics[i])
		if err := l.write(ownerID, topics); err != nil {
			return nil, err
		}
		out := topics[i]
		return &out, nil
	}
	return nil, nil
}

func (l *TopicLedger) ClearTopic(ownerID, topicID string) (bool, error) {
	if err := validateID("owner", ownerID); err != nil {
		return false, err
	}
	unlock := l.locks.Lock(ownerID)
	defer unlock()
	topics, err := l.load(ownerID)
	if err != nil {
		return false, err
	}
	for i := range topics {
		if topics[i].ID == topicID {
			topics = append(topics[:i], topics[i+1:]...)
			return true, l.write(ownerID, topics)
		}
	}
	return false, nil
}

func (l *TopicLedger) MarkAsChecked(ownerID, topicID string) (*PendingTopic, error) {
	now := l.clock.now()
	return l.mutate(ownerID, topicID, func(t *PendingTopic) {
		t.LastChecked = &now
		t.CheckCount++
	})
}

func (l *TopicLedger) UpdateTopicStatus(ownerID, topicID, status string) (*PendingTopic, error) {
	if status != TopicStatusPending && status != TopicStatusAddressed {
		return nil, fmt.Errorf("invalid topic status %q", status)
	}
	return l.mutate(ownerID, topicID, func(t *PendingTopic) {
		t.Status = status
	})
}

// GetTopicsForPartner lists the still-pending topics the owner holds about partnerID.
func (l *TopicLedger) GetTopicsForPartner(ownerID, partnerID string) ([]PendingTopic, error) {
	topics, err := l.GetPendingTopics(ownerID)
	if err != nil {
		return nil, err
	}
	out := []PendingTopic{}
	for _, t := range topics {
		if t.WithUserID == partnerID && t.Status == TopicStatusPending {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetRandomTopicToMention returns a topic to raise with partnerID with the
// given probability, favouring high urgency. The picked topic is marked as
// checked.
func (l *TopicLedger) GetRandomTopicToMention(ownerID, partnerID string, probability float64) (*PendingTopic, error) {
	if probability <= 0 {
		return nil, nil
	}
	if probability < 1 && l.rand.Float64() >= probability {
		return nil, nil
	}
	candidates, err := l.GetTopicsForPartner(ownerID, partnerID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	pool := candidates
	var high []PendingTopic
	for _, t := range candidates {
		if t.Urgency == UrgencyHigh {
			high = append(high, t)
		}
	}
	if len(high) > 0 && l.rand.Float64() < highUrgencyPreference {
		pool = high
	}
	picked := pool[l.rand.Intn(len(pool))]

	checked, err := l.MarkAsChecked(ownerID, picked.ID)
	if err != nil {
		return nil, err
	}
	if checked == nil {
		// Pruned or cleared between the read and the mark.
		return &picked, nil
	}
	return checked, nil
}

type TopicStats struct {
	Total     int             `json:"total"`
	ByUrgency map[Urgency]int `json:"byUrgency"`
	ByStatus  map[string]int  `json:"byStatus"`
	ByPartner map[string]int  `json:"byPartner"`
	Oldest    *time.Time      `json:"oldest"`
}

func (l *TopicLedger) GetTopicStats(ownerID string) (*TopicStats, error) {
	topics, err := l.GetPendingTopics(ownerID)
	if err != nil {
		return nil, err
	}
	stats := &TopicStats{
		Total:     len(topics),
		ByUrgency: map[Urgency]int{UrgencyHigh: 0, UrgencyMedium: 0, UrgencyLow: 0},
		ByStatus:  map[string]int{TopicStatusPending: 0, TopicStatusAddressed: 0},
		ByPartner: map[string]int{},
	}
	for _, t := range topics {
		stats.ByUrgency[t.Urgency]++
		stats.ByStatus[t.Status]++
		stats.ByPartner[t.WithUserID]++
		created := t.CreatedAt
		if stats.Oldest == nil || created.Before(*stats.Oldest) {
			stats.Oldest = &created
		}
	}
	return stats, nil
}

// SortTopicsByUrgency orders topics high first, oldest first within a level.
func SortTopicsByUrgency(topics []PendingTopic) {
	rank := map[Urgency]int{UrgencyHigh: 0, UrgencyMedium: 1, UrgencyLow: 2}
	sort.SliceStable(topics, func(i, j int) bool {
		if rank[topics[i].Urgency] != rank[topics[j].Urgency] {
			return rank[topics[i].Urgency] < rank[topics[j].Urgency]
		}
		return topics[i].CreatedAt.Before(topics[j].CreatedAt)
	})
}
