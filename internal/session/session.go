// Package session stores live chat sessions, their message cycles and the
// owners' personality profiles in badger.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/stellarlinkco/memoryd/internal/memory"
)

var ErrNotFound = errors.New("not found")

type Relation string

const (
	RelationFamily   Relation = "family"
	RelationFriend   Relation = "friend"
	RelationStranger Relation = "stranger"
)

// Session is one owner/partner conversation thread. Messages are grouped
// into cycles; a cycle closes when the session times out.
type Session struct {
	SessionID      string    `json:"sessionId"`
	OwnerID        string    `json:"ownerId"`
	PartnerID      string    `json:"partnerId"`
	Relation       Relation  `json:"relation"`
	IsActive       bool      `json:"isActive"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	CurrentCycleID string    `json:"currentCycleId"`
	Cycles         []Cycle   `json:"cycles"`
	CreatedAt      time.Time `json:"createdAt"`
}

type Cycle struct {
	CycleID   string           `json:"cycleId"`
	StartedAt time.Time        `json:"startedAt"`
	EndedAt   *time.Time       `json:"endedAt"`
	Messages  []memory.Message `json:"messages"`
}

func NewCycleID() string {
	return "cycle_" + uuid.New().String()
}

// CurrentCycle returns the open cycle, or nil when the session has none.
func (s *Session) CurrentCycle() *Cycle {
	if s.CurrentCycleID == "" {
		return nil
	}
	for i := range s.Cycles {
		if s.Cycles[i].CycleID == s.CurrentCycleID {
			return &s.Cycles[i]
		}
	}
	return nil
}

// startCycle closes the current cycle at `at` (if any) and opens a new one.
func (s *Session) startCycle(at time.Time) *Cycle {
	if cur := s.CurrentCycle(); cur != nil && cur.EndedAt == nil {
		ended := at
		cur.EndedAt = &ended
	}
	s.Cycles = append(s.Cycles, Cycle{CycleID: NewCycleID(), StartedAt: at, Messages: []memory.Message{}})
	s.CurrentCycleID = s.Cycles[len(s.Cycles)-1].CycleID
	return &s.Cycles[len(s.Cycles)-1]
}
