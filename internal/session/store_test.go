package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stellarlinkco/memoryd/internal/logging"
	"github.com/stellarlinkco/memoryd/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := Open("", WithInMemory(), WithClock(func() time.Time { return base }), WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutAssignsIDAndCycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := &Session{OwnerID: "alice", PartnerID: "bob", Relation: RelationFriend, IsActive: true}
	require.NoError(t, s.Put(ctx, sess))
	assert.True(t, strings.HasPrefix(sess.SessionID, "session_"))
	require.NotNil(t, sess.CurrentCycle())
	assert.True(t, strings.HasPrefix(sess.CurrentCycleID, "cycle_"))

	got, err := s.Get(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sess.CurrentCycleID, got.CurrentCycleID)
	assert.Equal(t, base, got.CreatedAt)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Error(t, s.Put(ctx, &Session{OwnerID: "alice"}))
}

func TestAppendMessageAndRotate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := &Session{OwnerID: "alice", PartnerID: "bob"}
	require.NoError(t, s.Put(ctx, sess))

	at := base.Add(time.Minute)
	updated, err := s.AppendMessage(ctx, sess.SessionID, memory.Message{Role: "user", Content: "hi", Timestamp: at})
	require.NoError(t, err)
	assert.True(t, updated.IsActive)
	assert.Equal(t, at, updated.LastMessageAt)
	require.Len(t, updated.CurrentCycle().Messages, 1)

	oldCycle := updated.CurrentCycleID
	rotated, err := s.RotateCycle(ctx, sess.SessionID, base.Add(time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, oldCycle, rotated.CurrentCycleID)
	assert.False(t, rotated.IsActive)
	require.Len(t, rotated.Cycles, 2)
	require.NotNil(t, rotated.Cycles[0].EndedAt)
	assert.Empty(t, rotated.CurrentCycle().Messages)

	_, err = s.RotateCycle(ctx, "missing", base)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRotateWithoutPriorCycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := &Session{SessionID: "s1", OwnerID: "alice", PartnerID: "bob"}
	require.NoError(t, s.Put(ctx, sess))
	// Simulate a legacy record with no cycles.
	sess.Cycles = nil
	sess.CurrentCycleID = ""
	require.NoError(t, s.db.Update(func(txn *badger.Txn) error { return setJSON(txn, sessionPrefix+"s1", sess) }))

	rotated, err := s.RotateCycle(ctx, "s1", base)
	require.NoError(t, err)
	require.Len(t, rotated.Cycles, 1)
	assert.NotEmpty(t, rotated.CurrentCycleID)
}

func TestListTimedOut(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	mk := func(id string, active bool, last time.Time) {
		require.NoError(t, s.Put(ctx, &Session{SessionID: id, OwnerID: "alice", PartnerID: "p" + id, IsActive: active, LastMessageAt: last}))
	}
	mk("stale", true, base.Add(-45*time.Minute))
	mk("older", true, base.Add(-2*time.Hour))
	mk("fresh", true, base.Add(-5*time.Minute))
	mk("closed", false, base.Add(-3*time.Hour))

	out, err := s.ListTimedOut(ctx, base.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "older", out[0].SessionID)
	assert.Equal(t, "stale", out[1].SessionID)
}

func TestProfilesAndDisplayName(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, p)

	require.NoError(t, s.PutProfile(ctx, &memory.Profile{OwnerID: "alice", Name: "Alice"}))
	require.NoError(t, s.PutUser(ctx, User{ID: "bob", Name: "Bobby"}))
	assert.Error(t, s.PutProfile(ctx, &memory.Profile{}))

	name, err := s.DisplayName(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bobby", name)
	name, err = s.DisplayName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)
	name, err = s.DisplayName(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", name)

	all, err := s.ListProfiles(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

const profileYAML = `ownerId: alice
name: Alice
coreLayer:
  personalityTraits: [warm, curious]
  communicationStyle: gentle
  values: [family]
relationNotes:
  family: protective
---
ownerId: bob
name: Bob
coreLayer:
  personalityTraits: [dry humour]
`

func TestImportProfileFile(t *testing.T) {
	s := openTestStore(t)
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profileYAML), 0o644))

	profiles, err := ImportProfileFile(context.Background(), s, path)
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	alice, err := s.GetProfile(context.Background(), "alice")
	require.NoError(t, err)
	require.NotNil(t, alice)
	assert.Equal(t, []string{"warm", "curious"}, alice.CoreLayer.PersonalityTraits)
	assert.Equal(t, "protective", alice.RelationNotes["family"])

	_, err = DecodeProfiles(strings.NewReader("name: nobody\n"))
	assert.Error(t, err)
}

type countingProfiles struct {
	calls atomic.Int32
	p     *memory.Profile
}

func (c *countingProfiles) GetProfile(context.Context, string) (*memory.Profile, error) {
	c.calls.Add(1)
	return c.p, nil
}

func TestCachedProfiles(t *testing.T) {
	inner := &countingProfiles{p: &memory.Profile{OwnerID: "alice", Name: "Alice"}}
	cached, err := NewCachedProfiles(inner, 10)
	require.NoError(t, err)
	defer cached.Close()

	for i := 0; i < 3; i++ {
		p, err := cached.GetProfile(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", p.Name)
	}
	assert.Equal(t, int32(1), inner.calls.Load())

	cached.Invalidate("alice")
	_, err = cached.GetProfile(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())

	missing := &countingProfiles{}
	cachedMissing, err := NewCachedProfiles(missing, 0)
	require.NoError(t, err)
	defer cachedMissing.Close()
	for i := 0; i < 2; i++ {
		p, err := cachedMissing.GetProfile(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Nil(t, p)
	}
	assert.Equal(t, int32(2), missing.calls.Load())
}
