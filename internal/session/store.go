package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/stellarlinkco/memoryd/internal/memory"
)

const (
	sessionPrefix = "session/"
	profilePrefix = "profile/"
	userPrefix    = "user/"
)

// Store is what the timeout sweep needs from session storage.
type Store interface {
	ListTimedOut(ctx context.Context, cutoff time.Time) ([]*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	RotateCycle(ctx context.Context, sessionID string, at time.Time) (*Session, error)
	AppendMessage(ctx context.Context, sessionID string, msg memory.Message) (*Session, error)
}

// ProfileStore resolves personality profiles. A missing profile is
// (nil, nil), not an error.
type ProfileStore interface {
	GetProfile(ctx context.Context, ownerID string) (*memory.Profile, error)
}

type UserDirectory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BadgerStore keeps sessions, profiles and users as JSON values under
// prefixed keys in one badger database.
type BadgerStore struct {
	db     *badger.DB
	clock  func() time.Time
	logger *slog.Logger
}

type Option func(*options)

type options struct {
	inMemory bool
	clock    func() time.Time
	logger   *slog.Logger
}

// WithInMemory keeps everything in memory; the path is ignored.
func WithInMemory() Option { return func(o *options) { o.inMemory = true } }

func WithClock(c func() time.Time) Option { return func(o *options) { o.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func Open(path string, opts ...Option) (*BadgerStore, error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "session-store")
	}

	bopts := badger.DefaultOptions(path).WithLogger(badgerLogger{o.logger})
	if o.inMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{o.logger})
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	return &BadgerStore{db: db, clock: o.clock, logger: o.logger}, nil
}

func (s *BadgerStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BadgerStore) now() time.Time { return s.clock().UTC() }

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

func (s *BadgerStore) Get(_ context.Context, sessionID string) (*Session, error) {
	var out Session
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, sessionPrefix+sessionID, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return &out, nil
}

// Put writes the session, assigning an id and an initial cycle when missing.
func (s *BadgerStore) Put(_ context.Context, sess *Session) error {
	if sess.OwnerID == "" || sess.PartnerID == "" {
		return errors.New("session needs owner and partner ids")
	}
	if sess.SessionID == "" {
		sess.SessionID = "session_" + uuid.New().String()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	if sess.CurrentCycle() == nil {
		sess.startCycle(s.now())
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, sessionPrefix+sess.SessionID, sess)
	})
}

// update runs fn on the stored session inside one read-write transaction.
func (s *BadgerStore) update(sessionID string, fn func(*Session) error) (*Session, error) {
	var out Session
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, sessionPrefix+sessionID, &out); err != nil {
			return err
		}
		if err := fn(&out); err != nil {
			return err
		}
		return setJSON(txn, sessionPrefix+sessionID, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendMessage adds msg to the current cycle and reactivates the session.
func (s *BadgerStore) AppendMessage(_ context.Context, sessionID string, msg memory.Message) (*Session, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	out, err := s.update(sessionID, func(sess *Session) error {
		cycle := sess.CurrentCycle()
		if cycle == nil || cycle.EndedAt != nil {
			cycle = sess.startCycle(msg.Timestamp)
		}
		cycle.Messages = append(cycle.Messages, msg)
		sess.LastMessageAt = msg.Timestamp
		sess.IsActive = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append message to %s: %w", sessionID, err)
	}
	return out, nil
}

// RotateCycle ends the current cycle, opens a fresh one and marks the
// session inactive until its next message. It works on sessions with no
// prior cycle too.
func (s *BadgerStore) RotateCycle(_ context.Context, sessionID string, at time.Time) (*Session, error) {
	out, err := s.update(sessionID, func(sess *Session) error {
		sess.startCycle(at.UTC())
		sess.IsActive = false
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rotate cycle of %s: %w", sessionID, err)
	}
	s.logger.Debug("cycle rotated", "session", sessionID, "cycle", out.CurrentCycleID)
	return out, nil
}

func (s *BadgerStore) scan(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListSessions returns every stored session ordered by id.
func (s *BadgerStore) ListSessions(_ context.Context) ([]*Session, error) {
	var out []*Session
	err := s.scan(sessionPrefix, func(val []byte) error {
		var sess Session
		if err := json.Unmarshal(val, &sess); err != nil {
			s.logger.Warn("skipping undecodable session", "err", err)
			return nil
		}
		out = append(out, &sess)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// ListTimedOut returns active sessions whose last message is before cutoff,
// oldest first.
func (s *BadgerStore) ListTimedOut(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	all, err := s.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, sess := range all {
		if sess.IsActive && sess.LastMessageAt.Before(cutoff) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.Before(out[j].LastMessageAt) })
	return out, nil
}

func (s *BadgerStore) GetProfile(_ context.Context, ownerID string) (*memory.Profile, error) {
	var p memory.Profile
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, profilePrefix+ownerID, &p)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", ownerID, err)
	}
	return &p, nil
}

func (s *BadgerStore) PutProfile(_ context.Context, p *memory.Profile) error {
	if strings.TrimSpace(p.OwnerID) == "" {
		return errors.New("profile needs an ownerId")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, profilePrefix+p.OwnerID, p)
	})
}

func (s *BadgerStore) ListProfiles(_ context.Context) ([]*memory.Profile, error) {
	var out []*memory.Profile
	err := s.scan(profilePrefix, func(val []byte) error {
		var p memory.Profile
		if err := json.Unmarshal(val, &p); err != nil {
			return err
		}
		out = append(out, &p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) PutUser(_ context.Context, u User) error {
	if u.ID == "" {
		return errors.New("user needs an id")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, userPrefix+u.ID, u)
	})
}

// DisplayName falls back to the profile name and then to the id itself.
func (s *BadgerStore) DisplayName(ctx context.Context, userID string) (string, error) {
	var u User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userPrefix+userID, &u)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("get user %s: %w", userID, err)
	}
	if strings.TrimSpace(u.Name) != "" {
		return u.Name, nil
	}
	p, err := s.GetProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	if p != nil && strings.TrimSpace(p.Name) != "" {
		return p.Name, nil
	}
	return userID, nil
}

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
