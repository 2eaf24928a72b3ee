// Package scheduler runs the timed parts of the memory lifecycle: the
// daily compression sweep and the session-timeout sweep that turns idle
// conversations into memories.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/memoryd/internal/memory"
	"github.com/stellarlinkco/memoryd/internal/session"
)

const (
	DefaultCompressionHour = 3
	DefaultSessionInterval = 5 * time.Minute
	DefaultSessionTimeout  = 30 * time.Minute

	minMessagesToExtract = 2
	stopTimeout          = 5 * time.Second
)

type Config struct {
	// CompressionHour is the hour of the daily sweep; nil means
	// DefaultCompressionHour.
	CompressionHour *int
	SessionInterval time.Duration
	SessionTimeout  time.Duration
	// StatePath, when set, receives the status after each run so other
	// processes can read it.
	StatePath string
}

// Deps are the collaborators the sweeps drive. Topics, Indexer and Users
// are optional.
type Deps struct {
	Store      *memory.Store
	Topics     *memory.TopicLedger
	Extractor  *memory.Extractor
	Compressor *memory.Compressor
	Indexer    *memory.Indexer
	Sessions   session.Store
	Profiles   session.ProfileStore
	Users      session.UserDirectory
}

type Service struct {
	cfg    Config
	deps   Deps
	hour   int
	clock  func() time.Time
	logger *slog.Logger

	compressing atomic.Bool
	sweeping    atomic.Bool

	mu         sync.Mutex
	status     Status
	cron       *rcron.Cron
	compressID rcron.EntryID
	sessionID  rcron.EntryID
	cancel     context.CancelFunc
	stopCh     chan struct{}
}

type Option func(*Service)

func WithClock(c func() time.Time) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

func NewService(cfg Config, deps Deps, opts ...Option) *Service {
	hour := DefaultCompressionHour
	if h := cfg.CompressionHour; h != nil && *h >= 0 && *h <= 23 {
		hour = *h
	}
	if cfg.SessionInterval <= 0 {
		cfg.SessionInterval = DefaultSessionInterval
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	s := &Service{cfg: cfg, deps: deps, hour: hour, clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "scheduler")
	}
	s.restore()
	return s
}

// restore seeds the last-run fields from the state file so a run in this
// process does not erase what another process recorded.
func (s *Service) restore() {
	if s.cfg.StatePath == "" {
		return
	}
	prev, err := LoadStatus(s.cfg.StatePath)
	if err != nil {
		s.logger.Warn("reading scheduler state failed", "path", s.cfg.StatePath, "err", err)
		return
	}
	s.status.LastCompressionAt = prev.LastCompressionAt
	s.status.LastCompression = prev.LastCompression
	s.status.LastSessionSweepAt = prev.LastSessionSweepAt
	s.status.LastSessionSweep = prev.LastSessionSweep
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// CompressionSpec is the six-field cron expression of the daily sweep.
func (s *Service) CompressionSpec() string {
	return fmt.Sprintf("0 0 %d * * *", s.hour)
}

func (s *Service) SessionSpec() string {
	return "@every " + s.cfg.SessionInterval.String()
}

// Start registers both jobs and returns; they run until Stop or until ctx
// is cancelled.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	c := rcron.New(rcron.WithSeconds())
	compressID, err := c.AddFunc(s.CompressionSpec(), s.guarded(runCtx, "compression", &s.compressing, s.compressionJob))
	if err != nil {
		cancel()
		return fmt.Errorf("register compression job: %w", err)
	}
	sessionID, err := c.AddFunc(s.SessionSpec(), s.guarded(runCtx, "session-sweep", &s.sweeping, s.sessionJob))
	if err != nil {
		cancel()
		return fmt.Errorf("register session job: %w", err)
	}

	s.mu.Lock()
	s.cron = c
	s.compressID = compressID
	s.sessionID = sessionID
	s.cancel = cancel
	s.stopCh = stopCh
	s.status.Running = true
	s.mu.Unlock()

	c.Start()
	s.logger.Info("scheduler started", "compression", s.CompressionSpec(), "sessions", s.SessionSpec())

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()
	return nil
}

// guarded skips a tick while the previous run of the same job is still going.
func (s *Service) guarded(ctx context.Context, name string, flag *atomic.Bool, job func(context.Context)) func() {
	return func() {
		if !flag.CompareAndSwap(false, true) {
			s.logger.Warn("previous run still in progress, skipping tick", "job", name)
			return
		}
		defer flag.Store(false)
		job(ctx)
	}
}

func (s *Service) compressionJob(ctx context.Context) {
	if _, err := s.RunCompressionSweep(ctx); err != nil {
		s.logger.Error("compression sweep failed", "err", err)
	}
}

func (s *Service) sessionJob(ctx context.Context) {
	if _, err := s.CheckSessionTimeouts(ctx); err != nil {
		s.logger.Error("session sweep failed", "err", err)
	}
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel, stopCh, c := s.cancel, s.stopCh, s.cron
	s.cancel, s.stopCh, s.cron = nil, nil, nil
	s.status.Running = false
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	close(stopCh)
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(stopTimeout):
		s.logger.Warn("stop timed out waiting for running jobs")
	}
	s.logger.Info("scheduler stopped")
}

type SweepError struct {
	OwnerID   string `json:"ownerId,omitempty"`
	MemoryID  string `json:"memoryId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error"`
}

type CompressionReport struct {
	Owners     int           `json:"owners"`
	Scanned    int           `json:"scanned"`
	Compressed int           `json:"compressed"`
	V1         int           `json:"v1"`
	V2         int           `json:"v2"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Reindexed  int           `json:"reindexed"`
	Errors     []SweepError  `json:"errors"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
}

// RunCompressionSweep compresses every record that is old enough for its
// next stage. A failing owner or record is reported and skipped.
func (s *Service) RunCompressionSweep(ctx context.Context) (*CompressionReport, error) {
	report := &CompressionReport{Errors: []SweepError{}, StartedAt: s.now()}
	owners, err := s.deps.Store.ListOwners()
	if err != nil {
		return report, fmt.Errorf("list owners: %w", err)
	}
	report.Owners = len(owners)

	for _, owner := range owners {
		if ctx.Err() != nil {
			break
		}
		if err := s.compressOwner(ctx, owner, report); err != nil {
			report.Errors = append(report.Errors, SweepError{OwnerID: owner, Error: err.Error()})
			s.logger.Error("compression failed for owner", "owner", owner, "err", err)
		}
	}

	report.Duration = s.now().Sub(report.StartedAt)
	s.mu.Lock()
	at := report.StartedAt
	s.status.LastCompressionAt = &at
	s.status.LastCompression = report
	s.mu.Unlock()
	s.persist()

	s.logger.Info("compression sweep finished",
		"owners", report.Owners, "scanned", report.Scanned, "compressed", report.Compressed,
		"v1", report.V1, "v2", report.V2, "failed", report.Failed)
	return report, ctx.Err()
}

func (s *Service) profile(ctx context.Context, ownerID string) *memory.Profile {
	if s.deps.Profiles == nil {
		return nil
	}
	p, err := s.deps.Profiles.GetProfile(ctx, ownerID)
	if err != nil {
		s.logger.Warn("profile lookup failed", "owner", ownerID, "err", err)
		return nil
	}
	return p
}

func (s *Service) compressOwner(ctx context.Context, owner string, report *CompressionReport) error {
	memories, err := s.deps.Store.LoadUserMemories(owner)
	if err != nil {
		return err
	}
	profile := s.profile(ctx, owner)

	for _, records := range memories {
		for _, rec := range records {
			report.Scanned++
			outcome, err := s.deps.Compressor.Compress(ctx, rec, profile)
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, SweepError{OwnerID: owner, MemoryID: rec.MemoryID, Error: err.Error()})
				continue
			}
			if outcome == nil {
				continue
			}
			if outcome.Skipped {
				report.Skipped++
				continue
			}

			updated, err := s.deps.Store.AdvanceStage(rec.FilePath, outcome.TargetStage, outcome.Patch())
			if err != nil {
				report.Failed++
				report.Errors = append(report.Errors, SweepError{OwnerID: owner, MemoryID: rec.MemoryID, Error: err.Error()})
				continue
			}
			report.Compressed++
			if outcome.TargetStage == memory.StageV1 {
				report.V1++
			} else {
				report.V2++
			}
			if s.reindex(ctx, owner, updated) {
				report.Reindexed++
			}
		}
	}
	return nil
}

// reindex refreshes a compressed record's vector entry through the
// owner's queue, so it never runs beside another index job for the same
// owner. A queued record counts as reindexed. Failure only logs.
func (s *Service) reindex(ctx context.Context, owner string, rec *memory.Record) bool {
	if s.deps.Indexer == nil {
		return false
	}
	ticket := s.deps.Indexer.IndexConversationMemory(ctx, owner, rec)
	if ticket.Queued {
		return true
	}
	if !ticket.Result.Success {
		s.logger.Warn("reindex after compression failed", "owner", owner, "memoryId", rec.MemoryID, "err", ticket.Result.Error)
		return false
	}
	return true
}

type TimeoutReport struct {
	Checked      int          `json:"checked"`
	TimedOut     int          `json:"timedOut"`
	Processed    int          `json:"processed"`
	Skipped      int          `json:"skipped"`
	Failed       int          `json:"failed"`
	RotateFailed int          `json:"rotateFailed"`
	Errors       []SweepError `json:"errors"`
	StartedAt    time.Time    `json:"startedAt"`
}

// CheckSessionTimeouts closes every active session idle for longer than
// the timeout. Conversations with enough messages are saved as memories
// for both participants; the cycle is rotated either way.
func (s *Service) CheckSessionTimeouts(ctx context.Context) (*TimeoutReport, error) {
	now := s.now()
	report := &TimeoutReport{Errors: []SweepError{}, StartedAt: now}
	sessions, err := s.deps.Sessions.ListTimedOut(ctx, now.Add(-s.cfg.SessionTimeout))
	if err != nil {
		return report, fmt.Errorf("list timed out sessions: %w", err)
	}

	for _, sess := range sessions {
		report.Checked++
		report.TimedOut++
		switch err := s.endCycle(ctx, sess); {
		case errors.Is(err, errTooShort):
			report.Skipped++
		case err != nil:
			report.Failed++
			report.Errors = append(report.Errors, SweepError{OwnerID: sess.OwnerID, SessionID: sess.SessionID, Error: err.Error()})
			s.logger.Error("saving timed out conversation failed", "session", sess.SessionID, "err", err)
		default:
			report.Processed++
		}

		if _, err := s.deps.Sessions.RotateCycle(ctx, sess.SessionID, now); err != nil {
			report.RotateFailed++
			report.Errors = append(report.Errors, SweepError{SessionID: sess.SessionID, Error: err.Error()})
			s.logger.Error("rotating cycle failed", "session", sess.SessionID, "err", err)
		}
	}

	s.mu.Lock()
	at := now
	s.status.LastSessionSweepAt = &at
	s.status.LastSessionSweep = report
	s.mu.Unlock()
	s.persist()

	if report.Checked > 0 {
		s.logger.Info("session sweep finished", "timedOut", report.TimedOut,
			"processed", report.Processed, "skipped", report.Skipped, "failed", report.Failed,
			"rotateFailed", report.RotateFailed)
	}
	return report, nil
}

var errTooShort = errors.New("too few messages to remember")

func (s *Service) displayName(ctx context.Context, userID string, p *memory.Profile) string {
	if p != nil && p.Name != "" {
		return p.Name
	}
	if s.deps.Users != nil {
		if name, err := s.deps.Users.DisplayName(ctx, userID); err == nil && name != "" {
			return name
		}
	}
	return userID
}

// endCycle turns the session's current cycle into memories for both sides.
func (s *Service) endCycle(ctx context.Context, sess *session.Session) error {
	cycle := sess.CurrentCycle()
	if cycle == nil || len(cycle.Messages) < minMessagesToExtract {
		return errTooShort
	}

	ownerProfile := s.profile(ctx, sess.OwnerID)
	partnerProfile := s.profile(ctx, sess.PartnerID)
	ownerName := s.displayName(ctx, sess.OwnerID, ownerProfile)
	partnerName := s.displayName(ctx, sess.PartnerID, partnerProfile)

	ownerSide := s.deps.Extractor.ExtractWithChunking(ctx, memory.ExtractInput{
		Profile:     ownerProfile,
		OwnerName:   ownerName,
		PartnerName: partnerName,
		Relation:    string(sess.Relation),
		Messages:    cycle.Messages,
	}, false)

	flipped := make([]memory.Chunk, len(ownerSide))
	for i, ce := range ownerSide {
		flipped[i] = ce.Chunk
		flipped[i].Messages = memory.FlipPerspective(ce.Chunk.Messages)
	}
	partnerSide := s.deps.Extractor.ExtractChunks(ctx, memory.ExtractInput{
		Profile:     partnerProfile,
		OwnerName:   partnerName,
		PartnerName: ownerName,
		Relation:    string(sess.Relation),
	}, flipped)

	var errs []error
	for i, ce := range ownerSide {
		conv := memory.ConversationData{
			Raw:          memory.FormatTranscript(ce.Chunk.Messages, ownerName, partnerName),
			MessageCount: ce.Chunk.MessageCount,
			TopicSummary: ce.Chunk.TopicSummary,
		}
		if conv.TopicSummary == "" {
			conv.TopicSummary = ce.Extraction.TopicSummary
		}
		if ce.Chunk.ID != "" {
			conv.Chunk = &memory.ChunkRef{
				ID:                ce.Chunk.ID,
				Index:             ce.Index,
				Total:             ce.Total,
				CompletenessScore: ce.Chunk.CompletenessScore,
			}
		}
		saved, err := s.deps.Store.SaveBidirectional(memory.BidirectionalInput{
			OwnerAID:         sess.OwnerID,
			OwnerBID:         sess.PartnerID,
			Conversation:     conv,
			OwnerAMemory:     ce.Extraction.OwnerMemory(),
			OwnerBMemory:     partnerSide[i].Extraction.OwnerMemory(),
			OwnerBHasProfile: partnerProfile != nil,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("chunk %d: %w", ce.Index, err))
			continue
		}

		s.addTopics(sess.OwnerID, sess.PartnerID, saved.OwnerA.MemoryID, ce.Extraction)
		if partnerProfile != nil {
			s.addTopics(sess.PartnerID, sess.OwnerID, saved.OwnerB.MemoryID, partnerSide[i].Extraction)
		}
		if s.deps.Indexer != nil {
			s.deps.Indexer.IndexConversationMemory(ctx, sess.OwnerID, saved.OwnerA.Record)
			s.deps.Indexer.IndexConversationMemory(ctx, sess.PartnerID, saved.OwnerB.Record)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) addTopics(ownerID, partnerID, memoryID string, ext *memory.Extraction) {
	if s.deps.Topics == nil {
		return
	}
	for _, item := range ext.PendingTopics {
		_, err := s.deps.Topics.AddTopic(ownerID, memory.TopicInput{
			Topic:             item.Topic,
			Context:           item.Context,
			SuggestedFollowUp: item.SuggestedFollowUp,
			WithUserID:        partnerID,
			ConversationID:    memoryID,
			Urgency:           item.Urgency,
		})
		if err != nil {
			s.logger.Warn("adding pending topic failed", "owner", ownerID, "topic", item.Topic, "err", err)
		}
	}
}

// Status is the scheduler's last-run summary.
type Status struct {
	Running            bool               `json:"running"`
	CompressionSpec    string             `json:"compressionSpec"`
	SessionSpec        string             `json:"sessionSpec"`
	LastCompressionAt  *time.Time         `json:"lastCompressionAt,omitempty"`
	LastCompression    *CompressionReport `json:"lastCompression,omitempty"`
	LastSessionSweepAt *time.Time         `json:"lastSessionSweepAt,omitempty"`
	LastSessionSweep   *TimeoutReport     `json:"lastSessionSweep,omitempty"`
	NextCompression    *time.Time         `json:"nextCompression,omitempty"`
	NextSessionSweep   *time.Time         `json:"nextSessionSweep,omitempty"`
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.CompressionSpec = s.CompressionSpec()
	st.SessionSpec = s.SessionSpec()
	if s.cron != nil {
		if e := s.cron.Entry(s.compressID); e.Valid() && !e.Next.IsZero() {
			next := e.Next
			st.NextCompression = &next
		}
		if e := s.cron.Entry(s.sessionID); e.Valid() && !e.Next.IsZero() {
			next := e.Next
			st.NextSessionSweep = &next
		}
	}
	return st
}

func (s *Service) persist() {
	if s.cfg.StatePath == "" {
		return
	}
	if err := SaveStatus(s.cfg.StatePath, s.Status()); err != nil {
		s.logger.Warn("saving scheduler state failed", "path", s.cfg.StatePath, "err", err)
	}
}

func SaveStatus(path string, st Status) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadStatus reads a persisted status; a missing file is an empty status.
func LoadStatus(path string) (Status, error) {
	var st Status
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, err
	}
	return st, json.Unmarshal(data, &st)
}
