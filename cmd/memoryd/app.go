package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stellarlinkco/memoryd/internal/config"
	"github.com/stellarlinkco/memoryd/internal/llm"
	"github.com/stellarlinkco/memoryd/internal/memory"
	"github.com/stellarlinkco/memoryd/internal/scheduler"
	"github.com/stellarlinkco/memoryd/internal/session"
	"github.com/stellarlinkco/memoryd/internal/vector"
)

// GeneratorFactory builds the text generator (allows mocking in tests)
type GeneratorFactory func(cfg *config.Config) (llm.Generator, error)

func DefaultGeneratorFactory(cfg *config.Config) (llm.Generator, error) {
	return llm.New(cfg.Provider)
}

var newGenerator GeneratorFactory = DefaultGeneratorFactory

var errNoProvider = errors.New("generation provider not configured. Run 'memoryd onboard' or set MEMORYD_API_KEY / OPENAI_API_KEY / ANTHROPIC_API_KEY")

// app holds every component built from one config.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	gen    llm.Generator
	genErr error

	store      *memory.Store
	topics     *memory.TopicLedger
	chunker    *memory.Chunker
	extractor  *memory.Extractor
	compressor *memory.Compressor
	index      *vector.ChromemIndex
	indexer    *memory.Indexer
	mentioner  *memory.Mentioner
	sessions   *session.BadgerStore
	profiles   *session.CachedProfiles
	scheduler  *scheduler.Service
}

func statePath() string {
	return filepath.Join(config.ConfigDir(), "scheduler.json")
}

func openApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	a.gen, a.genErr = newGenerator(cfg)
	if a.genErr != nil {
		logger.Warn("text generation unavailable, falling back to raw memories", "err", a.genErr)
		a.gen = nil
	}
	timeout := cfg.GenerationTimeout()

	locks := memory.NewKeyedMutex()
	a.store = memory.NewStore(cfg.DataDir,
		memory.WithStoreLocks(locks),
		memory.WithStoreLogger(logger.With("component", "store")))
	a.topics = memory.NewTopicLedger(cfg.DataDir,
		memory.WithTopicLocks(locks),
		memory.WithTopicMaxAge(time.Duration(cfg.Topics.MaxAgeDays)*24*time.Hour),
		memory.WithTopicLogger(logger.With("component", "topics")))

	if a.gen != nil {
		a.chunker = memory.NewChunker(a.gen,
			memory.WithChunkerTimeout(timeout),
			memory.WithChunkerLogger(logger.With("component", "chunker")))
	}
	a.extractor = memory.NewExtractor(a.gen, a.chunker,
		memory.WithExtractorTimeout(timeout),
		memory.WithExtractorLogger(logger.With("component", "extractor")))
	a.compressor = memory.NewCompressor(a.gen,
		memory.WithStagePolicy(memory.StagePolicy{
			V1AfterDays: cfg.Compression.V1AfterDays,
			V2AfterDays: cfg.Compression.V2AfterDays,
		}),
		memory.WithCompressorTimeout(timeout),
		memory.WithCompressorLogger(logger.With("component", "compressor")))

	embedder, err := vector.NewEmbedder(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	a.index, err = vector.NewChromemIndex(cfg.Vector.Path, cfg.Vector.Compress)
	if err != nil {
		return nil, err
	}
	a.indexer = memory.NewIndexer(a.index, embedder, a.store,
		memory.WithIndexerLogger(logger.With("component", "indexer")))

	a.sessions, err = session.Open(cfg.Sessions.Path, session.WithLogger(logger.With("component", "sessions")))
	if err != nil {
		return nil, err
	}
	a.profiles, err = session.NewCachedProfiles(a.sessions, cfg.Profiles.CacheSize)
	if err != nil {
		_ = a.sessions.Close()
		return nil, err
	}
	a.mentioner = memory.NewMentioner(a.topics, a.profiles, a.gen,
		memory.WithMentionerTimeout(timeout),
		memory.WithMentionerLogger(logger.With("component", "mentions")))

	a.scheduler = scheduler.NewService(scheduler.Config{
		CompressionHour: &cfg.Scheduler.CompressionHour,
		SessionInterval: config.Duration(cfg.Scheduler.SessionInterval, scheduler.DefaultSessionInterval),
		SessionTimeout:  config.Duration(cfg.Scheduler.SessionTimeout, scheduler.DefaultSessionTimeout),
		StatePath:       statePath(),
	}, scheduler.Deps{
		Store:      a.store,
		Topics:     a.topics,
		Extractor:  a.extractor,
		Compressor: a.compressor,
		Indexer:    a.indexer,
		Sessions:   a.sessions,
		Profiles:   a.profiles,
		Users:      a.sessions,
	}, scheduler.WithLogger(logger.With("component", "scheduler")))

	return a, nil
}

// requireGenerator fails commands that cannot do anything useful offline.
func (a *app) requireGenerator() error {
	if a.gen != nil {
		return nil
	}
	if a.genErr != nil {
		return fmt.Errorf("%w: %v", errNoProvider, a.genErr)
	}
	return errNoProvider
}

func (a *app) Close() {
	a.indexer.Wait()
	a.profiles.Close()
	if err := a.sessions.Close(); err != nil {
		a.logger.Warn("close session db", "err", err)
	}
}

// importProfileDir loads every YAML file in dir into the profile store.
func (a *app) importProfileDir(ctx context.Context, dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read profile dir: %w", err)
	}
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		profiles, err := session.ImportProfileFile(ctx, a.sessions, filepath.Join(dir, name))
		if err != nil {
			return count, err
		}
		for _, p := range profiles {
			a.profiles.Invalidate(p.OwnerID)
		}
		count += len(profiles)
	}
	return count, nil
}

// findSession returns the session between owner and partner, or nil.
func (a *app) findSession(ctx context.Context, ownerID, partnerID string) (*session.Session, error) {
	all, err := a.sessions.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.OwnerID == ownerID && s.PartnerID == partnerID {
			return s, nil
		}
	}
	return nil, nil
}

func (a *app) ensureSession(ctx context.Context, ownerID, partnerID string, relation session.Relation) (*session.Session, error) {
	s, err := a.findSession(ctx, ownerID, partnerID)
	if err != nil || s != nil {
		return s, err
	}
	s = &session.Session{OwnerID: ownerID, PartnerID: partnerID, Relation: relation}
	if err := a.sessions.Put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}
