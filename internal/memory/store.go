package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	conversationsDir = "conversations"
	partnerDirPrefix = "with_"
	fileTimeLayout   = "2006-01-02T15-04-05"
	maxFileTopicLen  = 50
	defaultFileTopic = "conversation"
)

var (
	reservedFileChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`)
	whitespaceRun     = regexp.MustCompile(`\s+`)
	underscoreRun     = regexp.MustCompile(`_+`)
)

// Store persists memory records as pretty-printed JSON files under
// {base}/{owner}/conversations/with_{partner}/. Writes for the same owner
// are serialized through a shared KeyedMutex.
type Store struct {
	basePath string
	locks    *KeyedMutex
	clock    Clock
	logger   *slog.Logger
}

type StoreOption func(*Store)

func WithStoreClock(c Clock) StoreOption { return func(s *Store) { s.clock = c } }

func WithStoreLogger(l *slog.Logger) StoreOption { return func(s *Store) { s.logger = l } }

// WithStoreLocks shares an owner lock table with other components writing
// under the same base directory.
func WithStoreLocks(k *KeyedMutex) StoreOption { return func(s *Store) { s.locks = k } }

func NewStore(basePath string, opts ...StoreOption) *Store {
	s := &Store{basePath: basePath}
	for _, opt := range opts {
		opt(s)
	}
	if s.locks == nil {
		s.locks = NewKeyedMutex()
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "memory-store")
	}
	return s
}

func (s *Store) BasePath() string { return s.basePath }

// Locks exposes the owner lock table so other writers can share it.
func (s *Store) Locks() *KeyedMutex { return s.locks }

// ChunkRef ties a record to the topic chunk it was extracted from.
type ChunkRef struct {
	ID                string
	Index             int
	Total             int
	CompletenessScore float64
}

// MemoryInput is the caller-supplied content of a new record.
type MemoryInput struct {
	MemoryID            string
	CreatedAt           time.Time
	Participants        []string
	ParticipantRoles    map[string]string
	MessageCount        int
	Raw                 string
	Processed           *Processed
	TopicSummary        string
	PendingTopics       *PendingTopicBlock
	PersonalityFiltered *PersonalityFilter
	Tags                []string
	Chunk               *ChunkRef
}

type SaveResult struct {
	MemoryID string
	FilePath string
	Record   *Record
}

func validateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s id is empty", kind)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%s id %q is not a valid path segment", kind, id)
	}
	return nil
}

func (s *Store) ownerDir(ownerID string) string {
	return filepath.Join(s.basePath, ownerID)
}

func (s *Store) conversationPath(ownerID, partnerID string) string {
	return filepath.Join(s.ownerDir(ownerID), conversationsDir, partnerDirPrefix+partnerID)
}

// ownerOf maps a record path back to its owner so updates share the owner's lock.
func (s *Store) ownerOf(path string) string {
	rel, err := filepath.Rel(s.basePath, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	if i := strings.IndexRune(rel, filepath.Separator); i > 0 {
		return rel[:i]
	}
	return rel
}

func NewMemoryID() string {
	return "mem_" + uuid.New().String()
}

// SanitizeFileName makes s safe to embed in a file name.
func SanitizeFileName(s string) string {
	s = reservedFileChars.ReplaceAllString(s, "")
	s = whitespaceRun.ReplaceAllString(s, "_")
	s = underscoreRun.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	s = strings.TrimSpace(truncateRunes(s, maxFileTopicLen))
	if s == "" {
		return defaultFileTopic
	}
	return s
}

func fileTopic(in MemoryInput) string {
	if in.Processed != nil {
		if in.Processed.Summary != "" {
			return in.Processed.Summary
		}
	}
	if in.TopicSummary != "" {
		return in.TopicSummary
	}
	if in.Processed != nil && len(in.Processed.KeyTopics) > 0 {
		return in.Processed.KeyTopics[0]
	}
	return defaultFileTopic
}

// SaveMemory writes a new record for ownerID about partnerID. The record
// always starts uncompressed.
func (s *Store) SaveMemory(ownerID, partnerID string, in MemoryInput, autoIndex bool) (*SaveResult, error) {
	if err := validateID("owner", ownerID); err != nil {
		return nil, err
	}
	if err := validateID("partner", partnerID); err != nil {
		return nil, err
	}

	now := s.clock.now()
	rec := &Record{
		MemoryID: in.MemoryID,
		Version:  RecordVersion,
		Meta: Meta{
			CreatedAt:        in.CreatedAt,
			Participants:     in.Participants,
			ParticipantRoles: in.ParticipantRoles,
			MessageCount:     in.MessageCount,
			CompressionStage: StageRaw,
		},
		Content: Content{Raw: in.Raw, Processed: in.Processed},
		PendingTopics: PendingTopicBlock{
			Topics: []UnfinishedItem{},
		},
		PersonalityFiltered: defaultPersonalityFilter(),
		VectorIndex:         VectorIndexState{AutoIndex: autoIndex},
		Tags:                in.Tags,
	}
	if rec.MemoryID == "" {
		rec.MemoryID = NewMemoryID()
	}
	if rec.Meta.CreatedAt.IsZero() {
		rec.Meta.CreatedAt = now
	}
	if len(rec.Meta.Participants) == 0 {
		rec.Meta.Participants = []string{ownerID, partnerID}
	}
	if rec.Meta.ParticipantRoles == nil {
		rec.Meta.ParticipantRoles = map[string]string{}
	}
	if in.PendingTopics != nil {
		rec.PendingTopics = *in.PendingTopics
		if rec.PendingTopics.Topics == nil {
			rec.PendingTopics.Topics = []UnfinishedItem{}
		}
	}
	if in.PersonalityFiltered != nil {
		rec.PersonalityFiltered = *in.PersonalityFiltered
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	if in.Chunk != nil {
		idx, score := in.Chunk.Index, in.Chunk.CompletenessScore
		rec.Meta.ChunkID = in.Chunk.ID
		rec.Meta.ChunkIndex = &idx
		rec.Meta.TotalChunks = in.Chunk.Total
		rec.Meta.CompletenessScore = &score
	}

	unlock := s.locks.Lock(ownerID)
	defer unlock()

	dir := s.conversationPath(ownerID, partnerID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}

	base := now.Format(fileTimeLayout) + "_" + SanitizeFileName(fileTopic(in))
	path := filepath.Join(dir, base+".json")
	if _, err := os.Stat(path); err == nil {
		path = filepath.Join(dir, base+"_"+shortID(rec.MemoryID)+".json")
	}

	if err := writeJSONFile(path, rec); err != nil {
		return nil, fmt.Errorf("write memory: %w", err)
	}
	rec.FilePath = path
	s.logger.Info("memory saved", "owner", ownerID, "partner", partnerID, "memoryId", rec.MemoryID, "path", path)

	return &SaveResult{MemoryID: rec.MemoryID, FilePath: path, Record: rec}, nil
}

func shortID(memoryID string) string {
	id := strings.TrimPrefix(memoryID, "mem_")
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// writeJSONFile replaces path atomically with the indented encoding of v.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// LoadMemory reads a single record.
func (s *Store) LoadMemory(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("read memory: %w", err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	rec.FilePath = path
	return rec, nil
}

func decodeRecord(data []byte) (*Record, error) {
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	if err := validateRecordTree(tree); err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec.Meta.CompressionStage == "" {
		rec.Meta.CompressionStage = StageRaw
	}
	return &rec, nil
}

// LoadUserMemories returns every readable record of ownerID keyed by
// partner, oldest first. Files that fail to parse are skipped.
func (s *Store) LoadUserMemories(ownerID string) (map[string][]*Record, error) {
	if err := validateID("owner", ownerID); err != nil {
		return nil, err
	}
	root := filepath.Join(s.ownerDir(ownerID), conversationsDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string][]*Record{}, nil
		}
		return nil, fmt.Errorf("read conversations dir: %w", err)
	}

	out := make(map[string][]*Record)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), partnerDirPrefix) {
			continue
		}
		partnerID := strings.TrimPrefix(entry.Name(), partnerDirPrefix)
		records, err := s.loadFolder(filepath.Join(root, entry.Name()))
		if err != nil {
			return nil, err
		}
		sort.SliceStable(records, func(i, j int) bool {
			return records[i].Meta.CreatedAt.Before(records[j].Meta.CreatedAt)
		})
		out[partnerID] = records
	}
	return out, nil
}

func (s *Store) loadFolder(dir string) ([]*Record, error) {
	records := []*Record{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rec, err := decodeRecord(data)
		if err != nil {
			s.logger.Warn("skipping unreadable memory file", "path", path, "err", err)
			return nil
		}
		rec.FilePath = path
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load memories from %s: %w", dir, err)
	}
	return records, nil
}

// OwnerMemory is one owner's filtered view of a shared conversation.
type OwnerMemory struct {
	Processed           *Processed
	PendingTopics       *PendingTopicBlock
	PersonalityFiltered *PersonalityFilter
	Tags                []string
}

type ConversationData struct {
	Raw          string
	MessageCount int
	CreatedAt    time.Time
	TopicSummary string
	Chunk        *ChunkRef
}

type BidirectionalInput struct {
	OwnerAID         string
	OwnerBID         string
	Conversation     ConversationData
	OwnerAMemory     *OwnerMemory
	OwnerBMemory     *OwnerMemory
	OwnerBHasProfile bool
}

type BidirectionalResult struct {
	OwnerA *SaveResult
	OwnerB *SaveResult
}

// SaveBidirectional stores the same conversation once for each participant,
// each copy under its own id. Without a profile, B's copy keeps only the
// raw transcript and is tagged for later processing.
func (s *Store) SaveBidirectional(in BidirectionalInput) (*BidirectionalResult, error) {
	roleB := RoleUnknown
	if in.OwnerBHasProfile {
		roleB = RoleProfile
	}

	inputA := s.sideInput(in.Conversation, in.OwnerAMemory, []string{in.OwnerAID, in.OwnerBID},
		map[string]string{in.OwnerAID: RoleProfile, in.OwnerBID: roleB})
	inputB := s.sideInput(in.Conversation, in.OwnerBMemory, []string{in.OwnerBID, in.OwnerAID},
		map[string]string{in.OwnerBID: RoleProfile, in.OwnerAID: RoleProfile})
	if !in.OwnerBHasProfile {
		filter := defaultPersonalityFilter()
		inputB.Processed = nil
		inputB.PersonalityFiltered = &filter
		inputB.Tags = []string{TagPendingProcessing}
	}

	var out BidirectionalResult
	var g errgroup.Group
	g.Go(func() error {
		res, err := s.SaveMemory(in.OwnerAID, in.OwnerBID, inputA, true)
		out.OwnerA = res
		return err
	})
	g.Go(func() error {
		res, err := s.SaveMemory(in.OwnerBID, in.OwnerAID, inputB, true)
		out.OwnerB = res
		return err
	})
	if err := g.Wait(); err != nil {
		return &out, fmt.Errorf("save bidirectional %s<->%s: %w", in.OwnerAID, in.OwnerBID, err)
	}
	return &out, nil
}

func (s *Store) sideInput(conv ConversationData, mem *OwnerMemory, participants []string, roles map[string]string) MemoryInput {
	in := MemoryInput{
		MemoryID:         NewMemoryID(),
		CreatedAt:        conv.CreatedAt,
		Participants:     participants,
		ParticipantRoles: roles,
		MessageCount:     conv.MessageCount,
		Raw:              conv.Raw,
		TopicSummary:     conv.TopicSummary,
		Chunk:            conv.Chunk,
	}
	if mem != nil {
		in.Processed = mem.Processed
		in.PendingTopics = mem.PendingTopics
		in.PersonalityFiltered = mem.PersonalityFiltered
		in.Tags = mem.Tags
	}
	return in
}

// UpdateMemory deep-merges patch into the file at path. Unknown fields in
// the file are preserved.
func (s *Store) UpdateMemory(path string, patch Patch) (*Record, error) {
	unlock := s.locks.Lock(s.ownerOf(path))
	defer unlock()
	return s.updateLocked(path, patch, nil)
}

// updateLocked applies patch; check, when set, may veto the update after
// seeing the current record.
func (s *Store) updateLocked(path string, patch Patch, check func(*Record) error) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("update %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("read memory: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("decode memory %s: %w", path, err)
	}
	if check != nil {
		var current Record
		if err := json.Unmarshal(data, &current); err != nil {
			return nil, fmt.Errorf("decode memory %s: %w", path, err)
		}
		if err := check(&current); err != nil {
			return nil, err
		}
	}

	src, err := patch.tree()
	if err != nil {
		return nil, err
	}
	tree = deepMerge(tree, src)
	if patch.touches("meta", "content") {
		tree["version"] = RecordVersion
	}

	if err := writeJSONFile(path, tree); err != nil {
		return nil, fmt.Errorf("write memory: %w", err)
	}

	merged, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("marshal merged memory: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(merged, &rec); err != nil {
		return nil, fmt.Errorf("decode merged memory: %w", err)
	}
	rec.FilePath = path
	return &rec, nil
}

func (s *Store) MarkAsIndexed(path string) (*Record, error) {
	now := s.clock.now()
	return s.UpdateMemory(path, Patch{
		"vectorIndex": map[string]any{
			"indexed":   true,
			"indexedAt": now,
		},
	})
}

// UpdateCompressionStage moves a record to stage and stamps compressedAt.
func (s *Store) UpdateCompressionStage(path string, stage Stage) (*Record, error) {
	return s.AdvanceStage(path, stage, nil)
}

// AdvanceStage sets the compression stage together with extra fields in one
// write. Moving to an earlier stage is rejected.
func (s *Store) AdvanceStage(path string, stage Stage, extra Patch) (*Record, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: %q (must be raw, v1 or v2)", ErrInvalidStage, stage)
	}
	patch := Patch{}
	for k, v := range extra {
		patch[k] = v
	}
	meta := map[string]any{
		"compressionStage": stage,
		"compressedAt":     s.clock.now(),
	}
	if extraMeta, ok := patch["meta"].(map[string]any); ok {
		for k, v := range extraMeta {
			if _, reserved := meta[k]; !reserved {
				meta[k] = v
			}
		}
	}
	patch["meta"] = meta

	unlock := s.locks.Lock(s.ownerOf(path))
	defer unlock()
	return s.updateLocked(path, patch, func(current *Record) error {
		cur := current.Meta.CompressionStage
		if cur == "" {
			cur = StageRaw
		}
		if stage.Rank() < cur.Rank() {
			return fmt.Errorf("%w: cannot move %s back to %s", ErrInvalidStage, cur, stage)
		}
		return nil
	})
}

// DeleteMemory removes a record file; false means it was already gone.
func (s *Store) DeleteMemory(path string) (bool, error) {
	unlock := s.locks.Lock(s.ownerOf(path))
	defer unlock()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("memory file not found", "path", path)
			return false, nil
		}
		return false, fmt.Errorf("delete memory: %w", err)
	}
	return true, nil
}

// ListOwners returns every owner that has a conversations directory.
func (s *Store) ListOwners() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list owners: %w", err)
	}
	var owners []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if info, err := os.Stat(filepath.Join(s.basePath, entry.Name(), conversationsDir)); err == nil && info.IsDir() {
			owners = append(owners, entry.Name())
		}
	}
	sort.Strings(owners)
	return owners, nil
}

type PartnerRecord struct {
	PartnerID string
	Record    *Record
}

type PendingCompression struct {
	PartnerID string
	Record    *Record
	AgeDays   int
}

func ageDays(created, now time.Time) int {
	if created.IsZero() || now.Before(created) {
		return 0
	}
	return int(now.Sub(created) / (24 * time.Hour))
}

// GetMemoriesPendingCompression lists records still at stage that are at
// least minDaysOld and carry no compressedAt stamp.
func (s *Store) GetMemoriesPendingCompression(ownerID string, stage Stage, minDaysOld int) ([]PendingCompression, error) {
	all, err := s.LoadUserMemories(ownerID)
	if err != nil {
		return nil, err
	}
	now := s.clock.now()
	cutoff := now.AddDate(0, 0, -minDaysOld)
	var out []PendingCompression
	for _, partner := range sortedKeys(all) {
		for _, rec := range all[partner] {
			if rec.Meta.CompressionStage != stage {
				continue
			}
			if rec.Meta.CreatedAt.After(cutoff) {
				continue
			}
			if rec.Meta.CompressedAt != nil {
				continue
			}
			out = append(out, PendingCompression{PartnerID: partner, Record: rec, AgeDays: ageDays(rec.Meta.CreatedAt, now)})
		}
	}
	return out, nil
}

func (s *Store) GetMemoriesNeedingIndex(ownerID string) ([]PartnerRecord, error) {
	all, err := s.LoadUserMemories(ownerID)
	if err != nil {
		return nil, err
	}
	var out []PartnerRecord
	for _, partner := range sortedKeys(all) {
		for _, rec := range all[partner] {
			if rec.VectorIndex.AutoIndex && !rec.VectorIndex.Indexed {
				out = append(out, PartnerRecord{PartnerID: partner, Record: rec})
			}
		}
	}
	return out, nil
}

type Stats struct {
	TotalMemories      int           `json:"totalMemories"`
	TotalPartners      int           `json:"totalPartners"`
	ByCompressionStage map[Stage]int `json:"byCompressionStage"`
	Indexed            int           `json:"indexed"`
	PendingIndex       int           `json:"pendingIndex"`
	OldestMemory       *time.Time    `json:"oldestMemory"`
	NewestMemory       *time.Time    `json:"newestMemory"`
	TotalSizeBytes     int64         `json:"totalSizeBytes"`
}

func (s *Store) GetMemoryStats(ownerID string) (*Stats, error) {
	all, err := s.LoadUserMemories(ownerID)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		TotalPartners:      len(all),
		ByCompressionStage: map[Stage]int{StageRaw: 0, StageV1: 0, StageV2: 0},
	}
	for _, records := range all {
		for _, rec := range records {
			stats.TotalMemories++
			if rec.Meta.CompressionStage.Valid() {
				stats.ByCompressionStage[rec.Meta.CompressionStage]++
			}
			if rec.VectorIndex.Indexed {
				stats.Indexed++
			} else if rec.VectorIndex.AutoIndex {
				stats.PendingIndex++
			}
			created := rec.Meta.CreatedAt
			if stats.OldestMemory == nil || created.Before(*stats.OldestMemory) {
				stats.OldestMemory = &created
			}
			if stats.NewestMemory == nil || created.After(*stats.NewestMemory) {
				stats.NewestMemory = &created
			}
			if info, err := os.Stat(rec.FilePath); err == nil {
				stats.TotalSizeBytes += info.Size()
			}
		}
	}
	return stats, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
