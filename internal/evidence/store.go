// Package evidence caches per-URL evidence documents. An entry is served only
// while it is within its TTL and the page text it was extracted from is
// unchanged.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/contractcache/internal/canonical"
	"github.com/l0p7/contractcache/internal/fsutil"
	"github.com/l0p7/contractcache/internal/metrics"
)

// IndexFile is the name of the index inside the store directory.
const IndexFile = "index.json"

// Result classifies an evidence lookup.
type Result string

const (
	ResultHit            Result = "hit"
	ResultMiss           Result = "miss"
	ResultExpired        Result = "expired"
	ResultContentChanged Result = "content_changed"
	ResultCorrupt        Result = "corrupt"
)

// Entry is one index record.
type Entry struct {
	URL          string `json:"url"`
	ContentHash  string `json:"content_hash"`
	CachedAt     int64  `json:"cached_at"`
	EvidenceFile string `json:"evidence_file"`
	SourceName   string `json:"source_name"`
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Store) { s.metrics = rec }
}

// Store keeps <dir>/index.json plus one <url-hash>.json payload per URL.
// Index mutations are serialized in-process and written by atomic rename.
type Store struct {
	dir        string
	ttlSeconds int64
	clock      func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Recorder

	mu sync.Mutex
}

// New opens a store in dir. ttlSeconds <= 0 disables time-based expiry so
// only content changes invalidate entries.
func New(dir string, ttlSeconds int64, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("evidence: directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("evidence: create dir: %w", err)
	}
	s := &Store{
		dir:        dir,
		ttlSeconds: ttlSeconds,
		clock:      time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("agent", "evidence_store"))
	return s, nil
}

// URLHash is the store key for a URL.
func URLHash(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// ContentHash fingerprints page text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached evidence for url when currentText still matches.
func (s *Store) Get(url, currentText string) (any, bool) {
	value, res := s.Lookup(url, currentText)
	return value, res == ResultHit
}

// Lookup is Get with the reason for a miss.
func (s *Store) Lookup(url, currentText string) (any, Result) {
	value, res := s.lookup(url, currentText)
	s.metrics.ObserveEvidenceLookup(string(res))
	return value, res
}

func (s *Store) lookup(url, currentText string) (any, Result) {
	s.mu.Lock()
	index, err := s.readIndex()
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("evidence index unreadable", slog.Any("error", err))
		return nil, ResultCorrupt
	}
	entry, ok := index[URLHash(url)]
	if !ok || entry.URL != url {
		return nil, ResultMiss
	}
	if s.ttlSeconds > 0 && entry.CachedAt+s.ttlSeconds < s.clock().Unix() {
		return nil, ResultExpired
	}
	if entry.ContentHash != ContentHash(currentText) {
		return nil, ResultContentChanged
	}
	data, err := os.ReadFile(filepath.Join(s.dir, entry.EvidenceFile))
	if err != nil {
		s.logger.Warn("evidence payload unreadable", slog.String("url", url), slog.Any("error", err))
		return nil, ResultCorrupt
	}
	value, err := canonical.Decode(data)
	if err != nil {
		s.logger.Warn("evidence payload corrupt", slog.String("url", url), slog.Any("error", err))
		return nil, ResultCorrupt
	}
	return value, ResultHit
}

// Put stores evidence extracted from currentText at url, replacing any
// previous entry.
func (s *Store) Put(url, currentText, sourceName string, evidence any) error {
	if url == "" {
		return errors.New("evidence: url required")
	}
	payload, err := canonical.Marshal(evidence)
	if err != nil {
		return fmt.Errorf("evidence: encode payload: %w", err)
	}
	hash := URLHash(url)
	entry := Entry{
		URL:          url,
		ContentHash:  ContentHash(currentText),
		CachedAt:     s.clock().Unix(),
		EvidenceFile: hash + ".json",
		SourceName:   sourceName,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fsutil.WriteFileAtomic(filepath.Join(s.dir, entry.EvidenceFile), payload, 0o644); err != nil {
		return fmt.Errorf("evidence: write payload: %w", err)
	}
	index, err := s.readIndex()
	if err != nil {
		s.logger.Warn("evidence index unreadable, rebuilding", slog.Any("error", err))
		index = map[string]Entry{}
	}
	index[hash] = entry
	return s.writeIndex(index)
}

// Invalidate drops the entry for url and reports whether one existed.
func (s *Store) Invalidate(url string) (bool, error) {
	hash := URLHash(url)

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return false, err
	}
	entry, ok := index[hash]
	if !ok {
		return false, nil
	}
	delete(index, hash)
	if err := s.writeIndex(index); err != nil {
		return false, err
	}
	if err := os.Remove(filepath.Join(s.dir, entry.EvidenceFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, fmt.Errorf("evidence: remove payload: %w", err)
	}
	return true, nil
}

// Entries lists index records ordered by URL.
func (s *Store) Entries() ([]Entry, error) {
	s.mu.Lock()
	index, err := s.readIndex()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(index))
	for _, e := range index {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func (s *Store) readIndex() (map[string]Entry, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, IndexFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]Entry{}, nil
		}
		return nil, fmt.Errorf("evidence: read index: %w", err)
	}
	return decodeIndex(data)
}

func (s *Store) writeIndex(index map[string]Entry) error {
	data, err := encodeIndex(index)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(s.dir, IndexFile), data, 0o644); err != nil {
		return fmt.Errorf("evidence: write index: %w", err)
	}
	return nil
}

func encodeIndex(index map[string]Entry) ([]byte, error) {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("evidence: encode index: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeIndex(data []byte) (map[string]Entry, error) {
	index := map[string]Entry{}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("evidence: decode index: %w", err)
	}
	if index == nil {
		index = map[string]Entry{}
	}
	for hash, e := range index {
		if e.URL == "" || e.EvidenceFile == "" || filepath.Base(e.EvidenceFile) != e.EvidenceFile {
			return nil, fmt.Errorf("evidence: decode index: invalid entry %s", hash)
		}
	}
	return index, nil
}
