package voice

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	MaxStock        = 100
	RefillThreshold = 80

	manifestName = "manifest.json"
)

// StockEntry is one pre-generated rejection clip.
type StockEntry struct {
	ID            string    `json:"id"`
	Text          string    `json:"text"`
	AudioFileName string    `json:"audio_file_name"`
	CreatedAt     time.Time `json:"created_at"`
}

// Stock is the on-disk pool of rejection clips. The manifest is rewritten on
// every mutation; a failed write rolls the in-memory state back so manifest
// and memory never diverge.
type Stock struct {
	mu      sync.Mutex
	dir     string
	entries []StockEntry
	logger  *log.Logger
}

// LoadStock reads the manifest from dir (creating the directory if needed)
// and prunes entries whose audio file has gone missing.
func LoadStock(dir string) (*Stock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create stock dir: %w", err)
	}
	s := &Stock{
		dir:    dir,
		logger: log.New(log.Writer(), "[STOCK] ", log.LstdFlags),
	}

	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var entries []StockEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	kept := entries[:0]
	for _, e := range entries {
		if _, err := os.Stat(filepath.Join(dir, e.AudioFileName)); err != nil {
			s.logger.Printf("🧹 Pruning entry %s, audio file missing", e.ID)
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	if len(kept) != len(entries) {
		if err := s.writeManifest(); err != nil {
			return nil, err
		}
	}
	s.logger.Printf("📦 Loaded %d rejection clips", len(s.entries))
	return s, nil
}

// Count reports the current stock size.
func (s *Stock) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Full reports whether the stock is at capacity.
func (s *Stock) Full() bool {
	return s.Count() >= MaxStock
}

// Add appends an entry and persists the manifest. The caller must have
// already written the audio file into the stock directory.
func (s *Stock) Add(e StockEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= MaxStock {
		return fmt.Errorf("stock is full (%d entries)", MaxStock)
	}
	s.entries = append(s.entries, e)
	if err := s.writeManifest(); err != nil {
		s.entries = s.entries[:len(s.entries)-1]
		return err
	}
	return nil
}

// Pop removes a random entry. The audio file stays on disk so the returned
// URL keeps working. Returns false when the stock is empty.
func (s *Stock) Pop() (StockEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return StockEntry{}, false
	}

	i := rand.Intn(len(s.entries))
	e := s.entries[i]
	backup := append([]StockEntry(nil), s.entries...)
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	if err := s.writeManifest(); err != nil {
		s.logger.Printf("⚠️ Manifest write failed on pop, rolling back: %v", err)
		s.entries = backup
		return StockEntry{}, false
	}
	return e, true
}

// Clear drops every entry and its audio file.
func (s *Stock) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if err := os.Remove(filepath.Join(s.dir, e.AudioFileName)); err != nil && !os.IsNotExist(err) {
			s.logger.Printf("⚠️ Could not remove %s: %v", e.AudioFileName, err)
		}
	}
	s.entries = nil
	return s.writeManifest()
}

// writeManifest persists the entry list. Callers hold the mutex.
func (s *Stock) writeManifest() error {
	entries := s.entries
	if entries == nil {
		entries = []StockEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.dir, manifestName))
}
