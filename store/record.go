// Package store persists the per-family durable record: which artifacts
// are installed and which one is currently selected. The record is a single
// JSON document; the filesystem is the ultimate source of truth and the
// record self-heals against it on load.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/noteflow-ai/modelstore/types"
)

const recordFilename = "manifest.json"

// Record is the durable state of one family. The JSON keys are the wire
// format and must stay stable; unknown keys in the document are ignored.
type Record struct {
	InstalledModels map[string]types.InstalledArtifact `json:"installedModels"`
	CurrentModel    *string                            `json:"currentModel"`
}

// NewRecord returns an empty record.
func NewRecord() Record {
	return Record{InstalledModels: make(map[string]types.InstalledArtifact)}
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := Record{InstalledModels: make(map[string]types.InstalledArtifact, len(r.InstalledModels))}
	for k, v := range r.InstalledModels {
		out.InstalledModels[k] = v
	}
	if r.CurrentModel != nil {
		cur := *r.CurrentModel
		out.CurrentModel = &cur
	}
	return out
}

// FamilyStore reads and writes the durable record of one family. Writes
// are full read-modify-write cycles guarded by a process mutex plus an
// advisory file lock, so two keys completing concurrently cannot lose
// updates and two processes sharing a storage root cannot interleave.
type FamilyStore struct {
	dir     string
	family  types.Family
	mu      sync.Mutex
	fileMu  *flock.Flock
	logger  *zap.Logger
	corrupt bool
}

// NewFamilyStore creates the store for one family rooted at dir. The
// directory is created if missing.
func NewFamilyStore(root string, family types.Family, logger *zap.Logger) (*FamilyStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(root, string(family))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create family dir: %w", err)
	}
	return &FamilyStore{
		dir:    dir,
		family: family,
		fileMu: flock.New(filepath.Join(dir, recordFilename+".lock")),
		logger: logger.With(
			zap.String("component", "family_store"),
			zap.String("family", string(family)),
		),
	}, nil
}

// Dir returns the family's storage directory. Installed artifacts live
// directly inside it under their destination filename.
func (s *FamilyStore) Dir() string {
	return s.dir
}

// ArtifactPath returns the destination path for a descriptor inside this
// family's directory.
func (s *FamilyStore) ArtifactPath(desc types.ArtifactDescriptor) string {
	return filepath.Join(s.dir, desc.DestinationFilename)
}

// Load reads the durable record. A missing file yields an empty record; a
// malformed file also yields an empty record, logs PERSISTENCE_CORRUPT,
// and marks the store corrupt. It never returns an error, because the
// filesystem reconciliation that follows is authoritative.
func (s *FamilyStore) Load() Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.corrupt = false
	path := filepath.Join(s.dir, recordFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("durable record unreadable, starting empty",
				zap.String("code", string(types.ErrPersistenceCorrupt)),
				zap.Error(err))
			s.corrupt = true
		}
		return NewRecord()
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("durable record malformed, starting empty",
			zap.String("code", string(types.ErrPersistenceCorrupt)),
			zap.Error(err))
		s.corrupt = true
		return NewRecord()
	}
	if rec.InstalledModels == nil {
		rec.InstalledModels = make(map[string]types.InstalledArtifact)
	}
	return rec
}

// Corrupt reports whether the last Load found an unreadable or malformed
// record.
func (s *FamilyStore) Corrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corrupt
}

// Save writes the record atomically: marshal, write to a temp file in the
// same directory, rename into place, all under the file lock.
func (s *FamilyStore) Save(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fileMu.Lock(); err != nil {
		return fmt.Errorf("lock durable record: %w", err)
	}
	defer s.fileMu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal durable record: %w", err)
	}

	path := filepath.Join(s.dir, recordFilename)
	tmp, err := os.CreateTemp(s.dir, recordFilename+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write durable record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close durable record: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace durable record: %w", err)
	}

	s.logger.Debug("durable record saved",
		zap.Int("installed", len(rec.InstalledModels)),
		zap.Stringp("current", rec.CurrentModel),
	)
	return nil
}

// Reconcile drops installed entries whose backing file no longer exists
// and clears the current selection if its entry vanished. Pruning is
// silent self-healing, not an error. Returns the reconciled record and
// whether anything was dropped.
func (s *FamilyStore) Reconcile(rec Record) (Record, bool) {
	changed := false
	for key, installed := range rec.InstalledModels {
		if _, err := os.Stat(installed.Path); err != nil {
			s.logger.Info("pruning installed artifact with missing file",
				zap.String("key", key),
				zap.String("path", installed.Path),
			)
			delete(rec.InstalledModels, key)
			changed = true
		}
	}
	if rec.CurrentModel != nil {
		if _, ok := rec.InstalledModels[*rec.CurrentModel]; !ok {
			rec.CurrentModel = nil
			changed = true
		}
	}
	return rec, changed
}
