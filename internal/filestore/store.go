// Package filestore persists opportunities and trips as JSON files in a data
// directory. It is the zero-dependency fallback backend for local runs.
//
// Each file is read and rewritten whole on every mutation. A mutex serializes
// access within the process and writes go through a temp file and rename, so
// a crash never leaves a half-written file behind.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pipagent/internal/types"
)

const (
	opportunitiesFile = "opportunities.json"
	tripsFile         = "trips.json"
)

// Store is a JSON file backend. It implements opportunities.Backend,
// types.TripSource, types.TripWriter and types.HealthChecker.
type Store struct {
	mu     sync.Mutex
	dir    string
	logger *slog.Logger
}

// New returns a Store rooted at dir. The directory is created on first write.
func New(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, logger: logger}
}

// Ping verifies the data directory is usable.
func (s *Store) Ping(_ context.Context) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return types.NewAppError(types.ErrCodeInternalStorage, "data directory is not writable", err)
	}
	return nil
}

// readJSON decodes path into v. A missing file leaves v untouched. A file
// that does not decode is renamed to <name>.corrupt-<unix nanos> so the next
// write cannot replace it, and v is left untouched.
func (s *Store) readJSON(name string, v any) error {
	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStorage, fmt.Sprintf("failed to read %s", name), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		backup := fmt.Sprintf("%s.corrupt-%d", path, time.Now().UnixNano())
		if renameErr := os.Rename(path, backup); renameErr != nil {
			return types.NewAppError(types.ErrCodeInternalStorage, fmt.Sprintf("%s is corrupt and could not be moved aside", name), errors.Join(err, renameErr))
		}
		s.logger.Error("moved corrupt data file aside", "path", path, "backup", backup, "error", err)
	}
	return nil
}

func (s *Store) writeJSON(name string, v any) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return types.NewAppError(types.ErrCodeInternalStorage, "failed to create data directory", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStorage, fmt.Sprintf("failed to encode %s", name), err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalStorage, "failed to create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return types.NewAppError(types.ErrCodeInternalStorage, fmt.Sprintf("failed to write %s", name), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return types.NewAppError(types.ErrCodeInternalStorage, fmt.Sprintf("failed to write %s", name), err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return types.NewAppError(types.ErrCodeInternalStorage, fmt.Sprintf("failed to replace %s", name), err)
	}
	return nil
}

// opportunityFile maps user id to that user's records.
type opportunityFile map[string][]types.Opportunity

func (s *Store) loadOpportunities() (opportunityFile, error) {
	data := opportunityFile{}
	if err := s.readJSON(opportunitiesFile, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = opportunityFile{}
	}
	return data, nil
}

// Insert appends opp unless the user already has a record with the same
// fingerprint. Records written before fingerprints were stored match on the
// message text instead.
func (s *Store) Insert(_ context.Context, opp types.Opportunity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadOpportunities()
	if err != nil {
		return false, err
	}
	for _, existing := range data[opp.UserID] {
		if duplicateOf(existing, opp) {
			return false, nil
		}
	}
	data[opp.UserID] = append(data[opp.UserID], opp)
	if err := s.writeJSON(opportunitiesFile, data); err != nil {
		return false, err
	}
	return true, nil
}

func duplicateOf(existing, candidate types.Opportunity) bool {
	if existing.OpportunityID != "" && existing.OpportunityID == candidate.OpportunityID {
		return true
	}
	if existing.Fingerprint != "" {
		return existing.Fingerprint == candidate.Fingerprint
	}
	return existing.PipData.Message == candidate.Fingerprint
}

// ListNew returns the user's new records, newest first.
func (s *Store) ListNew(_ context.Context, userID string, limit int) ([]types.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadOpportunities()
	if err != nil {
		return nil, err
	}
	out := make([]types.Opportunity, 0, len(data[userID]))
	for _, opp := range data[userID] {
		if opp.Status == types.OpportunityStatusNew {
			out = append(out, opp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSeen flips one of the user's records to seen.
func (s *Store) MarkSeen(_ context.Context, userID, opportunityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadOpportunities()
	if err != nil {
		return err
	}
	records := data[userID]
	for i := range records {
		if records[i].OpportunityID != opportunityID {
			continue
		}
		if records[i].Status == types.OpportunityStatusSeen {
			return nil
		}
		records[i].Status = types.OpportunityStatusSeen
		return s.writeJSON(opportunitiesFile, data)
	}
	return types.NewAppError(types.ErrCodeNotFoundOpportunity, "opportunity not found", nil)
}

// DeleteForUser drops every record of the user.
func (s *Store) DeleteForUser(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadOpportunities()
	if err != nil {
		return 0, err
	}
	n := len(data[userID])
	if n == 0 {
		return 0, nil
	}
	delete(data, userID)
	if err := s.writeJSON(opportunitiesFile, data); err != nil {
		return 0, err
	}
	return n, nil
}
