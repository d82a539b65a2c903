// Package store provides crash-safe persistence for terminal job records and
// risk events using JSON files.
//
// Each terminal job is stored as a separate file: job_<id>.json. Risk events
// accumulate in risk_events.json. Writes use atomic file replacement (write
// to .tmp, then rename) to prevent corruption from partial writes or crashes
// mid-save. The core reconstructs all in-memory state on restart; these
// files exist for operators and post-mortems.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"perphedge/internal/scheduler"
)

// maxRiskEvents bounds the risk event log on disk.
const maxRiskEvents = 1000

// RiskEvent is one operator-relevant risk occurrence (kill switch, auto-halt,
// mode change).
type RiskEvent struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// Store persists job records and risk events to JSON files in one directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveJobRecord atomically persists one terminal job record. It writes to a
// .tmp file first, then renames over the target so the file is never left in
// a partial state.
func (s *Store) SaveJobRecord(rec scheduler.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	return s.writeAtomic("job_"+rec.Job.ID+".json", data)
}

// LoadJobRecords restores all persisted terminal records, oldest first.
func (s *Store) LoadJobRecords() ([]scheduler.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read store dir: %w", err)
	}

	var out []scheduler.JobRecord
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "job_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var rec scheduler.JobRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", name, err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FinishedAt.Before(out[j].FinishedAt) })
	return out, nil
}

// AppendRiskEvent adds one event to the risk log, keeping the newest
// maxRiskEvents entries.
func (s *Store) AppendRiskEvent(ev RiskEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.loadRiskEventsLocked()
	if err != nil {
		return err
	}
	events = append(events, ev)
	if len(events) > maxRiskEvents {
		events = events[len(events)-maxRiskEvents:]
	}

	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal risk events: %w", err)
	}
	return s.writeAtomic("risk_events.json", data)
}

// LoadRiskEvents restores the persisted risk event log.
func (s *Store) LoadRiskEvents() ([]RiskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadRiskEventsLocked()
}

func (s *Store) loadRiskEventsLocked() ([]RiskEvent, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "risk_events.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read risk events: %w", err)
	}
	var events []RiskEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("unmarshal risk events: %w", err)
	}
	return events, nil
}

func (s *Store) writeAtomic(name string, data []byte) error {
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}
