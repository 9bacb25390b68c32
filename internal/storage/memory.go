package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"matchsync/internal/match"
	logx "matchsync/pkg/logx"
)

type memoryStore struct {
	log logx.Logger

	mu       sync.RWMutex
	events   map[match.EventID]match.Event
	matches  map[match.MatchID]match.Match
	services map[int64]match.WebService
	audit    []AuditEntry

	// file driver only
	snapshotPath string
	auditFile    *os.File
	closed       bool
}

// snapshot is the on-disk layout of the file driver.
type snapshot struct {
	Events      []match.Event      `json:"events"`
	Matches     []match.Match      `json:"matches"`
	WebServices []match.WebService `json:"web_services"`
}

func newMemory(log logx.Logger) *memoryStore {
	return &memoryStore{
		log:      log,
		events:   map[match.EventID]match.Event{},
		matches:  map[match.MatchID]match.Match{},
		services: map[int64]match.WebService{},
	}
}

// openFile loads <prefix>.snapshot.json when present and appends audit entries to <prefix>.audit.jsonl.
// The snapshot is rewritten after every result change and on Close.
func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := newMemory(log)
	s.snapshotPath = prefix + ".snapshot.json"
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.auditFile = af
	return s, nil
}

func (s *memoryStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, e := range snap.Events {
		s.events[e.ID] = e
	}
	for _, m := range snap.Matches {
		s.matches[m.ID] = m
	}
	for _, w := range snap.WebServices {
		s.services[w.ID] = w
	}
	return nil
}

// saveLocked writes the snapshot atomically. Call with s.mu held.
func (s *memoryStore) saveLocked() error {
	if s.snapshotPath == "" {
		return nil
	}
	snap := snapshot{}
	for _, e := range s.events {
		snap.Events = append(snap.Events, e)
	}
	for _, m := range s.matches {
		snap.Matches = append(snap.Matches, m)
	}
	for _, w := range s.services {
		snap.WebServices = append(snap.WebServices, w)
	}
	sort.Slice(snap.Events, func(i, j int) bool { return snap.Events[i].ID < snap.Events[j].ID })
	sort.Slice(snap.Matches, func(i, j int) bool { return snap.Matches[i].ID < snap.Matches[j].ID })
	sort.Slice(snap.WebServices, func(i, j int) bool { return snap.WebServices[i].ID < snap.WebServices[j].ID })

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

func (s *memoryStore) persistLocked() {
	if err := s.saveLocked(); err != nil {
		s.log.Warn("snapshot write failed", logx.String("path", s.snapshotPath), logx.Err(err))
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.saveLocked()
	if s.auditFile != nil {
		if cerr := s.auditFile.Close(); err == nil {
			err = cerr
		}
		s.auditFile = nil
	}
	return err
}

func (s *memoryStore) Events(context.Context) ([]match.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]match.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) Event(_ context.Context, id match.EventID) (match.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return match.Event{}, fmt.Errorf("event %d: %w", id, match.ErrNotFound)
	}
	return e, nil
}

func (s *memoryStore) matchesLocked(id match.EventID) []match.Match {
	var out []match.Match
	for _, m := range s.matches {
		if m.EventID == id {
			out = append(out, m)
		}
	}
	match.Sort(out)
	return out
}

func (s *memoryStore) Matches(_ context.Context, id match.EventID) ([]match.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matchesLocked(id), nil
}

func (s *memoryStore) Match(_ context.Context, id match.MatchID) (match.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return match.Match{}, fmt.Errorf("match %d: %w", id, match.ErrNotFound)
	}
	return m, nil
}

func (s *memoryStore) FirstIncompleteMatch(_ context.Context, id match.EventID) (match.Match, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := match.FirstIncomplete(s.matchesLocked(id))
	return m, ok, nil
}

func (s *memoryStore) WebServices(_ context.Context, id match.EventID) ([]match.WebService, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []match.WebService
	for _, w := range s.services {
		if w.EventID == id {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memoryStore) IncompleteEscalatedMatches(_ context.Context, id match.EventID, startedBefore time.Time) ([]match.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []match.Match
	for _, m := range s.matchesLocked(id) {
		if !m.Complete() && !m.StartTime.After(startedBefore) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memoryStore) ApplyResult(_ context.Context, u match.ResultUpdate, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	m, ok := s.matches[u.MatchID]
	if !ok {
		return false, fmt.Errorf("match %d: %w", u.MatchID, match.ErrNotFound)
	}
	if !apply(&m, u) {
		return false, nil
	}
	s.matches[m.ID] = m
	if ev, ok := s.events[m.EventID]; ok && at.After(ev.LastProgressAt) {
		ev.LastProgressAt = at
		s.events[ev.ID] = ev
	}
	s.persistLocked()
	return true, nil
}

func (s *memoryStore) Completion(_ context.Context, id match.EventID) (Completion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := Completion{EventID: id}
	for _, m := range s.matchesLocked(id) {
		c.Total++
		if m.Complete() {
			c.Completed++
		}
	}
	return c, nil
}

func (s *memoryStore) UpsertEvent(_ context.Context, e match.Event) error {
	if e.ID <= 0 {
		return fmt.Errorf("event id must be positive, got %d", e.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = e
	s.persistLocked()
	return nil
}

func (s *memoryStore) UpsertMatch(_ context.Context, m match.Match) error {
	if m.ID <= 0 || m.EventID <= 0 {
		return fmt.Errorf("match %d needs positive ids", m.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[m.EventID]; !ok {
		return fmt.Errorf("event %d: %w", m.EventID, match.ErrNotFound)
	}
	s.matches[m.ID] = m
	s.persistLocked()
	return nil
}

func (s *memoryStore) UpsertWebService(_ context.Context, w match.WebService) error {
	if w.ID <= 0 || w.EventID <= 0 {
		return fmt.Errorf("web service %d needs positive ids", w.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[w.ID] = w
	s.persistLocked()
	return nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	if s.auditFile != nil {
		return json.NewEncoder(s.auditFile).Encode(e)
	}
	return nil
}
