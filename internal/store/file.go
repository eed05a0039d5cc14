package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"sync"

	logx "picbot/pkg/logx"
)

const (
	usersFile = "users.json"
	sentFile  = "sent.json"
)

// fileStore keeps both mappings in memory and rewrites the backing JSON
// document in full on every mutation. Writes go through a temp file + rename
// so a crash mid-write never truncates existing state.
type fileStore struct {
	log logx.Logger
	dir string

	mu    sync.Mutex
	users map[string]UserRecord
	sent  map[string][]string

	ulocks *userLocks
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := cfg.Path
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create state dir: %w", err)
	}

	s := &fileStore{
		log:    log,
		dir:    dir,
		users:  map[string]UserRecord{},
		sent:   map[string][]string{},
		ulocks: newUserLocks(),
	}
	if err := loadJSON(filepath.Join(dir, usersFile), &s.users); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, sentFile), &s.sent); err != nil {
		return nil, err
	}
	log.Debug("file store opened",
		logx.String("dir", dir),
		logx.Int("users", len(s.users)),
		logx.Int("histories", len(s.sent)))
	return s, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) LockUser(id string) func() { return s.ulocks.lock(id) }

func (s *fileStore) Users(ctx context.Context) (map[string]UserRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]UserRecord, len(s.users))
	for k, v := range s.users {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) User(ctx context.Context, id string) (UserRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[id]
	return rec, ok, nil
}

func (s *fileStore) PutUser(ctx context.Context, id string, rec UserRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.users[id]
	s.users[id] = rec
	if err := saveJSON(filepath.Join(s.dir, usersFile), s.users); err != nil {
		// Roll back the in-memory map so memory and disk stay consistent.
		if had {
			s.users[id] = prev
		} else {
			delete(s.users, id)
		}
		return err
	}
	return nil
}

func (s *fileStore) History(ctx context.Context, id string) ([]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.sent[id]
	if h == nil {
		return nil, nil
	}
	return append([]string(nil), h...), nil
}

func (s *fileStore) PutHistory(ctx context.Context, id string, images []string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.sent[id]
	s.sent[id] = append([]string(nil), images...)
	if err := saveJSON(filepath.Join(s.dir, sentFile), s.sent); err != nil {
		if had {
			s.sent[id] = prev
		} else {
			delete(s.sent, id)
		}
		return err
	}
	return nil
}

func loadJSON(path string, out any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// First run.
			return nil
		}
		return fmt.Errorf("store: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("store: decode %s: %w", path, err)
	}
	return nil
}

func saveJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename %s: %w", path, err)
	}
	return nil
}
