package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "picbot/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	s, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestFirstRunIsEmpty(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	ctx := context.Background()
	users, err := s.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 0 {
		t.Fatalf("expected empty users on first run, got %v", users)
	}
	h, err := s.History(ctx, "42")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if h != nil {
		t.Fatalf("expected nil history on first run, got %v", h)
	}
}

func TestRoundTripAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	s := openTestStore(t, dir)
	if err := s.PutUser(ctx, "42", UserRecord{Time: "09:30"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := s.PutUser(ctx, "7", UserRecord{Time: "10:00"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := s.PutHistory(ctx, "42", []string{"a.jpg", "b.jpg"}); err != nil {
		t.Fatalf("PutHistory: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = openTestStore(t, dir)
	defer s.Close()

	rec, ok, err := s.User(ctx, "42")
	if err != nil || !ok {
		t.Fatalf("User: ok=%v err=%v", ok, err)
	}
	if rec.Time != "09:30" {
		t.Fatalf("Time = %q, want 09:30", rec.Time)
	}
	users, err := s.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("Users = %v, want 2 entries", users)
	}
	h, err := s.History(ctx, "42")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h) != 2 || h[0] != "a.jpg" || h[1] != "b.jpg" {
		t.Fatalf("History = %v, want [a.jpg b.jpg]", h)
	}
}

func TestPutUserOverwrites(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	if err := s.PutUser(ctx, "42", UserRecord{Time: "10:00"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := s.PutUser(ctx, "42", UserRecord{Time: "18:45"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	rec, ok, err := s.User(ctx, "42")
	if err != nil || !ok {
		t.Fatalf("User: ok=%v err=%v", ok, err)
	}
	if rec.Time != "18:45" {
		t.Fatalf("Time = %q, want 18:45", rec.Time)
	}
}

func TestHistoryIsCopied(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	defer s.Close()
	ctx := context.Background()

	in := []string{"a.jpg"}
	if err := s.PutHistory(ctx, "42", in); err != nil {
		t.Fatalf("PutHistory: %v", err)
	}
	in[0] = "mutated.jpg"

	h, err := s.History(ctx, "42")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if h[0] != "a.jpg" {
		t.Fatalf("stored history aliased caller slice: %v", h)
	}
	h[0] = "mutated-again.jpg"
	h2, err := s.History(ctx, "42")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if h2[0] != "a.jpg" {
		t.Fatalf("returned history aliased internal state: %v", h2)
	}
}

func TestNoTempFileLeftBehind(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := openTestStore(t, dir)
	defer s.Close()

	if err := s.PutUser(context.Background(), "42", UserRecord{Time: "10:00"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, usersFile+".tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, usersFile)); err != nil {
		t.Fatalf("users file missing: %v", err)
	}
}

func TestLockUserSerializes(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, t.TempDir())
	defer s.Close()

	unlock := s.LockUser("42")
	acquired := make(chan struct{})
	go func() {
		u := s.LockUser("42")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second LockUser acquired while first still held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-acquired
}
