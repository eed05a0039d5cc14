package store

import (
	"context"
	"path/filepath"
	"testing"

	logx "picbot/pkg/logx"
)

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "picbot.db")
	ctx := context.Background()

	s, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.PutUser(ctx, "42", UserRecord{Time: "09:30"}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if err := s.PutUser(ctx, "42", UserRecord{Time: "11:15"}); err != nil {
		t.Fatalf("PutUser upsert: %v", err)
	}
	if err := s.PutHistory(ctx, "42", []string{"b.jpg", "a.jpg"}); err != nil {
		t.Fatalf("PutHistory: %v", err)
	}

	rec, ok, err := s.User(ctx, "42")
	if err != nil || !ok {
		t.Fatalf("User: ok=%v err=%v", ok, err)
	}
	if rec.Time != "11:15" {
		t.Fatalf("Time = %q, want 11:15", rec.Time)
	}

	h, err := s.History(ctx, "42")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h) != 2 || h[0] != "b.jpg" || h[1] != "a.jpg" {
		t.Fatalf("History = %v, want [b.jpg a.jpg] (delivery order preserved)", h)
	}

	// Replacing the history replaces it wholesale.
	if err := s.PutHistory(ctx, "42", []string{"c.jpg"}); err != nil {
		t.Fatalf("PutHistory replace: %v", err)
	}
	h, err = s.History(ctx, "42")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h) != 1 || h[0] != "c.jpg" {
		t.Fatalf("History = %v, want [c.jpg]", h)
	}
}

func TestSQLiteUnknownUser(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "picbot.db")
	s, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	_, ok, err := s.User(context.Background(), "nope")
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if ok {
		t.Fatal("expected unknown user")
	}
}
