// Package sched owns one recurring daily trigger per registered user.
//
// Triggers are robfig/cron entries ("M H * * *") in a single configured
// timezone. Registering a trigger for a user who already has one replaces it
// atomically under the service lock, so a user never has two live entries. A
// fire only hands the user id to the dispatcher; it never sends on the cron
// timer goroutine.
package sched

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "picbot/pkg/logx"
)

// ErrBadTime rejects malformed schedule input. Nothing is mutated when it is
// returned.
var ErrBadTime = errors.New("sched: invalid time, expected HH:MM (24h)")

// Dispatcher accepts a delivery job without blocking.
type Dispatcher interface {
	Enqueue(userID string) error
}

type Config struct {
	// Timezone is the IANA zone all user times are interpreted in,
	// e.g. "America/Argentina/Buenos_Aires". Empty means time.Local.
	Timezone string
}

type trigger struct {
	at      string // "HH:MM", normalized
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	disp Dispatcher

	loc      *time.Location
	c        *cron.Cron
	triggers map[string]trigger
}

// TriggerInfo is a read-only snapshot row of a live trigger.
type TriggerInfo struct {
	UserID string
	At     string
	Next   time.Time
}

func New(cfg Config, disp Dispatcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:      log,
		cfg:      cfg,
		disp:     disp,
		triggers: map[string]trigger{},
	}
}

// ParseHHMM validates a 24h "HH:MM" literal.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadTime, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: bad hour in %q", ErrBadTime, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: bad minute in %q", ErrBadTime, s)
	}
	return h, m, nil
}

// Upsert registers (or replaces) the user's daily trigger at hhmm.
// The definition is kept even when the service is not started yet;
// Start() registers all known definitions.
func (s *Service) Upsert(userID, hhmm string) error {
	h, m, err := ParseHHMM(hhmm)
	if err != nil {
		return err
	}
	at := fmt.Sprintf("%02d:%02d", h, m)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replace: drop the previous entry first so there is never a moment
	// with two live triggers for one user.
	if prev, ok := s.triggers[userID]; ok && s.c != nil && prev.entryID != 0 {
		s.c.Remove(prev.entryID)
	}

	tr := trigger{at: at}
	if s.c != nil {
		id, err := s.addEntryLocked(userID, h, m)
		if err != nil {
			return err
		}
		tr.entryID = id
	}
	s.triggers[userID] = tr
	s.log.Debug("trigger registered", logx.String("user", userID), logx.String("at", at))
	return nil
}

// Remove cancels the user's trigger. It returns true if one existed.
func (s *Service) Remove(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[userID]
	if !ok {
		return false
	}
	if s.c != nil && tr.entryID != 0 {
		s.c.Remove(tr.entryID)
	}
	delete(s.triggers, userID)
	s.log.Debug("trigger removed", logx.String("user", userID))
	return true
}

// At reports the registered time for a user, if any.
func (s *Service) At(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[userID]
	return tr.at, ok
}

// Snapshot lists live triggers with their next fire times.
func (s *Service) Snapshot() []TriggerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TriggerInfo, 0, len(s.triggers))
	for id, tr := range s.triggers {
		info := TriggerInfo{UserID: id, At: tr.at}
		if s.c != nil && tr.entryID != 0 {
			info.Next = s.c.Entry(tr.entryID).Next
		}
		out = append(out, info)
	}
	return out
}

// Start begins firing triggers. Definitions added before Start are
// registered now.
func (s *Service) Start(ctx context.Context) {
	_ = ctx // reserved

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))

	for userID, tr := range s.triggers {
		h, m, err := ParseHHMM(tr.at)
		if err != nil {
			continue
		}
		id, err := s.addEntryLocked(userID, h, m)
		if err != nil {
			s.log.Error("trigger register failed", logx.String("user", userID), logx.Err(err))
			continue
		}
		tr.entryID = id
		s.triggers[userID] = tr
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("triggers", len(s.triggers)))
}

// Stop stops firing. Definitions remain so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for id, tr := range s.triggers {
		tr.entryID = 0
		s.triggers[id] = tr
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("scheduler stopped")
}

// Apply picks up config changes. A timezone change restarts cron and
// re-registers every trigger in the new zone.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil || oldTZ == newTZ {
		return
	}
	s.restartLocked()
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithLocation(loc))
	for userID, tr := range s.triggers {
		h, m, err := ParseHHMM(tr.at)
		if err != nil {
			continue
		}
		id, err := s.addEntryLocked(userID, h, m)
		if err != nil {
			s.log.Error("trigger register failed", logx.String("user", userID), logx.Err(err))
			continue
		}
		tr.entryID = id
		s.triggers[userID] = tr
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", loc.String()), logx.Int("triggers", len(s.triggers)))
}

// addEntryLocked registers the cron entry for a user. Call with s.mu held
// and s.c non-nil.
func (s *Service) addEntryLocked(userID string, hour, minute int) (cron.EntryID, error) {
	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	return s.c.AddFunc(spec, func() { s.fire(userID) })
}

// fire runs on the cron timer goroutine; it must only enqueue.
func (s *Service) fire(userID string) {
	if err := s.disp.Enqueue(userID); err != nil {
		// The fire is lost for today, but never silently.
		s.log.Error("delivery dispatch failed", logx.String("user", userID), logx.Err(err))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
