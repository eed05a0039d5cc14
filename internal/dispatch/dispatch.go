// Package dispatch bridges scheduler fires into delivery execution.
//
// Cron triggers run on the cron timer goroutine and must never block on a
// Telegram send, so a fire only enqueues a deliver(user) job here. Worker
// goroutines own the actual sends, paced by a rate limiter so a burst of
// simultaneous triggers stays inside Telegram's send budget.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"picbot/internal/delivery"
	"picbot/internal/eventbus"
	logx "picbot/pkg/logx"
)

var (
	// ErrQueueFull means the fire could not be accepted. Callers log it;
	// the user's next daily trigger retries naturally.
	ErrQueueFull = errors.New("dispatch: queue full")

	ErrNotRunning = errors.New("dispatch: not running")
)

type Config struct {
	Workers     int
	QueueSize   int
	RatePerSec  int
	JobTimeout  time.Duration
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	return c
}

// Deliverer is implemented by delivery.Executor.
type Deliverer interface {
	Deliver(ctx context.Context, userID string) (image string, err error)
}

type job struct {
	id         string
	userID     string
	enqueuedAt time.Time
}

type Service struct {
	log       logx.Logger
	cfg       Config
	deliverer Deliverer
	bus       eventbus.Bus
	limiter   *rate.Limiter

	mu      sync.Mutex
	queue   chan job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	histMu  sync.Mutex
	history []eventbus.DeliveryEvent
}

func New(cfg Config, deliverer Deliverer, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		log:       log,
		cfg:       cfg,
		deliverer: deliverer,
		bus:       bus,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	rctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.queue = make(chan job, s.cfg.QueueSize)
	s.running = true

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func(q chan job) {
			defer s.wg.Done()
			s.worker(rctx, q)
		}(s.queue)
	}
	s.log.Info("dispatch started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("queue_cap", s.cfg.QueueSize),
		logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("dispatch stopped")
	case <-ctx.Done():
		s.log.Warn("dispatch stop cancelled", logx.Any("err", ctx.Err()))
	}
}

// Enqueue posts a delivery job for the user. It never blocks: a full queue
// returns ErrQueueFull and the fire is lost for today (the trigger recurs
// daily, so the user is not lost, only this fire).
func (s *Service) Enqueue(userID string) error {
	s.mu.Lock()
	q := s.queue
	running := s.running
	s.mu.Unlock()

	if !running || q == nil {
		return ErrNotRunning
	}

	j := job{id: uuid.NewString(), userID: userID, enqueuedAt: time.Now()}
	select {
	case q <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// Recent returns up to n most recent delivery outcomes, newest first.
func (s *Service) Recent(n int) []eventbus.DeliveryEvent {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if n <= 0 || n > len(s.history) {
		n = len(s.history)
	}
	out := make([]eventbus.DeliveryEvent, 0, n)
	for i := len(s.history) - 1; i >= len(s.history)-n; i-- {
		out = append(out, s.history[i])
	}
	return out
}

func (s *Service) worker(ctx context.Context, queue chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-queue:
			if !ok {
				return
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.execOne(ctx, j)
		}
	}
}

func (s *Service) execOne(ctx context.Context, j job) {
	start := time.Now()
	jctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	image, err := s.deliverer.Deliver(jctx, j.userID)
	cancel()

	ev := eventbus.DeliveryEvent{
		ID:       j.id,
		UserID:   j.userID,
		Image:    image,
		Started:  start,
		Duration: time.Since(start),
	}
	switch {
	case err == nil && image == "":
		ev.Result = eventbus.ResultEmpty
	case err == nil:
		ev.Result = eventbus.ResultOK
	case errors.Is(err, delivery.ErrSendFailed):
		ev.Result = eventbus.ResultSendError
		ev.Error = err.Error()
	default:
		ev.Result = eventbus.ResultError
		ev.Error = err.Error()
	}

	if err != nil {
		// One user's failure never aborts other users' fires.
		s.log.Error("delivery attempt failed",
			logx.String("user", j.userID),
			logx.String("job", j.id),
			logx.Duration("queue_delay", start.Sub(j.enqueuedAt)),
			logx.Err(err))
	}

	s.record(ev)
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func (s *Service) record(ev eventbus.DeliveryEvent) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	s.history = append(s.history, ev)
	if over := len(s.history) - s.cfg.HistorySize; over > 0 {
		s.history = append([]eventbus.DeliveryEvent(nil), s.history[over:]...)
	}
}
