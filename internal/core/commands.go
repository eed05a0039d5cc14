package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"picbot/internal/catalog"
	"picbot/internal/delivery"
	"picbot/internal/dispatch"
	"picbot/internal/metrics"
	"picbot/internal/sched"
	"picbot/internal/store"
	"picbot/internal/transport"
	logx "picbot/pkg/logx"
)

// MenuCommands is what we publish to the platform command menu.
var MenuCommands = []transport.BotCommand{
	{Command: "start", Description: "Subscribe and receive the welcome photo"},
	{Command: "time", Description: "Set your daily delivery time (HH:MM)"},
	{Command: "stats", Description: "Show your schedule and recent deliveries"},
}

// Router owns the update loop: it parses incoming messages and runs the
// command handlers. One goroutine consumes the channel, so handlers never
// race with each other.
type Router struct {
	log logx.Logger

	store   store.Store
	sched   *sched.Service
	disp    *dispatch.Service
	exec    *delivery.Executor
	catalog *catalog.Reader
	sender  delivery.Sender

	collector *metrics.Collector // nil when metrics are disabled

	// defaultTime returns the current configured delivery time for new users.
	defaultTime func() string
}

func NewRouter(st store.Store, sc *sched.Service, disp *dispatch.Service, exec *delivery.Executor,
	cat *catalog.Reader, sender delivery.Sender, defaultTime func() string, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if defaultTime == nil {
		defaultTime = func() string { return "10:00" }
	}
	return &Router{
		log:         log,
		store:       st,
		sched:       sc,
		disp:        disp,
		exec:        exec,
		catalog:     cat,
		sender:      sender,
		defaultTime: defaultTime,
	}
}

// SetCollector attaches the metrics collector. Safe to leave unset.
func (r *Router) SetCollector(c *metrics.Collector) { r.collector = c }

// Run consumes updates until ctx is done or the channel closes.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.handle(ctx, up)
		}
	}
}

func (r *Router) handle(ctx context.Context, up transport.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	cmd, args := splitCommand(msg.Text)
	if cmd == "" {
		return
	}

	log := r.log.With(
		logx.String("cmd", cmd),
		logx.Int64("user_id", msg.FromID),
	)

	var err error
	switch cmd {
	case "start":
		err = r.cmdStart(ctx, msg)
	case "time":
		err = r.cmdTime(ctx, msg, args)
	case "stats":
		err = r.cmdStats(ctx, msg)
	default:
		// Unknown commands are ignored, same as plain text.
		return
	}

	if r.collector != nil {
		r.collector.RecordCommand(cmd)
	}
	if err != nil {
		log.Error("command failed", logx.Err(err))
		return
	}
	log.Debug("command handled")
}

// cmdStart registers the user (keeping an existing schedule intact), makes
// sure a trigger exists, and sends the welcome image.
func (r *Router) cmdStart(ctx context.Context, msg *transport.Message) error {
	userID := strconv.FormatInt(msg.FromID, 10)

	unlock := r.store.LockUser(userID)
	rec, found, err := r.store.User(ctx, userID)
	if err != nil {
		unlock()
		return fmt.Errorf("load user: %w", err)
	}
	if !found || rec.Time == "" {
		rec.Time = r.defaultTime()
		if err := r.store.PutUser(ctx, userID, rec); err != nil {
			unlock()
			return fmt.Errorf("save user: %w", err)
		}
	}
	unlock()

	if err := r.sched.Upsert(userID, rec.Time); err != nil {
		return fmt.Errorf("register trigger: %w", err)
	}

	if !found {
		r.log.Info("user registered",
			logx.String("user_id", userID),
			logx.String("at", rec.Time),
			logx.String("username", msg.FromUsername),
		)
	}

	if err := r.exec.SendWelcome(ctx, userID); err != nil {
		return err
	}
	text := fmt.Sprintf("You're in! A photo will arrive every day at %s. Use /time HH:MM to change it.", rec.Time)
	return r.sender.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID}, text, nil)
}

// cmdTime reschedules the user. Invalid input changes nothing: the stored
// record and the live trigger both keep their previous value.
func (r *Router) cmdTime(ctx context.Context, msg *transport.Message, args string) error {
	to := transport.ChatTarget{ChatID: msg.ChatID}

	hour, minute, err := sched.ParseHHMM(args)
	if err != nil {
		return r.sender.SendText(ctx, to, "That doesn't look like a time. Use /time HH:MM (24h), e.g. /time 09:30.", nil)
	}
	at := fmt.Sprintf("%02d:%02d", hour, minute)
	userID := strconv.FormatInt(msg.FromID, 10)

	unlock := r.store.LockUser(userID)
	rec, _, err := r.store.User(ctx, userID)
	if err != nil {
		unlock()
		return fmt.Errorf("load user: %w", err)
	}
	rec.Time = at
	if err := r.store.PutUser(ctx, userID, rec); err != nil {
		unlock()
		return fmt.Errorf("save user: %w", err)
	}
	unlock()

	if err := r.sched.Upsert(userID, at); err != nil {
		return fmt.Errorf("register trigger: %w", err)
	}

	r.log.Info("user rescheduled", logx.String("user_id", userID), logx.String("at", at))
	text := fmt.Sprintf("Time updated! You'll now receive photos at %s.", at)
	return r.sender.SendText(ctx, to, text, nil)
}

// cmdStats reports the user's schedule and the engine's recent activity.
func (r *Router) cmdStats(ctx context.Context, msg *transport.Message) error {
	userID := strconv.FormatInt(msg.FromID, 10)
	to := transport.ChatTarget{ChatID: msg.ChatID}

	var b strings.Builder
	if at, ok := r.sched.At(userID); ok {
		fmt.Fprintf(&b, "Your delivery time: %s\n", at)
	} else {
		b.WriteString("You have no schedule yet. Send /start to subscribe.\n")
	}

	if imgs, err := r.catalog.List(); err == nil {
		hist, _ := r.store.History(ctx, userID)
		fmt.Fprintf(&b, "Photos: %d in the catalog, %d already sent to you.\n", len(imgs), len(hist))
	}

	recent := r.disp.Recent(5)
	if len(recent) > 0 {
		b.WriteString("Recent deliveries:\n")
		for _, ev := range recent {
			fmt.Fprintf(&b, "  %s  %s  %s\n", ev.Started.Format(time.DateTime), ev.UserID, ev.Result)
		}
	}

	return r.sender.SendText(ctx, to, b.String(), nil)
}

// splitCommand extracts a bot command from message text. "/time@picbot 09:30"
// yields ("time", "09:30"); plain text yields ("", "").
func splitCommand(text string) (cmd, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	return strings.ToLower(head), strings.TrimSpace(rest)
}
