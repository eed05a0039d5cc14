// Package delivery performs a single user's image delivery: select the next
// unseen image, send it, and commit the user's history only after the send
// succeeded. A failed send leaves state untouched so the same image is
// retried on the next scheduled fire.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"picbot/internal/catalog"
	"picbot/internal/rotation"
	"picbot/internal/store"
	"picbot/internal/transport"
	logx "picbot/pkg/logx"
)

// ErrSendFailed wraps transport errors. State is never mutated when it is
// returned; the next fire retries the same image.
var ErrSendFailed = errors.New("delivery: send failed")

// Sender is the slice of the transport the executor needs.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error
	SendPhoto(ctx context.Context, to transport.ChatTarget, path string, caption string) error
}

type Executor struct {
	log     logx.Logger
	catalog *catalog.Reader
	store   store.Store
	sender  Sender

	welcomeCaption string
}

func New(cat *catalog.Reader, st store.Store, sender Sender, welcomeCaption string, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		log:            log,
		catalog:        cat,
		store:          st,
		sender:         sender,
		welcomeCaption: welcomeCaption,
	}
}

// Deliver runs one delivery attempt for the user.
//
// It returns the image that was (or would have been) sent. image == "" with a
// nil error means the catalog was empty and nothing happened. The user's lock
// is held for the whole read-select-send-commit sequence so a concurrent
// reschedule can't interleave with the history commit.
func (e *Executor) Deliver(ctx context.Context, userID string) (image string, err error) {
	unlock := e.store.LockUser(userID)
	defer unlock()

	cat, err := e.catalog.List()
	if err != nil {
		return "", err
	}

	history, err := e.store.History(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("delivery: load history for %s: %w", userID, err)
	}

	chosen, newHistory, err := rotation.Next(cat, history)
	if errors.Is(err, rotation.ErrNoImages) {
		e.log.Info("no images available; skipping delivery", logx.String("user", userID))
		return "", nil
	}
	if err != nil {
		return "", err
	}

	to, err := chatTarget(userID)
	if err != nil {
		return "", err
	}
	if err := e.sender.SendPhoto(ctx, to, e.catalog.Path(chosen), ""); err != nil {
		// No state change: the image stays unsent and is retried next fire.
		return chosen, fmt.Errorf("%w: user %s image %s: %v", ErrSendFailed, userID, chosen, err)
	}

	if err := e.store.PutHistory(ctx, userID, newHistory); err != nil {
		// The send went out but the commit failed; the user may see this
		// image again tomorrow. At-least-once is acceptable here, but the
		// store failure must not go unnoticed.
		return chosen, fmt.Errorf("delivery: commit history for %s: %w", userID, err)
	}

	e.log.Info("image delivered",
		logx.String("user", userID),
		logx.String("image", chosen),
		logx.Int("cycle_progress", len(newHistory)),
		logx.Int("catalog_size", len(cat)))
	return chosen, nil
}

// SendWelcome sends the reserved welcome image to a newly registered user,
// or a short notice when no welcome image exists.
func (e *Executor) SendWelcome(ctx context.Context, userID string) error {
	to, err := chatTarget(userID)
	if err != nil {
		return err
	}

	path, ok := e.catalog.Welcome()
	if !ok {
		return e.sender.SendText(ctx, to, "No start image found.", nil)
	}
	if err := e.sender.SendPhoto(ctx, to, path, e.welcomeCaption); err != nil {
		e.log.Error("welcome image send failed", logx.String("user", userID), logx.Err(err))
		return e.sender.SendText(ctx, to, "Failed to send start image: "+err.Error(), nil)
	}
	return nil
}

func chatTarget(userID string) (transport.ChatTarget, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return transport.ChatTarget{}, fmt.Errorf("delivery: bad user id %q: %w", userID, err)
	}
	return transport.ChatTarget{ChatID: id}, nil
}
