package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"sidekick/internal/transport"

	logx "sidekick/pkg/logx"
)

var (
	// ErrBusy means a question is already outstanding for the user. Callers
	// must not retry blindly; one question per user at a time is the protocol.
	ErrBusy = errors.New("bridge: a question is already pending for this user")
	// ErrTimeout means the user never answered within the configured window.
	ErrTimeout = errors.New("bridge: timed out waiting for a reply")
)

// SendFunc publishes a question to the user's chat.
type SendFunc func(ctx context.Context, to transport.ChatTarget, text string) error

type Config struct {
	// AskTimeout bounds how long Ask blocks waiting for a reply.
	// Zero means wait until the context is cancelled.
	AskTimeout time.Duration
}

// Bridge is a per-user single-slot rendezvous between a background task that
// needs an answer and the inbound message path that has one.
//
// At most one question may be outstanding per user. Ask blocks only its
// calling goroutine; Deliver resolves it from the update router. A reply is
// consumed exactly once and never overwrites a pending question.
type Bridge struct {
	mu    sync.Mutex
	slots map[int64]*slot

	cfg  Config
	send SendFunc
	log  logx.Logger
}

type slot struct {
	question string
	reply    chan string // capacity 1; written at most once
}

func New(cfg Config, send SendFunc, log logx.Logger) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{
		slots: map[int64]*slot{},
		cfg:   cfg,
		send:  send,
		log:   log,
	}
}

// Ask publishes question to the user's chat and blocks until a reply is
// delivered, the context is cancelled, or the ask timeout elapses.
//
// A second Ask for the same user while one is outstanding fails with ErrBusy.
func (b *Bridge) Ask(ctx context.Context, userID int64, to transport.ChatTarget, question string) (string, error) {
	b.mu.Lock()
	if _, exists := b.slots[userID]; exists {
		b.mu.Unlock()
		return "", ErrBusy
	}
	s := &slot{question: question, reply: make(chan string, 1)}
	b.slots[userID] = s
	b.mu.Unlock()

	// Slot is registered before the question goes out, so a fast reply can
	// never race past an unregistered slot.
	if err := b.send(ctx, to, question); err != nil {
		b.clear(userID, s)
		return "", err
	}
	b.log.Debug("question published", logx.Int64("user", userID))

	var timeout <-chan time.Time
	if b.cfg.AskTimeout > 0 {
		tm := time.NewTimer(b.cfg.AskTimeout)
		defer tm.Stop()
		timeout = tm.C
	}

	select {
	case reply := <-s.reply:
		return reply, nil
	case <-ctx.Done():
		b.clear(userID, s)
		// A reply that won the race against cancellation is still the answer.
		select {
		case reply := <-s.reply:
			return reply, nil
		default:
		}
		return "", ctx.Err()
	case <-timeout:
		b.clear(userID, s)
		select {
		case reply := <-s.reply:
			return reply, nil
		default:
		}
		b.log.Warn("question timed out", logx.Int64("user", userID), logx.Duration("after", b.cfg.AskTimeout))
		return "", ErrTimeout
	}
}

// Deliver hands an inbound message to a waiting Ask. It reports whether the
// message was consumed as a reply; false means no question is outstanding for
// the user and the message should go through normal handling instead.
func (b *Bridge) Deliver(userID int64, reply string) bool {
	b.mu.Lock()
	s := b.slots[userID]
	if s == nil {
		b.mu.Unlock()
		return false
	}
	delete(b.slots, userID)
	// Slot removal and the reply send are one critical section. The channel
	// has capacity 1 and only one Deliver can get this far, so the send never
	// blocks; and because it commits before the lock is released, a timeout
	// or cancellation racing in through clear() always finds the reply in its
	// drain instead of reporting a consumed message as lost.
	s.reply <- reply
	b.mu.Unlock()

	b.log.Debug("reply delivered", logx.Int64("user", userID))
	return true
}

// Pending returns the outstanding question for the user, if any.
func (b *Bridge) Pending(userID int64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s := b.slots[userID]; s != nil {
		return s.question, true
	}
	return "", false
}

func (b *Bridge) clear(userID int64, s *slot) {
	b.mu.Lock()
	if b.slots[userID] == s {
		delete(b.slots, userID)
	}
	b.mu.Unlock()
}
