// Package typing implements the ref-counted Typing Indicator: the first
// concurrent acquisition for a (chatId, threadId) sends a typing signal and
// starts a refresh loop; further acquisitions only bump the ref count; the
// loop is cancelled promptly when the count returns to zero.
package typing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/riverrelay/dialogworker/ports"
)

const defaultRefreshInterval = 4 * time.Second

// Sender is the narrow surface the registry needs: a best-effort typing
// signal. Implementations are expected to already swallow their own errors
// per ports.Messaging.SendTyping's contract; the registry logs failures
// defensively in case a caller wires something that does not.
type Sender interface {
	SendTyping(ctx context.Context, chat ports.Chat) error
}

type entry struct {
	refCount int
	cancel   context.CancelFunc
	done     chan struct{}
}

// Registry tracks one typing-indicator lifecycle per (chatId, threadId).
type Registry struct {
	sender          Sender
	refreshInterval time.Duration

	mu      sync.Mutex
	entries map[ports.Chat]*entry
	bgWg    sync.WaitGroup
}

// New constructs a Registry. refreshInterval defaults to 4s when zero.
func New(sender Sender, refreshInterval time.Duration) *Registry {
	if refreshInterval <= 0 {
		refreshInterval = defaultRefreshInterval
	}
	return &Registry{sender: sender, refreshInterval: refreshInterval, entries: make(map[ports.Chat]*entry)}
}

// Release stops the typing loop for chat once every acquirer has called it.
type Release func()

// Acquire increments the ref count for chat, starting the refresh loop on
// the first concurrent acquisition, and returns a function the caller must
// invoke exactly once to release its hold.
func (r *Registry) Acquire(ctx context.Context, chat ports.Chat) Release {
	r.mu.Lock()
	e, ok := r.entries[chat]
	if ok {
		e.refCount++
		r.mu.Unlock()
		return r.releaseFunc(chat)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	e = &entry{refCount: 1, cancel: cancel, done: make(chan struct{})}
	r.entries[chat] = e
	r.mu.Unlock()

	r.sendOnce(ctx, chat)

	r.bgWg.Add(1)
	go r.refreshLoop(loopCtx, chat, e)

	return r.releaseFunc(chat)
}

func (r *Registry) releaseFunc(chat ports.Chat) Release {
	return func() {
		r.mu.Lock()
		e, ok := r.entries[chat]
		if !ok {
			r.mu.Unlock()
			return
		}
		e.refCount--
		if e.refCount > 0 {
			r.mu.Unlock()
			return
		}
		delete(r.entries, chat)
		r.mu.Unlock()

		e.cancel()
		<-e.done
	}
}

func (r *Registry) refreshLoop(ctx context.Context, chat ports.Chat, e *entry) {
	defer r.bgWg.Done()
	defer close(e.done)

	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sendOnce(ctx, chat)
		}
	}
}

func (r *Registry) sendOnce(ctx context.Context, chat ports.Chat) {
	if err := r.sender.SendTyping(ctx, chat); err != nil {
		slog.Warn("typing indicator send failed, swallowing", "chatId", chat.ID, "threadId", chat.ThreadID, "error", err)
	}
}

// Wait blocks until every in-flight refresh loop has exited. Intended for
// graceful shutdown.
func (r *Registry) Wait() {
	r.bgWg.Wait()
}
