package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/comigor/mioo-go/internal/logger"
	"github.com/comigor/mioo-go/internal/telegram"
)

// Handler processes one update.
type Handler interface {
	Handle(ctx context.Context, u telegram.Update)
}

// DefaultQueueLimit caps the updates waiting on one chat.
const DefaultQueueLimit = 256

// Dispatcher runs at most one worker goroutine per chat so that updates of
// a chat are handled in arrival order while different chats proceed
// concurrently. Dispatch never blocks; a worker exits once its chat's
// queue is empty.
type Dispatcher struct {
	h     Handler
	ctx   context.Context
	limit int
	log   *slog.Logger

	mu     sync.Mutex
	queues map[int64][]telegram.Update
	wg     sync.WaitGroup
	closed bool
}

// NewDispatcher creates a dispatcher whose workers run under ctx.
func NewDispatcher(ctx context.Context, h Handler) *Dispatcher {
	return &Dispatcher{
		h:      h,
		ctx:    ctx,
		limit:  DefaultQueueLimit,
		log:    logger.Component("bot"),
		queues: make(map[int64][]telegram.Update),
	}
}

// Dispatch queues u on its chat's worker, starting one if the chat has
// none. Updates without a message are dropped, as are updates for a chat
// whose queue is full.
func (d *Dispatcher) Dispatch(u telegram.Update) {
	if u.Message == nil {
		return
	}
	chatID := u.Message.Chat.ID

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	q, running := d.queues[chatID]
	if len(q) >= d.limit {
		d.log.Warn("chat queue full; dropping update", "chat_id", chatID, "update_id", u.UpdateID, "queued", len(q))
		return
	}
	d.queues[chatID] = append(q, u)
	if !running {
		d.wg.Add(1)
		go d.work(chatID)
	}
}

func (d *Dispatcher) work(chatID int64) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[chatID]
		if len(q) == 0 {
			delete(d.queues, chatID)
			d.mu.Unlock()
			return
		}
		u := q[0]
		q[0] = telegram.Update{}
		d.queues[chatID] = q[1:]
		d.mu.Unlock()

		if d.ctx.Err() == nil {
			d.h.Handle(d.ctx, u)
		}
	}
}

// active reports how many chats currently have a worker.
func (d *Dispatcher) active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

// Close stops accepting updates and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}

// Poller fetches updates.
type Poller interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]telegram.Update, error)
}

// Poll long-polls updates and dispatches them until ctx is done. Poll
// errors are logged and retried after errDelay.
func Poll(ctx context.Context, p Poller, d *Dispatcher, timeout int, errDelay time.Duration, log *slog.Logger) {
	var offset int64
	for ctx.Err() == nil {
		updates, err := p.GetUpdates(ctx, offset, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(errDelay):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			d.Dispatch(u)
		}
	}
}
