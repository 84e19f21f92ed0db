package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/store"
)

// LiveChecker reports whether a user holds a live connection on this node.
type LiveChecker interface {
	IsConnected(userID string) bool
}

// Config sizes the dispatcher.
type Config struct {
	Workers        int
	QueueSize      int
	EnqueueTimeout time.Duration
}

// Dispatcher buffers notifications in memory and lets a small worker pool
// hand them to the task queue. Notify never blocks: when the buffer is full
// the notification is dropped and logged.
type Dispatcher struct {
	logger   *slog.Logger
	queue    Queue
	members  store.Membership
	presence presence.Store
	live     LiveChecker
	cfg      Config

	jobs chan Task
	quit chan struct{}
	wg   sync.WaitGroup

	// mu orders Notify's send against Stop closing quit, so that every
	// accepted task is buffered before the workers begin their final drain.
	mu      sync.RWMutex
	stopped bool
}

func NewDispatcher(
	logger *slog.Logger,
	queue Queue,
	members store.Membership,
	presenceStore presence.Store,
	live LiveChecker,
	cfg Config,
) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 2 * time.Second
	}
	return &Dispatcher{
		logger:   logger.With(slog.String("component", "notify")),
		queue:    queue,
		members:  members,
		presence: presenceStore,
		live:     live,
		cfg:      cfg,
		jobs:     make(chan Task, cfg.QueueSize),
		quit:     make(chan struct{}),
	}
}

// Start launches the workers. They run until ctx is cancelled or Stop is
// called.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.work(ctx)
		}()
	}
	d.logger.Info("Notification dispatcher started", slog.Int("workers", d.cfg.Workers))
}

// Stop signals the workers, lets them flush what is already buffered and
// waits for them.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.quit)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Notify queues a notification for userID and returns immediately. It
// reports false when the notification had to be dropped.
func (d *Dispatcher) Notify(userID, text string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		d.logger.Warn("Dispatcher stopped, dropping notification", slog.String("userID", userID))
		return false
	}

	task := NewTask(TaskSendNotification, userID, text)
	select {
	case d.jobs <- task:
		return true
	default:
		d.logger.Warn("Notification buffer full, dropping notification", slog.String("userID", userID))
		return false
	}
}

// NotifyOffline notifies every active member of roomID other than senderID
// who has neither a live connection nor a fresh presence record. It returns
// how many notifications were queued.
func (d *Dispatcher) NotifyOffline(ctx context.Context, roomID, senderID, text string) (int, error) {
	members, err := d.members.ListActiveMembers(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("list members of %s: %w", roomID, err)
	}

	queued := 0
	for _, userID := range members {
		if userID == senderID || d.live.IsConnected(userID) {
			continue
		}
		online, err := d.presence.IsOnline(ctx, userID)
		if err != nil {
			// a duplicate notification is harmless, a missed one is not
			d.logger.Warn("Presence lookup failed, treating user as offline",
				slog.String("userID", userID),
				slog.Any("error", err),
			)
		} else if online {
			continue
		}
		if d.Notify(userID, text) {
			queued++
		}
	}
	return queued, nil
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case task := <-d.jobs:
			d.enqueue(ctx, task)
		case <-ctx.Done():
			return
		case <-d.quit:
			for {
				select {
				case task := <-d.jobs:
					d.enqueue(ctx, task)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, task Task) {
	enqueueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.EnqueueTimeout)
	defer cancel()

	if err := d.queue.Enqueue(enqueueCtx, task); err != nil {
		d.logger.Error("Failed to enqueue notification",
			slog.String("taskID", task.ID),
			slog.Any("args", task.Args),
			slog.Any("error", err),
		)
		return
	}
	d.logger.Debug("Notification enqueued", slog.String("taskID", task.ID))
}
