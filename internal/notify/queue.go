// Package notify hands offline-notification work to an asynchronous task
// system without ever blocking the message path.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// TaskSendNotification is the task consumed by the notification workers.
const TaskSendNotification = "send_notification"

// Task is the unit of work placed on a queue.
type Task struct {
	ID         string    `json:"id"`
	Name       string    `json:"task"`
	Args       []string  `json:"args"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// NewTask builds a task with a fresh id.
func NewTask(name string, args ...string) Task {
	return Task{
		ID:         uuid.NewString(),
		Name:       name,
		Args:       args,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Queue accepts tasks for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
}

// RedisQueue pushes JSON encoded tasks onto a Redis list that workers pop
// from the other end.
type RedisQueue struct {
	client redis.Cmdable
	key    string
}

func NewRedisQueue(client redis.Cmdable, key string) *RedisQueue {
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.Name, err)
	}
	if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
		return fmt.Errorf("push task %s: %w", task.Name, err)
	}
	return nil
}

// Publisher is the part of *nats.Conn the NATS queue needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSQueue publishes tasks on "<subject>.<task name>".
type NATSQueue struct {
	pub     Publisher
	subject string
}

func NewNATSQueue(pub Publisher, subject string) *NATSQueue {
	return &NATSQueue{pub: pub, subject: subject}
}

func (q *NATSQueue) Enqueue(_ context.Context, task Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.Name, err)
	}
	if err := q.pub.Publish(q.subject+"."+task.Name, body); err != nil {
		return fmt.Errorf("publish task %s: %w", task.Name, err)
	}
	return nil
}

// DialNATS connects with reconnects enabled for the lifetime of the server.
func DialNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("roomchat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return nc, nil
}

// LogQueue only logs tasks. It is the development default when no broker
// is configured.
type LogQueue struct {
	logger *slog.Logger
}

func NewLogQueue(logger *slog.Logger) *LogQueue {
	return &LogQueue{logger: logger.With(slog.String("component", "log_queue"))}
}

func (q *LogQueue) Enqueue(_ context.Context, task Task) error {
	q.logger.Info("Task enqueued",
		slog.String("taskID", task.ID),
		slog.String("task", task.Name),
		slog.Any("args", task.Args),
	)
	return nil
}
