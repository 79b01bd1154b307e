package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/attendsync/attendsync/internal/domain"
	"github.com/attendsync/attendsync/internal/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// NotificationChannel is the pub/sub channel notifications are published on.
const NotificationChannel = "attendsync:notifications"

const publishTimeout = 2 * time.Second

// Notifier publishes notifications on Redis pub/sub. Emit only enqueues; Run
// does the publishing. A full buffer or a failed publish loses the notification.
type Notifier struct {
	rdb   goredis.Cmdable
	queue chan domain.Notification
}

var _ domain.NotificationEmitter = (*Notifier)(nil)

func NewNotifier(rdb goredis.Cmdable, buffer int) *Notifier {
	return &Notifier{
		rdb:   rdb,
		queue: make(chan domain.Notification, buffer),
	}
}

func (n *Notifier) Emit(_ context.Context, notification domain.Notification) {
	select {
	case n.queue <- notification:
	default:
		metrics.NotificationsDropped.WithLabelValues("buffer_full").Inc()
		slog.Warn("Notification buffer full, dropping",
			"kind", notification.Kind,
			"stream_id", notification.StreamID,
		)
	}
}

// Run publishes queued notifications until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case notification := <-n.queue:
			n.publish(ctx, notification)
		}
	}
}

func (n *Notifier) publish(ctx context.Context, notification domain.Notification) {
	data, err := json.Marshal(notification)
	if err != nil {
		metrics.NotificationsDropped.WithLabelValues("encode_error").Inc()
		slog.Error("Failed to encode notification", "kind", notification.Kind, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := n.rdb.Publish(ctx, NotificationChannel, data).Err(); err != nil {
		metrics.NotificationsDropped.WithLabelValues("publish_error").Inc()
		slog.Warn("Failed to publish notification",
			"kind", notification.Kind,
			"stream_id", notification.StreamID,
			"error", err,
		)
	}
}

// Subscription receives notifications published by any instance.
type Subscription struct {
	sub    *goredis.PubSub
	Ch     <-chan domain.Notification
	cancel context.CancelFunc
}

func (s *Subscription) Close() {
	s.cancel()
	_ = s.sub.Close()
}

// Subscribe listens on NotificationChannel. Slow receivers lose messages.
func Subscribe(ctx context.Context, rdb *goredis.Client) (*Subscription, error) {
	sub := rdb.Subscribe(ctx, NotificationChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan domain.Notification, 16)

	go func() {
		defer close(ch)
		msgCh := sub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var notification domain.Notification
				if err := json.Unmarshal([]byte(msg.Payload), &notification); err != nil {
					slog.Warn("Failed to decode notification", "error", err)
					continue
				}
				select {
				case ch <- notification:
				default:
				}
			case <-subCtx.Done():
				return
			}
		}
	}()

	return &Subscription{sub: sub, Ch: ch, cancel: cancel}, nil
}
