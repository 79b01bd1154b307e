package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/attendsync/attendsync/internal/adapter/redis"
	"github.com/attendsync/attendsync/internal/domain"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func notificationsCommand() *cli.Command {
	return &cli.Command{
		Name:  "notifications",
		Usage: "observe notifications emitted by running servers",
		Subcommands: []*cli.Command{
			{
				Name:  "watch",
				Usage: "print notifications as they are published",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "kind", Usage: "only print these kinds (repeatable)"},
					&cli.StringFlag{Name: "stream", Usage: "only print notifications of this stream"},
				},
				Action: watchNotifications,
			},
		},
	}
}

func watchNotifications(cctx *cli.Context) error {
	redisURL := cctx.String("redis-url")
	if redisURL == "" {
		return errors.New("redis URL required (--redis-url or REDIS_URL env)")
	}

	filter, err := newNotificationFilter(cctx.StringSlice("kind"), cctx.String("stream"))
	if err != nil {
		return err
	}

	rdb, err := redis.NewClient(cctx.Context, redisURL)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	sub, err := redis.Subscribe(cctx.Context, rdb)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()
	slog.Info("Watching notifications", "channel", redis.NotificationChannel, "redis", sanitizeURL(redisURL))

	for n := range sub.Ch {
		if !filter.match(n) {
			continue
		}
		if err := writeNotification(cctx.App.Writer, time.Now(), n); err != nil {
			return err
		}
	}
	return nil
}

type notificationFilter struct {
	kinds    map[domain.NotificationKind]bool
	streamID uuid.UUID
}

func newNotificationFilter(kinds []string, stream string) (notificationFilter, error) {
	f := notificationFilter{kinds: make(map[domain.NotificationKind]bool, len(kinds))}
	for _, k := range kinds {
		f.kinds[domain.NotificationKind(k)] = true
	}
	if stream != "" {
		id, err := uuid.Parse(stream)
		if err != nil {
			return f, fmt.Errorf("invalid stream id %q: %w", stream, err)
		}
		f.streamID = id
	}
	return f, nil
}

func (f notificationFilter) match(n domain.Notification) bool {
	if len(f.kinds) > 0 && !f.kinds[n.Kind] {
		return false
	}
	return f.streamID == uuid.Nil || f.streamID == n.StreamID
}

// writeNotification prints one line: time, kind, stream, member and sorted payload.
func writeNotification(w io.Writer, at time.Time, n domain.Notification) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s stream=%s", at.UTC().Format(time.RFC3339), n.Kind, n.StreamID)
	if n.MemberID != uuid.Nil {
		fmt.Fprintf(&b, " member=%s", n.MemberID)
	}

	keys := make([]string, 0, len(n.Payload))
	for k := range n.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, n.Payload[k])
	}

	_, err := fmt.Fprintln(w, b.String())
	return err
}
