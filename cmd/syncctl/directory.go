package main

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/attendsync/attendsync/internal/adapter/postgres"
	"github.com/attendsync/attendsync/internal/adapter/redis"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func membersCommand() *cli.Command {
	return &cli.Command{
		Name:  "members",
		Usage: "manage chat space membership",
		Subcommands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "record a member as approved or not approved in a chat space",
				ArgsUsage: "<chat-space-id> <member-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "approved", Value: true},
				},
				Action: setMember,
			},
		},
	}
}

func adminsCommand() *cli.Command {
	return &cli.Command{
		Name:  "admins",
		Usage: "manage delegated stream admins",
		Subcommands: []*cli.Command{
			{
				Name:      "grant",
				Usage:     "allow a member to review join requests for a stream",
				ArgsUsage: "<stream-id> <admin-id>",
				Action:    grantAdmin,
			},
		},
	}
}

func parseUUIDArgs(cctx *cli.Context, names ...string) ([]uuid.UUID, error) {
	if cctx.NArg() != len(names) {
		return nil, fmt.Errorf("expected %d arguments, got %d", len(names), cctx.NArg())
	}
	ids := make([]uuid.UUID, len(names))
	for i, name := range names {
		id, err := uuid.Parse(cctx.Args().Get(i))
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", name, cctx.Args().Get(i), err)
		}
		ids[i] = id
	}
	return ids, nil
}

func setMember(cctx *cli.Context) error {
	ids, err := parseUUIDArgs(cctx, "chat space id", "member id")
	if err != nil {
		return err
	}
	chatSpaceID, memberID := ids[0], ids[1]

	pool, err := openPool(cctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := postgres.NewMembershipRepo(pool)
	if err := repo.SetMember(cctx.Context, chatSpaceID, memberID, cctx.Bool("approved")); err != nil {
		return err
	}

	// Without invalidation the old answer is served until the cache entry expires.
	if redisURL := cctx.String("redis-url"); redisURL != "" {
		rdb, err := redis.NewClient(cctx.Context, redisURL)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		if err := redis.NewMembershipCache(rdb, repo, time.Minute).Invalidate(cctx.Context, chatSpaceID, memberID); err != nil {
			return err
		}
	}

	slog.Info("Membership updated", "chat_space_id", chatSpaceID, "member_id", memberID, "approved", cctx.Bool("approved"))
	return nil
}

func grantAdmin(cctx *cli.Context) error {
	ids, err := parseUUIDArgs(cctx, "stream id", "admin id")
	if err != nil {
		return err
	}

	pool, err := openPool(cctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := postgres.NewAdminRepo(pool).Grant(cctx.Context, ids[0], ids[1]); err != nil {
		return err
	}
	slog.Info("Delegated admin granted", "stream_id", ids[0], "admin_id", ids[1])
	return nil
}

// sanitizeURL hides the password of a connection URL for logging.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}
