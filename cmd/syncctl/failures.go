package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/attendsync/attendsync/internal/adapter/postgres"
	"github.com/attendsync/attendsync/internal/adapter/provider"
	"github.com/attendsync/attendsync/internal/adapter/redis"
	"github.com/attendsync/attendsync/internal/app"
	"github.com/attendsync/attendsync/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"
)

func failuresCommand() *cli.Command {
	return &cli.Command{
		Name:  "failures",
		Usage: "inspect and requeue provider sync failures",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list unresolved failures, oldest first",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 50},
				},
				Action: listFailures,
			},
			{
				Name:      "resolve",
				Usage:     "mark a failure resolved without retrying it",
				ArgsUsage: "<failure-id>",
				Action:    resolveFailure,
			},
			{
				Name:      "retry",
				Usage:     "resolve a failure and run its task again against the provider",
				ArgsUsage: "<failure-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "provider-url", EnvVars: []string{"PROVIDER_BASE_URL"}, Required: true},
					&cli.StringFlag{Name: "provider-api-key", EnvVars: []string{"PROVIDER_API_KEY"}, Required: true},
					&cli.DurationFlag{Name: "provider-timeout", EnvVars: []string{"PROVIDER_TIMEOUT"}, Value: 10 * time.Second},
					&cli.DurationFlag{Name: "timeout", Usage: "how long to wait for the task to finish", Value: 2 * time.Minute},
					&cli.BoolFlag{Name: "dry-run", Usage: "print the task instead of running it"},
				},
				Action: retryFailure,
			},
		},
	}
}

func openPool(cctx *cli.Context) (*pgxpool.Pool, error) {
	databaseURL := cctx.String("database-url")
	if databaseURL == "" {
		return nil, errors.New("database URL required (--database-url or DATABASE_URL env)")
	}
	pool, err := postgres.Connect(cctx.Context, databaseURL)
	if err != nil {
		return nil, err
	}
	slog.Debug("Connected to Postgres", "url", sanitizeURL(databaseURL))
	return pool, nil
}

func parseFailureID(cctx *cli.Context) (int64, error) {
	raw := cctx.Args().First()
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid failure id %q", raw)
	}
	return id, nil
}

func listFailures(cctx *cli.Context) error {
	pool, err := openPool(cctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	failures, err := postgres.NewFailureRepo(pool).ListOpen(cctx.Context, cctx.Int("limit"))
	if err != nil {
		return err
	}
	return writeFailures(cctx.App.Writer, failures)
}

func writeFailures(w io.Writer, failures []domain.SyncFailure) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOCCURRED\tKIND\tSTREAM\tMEMBER\tPERMANENT\tREASON")
	for _, f := range failures {
		member := "-"
		if f.Task.MemberID != uuid.Nil {
			member = f.Task.MemberID.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%t\t%s\n",
			f.ID, f.OccurredAt.UTC().Format(time.RFC3339), f.Task.Kind, f.Task.StreamID, member, f.Permanent, f.Reason)
	}
	return tw.Flush()
}

func resolveFailure(cctx *cli.Context) error {
	id, err := parseFailureID(cctx)
	if err != nil {
		return err
	}
	pool, err := openPool(cctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	f, err := postgres.NewFailureRepo(pool).Resolve(cctx.Context, id)
	if err != nil {
		return err
	}
	slog.Info("Resolved sync failure", "id", f.ID, "kind", f.Task.Kind, "stream_id", f.Task.StreamID)
	return nil
}

// retryFailure resolves the failure before dispatching. A repeated failure is
// recorded as a new row by the orchestrator.
func retryFailure(cctx *cli.Context) error {
	id, err := parseFailureID(cctx)
	if err != nil {
		return err
	}
	pool, err := openPool(cctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	failures := postgres.NewFailureRepo(pool)

	if cctx.Bool("dry-run") {
		open, err := failures.ListOpen(cctx.Context, 1000)
		if err != nil {
			return err
		}
		for _, f := range open {
			if f.ID == id {
				slog.Info("Would retry", "id", f.ID, "kind", f.Task.Kind, "stream_id", f.Task.StreamID,
					"member_id", f.Task.MemberID, "revision", f.Task.Revision)
				return nil
			}
		}
		return postgres.ErrFailureNotFound
	}

	gateway, err := provider.NewGateway(provider.Config{
		BaseURL:       cctx.String("provider-url"),
		APIKey:        cctx.String("provider-api-key"),
		Timeout:       cctx.Duration("provider-timeout"),
		RatePerSecond: 5,
	})
	if err != nil {
		return err
	}

	var lease domain.TaskLease
	if redisURL := cctx.String("redis-url"); redisURL != "" {
		rdb, err := redis.NewClient(cctx.Context, redisURL)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()
		lease = redis.NewLease(rdb)
	}

	f, err := failures.Resolve(cctx.Context, id)
	if err != nil {
		return err
	}
	task := f.Task
	task.Attempts = 0
	task.LastError = ""

	cfg := app.DefaultOrchestratorConfig()
	cfg.Workers = 1
	cfg.CallTimeout = cctx.Duration("provider-timeout")
	orchestrator := app.NewOrchestrator(
		postgres.NewStreamRepo(pool), gateway, lease, failures, logNotifier{}, clockwork.NewRealClock(), cfg,
	)

	ctx, cancel := context.WithTimeout(cctx.Context, cctx.Duration("timeout"))
	defer cancel()

	orchestrator.Enqueue(ctx, task)
	if err := orchestrator.Drain(ctx); err != nil {
		return err
	}
	orchestrator.Stop(ctx)

	if n := orchestrator.Parked(task.StreamID); n > 0 {
		return fmt.Errorf("task parked: stream %s has no provider reference yet", task.StreamID)
	}

	failedAgain, err := failures.HasOpenFailure(cctx.Context, task.Key())
	if err != nil {
		return err
	}
	if failedAgain {
		return fmt.Errorf("task %s failed again, see `syncctl failures list`", task.Key())
	}

	slog.Info("Retried sync task", "id", f.ID, "kind", task.Kind, "stream_id", task.StreamID)
	return nil
}

// logNotifier writes notifications to the log; the CLI has no subscribers.
type logNotifier struct{}

func (logNotifier) Emit(ctx context.Context, n domain.Notification) {
	slog.InfoContext(ctx, "Notification", "kind", n.Kind, "stream_id", n.StreamID)
}
