package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/attendsync/attendsync/internal/metrics"
	"github.com/jackc/pgx/v5"
)

// QueryTracer implements pgx.QueryTracer to collect database metrics
type QueryTracer struct{}

var _ pgx.QueryTracer = (*QueryTracer)(nil)

type queryContextKey struct{}

type queryContext struct {
	startTime time.Time
	queryName string
}

func (t *QueryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, queryContextKey{}, queryContext{
		startTime: time.Now(),
		queryName: queryName(data.SQL),
	})
}

func (t *QueryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qctx, ok := ctx.Value(queryContextKey{}).(queryContext)
	if !ok {
		return
	}

	metrics.DBQueryDuration.WithLabelValues(qctx.queryName).Observe(time.Since(qctx.startTime).Seconds())
	if data.Err != nil && data.Err != pgx.ErrNoRows {
		metrics.DBErrorsTotal.WithLabelValues(qctx.queryName).Inc()
	}
}

// queryName keeps metric labels low-cardinality. Queries tagged with a leading
// "-- name: X" comment report X; anything else reports its first keyword.
func queryName(sql string) string {
	sql = strings.TrimSpace(sql)
	if rest, ok := strings.CutPrefix(sql, "-- name:"); ok {
		name, _, _ := strings.Cut(strings.TrimSpace(rest), "\n")
		if name = strings.TrimSpace(name); name != "" {
			return name
		}
	}

	if sql == "" {
		return "unknown"
	}
	if word, _, ok := strings.Cut(sql, " "); ok {
		return strings.ToUpper(strings.TrimSpace(word))
	}
	if len(sql) > 20 {
		return sql[:20]
	}
	return sql
}
