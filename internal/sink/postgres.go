package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/ongoingai/collector/internal/aggregate"
	"github.com/ongoingai/collector/internal/span"
	"github.com/ongoingai/collector/migrations"
)

// postgresDB holds the pgx pool used for COPY writes and a database/sql
// handle over the same pool for the migration runner.
type postgresDB struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

func openPostgres(dsn string) (*postgresDB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = 20
	poolCfg.MaxConnLifetime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := migrations.Apply(ctx, db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		pool.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return &postgresDB{pool: pool, db: db}, nil
}

func (p *postgresDB) Close() error {
	if p == nil {
		return nil
	}
	err := p.db.Close()
	p.pool.Close()
	return err
}

func (p *postgresDB) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// copyUpsert streams rows into a transaction-scoped staging table with COPY
// and moves them into table, skipping rows that conflict on key.
func (p *postgresDB) copyUpsert(ctx context.Context, table string, columns []string, key string, rows [][]any) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin postgres copy transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	target := pgx.Identifier{table}.Sanitize()
	stage := pgx.Identifier{table + "_stage"}.Sanitize()
	if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP`, stage, target)); err != nil {
		return fmt.Errorf("create staging table for %s: %w", table, err)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{table + "_stage"}, columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy rows into %s: %w", table, err)
	}
	list := strings.Join(columns, ", ")
	insert := fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING`, target, list, list, stage, key)
	if _, err := tx.Exec(ctx, insert); err != nil {
		return fmt.Errorf("merge staged rows into %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit postgres copy transaction: %w", err)
	}
	return nil
}

// PostgresTraces stores retained spans in the llm_spans table.
type PostgresTraces struct {
	DSN string
	pg  *postgresDB
}

func NewPostgresTraces(dsn string) (*PostgresTraces, error) {
	pg, err := openPostgres(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresTraces{DSN: dsn, pg: pg}, nil
}

func (s *PostgresTraces) Name() string { return "postgres_traces" }

func (s *PostgresTraces) Ping(ctx context.Context) error { return s.pg.Ping(ctx) }

func (s *PostgresTraces) Close() error {
	if s == nil {
		return nil
	}
	return s.pg.Close()
}

var spanColumns = []string{
	"trace_id",
	"span_id",
	"parent_span_id",
	"name",
	"service_name",
	"service_version",
	"deployment_environment",
	"provider",
	"model",
	"operation",
	"start_time",
	"end_time",
	"duration_us",
	"time_to_first_token_us",
	"status",
	"error_type",
	"error_message",
	"prompt_tokens",
	"completion_tokens",
	"total_tokens",
	"prompt_cost_usd",
	"completion_cost_usd",
	"total_cost_usd",
	"sample_reason",
	"flags",
	"attributes",
	"payload",
}

func (s *PostgresTraces) WriteSpans(ctx context.Context, spans []*span.Span) error {
	rows, err := postgresSpanRows(spans)
	if err != nil || len(rows) == 0 {
		return err
	}
	if err := s.pg.copyUpsert(ctx, "llm_spans", spanColumns, "trace_id, span_id", rows); err != nil {
		return fmt.Errorf("write postgres span batch: %w", err)
	}
	return nil
}

func postgresSpanRows(spans []*span.Span) ([][]any, error) {
	out := make([][]any, 0, len(spans))
	for _, sp := range spans {
		if sp == nil {
			continue
		}
		row, err := newSpanRow(sp)
		if err != nil {
			return nil, err
		}
		var (
			promptTokens, completionTokens, totalTokens any
			promptCost, completionCost, totalCost       any
			ttft, flags                                 any
		)
		if row.HasUsage {
			promptTokens, completionTokens, totalTokens = row.PromptTokens, row.CompletionTokens, row.TotalTokens
		}
		if row.HasCost {
			promptCost, completionCost, totalCost = row.PromptCost, row.CompletionCost, row.TotalCost
		}
		if row.TimeToFirstTokenUS > 0 {
			ttft = row.TimeToFirstTokenUS
		}
		if len(row.Flags) > 0 {
			flags = row.Flags
		}
		out = append(out, []any{
			row.TraceID,
			row.SpanID,
			nullIfEmpty(row.ParentSpanID),
			nullIfEmpty(row.Name),
			row.ServiceName,
			nullIfEmpty(row.ServiceVersion),
			nullIfEmpty(row.Environment),
			nullIfEmpty(row.Provider),
			nullIfEmpty(row.Model),
			nullIfEmpty(row.Operation),
			row.StartTime,
			row.EndTime,
			row.DurationUS,
			ttft,
			row.Status,
			nullIfEmpty(row.ErrorType),
			nullIfEmpty(row.ErrorMessage),
			promptTokens,
			completionTokens,
			totalTokens,
			promptCost,
			completionCost,
			totalCost,
			nullIfEmpty(row.SampleReason),
			flags,
			nullIfEmpty(row.Attributes),
			nullIfEmpty(row.Payload),
		})
	}
	return out, nil
}

// TraceSpans returns the stored spans of one trace ordered by start time.
func (s *PostgresTraces) TraceSpans(ctx context.Context, traceID string) ([]*span.Span, error) {
	rows, err := s.pg.pool.Query(ctx, `
SELECT
    trace_id, span_id, parent_span_id, name, service_name, service_version,
    deployment_environment, provider, model, operation, start_time, end_time,
    time_to_first_token_us, status, error_type, error_message,
    prompt_tokens, completion_tokens, total_tokens,
    prompt_cost_usd::float8, completion_cost_usd::float8, total_cost_usd::float8,
    sample_reason, flags, attributes::text, payload::text
FROM llm_spans
WHERE trace_id = $1
ORDER BY start_time ASC, span_id ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query trace %q: %w", traceID, err)
	}
	defer rows.Close()

	var out []*span.Span
	for rows.Next() {
		var (
			row                                         spanRow
			parent, name, version, env, provider, model *string
			operation, errType, errMsg, reason          *string
			attrs, payload                              *string
			ttft, prompt, completion, total             *int64
			promptCost, completionCost, totalCost       *float64
		)
		if err := rows.Scan(
			&row.TraceID, &row.SpanID, &parent, &name, &row.ServiceName, &version,
			&env, &provider, &model, &operation, &row.StartTime, &row.EndTime,
			&ttft, &row.Status, &errType, &errMsg,
			&prompt, &completion, &total,
			&promptCost, &completionCost, &totalCost,
			&reason, &row.Flags, &attrs, &payload,
		); err != nil {
			return nil, fmt.Errorf("scan span row: %w", err)
		}
		row.ParentSpanID, row.Name, row.ServiceVersion = deref(parent), deref(name), deref(version)
		row.Environment, row.Provider, row.Model, row.Operation = deref(env), deref(provider), deref(model), deref(operation)
		row.ErrorType, row.ErrorMessage, row.SampleReason = deref(errType), deref(errMsg), deref(reason)
		row.Attributes, row.Payload = deref(attrs), deref(payload)
		row.TimeToFirstTokenUS = deref(ttft)
		row.StartTime, row.EndTime = row.StartTime.UTC(), row.EndTime.UTC()
		if prompt != nil || completion != nil || total != nil {
			row.HasUsage = true
			row.PromptTokens, row.CompletionTokens, row.TotalTokens = deref(prompt), deref(completion), deref(total)
		}
		if totalCost != nil {
			row.HasCost = true
			row.PromptCost, row.CompletionCost, row.TotalCost = deref(promptCost), deref(completionCost), *totalCost
		}
		sp, err := row.toSpan()
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// PostgresMetrics writes one metric row per retained span plus drained
// aggregate rows. When TimescaleDB is installed llm_span_metrics is a
// hypertable.
type PostgresMetrics struct {
	DSN string
	pg  *postgresDB
}

func NewPostgresMetrics(dsn string) (*PostgresMetrics, error) {
	pg, err := openPostgres(dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresMetrics{DSN: dsn, pg: pg}, nil
}

func (s *PostgresMetrics) Name() string { return "postgres_metrics" }

func (s *PostgresMetrics) Ping(ctx context.Context) error { return s.pg.Ping(ctx) }

func (s *PostgresMetrics) Close() error {
	if s == nil {
		return nil
	}
	return s.pg.Close()
}

var spanMetricColumns = []string{
	"time",
	"trace_id",
	"span_id",
	"service_name",
	"deployment_environment",
	"provider",
	"model",
	"status",
	"duration_us",
	"time_to_first_token_us",
	"prompt_tokens",
	"completion_tokens",
	"total_tokens",
	"total_cost_usd",
	"sample_reason",
}

func (s *PostgresMetrics) WriteSpans(ctx context.Context, spans []*span.Span) error {
	rows := spanMetricRows(spans)
	if len(rows) == 0 {
		return nil
	}
	if err := s.pg.copyUpsert(ctx, "llm_span_metrics", spanMetricColumns, "trace_id, span_id, time", rows); err != nil {
		return fmt.Errorf("write postgres span metrics: %w", err)
	}
	return nil
}

func spanMetricRows(spans []*span.Span) [][]any {
	out := make([][]any, 0, len(spans))
	for _, sp := range spans {
		if sp == nil {
			continue
		}
		var prompt, completion int64
		if sp.Usage != nil {
			prompt, completion = sp.Usage.PromptTokens, sp.Usage.CompletionTokens
		}
		var ttft any
		if sp.TimeToFirstToken > 0 {
			ttft = sp.TimeToFirstToken.Microseconds()
		}
		var reason string
		if sp.Verdict != nil {
			reason = string(sp.Verdict.Reason)
		}
		out = append(out, []any{
			sp.StartTime.UTC(),
			sp.TraceID,
			sp.SpanID,
			sp.ServiceName,
			nullIfEmpty(sp.Environment),
			nullIfEmpty(sp.Provider()),
			nullIfEmpty(sp.Model()),
			string(sp.Status),
			sp.Duration().Microseconds(),
			ttft,
			prompt,
			completion,
			sp.TotalTokens(),
			sp.TotalCost(),
			nullIfEmpty(reason),
		})
	}
	return out
}

var aggregateColumns = []string{
	"flush_id",
	"bucket",
	"service_name",
	"model",
	"request_count",
	"error_count",
	"total_tokens",
	"total_cost_usd",
	"sum_duration_us",
	"min_duration_us",
	"max_duration_us",
	"p50_duration_us",
	"p95_duration_us",
	"p99_duration_us",
}

// WriteAggregates is idempotent per flush id, so a retried flush stores each
// row once.
func (s *PostgresMetrics) WriteAggregates(ctx context.Context, rows []aggregate.Row) error {
	values := aggregateRows(rows)
	if len(values) == 0 {
		return nil
	}
	if err := s.pg.copyUpsert(ctx, "llm_metric_aggregates", aggregateColumns, "flush_id, bucket, service_name, model", values); err != nil {
		return fmt.Errorf("write postgres aggregates: %w", err)
	}
	return nil
}

func aggregateRows(rows []aggregate.Row) [][]any {
	out := make([][]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, []any{
			r.FlushID,
			r.Bucket.UTC(),
			r.Service,
			r.Model,
			r.RequestCount,
			r.ErrorCount,
			r.TotalTokens,
			numeric(r.TotalCost),
			r.SumDuration.Microseconds(),
			r.MinDuration.Microseconds(),
			r.MaxDuration.Microseconds(),
			r.Percentile(0.50).Microseconds(),
			r.Percentile(0.95).Microseconds(),
			r.Percentile(0.99).Microseconds(),
		})
	}
	return out
}

// numeric converts without passing through float64.
func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

// CountAggregates returns the number of rows stored for a flush id.
func (s *PostgresMetrics) CountAggregates(ctx context.Context, flushID string) (int64, error) {
	var n int64
	err := s.pg.pool.QueryRow(ctx, `SELECT COUNT(*) FROM llm_metric_aggregates WHERE flush_id = $1`, flushID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count aggregates for flush %q: %w", flushID, err)
	}
	return n, nil
}
