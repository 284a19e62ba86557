package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/collector/internal/span"
	"github.com/ongoingai/collector/migrations"

	_ "modernc.org/sqlite"
)

const sqliteTimeLayout = time.RFC3339Nano

// SQLiteTraces stores retained spans in an embedded SQLite database. Writes
// are idempotent on (trace_id, span_id).
type SQLiteTraces struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid SQLITE_BUSY
	// contention when the flusher and a final shutdown flush overlap.
	writeMu sync.Mutex
}

func NewSQLiteTraces(path string) (*SQLiteTraces, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteTraces{
		Path: path,
		db:   db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteTraces) Name() string { return "sqlite_traces" }

func (s *SQLiteTraces) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTraces) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteTraces) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

const sqliteInsertSpan = `
INSERT OR IGNORE INTO llm_spans (
    trace_id,
    span_id,
    parent_span_id,
    name,
    service_name,
    service_version,
    deployment_environment,
    provider,
    model,
    operation,
    start_time,
    end_time,
    duration_us,
    time_to_first_token_us,
    status,
    error_type,
    error_message,
    prompt_tokens,
    completion_tokens,
    total_tokens,
    prompt_cost_usd,
    completion_cost_usd,
    total_cost_usd,
    sample_reason,
    flags,
    attributes,
    payload,
    created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// WriteSpans inserts spans in one transaction. Spans already stored are
// skipped, so a retried write leaves one row per span.
func (s *SQLiteTraces) WriteSpans(ctx context.Context, spans []*span.Span) error {
	if len(spans) == 0 {
		return nil
	}
	rows := make([]spanRow, 0, len(spans))
	for _, sp := range spans {
		if sp == nil {
			continue
		}
		row, err := newSpanRow(sp)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	createdAt := time.Now().UTC().Format(sqliteTimeLayout)
	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, sqliteInsertSpan)
		if err != nil {
			return fmt.Errorf("prepare sqlite span insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, sqliteSpanArgs(row, createdAt)...); err != nil {
				return fmt.Errorf("write span %q in batch: %w", row.SpanID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}
		return nil
	})
}

func sqliteSpanArgs(row spanRow, createdAt string) []any {
	var (
		promptTokens, completionTokens, totalTokens any
		promptCost, completionCost, totalCost       any
		ttft                                        any
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
	return []any{
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
		row.StartTime.Format(sqliteTimeLayout),
		row.EndTime.Format(sqliteTimeLayout),
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
		nullIfEmpty(strings.Join(row.Flags, ",")),
		nullIfEmpty(row.Attributes),
		nullIfEmpty(row.Payload),
		createdAt,
	}
}

// TraceSpans returns the stored spans of one trace ordered by start time.
func (s *SQLiteTraces) TraceSpans(ctx context.Context, traceID string) ([]*span.Span, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
    trace_id, span_id, parent_span_id, name, service_name, service_version,
    deployment_environment, provider, model, operation, start_time, end_time,
    time_to_first_token_us, status, error_type, error_message,
    prompt_tokens, completion_tokens, total_tokens,
    prompt_cost_usd, completion_cost_usd, total_cost_usd,
    sample_reason, flags, attributes, payload
FROM llm_spans
WHERE trace_id = ?
ORDER BY start_time ASC, span_id ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query trace %q: %w", traceID, err)
	}
	defer rows.Close()

	var out []*span.Span
	for rows.Next() {
		var (
			row                                         spanRow
			parent, name, version, env, provider, model sql.NullString
			operation, errType, errMsg, reason, flags   sql.NullString
			attrs, payload                              sql.NullString
			start, end                                  string
			ttft, prompt, completion, total             sql.NullInt64
			promptCost, completionCost, totalCost       sql.NullFloat64
		)
		if err := rows.Scan(
			&row.TraceID, &row.SpanID, &parent, &name, &row.ServiceName, &version,
			&env, &provider, &model, &operation, &start, &end,
			&ttft, &row.Status, &errType, &errMsg,
			&prompt, &completion, &total,
			&promptCost, &completionCost, &totalCost,
			&reason, &flags, &attrs, &payload,
		); err != nil {
			return nil, fmt.Errorf("scan span row: %w", err)
		}
		row.ParentSpanID, row.Name, row.ServiceVersion = parent.String, name.String, version.String
		row.Environment, row.Provider, row.Model, row.Operation = env.String, provider.String, model.String, operation.String
		row.ErrorType, row.ErrorMessage, row.SampleReason = errType.String, errMsg.String, reason.String
		row.Attributes, row.Payload = attrs.String, payload.String
		row.TimeToFirstTokenUS = ttft.Int64
		if flags.String != "" {
			row.Flags = strings.Split(flags.String, ",")
		}
		if row.StartTime, err = time.Parse(sqliteTimeLayout, start); err != nil {
			return nil, fmt.Errorf("parse start_time %q: %w", start, err)
		}
		if row.EndTime, err = time.Parse(sqliteTimeLayout, end); err != nil {
			return nil, fmt.Errorf("parse end_time %q: %w", end, err)
		}
		if prompt.Valid || completion.Valid || total.Valid {
			row.HasUsage = true
			row.PromptTokens, row.CompletionTokens, row.TotalTokens = prompt.Int64, completion.Int64, total.Int64
		}
		if totalCost.Valid {
			row.HasCost = true
			row.PromptCost, row.CompletionCost, row.TotalCost = promptCost.Float64, completionCost.Float64, totalCost.Float64
		}
		sp, err := row.toSpan()
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// CountSpans returns the number of stored spans.
func (s *SQLiteTraces) CountSpans(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM llm_spans`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count llm_spans: %w", err)
	}
	return n, nil
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so exported spans are not dropped during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return isContentionString(strings.ToLower(err.Error()))
}
