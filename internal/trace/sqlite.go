package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/promptlab/engine/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when the recorder and the event writer flush
	// concurrently. Sequence assignment also relies on this mutex.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
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

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) configure() error {
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

func (s *SQLiteStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so trace rows and queued
// events are not dropped during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err := fn()
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
			stopTimer()
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
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

const traceInsertColumns = `
id, parent_trace_id, session_id, user_id, prompt_id,
source, provider, model_id, prompt_content, system_prompt, parameters,
response_content, input_tokens, output_tokens, total_tokens,
input_cost, output_cost, total_cost,
start_time, end_time, duration_ms, first_token_latency_ms, tokens_per_second,
status, streamed, error_message, error_code,
quality_score, user_rating, mirror_trace_id,
user_agent, ip_address, trace_version, created_at, updated_at`

const traceSelectColumns = `
id, parent_trace_id, session_id, user_id, prompt_id,
source, provider, model_id, prompt_content, system_prompt, parameters,
response_content, input_tokens, output_tokens, total_tokens,
input_cost, output_cost, total_cost,
CAST(start_time AS TEXT), CAST(end_time AS TEXT), duration_ms, first_token_latency_ms, tokens_per_second,
status, streamed, error_message, error_code,
quality_score, user_rating, mirror_trace_id,
user_agent, ip_address, trace_version, CAST(created_at AS TEXT), CAST(updated_at AS TEXT)`

func (s *SQLiteStore) InsertTrace(ctx context.Context, t *Trace) error {
	if t == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := normalizeTrace(t)
	args, err := traceInsertArgs(row)
	if err != nil {
		return fmt.Errorf("encode trace %q: %w", row.ID, err)
	}

	err = retrySQLiteBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
INSERT INTO traces (`+traceInsertColumns+`
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			args...)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("insert trace %q: %w", row.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateTrace(ctx context.Context, id string, update TraceUpdate) error {
	setSQL, args, err := buildTraceUpdate(update, sqlitePlaceholders)
	if err != nil {
		return err
	}
	if setSQL == "" {
		return nil
	}
	args = append(args, id)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = retrySQLiteBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, "UPDATE traces SET "+setSQL+" WHERE id = ?", args...)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("update trace %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) CompleteTrace(ctx context.Context, id string, completion Completion) (bool, error) {
	if !completion.Status.Terminal() {
		return false, fmt.Errorf("complete trace %q: %q is not a terminal status", id, completion.Status)
	}

	setSQL, args := buildTraceCompletion(completion, sqlitePlaceholders)
	args = append(args, id)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := retrySQLiteBusy(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx,
			"UPDATE traces SET "+setSQL+" WHERE id = ? AND status IN ('pending', 'streaming')",
			args...)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("complete trace %q: %w", id, err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+traceSelectColumns+" FROM traces WHERE id = ? LIMIT 1", id)
	item, err := scanTraceRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	return item, nil
}

func (s *SQLiteStore) QueryTraces(ctx context.Context, filter Filter) (*QueryResult, error) {
	limit := clampLimit(filter.Limit)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	whereSQL, args := buildTraceWhere(filter, sqlitePlaceholders)

	var totalCount int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM traces WHERE "+whereSQL, args...).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("count traces: %w", err)
	}

	query := "SELECT " + traceSelectColumns + " FROM traces WHERE " + whereSQL +
		" ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items, err := collectTraceRows(rows)
	if err != nil {
		return nil, err
	}

	return &QueryResult{
		Traces:     items,
		TotalCount: totalCount,
		HasMore:    int64(offset+len(items)) < totalCount,
	}, nil
}

func (s *SQLiteStore) SearchTraces(ctx context.Context, query string, filter Filter) ([]*Trace, error) {
	limit := clampLimit(filter.Limit)
	whereSQL, args := buildTraceWhere(filter, sqlitePlaceholders)

	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	whereSQL += " AND (LOWER(prompt_content) LIKE ? OR LOWER(COALESCE(response_content, '')) LIKE ?)"
	args = append(args, pattern, pattern, limit)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+traceSelectColumns+" FROM traces WHERE "+whereSQL+" ORDER BY start_time DESC, id DESC LIMIT ?",
		args...)
	if err != nil {
		return nil, fmt.Errorf("search traces: %w", err)
	}
	defer rows.Close()

	return collectTraceRows(rows)
}

func (s *SQLiteStore) TracesInRange(ctx context.Context, from, to time.Time) ([]*Trace, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+traceSelectColumns+" FROM traces WHERE start_time >= ? AND start_time < ? ORDER BY start_time ASC, id ASC",
		from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query traces in range: %w", err)
	}
	defer rows.Close()

	return collectTraceRows(rows)
}

func (s *SQLiteStore) GetMetrics(ctx context.Context, filter Filter) (*Metrics, error) {
	whereSQL, args := buildTraceWhere(filter, sqlitePlaceholders)
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN streamed THEN 1 ELSE 0 END), 0),
	COALESCE(AVG(duration_ms), 0),
	COALESCE(AVG(first_token_latency_ms), 0),
	COALESCE(SUM(total_cost), 0),
	COALESCE(AVG(tokens_per_second), 0)
FROM traces WHERE `+whereSQL, args...)

	var streamedCount int64
	metrics := &Metrics{}
	if err := row.Scan(
		&metrics.TotalTraces,
		&metrics.SuccessfulTraces,
		&metrics.ErrorTraces,
		&streamedCount,
		&metrics.AverageDurationMS,
		&metrics.AverageLatencyMS,
		&metrics.TotalCost,
		&metrics.AverageTokensPerSecond,
	); err != nil {
		return nil, fmt.Errorf("query trace metrics: %w", err)
	}

	if metrics.TotalTraces > 0 {
		metrics.ErrorRate = float64(metrics.ErrorTraces) / float64(metrics.TotalTraces) * 100
		metrics.StreamingRate = float64(streamedCount) / float64(metrics.TotalTraces) * 100
	}
	return metrics, nil
}

func (s *SQLiteStore) LiveTraces(ctx context.Context, window time.Duration) (*LiveSnapshot, error) {
	if window <= 0 {
		window = 5 * time.Minute
	}
	cutoff := time.Now().UTC().Add(-window)

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+traceSelectColumns+" FROM traces WHERE status IN ('pending', 'streaming') AND start_time >= ? ORDER BY start_time DESC",
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("query live traces: %w", err)
	}
	defer rows.Close()

	active, err := collectTraceRows(rows)
	if err != nil {
		return nil, err
	}

	snapshot := &LiveSnapshot{
		Active:      active,
		ActiveCount: len(active),
	}

	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(AVG(first_token_latency_ms), 0),
	COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0)
FROM traces
WHERE status IN ('success', 'error', 'cancelled') AND start_time >= ?`, cutoff)

	var completed, errored int64
	if err := row.Scan(&completed, &snapshot.AvgLatencyMS, &errored); err != nil {
		return nil, fmt.Errorf("query live trace aggregates: %w", err)
	}
	if completed > 0 {
		snapshot.ErrorRate = float64(errored) / float64(completed) * 100
	}
	return snapshot, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	return s.AppendEvents(ctx, []*Event{event})
}

func (s *SQLiteStore) AppendEvents(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin event batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		for _, event := range events {
			if event == nil {
				continue
			}
			if err := insertEventTx(ctx, tx, event, sqliteNextSequence); err != nil {
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit event batch transaction: %w", err)
		}
		return nil
	})
}

type sequenceFunc func(ctx context.Context, tx *sql.Tx, traceID string) (int64, error)

func sqliteNextSequence(ctx context.Context, tx *sql.Tx, traceID string) (int64, error) {
	var maxSeq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence_number), 0) FROM trace_events WHERE trace_id = ?",
		traceID).Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("read max sequence for trace %q: %w", traceID, err)
	}
	return maxSeq + 1, nil
}

func insertEventTx(ctx context.Context, tx *sql.Tx, event *Event, nextSeq sequenceFunc) error {
	row := normalizeEvent(event)
	if row.SequenceNumber <= 0 {
		seq, err := nextSeq(ctx, tx, row.TraceID)
		if err != nil {
			return err
		}
		row.SequenceNumber = seq
	}

	dataJSON, err := encodeJSONMap(row.Data)
	if err != nil {
		return fmt.Errorf("encode event data for trace %q: %w", row.TraceID, err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO trace_events (id, trace_id, event_type, event_data, timestamp, sequence_number)
VALUES (?, ?, ?, ?, ?, ?)`,
		row.ID, row.TraceID, row.Type, dataJSON, row.Timestamp, row.SequenceNumber,
	); err != nil {
		return fmt.Errorf("insert event for trace %q: %w", row.TraceID, err)
	}
	return nil
}

func (s *SQLiteStore) GetEvents(ctx context.Context, traceID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, trace_id, event_type, event_data, CAST(timestamp AS TEXT), sequence_number
FROM trace_events
WHERE trace_id = ?
ORDER BY sequence_number ASC, timestamp ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("query events for trace %q: %w", traceID, err)
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		var (
			item          Event
			dataRaw       sql.NullString
			timestampText sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.TraceID, &item.Type, &dataRaw, &timestampText, &item.SequenceNumber); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		if dataRaw.Valid {
			item.Data = decodeJSONMap(dataRaw.String)
		}
		if timestampText.Valid {
			parsed, err := parseSQLiteTimestamp(timestampText.String)
			if err != nil {
				return nil, fmt.Errorf("parse event timestamp %q: %w", timestampText.String, err)
			}
			item.Timestamp = parsed
		}
		events = append(events, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) UpsertDailyUsage(ctx context.Context, row *DailyUsage) error {
	if row == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_analytics_daily (day, total_requests, unique_users, total_cost, total_tokens, error_count, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (day) DO UPDATE SET
	total_requests = excluded.total_requests,
	unique_users = excluded.unique_users,
	total_cost = excluded.total_cost,
	total_tokens = excluded.total_tokens,
	error_count = excluded.error_count,
	updated_at = excluded.updated_at`,
			row.Day.UTC(), row.TotalRequests, row.UniqueUsers, row.TotalCost, row.TotalTokens, row.ErrorCount, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("upsert daily usage for %s: %w", row.Day.Format("2006-01-02"), err)
		}
		return nil
	})
}

func (s *SQLiteStore) DailyUsageRange(ctx context.Context, from, to time.Time) ([]DailyUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT CAST(day AS TEXT), total_requests, unique_users, total_cost, total_tokens, error_count, CAST(updated_at AS TEXT)
FROM usage_analytics_daily
WHERE day >= ? AND day < ?
ORDER BY day ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query daily usage range: %w", err)
	}
	defer rows.Close()

	items := make([]DailyUsage, 0)
	for rows.Next() {
		var (
			item          DailyUsage
			dayText       string
			updatedAtText string
		)
		if err := rows.Scan(&dayText, &item.TotalRequests, &item.UniqueUsers, &item.TotalCost, &item.TotalTokens, &item.ErrorCount, &updatedAtText); err != nil {
			return nil, fmt.Errorf("scan daily usage row: %w", err)
		}
		day, err := parseSQLiteTimestamp(dayText)
		if err != nil {
			return nil, fmt.Errorf("parse daily usage day %q: %w", dayText, err)
		}
		item.Day = day
		if updatedAt, err := parseSQLiteTimestamp(updatedAtText); err == nil {
			item.UpdatedAt = updatedAt
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily usage rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) UpsertModelStatistics(ctx context.Context, row *ModelStatistics) error {
	if row == nil {
		return nil
	}

	topErrors, err := json.Marshal(row.TopErrorCodes)
	if err != nil {
		return fmt.Errorf("encode top error codes for model %q: %w", row.ModelID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO model_usage_statistics (
	model_id, period_type, period_start, period_end,
	request_count, success_count, error_count, success_rate, error_rate,
	avg_response_time_ms, avg_tokens_per_second, cost_per_token, cost_per_request,
	total_cost, total_tokens,
	quality_excellent, quality_good, quality_fair, quality_poor,
	top_error_codes, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (model_id, period_type, period_start) DO UPDATE SET
	period_end = excluded.period_end,
	request_count = excluded.request_count,
	success_count = excluded.success_count,
	error_count = excluded.error_count,
	success_rate = excluded.success_rate,
	error_rate = excluded.error_rate,
	avg_response_time_ms = excluded.avg_response_time_ms,
	avg_tokens_per_second = excluded.avg_tokens_per_second,
	cost_per_token = excluded.cost_per_token,
	cost_per_request = excluded.cost_per_request,
	total_cost = excluded.total_cost,
	total_tokens = excluded.total_tokens,
	quality_excellent = excluded.quality_excellent,
	quality_good = excluded.quality_good,
	quality_fair = excluded.quality_fair,
	quality_poor = excluded.quality_poor,
	top_error_codes = excluded.top_error_codes,
	updated_at = excluded.updated_at`,
			row.ModelID, row.PeriodType, row.PeriodStart.UTC(), row.PeriodEnd.UTC(),
			row.RequestCount, row.SuccessCount, row.ErrorCount, row.SuccessRate, row.ErrorRate,
			row.AvgResponseTimeMS, row.AvgTokensPerSecond, row.CostPerToken, row.CostPerRequest,
			row.TotalCost, row.TotalTokens,
			row.QualityExcellent, row.QualityGood, row.QualityFair, row.QualityPoor,
			string(topErrors), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("upsert model statistics for %q: %w", row.ModelID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) ModelStatisticsRange(ctx context.Context, periodType string, from, to time.Time) ([]ModelStatistics, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT model_id, period_type, CAST(period_start AS TEXT), CAST(period_end AS TEXT),
	request_count, success_count, error_count, success_rate, error_rate,
	avg_response_time_ms, avg_tokens_per_second, cost_per_token, cost_per_request,
	total_cost, total_tokens,
	quality_excellent, quality_good, quality_fair, quality_poor,
	top_error_codes
FROM model_usage_statistics
WHERE period_type = ? AND period_start >= ? AND period_start < ?
ORDER BY period_start ASC, model_id ASC`, periodType, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query model statistics range: %w", err)
	}
	defer rows.Close()

	items := make([]ModelStatistics, 0)
	for rows.Next() {
		var (
			item            ModelStatistics
			periodStartText string
			periodEndText   string
			topErrorsRaw    sql.NullString
		)
		if err := rows.Scan(
			&item.ModelID, &item.PeriodType, &periodStartText, &periodEndText,
			&item.RequestCount, &item.SuccessCount, &item.ErrorCount, &item.SuccessRate, &item.ErrorRate,
			&item.AvgResponseTimeMS, &item.AvgTokensPerSecond, &item.CostPerToken, &item.CostPerRequest,
			&item.TotalCost, &item.TotalTokens,
			&item.QualityExcellent, &item.QualityGood, &item.QualityFair, &item.QualityPoor,
			&topErrorsRaw,
		); err != nil {
			return nil, fmt.Errorf("scan model statistics row: %w", err)
		}
		if start, err := parseSQLiteTimestamp(periodStartText); err == nil {
			item.PeriodStart = start
		}
		if end, err := parseSQLiteTimestamp(periodEndText); err == nil {
			item.PeriodEnd = end
		}
		if topErrorsRaw.Valid && topErrorsRaw.String != "" {
			_ = json.Unmarshal([]byte(topErrorsRaw.String), &item.TopErrorCodes)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model statistics rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) UpsertCostAnalysis(ctx context.Context, row *CostAnalysis) error {
	if row == nil {
		return nil
	}

	modelCosts, err := json.Marshal(row.ModelCosts)
	if err != nil {
		return fmt.Errorf("encode model costs: %w", err)
	}
	userCosts, err := json.Marshal(row.UserCosts)
	if err != nil {
		return fmt.Errorf("encode user costs: %w", err)
	}
	recommendations, err := json.Marshal(row.Recommendations)
	if err != nil {
		return fmt.Errorf("encode cost recommendations: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO cost_analysis_summary (
	period_type, period_start, period_end,
	total_cost, total_requests, model_costs, user_costs,
	optimization_recommendations, forecast_next_period, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (period_type, period_start) DO UPDATE SET
	period_end = excluded.period_end,
	total_cost = excluded.total_cost,
	total_requests = excluded.total_requests,
	model_costs = excluded.model_costs,
	user_costs = excluded.user_costs,
	optimization_recommendations = excluded.optimization_recommendations,
	forecast_next_period = excluded.forecast_next_period,
	updated_at = excluded.updated_at`,
			row.PeriodType, row.PeriodStart.UTC(), row.PeriodEnd.UTC(),
			row.TotalCost, row.TotalRequests, string(modelCosts), string(userCosts),
			string(recommendations), row.ForecastNextPeriod, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("upsert cost analysis for period %q: %w", row.PeriodType, err)
		}
		return nil
	})
}

func (s *SQLiteStore) UpsertUserActivity(ctx context.Context, row *UserActivity) error {
	if row == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO user_activity_metrics (
	user_id, day, request_count, total_cost, total_tokens,
	distinct_models, top_model, peak_usage_hour, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id, day) DO UPDATE SET
	request_count = excluded.request_count,
	total_cost = excluded.total_cost,
	total_tokens = excluded.total_tokens,
	distinct_models = excluded.distinct_models,
	top_model = excluded.top_model,
	peak_usage_hour = excluded.peak_usage_hour,
	updated_at = excluded.updated_at`,
			row.UserID, row.Day.UTC(), row.RequestCount, row.TotalCost, row.TotalTokens,
			row.DistinctModels, row.TopModel, nullableInt(row.PeakUsageHour), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("upsert user activity for %q: %w", row.UserID, err)
		}
		return nil
	})
}

func (s *SQLiteStore) UpsertPromptPerformance(ctx context.Context, row *PromptPerformance) error {
	if row == nil {
		return nil
	}

	modelUsage, err := json.Marshal(row.ModelUsage)
	if err != nil {
		return fmt.Errorf("encode model usage for prompt %q: %w", row.PromptID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO prompt_performance_trends (
	prompt_id, day, uses, unique_users, total_cost,
	avg_duration_ms, success_rate, avg_quality, model_usage, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (prompt_id, day) DO UPDATE SET
	uses = excluded.uses,
	unique_users = excluded.unique_users,
	total_cost = excluded.total_cost,
	avg_duration_ms = excluded.avg_duration_ms,
	success_rate = excluded.success_rate,
	avg_quality = excluded.avg_quality,
	model_usage = excluded.model_usage,
	updated_at = excluded.updated_at`,
			row.PromptID, row.Day.UTC(), row.Uses, row.UniqueUsers, row.TotalCost,
			row.AvgDurationMS, row.SuccessRate, nullableFloat(row.AvgQuality), string(modelUsage), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("upsert prompt performance for %q: %w", row.PromptID, err)
		}
		return nil
	})
}
