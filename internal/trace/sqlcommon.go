package trace

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// placeholderStyle selects the bind-parameter syntax for generated SQL.
type placeholderStyle int

const (
	sqlitePlaceholders placeholderStyle = iota
	postgresPlaceholders
)

func placeholder(style placeholderStyle, n int) string {
	if style == postgresPlaceholders {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func placeholderList(style placeholderStyle, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = placeholder(style, i+1)
	}
	return strings.Join(parts, ", ")
}

// buildTraceWhere renders filter as a WHERE body. Each argument consumes
// exactly one placeholder, so callers can continue numbering from len(args).
func buildTraceWhere(filter Filter, style placeholderStyle) (string, []any) {
	where := make([]string, 0, 12)
	args := make([]any, 0, 12)

	add := func(condFormat string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(condFormat, placeholder(style, len(args))))
	}

	if filter.UserID != "" {
		add("user_id = %s", filter.UserID)
	}
	if filter.ModelID != "" {
		add("model_id = %s", filter.ModelID)
	}
	if filter.Source != "" {
		add("source = %s", filter.Source)
	}
	if filter.SessionID != "" {
		add("session_id = %s", filter.SessionID)
	}
	if filter.PromptID != "" {
		add("prompt_id = %s", filter.PromptID)
	}
	if filter.Status != "" {
		add("status = %s", string(filter.Status))
	}
	if !filter.From.IsZero() {
		add("start_time >= %s", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("start_time <= %s", filter.To.UTC())
	}
	if filter.MinDurationMS > 0 {
		add("duration_ms >= %s", filter.MinDurationMS)
	}
	if filter.MaxDurationMS > 0 {
		add("duration_ms <= %s", filter.MaxDurationMS)
	}
	if filter.MinCost > 0 {
		add("total_cost >= %s", filter.MinCost)
	}
	if filter.MaxCost > 0 {
		add("total_cost <= %s", filter.MaxCost)
	}
	if filter.HasError != nil {
		if *filter.HasError {
			where = append(where, "(status = 'error' OR COALESCE(error_code, '') <> '')")
		} else {
			where = append(where, "(status <> 'error' AND COALESCE(error_code, '') = '')")
		}
	}
	if filter.Streaming != nil {
		add("streamed = %s", *filter.Streaming)
	}

	if len(where) == 0 {
		return "1=1", args
	}
	return strings.Join(where, " AND "), args
}

// buildTraceUpdate renders a partial SET clause. updated_at is always
// stamped. A status change is guarded in the SET clause itself so a terminal
// row never leaves its terminal state, even when an update races completion.
func buildTraceUpdate(update TraceUpdate, style placeholderStyle) (string, []any, error) {
	set := make([]string, 0, 12)
	args := make([]any, 0, 12)

	add := func(setFormat string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf(setFormat, placeholder(style, len(args))))
	}

	if update.Status != nil {
		if update.Status.Terminal() {
			return "", nil, fmt.Errorf("status %q must be set through CompleteTrace", *update.Status)
		}
		if !update.Status.Valid() {
			return "", nil, fmt.Errorf("unknown trace status %q", *update.Status)
		}
		add("status = CASE WHEN status IN ('pending', 'streaming') THEN %s ELSE status END", string(*update.Status))
	}
	if update.Streamed != nil {
		add("streamed = %s", *update.Streamed)
	}
	if update.ResponseContent != nil {
		add("response_content = %s", *update.ResponseContent)
	}
	if update.FirstTokenLatencyMS != nil {
		add("first_token_latency_ms = %s", *update.FirstTokenLatencyMS)
	}
	if update.Tokens != nil {
		add("input_tokens = %s", update.Tokens.Input)
		add("output_tokens = %s", update.Tokens.Output)
		add("total_tokens = %s", update.Tokens.Total)
	}
	if update.Cost != nil {
		add("input_cost = %s", update.Cost.Input)
		add("output_cost = %s", update.Cost.Output)
		add("total_cost = %s", update.Cost.Total)
	}
	if update.QualityScore != nil {
		add("quality_score = %s", *update.QualityScore)
	}
	if update.UserRating != nil {
		add("user_rating = %s", *update.UserRating)
	}
	if update.MirrorTraceID != nil {
		add("mirror_trace_id = %s", *update.MirrorTraceID)
	}
	if update.ErrorMessage != nil {
		add("error_message = %s", *update.ErrorMessage)
	}
	if update.ErrorCode != nil {
		add("error_code = %s", *update.ErrorCode)
	}

	if len(set) == 0 {
		return "", nil, nil
	}

	add("updated_at = %s", time.Now().UTC())
	return strings.Join(set, ", "), args, nil
}

// buildTraceCompletion renders the SET clause for the single finalization
// write. The caller adds the live-status guard in its WHERE clause.
func buildTraceCompletion(completion Completion, style placeholderStyle) (string, []any) {
	set := make([]string, 0, 16)
	args := make([]any, 0, 16)

	add := func(setFormat string, value any) {
		args = append(args, value)
		set = append(set, fmt.Sprintf(setFormat, placeholder(style, len(args))))
	}

	endTime := completion.EndTime
	if endTime.IsZero() {
		endTime = time.Now().UTC()
	}

	add("status = %s", string(completion.Status))
	add("end_time = %s", endTime.UTC())
	add("duration_ms = %s", completion.DurationMS)
	add("tokens_per_second = %s", completion.TokensPerSecond)
	if completion.ResponseContent != "" {
		add("response_content = %s", completion.ResponseContent)
	}
	if completion.Tokens != nil {
		add("input_tokens = %s", completion.Tokens.Input)
		add("output_tokens = %s", completion.Tokens.Output)
		add("total_tokens = %s", completion.Tokens.Total)
	}
	if completion.Cost != nil {
		add("input_cost = %s", completion.Cost.Input)
		add("output_cost = %s", completion.Cost.Output)
		add("total_cost = %s", completion.Cost.Total)
	}
	if completion.FirstTokenLatencyMS > 0 {
		add("first_token_latency_ms = %s", completion.FirstTokenLatencyMS)
	}
	if completion.ErrorMessage != "" {
		add("error_message = %s", completion.ErrorMessage)
	}
	if completion.ErrorCode != "" {
		add("error_code = %s", completion.ErrorCode)
	}
	if completion.QualityScore != nil {
		add("quality_score = %s", *completion.QualityScore)
	}
	add("updated_at = %s", time.Now().UTC())

	return strings.Join(set, ", "), args
}

// traceInsertArgs renders a normalized trace into the insert column order.
func traceInsertArgs(row *Trace) ([]any, error) {
	parametersJSON, err := encodeJSONMap(row.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	var inputTokens, outputTokens, totalTokens any
	if row.Tokens != nil {
		inputTokens, outputTokens, totalTokens = row.Tokens.Input, row.Tokens.Output, row.Tokens.Total
	}
	var inputCost, outputCost, totalCost any
	if row.Cost != nil {
		inputCost, outputCost, totalCost = row.Cost.Input, row.Cost.Output, row.Cost.Total
	}
	var endTime any
	if row.EndTime != nil {
		endTime = row.EndTime.UTC()
	}

	return []any{
		row.ID,
		nullableString(row.ParentTraceID),
		row.SessionID,
		row.UserID,
		nullableString(row.PromptID),
		row.Source,
		row.Provider,
		row.ModelID,
		row.PromptContent,
		nullableString(row.SystemPrompt),
		parametersJSON,
		nullableString(row.ResponseContent),
		inputTokens,
		outputTokens,
		totalTokens,
		inputCost,
		outputCost,
		totalCost,
		row.StartTime.UTC(),
		endTime,
		nullableInt64(row.DurationMS),
		nullableInt64(row.FirstTokenLatencyMS),
		nullableFloat64(row.TokensPerSecond),
		string(row.Status),
		row.Streamed,
		nullableString(row.ErrorMessage),
		nullableString(row.ErrorCode),
		nullableFloat(row.QualityScore),
		nullableInt(row.UserRating),
		nullableString(row.MirrorTraceID),
		nullableString(row.UserAgent),
		nullableString(row.IPAddress),
		row.TraceVersion,
		row.CreatedAt.UTC(),
		row.UpdatedAt.UTC(),
	}, nil
}

func normalizeTrace(in *Trace) *Trace {
	row := *in
	now := time.Now().UTC()

	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.SessionID == "" {
		row.SessionID = uuid.NewString()
	}
	if row.Source == "" {
		row.Source = SourceAPI
	}
	if row.Provider == "" {
		row.Provider = "unknown"
	}
	if row.ModelID == "" {
		row.ModelID = "unknown"
	}
	if row.Status == "" {
		row.Status = StatusPending
	}
	if row.StartTime.IsZero() {
		row.StartTime = now
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = now
	}
	if row.TraceVersion == 0 {
		row.TraceVersion = 1
	}
	if row.Tokens != nil && row.Tokens.Total == 0 {
		tokens := *row.Tokens
		tokens.Total = tokens.Input + tokens.Output
		row.Tokens = &tokens
	}
	if row.EndTime != nil && row.DurationMS == 0 {
		row.DurationMS = row.EndTime.Sub(row.StartTime).Milliseconds()
	}

	return &row
}

func normalizeEvent(in *Event) *Event {
	row := *in
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	} else {
		row.Timestamp = row.Timestamp.UTC()
	}
	return &row
}

func encodeJSONMap(data map[string]any) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

func decodeJSONMap(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil
	}
	return payload
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt64(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullableFloat64(value float64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullableFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanTraceRow decodes one row in traceSelectColumns order. Timestamps arrive
// as text (the sqlite select casts them; the postgres select does the same
// for symmetry) and booleans as integers.
func scanTraceRow(scanner rowScanner) (*Trace, error) {
	var (
		item                Trace
		parentTraceID       sql.NullString
		promptID            sql.NullString
		systemPrompt        sql.NullString
		parametersRaw       sql.NullString
		responseContent     sql.NullString
		inputTokens         sql.NullInt64
		outputTokens        sql.NullInt64
		totalTokens         sql.NullInt64
		inputCost           sql.NullFloat64
		outputCost          sql.NullFloat64
		totalCost           sql.NullFloat64
		startTimeText       sql.NullString
		endTimeText         sql.NullString
		durationMS          sql.NullInt64
		firstTokenLatencyMS sql.NullInt64
		tokensPerSecond     sql.NullFloat64
		status              string
		streamed            sql.NullInt64
		errorMessage        sql.NullString
		errorCode           sql.NullString
		qualityScore        sql.NullFloat64
		userRating          sql.NullInt64
		mirrorTraceID       sql.NullString
		userAgent           sql.NullString
		ipAddress           sql.NullString
		createdAtText       sql.NullString
		updatedAtText       sql.NullString
	)

	if err := scanner.Scan(
		&item.ID,
		&parentTraceID,
		&item.SessionID,
		&item.UserID,
		&promptID,
		&item.Source,
		&item.Provider,
		&item.ModelID,
		&item.PromptContent,
		&systemPrompt,
		&parametersRaw,
		&responseContent,
		&inputTokens,
		&outputTokens,
		&totalTokens,
		&inputCost,
		&outputCost,
		&totalCost,
		&startTimeText,
		&endTimeText,
		&durationMS,
		&firstTokenLatencyMS,
		&tokensPerSecond,
		&status,
		&streamed,
		&errorMessage,
		&errorCode,
		&qualityScore,
		&userRating,
		&mirrorTraceID,
		&userAgent,
		&ipAddress,
		&item.TraceVersion,
		&createdAtText,
		&updatedAtText,
	); err != nil {
		return nil, err
	}

	item.Status = Status(status)
	item.ParentTraceID = parentTraceID.String
	item.PromptID = promptID.String
	item.SystemPrompt = systemPrompt.String
	item.ResponseContent = responseContent.String
	item.ErrorMessage = errorMessage.String
	item.ErrorCode = errorCode.String
	item.MirrorTraceID = mirrorTraceID.String
	item.UserAgent = userAgent.String
	item.IPAddress = ipAddress.String
	item.Streamed = streamed.Valid && streamed.Int64 != 0

	if parametersRaw.Valid {
		item.Parameters = decodeJSONMap(parametersRaw.String)
	}
	if inputTokens.Valid || outputTokens.Valid || totalTokens.Valid {
		item.Tokens = &TokenUsage{
			Input:  int(inputTokens.Int64),
			Output: int(outputTokens.Int64),
			Total:  int(totalTokens.Int64),
		}
	}
	if inputCost.Valid || outputCost.Valid || totalCost.Valid {
		item.Cost = &Cost{
			Input:  inputCost.Float64,
			Output: outputCost.Float64,
			Total:  totalCost.Float64,
		}
	}
	if durationMS.Valid {
		item.DurationMS = durationMS.Int64
	}
	if firstTokenLatencyMS.Valid {
		item.FirstTokenLatencyMS = firstTokenLatencyMS.Int64
	}
	if tokensPerSecond.Valid {
		item.TokensPerSecond = tokensPerSecond.Float64
	}
	if qualityScore.Valid {
		score := qualityScore.Float64
		item.QualityScore = &score
	}
	if userRating.Valid {
		rating := int(userRating.Int64)
		item.UserRating = &rating
	}

	if startTimeText.Valid {
		parsed, err := parseSQLiteTimestamp(startTimeText.String)
		if err != nil {
			return nil, fmt.Errorf("parse start_time %q: %w", startTimeText.String, err)
		}
		item.StartTime = parsed
	}
	if endTimeText.Valid && strings.TrimSpace(endTimeText.String) != "" {
		parsed, err := parseSQLiteTimestamp(endTimeText.String)
		if err != nil {
			return nil, fmt.Errorf("parse end_time %q: %w", endTimeText.String, err)
		}
		item.EndTime = &parsed
	}
	if createdAtText.Valid {
		if parsed, err := parseSQLiteTimestamp(createdAtText.String); err == nil {
			item.CreatedAt = parsed
		}
	}
	if updatedAtText.Valid {
		if parsed, err := parseSQLiteTimestamp(updatedAtText.String); err == nil {
			item.UpdatedAt = parsed
		}
	}

	return &item, nil
}

func collectTraceRows(rows *sql.Rows) ([]*Trace, error) {
	items := make([]*Trace, 0)
	for rows.Next() {
		item, err := scanTraceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}
	return items, nil
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05.999999999-07",
		"2006-01-02 15:04:05-07",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}
