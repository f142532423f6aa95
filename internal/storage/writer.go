package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"traced/internal/trace"
)

const (
	eventColumns   = 16
	modCallColumns = 10
	modLogColumns  = 6
	actionColumns  = 18
)

// IngestTrace replaces the stored trace and all of its children with the
// payload's contents in a single transaction. Returned id slices are
// positional: eventIDs[i] is the row id of p.Events[i], likewise for
// modCallIDs and p.ModCalls.
func (s *Store) IngestTrace(ctx context.Context, p *trace.IngestPayload) (eventIDs, modCallIDs []int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin ingest tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()

	if err = s.upsertTrace(ctx, tx, &p.Trace, now); err != nil {
		return nil, nil, err
	}
	if err = s.deleteChildren(ctx, tx, p.Trace.TraceID); err != nil {
		return nil, nil, err
	}

	eventIDs, err = s.insertEvents(ctx, tx, p.Trace.TraceID, p.Events, now)
	if err != nil {
		return nil, nil, err
	}
	modCallIDs, err = s.insertModCalls(ctx, tx, p.Trace.TraceID, p.ModCalls, eventIDs, now)
	if err != nil {
		return nil, nil, err
	}
	if err = s.insertModLogs(ctx, tx, p.Trace.TraceID, p.ModLogs, modCallIDs, now); err != nil {
		return nil, nil, err
	}
	if err = s.insertActions(ctx, tx, p.Trace.TraceID, p.Actions, modCallIDs, now); err != nil {
		return nil, nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit ingest tx: %w", err)
	}
	return eventIDs, modCallIDs, nil
}

func (s *Store) upsertTrace(ctx context.Context, tx *sql.Tx, t *trace.TraceRecord, now time.Time) error {
	createdAt := tsValue(t.CreatedAt, now)
	var completedAt any
	if t.CompletedAt != nil {
		completedAt = t.CompletedAt.UTC()
	}

	promptTokens, err := jsonOrNil(t.PromptTokenIDs)
	if err != nil {
		return fmt.Errorf("marshal prompt token ids: %w", err)
	}
	finalTokens, err := jsonOrNil(t.FinalTokenIDs)
	if err != nil {
		return fmt.Errorf("marshal final token ids: %w", err)
	}

	var stats any
	if len(t.InferenceStats) > 0 {
		stats = string(t.InferenceStats)
	}

	q := s.sql.Insert("traces").
		Columns(
			"trace_id", "created_at", "completed_at", "model", "owner_key",
			"max_tokens", "temperature", "mod_source", "prompt", "prompt_token_ids",
			"active_mod_name", "final_token_ids", "final_text", "inference_stats",
		).
		Values(
			t.TraceID, createdAt, completedAt, t.Model, t.OwnerKey,
			t.MaxTokens, t.Temperature, t.ModSource, t.Prompt, promptTokens,
			t.ActiveModName, finalTokens, t.FinalText, stats,
		).
		Suffix("ON CONFLICT(trace_id) DO UPDATE SET " +
			"created_at=excluded.created_at, completed_at=excluded.completed_at, " +
			"model=excluded.model, owner_key=excluded.owner_key, " +
			"max_tokens=excluded.max_tokens, temperature=excluded.temperature, " +
			"mod_source=excluded.mod_source, prompt=excluded.prompt, " +
			"prompt_token_ids=excluded.prompt_token_ids, active_mod_name=excluded.active_mod_name, " +
			"final_token_ids=excluded.final_token_ids, final_text=excluded.final_text, " +
			"inference_stats=excluded.inference_stats")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build trace upsert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert trace: %w", err)
	}
	return nil
}

// deleteChildren clears the old rows child-first so the sqlite path does not
// depend on the foreign_keys pragma being set on the pooled connection.
func (s *Store) deleteChildren(ctx context.Context, tx *sql.Tx, traceID string) error {
	for _, table := range []string{"actions", "mod_logs", "mod_calls", "events"} {
		q := s.sql.Delete(table).Where("trace_id = ?", traceID)
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build delete %s query: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("delete old %s: %w", table, err)
		}
	}
	return nil
}

func (s *Store) insertEvents(ctx context.Context, tx *sql.Tx, traceID string, events []trace.EventRecord, now time.Time) ([]int64, error) {
	if len(events) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(events))
	chunkSize := s.maxParams() / eventColumns

	for start := 0; start < len(events); start += chunkSize {
		chunk := events[start:min(start+chunkSize, len(events))]

		q := s.sql.Insert("events").Columns(
			"trace_id", "event_type", "step", "sequence_order", "created_at",
			"details", "prompt_length", "tokens_so_far", "max_steps", "input_text",
			"top_tokens", "sampled_token", "token_text", "added_tokens",
			"added_token_count", "forced",
		)
		for i := range chunk {
			e := &chunk[i]
			details, err := jsonOrNil(e.Details)
			if err != nil {
				return nil, fmt.Errorf("marshal event details: %w", err)
			}
			addedTokens, err := jsonOrNil(e.AddedTokens)
			if err != nil {
				return nil, fmt.Errorf("marshal added tokens: %w", err)
			}
			var topTokens any
			if len(e.TopTokens) > 0 {
				topTokens = string(e.TopTokens)
			}
			q = q.Values(
				traceID, string(e.EventType), e.Step, e.SequenceOrder, tsValue(e.CreatedAt, now),
				details, e.PromptLength, e.TokensSoFar, e.MaxSteps, e.InputText,
				topTokens, e.SampledToken, e.TokenText, addedTokens,
				e.AddedTokenCount, e.Forced,
			)
		}

		chunkIDs, err := s.execReturningIDs(ctx, tx, q.Suffix("RETURNING id"), len(chunk))
		if err != nil {
			return nil, fmt.Errorf("insert events: %w", err)
		}
		ids = append(ids, chunkIDs...)
	}
	return ids, nil
}

func (s *Store) insertModCalls(ctx context.Context, tx *sql.Tx, traceID string, calls []trace.ModCallRecord, eventIDs []int64, now time.Time) ([]int64, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(calls))
	chunkSize := s.maxParams() / modCallColumns

	for start := 0; start < len(calls); start += chunkSize {
		chunk := calls[start:min(start+chunkSize, len(calls))]

		q := s.sql.Insert("mod_calls").Columns(
			"event_id", "trace_id", "mod_name", "event_type", "step",
			"created_at", "execution_time_ms", "exception_occurred",
			"exception_message", "exception_traceback",
		)
		for i := range chunk {
			c := &chunk[i]
			if c.EventSequenceOrder < 0 || c.EventSequenceOrder >= len(eventIDs) {
				return nil, fmt.Errorf("mod call references event %d of %d", c.EventSequenceOrder, len(eventIDs))
			}
			q = q.Values(
				eventIDs[c.EventSequenceOrder], traceID, c.ModName, string(c.EventType), c.Step,
				tsValue(c.CreatedAt, now), c.ExecutionTimeMs, c.ExceptionOccurred,
				c.ExceptionMessage, c.ExceptionTraceback,
			)
		}

		chunkIDs, err := s.execReturningIDs(ctx, tx, q.Suffix("RETURNING id"), len(chunk))
		if err != nil {
			return nil, fmt.Errorf("insert mod calls: %w", err)
		}
		ids = append(ids, chunkIDs...)
	}
	return ids, nil
}

func (s *Store) insertModLogs(ctx context.Context, tx *sql.Tx, traceID string, logs []trace.ModLogRecord, modCallIDs []int64, now time.Time) error {
	if len(logs) == 0 {
		return nil
	}

	chunkSize := s.maxParams() / modLogColumns

	for start := 0; start < len(logs); start += chunkSize {
		chunk := logs[start:min(start+chunkSize, len(logs))]

		q := s.sql.Insert("mod_logs").Columns(
			"mod_call_id", "trace_id", "mod_name", "message", "level", "created_at",
		)
		for i := range chunk {
			l := &chunk[i]
			if l.ModCallSequence < 0 || l.ModCallSequence >= len(modCallIDs) {
				return fmt.Errorf("mod log references mod call %d of %d", l.ModCallSequence, len(modCallIDs))
			}
			q = q.Values(
				modCallIDs[l.ModCallSequence], traceID, l.ModName, l.Message,
				string(l.Level.OrDefault()), tsValue(l.CreatedAt, now),
			)
		}

		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build mod logs insert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("insert mod logs: %w", err)
		}
	}
	return nil
}

func (s *Store) insertActions(ctx context.Context, tx *sql.Tx, traceID string, actions []trace.ActionRecord, modCallIDs []int64, now time.Time) error {
	if len(actions) == 0 {
		return nil
	}

	chunkSize := s.maxParams() / actionColumns

	for start := 0; start < len(actions); start += chunkSize {
		chunk := actions[start:min(start+chunkSize, len(actions))]

		q := s.sql.Insert("actions").Columns(
			"mod_call_id", "trace_id", "action_type", "action_order", "created_at",
			"details", "new_prompt", "new_length", "adjusted_max_steps", "token_count",
			"tokens", "tokens_as_text", "backtrack_steps", "logits_shape", "temperature",
			"has_tool_calls", "tool_calls", "error_message",
		)
		for i := range chunk {
			a := &chunk[i]
			if a.ModCallSequence < 0 || a.ModCallSequence >= len(modCallIDs) {
				return fmt.Errorf("action references mod call %d of %d", a.ModCallSequence, len(modCallIDs))
			}
			details, err := jsonOrNil(a.Details)
			if err != nil {
				return fmt.Errorf("marshal action details: %w", err)
			}
			// Column values fall back to same-named details keys when the
			// explicit field is absent; the explicit field wins otherwise.
			tokens, err := jsonOrNil(detailInts(a.Details, "tokens", a.Tokens))
			if err != nil {
				return fmt.Errorf("marshal action tokens: %w", err)
			}
			var toolCalls any
			if len(a.ToolCalls) > 0 {
				toolCalls = string(a.ToolCalls)
			}
			q = q.Values(
				modCallIDs[a.ModCallSequence], traceID, string(a.ActionType), a.ActionOrder, tsValue(a.CreatedAt, now),
				details,
				detailStr(a.Details, "new_prompt", a.NewPrompt),
				detailInt(a.Details, "new_length", a.NewLength),
				detailInt(a.Details, "adjusted_max_steps", a.AdjustedMaxSteps),
				detailInt(a.Details, "token_count", a.TokenCount),
				tokens,
				a.TokensPreview,
				detailInt(a.Details, "backtrack_steps", a.BacktrackSteps),
				detailStr(a.Details, "logits_shape", a.LogitsShape),
				detailFloat(a.Details, "temperature", a.Temperature),
				detailBool(a.Details, "has_tool_calls", a.HasToolCalls),
				toolCalls,
				detailStr(a.Details, "error_message", a.ErrorMessage),
			)
		}

		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build actions insert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("insert actions: %w", err)
		}
	}
	return nil
}

// DeleteTrace removes a trace and all of its children.
func (s *Store) DeleteTrace(ctx context.Context, traceID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.deleteChildren(ctx, tx, traceID); err != nil {
		return err
	}

	q := s.sql.Delete("traces").Where("trace_id = ?", traceID)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete trace query: %w", err)
	}
	res, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete trace: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

type sqlizer interface {
	ToSql() (string, []any, error)
}

func (s *Store) execReturningIDs(ctx context.Context, tx *sql.Tx, q sqlizer, expect int) ([]int64, error) {
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build insert query: %w", err)
	}
	rows, err := tx.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0, expect)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan returned id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate returned ids: %w", err)
	}
	if len(ids) != expect {
		return nil, fmt.Errorf("expected %d returned ids, got %d", expect, len(ids))
	}
	return ids, nil
}

func detailStr(d map[string]any, key string, explicit *string) *string {
	if explicit != nil {
		return explicit
	}
	if s, ok := d[key].(string); ok {
		return &s
	}
	return nil
}

func detailInt(d map[string]any, key string, explicit *int) *int {
	if explicit != nil {
		return explicit
	}
	if f, ok := d[key].(float64); ok {
		n := int(f)
		return &n
	}
	return nil
}

func detailFloat(d map[string]any, key string, explicit *float64) *float64 {
	if explicit != nil {
		return explicit
	}
	if f, ok := d[key].(float64); ok {
		return &f
	}
	return nil
}

func detailBool(d map[string]any, key string, explicit *bool) *bool {
	if explicit != nil {
		return explicit
	}
	if b, ok := d[key].(bool); ok {
		return &b
	}
	return nil
}

func detailInts(d map[string]any, key string, explicit []int) []int {
	if explicit != nil {
		return explicit
	}
	arr, ok := d[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(arr))
	for _, v := range arr {
		f, ok := v.(float64)
		if !ok {
			return nil
		}
		out = append(out, int(f))
	}
	return out
}

func tsValue(t *trace.Timestamp, fallback time.Time) time.Time {
	if t == nil || t.IsZero() {
		return fallback
	}
	return t.UTC()
}

// jsonOrNil marshals v for a TEXT column, mapping empty values to NULL.
func jsonOrNil(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []int:
		if x == nil {
			return nil, nil
		}
	case map[string]any:
		if len(x) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
