package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"golang.org/x/sync/errgroup"

	"traced/internal/trace"
)

var ErrNotFound = errors.New("not found")

// FetchHydrated loads one trace with all of its children.
func (s *Store) FetchHydrated(ctx context.Context, traceID string) (*trace.HydratedTrace, error) {
	batch, err := s.FetchHydratedBatch(ctx, []string{traceID})
	if err != nil {
		return nil, err
	}
	h, ok := batch[traceID]
	if !ok {
		return nil, ErrNotFound
	}
	return h, nil
}

// FetchHydratedBatch loads a set of traces with one query per table, the four
// child-table queries running concurrently. Missing ids are absent from the
// returned map rather than an error.
func (s *Store) FetchHydratedBatch(ctx context.Context, traceIDs []string) (map[string]*trace.HydratedTrace, error) {
	out := make(map[string]*trace.HydratedTrace, len(traceIDs))
	if len(traceIDs) == 0 {
		return out, nil
	}

	if err := s.fetchTraceRows(ctx, traceIDs, out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	found := make([]string, 0, len(out))
	for id := range out {
		found = append(found, id)
	}

	var (
		events   map[string][]trace.Event
		modCalls map[string][]trace.ModCall
		modLogs  map[string][]trace.ModLog
		actions  map[string][]trace.Action
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		events, err = s.fetchEvents(gctx, found)
		return err
	})
	g.Go(func() (err error) {
		modCalls, err = s.fetchModCalls(gctx, found)
		return err
	})
	g.Go(func() (err error) {
		modLogs, err = s.fetchModLogs(gctx, found)
		return err
	})
	g.Go(func() (err error) {
		actions, err = s.fetchActions(gctx, found)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for id, h := range out {
		h.Events = events[id]
		if h.Events == nil {
			h.Events = []trace.Event{}
		}
		h.ModCalls = modCalls[id]
		if h.ModCalls == nil {
			h.ModCalls = []trace.ModCall{}
		}
		h.ModLogs = modLogs[id]
		if h.ModLogs == nil {
			h.ModLogs = []trace.ModLog{}
		}
		h.Actions = actions[id]
		if h.Actions == nil {
			h.Actions = []trace.Action{}
		}
		h.Steps = stepsFromEvents(h.Events)
	}
	return out, nil
}

func (s *Store) fetchTraceRows(ctx context.Context, traceIDs []string, out map[string]*trace.HydratedTrace) error {
	q := s.sql.Select(
		"trace_id", "created_at", "completed_at", "model", "owner_key",
		"is_public", "share_token", "max_tokens", "prompt", "active_mod_name",
		"final_token_ids", "final_text", "tags", "favorited_by",
	).From("traces").Where(sq.Eq{"trace_id": traceIDs})

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build traces query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("fetch traces: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h trace.HydratedTrace
		var completedAt sql.NullTime
		var model, ownerKey, shareToken, prompt, activeMod, finalText sql.NullString
		var maxSteps sql.NullInt64
		var finalTokens, tags, favoritedBy sql.NullString
		if err := rows.Scan(
			&h.TraceID,
			&h.CreatedAt,
			&completedAt,
			&model,
			&ownerKey,
			&h.IsPublic,
			&shareToken,
			&maxSteps,
			&prompt,
			&activeMod,
			&finalTokens,
			&finalText,
			&tags,
			&favoritedBy,
		); err != nil {
			return fmt.Errorf("scan trace row: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			h.CompletedAt = &t
		}
		h.Model = strPtr(model)
		h.OwnerKey = strPtr(ownerKey)
		h.ShareToken = strPtr(shareToken)
		h.Prompt = strPtr(prompt)
		h.ActiveModName = strPtr(activeMod)
		h.FinalText = strPtr(finalText)
		if maxSteps.Valid {
			v := int(maxSteps.Int64)
			h.MaxSteps = &v
		}
		h.FinalTokens = intsFromJSON(finalTokens)
		h.Tags = stringsFromJSON(tags)
		h.FavoritedBy = stringsFromJSON(favoritedBy)
		out[h.TraceID] = &h
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate trace rows: %w", err)
	}
	return nil
}

func (s *Store) fetchEvents(ctx context.Context, traceIDs []string) (map[string][]trace.Event, error) {
	q := s.sql.Select(
		"id", "trace_id", "event_type", "step", "sequence_order", "created_at",
		"prompt_length", "max_steps", "input_text", "top_tokens",
		"sampled_token", "token_text", "added_tokens", "added_token_count", "forced",
	).From("events").
		Where(sq.Eq{"trace_id": traceIDs}).
		OrderBy("trace_id", "sequence_order ASC")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build events query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]trace.Event)
	for rows.Next() {
		var ev trace.Event
		var traceID string
		var promptLength, sampledToken, addedCount sql.NullInt64
		var inputText, topTokens, tokenText, addedTokens sql.NullString
		var maxSteps sql.NullInt64
		var forced sql.NullBool
		if err := rows.Scan(
			&ev.ID,
			&traceID,
			&ev.EventType,
			&ev.Step,
			&ev.SequenceOrder,
			&ev.CreatedAt,
			&promptLength,
			&maxSteps,
			&inputText,
			&topTokens,
			&sampledToken,
			&tokenText,
			&addedTokens,
			&addedCount,
			&forced,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.PromptLength = intPtr(promptLength)
		ev.MaxSteps = intPtr(maxSteps)
		ev.InputText = strPtr(inputText)
		if topTokens.Valid {
			ev.TopTokens = json.RawMessage(topTokens.String)
		}
		ev.SampledToken = intPtr(sampledToken)
		ev.TokenText = strPtr(tokenText)
		ev.AddedTokens = intsFromJSON(addedTokens)
		ev.AddedTokenCount = intPtr(addedCount)
		if forced.Valid {
			v := forced.Bool
			ev.Forced = &v
		}
		out[traceID] = append(out[traceID], ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return out, nil
}

func (s *Store) fetchModCalls(ctx context.Context, traceIDs []string) (map[string][]trace.ModCall, error) {
	q := s.sql.Select(
		"id", "trace_id", "event_id", "mod_name", "event_type", "step",
		"created_at", "execution_time_ms", "exception_occurred", "exception_message",
	).From("mod_calls").
		Where(sq.Eq{"trace_id": traceIDs}).
		OrderBy("trace_id", "id ASC")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build mod calls query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch mod calls: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]trace.ModCall)
	for rows.Next() {
		var mc trace.ModCall
		var traceID string
		var execTime sql.NullFloat64
		var excMessage sql.NullString
		if err := rows.Scan(
			&mc.ID,
			&traceID,
			&mc.EventID,
			&mc.ModName,
			&mc.EventType,
			&mc.Step,
			&mc.CreatedAt,
			&execTime,
			&mc.ExceptionOccurred,
			&excMessage,
		); err != nil {
			return nil, fmt.Errorf("scan mod call row: %w", err)
		}
		if execTime.Valid {
			v := execTime.Float64
			mc.ExecutionTimeMs = &v
		}
		mc.ExceptionMessage = strPtr(excMessage)
		out[traceID] = append(out[traceID], mc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mod call rows: %w", err)
	}
	return out, nil
}

func (s *Store) fetchModLogs(ctx context.Context, traceIDs []string) (map[string][]trace.ModLog, error) {
	q := s.sql.Select(
		"id", "trace_id", "mod_call_id", "mod_name", "message", "level", "created_at",
	).From("mod_logs").
		Where(sq.Eq{"trace_id": traceIDs}).
		OrderBy("trace_id", "id ASC")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build mod logs query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch mod logs: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]trace.ModLog)
	for rows.Next() {
		var ml trace.ModLog
		var traceID string
		if err := rows.Scan(
			&ml.ID,
			&traceID,
			&ml.ModCallID,
			&ml.ModName,
			&ml.Message,
			&ml.Level,
			&ml.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan mod log row: %w", err)
		}
		out[traceID] = append(out[traceID], ml)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mod log rows: %w", err)
	}
	return out, nil
}

func (s *Store) fetchActions(ctx context.Context, traceIDs []string) (map[string][]trace.Action, error) {
	q := s.sql.Select(
		"id", "trace_id", "mod_call_id", "action_type", "action_order", "created_at",
		"details", "new_prompt", "new_length", "adjusted_max_steps", "token_count",
		"tokens", "tokens_as_text", "backtrack_steps", "logits_shape", "temperature",
		"has_tool_calls", "tool_calls", "error_message",
	).From("actions").
		Where(sq.Eq{"trace_id": traceIDs}).
		OrderBy("trace_id", "action_order ASC", "id ASC")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build actions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch actions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]trace.Action)
	for rows.Next() {
		var a trace.Action
		var traceID string
		var rec trace.ActionRecord
		var actionOrder int
		var details, newPrompt, tokens, tokensAsText, logitsShape, toolCalls, errMessage sql.NullString
		var newLength, adjustedMaxSteps, tokenCount, backtrackSteps sql.NullInt64
		var temperature sql.NullFloat64
		var hasToolCalls sql.NullBool
		if err := rows.Scan(
			&a.ID,
			&traceID,
			&a.ModCallID,
			&a.ActionType,
			&actionOrder,
			&a.CreatedAt,
			&details,
			&newPrompt,
			&newLength,
			&adjustedMaxSteps,
			&tokenCount,
			&tokens,
			&tokensAsText,
			&backtrackSteps,
			&logitsShape,
			&temperature,
			&hasToolCalls,
			&toolCalls,
			&errMessage,
		); err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}

		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &rec.Details); err != nil {
				return nil, fmt.Errorf("decode action details: %w", err)
			}
		}
		rec.NewPrompt = strPtr(newPrompt)
		rec.NewLength = intPtr(newLength)
		rec.AdjustedMaxSteps = intPtr(adjustedMaxSteps)
		rec.TokenCount = intPtr(tokenCount)
		rec.Tokens = intsFromJSON(tokens)
		rec.TokensPreview = strPtr(tokensAsText)
		rec.BacktrackSteps = intPtr(backtrackSteps)
		rec.LogitsShape = strPtr(logitsShape)
		if temperature.Valid {
			v := temperature.Float64
			rec.Temperature = &v
		}
		if hasToolCalls.Valid {
			v := hasToolCalls.Bool
			rec.HasToolCalls = &v
		}
		if toolCalls.Valid && toolCalls.String != "" {
			rec.ToolCalls = json.RawMessage(toolCalls.String)
		}
		rec.ErrorMessage = strPtr(errMessage)

		a.Payload = rec.MergedPayload()
		out[traceID] = append(out[traceID], a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action rows: %w", err)
	}
	return out, nil
}

// RecentTraceIDs lists the newest trace ids for cache warming.
func (s *Store) RecentTraceIDs(ctx context.Context, limit int) ([]string, error) {
	q := s.sql.Select("trace_id").
		From("traces").
		OrderBy("created_at DESC").
		Limit(uint64(limit))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build recent traces query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch recent traces: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recent trace id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent trace ids: %w", err)
	}
	return out, nil
}

// ListSummaries pages through traces newest-first. Total steps counts the
// distinct step indices seen across all of the trace's events.
func (s *Store) ListSummaries(ctx context.Context, limit, offset int) ([]trace.Summary, error) {
	q := s.sql.Select(
		"t.trace_id", "t.created_at", "t.completed_at", "t.model", "t.owner_key", "t.final_text",
		"(SELECT COUNT(DISTINCT e.step) FROM events e WHERE e.trace_id = t.trace_id) AS total_steps",
	).From("traces t").
		OrderBy("t.created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list summaries query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	out := make([]trace.Summary, 0, limit)
	for rows.Next() {
		var sum trace.Summary
		var completedAt sql.NullTime
		var model, ownerKey, finalText sql.NullString
		if err := rows.Scan(
			&sum.TraceID,
			&sum.CreatedAt,
			&completedAt,
			&model,
			&ownerKey,
			&finalText,
			&sum.TotalSteps,
		); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			sum.CompletedAt = &t
		}
		sum.Model = strPtr(model)
		sum.OwnerKey = strPtr(ownerKey)
		sum.FinalText = strPtr(finalText)
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summary rows: %w", err)
	}
	return out, nil
}

func stepsFromEvents(events []trace.Event) []trace.Step {
	steps := make([]trace.Step, 0)
	for i := range events {
		ev := &events[i]
		if ev.EventType != string(trace.EventSampled) {
			continue
		}
		steps = append(steps, trace.Step{
			StepIndex: ev.Step,
			Token:     ev.SampledToken,
			TokenText: ev.TokenText,
			Forced:    ev.Forced != nil && *ev.Forced,
			CreatedAt: ev.CreatedAt,
		})
	}
	return steps
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func intsFromJSON(v sql.NullString) []int {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []int
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}

func stringsFromJSON(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return []string{}
	}
	return out
}
