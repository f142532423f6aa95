package trace

import (
	"time"
)

// HydrateFromPayload assembles the read model straight from a just-committed
// ingest payload and the row ids the writer captured, so the cache can be
// populated without reading back from the store. The id slices are positional:
// eventIDs[i] is the id assigned to payload.Events[i], likewise modCallIDs.
func HydrateFromPayload(p *IngestPayload, eventIDs, modCallIDs []int64) *HydratedTrace {
	now := time.Now().UTC()
	t := &p.Trace

	h := &HydratedTrace{
		TraceID:       t.TraceID,
		CreatedAt:     tsOr(t.CreatedAt, now),
		CompletedAt:   tsPtr(t.CompletedAt),
		Model:         t.Model,
		OwnerKey:      t.OwnerKey,
		MaxSteps:      t.MaxTokens,
		Prompt:        t.Prompt,
		ActiveModName: t.ActiveModName,
		FinalTokens:   t.FinalTokenIDs,
		FinalText:     t.FinalText,
		Tags:          []string{},
		FavoritedBy:   []string{},
		Events:        make([]Event, 0, len(p.Events)),
		ModCalls:      make([]ModCall, 0, len(p.ModCalls)),
		ModLogs:       make([]ModLog, 0, len(p.ModLogs)),
		Actions:       make([]Action, 0, len(p.Actions)),
		Steps:         []Step{},
	}

	for i, ev := range p.Events {
		id := int64(i)
		if i < len(eventIDs) {
			id = eventIDs[i]
		}
		created := tsOr(ev.CreatedAt, now)
		h.Events = append(h.Events, Event{
			ID:              id,
			EventType:       string(ev.EventType),
			Step:            ev.Step,
			SequenceOrder:   ev.SequenceOrder,
			CreatedAt:       created,
			PromptLength:    ev.PromptLength,
			MaxSteps:        ev.MaxSteps,
			InputText:       ev.InputText,
			TopTokens:       ev.TopTokens,
			SampledToken:    ev.SampledToken,
			TokenText:       ev.TokenText,
			AddedTokens:     ev.AddedTokens,
			AddedTokenCount: ev.AddedTokenCount,
			Forced:          ev.Forced,
		})
		if ev.EventType == EventSampled {
			h.Steps = append(h.Steps, Step{
				StepIndex: ev.Step,
				Token:     ev.SampledToken,
				TokenText: ev.TokenText,
				Forced:    ev.Forced != nil && *ev.Forced,
				CreatedAt: created,
			})
		}
	}

	for i, mc := range p.ModCalls {
		id := int64(i)
		if i < len(modCallIDs) {
			id = modCallIDs[i]
		}
		eventID := int64(mc.EventSequenceOrder)
		if mc.EventSequenceOrder >= 0 && mc.EventSequenceOrder < len(eventIDs) {
			eventID = eventIDs[mc.EventSequenceOrder]
		}
		h.ModCalls = append(h.ModCalls, ModCall{
			ID:                id,
			EventID:           eventID,
			ModName:           mc.ModName,
			EventType:         string(mc.EventType),
			Step:              mc.Step,
			CreatedAt:         tsOr(mc.CreatedAt, now),
			ExecutionTimeMs:   mc.ExecutionTimeMs,
			ExceptionOccurred: mc.ExceptionOccurred,
			ExceptionMessage:  mc.ExceptionMessage,
		})
	}

	for i, ml := range p.ModLogs {
		modCallID := int64(ml.ModCallSequence)
		if ml.ModCallSequence >= 0 && ml.ModCallSequence < len(modCallIDs) {
			modCallID = modCallIDs[ml.ModCallSequence]
		}
		h.ModLogs = append(h.ModLogs, ModLog{
			ID:        int64(i),
			ModCallID: modCallID,
			ModName:   ml.ModName,
			Message:   ml.Message,
			Level:     string(ml.Level.OrDefault()),
			CreatedAt: tsOr(ml.CreatedAt, now),
		})
	}

	for i, a := range p.Actions {
		modCallID := int64(a.ModCallSequence)
		if a.ModCallSequence >= 0 && a.ModCallSequence < len(modCallIDs) {
			modCallID = modCallIDs[a.ModCallSequence]
		}
		h.Actions = append(h.Actions, Action{
			ID:         int64(i),
			ModCallID:  modCallID,
			ActionType: string(a.ActionType),
			Payload:    a.MergedPayload(),
			CreatedAt:  tsOr(a.CreatedAt, now),
		})
	}

	return h
}

// MergedPayload folds the explicit action fields into a copy of the details
// blob. A key already present in details wins over the explicit field.
func (a *ActionRecord) MergedPayload() map[string]any {
	payload := make(map[string]any, len(a.Details)+4)
	for k, v := range a.Details {
		payload[k] = v
	}

	putAbsent := func(key string, v any) {
		if _, ok := payload[key]; !ok {
			payload[key] = v
		}
	}

	if a.Tokens != nil {
		putAbsent("tokens", intsToAny(a.Tokens))
	}
	if a.TokensPreview != nil {
		// Legacy single-string preview is carried as a one-element array.
		putAbsent("tokens_as_text", []any{*a.TokensPreview})
	}
	if a.TokenCount != nil {
		putAbsent("token_count", *a.TokenCount)
	}
	if a.BacktrackSteps != nil {
		putAbsent("backtrack_steps", *a.BacktrackSteps)
	}
	if a.NewPrompt != nil {
		putAbsent("new_prompt", *a.NewPrompt)
	}
	if a.NewLength != nil {
		putAbsent("new_length", *a.NewLength)
	}
	if a.AdjustedMaxSteps != nil {
		putAbsent("adjusted_max_steps", *a.AdjustedMaxSteps)
	}
	if a.LogitsShape != nil {
		putAbsent("logits_shape", *a.LogitsShape)
	}
	if a.Temperature != nil {
		putAbsent("temperature", *a.Temperature)
	}
	if a.HasToolCalls != nil {
		putAbsent("has_tool_calls", *a.HasToolCalls)
	}
	if a.ToolCalls != nil {
		putAbsent("tool_calls", a.ToolCalls)
	}
	if a.ErrorMessage != nil {
		putAbsent("error_message", *a.ErrorMessage)
	}
	return payload
}

func intsToAny(in []int) []any {
	out := make([]any, len(in))
	for i, n := range in {
		out[i] = n
	}
	return out
}

func tsOr(t *Timestamp, fallback time.Time) time.Time {
	if t == nil || t.IsZero() {
		return fallback
	}
	return t.UTC()
}

func tsPtr(t *Timestamp) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
