package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// EventType identifies one kind of generation step.
type EventType string

const (
	EventPrefilled   EventType = "Prefilled"
	EventForwardPass EventType = "ForwardPass"
	EventSampled     EventType = "Sampled"
	EventAdded       EventType = "Added"
)

func (t EventType) Valid() bool {
	switch t {
	case EventPrefilled, EventForwardPass, EventSampled, EventAdded:
		return true
	}
	return false
}

// ActionType identifies the effect a mod requested.
type ActionType string

const (
	ActionNoop            ActionType = "Noop"
	ActionAdjustedPrefill ActionType = "AdjustedPrefill"
	ActionForceTokens     ActionType = "ForceTokens"
	ActionForceOutput     ActionType = "ForceOutput"
	ActionBacktrack       ActionType = "Backtrack"
	ActionAdjustedLogits  ActionType = "AdjustedLogits"
	ActionToolCalls       ActionType = "ToolCalls"
	ActionEmitError       ActionType = "EmitError"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionNoop, ActionAdjustedPrefill, ActionForceTokens, ActionForceOutput,
		ActionBacktrack, ActionAdjustedLogits, ActionToolCalls, ActionEmitError:
		return true
	}
	return false
}

// LogLevel is the severity of a mod log line. Empty defaults to INFO.
type LogLevel string

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

func (l LogLevel) Valid() bool {
	switch l {
	case "", LevelDebug, LevelInfo, LevelWarning, LevelError:
		return true
	}
	return false
}

func (l LogLevel) OrDefault() LogLevel {
	if l == "" {
		return LevelInfo
	}
	return l
}

// Timestamp accepts either an RFC3339 string or a unix epoch number
// (integer or fractional seconds) and renders RFC3339 on output.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("invalid timestamp %q", s)
		}
		t.Time = parsed.UTC()
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	sec, frac := math.Modf(f)
	t.Time = time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// IngestPayload is one full ingest call: one trace plus four child arrays.
// The *_sequence_order / *_sequence fields are zero-based indices into the
// sibling arrays of the same payload, resolved to row ids during persistence.
type IngestPayload struct {
	Trace    TraceRecord     `json:"trace"`
	Events   []EventRecord   `json:"events"`
	ModCalls []ModCallRecord `json:"mod_calls"`
	ModLogs  []ModLogRecord  `json:"mod_logs"`
	Actions  []ActionRecord  `json:"actions"`
}

type TraceRecord struct {
	TraceID        string          `json:"trace_id"`
	CreatedAt      *Timestamp      `json:"created_at,omitempty"`
	CompletedAt    *Timestamp      `json:"completed_at,omitempty"`
	Model          *string         `json:"model,omitempty"`
	OwnerKey       *string         `json:"owner_key,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ModSource      *string         `json:"mod_source,omitempty"`
	Prompt         *string         `json:"prompt,omitempty"`
	PromptTokenIDs []int           `json:"prompt_token_ids,omitempty"`
	ActiveModName  *string         `json:"active_mod_name,omitempty"`
	FinalTokenIDs  []int           `json:"final_token_ids,omitempty"`
	FinalText      *string         `json:"final_text,omitempty"`
	InferenceStats json.RawMessage `json:"inference_stats,omitempty"`
}

type EventRecord struct {
	EventType     EventType      `json:"event_type"`
	Step          int            `json:"step"`
	SequenceOrder int            `json:"sequence_order"`
	CreatedAt     *Timestamp     `json:"created_at,omitempty"`
	Details       map[string]any `json:"details,omitempty"`

	// Prefilled fields
	PromptLength *int `json:"prompt_length,omitempty"`
	TokensSoFar  *int `json:"tokens_so_far_len,omitempty"`
	MaxSteps     *int `json:"max_steps,omitempty"`

	// ForwardPass fields
	InputText *string         `json:"input_text,omitempty"`
	TopTokens json.RawMessage `json:"top_tokens,omitempty"`

	// Sampled fields
	SampledToken *int    `json:"sampled_token,omitempty"`
	TokenText    *string `json:"token_text,omitempty"`

	// Added fields
	AddedTokens     []int `json:"added_tokens,omitempty"`
	AddedTokenCount *int  `json:"added_token_count,omitempty"`
	Forced          *bool `json:"forced,omitempty"`
}

type ModCallRecord struct {
	EventSequenceOrder int        `json:"event_sequence_order"`
	ModName            string     `json:"mod_name"`
	EventType          EventType  `json:"event_type"`
	Step               int        `json:"step"`
	CreatedAt          *Timestamp `json:"created_at,omitempty"`
	ExecutionTimeMs    *float64   `json:"execution_time_ms,omitempty"`
	ExceptionOccurred  bool       `json:"exception_occurred,omitempty"`
	ExceptionMessage   *string    `json:"exception_message,omitempty"`
	ExceptionTraceback *string    `json:"exception_traceback,omitempty"`
}

type ModLogRecord struct {
	ModCallSequence int        `json:"mod_call_sequence"`
	ModName         string     `json:"mod_name"`
	Message         string     `json:"log_message"`
	Level           LogLevel   `json:"log_level,omitempty"`
	CreatedAt       *Timestamp `json:"created_at,omitempty"`
}

type ActionRecord struct {
	ModCallSequence int            `json:"mod_call_sequence"`
	ActionType      ActionType     `json:"action_type"`
	ActionOrder     int            `json:"action_order"`
	CreatedAt       *Timestamp     `json:"created_at,omitempty"`
	Details         map[string]any `json:"details,omitempty"`

	// AdjustedPrefill fields
	NewPrompt        *string `json:"new_prompt,omitempty"`
	NewLength        *int    `json:"new_length,omitempty"`
	AdjustedMaxSteps *int    `json:"adjusted_max_steps,omitempty"`

	// ForceTokens / ForceOutput fields
	TokenCount    *int    `json:"token_count,omitempty"`
	Tokens        []int   `json:"tokens,omitempty"`
	TokensPreview *string `json:"tokens_preview,omitempty"`

	// Backtrack fields
	BacktrackSteps *int `json:"backtrack_steps,omitempty"`

	// AdjustedLogits fields
	LogitsShape *string  `json:"logits_shape,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`

	// ToolCalls fields
	HasToolCalls *bool           `json:"has_tool_calls,omitempty"`
	ToolCalls    json.RawMessage `json:"tool_calls,omitempty"`

	// EmitError fields
	ErrorMessage *string `json:"error_message,omitempty"`
}

const maxTraceIDLen = 255

// ValidationError marks an ingest payload rejected before persistence.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalidf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Validate rejects payloads with an unusable trace id, unknown enum values or
// positional references outside the sibling arrays of the same payload. A
// payload that fails validation must produce no side effects.
func (p *IngestPayload) Validate() error {
	if p.Trace.TraceID == "" {
		return invalidf("trace_id is required")
	}
	if len(p.Trace.TraceID) > maxTraceIDLen {
		return invalidf("trace_id exceeds %d characters", maxTraceIDLen)
	}
	for i, ev := range p.Events {
		if !ev.EventType.Valid() {
			return invalidf("events[%d]: unknown event_type %q", i, ev.EventType)
		}
		if ev.SequenceOrder < 0 {
			return invalidf("events[%d]: negative sequence_order", i)
		}
	}
	for i, mc := range p.ModCalls {
		if !mc.EventType.Valid() {
			return invalidf("mod_calls[%d]: unknown event_type %q", i, mc.EventType)
		}
		if mc.ModName == "" {
			return invalidf("mod_calls[%d]: mod_name is required", i)
		}
		if mc.EventSequenceOrder < 0 || mc.EventSequenceOrder >= len(p.Events) {
			return invalidf("mod_calls[%d]: invalid event_sequence_order %d", i, mc.EventSequenceOrder)
		}
	}
	for i, ml := range p.ModLogs {
		if !ml.Level.Valid() {
			return invalidf("mod_logs[%d]: unknown log_level %q", i, ml.Level)
		}
		if ml.ModCallSequence < 0 || ml.ModCallSequence >= len(p.ModCalls) {
			return invalidf("mod_logs[%d]: invalid mod_call_sequence %d", i, ml.ModCallSequence)
		}
	}
	for i, a := range p.Actions {
		if !a.ActionType.Valid() {
			return invalidf("actions[%d]: unknown action_type %q", i, a.ActionType)
		}
		if a.ModCallSequence < 0 || a.ModCallSequence >= len(p.ModCalls) {
			return invalidf("actions[%d]: invalid mod_call_sequence %d", i, a.ModCallSequence)
		}
	}
	return nil
}
