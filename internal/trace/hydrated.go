package trace

import (
	"encoding/json"
	"time"
)

// HydratedTrace is the fully assembled read model for one trace: the trace
// row plus every child record and the derived legacy step projection. It is
// the unit stored in the response cache.
type HydratedTrace struct {
	TraceID       string     `json:"trace_id"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	Model         *string    `json:"model"`
	OwnerKey      *string    `json:"owner_key"`
	IsPublic      bool       `json:"is_public"`
	ShareToken    *string    `json:"share_token"`
	MaxSteps      *int       `json:"max_steps"`
	Prompt        *string    `json:"prompt"`
	ActiveModName *string    `json:"active_mod_name"`
	FinalTokens   []int      `json:"final_tokens"`
	FinalText     *string    `json:"final_text"`
	Tags          []string   `json:"tags"`
	FavoritedBy   []string   `json:"favorited_by"`

	Events   []Event   `json:"events"`
	ModCalls []ModCall `json:"mod_calls"`
	ModLogs  []ModLog  `json:"mod_logs"`
	Actions  []Action  `json:"actions"`

	// Legacy flat projection of Sampled events for older consumers.
	Steps []Step `json:"steps"`
}

type Event struct {
	ID            int64     `json:"id"`
	EventType     string    `json:"event_type"`
	Step          int       `json:"step"`
	SequenceOrder int       `json:"sequence_order"`
	CreatedAt     time.Time `json:"created_at"`

	PromptLength    *int            `json:"prompt_length"`
	MaxSteps        *int            `json:"max_steps"`
	InputText       *string         `json:"input_text"`
	TopTokens       json.RawMessage `json:"top_tokens"`
	SampledToken    *int            `json:"sampled_token"`
	TokenText       *string         `json:"token_text"`
	AddedTokens     []int           `json:"added_tokens"`
	AddedTokenCount *int            `json:"added_token_count"`
	Forced          *bool           `json:"forced"`
}

type ModCall struct {
	ID                int64     `json:"id"`
	EventID           int64     `json:"event_id"`
	ModName           string    `json:"mod_name"`
	EventType         string    `json:"event_type"`
	Step              int       `json:"step"`
	CreatedAt         time.Time `json:"created_at"`
	ExecutionTimeMs   *float64  `json:"execution_time_ms"`
	ExceptionOccurred bool      `json:"exception_occurred"`
	ExceptionMessage  *string   `json:"exception_message"`
}

type ModLog struct {
	ID        int64     `json:"id"`
	ModCallID int64     `json:"mod_call_id"`
	ModName   string    `json:"mod_name"`
	Message   string    `json:"log_message"`
	Level     string    `json:"log_level"`
	CreatedAt time.Time `json:"created_at"`
}

// Action carries its merged payload: the details blob plus any explicit
// fields absent from it, the details key winning on key collision.
type Action struct {
	ID         int64          `json:"action_id"`
	ModCallID  int64          `json:"mod_call_id"`
	ActionType string         `json:"action_type"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Step is the legacy per-step view derived from Sampled events. The sampling
// metadata fields have no current producer and stay empty.
type Step struct {
	StepIndex      int       `json:"step_index"`
	Token          *int      `json:"token"`
	TokenText      *string   `json:"token_text"`
	Forced         bool      `json:"forced"`
	ForcedBy       *string   `json:"forced_by"`
	AdjustedLogits bool      `json:"adjusted_logits"`
	TopK           *int      `json:"top_k"`
	TopP           *float64  `json:"top_p"`
	Temperature    *float64  `json:"temperature"`
	Prob           *float64  `json:"prob"`
	Logprob        *float64  `json:"logprob"`
	Entropy        *float64  `json:"entropy"`
	Flatness       *float64  `json:"flatness"`
	Surprisal      *float64  `json:"surprisal"`
	CumNLL         *float64  `json:"cum_nll"`
	RNGCounter     *int64    `json:"rng_counter"`
	CreatedAt      time.Time `json:"created_at"`
}

// Summary is the slimmed change notification broadcast to live subscribers
// after a successful ingest, and the row shape of the listing endpoint.
type Summary struct {
	TraceID     string     `json:"trace_id"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Model       *string    `json:"model"`
	OwnerKey    *string    `json:"owner_key"`
	FinalText   *string    `json:"final_text"`
	TotalSteps  int64      `json:"total_steps"`
}

// Summary builds the change notification for a hydrated trace. Total steps is
// the highest event step plus one (steps are zero-based).
func (h *HydratedTrace) Summary() Summary {
	var total int64
	for _, ev := range h.Events {
		if int64(ev.Step)+1 > total {
			total = int64(ev.Step) + 1
		}
	}
	return Summary{
		TraceID:     h.TraceID,
		CreatedAt:   h.CreatedAt,
		CompletedAt: h.CompletedAt,
		Model:       h.Model,
		OwnerKey:    h.OwnerKey,
		FinalText:   h.FinalText,
		TotalSteps:  total,
	}
}
