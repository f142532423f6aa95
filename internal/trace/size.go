package trace

import "encoding/json"

// Per-record averages for fixed-shape child collections. Children are counted
// by average rather than walked field by field, trading precision for speed;
// the cache only needs the recorded sizes to be self-consistent.
const (
	baseOverhead = 256

	eventAvgBytes   = 200
	modCallAvgBytes = 150
	modLogAvgBytes  = 100
	actionAvgBytes  = 300
	stepAvgBytes    = 200

	wordSize = 8
)

// EstimatedSize returns an estimate of the in-memory footprint of the
// hydrated trace in bytes.
func (h *HydratedTrace) EstimatedSize() int {
	size := baseOverhead

	size += len(h.TraceID)
	size += strPtrSize(h.Model)
	size += strPtrSize(h.OwnerKey)
	size += strPtrSize(h.ShareToken)
	size += strPtrSize(h.Prompt)
	size += strPtrSize(h.ActiveModName)
	size += strPtrSize(h.FinalText)

	size += len(h.FinalTokens) * wordSize
	for _, tag := range h.Tags {
		size += len(tag) + wordSize
	}
	for _, name := range h.FavoritedBy {
		size += len(name) + wordSize
	}

	size += len(h.Events) * eventAvgBytes
	size += len(h.ModCalls) * modCallAvgBytes
	size += len(h.ModLogs) * modLogAvgBytes
	size += len(h.Actions) * actionAvgBytes
	size += len(h.Steps) * stepAvgBytes

	// Large dynamic payloads inside children would be badly undercounted by
	// the averages alone, so their variable parts are added on top.
	for i := range h.Events {
		ev := &h.Events[i]
		size += strPtrSize(ev.InputText)
		size += strPtrSize(ev.TokenText)
		size += len(ev.TopTokens)
		size += len(ev.AddedTokens) * wordSize
	}
	for i := range h.ModLogs {
		size += len(h.ModLogs[i].Message)
	}
	for i := range h.Actions {
		size += jsonValueSize(h.Actions[i].Payload)
	}

	return size
}

func strPtrSize(s *string) int {
	if s == nil {
		return 0
	}
	return len(*s)
}

// jsonValueSize walks a decoded JSON value and sums a rough byte count.
func jsonValueSize(v any) int {
	switch val := v.(type) {
	case nil:
		return wordSize
	case bool:
		return wordSize
	case float64, int, int64:
		return 2 * wordSize
	case string:
		return wordSize + len(val)
	case json.RawMessage:
		return wordSize + len(val)
	case []any:
		size := 3 * wordSize
		for _, item := range val {
			size += jsonValueSize(item)
		}
		return size
	case map[string]any:
		size := 6 * wordSize
		for k, item := range val {
			size += len(k) + jsonValueSize(item)
		}
		return size
	default:
		return 2 * wordSize
	}
}
