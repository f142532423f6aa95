package trace

import "testing"

func TestEstimatedSizeGrowsWithContent(t *testing.T) {
	empty := &HydratedTrace{TraceID: "t1"}
	base := empty.EstimatedSize()
	if base <= 0 {
		t.Fatalf("expected positive base size, got %d", base)
	}

	withEvents := &HydratedTrace{
		TraceID: "t1",
		Events: []Event{
			{EventType: string(EventSampled), TokenText: strp("hello")},
			{EventType: string(EventSampled), TokenText: strp("world")},
		},
		Steps: []Step{{StepIndex: 0}, {StepIndex: 1}},
	}
	if withEvents.EstimatedSize() <= base {
		t.Fatal("expected events to increase the estimate")
	}

	bigPrompt := &HydratedTrace{TraceID: "t1", Prompt: strp(string(make([]byte, 10_000)))}
	if bigPrompt.EstimatedSize() <= base+5_000 {
		t.Fatalf("expected large prompt to dominate, got %d", bigPrompt.EstimatedSize())
	}
}

func TestEstimatedSizeCountsActionPayload(t *testing.T) {
	small := &HydratedTrace{
		TraceID: "t1",
		Actions: []Action{{ActionType: string(ActionNoop), Payload: map[string]any{}}},
	}
	large := &HydratedTrace{
		TraceID: "t1",
		Actions: []Action{{
			ActionType: string(ActionForceOutput),
			Payload:    map[string]any{"new_prompt": string(make([]byte, 4_096))},
		}},
	}
	if large.EstimatedSize() <= small.EstimatedSize() {
		t.Fatal("expected payload contents to affect the estimate")
	}
}
