package engineproto

import (
	"testing"

	"github.com/clibridge/agentbridge/internal/eventmodel"
)

func TestOpenCodeRunStartedAliases(t *testing.T) {
	for _, typ := range []string{"started", "run_started", "run_start", "Run-Start"} {
		p := NewOpenCodeParser()
		events := p.Push(`{"type":"` + typ + `"}`)
		if len(events) != 1 || events[0].Type != eventmodel.TypeRunStarted {
			t.Fatalf("typ=%q events = %+v", typ, events)
		}
	}
}

func TestOpenCodeTextDeltaFallbackChain(t *testing.T) {
	p := NewOpenCodeParser()
	events := p.Push(`{"type":"text_delta","delta":"partial"}`)
	if len(events) != 1 || events[0].Text != "partial" {
		t.Fatalf("events = %+v", events)
	}

	p2 := NewOpenCodeParser()
	events2 := p2.Push(`{"type":"message_delta","part":{"text":"from part"}}`)
	if len(events2) != 1 || events2[0].Text != "from part" {
		t.Fatalf("events2 = %+v", events2)
	}
}

func TestOpenCodeToolUsePendingIsStart(t *testing.T) {
	p := NewOpenCodeParser()
	events := p.Push(`{"type":"tool_use","part":{"tool":"grep","callId":"c1","state":{"status":"pending"}}}`)
	if len(events) != 1 || events[0].Type != eventmodel.TypeToolStart || events[0].ToolName != "grep" {
		t.Fatalf("events = %+v", events)
	}
}

func TestOpenCodeToolUseCompletedIsEnd(t *testing.T) {
	p := NewOpenCodeParser()
	events := p.Push(`{"type":"tool_use","part":{"tool":"grep","callId":"c1","state":{"status":"completed","output":"3 matches"}}}`)
	if len(events) != 1 || events[0].Type != eventmodel.TypeToolEnd || events[0].Output != "3 matches" {
		t.Fatalf("events = %+v", events)
	}
}

func TestOpenCodeToolStartedPrefixMatch(t *testing.T) {
	p := NewOpenCodeParser()
	events := p.Push(`{"type":"tool_started_v2","toolName":"bash","callId":"c9"}`)
	if len(events) != 1 || events[0].Type != eventmodel.TypeToolStart || events[0].ToolName != "bash" {
		t.Fatalf("events = %+v", events)
	}
}

func TestOpenCodeToolCallPrefixMatchIsEnd(t *testing.T) {
	p := NewOpenCodeParser()
	events := p.Push(`{"type":"tool_call_result","toolName":"bash","callId":"c9","output":"ok"}`)
	if len(events) != 1 || events[0].Type != eventmodel.TypeToolEnd || events[0].Output != "ok" {
		t.Fatalf("events = %+v", events)
	}
}

func TestOpenCodeStepEventsDropped(t *testing.T) {
	p := NewOpenCodeParser()
	if events := p.Push(`{"type":"step_start"}`); events != nil {
		t.Fatalf("expected nil, got %+v", events)
	}
	if events := p.Push(`{"type":"step_finish"}`); events != nil {
		t.Fatalf("expected nil, got %+v", events)
	}
}

func TestOpenCodeRunFinishedAliases(t *testing.T) {
	for _, typ := range []string{"finished", "completed", "run_finished", "run_end"} {
		p := NewOpenCodeParser()
		events := p.Push(`{"type":"` + typ + `","status":"success"}`)
		if len(events) != 1 || events[0].Type != eventmodel.TypeRunFinished || events[0].Status != eventmodel.RunStatusSuccess {
			t.Fatalf("typ=%q events = %+v", typ, events)
		}
	}
}

func TestOpenCodeRunFinishedErrorStatus(t *testing.T) {
	p := NewOpenCodeParser()
	events := p.Push(`{"type":"run_finished","status":"failed"}`)
	if len(events) != 1 || events[0].Status != eventmodel.RunStatusError {
		t.Fatalf("events = %+v", events)
	}
}

func TestOpenCodeFileEvents(t *testing.T) {
	p := NewOpenCodeParser()
	up := p.Push(`{"type":"upload_completed","path":"/tmp/a.txt","name":"a.txt"}`)
	if len(up) != 1 || up[0].Type != eventmodel.TypeFileUploaded || up[0].FileName != "a.txt" {
		t.Fatalf("up = %+v", up)
	}

	down := p.Push(`{"type":"download_completed","path":"/tmp/b.txt","name":"b.txt","url":"http://x/b.txt"}`)
	if len(down) != 1 || down[0].Type != eventmodel.TypeFileDownloaded || down[0].URL != "http://x/b.txt" {
		t.Fatalf("down = %+v", down)
	}
}

func TestOpenCodeMalformedLineCounted(t *testing.T) {
	p := NewOpenCodeParser()
	p.Push(`not json at all`)
	if p.MalformedCount() != 1 {
		t.Fatalf("malformed = %d", p.MalformedCount())
	}
}

// TestParserResilienceScenario verifies S6 from spec.md §8: a malformed line
// interleaved with valid ones must not break the run, and must be counted.
func TestParserResilienceScenario(t *testing.T) {
	p := NewOpenCodeParser()
	var got []eventmodel.Type

	for _, ev := range p.Push(`{"type":"run_started"}`) {
		got = append(got, ev.Type)
	}
	for _, ev := range p.Push(`{bad json`) {
		got = append(got, ev.Type)
	}
	for _, ev := range p.Push(`{"type":"text_delta","text":"ok"}`) {
		got = append(got, ev.Type)
	}
	for _, ev := range p.Finish(eventmodel.RunStatusSuccess) {
		got = append(got, ev.Type)
	}

	want := []eventmodel.Type{eventmodel.TypeRunStarted, eventmodel.TypeTextDelta, eventmodel.TypeRunFinished}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if p.MalformedCount() != 1 {
		t.Fatalf("malformed = %d, want 1", p.MalformedCount())
	}
}
