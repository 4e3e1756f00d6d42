package trace

import (
	"bytes"
	"sync"
	"testing"
)

func TestCanonicalTraceStability_ByteForByte(t *testing.T) {
	trace1 := BuildTrace{
		BuildKey: "key-abc",
		Events: []Event{
			{Kind: EventStageCompleted, Stage: "toolchain"},
			{Kind: EventStageStarted, Stage: "source"},
			{Kind: EventStageFailed, Stage: "convert", Reason: "ConversionFailed"},
		},
	}
	trace2 := BuildTrace{
		BuildKey: "key-abc",
		Events: []Event{
			{Kind: EventStageFailed, Stage: "convert", Reason: "ConversionFailed"},
			{Kind: EventStageStarted, Stage: "source"},
			{Kind: EventStageCompleted, Stage: "toolchain"},
		},
	}

	b1, err := trace1.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (1): %v", err)
	}
	b2, err := trace2.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json (2): %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatalf("expected identical bytes\n1=%s\n2=%s", string(b1), string(b2))
	}
}

func TestCanonicalOrdering_FollowsPipelineStages(t *testing.T) {
	tr := BuildTrace{
		BuildKey: "k",
		Events: []Event{
			{Kind: EventStageCompleted, Stage: "artifacts"},
			{Kind: EventStageCompleted, Stage: "source", Reason: "Pinned"},
			{Kind: EventCacheHit, Stage: "toolchain"},
			{Kind: EventStageStarted, Stage: "source"},
			{Kind: EventStageStarted, Stage: "toolchain"},
		},
	}
	b, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	expected := `{"buildKey":"k","events":[` +
		`{"kind":"StageStarted","stage":"source"},` +
		`{"kind":"StageCompleted","stage":"source","reason":"Pinned"},` +
		`{"kind":"StageStarted","stage":"toolchain"},` +
		`{"kind":"CacheHit","stage":"toolchain"},` +
		`{"kind":"StageCompleted","stage":"artifacts"}]}`
	if string(b) != expected {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected, string(b))
	}
}

func TestHash_IgnoresInsertionOrder(t *testing.T) {
	tr1 := BuildTrace{BuildKey: "k", Events: []Event{
		{Kind: EventStageCompleted, Stage: "convert"},
		{Kind: EventStageCompleted, Stage: "interface"},
	}}
	tr2 := BuildTrace{BuildKey: "k", Events: []Event{
		{Kind: EventStageCompleted, Stage: "interface"},
		{Kind: EventStageCompleted, Stage: "convert"},
	}}

	h1, err := tr1.Hash()
	if err != nil {
		t.Fatalf("hash (1): %v", err)
	}
	h2, err := tr2.Hash()
	if err != nil {
		t.Fatalf("hash (2): %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected equal hash, got %q != %q", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected sha256 hex, got %q", h1)
	}
}

func TestEventArtifacts_SortedAndOmittedWhenEmpty(t *testing.T) {
	tr := BuildTrace{BuildKey: "k", Events: []Event{
		{Kind: EventStageCompleted, Stage: "artifacts", Artifacts: []string{"metadata.json", "lib.wasm"}},
		{Kind: EventStageStarted, Stage: "artifacts", Artifacts: []string{}},
	}}
	b, err := tr.CanonicalJSON()
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	expected := `{"buildKey":"k","events":[{"kind":"StageStarted","stage":"artifacts"},{"kind":"StageCompleted","stage":"artifacts","artifacts":["lib.wasm","metadata.json"]}]}`
	if string(b) != expected {
		t.Fatalf("unexpected canonical bytes\nexpected=%s\nactual  =%s", expected, string(b))
	}
}

func TestValidate_RejectsIncompleteTraces(t *testing.T) {
	if _, err := (BuildTrace{}).CanonicalJSON(); err == nil {
		t.Fatal("expected error for missing build key")
	}
	if _, err := (BuildTrace{BuildKey: "k", Events: []Event{{Kind: EventStageStarted}}}).CanonicalJSON(); err == nil {
		t.Fatal("expected error for missing stage")
	}
}

type panicSink struct{}

func (panicSink) Record(Event) { panic("boom") }

func TestSafeRecord_SwallowsPanics(t *testing.T) {
	SafeRecord(panicSink{}, Event{Kind: EventStageStarted, Stage: "source"})
	SafeRecord(nil, Event{Kind: EventStageStarted, Stage: "source"})
}

func TestRecorder_Concurrent(t *testing.T) {
	r := NewRecorder()
	var wg sync.WaitGroup
	for _, stage := range []string{"source", "interface", "toolchain", "convert"} {
		wg.Add(1)
		go func(stage string) {
			defer wg.Done()
			r.Record(Event{Kind: EventStageCompleted, Stage: stage})
		}(stage)
	}
	wg.Wait()

	tr := r.Trace("k")
	if len(tr.Events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(tr.Events))
	}
	if tr.Events[0].Stage != "source" || tr.Events[3].Stage != "convert" {
		t.Fatalf("events not in stage order: %+v", tr.Events)
	}
}
