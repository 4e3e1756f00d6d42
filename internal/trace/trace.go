// Package trace records what a build pipeline did as a canonical, hashable
// document.
package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"fluentbuilder/internal/core"
)

// BuildTrace is the canonical record of one compile or verify run.
//
// Invariants:
//   - BuildKey identifies the build inputs (source tree, settings, toolchain pin).
//   - Events carry logical transitions only: no timestamps, durations,
//     invocation ids or host paths.
//   - Canonical order is pipeline stage order, not wall-clock order, so two
//     runs over the same inputs produce the same bytes.
type BuildTrace struct {
	BuildKey string
	Events   []Event
}

// EventKind is the stable discriminator of Event. The string values are part
// of the canonical bytes; do not rename.
type EventKind string

const (
	EventStageStarted   EventKind = "StageStarted"
	EventCacheHit       EventKind = "CacheHit"
	EventStageCompleted EventKind = "StageCompleted"
	EventStageFailed    EventKind = "StageFailed"
)

// Event is a single logical transition of a pipeline stage.
type Event struct {
	Kind EventKind

	// Stage is the pipeline stage name (config, source, interface, ...).
	Stage string

	// Reason is a stable code: the taxonomy kind for failures, "Pinned" or
	// "Snapshot" for source resolution.
	Reason string

	// Artifacts lists produced artifact names, sorted on output.
	Artifacts []string
}

// stageOrder is the canonical position of each pipeline stage.
var stageOrder = map[string]int{
	"config":    10,
	"source":    20,
	"interface": 30,
	"toolchain": 40,
	"convert":   50,
	"artifacts": 60,
	"reference": 70,
	"compare":   80,
}

func kindOrder(k EventKind) int {
	switch k {
	case EventStageStarted:
		return 10
	case EventCacheHit:
		return 20
	case EventStageCompleted:
		return 30
	case EventStageFailed:
		return 40
	default:
		return 1000
	}
}

func stageRank(s string) int {
	if r, ok := stageOrder[s]; ok {
		return r
	}
	return 1000
}

// Validate checks basic invariants and returns a descriptive error.
func (t *BuildTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.BuildKey == "" {
		return errors.New("buildKey is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Stage == "" {
			return fmt.Errorf("events[%d].stage is required", i)
		}
		for j, a := range e.Artifacts {
			if a == "" {
				return fmt.Errorf("events[%d].artifacts[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize sorts artifacts within each event and events by
// (stage, kind, reason, artifacts). Empty artifact lists become nil.
func (t *BuildTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Artifacts) == 0 {
			t.Events[i].Artifacts = nil
			continue
		}
		art := make([]string, len(t.Events[i].Artifacts))
		copy(art, t.Events[i].Artifacts)
		sort.Strings(art)
		t.Events[i].Artifacts = art
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if stageRank(a.Stage) != stageRank(b.Stage) {
			return stageRank(a.Stage) < stageRank(b.Stage)
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		return compareStringSlices(a.Artifacts, b.Artifacts)
	})
}

func compareStringSlices(a, b []string) bool {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical JSON encoding of a canonicalized copy
// of the trace.
func (t BuildTrace) CanonicalJSON() ([]byte, error) {
	c := BuildTrace{BuildKey: t.BuildKey, Events: make([]Event, len(t.Events))}
	copy(c.Events, t.Events)
	c.Canonicalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&c)
}

// Hash returns the sha256 hex of the canonical JSON bytes.
func (t BuildTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return core.HashBytes(b), nil
}

// MarshalJSON fixes the field order.
func (t BuildTrace) MarshalJSON() ([]byte, error) {
	if t.BuildKey == "" {
		return nil, errors.New("buildKey is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"buildKey":`)
	kb, _ := json.Marshal(t.BuildKey)
	buf.Write(kb)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes the field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var artifacts []string
	if len(e.Artifacts) > 0 {
		artifacts = append([]string(nil), e.Artifacts...)
		sort.Strings(artifacts)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)

	buf.WriteString(`,"stage":`)
	sb, _ := json.Marshal(e.Stage)
	buf.Write(sb)

	if e.Reason != "" {
		buf.WriteString(`,"reason":`)
		rb, _ := json.Marshal(e.Reason)
		buf.Write(rb)
	}

	if len(artifacts) > 0 {
		buf.WriteString(`,"artifacts":`)
		ab, _ := json.Marshal(artifacts)
		buf.Write(ab)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
