package orchestrator

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// Gap reasons recorded for slots whose task did not succeed.
const (
	ReasonTaskFailed     = "task failed"
	ReasonTaskTimedOut   = "task timed out"
	ReasonTaskUnresolved = "task unresolved"
	ReasonTaskSkipped    = "task skipped"
	ReasonTaskIncomplete = "task did not complete"
)

// Synthesize merges task results into one composite payload keyed by slot.
//
// A slot whose task did not succeed becomes a gap. Two slots that disagree on
// a leaf sub-key become a conflict; both values stay in the composite under
// their own slots and nothing is resolved. The outcome depends only on the
// set of results, never on their order.
func Synthesize(results []TaskResult) (Payload, []Issue) {
	sorted := make([]TaskResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return slotOf(sorted[i]) < slotOf(sorted[j]) })

	composite := Payload{}
	var gaps []Issue
	var filled []string
	flat := make(map[string]flattened, len(sorted))

	for _, r := range sorted {
		slot := slotOf(r)
		if r.Status != TaskSucceeded {
			gaps = append(gaps, Issue{Kind: IssueGap, Slot: slot, Reason: gapReason(r.Status)})
			continue
		}
		out := r.Output
		if out == nil {
			out = Payload{}
		}
		composite[slot] = map[string]any(out.Clone())
		filled = append(filled, slot)
		flat[slot] = flatten(out)
	}

	var conflicts []Issue
	for i := 0; i < len(filled); i++ {
		for j := i + 1; j < len(filled); j++ {
			conflicts = append(conflicts, compareSlots(filled[i], filled[j], flat[filled[i]], flat[filled[j]])...)
		}
	}
	sort.SliceStable(conflicts, func(i, j int) bool {
		a, b := conflicts[i], conflicts[j]
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		if a.SlotA != b.SlotA {
			return a.SlotA < b.SlotA
		}
		return a.SlotB < b.SlotB
	})

	issues := make([]Issue, 0, len(gaps)+len(conflicts))
	issues = append(issues, gaps...)
	issues = append(issues, conflicts...)
	return composite, issues
}

// PassThrough builds the payload of a sequential phase: each succeeded task
// output under its slot, with no issues.
func PassThrough(results []TaskResult) Payload {
	out := Payload{}
	for _, r := range results {
		if r.Status == TaskSucceeded {
			p := r.Output
			if p == nil {
				p = Payload{}
			}
			out[slotOf(r)] = map[string]any(p.Clone())
		}
	}
	return out
}

func slotOf(r TaskResult) string {
	if r.Slot != "" {
		return r.Slot
	}
	return r.ID
}

func gapReason(s TaskStatus) string {
	switch s {
	case TaskFailed:
		return ReasonTaskFailed
	case TaskTimedOut:
		return ReasonTaskTimedOut
	case TaskUnresolved:
		return ReasonTaskUnresolved
	case TaskSkipped:
		return ReasonTaskSkipped
	}
	return ReasonTaskIncomplete
}

// flattened holds the leaf values and interior objects of a payload by
// dotted path. Each segment is escaped with escapeSegment, so a literal
// "a.b" key and a nested a/b pair never share a path.
type flattened struct {
	leaves map[string]any
	nodes  map[string]any
	paths  []string
}

func flatten(p Payload) flattened {
	f := flattened{leaves: map[string]any{}, nodes: map[string]any{}}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			path := escapeSegment(k)
			if prefix != "" {
				path = prefix + "." + path
			}
			if child, ok := asObject(v); ok && len(child) > 0 {
				f.nodes[path] = child
				walk(path, child)
				continue
			}
			f.leaves[path] = v
			f.paths = append(f.paths, path)
		}
	}
	walk("", map[string]any(p))
	sort.Strings(f.paths)
	return f
}

var segmentEscaper = strings.NewReplacer("~", "~0", ".", "~1")

// escapeSegment encodes "~" as "~0" and "." as "~1", in the manner of
// JSON Pointer reference tokens.
func escapeSegment(k string) string {
	return segmentEscaper.Replace(k)
}

// compareSlots reports every path where slots a and b hold different values,
// including a value in one slot against an object in the other.
func compareSlots(slotA, slotB string, a, b flattened) []Issue {
	var issues []Issue
	conflict := func(key string, va, vb any) {
		issues = append(issues, Issue{
			Kind:   IssueConflict,
			SlotA:  slotA,
			SlotB:  slotB,
			Key:    key,
			ValueA: deepCopy(va),
			ValueB: deepCopy(vb),
		})
	}

	for _, path := range a.paths {
		va := a.leaves[path]
		if vb, ok := b.leaves[path]; ok {
			if !sameValue(va, vb) {
				conflict(path, va, vb)
			}
			continue
		}
		if node, ok := b.nodes[path]; ok {
			conflict(path, va, node)
		}
	}
	for _, path := range b.paths {
		if _, ok := a.leaves[path]; ok {
			continue
		}
		if node, ok := a.nodes[path]; ok {
			conflict(path, node, b.leaves[path])
		}
	}
	return issues
}

func asObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Payload:
		return map[string]any(t), true
	}
	return nil, false
}

func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
