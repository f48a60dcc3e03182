package audit

import "reflect"

// ContextDiff records how a node invocation changed the execution context.
type ContextDiff struct {
	Added   map[string]any `json:"added,omitempty"`
	Changed map[string]any `json:"changed,omitempty"`
	Removed []string       `json:"removed,omitempty"`
}

func (d *ContextDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// Diff compares context snapshots key by key. Changed entries record the new
// value; the prior value is recoverable from the preceding entry's diff.
func Diff(before, after map[string]any) *ContextDiff {
	diff := &ContextDiff{
		Added:   make(map[string]any),
		Changed: make(map[string]any),
	}

	for key, afterValue := range after {
		beforeValue, existed := before[key]
		if !existed {
			diff.Added[key] = afterValue

			continue
		}

		if !reflect.DeepEqual(beforeValue, afterValue) {
			diff.Changed[key] = afterValue
		}
	}

	for key := range before {
		if _, exists := after[key]; !exists {
			diff.Removed = append(diff.Removed, key)
		}
	}

	return diff
}
