package policy

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/wI2L/jsondiff"
)

// ChangeKind classifies a policy change between two loads.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// Change describes how one policy differs between two loads. Paths are the
// JSON pointers of the modified fields of the policy document.
type Change struct {
	Policy string
	Kind   ChangeKind
	Paths  []string
}

// Diff compares two sets of policies by name. Unchanged policies are
// omitted; the result is sorted by policy name.
func Diff(before, after []Policy) ([]Change, error) {
	old := make(map[string]*Policy, len(before))
	for i := range before {
		old[before[i].Name] = &before[i]
	}

	var changes []Change
	seen := make(map[string]bool, len(after))
	for i := range after {
		p := &after[i]
		seen[p.Name] = true

		prev, ok := old[p.Name]
		if !ok {
			changes = append(changes, Change{Policy: p.Name, Kind: ChangeAdded})
			continue
		}
		patch, err := comparePolicies(prev, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compare policy %q: %w", p.Name, err)
		}
		if len(patch) == 0 {
			continue
		}
		paths := make([]string, len(patch))
		for j, op := range patch {
			paths[j] = op.Path
		}
		changes = append(changes, Change{Policy: p.Name, Kind: ChangeModified, Paths: paths})
	}
	for name := range old {
		if !seen[name] {
			changes = append(changes, Change{Policy: name, Kind: ChangeRemoved})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Policy < changes[j].Policy })
	return changes, nil
}

func comparePolicies(a, b *Policy) (jsondiff.Patch, error) {
	source, err := json.Marshal(Document(a))
	if err != nil {
		return nil, err
	}
	target, err := json.Marshal(Document(b))
	if err != nil {
		return nil, err
	}
	return jsondiff.CompareJSON(source, target)
}
