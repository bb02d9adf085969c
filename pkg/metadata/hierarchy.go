package metadata

import (
	"fmt"
	"sort"
)

// checkHierarchy verifies every parent exists and inheritance has no cycles.
func (m *Model) checkHierarchy() error {
	for name, cld := range m.classes {
		for _, parent := range cld.Extends {
			if _, ok := m.classes[parent]; !ok {
				return fmt.Errorf("%w: %s extends %s", ErrUnknownClass, name, parent)
			}
		}
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycleFrom func(string) bool
	hasCycleFrom = func(node string) bool {
		visited[node] = true
		recStack[node] = true

		for _, parent := range m.classes[node].Extends {
			if !visited[parent] {
				if hasCycleFrom(parent) {
					return true
				}
			} else if recStack[parent] {
				return true
			}
		}

		recStack[node] = false
		return false
	}

	for _, name := range m.ClassNames() {
		if !visited[name] && hasCycleFrom(name) {
			return fmt.Errorf("%w: inheritance cycle through %s", ErrInvalidModel, name)
		}
	}
	return nil
}

// collectAncestors walks the parents breadth first. The root class is always included.
func (m *Model) collectAncestors(class string) []string {
	seen := map[string]bool{class: true, RootClass: true}
	queue := []string{class}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, parent := range m.classes[current].Extends {
			if !seen[parent] {
				seen[parent] = true
				queue = append(queue, parent)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
