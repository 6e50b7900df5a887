package value

import (
	"fmt"
	"strings"
)

// GetPath navigates a dotted path ("ceo.firstName") through nested Maps
// in the typed Value tree used for rehydration.
func GetPath(root Value, path string) (Value, error) {
	if path == "" {
		return root, nil
	}
	parts := strings.Split(path, ".")
	current := root
	for i, part := range parts {
		m, err := current.AsMap()
		if err != nil {
			return Null(), fmt.Errorf("field %s is not an object, cannot navigate further", strings.Join(parts[:i], "."))
		}
		v, ok := m.Get(part)
		if !ok {
			return Null(), fmt.Errorf("field not found: %s", part)
		}
		current = v
	}
	return current, nil
}

// SetPath writes v at a dotted path, creating intermediate Maps as needed.
// Used during rehydration to place a joined entity's columns into the
// nested shape the plan recorded.
func SetPath(root *Map, path string, v Value) {
	parts := strings.Split(path, ".")
	m := root
	for _, part := range parts[:len(parts)-1] {
		child, ok := m.Get(part)
		if !ok || child.Kind() != KindMap {
			child = FromMap(NewMap())
			m.Set(part, child)
		}
		childMap, _ := child.AsMap()
		m = childMap
	}
	m.Set(parts[len(parts)-1], v)
}
