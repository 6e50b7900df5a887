package typesys

// TopologicalOrder returns entity names ordered so that every entity named
// by another entity's reference fields appears before it. This lets
// LayoutMapper and the migration planner assign table layouts to
// referenced entities before the entities that point at them.
//
// Cycle detection uses two sets, rather than a single "visited" set: an
// "assumption" set of names currently on the walk's call stack, and a
// "done" set of names fully resolved. Hitting a name that is in the
// assumption set (not just previously seen) means the reference graph
// closes a loop back on itself.
func (ts *TypeSystem) TopologicalOrder() ([]string, error) {
	var order []string
	assumption := make(map[string]bool)
	done := make(map[string]bool)

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		if done[name] {
			return nil
		}
		if assumption[name] {
			return ErrCycleDetected(append(append([]string{}, path...), name))
		}
		e, ok := ts.entities[name]
		if !ok {
			return ErrNoSuchType(name)
		}
		assumption[name] = true
		nextPath := append(path, name)
		for _, f := range e.Fields() {
			for _, ref := range referencedEntities(f.Type) {
				if ref == name {
					continue // self-reference is not a cycle, just recursion within one table
				}
				if err := visit(ref, nextPath); err != nil {
					return err
				}
			}
		}
		delete(assumption, name)
		done[name] = true
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(ts.entities))
	for name := range ts.entities {
		names = append(names, name)
	}
	sortStrings(names)

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// referencedEntities extracts entity names reachable through t, unwrapping
// Array and Optional layers (a field of type Array<Optional<Foo>> still
// references Foo).
func referencedEntities(t FieldType) []string {
	switch t.Tag {
	case TagEntityRef:
		return []string{t.EntityRef}
	case TagArray, TagOptional:
		return referencedEntities(*t.Inner)
	default:
		return nil
	}
}
