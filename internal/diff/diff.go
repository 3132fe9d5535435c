// Package diff derives which top-level fields a change record touched.
//
// Only single-level scalar string fields are compared. Nested structures are
// not diffed.
package diff

import "change-events/internal/models"

// ChangedFields returns the names of the fields that differ between the
// before and after images of record, in first-seen order (before keys first).
//
// INSERT reports every after key and REMOVE every before key. MODIFY reports
// keys missing from either side or carrying different values. Records with an
// unknown operation or no images yield an empty, non-nil slice.
func ChangedFields(record models.ChangeRecord) []string {
	switch record.Operation {
	case models.OpInsert:
		return keysOf(record.After)
	case models.OpRemove:
		return keysOf(record.Before)
	case models.OpModify:
		return modified(record.Before, record.After)
	default:
		return []string{}
	}
}

func keysOf(img models.Image) []string {
	keys := newOrderedSet(len(img))
	for _, f := range img {
		keys.add(f.Name)
	}
	return keys.items
}

func modified(before, after models.Image) []string {
	oldValues := before.Map()
	newValues := after.Map()

	keys := newOrderedSet(len(before) + len(after))
	for _, f := range before {
		keys.add(f.Name)
	}
	for _, f := range after {
		keys.add(f.Name)
	}

	changed := make([]string, 0, len(keys.items))
	for _, key := range keys.items {
		oldValue, inOld := oldValues[key]
		newValue, inNew := newValues[key]
		if !inOld || !inNew || oldValue != newValue {
			changed = append(changed, key)
		}
	}
	return changed
}

// orderedSet keeps unique strings in insertion order
type orderedSet struct {
	seen  map[string]struct{}
	items []string
}

func newOrderedSet(capacity int) *orderedSet {
	return &orderedSet{
		seen:  make(map[string]struct{}, capacity),
		items: make([]string, 0, capacity),
	}
}

func (s *orderedSet) add(item string) {
	if _, ok := s.seen[item]; ok {
		return
	}
	s.seen[item] = struct{}{}
	s.items = append(s.items, item)
}
