package resource

// Ledger is a bounded map that forgets its oldest entries first. It records
// ids of resources that went away, long enough to absorb events handled out
// of order. It is not safe for concurrent use; callers hold their own lock.
type Ledger[V any] struct {
	limit   int
	entries map[string]V
	order   []string
}

// NewLedger returns a ledger holding at most limit entries.
func NewLedger[V any](limit int) *Ledger[V] {
	if limit < 1 {
		limit = 1
	}
	return &Ledger[V]{
		limit:   limit,
		entries: make(map[string]V),
	}
}

// Get returns the entry for id.
func (l *Ledger[V]) Get(id string) (V, bool) {
	v, ok := l.entries[id]
	return v, ok
}

// Has reports whether id is recorded.
func (l *Ledger[V]) Has(id string) bool {
	_, ok := l.entries[id]
	return ok
}

// Set records v under id. A new id evicts the oldest entries beyond the
// limit; updating an existing id keeps its position.
func (l *Ledger[V]) Set(id string, v V) {
	if _, ok := l.entries[id]; ok {
		l.entries[id] = v
		return
	}
	l.entries[id] = v
	l.order = append(l.order, id)

	for len(l.entries) > l.limit {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.entries, oldest)
	}
}

// Delete forgets id.
func (l *Ledger[V]) Delete(id string) {
	if _, ok := l.entries[id]; !ok {
		return
	}
	delete(l.entries, id)
	for i, o := range l.order {
		if o == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Range calls fn for every entry, oldest first, until fn returns false.
func (l *Ledger[V]) Range(fn func(id string, v V) bool) {
	for _, id := range l.order {
		if !fn(id, l.entries[id]) {
			return
		}
	}
}

// Len returns the number of entries.
func (l *Ledger[V]) Len() int { return len(l.entries) }
