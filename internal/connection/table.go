package connection

import (
	"sort"
	"sync"
)

// Table holds the live sessions, one per (type, token).
type Table struct {
	mu       sync.Mutex
	entries  map[Type]map[string]Connection
	onChange func()
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries: map[Type]map[string]Connection{
			Management:    {},
			ExtensionHost: {},
		},
	}
}

// SetChangeHandler registers fn to run after every insert or removal.
func (t *Table) SetChangeHandler(fn func()) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// Get returns the session registered for (typ, token).
func (t *Table) Get(typ Type, token string) (Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[typ][token]
	return c, ok
}

// remove deletes the entry for (typ, token) if it still belongs to conn.
func (t *Table) remove(typ Type, token string, conn Connection) {
	t.mu.Lock()
	removed := false
	if cur, ok := t.entries[typ][token]; ok && cur == conn {
		delete(t.entries[typ], token)
		removed = true
	}
	fn := t.onChange
	t.mu.Unlock()

	if removed && fn != nil {
		fn()
	}
}

func (t *Table) changed() {
	t.mu.Lock()
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.entries {
		n += len(m)
	}
	return n
}

// Count returns the number of live sessions of one type.
func (t *Table) Count(typ Type) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[typ])
}

// Snapshot describes every live session, ordered by type then token.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	conns := make([]Connection, 0)
	for _, m := range t.entries {
		for _, c := range m {
			conns = append(conns, c)
		}
	}
	t.mu.Unlock()

	infos := make([]Info, 0, len(conns))
	for _, c := range conns {
		if d, ok := c.(describer); ok {
			infos = append(infos, d.Info())
			continue
		}
		infos = append(infos, Info{ID: c.ID(), Type: c.Type().String(), Token: RedactToken(c.Token())})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Type != infos[j].Type {
			return infos[i].Type > infos[j].Type
		}
		return infos[i].Token < infos[j].Token
	})
	return infos
}

// DisposeAll disposes every live session.
func (t *Table) DisposeAll(reason string) {
	t.mu.Lock()
	var conns []Connection
	for _, m := range t.entries {
		for _, c := range m {
			conns = append(conns, c)
		}
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Dispose(reason)
	}
}
