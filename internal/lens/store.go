package lens

// Store is the registry's index of lenses and short links.
//
// Implementations are not required to be safe for concurrent use; the
// Registry serializes every call.
type Store interface {
	Get(code string) (Lens, bool)
	Put(l Lens)
	Delete(code string)
	// Range visits lenses in insertion order until fn returns false.
	Range(fn func(Lens) bool)
	// ByOwner returns the owner's lenses in insertion order.
	ByOwner(ownerID int64) []Lens
	Len() int

	GetLink(short string) (string, bool)
	PutLink(short, long string)
	DeleteLink(short string)
	RangeLinks(fn func(short, long string) bool)
}

// MemoryStore keeps lenses in insertion order with an owner index.
type MemoryStore struct {
	byCode  map[string]*entry
	order   []string
	owners  map[int64][]string
	links   map[string]string
	linkSeq []string
	dead    int
}

type entry struct {
	lens Lens
	pos  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byCode: make(map[string]*entry),
		owners: make(map[int64][]string),
		links:  make(map[string]string),
	}
}

func (m *MemoryStore) Get(code string) (Lens, bool) {
	e, ok := m.byCode[code]
	if !ok {
		return Lens{}, false
	}
	return e.lens, true
}

func (m *MemoryStore) Put(l Lens) {
	if e, ok := m.byCode[l.Code]; ok {
		if e.lens.OwnerID != l.OwnerID {
			m.removeOwner(e.lens.OwnerID, l.Code)
			m.owners[l.OwnerID] = append(m.owners[l.OwnerID], l.Code)
		}
		e.lens = l
		return
	}
	m.byCode[l.Code] = &entry{lens: l, pos: len(m.order)}
	m.order = append(m.order, l.Code)
	m.owners[l.OwnerID] = append(m.owners[l.OwnerID], l.Code)
}

func (m *MemoryStore) Delete(code string) {
	e, ok := m.byCode[code]
	if !ok {
		return
	}
	delete(m.byCode, code)
	m.order[e.pos] = ""
	m.dead++
	m.removeOwner(e.lens.OwnerID, code)
	if m.dead > 64 && m.dead > len(m.order)/2 {
		m.compact()
	}
}

func (m *MemoryStore) removeOwner(owner int64, code string) {
	codes := m.owners[owner]
	for i, c := range codes {
		if c == code {
			codes = append(codes[:i], codes[i+1:]...)
			break
		}
	}
	if len(codes) == 0 {
		delete(m.owners, owner)
		return
	}
	m.owners[owner] = codes
}

// compact drops tombstones left in order by Delete.
func (m *MemoryStore) compact() {
	order := make([]string, 0, len(m.byCode))
	for _, c := range m.order {
		if c == "" {
			continue
		}
		m.byCode[c].pos = len(order)
		order = append(order, c)
	}
	m.order = order
	m.dead = 0
}

func (m *MemoryStore) Range(fn func(Lens) bool) {
	for _, c := range m.order {
		if c == "" {
			continue
		}
		if !fn(m.byCode[c].lens) {
			return
		}
	}
}

func (m *MemoryStore) ByOwner(ownerID int64) []Lens {
	codes := m.owners[ownerID]
	out := make([]Lens, 0, len(codes))
	for _, c := range codes {
		if e, ok := m.byCode[c]; ok {
			out = append(out, e.lens)
		}
	}
	return out
}

func (m *MemoryStore) Len() int { return len(m.byCode) }

func (m *MemoryStore) GetLink(short string) (string, bool) {
	long, ok := m.links[short]
	return long, ok
}

func (m *MemoryStore) PutLink(short, long string) {
	if _, ok := m.links[short]; !ok {
		m.linkSeq = append(m.linkSeq, short)
	}
	m.links[short] = long
}

func (m *MemoryStore) DeleteLink(short string) {
	if _, ok := m.links[short]; !ok {
		return
	}
	delete(m.links, short)
	for i, s := range m.linkSeq {
		if s == short {
			m.linkSeq = append(m.linkSeq[:i], m.linkSeq[i+1:]...)
			break
		}
	}
}

func (m *MemoryStore) RangeLinks(fn func(short, long string) bool) {
	for _, s := range m.linkSeq {
		if !fn(s, m.links[s]) {
			return
		}
	}
}
