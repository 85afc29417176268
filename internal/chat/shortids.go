package chat

import "sync"

// shortIDBook maps turn and message ids to small sequential integers, scoped
// per persona. History lines surface the short form so a reply directive can
// name a line without spending tokens on a full id; the book resolves the
// parsed number back to the real id.
type shortIDBook struct {
	mu   sync.Mutex
	maps map[string]*shortIDMap
}

type shortIDMap struct {
	toShort map[string]int
	toReal  map[int]string
	next    int
}

func newShortIDBook() *shortIDBook {
	return &shortIDBook{maps: make(map[string]*shortIDMap)}
}

// Short returns the persona-scoped short id for realID, assigning the next
// sequential number on first sight. Ids are stable for the process lifetime.
func (b *shortIDBook) Short(persona, realID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.maps[persona]
	if m == nil {
		m = &shortIDMap{
			toShort: make(map[string]int),
			toReal:  make(map[int]string),
			next:    1,
		}
		b.maps[persona] = m
	}
	if short, ok := m.toShort[realID]; ok {
		return short
	}
	short := m.next
	m.next++
	m.toShort[realID] = short
	m.toReal[short] = realID
	return short
}

// Real resolves a short id back to the id it was assigned for.
func (b *shortIDBook) Real(persona string, short int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.maps[persona]
	if m == nil {
		return "", false
	}
	realID, ok := m.toReal[short]
	return realID, ok
}
