package cache

// segmentID identifies which recency list an entry currently lives on.
type segmentID uint8

const (
	segProbation segmentID = iota
	segProtected
)

// nilIdx marks the absence of a neighbor in the intrusive lists.
const nilIdx = -1

// entry is one cache record. Entries live in an arena and link to their
// list neighbors by arena index rather than by pointer, so a record's
// address is stable for the lifetime of its slot.
type entry struct {
	key       string
	value     []byte
	rawSize   int64
	frequency uint32
	segment   segmentID
	prev      int
	next      int
}

// arena stores entries in a slice addressed by stable index. Released
// slots are recycled through a free list before the slice grows.
type arena struct {
	entries []entry
	free    []int
}

func (a *arena) alloc() int {
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		return idx
	}
	a.entries = append(a.entries, entry{})
	return len(a.entries) - 1
}

func (a *arena) release(idx int) {
	a.entries[idx] = entry{prev: nilIdx, next: nilIdx}
	a.free = append(a.free, idx)
}

func (a *arena) at(idx int) *entry {
	return &a.entries[idx]
}

// recencyList is an intrusive doubly-linked list over arena indices,
// ordered from most- to least-recently used. It tracks its entry count
// and resident bytes so segment budgets are O(1) to check.
type recencyList struct {
	arena *arena
	head  int
	tail  int
	count int
	bytes int64
}

func newRecencyList(a *arena) recencyList {
	return recencyList{arena: a, head: nilIdx, tail: nilIdx}
}

func (l *recencyList) pushFront(idx int) {
	e := l.arena.at(idx)
	e.prev = nilIdx
	e.next = l.head
	if l.head != nilIdx {
		l.arena.at(l.head).prev = idx
	}
	l.head = idx
	if l.tail == nilIdx {
		l.tail = idx
	}
	l.count++
	l.bytes += e.rawSize
}

func (l *recencyList) remove(idx int) {
	e := l.arena.at(idx)
	if e.prev != nilIdx {
		l.arena.at(e.prev).next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nilIdx {
		l.arena.at(e.next).prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev = nilIdx
	e.next = nilIdx
	l.count--
	l.bytes -= e.rawSize
}

func (l *recencyList) moveToFront(idx int) {
	if l.head == idx {
		return
	}
	l.remove(idx)
	l.pushFront(idx)
}

// resize adjusts the resident byte accounting when an entry on this list
// is overwritten in place.
func (l *recencyList) resize(idx int, size int64) {
	e := l.arena.at(idx)
	l.bytes += size - e.rawSize
	e.rawSize = size
}

// back returns the least-recently-used index, or nilIdx when empty.
func (l *recencyList) back() int {
	return l.tail
}
