package utspace

import "github.com/dolthub/swiss"

// freeList holds the base addresses of the free blocks of one size class. The slice gives a
// stable allocation order; the index makes removal of an arbitrary block constant time.
type freeList struct {
	addrs []uint64
	index *swiss.Map[uint64, int]
}

func newFreeList() freeList {
	return freeList{index: swiss.NewMap[uint64, int](4)}
}

func (l *freeList) len() int {
	return len(l.addrs)
}

func (l *freeList) contains(addr uint64) bool {
	_, ok := l.index.Get(addr)
	return ok
}

func (l *freeList) push(addr uint64) {
	l.index.Put(addr, len(l.addrs))
	l.addrs = append(l.addrs, addr)
}

func (l *freeList) pop() uint64 {
	addr := l.addrs[len(l.addrs)-1]
	l.addrs = l.addrs[:len(l.addrs)-1]
	l.index.Delete(addr)
	return addr
}

func (l *freeList) remove(addr uint64) bool {
	position, ok := l.index.Get(addr)
	if !ok {
		return false
	}

	last := len(l.addrs) - 1
	if position != last {
		moved := l.addrs[last]
		l.addrs[position] = moved
		l.index.Put(moved, position)
	}
	l.addrs = l.addrs[:last]
	l.index.Delete(addr)
	return true
}
