package cspace

import (
	"encoding/binary"
	"math/bits"
)

// bitTable is a free-slot bitmap kept in bookkeeping memory. A set bit means the slot is free.
type bitTable struct {
	data  []byte
	count int
}

func bitTableBytes(count int) int {
	return ((count + 63) / 64) * 8
}

func newBitTable(data []byte, count int) bitTable {
	table := bitTable{data: data[:bitTableBytes(count)], count: count}
	for i := 0; i < table.words(); i++ {
		word := ^uint64(0)
		if remain := count - i*64; remain < 64 {
			word = (uint64(1) << remain) - 1
		}
		table.setWord(i, word)
	}
	return table
}

func (t bitTable) words() int {
	return len(t.data) / 8
}

func (t bitTable) word(index int) uint64 {
	return binary.LittleEndian.Uint64(t.data[index*8:])
}

func (t bitTable) setWord(index int, value uint64) {
	binary.LittleEndian.PutUint64(t.data[index*8:], value)
}

func (t bitTable) isFree(bit int) bool {
	return t.word(bit/64)&(uint64(1)<<(bit%64)) != 0
}

func (t bitTable) take(bit int) {
	t.setWord(bit/64, t.word(bit/64)&^(uint64(1)<<(bit%64)))
}

func (t bitTable) give(bit int) {
	t.setWord(bit/64, t.word(bit/64)|(uint64(1)<<(bit%64)))
}

// findFree scans for a free bit, starting at the word startWord and wrapping around. It returns
// the index of the bit and the word it was found in.
func (t bitTable) findFree(startWord int) (int, int, bool) {
	words := t.words()
	for i := 0; i < words; i++ {
		index := (startWord + i) % words
		word := t.word(index)
		if word != 0 {
			return index*64 + bits.TrailingZeros64(word), index, true
		}
	}
	return 0, 0, false
}

func (t bitTable) freeCount() int {
	var count int
	for i := 0; i < t.words(); i++ {
		count += bits.OnesCount64(t.word(i))
	}
	return count
}
