package state

import "math/bits"

// TickBitmap is a 64-ary summary tree over populated tick indexes. Bit i of a
// word at level l+1 is set when word i at level l is non-zero, so searches
// walk at most one word per level.
type TickBitmap struct {
	Size   uint32     `json:"size"`
	Levels [][]uint64 `json:"levels"`
}

func NewTickBitmap(size uint32) *TickBitmap {
	b := &TickBitmap{Size: size}
	n := (int(size) + 63) / 64
	if n == 0 {
		n = 1
	}
	for {
		b.Levels = append(b.Levels, make([]uint64, n))
		if n == 1 {
			break
		}
		n = (n + 63) / 64
	}
	return b
}

func (b *TickBitmap) Set(index uint32) {
	i := int(index)
	for l := range b.Levels {
		w, bit := i/64, uint(i%64)
		wasEmpty := b.Levels[l][w] == 0
		b.Levels[l][w] |= 1 << bit
		if !wasEmpty {
			return
		}
		i = w
	}
}

func (b *TickBitmap) Unset(index uint32) {
	i := int(index)
	for l := range b.Levels {
		w, bit := i/64, uint(i%64)
		b.Levels[l][w] &^= 1 << bit
		if b.Levels[l][w] != 0 {
			return
		}
		i = w
	}
}

func (b *TickBitmap) IsSet(index uint32) bool {
	return b.Levels[0][index/64]&(1<<(index%64)) != 0
}

// FindLastSetAtOrBelow returns the highest set index <= index.
func (b *TickBitmap) FindLastSetAtOrBelow(index uint32) (uint32, bool) {
	if index >= b.Size {
		index = b.Size - 1
	}
	i, ok := b.find(0, int(index))
	return uint32(i), ok
}

// Highest returns the highest set index.
func (b *TickBitmap) Highest() (uint32, bool) {
	if b.Size == 0 {
		return 0, false
	}
	return b.FindLastSetAtOrBelow(b.Size - 1)
}

func (b *TickBitmap) find(level, i int) (int, bool) {
	if i < 0 {
		return 0, false
	}
	w, bit := i/64, uint(i%64)
	masked := b.Levels[level][w] & (^uint64(0) >> (63 - bit))
	if masked != 0 {
		return w*64 + 63 - bits.LeadingZeros64(masked), true
	}
	if level == len(b.Levels)-1 {
		return 0, false
	}
	j, ok := b.find(level+1, w-1)
	if !ok {
		return 0, false
	}
	return j*64 + 63 - bits.LeadingZeros64(b.Levels[level][j]), true
}

func (b *TickBitmap) Clone() *TickBitmap {
	c := &TickBitmap{Size: b.Size, Levels: make([][]uint64, len(b.Levels))}
	for l, words := range b.Levels {
		c.Levels[l] = append([]uint64(nil), words...)
	}
	return c
}
