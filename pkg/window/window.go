// Package window implements the sparse, seqno-ordered buffer used on both
// sides of a unicast connection: unacknowledged envelopes on the send side,
// out-of-order arrivals on the receive side.
package window

import (
	"github.com/google/btree"
)

const degree = 16

type item[T any] struct {
	seqno uint64
	value T
}

func less[T any](a, b item[T]) bool {
	return a.seqno < b.seqno
}

// Range is an inclusive run of sequence numbers.
type Range struct {
	From uint64
	To   uint64
}

// Window is not safe for concurrent use. The owning connection guards it
// with its peer lock.
type Window[T any] struct {
	tree *btree.BTreeG[item[T]]
}

func New[T any]() *Window[T] {
	return &Window[T]{tree: btree.NewG[item[T]](degree, less[T])}
}

// Add stores v at seqno, replacing any value already there.
// It reports whether a value was replaced.
func (w *Window[T]) Add(seqno uint64, v T) bool {
	_, replaced := w.tree.ReplaceOrInsert(item[T]{seqno: seqno, value: v})
	return replaced
}

func (w *Window[T]) Get(seqno uint64) (T, bool) {
	it, ok := w.tree.Get(item[T]{seqno: seqno})
	return it.value, ok
}

func (w *Window[T]) Has(seqno uint64) bool {
	return w.tree.Has(item[T]{seqno: seqno})
}

// Remove deletes a single entry (selective removal).
func (w *Window[T]) Remove(seqno uint64) (T, bool) {
	it, ok := w.tree.Delete(item[T]{seqno: seqno})
	return it.value, ok
}

// RemoveUpTo deletes every entry with a seqno <= seqno (cumulative removal)
// and returns how many were removed.
func (w *Window[T]) RemoveUpTo(seqno uint64) int {
	n := 0
	for {
		it, ok := w.tree.Min()
		if !ok || it.seqno > seqno {
			return n
		}
		w.tree.DeleteMin()
		n++
	}
}

// Lowest returns the entry with the smallest seqno.
func (w *Window[T]) Lowest() (uint64, T, bool) {
	it, ok := w.tree.Min()
	return it.seqno, it.value, ok
}

// Highest returns the entry with the largest seqno.
func (w *Window[T]) Highest() (uint64, T, bool) {
	it, ok := w.tree.Max()
	return it.seqno, it.value, ok
}

// Ascend calls fn for every entry in seqno order until fn returns false.
func (w *Window[T]) Ascend(fn func(seqno uint64, v T) bool) {
	w.tree.Ascend(func(it item[T]) bool {
		return fn(it.seqno, it.value)
	})
}

// Missing lists the gaps in [from, to] that have no entry.
func (w *Window[T]) Missing(from, to uint64) []Range {
	if from > to {
		return nil
	}
	var gaps []Range
	next := from
	w.tree.AscendGreaterOrEqual(item[T]{seqno: from}, func(it item[T]) bool {
		if it.seqno > to {
			return false
		}
		if it.seqno > next {
			gaps = append(gaps, Range{From: next, To: it.seqno - 1})
		}
		next = it.seqno + 1
		return true
	})
	if next <= to {
		gaps = append(gaps, Range{From: next, To: to})
	}
	return gaps
}

func (w *Window[T]) Len() int {
	return w.tree.Len()
}

func (w *Window[T]) Clear() {
	w.tree.Clear(false)
}
