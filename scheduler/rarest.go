package scheduler

import "container/heap"

// rarestItem is one candidate piece in the rarest-first selection, keyed by
// how many known peers currently hold it.
type rarestItem struct {
	piece int
	count int
	seq   int // insertion order, breaks count ties as "first-encountered"
}

// rarestHeap is a small min-heap over rarestItem, grounded on uber-kraken's
// rarestFirstPolicy (a priority queue keyed by per-piece peer count); that
// implementation lives in an internal kraken package that cannot be
// imported as a dependency, so the same shape is rebuilt here on the
// standard library's container/heap.
type rarestHeap []rarestItem

func (h rarestHeap) Len() int { return len(h) }
func (h rarestHeap) Less(i, j int) bool {
	if h[i].count != h[j].count {
		return h[i].count < h[j].count
	}
	return h[i].seq < h[j].seq
}
func (h rarestHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *rarestHeap) Push(x interface{}) { *h = append(*h, x.(rarestItem)) }
func (h *rarestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// rarestPiece returns the rarest piece among candidates (the missing pieces
// set in the peer's bitfield), breaking ties by first-encountered order
// in candidates. It returns ok=false if candidates is empty.
func rarestPiece(candidates []int, counts []int) (piece int, ok bool) {
	h := make(rarestHeap, 0, len(candidates))
	for seq, p := range candidates {
		h = append(h, rarestItem{piece: p, count: counts[p], seq: seq})
	}
	if len(h) == 0 {
		return 0, false
	}
	heap.Init(&h)
	top := heap.Pop(&h).(rarestItem)
	return top.piece, true
}
