package sorter

import (
	"bytes"
	"container/heap"
)

// mergeCursor performs the k-way merge over spill runs using a min-heap
// keyed on (key, file, row), preserving the stable tie-break the in-memory
// sort uses.
type mergeCursor struct {
	readers []*runReader
	heap    entryHeap
}

func newMergeCursor(paths []string) (*mergeCursor, error) {
	m := &mergeCursor{}

	for _, path := range paths {
		r, err := openRun(path)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.readers = append(m.readers, r)

		entry, ok, err := r.Next()
		if err != nil {
			m.Close()
			return nil, err
		}
		if ok {
			m.heap = append(m.heap, headEntry{entry: entry, source: len(m.readers) - 1})
		}
	}

	heap.Init(&m.heap)
	return m, nil
}

func (m *mergeCursor) Next() (Entry, bool, error) {
	if m.heap.Len() == 0 {
		return Entry{}, false, nil
	}

	head := m.heap[0]
	next, ok, err := m.readers[head.source].Next()
	if err != nil {
		return Entry{}, false, err
	}
	if ok {
		m.heap[0] = headEntry{entry: next, source: head.source}
		heap.Fix(&m.heap, 0)
	} else {
		heap.Pop(&m.heap)
	}

	return head.entry, true, nil
}

func (m *mergeCursor) Close() {
	for _, r := range m.readers {
		r.Close()
	}
}

type headEntry struct {
	entry  Entry
	source int
}

type entryHeap []headEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i].entry, h[j].entry
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	if a.FileIdx != b.FileIdx {
		return a.FileIdx < b.FileIdx
	}
	return a.Row < b.Row
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(headEntry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
