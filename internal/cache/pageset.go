// Package cache keeps a paginated, deduplicated view of items fetched page by
// page and patched by live events.
//
// Pages are stored by page number. Page 1 is the newest batch and each page
// holds its items oldest first. Every key lives on exactly one page: a fetched
// page does not take over keys already held on another page, so live inserts,
// updates and upserts stay visible when an overlapping older page arrives.
// The display list walks pages from the highest number down to 1 and is
// chronological no matter in which order pages or events arrived.
package cache

import (
	"slices"
	"sort"
	"sync"

	"github.com/comigor/chatsync/internal/chat"
)

// Keyed is implemented by cacheable items.
type Keyed interface {
	Key() string
}

// Option configures a PageSet.
type Option[T Keyed] func(*PageSet[T])

// WithMerge sets how an update is combined with the cached item. By default
// the update replaces it.
func WithMerge[T Keyed](merge func(cached, update T) T) Option[T] {
	return func(s *PageSet[T]) { s.merge = merge }
}

// PageSet is safe for concurrent use.
type PageSet[T Keyed] struct {
	mu         sync.RWMutex
	pages      map[int][]T
	totalPages int
	less       func(a, b T) bool
	merge      func(cached, update T) T
}

// New creates an empty PageSet ordered by less (oldest first).
func New[T Keyed](less func(a, b T) bool, opts ...Option[T]) *PageSet[T] {
	s := &PageSet[T]{
		pages: make(map[int][]T),
		less:  less,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPage stores a fetched page, replacing any previous copy of the same page
// number. Items already held on another page stay there and are skipped.
func (s *PageSet[T]) SetPage(p chat.Page[T]) {
	if p.Number < 1 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	held := make(map[string]struct{})
	for n, items := range s.pages {
		if n == p.Number {
			continue
		}
		for _, it := range items {
			held[it.Key()] = struct{}{}
		}
	}
	items := make([]T, 0, len(p.Items))
	for _, it := range p.Items {
		k := it.Key()
		if _, ok := held[k]; ok || containsKey(items, k) {
			continue
		}
		items = append(items, it)
	}
	sort.SliceStable(items, func(i, j int) bool { return s.less(items[i], items[j]) })

	if p.Number == 1 {
		// Live inserts that landed on page 1 before the fetch completed must
		// survive the overwrite.
		for _, it := range s.pages[1] {
			if !containsKey(items, it.Key()) {
				items = insertSorted(items, it, s.less)
			}
		}
	}
	s.pages[p.Number] = items
	if p.TotalPages > s.totalPages || p.Number == 1 {
		s.totalPages = p.TotalPages
	}
}

// Insert adds item to page 1. It is a no-op when the key already exists on any
// page.
func (s *PageSet[T]) Insert(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, _, ok := s.findLocked(item.Key()); ok {
		return false
	}
	s.pages[1] = insertSorted(s.pages[1], item, s.less)
	return true
}

// Update replaces the held copy of item's key. Absence is not an error.
func (s *PageSet[T]) Update(item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, idx, ok := s.findLocked(item.Key())
	if !ok {
		return false
	}
	if s.merge != nil {
		item = s.merge(s.pages[page][idx], item)
	}
	s.pages[page][idx] = item
	return true
}

// Upsert removes every copy of item's key and inserts item into page 1.
func (s *PageSet[T]) Upsert(item T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := item.Key()
	for n, items := range s.pages {
		for i := 0; i < len(items); i++ {
			if items[i].Key() != key {
				continue
			}
			if s.merge != nil {
				item = s.merge(items[i], item)
			}
			items = slices.Delete(items, i, i+1)
			i--
		}
		s.pages[n] = items
	}
	s.pages[1] = insertSorted(s.pages[1], item, s.less)
}

// Delete removes key and returns the item with its page number so the caller
// can Restore it. Deleting a missing key is a no-op.
func (s *PageSet[T]) Delete(key string) (T, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, idx, ok := s.findLocked(key)
	if !ok {
		var zero T
		return zero, 0, false
	}
	removed := s.pages[page][idx]
	s.pages[page] = slices.Delete(s.pages[page], idx, idx+1)
	return removed, page, true
}

// Restore puts back an item removed by Delete. It is a no-op if the key has
// reappeared in the meantime.
func (s *PageSet[T]) Restore(page int, item T) {
	if page < 1 {
		page = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, _, ok := s.findLocked(item.Key()); ok {
		return
	}
	s.pages[page] = insertSorted(s.pages[page], item, s.less)
}

// Get returns the held copy of key.
func (s *PageSet[T]) Get(key string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	page, idx, ok := s.findLocked(key)
	if !ok {
		var zero T
		return zero, false
	}
	return s.pages[page][idx], true
}

// Items returns the merged display list, oldest first.
func (s *PageSet[T]) Items() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var size int
	for _, items := range s.pages {
		size += len(items)
	}
	out := make([]T, 0, size)
	for _, n := range s.pageNumbersLocked() {
		out = append(out, s.pages[n]...)
	}
	// Overlapping offset pages can interleave; keep the list chronological.
	if !sort.SliceIsSorted(out, func(i, j int) bool { return s.less(out[i], out[j]) }) {
		sort.SliceStable(out, func(i, j int) bool { return s.less(out[i], out[j]) })
	}
	return out
}

// Len returns the number of distinct items.
func (s *PageSet[T]) Len() int {
	return len(s.Items())
}

// NextPage returns the next older page number to fetch, if any remain.
func (s *PageSet[T]) NextPage() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.pages) == 0 {
		return 1, true
	}
	highest := 0
	for n := range s.pages {
		highest = max(highest, n)
	}
	if highest >= s.totalPages {
		return 0, false
	}
	return highest + 1, true
}

// Loaded reports whether page n has been fetched.
func (s *PageSet[T]) Loaded(n int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pages[n]
	return ok
}

// Reset drops every page.
func (s *PageSet[T]) Reset() {
	s.mu.Lock()
	s.pages = make(map[int][]T)
	s.totalPages = 0
	s.mu.Unlock()
}

// pageNumbersLocked returns fetched page numbers, oldest page first.
func (s *PageSet[T]) pageNumbersLocked() []int {
	nums := make([]int, 0, len(s.pages))
	for n := range s.pages {
		nums = append(nums, n)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(nums)))
	return nums
}

// findLocked returns the page and index holding key.
func (s *PageSet[T]) findLocked(key string) (int, int, bool) {
	nums := s.pageNumbersLocked()
	slices.Reverse(nums)
	for _, n := range nums {
		for i, it := range s.pages[n] {
			if it.Key() == key {
				return n, i, true
			}
		}
	}
	return 0, 0, false
}

func containsKey[T Keyed](items []T, key string) bool {
	return slices.ContainsFunc(items, func(it T) bool { return it.Key() == key })
}

// insertSorted places item after every element not newer than it.
func insertSorted[T any](items []T, item T, less func(a, b T) bool) []T {
	i := len(items)
	for i > 0 && less(item, items[i-1]) {
		i--
	}
	return slices.Insert(items, i, item)
}
