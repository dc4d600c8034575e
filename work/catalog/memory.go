package catalog

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Memory is a catalog held in memory. It is used for static setups and
// tests.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	children map[string][]string
	revision int64
}

// NewMemory creates a catalog holding only the root container.
func NewMemory() *Memory {
	m := &Memory{
		entries:  make(map[string]Entry),
		children: make(map[string][]string),
	}
	m.entries[RootPath] = Entry{Path: RootPath, Title: "Root", Type: containerType}
	return m
}

// Add inserts or replaces entries. Missing parent containers are created.
func (m *Memory) Add(entries ...Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		e.Path = Clean(e.Path)
		e.Parent = ParentOf(e.Path)
		m.ensureContainer(e.Parent)

		if _, ok := m.entries[e.Path]; !ok {
			m.children[e.Parent] = append(m.children[e.Parent], e.Path)
		}
		m.entries[e.Path] = e
	}
	m.revision++
}

func (m *Memory) ensureContainer(p string) {
	if p == "" {
		return
	}
	if _, ok := m.entries[p]; ok {
		return
	}
	parent := ParentOf(p)
	m.ensureContainer(parent)
	m.entries[p] = Entry{Path: p, Parent: parent, Title: baseName(p), Type: containerType}
	m.children[parent] = append(m.children[parent], p)
}

// Remove deletes an entry and everything below it.
func (m *Memory) Remove(p string) {
	p = Clean(p)
	if p == RootPath {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[p]
	if !ok {
		return
	}
	for path := range m.entries {
		if path == p || isBelow(path, p) {
			delete(m.entries, path)
			delete(m.children, path)
		}
	}
	m.children[e.Parent] = slices.DeleteFunc(m.children[e.Parent], func(c string) bool { return c == p })
	m.revision++
}

// Revision increases on every change.
func (m *Memory) Revision(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.revision, nil
}

func (m *Memory) ListChildren(_ context.Context, p string, start, count int) ([]Entry, int, error) {
	p = Clean(p)

	m.mu.RLock()
	defer m.mu.RUnlock()

	parent, ok := m.entries[p]
	if !ok {
		return nil, 0, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	if !parent.IsContainer() {
		return nil, 0, nil
	}

	all := make([]Entry, 0, len(m.children[p]))
	for _, c := range m.children[p] {
		all = append(all, m.entries[c])
	}
	slices.SortFunc(all, compareEntries)
	return page(all, start, count), len(all), nil
}

func (m *Memory) GetItem(_ context.Context, p string) (Entry, error) {
	p = Clean(p)

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[p]
	if !ok {
		return Entry{}, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return e, nil
}

func (m *Memory) Search(_ context.Context, p string, match Match, start, count int) ([]Entry, int, error) {
	p = Clean(p)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.entries[p]; !ok {
		return nil, 0, fmt.Errorf("%s: %w", p, ErrNotFound)
	}

	var all []Entry
	for path, e := range m.entries {
		if isBelow(path, p) && (match == nil || match(e)) {
			all = append(all, e)
		}
	}
	slices.SortFunc(all, compareEntries)
	return page(all, start, count), len(all), nil
}
