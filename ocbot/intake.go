package ocbot

import (
	"sync"
	"time"
)

// IntakeGuard tracks which events are currently being handled by this
// process, so a redelivered event is dropped while the first delivery
// is still in flight.
//
// Entries are removed by EndProcessing, or by a per-entry timer once
// the handling timeout elapses (so a stuck handler can't block an
// event forever).
type IntakeGuard struct {
	timeout time.Duration
	entries map[string]*processingEntry
	mu      sync.Mutex
}

type processingEntry struct {
	startedAt time.Time
	timer     *time.Timer
}

// NewIntakeGuard returns an IntakeGuard whose entries expire after
// the given handling timeout.
func NewIntakeGuard(timeout time.Duration) *IntakeGuard {
	return &IntakeGuard{
		timeout: timeout,
		entries: map[string]*processingEntry{},
	}
}

// TryBeginProcessing marks eventID as in-flight and returns true, or
// returns false if it's already in-flight. A false return means the
// caller must abandon the event without side effects.
func (g *IntakeGuard) TryBeginProcessing(eventID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.entries[eventID]; exists {
		return false
	}

	entry := &processingEntry{startedAt: time.Now()}
	entry.timer = time.AfterFunc(
		g.timeout, func() {
			g.expire(eventID, entry)
		},
	)
	g.entries[eventID] = entry
	return true
}

// EndProcessing releases eventID. Unknown IDs are ignored.
func (g *IntakeGuard) EndProcessing(eventID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	entry, exists := g.entries[eventID]
	if !exists {
		return
	}
	entry.timer.Stop()
	delete(g.entries, eventID)
}

// expire removes the entry only if it's still the one the timer was
// created for. The event may have been released and begun again since.
func (g *IntakeGuard) expire(eventID string, entry *processingEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if current, exists := g.entries[eventID]; exists && current == entry {
		delete(g.entries, eventID)
	}
}

// Processing reports whether eventID is currently in-flight
func (g *IntakeGuard) Processing(eventID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, exists := g.entries[eventID]
	return exists
}

// Len returns the number of in-flight events
func (g *IntakeGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
