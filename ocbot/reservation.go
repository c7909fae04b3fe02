package ocbot

import (
	"sync"
	"time"
)

// ReservationStore is a process-local set of event IDs this process has
// committed to replying to. Each reservation expires on its own timer.
type ReservationStore struct {
	entries map[string]*reservationEntry
	mu      sync.Mutex
}

type reservationEntry struct {
	reservedAt time.Time
	expiresAt  time.Time
	timer      *time.Timer
}

func NewReservationStore() *ReservationStore {
	return &ReservationStore{entries: map[string]*reservationEntry{}}
}

// IsReserved returns true if eventID has a live reservation
func (s *ReservationStore) IsReserved(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.entries[eventID]
	return exists
}

// Reserve reserves eventID for ttl. Reserving an ID that's already
// reserved never shortens the reservation: it's kept until the later of
// the existing and the new expiry.
func (s *ReservationStore) Reserve(eventID string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expiresAt := now.Add(ttl)

	if entry, exists := s.entries[eventID]; exists {
		if !expiresAt.After(entry.expiresAt) {
			return
		}
		entry.timer.Stop()
		delete(s.entries, eventID)
	}

	entry := &reservationEntry{reservedAt: now, expiresAt: expiresAt}
	entry.timer = time.AfterFunc(
		ttl, func() {
			s.expire(eventID, entry)
		},
	)
	s.entries[eventID] = entry
}

func (s *ReservationStore) expire(eventID string, entry *reservationEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, exists := s.entries[eventID]; exists && current == entry {
		delete(s.entries, eventID)
	}
}

// Len returns the number of live reservations
func (s *ReservationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
