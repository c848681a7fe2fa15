// Package memory provides an in-memory persistence gateway for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/adnotifier/internal/monitor"
)

// Store implements monitor.Store in memory.
type Store struct {
	mu      sync.RWMutex
	users   map[string]monitor.User
	entries map[string]monitor.MonitoredEntry
}

// NewStore constructs a Store.
func NewStore() *Store {
	return &Store{
		users:   make(map[string]monitor.User),
		entries: make(map[string]monitor.MonitoredEntry),
	}
}

// CreateUser stores a new user.
func (s *Store) CreateUser(_ context.Context, user monitor.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("%w: user %s already exists", monitor.ErrPersistence, user.ID)
	}
	s.users[user.ID] = user
	return nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(_ context.Context, userID string) (monitor.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return monitor.User{}, fmt.Errorf("user %s: %w", userID, monitor.ErrNotFound)
	}
	return user, nil
}

// DeleteUser removes a user and every entry it owns.
func (s *Store) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, monitor.ErrNotFound)
	}
	delete(s.users, userID)
	for id, entry := range s.entries {
		if entry.UserID == userID {
			delete(s.entries, id)
		}
	}
	return nil
}

// CreateEntry stores a new entry for an existing user.
func (s *Store) CreateEntry(_ context.Context, entry monitor.MonitoredEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[entry.UserID]; !ok {
		return fmt.Errorf("user %s: %w", entry.UserID, monitor.ErrNotFound)
	}
	if _, exists := s.entries[entry.ID]; exists {
		return fmt.Errorf("%w: entry %s already exists", monitor.ErrPersistence, entry.ID)
	}
	s.entries[entry.ID] = cloneEntry(entry)
	return nil
}

// GetEntry returns an entry by id.
func (s *Store) GetEntry(_ context.Context, entryID string) (monitor.MonitoredEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return monitor.MonitoredEntry{}, fmt.Errorf("entry %s: %w", entryID, monitor.ErrNotFound)
	}
	return cloneEntry(entry), nil
}

// DeleteEntry removes an entry.
func (s *Store) DeleteEntry(_ context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entryID]; !ok {
		return fmt.Errorf("entry %s: %w", entryID, monitor.ErrNotFound)
	}
	delete(s.entries, entryID)
	return nil
}

// ListAllEntries returns a snapshot of every entry ordered by creation time.
func (s *Store) ListAllEntries(_ context.Context) ([]monitor.MonitoredEntry, error) {
	return s.list(func(monitor.MonitoredEntry) bool { return true }), nil
}

// ListUserEntries returns the entries owned by userID.
func (s *Store) ListUserEntries(_ context.Context, userID string) ([]monitor.MonitoredEntry, error) {
	s.mu.RLock()
	_, ok := s.users[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, monitor.ErrNotFound)
	}
	return s.list(func(e monitor.MonitoredEntry) bool { return e.UserID == userID }), nil
}

// ListUnnotified returns entries whose last change has not been delivered.
func (s *Store) ListUnnotified(_ context.Context) ([]monitor.MonitoredEntry, error) {
	return s.list(monitor.MonitoredEntry.PendingNotification), nil
}

// Commit writes the count, fingerprint and timestamp of entry in one step.
func (s *Store) Commit(_ context.Context, entry monitor.MonitoredEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.entries[entry.ID]
	if !ok {
		return fmt.Errorf("commit entry %s: %w", entry.ID, monitor.ErrNotFound)
	}
	stored.OccurrenceCount = entry.OccurrenceCount
	stored.PageContentHash = entry.PageContentHash
	stored.LastUpdated = entry.LastUpdated
	s.entries[entry.ID] = stored
	return nil
}

// MarkNotified advances the delivery watermark. Unknown ids are ignored.
func (s *Store) MarkNotified(_ context.Context, entryIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range entryIDs {
		entry, ok := s.entries[id]
		if !ok {
			continue
		}
		ts := at
		entry.NotifiedAt = &ts
		s.entries[id] = entry
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func (s *Store) list(keep func(monitor.MonitoredEntry) bool) []monitor.MonitoredEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]monitor.MonitoredEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		if keep(entry) {
			out = append(out, cloneEntry(entry))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func cloneEntry(entry monitor.MonitoredEntry) monitor.MonitoredEntry {
	if entry.NotifiedAt != nil {
		ts := *entry.NotifiedAt
		entry.NotifiedAt = &ts
	}
	return entry
}
