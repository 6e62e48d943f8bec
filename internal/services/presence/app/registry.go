package server

import (
	"sync"
	"time"
)

// guardianRegistry tracks which sessions currently publish guardian presence.
//
// A record exists exactly while its session has registered at least once and
// has not disconnected. Alias uniqueness and coordinate validity are not
// enforced; the registry stores whatever the client sent.
type guardianRegistry struct {
	mu        sync.Mutex
	bySession map[string]guardianRecord
	order     []string
}

func newGuardianRegistry() *guardianRegistry {
	return &guardianRegistry{
		bySession: make(map[string]guardianRecord),
	}
}

// register inserts or replaces the record for sessionID. A replacement keeps
// the session's original snapshot slot; only removal frees it.
func (r *guardianRegistry) register(sessionID string, userID string, alias string, lat *float64, lng *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bySession[sessionID]; !exists {
		r.order = append(r.order, sessionID)
	}
	r.bySession[sessionID] = guardianRecord{
		SessionID: sessionID,
		UserID:    userID,
		Alias:     alias,
		Lat:       lat,
		Lng:       lng,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// updateLocation refreshes coordinates in place. Sessions without a record
// are ignored rather than failed: a requester may send location frames
// without ever registering as a guardian.
func (r *guardianRegistry) updateLocation(sessionID string, lat float64, lng float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.bySession[sessionID]
	if !ok {
		return false
	}
	record.Lat = &lat
	record.Lng = &lng
	record.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	r.bySession[sessionID] = record
	return true
}

// lookup returns a copy of the record for sessionID when present.
func (r *guardianRegistry) lookup(sessionID string) (guardianRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.bySession[sessionID]
	return record, ok
}

// remove deletes the record for sessionID if present.
func (r *guardianRegistry) remove(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySession[sessionID]; !ok {
		return false
	}
	delete(r.bySession, sessionID)
	for i, id := range r.order {
		if id == sessionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// snapshot copies current records in registration order. The copy is
// detached from the registry, so later mutation never changes a snapshot
// already captured.
func (r *guardianRegistry) snapshot() []guardianRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]guardianRecord, 0, len(r.order))
	for _, id := range r.order {
		records = append(records, r.bySession[id])
	}
	return records
}
