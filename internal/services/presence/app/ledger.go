package server

import (
	"sync"
	"time"
)

// submitOutcome reports how the ledger handled a help request submission.
type submitOutcome int

const (
	// submitCreated means no entry existed and one was created unassigned.
	submitCreated submitOutcome = iota
	// submitUpdated means an unassigned entry existed and its payload was replaced.
	submitUpdated
	// submitSuppressed means the entry already has a responder; the payload
	// was discarded and nothing should be broadcast.
	submitSuppressed
)

// assignResult reports the outcome of one accept attempt.
type assignResult int

const (
	// assignNoSuchRequest means no entry exists for the requester.
	assignNoSuchRequest assignResult = iota
	// assignAlreadyTaken means an earlier accept won; the winner's session id
	// accompanies the result. A guardian accepting twice also lands here.
	assignAlreadyTaken
	// assignWon means the caller's guardian is now the entry's responder.
	assignWon
)

// helpRequestEntry is one requester's outstanding help request.
type helpRequestEntry struct {
	requesterSessionID string
	lat                *float64
	lng                *float64
	assignedGuardianID string
	createdAt          time.Time
}

// helpRequestLedger holds at most one help request entry per requester
// session. The assignment field only ever moves from empty to set; the sole
// removal path is withdraw on requester disconnect. There is no completion
// transition: an assigned entry outlives the help itself until the requester
// disconnects.
type helpRequestLedger struct {
	mu          sync.Mutex
	byRequester map[string]helpRequestEntry
}

func newHelpRequestLedger() *helpRequestLedger {
	return &helpRequestLedger{
		byRequester: make(map[string]helpRequestEntry),
	}
}

// submit records or refreshes the requester's entry. Assigned entries are
// immutable: the new payload is dropped so a closed request cannot reopen
// broadcasting.
func (l *helpRequestLedger) submit(requesterSessionID string, lat *float64, lng *float64) (helpRequestEntry, submitOutcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.byRequester[requesterSessionID]
	if exists && entry.assignedGuardianID != "" {
		return entry, submitSuppressed
	}

	outcome := submitCreated
	if exists {
		outcome = submitUpdated
	}
	entry = helpRequestEntry{
		requesterSessionID: requesterSessionID,
		lat:                lat,
		lng:                lng,
		createdAt:          time.Now().UTC(),
	}
	l.byRequester[requesterSessionID] = entry
	return entry, outcome
}

// tryAssign is the only mutation path for the assignment field. The check
// and the write share one critical section, so of any number of concurrent
// accepts for the same requester exactly one observes the entry unassigned.
func (l *helpRequestLedger) tryAssign(requesterSessionID string, candidateGuardianID string) (assignResult, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.byRequester[requesterSessionID]
	if !exists {
		return assignNoSuchRequest, ""
	}
	if entry.assignedGuardianID != "" {
		return assignAlreadyTaken, entry.assignedGuardianID
	}
	entry.assignedGuardianID = candidateGuardianID
	l.byRequester[requesterSessionID] = entry
	return assignWon, candidateGuardianID
}

// withdraw removes and returns the requester's entry. Used only on
// disconnect.
func (l *helpRequestLedger) withdraw(requesterSessionID string) (helpRequestEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.byRequester[requesterSessionID]
	if !exists {
		return helpRequestEntry{}, false
	}
	delete(l.byRequester, requesterSessionID)
	return entry, true
}

// lookup returns a copy of the requester's entry when present.
func (l *helpRequestLedger) lookup(requesterSessionID string) (helpRequestEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.byRequester[requesterSessionID]
	return entry, exists
}
