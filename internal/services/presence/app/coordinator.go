package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tpflaum/Guardian/internal/services/presence/storage"
)

// frameWriter delivers one frame to a single connected session.
type frameWriter interface {
	writeFrame(frame wsFrame) error
}

// coordinator is the assignment state machine. Every inbound event mutates
// the registry and ledger under one mutex and pairs the mutation with the
// broadcasts that keep connected views consistent, so a client can derive
// the full world state purely by replaying frames.
//
// Handlers never block on another session: outbound targets are collected
// under the lock and written after it is released.
type coordinator struct {
	registry *guardianRegistry
	ledger   *helpRequestLedger
	journal  storage.Journal

	mu    sync.Mutex
	peers map[string]frameWriter
	users map[string]string
}

func newCoordinator(journal storage.Journal) *coordinator {
	return &coordinator{
		registry: newGuardianRegistry(),
		ledger:   newHelpRequestLedger(),
		journal:  journal,
		peers:    make(map[string]frameWriter),
		users:    make(map[string]string),
	}
}

// delivery is one outbound frame bound to its target writers.
type delivery struct {
	targets []frameWriter
	frame   wsFrame
}

func (d delivery) send() {
	for _, target := range d.targets {
		if err := target.writeFrame(d.frame); err != nil {
			log.Printf("presence: deliver %s frame: %v", d.frame.Type, err)
		}
	}
}

// attach registers a newly connected session and hands it the welcome frame
// plus the initial guardian snapshot before any broadcast can reach it.
func (c *coordinator) attach(sessionID string, userID string, peer frameWriter) {
	c.mu.Lock()
	c.peers[sessionID] = peer
	if userID != "" {
		c.users[sessionID] = userID
	}
	snapshot := c.registry.snapshot()
	c.mu.Unlock()

	welcome := delivery{
		targets: []frameWriter{peer},
		frame: wsFrame{
			Type: frameWelcome,
			Payload: mustJSON(welcomePayload{
				SessionID:  sessionID,
				ServerTime: time.Now().UTC().Format(time.RFC3339),
			}),
		},
	}
	welcome.send()
	initial := delivery{
		targets: []frameWriter{peer},
		frame:   wsFrame{Type: frameGuardianList, Payload: mustJSON(guardianListPayload{Guardians: snapshot})},
	}
	initial.send()
}

// registerGuardian inserts or replaces the session's presence record and
// republishes the guardian snapshot to everyone.
func (c *coordinator) registerGuardian(sessionID string, payload registerPayload) {
	c.mu.Lock()
	c.registry.register(sessionID, c.users[sessionID], payload.Alias, payload.Lat, payload.Lng)
	out := c.snapshotBroadcastLocked()
	c.mu.Unlock()

	out.send()
}

// updateLocation refreshes a registered guardian's coordinates. Unregistered
// sessions are ignored without a snapshot refresh, matching the policy that
// a stray location frame is not an error.
func (c *coordinator) updateLocation(sessionID string, payload locationPayload) {
	c.mu.Lock()
	updated := c.registry.updateLocation(sessionID, payload.Lat, payload.Lng)
	var out delivery
	if updated {
		out = c.snapshotBroadcastLocked()
	}
	c.mu.Unlock()

	if updated {
		out.send()
	}
}

// requestHelp records the help request and broadcasts it unless the entry
// already has a responder, in which case the frame is suppressed entirely.
func (c *coordinator) requestHelp(sessionID string, payload requestHelpPayload) {
	c.mu.Lock()
	entry, outcome := c.ledger.submit(sessionID, payload.Lat, payload.Lng)
	var out delivery
	if outcome != submitSuppressed {
		out = delivery{
			targets: c.broadcastTargetsLocked(),
			frame: wsFrame{
				Type: frameHelpRequest,
				Payload: mustJSON(helpRequestPayload{
					RequesterSessionID: sessionID,
					Lat:                entry.lat,
					Lng:                entry.lng,
					RequestedAt:        entry.createdAt.Format(time.RFC3339),
				}),
			},
		}
	}
	c.mu.Unlock()

	if outcome == submitSuppressed {
		return
	}
	out.send()
	c.record(storage.JournalEvent{
		Kind:               storage.EventHelpRequested,
		RequesterSessionID: sessionID,
		Lat:                entry.lat,
		Lng:                entry.lng,
		OccurredAt:         entry.createdAt,
	})
}

// acceptHelp runs one accept attempt for guardianSessionID against the
// requester's entry. Exactly one concurrent accept can win; losers get a
// targeted helpAlreadyAssigned naming the winner.
func (c *coordinator) acceptHelp(guardianSessionID string, payload acceptHelpPayload) {
	requesterID := payload.RequesterSessionID
	if requesterID == "" {
		return
	}

	c.mu.Lock()
	result, assignedID := c.ledger.tryAssign(requesterID, guardianSessionID)
	var out []delivery
	switch result {
	case assignNoSuchRequest, assignAlreadyTaken:
		if peer, ok := c.peers[guardianSessionID]; ok {
			body := helpAlreadyAssignedPayload{RequesterSessionID: requesterID}
			if result == assignAlreadyTaken {
				body.AssignedGuardianSessionID = assignedID
			}
			out = append(out, delivery{
				targets: []frameWriter{peer},
				frame:   wsFrame{Type: frameHelpAlreadyAssigned, Payload: mustJSON(body)},
			})
		}
	case assignWon:
		var guardian *guardianRecord
		if record, ok := c.registry.lookup(guardianSessionID); ok {
			guardian = &record
		}
		if peer, ok := c.peers[requesterID]; ok {
			out = append(out, delivery{
				targets: []frameWriter{peer},
				frame: wsFrame{
					Type: frameHelpAccepted,
					Payload: mustJSON(helpAcceptedPayload{
						GuardianSessionID: guardianSessionID,
						Guardian:          guardian,
					}),
				},
			})
		}
		out = append(out, delivery{
			targets: c.broadcastTargetsLocked(),
			frame: wsFrame{
				Type: frameHelpAssigned,
				Payload: mustJSON(helpAssignedPayload{
					RequesterSessionID: requesterID,
					GuardianSessionID:  guardianSessionID,
					Guardian:           guardian,
				}),
			},
		})
	}
	c.mu.Unlock()

	for _, d := range out {
		d.send()
	}
	if result == assignWon {
		c.record(storage.JournalEvent{
			Kind:               storage.EventHelpAssigned,
			RequesterSessionID: requesterID,
			GuardianSessionID:  guardianSessionID,
			OccurredAt:         time.Now().UTC(),
		})
	}
}

// disconnect clears the session's registry and ledger presence. Both steps
// are no-ops for sessions that never held either, but the snapshot refresh
// fires regardless. An assigned guardian disappearing does not reopen or
// reassign entries naming it; those keep the stale id until their requester
// disconnects.
func (c *coordinator) disconnect(sessionID string) {
	c.mu.Lock()
	delete(c.peers, sessionID)
	delete(c.users, sessionID)
	c.registry.remove(sessionID)
	out := []delivery{c.snapshotBroadcastLocked()}
	entry, withdrawn := c.ledger.withdraw(sessionID)
	if withdrawn {
		out = append(out, delivery{
			targets: c.broadcastTargetsLocked(),
			frame:   wsFrame{Type: frameHelpWithdrawn, Payload: mustJSON(helpWithdrawnPayload{RequesterSessionID: sessionID})},
		})
	}
	c.mu.Unlock()

	for _, d := range out {
		d.send()
	}
	if withdrawn {
		c.record(storage.JournalEvent{
			Kind:               storage.EventHelpWithdrawn,
			RequesterSessionID: sessionID,
			GuardianSessionID:  entry.assignedGuardianID,
			OccurredAt:         time.Now().UTC(),
		})
	}
}

// snapshotBroadcastLocked captures the registry snapshot and all connected
// peers in one step so the published list always matches the mutation that
// triggered it. Callers must hold the coordinator lock.
func (c *coordinator) snapshotBroadcastLocked() delivery {
	return delivery{
		targets: c.broadcastTargetsLocked(),
		frame: wsFrame{
			Type:    frameGuardianList,
			Payload: mustJSON(guardianListPayload{Guardians: c.registry.snapshot()}),
		},
	}
}

func (c *coordinator) broadcastTargetsLocked() []frameWriter {
	targets := make([]frameWriter, 0, len(c.peers))
	for _, peer := range c.peers {
		targets = append(targets, peer)
	}
	return targets
}

// record appends one journal event when a journal is configured. Journal
// failures are logged and never surface into the protocol.
func (c *coordinator) record(event storage.JournalEvent) {
	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.journal.Append(ctx, event); err != nil {
		log.Printf("presence: journal %s event: %v", event.Kind, err)
	}
}
