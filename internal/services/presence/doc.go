// Package presence implements real-time guardian presence and single-responder
// help assignment.
//
// It keeps WebSocket lifecycle, the guardian registry, and the help request
// ledger behind one serialized coordinator so that concurrent accepts for the
// same request resolve to exactly one winner and every connected client can
// rebuild its view purely from broadcast frames.
package presence
