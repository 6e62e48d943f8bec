package server

import "encoding/json"

// Frame types exchanged over the presence WebSocket.
const (
	frameRegister    = "presence.register"
	frameLocation    = "presence.location"
	frameRequestHelp = "presence.request_help"
	frameAcceptHelp  = "presence.accept_help"

	frameWelcome             = "presence.welcome"
	frameGuardianList        = "presence.guardian_list"
	frameHelpRequest         = "presence.help_request"
	frameHelpAssigned        = "presence.help_assigned"
	frameHelpAlreadyAssigned = "presence.help_already_assigned"
	frameHelpAccepted        = "presence.help_accepted"
	frameHelpWithdrawn       = "presence.help_withdrawn"
	frameError               = "presence.error"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type registerPayload struct {
	Alias string   `json:"alias,omitempty"`
	Lat   *float64 `json:"lat"`
	Lng   *float64 `json:"lng"`
}

type locationPayload struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type requestHelpPayload struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type acceptHelpPayload struct {
	RequesterSessionID string `json:"requester_session_id"`
}

type welcomePayload struct {
	SessionID  string `json:"session_id"`
	ServerTime string `json:"server_time"`
}

// guardianRecord is the wire form of one registry entry. Lat and Lng stay
// pointers so an unlocated guardian serializes as null rather than 0,0.
type guardianRecord struct {
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id,omitempty"`
	Alias     string   `json:"alias,omitempty"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	UpdatedAt string   `json:"updated_at"`
}

type guardianListPayload struct {
	Guardians []guardianRecord `json:"guardians"`
}

type helpRequestPayload struct {
	RequesterSessionID string   `json:"requester_session_id"`
	Lat                *float64 `json:"lat"`
	Lng                *float64 `json:"lng"`
	RequestedAt        string   `json:"requested_at"`
}

type helpAssignedPayload struct {
	RequesterSessionID string          `json:"requester_session_id"`
	GuardianSessionID  string          `json:"guardian_session_id"`
	Guardian           *guardianRecord `json:"guardian"`
}

type helpAlreadyAssignedPayload struct {
	RequesterSessionID        string `json:"requester_session_id"`
	AssignedGuardianSessionID string `json:"assigned_guardian_session_id,omitempty"`
}

type helpAcceptedPayload struct {
	GuardianSessionID string          `json:"guardian_session_id"`
	Guardian          *guardianRecord `json:"guardian"`
}

type helpWithdrawnPayload struct {
	RequesterSessionID string `json:"requester_session_id"`
}
