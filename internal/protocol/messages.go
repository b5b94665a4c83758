package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event identifies a protocol message type on the wire.
type Event string

const (
	// Client -> server
	EventJoinRoom   Event = "join_room"
	EventCodeChange Event = "code_change"

	// Server -> client
	EventRoleAssignment     Event = "role_assignment"
	EventUpdateCode         Event = "update_code"
	EventUpdateStudentCount Event = "update_student_count"
	EventSolutionFound      Event = "solution_found"
	EventSolutionIncorrect  Event = "solution_incorrect"
	EventRedirectToLobby    Event = "redirect_to_lobby"
	EventActiveRooms        Event = "active_rooms"
	EventError              Event = "error"
)

// Role of a connection inside a room.
type Role string

const (
	RoleMentor  Role = "mentor"
	RoleStudent Role = "student"
)

// RoomID is a room identifier. Clients send it either as a JSON string or a
// JSON number (the web client does parseInt on the route param), so it
// unmarshals from both and is kept as a string internally.
type RoomID string

func (r *RoomID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*r = RoomID(v)
		return nil
	}
	if _, err := strconv.ParseInt(s, 10, 64); err != nil {
		return fmt.Errorf("room_id must be a string or integer, got %s", s)
	}
	*r = RoomID(s)
	return nil
}

func (r RoomID) String() string { return string(r) }

// Envelope is the wire framing: {"event": ..., "data": {...}}.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// UnmarshalFrame parses a raw frame into the envelope, requiring an event.
func (e *Envelope) UnmarshalFrame(data []byte) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}
	if e.Event == "" {
		return fmt.Errorf("frame has no event")
	}
	return nil
}

// ClientMessage is one of the messages a client may send.
type ClientMessage interface {
	clientMessage()
}

// JoinRoom asks to join the room for a code block.
type JoinRoom struct {
	RoomID RoomID `json:"room_id"`
}

// CodeChange carries the student's full buffer after an edit.
type CodeChange struct {
	RoomID RoomID `json:"room_id"`
	Code   string `json:"code"`
}

func (JoinRoom) clientMessage()   {}
func (CodeChange) clientMessage() {}

// Server payloads.

type RoleAssignment struct {
	Role         Role   `json:"role"`
	Code         string `json:"code"`
	StudentCount int    `json:"student_count"`
}

type UpdateCode struct {
	Code string `json:"code"`
}

type UpdateStudentCount struct {
	StudentCount int `json:"student_count"`
}

type RedirectToLobby struct {
	Message string `json:"message"`
}

// RoomSummary is one entry of the active_rooms list.
type RoomSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	StudentCount int    `json:"student_count"`
}

// Error codes sent with EventError.
const (
	ErrCodeRoomNotFound = "room_not_found"
	ErrCodeBadRequest   = "bad_request"
	ErrCodeInternal     = "internal_error"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Decode parses and validates a client frame. Unknown events and frames with
// missing required fields are rejected here so the coordinator only ever sees
// well-formed messages.
func Decode(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch env.Event {
	case EventJoinRoom:
		var m JoinRoom
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("malformed join_room: %w", err)
		}
		if m.RoomID == "" {
			return nil, fmt.Errorf("join_room: room_id is required")
		}
		return m, nil
	case EventCodeChange:
		var m CodeChange
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("malformed code_change: %w", err)
		}
		if m.RoomID == "" {
			return nil, fmt.Errorf("code_change: room_id is required")
		}
		return m, nil
	case "":
		return nil, fmt.Errorf("frame has no event")
	default:
		return nil, fmt.Errorf("unknown event %q", env.Event)
	}
}

// Marshal encodes an event and its payload into a wire frame. A nil payload
// produces an envelope without a data field (solution_found and friends).
func Marshal(event Event, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// MustMarshal is Marshal for payloads that cannot fail to encode (our own
// structs). It panics on error, which would indicate a programming bug.
func MustMarshal(event Event, payload any) []byte {
	data, err := Marshal(event, payload)
	if err != nil {
		panic(err)
	}
	return data
}
