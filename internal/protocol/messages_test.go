package protocol

import (
	"encoding/json"
	"testing"
)

func TestDecodeJoinRoom(t *testing.T) {
	msg, err := Decode([]byte(`{"event":"join_room","data":{"room_id":42}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	join, ok := msg.(JoinRoom)
	if !ok {
		t.Fatalf("Expected JoinRoom, got %T", msg)
	}
	if join.RoomID != "42" {
		t.Errorf("Expected room_id 42, got %q", join.RoomID)
	}
}

func TestDecodeRoomIDAsString(t *testing.T) {
	msg, err := Decode([]byte(`{"event":"join_room","data":{"room_id":"7"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.(JoinRoom).RoomID != "7" {
		t.Errorf("Expected room_id 7, got %q", msg.(JoinRoom).RoomID)
	}
}

func TestDecodeCodeChange(t *testing.T) {
	msg, err := Decode([]byte(`{"event":"code_change","data":{"room_id":"42","code":"return a+b;"}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	change, ok := msg.(CodeChange)
	if !ok {
		t.Fatalf("Expected CodeChange, got %T", msg)
	}
	if change.Code != "return a+b;" {
		t.Errorf("Code mismatch: %q", change.Code)
	}
}

func TestDecodeEmptyCodeAllowed(t *testing.T) {
	// Clearing the buffer is a legal edit.
	msg, err := Decode([]byte(`{"event":"code_change","data":{"room_id":"1","code":""}}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.(CodeChange).Code != "" {
		t.Error("Expected empty code")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"no event", `{"data":{"room_id":1}}`},
		{"unknown event", `{"event":"launch_missiles","data":{}}`},
		{"join without room_id", `{"event":"join_room","data":{}}`},
		{"code_change without room_id", `{"event":"code_change","data":{"code":"x"}}`},
		{"room_id wrong type", `{"event":"join_room","data":{"room_id":[1]}}`},
		{"server event from client", `{"event":"update_code","data":{"code":"x"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.raw)); err == nil {
				t.Errorf("Expected error for %s", tc.raw)
			}
		})
	}
}

func TestMarshalOmitsNilPayload(t *testing.T) {
	data, err := Marshal(EventSolutionFound, nil)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := env["data"]; ok {
		t.Errorf("Expected no data field, got %s", data)
	}
}

func TestMarshalEnvelope(t *testing.T) {
	data, err := Marshal(EventRoleAssignment, RoleAssignment{
		Role:         RoleMentor,
		Code:         "x",
		StudentCount: 0,
	})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var env Envelope
	if err := env.UnmarshalFrame(data); err != nil {
		t.Fatalf("UnmarshalFrame failed: %v", err)
	}
	if env.Event != EventRoleAssignment {
		t.Errorf("Expected role_assignment, got %s", env.Event)
	}

	var payload RoleAssignment
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("Unmarshal payload failed: %v", err)
	}
	if payload.Role != RoleMentor || payload.Code != "x" {
		t.Errorf("Payload mismatch: %+v", payload)
	}
}
