package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"coderoom/internal/blocks"
	"coderoom/internal/protocol"
	"coderoom/internal/room"
)

// Simulates a client connection for testing
type mockConn struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func newMockConn(id string) *mockConn {
	return &mockConn{id: id}
}

func (m *mockConn) ID() string { return m.id }

func (m *mockConn) Send(data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full || m.closed {
		return false
	}
	m.frames = append(m.frames, data)
	return true
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) events(t *testing.T) []protocol.Envelope {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()

	envs := make([]protocol.Envelope, 0, len(m.frames))
	for _, f := range m.frames {
		var env protocol.Envelope
		if err := env.UnmarshalFrame(f); err != nil {
			t.Fatalf("Bad frame %s: %v", f, err)
		}
		envs = append(envs, env)
	}
	return envs
}

func (m *mockConn) countEvents(t *testing.T, event protocol.Event) int {
	t.Helper()
	n := 0
	for _, env := range m.events(t) {
		if env.Event == event {
			n++
		}
	}
	return n
}

func (m *mockConn) lastPayload(t *testing.T, event protocol.Event, out any) bool {
	t.Helper()
	found := false
	for _, env := range m.events(t) {
		if env.Event != event {
			continue
		}
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("Unmarshal %s payload: %v", event, err)
		}
		found = true
	}
	return found
}

type fakeProvider struct {
	mu      sync.Mutex
	blocks  map[string]blocks.Block
	fetches int
}

func (p *fakeProvider) Block(_ context.Context, id string) (*blocks.Block, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	b, ok := p.blocks[id]
	if !ok {
		return nil, fmt.Errorf("block %s: %w", id, blocks.ErrNotFound)
	}
	return &b, nil
}

func newTestCoordinator(t *testing.T, known map[string]blocks.Block) (*Coordinator, *fakeProvider) {
	t.Helper()
	p := &fakeProvider{blocks: known}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := room.NewRegistry(p, logger)
	return New(logger, registry, nil), p
}

func defaultBlocks() map[string]blocks.Block {
	return map[string]blocks.Block{
		"7":  {ID: "7", Name: "Simple addition", Template: "function add(a, b) {}", Solution: "return a+b;"},
		"42": {ID: "42", Name: "Async case", Template: "// template", Solution: "return a+b;"},
	}
}

func joinFrame(roomID string) []byte {
	return protocol.MustMarshal(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: protocol.RoomID(roomID)})
}

func codeFrame(roomID, code string) []byte {
	return protocol.MustMarshal(protocol.EventCodeChange, protocol.CodeChange{
		RoomID: protocol.RoomID(roomID), Code: code,
	})
}

func join(t *testing.T, co *Coordinator, c *mockConn, roomID string) {
	t.Helper()
	co.Register(c)
	co.HandleMessage(context.Background(), c, joinFrame(roomID))
}

func TestJoinAssignsMentorThenStudents(t *testing.T) {
	co, _ := newTestCoordinator(t, defaultBlocks())

	mentor := newMockConn("mentor")
	join(t, co, mentor, "7")

	var ra protocol.RoleAssignment
	if !mentor.lastPayload(t, protocol.EventRoleAssignment, &ra) {
		t.Fatal("Mentor should receive role_assignment")
	}
	if ra.Role != protocol.RoleMentor || ra.Code != "function add(a, b) {}" || ra.StudentCount != 0 {
		t.Errorf("Assignment mismatch: %+v", ra)
	}

	student := newMockConn("student")
	join(t, co, student, "7")

	if !student.lastPayload(t, protocol.EventRoleAssignment, &ra) {
		t.Fatal("Student should receive role_assignment")
	}
	if ra.Role != protocol.RoleStudent || ra.StudentCount != 1 {
		t.Errorf("Assignment mismatch: %+v", ra)
	}

	var count protocol.UpdateStudentCount
	if !mentor.lastPayload(t, protocol.EventUpdateStudentCount, &count) {
		t.Fatal("Mentor should receive update_student_count")
	}
	if count.StudentCount != 1 {
		t.Errorf("Expected student count 1, got %d", count.StudentCount)
	}
}

func TestJoinUnknownRoomRejected(t *testing.T) {
	co, _ := newTestCoordinator(t, defaultBlocks())

	c := newMockConn("c")
	join(t, co, c, "999")

	var errPayload protocol.ErrorPayload
	if !c.lastPayload(t, protocol.EventError, &errPayload) {
		t.Fatal("Joiner should receive an error")
	}
	if errPayload.Code != protocol.ErrCodeRoomNotFound {
		t.Errorf("Expected room_not_found, got %s", errPayload.Code)
	}
	if len(co.Snapshot().Rooms) != 0 {
		t.Error("No room should be registered for the failed join")
	}
	if c.countEvents(t, protocol.EventRoleAssignment) != 0 {
		t.Error("No role should be assigned")
	}
}

func TestCodeChangeFlow(t *testing.T) {
	co, _ := newTestCoordinator(t, defaultBlocks())

	mentor := newMockConn("mentor")
	student := newMockConn("student")
	join(t, co, mentor, "42")
	join(t, co, student, "42")

	// Matching edit: mentor sees update_code then solution_found; the
	// sender sees solution_found only.
	co.HandleMessage(context.Background(), student, codeFrame("42", "return a+b;"))

	var uc protocol.UpdateCode
	if !mentor.lastPayload(t, protocol.EventUpdateCode, &uc) || uc.Code != "return a+b;" {
		t.Errorf("Mentor should receive update_code, got %+v", uc)
	}
	if mentor.countEvents(t, protocol.EventSolutionFound) != 1 {
		t.Error("Mentor should receive solution_found")
	}
	if student.countEvents(t, protocol.EventSolutionFound) != 1 {
		t.Error("Student should receive solution_found")
	}
	if student.countEvents(t, protocol.EventUpdateCode) != 0 {
		t.Error("Sender must not echo its own update")
	}

	// Breaking edit: solution_incorrect to both, exactly once.
	co.HandleMessage(context.Background(), student, codeFrame("42", "return a+b+1;"))
	if mentor.countEvents(t, protocol.EventSolutionIncorrect) != 1 {
		t.Error("Mentor should receive solution_incorrect")
	}
	if student.countEvents(t, protocol.EventSolutionIncorrect) != 1 {
		t.Error("Student should receive solution_incorrect")
	}
}

func TestRepeatedCodeChangeIdempotent(t *testing.T) {
	co, _ := newTestCoordinator(t, defaultBlocks())

	mentor := newMockConn("mentor")
	student := newMockConn("student")
	join(t, co, mentor, "42")
	join(t, co, student, "42")

	for i := 0; i < 3; i++ {
		co.HandleMessage(context.Background(), student, codeFrame("42", "return a+b;"))
	}
	if mentor.countEvents(t, protocol.EventSolutionFound) != 1 {
		t.Errorf("Expected a single solution_found, got %d",
			mentor.countEvents(t, protocol.EventSolutionFound))
	}
}

func TestMentorCodeChangeIgnored(t *testing.T) {
	co, _ := newTestCoordinator(t, defaultBlocks())

	mentor := newMockConn("mentor")
	student := newMockConn("student")
	join(t, co, mentor, "42")
	join(t, co, student, "42")

	co.HandleMessage(context.Background(), mentor, codeFrame("42", "hijack"))

	if student.countEvents(t, protocol.EventUpdateCode) != 0 {
		t.Error("Mentor edits must not propagate")
	}
	// Silently dropped: no error frame either.
	if mentor.countEvents(t, protocol.EventError) != 0 {
		t.Error("Unauthorized edit is a no-op, not a surfaced error")
	}
}

func TestCodeChangeFromLobbyIgnored(t *testing.T) {
	co, _ := newTestCoordinator(t, defaultBlocks())

	c := newMockConn("c")
	co.Register(c)
	co.HandleMessage(context.Background(), c, codeFrame("42", "x"))

	if c.countEvents(t, protocol.EventUpdateCode) != 0 {
		t.Error("Nothing should happen for a lobby code_change")
	}
}

func TestMentorLeaveEndsSession(t *testing.T) {
	co, _ := newTestCoordinator(t, defaultBlocks())

	mentor := newMockConn("mentor")
	s1 := newMockConn("s1")
	s2 := newMockConn("s2")
	join(t, co, mentor, "7")
	join(t, co, s1, "7")
	join(t, co, s2, "7")

	co.Disconnect(mentor)

	for _, s := range []*mockConn{s1, s2} {
		var redirect protocol.RedirectToLobby
		if !s.lastPayload(t, protocol.EventRedirectToLobby, &redirect) {
			t.Fatalf("Student %s should be redirected", s.id)
		}
		if redirect.Message == "" {
			t.Error("Redirect should carry a message")
		}
	}

	snap := co.Snapshot()
	if len(snap.Rooms) != 0 {
		t.Errorf("Room should be gone, got %v", snap.Rooms)
	}
	// Evicted students stay connected as lobby members and hear about
	// room changes again.
	if snap.Connections != 2 {
		t.Errorf("Expected 2 remaining connections, got %d", snap.Connections)
	}
	if s1.countEvents(t, protocol.EventActiveRooms) < 2 {
		t.Error("Evicted student should receive the active_rooms broadcast")
	}
}

func TestStudentDisconnectKeepsRoom(t *testing.T) {
	co, _ := newTestCoordinator(t, defaultBlocks())

	mentor := newMockConn("mentor")
	student := newMockConn("student")
	join(t, co, mentor, "7")
	join(t, co, student, "7")

	co.Disconnect(student)

	var count protocol.UpdateStudentCount
	if !mentor.lastPayload(t, protocol.EventUpdateStudentCount, &count) {
		t.Fatal("Mentor should receive update_student_count")
	}
	if count.StudentCount != 0 {
		t.Errorf("Expected 0 students, got %d", count.StudentCount)
	}

	snap := co.Snapshot()
	if len(snap.Rooms) != 1 {
		t.Errorf("Room should survive a student leaving, got %v", snap.Rooms)
	}
}

func TestActiveRoomsBroadcastToLobbyOnly(t *testing.T) {
	co, _ := newTestCoordinator(t, defaultBlocks())

	lobby := newMockConn("lobby")
	co.Register(lobby)
	if lobby.countEvents(t, protocol.EventActiveRooms) != 1 {
		t.Error("Fresh connection should receive the current snapshot")
	}

	mentor := newMockConn("mentor")
	join(t, co, mentor, "7")

	var rooms []protocol.RoomSummary
	if !lobby.lastPayload(t, protocol.EventActiveRooms, &rooms) {
		t.Fatal("Lobby should receive active_rooms")
	}
	if len(rooms) != 1 || rooms[0].ID != "7" || rooms[0].Name != "Simple addition" || rooms[0].StudentCount != 0 {
		t.Errorf("Unexpected active rooms: %+v", rooms)
	}

	inRoomBroadcasts := mentor.countEvents(t, protocol.EventActiveRooms)

	student := newMockConn("student")
	join(t, co, student, "7")

	if !lobby.lastPayload(t, protocol.EventActiveRooms, &rooms) {
		t.Fatal("Lobby should receive the membership change")
	}
	if rooms[0].StudentCount != 1 {
		t.Errorf("Expected 1 student in the listing, got %d", rooms[0].StudentCount)
	}
	if mentor.countEvents(t, protocol.EventActiveRooms) != inRoomBroadcasts {
		t.Error("Members inside a room must not receive active_rooms")
	}
}

func TestRejoinWhileJoinedRejected(t *testing.T) {
	co, _ := newTestCoordinator(t, defaultBlocks())

	c := newMockConn("c")
	join(t, co, c, "7")
	co.HandleMessage(context.Background(), c, joinFrame("42"))

	var errPayload protocol.ErrorPayload
	if !c.lastPayload(t, protocol.EventError, &errPayload) {
		t.Fatal("Second join should be rejected")
	}
	if errPayload.Code != protocol.ErrCodeBadRequest {
		t.Errorf("Expected bad_request, got %s", errPayload.Code)
	}
	if len(co.Snapshot().Rooms) != 1 {
		t.Error("Only the first room should exist")
	}
}

func TestMalformedFrameRejected(t *testing.T) {
	co, _ := newTestCoordinator(t, defaultBlocks())

	c := newMockConn("c")
	co.Register(c)
	co.HandleMessage(context.Background(), c, []byte(`{"event":"join_room","data":{}}`))

	var errPayload protocol.ErrorPayload
	if !c.lastPayload(t, protocol.EventError, &errPayload) {
		t.Fatal("Malformed frame should produce an error")
	}
	if errPayload.Code != protocol.ErrCodeBadRequest {
		t.Errorf("Expected bad_request, got %s", errPayload.Code)
	}
}

func TestUnreachableMemberTreatedAsDisconnect(t *testing.T) {
	co, _ := newTestCoordinator(t, defaultBlocks())

	mentor := newMockConn("mentor")
	student := newMockConn("student")
	stuck := newMockConn("stuck")
	join(t, co, mentor, "42")
	join(t, co, student, "42")
	join(t, co, stuck, "42")
	stuck.mu.Lock()
	stuck.full = true
	stuck.mu.Unlock()

	co.HandleMessage(context.Background(), student, codeFrame("42", "v1"))

	if !stuck.isClosed() {
		t.Error("Unreachable member should be closed")
	}
	// Everyone else still got the update.
	if mentor.countEvents(t, protocol.EventUpdateCode) != 1 {
		t.Error("Mentor should still receive the update")
	}

	snap := co.Snapshot()
	if snap.Connections != 2 {
		t.Errorf("Expected 2 connections left, got %d", snap.Connections)
	}
	if len(snap.Rooms) != 1 || snap.Rooms[0].StudentCount != 1 {
		t.Errorf("Stuck student should have left the room: %+v", snap.Rooms)
	}
}

func TestRoomRecreatedAfterDrain(t *testing.T) {
	co, p := newTestCoordinator(t, defaultBlocks())

	mentor := newMockConn("m1")
	join(t, co, mentor, "7")
	co.Disconnect(mentor)

	if len(co.Snapshot().Rooms) != 0 {
		t.Fatal("Room should be discarded once empty")
	}

	// A later join is a fresh creation and refetches the template.
	mentor2 := newMockConn("m2")
	join(t, co, mentor2, "7")

	var ra protocol.RoleAssignment
	if !mentor2.lastPayload(t, protocol.EventRoleAssignment, &ra) {
		t.Fatal("Second mentor should get an assignment")
	}
	if ra.Role != protocol.RoleMentor {
		t.Errorf("Fresh room should assign mentor, got %s", ra.Role)
	}

	p.mu.Lock()
	fetches := p.fetches
	p.mu.Unlock()
	if fetches != 2 {
		t.Errorf("Expected 2 template fetches, got %d", fetches)
	}
}

func TestConcurrentJoinsSingleMentor(t *testing.T) {
	co, _ := newTestCoordinator(t, defaultBlocks())

	const joiners = 30
	conns := make([]*mockConn, joiners)
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		conns[i] = newMockConn(fmt.Sprintf("c%d", i))
		wg.Add(1)
		go func(c *mockConn) {
			defer wg.Done()
			join(t, co, c, "42")
		}(conns[i])
	}
	wg.Wait()

	mentors := 0
	for _, c := range conns {
		var ra protocol.RoleAssignment
		if !c.lastPayload(t, protocol.EventRoleAssignment, &ra) {
			t.Fatalf("Conn %s got no assignment", c.id)
		}
		if ra.Role == protocol.RoleMentor {
			mentors++
		}
	}
	if mentors != 1 {
		t.Errorf("Expected exactly one mentor, got %d", mentors)
	}

	snap := co.Snapshot()
	if len(snap.Rooms) != 1 || snap.Rooms[0].StudentCount != joiners-1 {
		t.Errorf("Unexpected room state: %+v", snap.Rooms)
	}
}

func TestNormalizerModes(t *testing.T) {
	cases := []struct {
		mode  string
		code  string
		want  string
		match bool
	}{
		{"trim", "  return a+b;  ", "return a+b;", true},
		{"exact", " return a+b;", "return a+b;", false},
		{"exact", "return a+b;", "return a+b;", true},
		{"collapse", "return  a+b;\n", "return a+b;", true},
	}

	for _, tc := range cases {
		n := NormalizerFor(tc.mode)
		got := n(tc.code) == n(tc.want)
		if got != tc.match {
			t.Errorf("mode %s: %q vs %q: match=%v, want %v", tc.mode, tc.code, tc.want, got, tc.match)
		}
	}
}
