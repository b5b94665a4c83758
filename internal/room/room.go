package room

import (
	"errors"
	"sync"

	"coderoom/internal/protocol"
)

var (
	// ErrRoomClosed means the room was emptied and removed between lookup
	// and use; callers should re-resolve through the registry.
	ErrRoomClosed = errors.New("room is closed")

	// ErrNotStudent is returned for code changes from the mentor or from a
	// connection that is not a member. Callers log and drop these.
	ErrNotStudent = errors.New("sender is not a student in this room")
)

// Member is a connection from the room's point of view. Send must not block:
// it enqueues the frame and reports false if the member is unreachable (full
// buffer or closed transport).
type Member interface {
	ID() string
	Send(data []byte) bool
}

// Room holds the shared state of one collaborative session. All methods
// serialize on the room mutex, so every broadcast derived from a code change
// is enqueued to all members in application order.
type Room struct {
	mu sync.Mutex

	id       string
	name     string
	code     string
	solution string

	mentor   Member
	students map[Member]struct{}

	matched bool
	closed  bool
}

// New creates a room seeded from a code-block template.
func New(id, name, template, solution string) *Room {
	return &Room{
		id:       id,
		name:     name,
		code:     template,
		solution: solution,
		students: make(map[Member]struct{}),
	}
}

func (r *Room) ID() string { return r.id }

// JoinResult reports the outcome of a join: the assigned role, the state the
// joiner was sent, and any members whose send buffers overflowed.
type JoinResult struct {
	Role         protocol.Role
	StudentCount int
	Failed       []Member
}

// Join adds a member and assigns its role: the first joiner becomes mentor,
// everyone after is a student. The joiner receives role_assignment with the
// current buffer; everyone else receives the new student count.
func (r *Room) Join(m Member) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return JoinResult{}, ErrRoomClosed
	}

	var role protocol.Role
	if r.mentor == nil {
		r.mentor = m
		role = protocol.RoleMentor
	} else {
		r.students[m] = struct{}{}
		role = protocol.RoleStudent
	}

	res := JoinResult{Role: role, StudentCount: len(r.students)}

	assignment := protocol.MustMarshal(protocol.EventRoleAssignment, protocol.RoleAssignment{
		Role:         role,
		Code:         r.code,
		StudentCount: len(r.students),
	})
	if !m.Send(assignment) {
		res.Failed = append(res.Failed, m)
	}

	res.Failed = append(res.Failed, r.broadcastLocked(protocol.MustMarshal(
		protocol.EventUpdateStudentCount,
		protocol.UpdateStudentCount{StudentCount: len(r.students)},
	), m)...)

	return res, nil
}

// ApplyResult reports what a code change triggered.
type ApplyResult struct {
	SolutionFound     bool
	SolutionIncorrect bool
	Failed            []Member
}

// ApplyCode applies a student's edit last-writer-wins, broadcasts update_code
// to every other member, and runs the solution match rule. The normalize
// function defines the comparison policy.
func (r *Room) ApplyCode(sender Member, code string, normalize func(string) string) (ApplyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ApplyResult{}, ErrRoomClosed
	}
	if _, ok := r.students[sender]; !ok {
		return ApplyResult{}, ErrNotStudent
	}

	r.code = code

	var res ApplyResult
	res.Failed = r.broadcastLocked(protocol.MustMarshal(
		protocol.EventUpdateCode, protocol.UpdateCode{Code: code},
	), sender)

	matches := normalize(code) == normalize(r.solution)
	switch {
	case matches && !r.matched:
		r.matched = true
		res.SolutionFound = true
		res.Failed = append(res.Failed,
			r.broadcastLocked(protocol.MustMarshal(protocol.EventSolutionFound, nil), nil)...)
	case !matches && r.matched:
		r.matched = false
		res.SolutionIncorrect = true
		res.Failed = append(res.Failed,
			r.broadcastLocked(protocol.MustMarshal(protocol.EventSolutionIncorrect, nil), nil)...)
	}

	return res, nil
}

// LeaveResult reports the consequences of a member leaving.
type LeaveResult struct {
	WasMember bool
	WasMentor bool
	// Evicted holds students removed because the mentor left. They were
	// already sent redirect_to_lobby.
	Evicted []Member
	Closed  bool
	Failed  []Member
}

// Leave removes a member. A departing mentor ends the session: every
// remaining member is told to return to the lobby and is evicted. A room
// with no members left is marked closed and rejects further use.
func (r *Room) Leave(m Member) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res LeaveResult

	switch {
	case r.mentor == m:
		res.WasMember = true
		res.WasMentor = true
		r.mentor = nil

		redirect := protocol.MustMarshal(protocol.EventRedirectToLobby, protocol.RedirectToLobby{
			Message: "The mentor has left the session.",
		})
		for s := range r.students {
			if !s.Send(redirect) {
				res.Failed = append(res.Failed, s)
			}
			res.Evicted = append(res.Evicted, s)
		}
		r.students = make(map[Member]struct{})

	default:
		if _, ok := r.students[m]; !ok {
			return res
		}
		res.WasMember = true
		delete(r.students, m)

		res.Failed = r.broadcastLocked(protocol.MustMarshal(
			protocol.EventUpdateStudentCount,
			protocol.UpdateStudentCount{StudentCount: len(r.students)},
		), nil)
	}

	if r.mentor == nil && len(r.students) == 0 {
		r.closed = true
		res.Closed = true
	}
	return res
}

// Summary reports the room for the active_rooms list, and whether it should
// be listed at all (at least one member, not closed).
func (r *Room) Summary() (protocol.RoomSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := len(r.students)
	if r.mentor != nil {
		members++
	}
	return protocol.RoomSummary{
		ID:           r.id,
		Name:         r.name,
		StudentCount: len(r.students),
	}, members > 0 && !r.closed
}

// Code returns the current buffer.
func (r *Room) Code() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code
}

// HasMentor reports whether a mentor is present.
func (r *Room) HasMentor() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mentor != nil
}

// StudentCount returns the number of students.
func (r *Room) StudentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.students)
}

// broadcastLocked enqueues data to every member except skip. Callers hold
// the room mutex. Returns members whose send failed.
func (r *Room) broadcastLocked(data []byte, skip Member) []Member {
	var failed []Member
	if r.mentor != nil && r.mentor != skip {
		if !r.mentor.Send(data) {
			failed = append(failed, r.mentor)
		}
	}
	for s := range r.students {
		if s == skip {
			continue
		}
		if !s.Send(data) {
			failed = append(failed, s)
		}
	}
	return failed
}
