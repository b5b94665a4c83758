package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"coderoom/internal/metrics"
	"coderoom/internal/protocol"
	"coderoom/internal/room"
)

// Conn is a client connection as the coordinator sees it. Send enqueues
// without blocking and reports false when the peer is unreachable; Close
// tears down the transport.
type Conn interface {
	ID() string
	Send(data []byte) bool
	Close() error
}

// Coordinator runs the session protocol: it tracks every connection, routes
// joins through the registry, applies code changes, and fans the active-room
// list out to connections sitting in the lobby. Per-room work serializes on
// the room's own mutex; the coordinator mutex only guards the connection
// table, so traffic in one room never blocks another.
type Coordinator struct {
	log       *slog.Logger
	registry  *room.Registry
	normalize func(string) string

	mu    sync.Mutex
	conns map[Conn]*connState
}

type connState struct {
	rm   *room.Room
	role protocol.Role
}

func New(logger *slog.Logger, registry *room.Registry, normalize func(string) string) *Coordinator {
	if normalize == nil {
		normalize = strings.TrimSpace
	}
	return &Coordinator{
		log:       logger,
		registry:  registry,
		normalize: normalize,
		conns:     make(map[Conn]*connState),
	}
}

// NormalizerFor maps a configured match mode to a comparison normalizer.
// trim is the default: exact equality after trimming leading/trailing
// whitespace. collapse additionally folds interior whitespace runs.
func NormalizerFor(mode string) func(string) string {
	switch mode {
	case "exact":
		return func(s string) string { return s }
	case "collapse":
		return func(s string) string { return strings.Join(strings.Fields(s), " ") }
	default:
		return strings.TrimSpace
	}
}

// Register adds a fresh connection in the lobby and sends it the current
// active-room snapshot.
func (co *Coordinator) Register(c Conn) {
	co.mu.Lock()
	co.conns[c] = &connState{}
	co.mu.Unlock()

	metrics.ActiveConnections.Inc()
	co.log.Debug("session.connect", "conn", c.ID())

	if !c.Send(protocol.MustMarshal(protocol.EventActiveRooms, co.registry.ListActive())) {
		co.Disconnect(c)
	}
}

// Disconnect removes a connection. A detected transport failure and an
// explicit close both land here; for a joined connection it is a leave.
func (co *Coordinator) Disconnect(c Conn) {
	co.mu.Lock()
	st, ok := co.conns[c]
	if !ok {
		co.mu.Unlock()
		return
	}
	delete(co.conns, c)
	rm := st.rm
	co.mu.Unlock()

	metrics.ActiveConnections.Dec()
	_ = c.Close()
	co.log.Debug("session.disconnect", "conn", c.ID())

	if rm == nil {
		return
	}
	res := rm.Leave(c)
	co.finishLeave(c, rm, res)
}

// HandleMessage decodes one inbound frame and dispatches it. Malformed
// frames never reach the protocol handlers.
func (co *Coordinator) HandleMessage(ctx context.Context, c Conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		co.log.Warn("session.bad_frame", "conn", c.ID(), "err", err)
		c.Send(protocol.MustMarshal(protocol.EventError, protocol.ErrorPayload{
			Code:    protocol.ErrCodeBadRequest,
			Message: err.Error(),
		}))
		return
	}

	switch m := msg.(type) {
	case protocol.JoinRoom:
		co.join(ctx, c, m.RoomID.String())
	case protocol.CodeChange:
		co.codeChange(c, m.RoomID.String(), m.Code)
	}
}

func (co *Coordinator) join(ctx context.Context, c Conn, roomID string) {
	co.mu.Lock()
	st, ok := co.conns[c]
	if !ok {
		co.mu.Unlock()
		return
	}
	if st.rm != nil {
		co.mu.Unlock()
		co.log.Warn("session.join.already_joined", "conn", c.ID(), "room", roomID)
		c.Send(protocol.MustMarshal(protocol.EventError, protocol.ErrorPayload{
			Code:    protocol.ErrCodeBadRequest,
			Message: "already in a room",
		}))
		return
	}
	co.mu.Unlock()

	var (
		rm  *room.Room
		res room.JoinResult
	)
	for {
		var err error
		rm, err = co.registry.GetOrCreate(ctx, roomID)
		if err != nil {
			co.rejectJoin(c, roomID, err)
			return
		}
		res, err = rm.Join(c)
		if err == nil {
			break
		}
		// The room drained and closed between resolve and join; the
		// closer removes it from the registry, so resolve again.
		if !errors.Is(err, room.ErrRoomClosed) {
			co.rejectJoin(c, roomID, err)
			return
		}
	}

	co.mu.Lock()
	st, ok = co.conns[c]
	if !ok {
		// The connection died while joining; undo the membership.
		co.mu.Unlock()
		co.finishLeave(c, rm, rm.Leave(c))
		return
	}
	st.rm = rm
	st.role = res.Role
	co.mu.Unlock()

	co.log.Info("session.join", "conn", c.ID(), "room", roomID, "role", res.Role,
		"students", res.StudentCount)
	co.disconnectFailed(res.Failed)
	co.broadcastActiveRooms()
}

func (co *Coordinator) rejectJoin(c Conn, roomID string, err error) {
	code := protocol.ErrCodeInternal
	msg := "could not open room"
	if errors.Is(err, room.ErrRoomNotFound) {
		code = protocol.ErrCodeRoomNotFound
		msg = "no code block exists for this room"
	}
	co.log.Warn("session.join.rejected", "conn", c.ID(), "room", roomID, "err", err)
	c.Send(protocol.MustMarshal(protocol.EventError, protocol.ErrorPayload{
		Code:    code,
		Message: msg,
	}))
}

func (co *Coordinator) codeChange(c Conn, roomID, code string) {
	co.mu.Lock()
	st, ok := co.conns[c]
	var (
		rm   *room.Room
		role protocol.Role
	)
	if ok {
		rm = st.rm
		role = st.role
	}
	co.mu.Unlock()

	if rm == nil || rm.ID() != roomID {
		co.log.Debug("session.edit.ignored", "conn", c.ID(), "room", roomID,
			"reason", "not in room")
		return
	}
	if role != protocol.RoleStudent {
		// The mentor view is read-only; a mentor edit is a client bug or
		// a forged frame. Drop it without a reply.
		co.log.Warn("session.edit.unauthorized", "conn", c.ID(), "room", roomID, "role", role)
		return
	}

	res, err := rm.ApplyCode(c, code, co.normalize)
	if err != nil {
		if errors.Is(err, room.ErrNotStudent) {
			co.log.Warn("session.edit.unauthorized", "conn", c.ID(), "room", roomID)
		}
		return
	}

	metrics.CodeChanges.Inc()
	if res.SolutionFound {
		metrics.SolutionsFound.Inc()
		co.log.Info("session.solution_found", "room", roomID, "conn", c.ID())
	}
	if res.SolutionIncorrect {
		co.log.Info("session.solution_incorrect", "room", roomID, "conn", c.ID())
	}
	co.disconnectFailed(res.Failed)
}

// finishLeave settles the aftermath of a member leaving rm: evicted students
// return to the lobby, an empty room is dropped from the registry, and the
// active-room list is republished.
func (co *Coordinator) finishLeave(c Conn, rm *room.Room, res room.LeaveResult) {
	if len(res.Evicted) > 0 {
		co.mu.Lock()
		for _, m := range res.Evicted {
			if evicted, ok := m.(Conn); ok {
				if st, ok := co.conns[evicted]; ok {
					st.rm = nil
					st.role = ""
				}
			}
		}
		co.mu.Unlock()
	}

	if res.Closed {
		co.registry.Remove(rm.ID(), rm)
	}
	if res.WasMentor {
		co.log.Info("session.mentor_left", "room", rm.ID(), "evicted", len(res.Evicted))
	}

	co.disconnectFailed(res.Failed)
	if res.WasMember {
		co.broadcastActiveRooms()
	}
}

// broadcastActiveRooms pushes the current room list to every connection not
// inside a room. Sends are best-effort; an unreachable lobby connection is
// disconnected.
func (co *Coordinator) broadcastActiveRooms() {
	active := co.registry.ListActive()
	metrics.ActiveRooms.Set(float64(len(active)))
	payload := protocol.MustMarshal(protocol.EventActiveRooms, active)

	co.mu.Lock()
	lobby := make([]Conn, 0, len(co.conns))
	for c, st := range co.conns {
		if st.rm == nil {
			lobby = append(lobby, c)
		}
	}
	co.mu.Unlock()

	var failed []room.Member
	for _, c := range lobby {
		if !c.Send(payload) {
			failed = append(failed, c)
		}
	}
	co.disconnectFailed(failed)
}

// disconnectFailed treats every failed send as an implicit disconnect of
// that member, without aborting anything else.
func (co *Coordinator) disconnectFailed(failed []room.Member) {
	if len(failed) == 0 {
		return
	}
	metrics.DroppedSends.Add(float64(len(failed)))
	for _, m := range failed {
		if c, ok := m.(Conn); ok {
			co.log.Warn("session.send_failed", "conn", c.ID())
			co.Disconnect(c)
		}
	}
}

// Stats is a point-in-time view for the stats endpoint.
type Stats struct {
	Connections int                    `json:"active_connections"`
	Rooms       []protocol.RoomSummary `json:"active_rooms"`
}

func (co *Coordinator) Snapshot() Stats {
	co.mu.Lock()
	n := len(co.conns)
	co.mu.Unlock()
	return Stats{Connections: n, Rooms: co.registry.ListActive()}
}
