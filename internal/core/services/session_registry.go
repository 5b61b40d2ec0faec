package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/ports"

	"go.uber.org/zap"
)

type SessionRegistryConfig struct {
	// WaitingTimeout ends a room nobody joined. Zero disables expiry.
	WaitingTimeout time.Duration
	// EndedRetention keeps ended rooms readable before their slot is reclaimed.
	EndedRetention time.Duration
	ReapInterval   time.Duration
}

// DefaultSessionRegistryConfig keeps waiting rooms open indefinitely and
// ended rooms for five minutes.
func DefaultSessionRegistryConfig() SessionRegistryConfig {
	return SessionRegistryConfig{
		EndedRetention: 5 * time.Minute,
		ReapInterval:   time.Minute,
	}
}

type roomSlot struct {
	mu      sync.Mutex
	room    domain.Room
	expiry  *time.Timer
	removed bool
}

// SessionRegistry serializes every mutation of a room on that room's own
// lock. The table lock only guards slot lookup and reclamation.
type SessionRegistry struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]*roomSlot

	listenersMu sync.RWMutex
	listeners   []ports.RoomEventListener

	cfg    SessionRegistryConfig
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewSessionRegistry creates an empty registry. Call Run to enable expiry
// and reaping.
func NewSessionRegistry(cfg SessionRegistryConfig, logger *zap.SugaredLogger) *SessionRegistry {
	return &SessionRegistry{
		rooms:  make(map[domain.RoomID]*roomSlot),
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
	}
}

// Subscribe registers a listener for room events. Listeners are called
// with the room locked and must not block.
func (r *SessionRegistry) Subscribe(listener ports.RoomEventListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *SessionRegistry) emit(evt domain.RoomEvent) {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	for _, l := range r.listeners {
		l.HandleRoomEvent(evt)
	}
}

// lockSlot returns the slot for id with its lock held, or nil when the slot
// does not exist and create is false.
func (r *SessionRegistry) lockSlot(id domain.RoomID, create bool) *roomSlot {
	for {
		r.mu.Lock()
		slot, ok := r.rooms[id]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			slot = &roomSlot{room: domain.Room{
				ID:          id,
				State:       domain.RoomStateEmpty,
				Negotiation: domain.NegotiationNone,
			}}
			r.rooms[id] = slot
		}
		r.mu.Unlock()

		slot.mu.Lock()
		if !slot.removed {
			return slot
		}
		// Reclaimed between lookup and lock; look again.
		slot.mu.Unlock()
	}
}

// CreateRoom opens roomID with the initiator as its only participant. It
// fails with ErrRoomAlreadyExists while a live room holds the id; an ended
// room is replaced.
func (r *SessionRegistry) CreateRoom(ctx context.Context, roomID domain.RoomID, initiator domain.Participant, details domain.RoomDetails) (domain.Room, error) {
	if roomID == "" {
		return domain.Room{}, domain.ErrInvalidRoomID
	}

	slot := r.lockSlot(roomID, true)
	defer slot.mu.Unlock()

	if slot.room.State.Live() {
		return domain.Room{}, domain.ErrRoomAlreadyExists
	}

	now := r.now()
	initiator.Role = domain.RoleInitiator
	initiator.JoinedAt = now

	slot.room = domain.Room{
		ID:           roomID,
		Negotiation:  domain.NegotiationNone,
		Participants: []domain.Participant{initiator},
		Label:        details.Label,
		AudioOnly:    details.AudioOnly,
		Generation:   slot.room.Generation + 1,
		CreatedAt:    now,
	}
	slot.room.State = domain.DeriveState(1, domain.NegotiationNone, false)

	if r.cfg.WaitingTimeout > 0 {
		gen := slot.room.Generation
		slot.expiry = time.AfterFunc(r.cfg.WaitingTimeout, func() {
			r.expire(roomID, gen)
		})
	}

	room := slot.room.Clone()
	r.logger.Debugw("room created", "room_id", roomID, "generation", room.Generation, "initiator", initiator.ID)
	r.emit(domain.RoomEvent{Type: domain.EventRoomCreated, Room: room, Participant: initiator, At: now})
	return room, nil
}

// JoinRoom adds the responder to a waiting room.
func (r *SessionRegistry) JoinRoom(ctx context.Context, roomID domain.RoomID, responder domain.Participant) (domain.Room, error) {
	slot := r.lockSlot(roomID, false)
	if slot == nil {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	defer slot.mu.Unlock()

	room := &slot.room
	if !room.State.Live() {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	if _, ok := room.Member(responder.ID); ok {
		return domain.Room{}, domain.ErrAlreadyInRoom
	}
	if len(room.Participants) >= domain.MaxParticipants {
		return domain.Room{}, domain.ErrRoomFull
	}

	now := r.now()
	responder.Role = domain.RoleResponder
	responder.JoinedAt = now
	room.Participants = append(room.Participants, responder)
	room.State = domain.DeriveState(len(room.Participants), room.Negotiation, false)
	slot.stopExpiry()

	snapshot := room.Clone()
	r.logger.Debugw("participant joined", "room_id", roomID, "participant_id", responder.ID)
	r.emit(domain.RoomEvent{Type: domain.EventParticipantJoined, Room: snapshot, Participant: responder, At: now})
	return snapshot, nil
}

// LeaveRoom removes a participant. The room ends with reason; leaving an
// ended room is a no-op.
func (r *SessionRegistry) LeaveRoom(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID, reason domain.EndReason) error {
	slot := r.lockSlot(roomID, false)
	if slot == nil {
		return domain.ErrRoomNotFound
	}
	defer slot.mu.Unlock()

	switch slot.room.State {
	case domain.RoomStateEnded:
		return nil
	case domain.RoomStateEmpty:
		return domain.ErrRoomNotFound
	}

	p, ok := slot.room.Member(id)
	if !ok {
		return domain.ErrNotInRoom
	}
	r.leaveLocked(slot, p, reason)
	return nil
}

// leaveLocked removes p and ends the room: with at most two parties a single
// leaver ends the call for both.
func (r *SessionRegistry) leaveLocked(slot *roomSlot, p domain.Participant, reason domain.EndReason) {
	present := append([]domain.Participant(nil), slot.room.Participants...)

	remaining := make([]domain.Participant, 0, len(present))
	for _, other := range present {
		if other.ID != p.ID {
			remaining = append(remaining, other)
		}
	}
	slot.room.Participants = remaining
	slot.room.State = domain.DeriveState(len(remaining), slot.room.Negotiation, false)

	left := slot.room.Clone()
	r.emit(domain.RoomEvent{Type: domain.EventParticipantLeft, Room: left, Participant: p, Reason: reason, At: r.now()})

	r.endLocked(slot, reason, present, remaining)
}

// EndRoom ends the call on behalf of one of its participants. Ending an
// ended room is a no-op.
func (r *SessionRegistry) EndRoom(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID, reason domain.EndReason) error {
	slot := r.lockSlot(roomID, false)
	if slot == nil {
		return domain.ErrRoomNotFound
	}
	defer slot.mu.Unlock()

	switch slot.room.State {
	case domain.RoomStateEnded:
		return nil
	case domain.RoomStateEmpty:
		return domain.ErrRoomNotFound
	}

	if _, ok := slot.room.Member(id); !ok {
		return domain.ErrNotInRoom
	}

	present := append([]domain.Participant(nil), slot.room.Participants...)
	notify := make([]domain.Participant, 0, 1)
	for _, p := range present {
		if p.ID != id {
			notify = append(notify, p)
		}
	}
	r.endLocked(slot, reason, present, notify)
	return nil
}

// CloseRoom ends a room regardless of who is in it.
func (r *SessionRegistry) CloseRoom(ctx context.Context, roomID domain.RoomID, reason domain.EndReason) error {
	slot := r.lockSlot(roomID, false)
	if slot == nil {
		return domain.ErrRoomNotFound
	}
	defer slot.mu.Unlock()

	if !slot.room.State.Live() {
		return domain.ErrRoomNotFound
	}

	present := append([]domain.Participant(nil), slot.room.Participants...)
	r.endLocked(slot, reason, present, present)
	return nil
}

func (r *SessionRegistry) endLocked(slot *roomSlot, reason domain.EndReason, present, notify []domain.Participant) {
	now := r.now()
	slot.stopExpiry()

	slot.room.EndedAt = now
	slot.room.EndReason = reason
	slot.room.State = domain.DeriveState(0, slot.room.Negotiation, true)

	ended := slot.room.Clone()
	ended.Participants = present

	slot.room.Participants = nil

	r.logger.Debugw("room ended",
		"room_id", slot.room.ID,
		"reason", reason,
		"duration", ended.Duration(),
	)
	r.emit(domain.RoomEvent{
		Type:   domain.EventRoomEnded,
		Room:   ended,
		Reason: reason,
		Notify: notify,
		At:     now,
	})
}

func (r *SessionRegistry) expire(roomID domain.RoomID, generation uint64) {
	slot := r.lockSlot(roomID, false)
	if slot == nil {
		return
	}
	defer slot.mu.Unlock()

	if slot.room.Generation != generation || slot.room.State != domain.RoomStateWaitingForPeer {
		return
	}
	initiator, ok := slot.room.ByRole(domain.RoleInitiator)
	if !ok {
		return
	}

	r.logger.Infow("waiting room expired", "room_id", roomID, "waited", r.cfg.WaitingTimeout)
	r.leaveLocked(slot, initiator, domain.EndReasonExpired)
}

func (s *roomSlot) stopExpiry() {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
}

// GetRoom returns a copy of the room.
func (r *SessionRegistry) GetRoom(ctx context.Context, roomID domain.RoomID) (domain.Room, bool) {
	slot := r.lockSlot(roomID, false)
	if slot == nil {
		return domain.Room{}, false
	}
	defer slot.mu.Unlock()

	if slot.room.State == domain.RoomStateEmpty {
		return domain.Room{}, false
	}
	return slot.room.Clone(), true
}

// Deliver calls fn with the sender's peer while the room is locked, so
// envelopes of one room are handed over in send order.
func (r *SessionRegistry) Deliver(ctx context.Context, env domain.Envelope, fn func(to domain.Participant) error) error {
	slot := r.lockSlot(env.RoomID, false)
	if slot == nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidRoom, domain.ErrRoomNotFound)
	}
	defer slot.mu.Unlock()

	room := &slot.room
	if !room.State.Live() {
		return fmt.Errorf("%w: room is %s", domain.ErrInvalidRoom, room.State)
	}

	sender, ok := room.Member(env.SenderID)
	if !ok {
		return fmt.Errorf("%w: %w", domain.ErrInvalidRoom, domain.ErrNotInRoom)
	}
	if env.SenderRole != "" && env.SenderRole != sender.Role {
		return fmt.Errorf("%w: sender role %s does not match %s", domain.ErrInvalidRoom, env.SenderRole, sender.Role)
	}

	peer, ok := room.Peer(sender.ID)
	if !ok {
		return domain.ErrPeerAbsent
	}

	if err := fn(peer); err != nil {
		return err
	}

	switch env.Kind {
	case domain.KindOffer:
		if room.Negotiation == domain.NegotiationNone {
			room.Negotiation = domain.NegotiationOffered
		}
	case domain.KindAnswer:
		if room.Negotiation != domain.NegotiationAnswered {
			room.Negotiation = domain.NegotiationAnswered
			room.AnsweredAt = r.now()
		}
	}
	room.State = domain.DeriveState(len(room.Participants), room.Negotiation, false)
	return nil
}

func (r *SessionRegistry) snapshotSlots() []*roomSlot {
	r.mu.Lock()
	defer r.mu.Unlock()

	slots := make([]*roomSlot, 0, len(r.rooms))
	for _, slot := range r.rooms {
		slots = append(slots, slot)
	}
	return slots
}

// ListRooms returns the rooms that are not ended, oldest first.
func (r *SessionRegistry) ListRooms(ctx context.Context) []domain.Room {
	var rooms []domain.Room
	for _, slot := range r.snapshotSlots() {
		slot.mu.Lock()
		if !slot.removed && slot.room.State.Live() {
			rooms = append(rooms, slot.room.Clone())
		}
		slot.mu.Unlock()
	}

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})
	return rooms
}

// Stats counts rooms by state.
func (r *SessionRegistry) Stats() domain.RegistryStats {
	stats := domain.RegistryStats{ByState: make(map[domain.RoomState]int)}
	for _, slot := range r.snapshotSlots() {
		slot.mu.Lock()
		if !slot.removed && slot.room.State != domain.RoomStateEmpty {
			stats.Rooms++
			stats.ByState[slot.room.State]++
		}
		slot.mu.Unlock()
	}
	return stats
}

// Reap reclaims slots of rooms ended longer than the retention ago and
// slots left empty. Busy slots are skipped until the next pass.
func (r *SessionRegistry) Reap() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	reclaimed := 0
	for id, slot := range r.rooms {
		if !slot.mu.TryLock() {
			continue
		}
		stale := slot.room.State == domain.RoomStateEmpty ||
			(slot.room.State == domain.RoomStateEnded && now.Sub(slot.room.EndedAt) >= r.cfg.EndedRetention)
		if stale {
			slot.removed = true
			delete(r.rooms, id)
			reclaimed++
		}
		slot.mu.Unlock()
	}
	return reclaimed
}

// Run reaps periodically until ctx is cancelled.
func (r *SessionRegistry) Run(ctx context.Context) {
	interval := r.cfg.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Reap(); n > 0 {
				r.logger.Debugw("reclaimed room slots", "count", n)
			}
		}
	}
}
