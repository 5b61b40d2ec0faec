package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/ports"

	"go.uber.org/zap"
)

// ErrOutboxFull is returned when the recipient's queue rejected an envelope.
var ErrOutboxFull = errors.New("recipient outbox full")

// SignalingRelay forwards envelopes between the two occupants of a room. It
// owns the delivery table; the registry only knows participant identities.
type SignalingRelay struct {
	registry ports.SessionRegistry
	metrics  ports.RelayMetrics

	mu       sync.RWMutex
	outboxes map[domain.ParticipantID]ports.Outbox

	logger *zap.SugaredLogger
}

// NewSignalingRelay creates a relay over registry. Subscribe it to the
// registry so peers hear about joins and ends.
func NewSignalingRelay(registry ports.SessionRegistry, metrics ports.RelayMetrics, logger *zap.SugaredLogger) *SignalingRelay {
	r := &SignalingRelay{
		registry: registry,
		metrics:  metrics,
		outboxes: make(map[domain.ParticipantID]ports.Outbox),
		logger:   logger,
	}
	registry.Subscribe(r)
	return r
}

// Attach registers the outbox of a connected participant.
func (r *SignalingRelay) Attach(id domain.ParticipantID, outbox ports.Outbox) {
	r.mu.Lock()
	old, exists := r.outboxes[id]
	r.outboxes[id] = outbox
	r.mu.Unlock()

	if exists && old != outbox {
		old.Close()
	}
}

// Detach removes the participant's delivery handle and closes it.
func (r *SignalingRelay) Detach(id domain.ParticipantID) {
	r.mu.Lock()
	outbox, exists := r.outboxes[id]
	delete(r.outboxes, id)
	r.mu.Unlock()

	if exists {
		outbox.Close()
	}
}

// Connections returns the number of attached outboxes.
func (r *SignalingRelay) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.outboxes)
}

func (r *SignalingRelay) outbox(id domain.ParticipantID) (ports.Outbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	outbox, ok := r.outboxes[id]
	return outbox, ok
}

// Send routes one envelope. Forwarded kinds reach the other occupant only;
// leave and end are applied to the registry.
func (r *SignalingRelay) Send(ctx context.Context, env domain.Envelope) error {
	if env.SentAt.IsZero() {
		env.SentAt = time.Now()
	}

	switch {
	case env.Kind == domain.KindLeave:
		return r.control(ctx, env, r.registry.LeaveRoom, domain.EndReasonParticipantLeft)
	case env.Kind == domain.KindEnd:
		return r.control(ctx, env, r.registry.EndRoom, domain.EndReasonCallEnded)
	case env.Kind.Forwarded():
		return r.forward(ctx, env)
	}
	return fmt.Errorf("%w: kind %q cannot be relayed", domain.ErrInvalidRoom, env.Kind)
}

func (r *SignalingRelay) forward(ctx context.Context, env domain.Envelope) error {
	err := r.registry.Deliver(ctx, env, func(to domain.Participant) error {
		outbox, ok := r.outbox(to.ID)
		if !ok {
			return domain.ErrPeerAbsent
		}
		if !outbox.Enqueue(env) {
			return ErrOutboxFull
		}
		return nil
	})

	switch {
	case err == nil:
		r.metrics.EnvelopeRelayed(env.Kind)
		return nil
	case errors.Is(err, domain.ErrPeerAbsent):
		// Not queued: the call leg re-sends once the peer joins.
		r.logger.Debugw("dropping envelope, no peer in room",
			"room_id", env.RoomID,
			"kind", env.Kind,
			"sender_id", env.SenderID,
		)
		r.metrics.EnvelopeDropped(env.Kind, "no_peer")
		return nil
	case errors.Is(err, ErrOutboxFull):
		r.logger.Warnw("dropping envelope, recipient outbox full",
			"room_id", env.RoomID,
			"kind", env.Kind,
		)
		r.metrics.EnvelopeDropped(env.Kind, "outbox_full")
		return nil
	case errors.Is(err, domain.ErrInvalidRoom):
		r.logger.Debugw("rejected envelope for invalid room",
			"room_id", env.RoomID,
			"kind", env.Kind,
			"sender_id", env.SenderID,
			"error", err,
		)
		r.metrics.EnvelopeDropped(env.Kind, "invalid_room")
		return err
	default:
		return err
	}
}

type controlFunc func(ctx context.Context, roomID domain.RoomID, id domain.ParticipantID, reason domain.EndReason) error

func (r *SignalingRelay) control(ctx context.Context, env domain.Envelope, apply controlFunc, fallback domain.EndReason) error {
	reason := fallback
	if len(env.Payload) > 0 {
		var notice domain.EndNotice
		if err := json.Unmarshal(env.Payload, &notice); err == nil && notice.Reason != "" {
			reason = notice.Reason
		}
	}

	err := apply(ctx, env.RoomID, env.SenderID, reason)
	if err == nil {
		r.metrics.EnvelopeRelayed(env.Kind)
		return nil
	}
	if errors.Is(err, domain.ErrRoomNotFound) || errors.Is(err, domain.ErrNotInRoom) {
		r.logger.Debugw("rejected control envelope",
			"room_id", env.RoomID,
			"kind", env.Kind,
			"sender_id", env.SenderID,
			"error", err,
		)
		r.metrics.EnvelopeDropped(env.Kind, "invalid_room")
		return fmt.Errorf("%w: %w", domain.ErrInvalidRoom, err)
	}
	return err
}

// HandleRoomEvent turns registry events into server-originated envelopes.
// It runs under the room lock, so acknowledgements and notifications are
// queued in lifecycle order.
func (r *SignalingRelay) HandleRoomEvent(evt domain.RoomEvent) {
	switch evt.Type {
	case domain.EventRoomCreated:
		r.notify(evt.Participant.ID, evt.Room.ID, domain.KindRoomCreated, evt.Room)

	case domain.EventParticipantJoined:
		r.notify(evt.Participant.ID, evt.Room.ID, domain.KindRoomJoined, evt.Room)
		if initiator, ok := evt.Room.ByRole(domain.RoleInitiator); ok {
			r.notify(initiator.ID, evt.Room.ID, domain.KindParticipantJoined, evt.Participant)
		}

	case domain.EventRoomEnded:
		for _, p := range evt.Notify {
			r.notify(p.ID, evt.Room.ID, domain.KindEnd, domain.EndNotice{Reason: evt.Reason})
		}

	case domain.EventParticipantLeft:
	}
}

func (r *SignalingRelay) notify(to domain.ParticipantID, roomID domain.RoomID, kind domain.EnvelopeKind, payload any) {
	outbox, ok := r.outbox(to)
	if !ok {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Errorw("failed to marshal notification", "kind", kind, "error", err)
		return
	}

	env := domain.Envelope{RoomID: roomID, Kind: kind, Payload: data, SentAt: time.Now()}
	if !outbox.Enqueue(env) {
		r.metrics.EnvelopeDropped(kind, "outbox_full")
		return
	}
	r.metrics.EnvelopeRelayed(kind)
}
