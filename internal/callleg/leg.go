// Package callleg drives one participant's side of a consultation: media
// acquisition, room setup, offer/answer negotiation, chat and quality
// sampling. All state transitions happen on a single event loop.
package callleg

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/ports"
	"consultnet/internal/core/services"
	"consultnet/internal/protocol"
	rlog "consultnet/pkg/logger"
	"consultnet/pkg/validation"

	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted = errors.New("call leg already started")
	ErrNotStarted     = errors.New("call leg not started")
	ErrCallOver       = errors.New("call is over")
	ErrNotInCall      = errors.New("no room to send to yet")
)

// User-facing causes and end reasons.
const (
	CauseMedia          = "Failed to access camera or microphone. Please check your device permissions."
	CauseConnection     = "Connection error. Please try again."
	CauseSignalingLost  = "Lost connection to the signaling server."
	CauseRoomNotFound   = "This consultation has not started yet. Please try again shortly."
	CauseRoomFull       = "This consultation already has two participants."
	CauseRoomGone       = "The consultation room is no longer available."
	ReasonPeerLost      = "peer disconnected"
	ReasonSignalingLost = "signaling lost"
	ReasonLocalEnd      = "call ended"
)

const sendTimeout = 5 * time.Second

type Config struct {
	DisplayName     string
	WantsVideo      bool
	PeerLossGrace   time.Duration
	QualityInterval time.Duration
	// Sampler overrides the media session as quality source.
	Sampler ports.QualitySampler
}

// DefaultConfig returns a video call with a 15 second peer-loss grace.
func DefaultConfig() Config {
	return Config{
		WantsVideo:      true,
		PeerLossGrace:   15 * time.Second,
		QualityInterval: services.DefaultSampleInterval,
	}
}

type command struct {
	fn   func()
	done chan struct{}
}

// Leg is one participant's call. A Leg is single use.
type Leg struct {
	cfg        Config
	signaling  ports.Signaling
	acquirer   ports.MediaAcquirer
	classifier *services.QualityService
	chat       *services.ChatService
	logger     *zap.SugaredLogger

	started  atomic.Bool
	commands chan command
	done     chan struct{}

	mu          sync.Mutex
	snapshot    domain.CallSnapshot
	subscribers []chan domain.CallSnapshot
	closed      bool

	// Owned by the event loop.
	ctx       context.Context
	session   ports.MediaSession
	mediaC    <-chan ports.MediaState
	candC     <-chan json.RawMessage
	offer     json.RawMessage
	lossTimer *time.Timer
	lossC     <-chan time.Time
	reports   <-chan domain.QualityReport
	stopMon   context.CancelFunc
}

// NewLeg creates an idle leg. The leg does not close signaling.
func NewLeg(cfg Config, signaling ports.Signaling, acquirer ports.MediaAcquirer, classifier *services.QualityService, logger *zap.SugaredLogger) *Leg {
	if cfg.PeerLossGrace <= 0 {
		cfg.PeerLossGrace = DefaultConfig().PeerLossGrace
	}
	if cfg.QualityInterval <= 0 {
		cfg.QualityInterval = services.DefaultSampleInterval
	}
	return &Leg{
		cfg:        cfg,
		signaling:  signaling,
		acquirer:   acquirer,
		classifier: classifier,
		chat:       services.NewChatService(signaling),
		logger:     logger,
		commands:   make(chan command),
		done:       make(chan struct{}),
		snapshot: domain.CallSnapshot{
			State:      domain.CallIdle,
			Transcript: []domain.ChatMessage{},
			Quality:    domain.QualityReport{Quality: domain.QualityUnknown},
			VideoOff:   !cfg.WantsVideo,
		},
	}
}

// StartAsInitiator acquires media and creates the room. The call runs until
// it ends, fails, or ctx is cancelled.
func (l *Leg) StartAsInitiator(ctx context.Context, roomID domain.RoomID) error {
	return l.start(ctx, roomID, domain.RoleInitiator)
}

// StartAsResponder acquires media and joins an existing room.
func (l *Leg) StartAsResponder(ctx context.Context, roomID domain.RoomID) error {
	return l.start(ctx, roomID, domain.RoleResponder)
}

func (l *Leg) start(ctx context.Context, roomID domain.RoomID, role domain.Role) error {
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return err
	}
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	l.ctx = rlog.WithRoom(ctx, string(roomID))
	l.logger = l.logger.With("room_id", roomID)
	l.update(func(s *domain.CallSnapshot) {
		s.RoomID = roomID
		s.Role = role
	})

	go l.run()
	return nil
}

// SendChat sends text to the peer and appends it to the transcript.
// Chat is allowed as soon as the room exists, before media connects.
func (l *Leg) SendChat(ctx context.Context, text string) (domain.ChatMessage, error) {
	var (
		msg domain.ChatMessage
		err error
	)
	if execErr := l.exec(ctx, func() {
		switch l.snapshot.State {
		case domain.CallWaiting, domain.CallNegotiating, domain.CallConnected:
		default:
			err = ErrNotInCall
			return
		}
		msg, err = l.chat.Send(ctx, l.snapshot.RoomID, l.cfg.DisplayName, text)
		if err != nil {
			return
		}
		l.update(func(s *domain.CallSnapshot) {
			s.Transcript = append(s.Transcript, msg)
		})
	}); execErr != nil {
		return domain.ChatMessage{}, execErr
	}
	return msg, err
}

// EndCall leaves the room from any non-terminal state.
func (l *Leg) EndCall(ctx context.Context) error {
	return l.exec(ctx, func() {
		l.leave(domain.EndReasonCallEnded)
		l.end(ReasonLocalEnd)
	})
}

// ToggleAudio mutes or unmutes the microphone and reports whether audio is
// now muted.
func (l *Leg) ToggleAudio(ctx context.Context) (bool, error) {
	var muted bool
	err := l.exec(ctx, func() {
		muted = !l.snapshot.AudioMuted
		if l.session != nil {
			l.session.SetAudioEnabled(!muted)
		}
		l.update(func(s *domain.CallSnapshot) { s.AudioMuted = muted })
	})
	return muted, err
}

// ToggleVideo turns the camera off or on and reports whether video is now
// off. Audio-only calls always report true.
func (l *Leg) ToggleVideo(ctx context.Context) (bool, error) {
	off := true
	err := l.exec(ctx, func() {
		if !l.cfg.WantsVideo {
			return
		}
		off = !l.snapshot.VideoOff
		if l.session != nil {
			l.session.SetVideoEnabled(!off)
		}
		l.update(func(s *domain.CallSnapshot) { s.VideoOff = off })
	})
	return off, err
}

// Snapshot returns a copy of the current call state.
func (l *Leg) Snapshot() domain.CallSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot.Clone()
}

// Subscribe returns a channel holding the latest snapshot. Intermediate
// snapshots may be skipped. The channel is closed after the terminal
// snapshot.
func (l *Leg) Subscribe() <-chan domain.CallSnapshot {
	ch := make(chan domain.CallSnapshot, 1)

	l.mu.Lock()
	defer l.mu.Unlock()

	ch <- l.snapshot.Clone()
	if l.closed {
		close(ch)
		return ch
	}
	l.subscribers = append(l.subscribers, ch)
	return ch
}

// Done is closed once the leg reaches ended or error.
func (l *Leg) Done() <-chan struct{} {
	return l.done
}

// exec runs fn on the event loop.
func (l *Leg) exec(ctx context.Context, fn func()) error {
	if !l.started.Load() {
		return ErrNotStarted
	}
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case l.commands <- cmd:
	case <-l.done:
		return ErrCallOver
	case <-ctx.Done():
		return ctx.Err()
	}
	<-cmd.done
	return nil
}

// update mutates the snapshot and hands a copy to every subscriber.
func (l *Leg) update(mutate func(s *domain.CallSnapshot)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	mutate(&l.snapshot)
	snap := l.snapshot.Clone()
	for _, ch := range l.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (l *Leg) setState(state domain.CallState) {
	if l.snapshot.State == state {
		return
	}
	l.logger.Infow("call state changed", "from", l.snapshot.State, "to", state)
	l.update(func(s *domain.CallSnapshot) { s.State = state })
}

func (l *Leg) run() {
	defer l.teardown()

	if !l.acquire() {
		return
	}

	roomID := l.snapshot.RoomID
	var first protocol.Message
	if l.snapshot.Role == domain.RoleInitiator {
		l.setState(domain.CallCreating)
		first = &protocol.CreateRoom{RoomID: roomID, DisplayName: l.cfg.DisplayName}
	} else {
		l.setState(domain.CallJoining)
		first = &protocol.JoinRoom{RoomID: roomID, DisplayName: l.cfg.DisplayName}
	}
	if err := l.send(first); err != nil {
		l.logger.Warnw("failed to reach signaling server", "error", err)
		l.fail(CauseSignalingLost)
		return
	}

	for !l.snapshot.State.Terminal() {
		select {
		case cmd := <-l.commands:
			cmd.fn()
			close(cmd.done)

		case msg, ok := <-l.signaling.Inbound():
			if !ok {
				l.signalingLost()
				continue
			}
			l.handleMessage(msg)

		case <-l.signaling.Done():
			l.drainInbound()
			l.signalingLost()

		case state, ok := <-l.mediaC:
			if !ok {
				l.mediaC = nil
				continue
			}
			l.handleMediaState(state)

		case candidate, ok := <-l.candC:
			if !ok {
				l.candC = nil
				continue
			}
			if err := l.send(&protocol.Signal{RoomID: roomID, Payload: candidate}); err != nil {
				l.logger.Debugw("failed to send candidate", "error", err)
			}

		case <-l.lossC:
			l.logger.Infow("peer media lost beyond grace period", "grace", l.cfg.PeerLossGrace)
			l.leave(domain.EndReasonDisconnected)
			l.end(ReasonPeerLost)

		case report, ok := <-l.reports:
			if !ok {
				l.reports = nil
				continue
			}
			l.update(func(s *domain.CallSnapshot) { s.Quality = report })

		case <-l.ctx.Done():
			l.leave(domain.EndReasonCallEnded)
			l.end(ReasonLocalEnd)
		}
	}
}

func (l *Leg) acquire() bool {
	session, err := l.acquirer.Acquire(l.ctx, l.cfg.WantsVideo)
	if err != nil {
		l.logger.Warnw("media acquisition failed", "error", err)
		l.fail(CauseMedia)
		return false
	}
	l.session = session
	l.mediaC = session.States()
	l.candC = session.Candidates()
	return true
}

func (l *Leg) handleMessage(msg protocol.Message) {
	roomID := l.snapshot.RoomID
	if msg.Room() != roomID {
		l.logger.Debugw("ignoring message for another room", "type", msg.Type(), "other_room", msg.Room())
		return
	}

	switch m := msg.(type) {
	case *protocol.RoomCreated:
		if l.snapshot.State == domain.CallCreating {
			l.roomReady(m.RoomInfo)
		}

	case *protocol.RoomJoined:
		if l.snapshot.State == domain.CallJoining {
			l.roomReady(m.RoomInfo)
		}

	case *protocol.ParticipantJoined:
		l.handlePeerJoined()

	case *protocol.Offer:
		l.handleOffer(m.Payload)

	case *protocol.Answer:
		l.handleAnswer(m.Payload)

	case *protocol.Signal:
		if l.session == nil {
			return
		}
		if err := l.session.AddRemoteCandidate(m.Payload); err != nil {
			l.logger.Debugw("ignoring remote candidate", "error", err)
		}

	case *protocol.Chat:
		chat, err := services.DecodeChat(m.Payload)
		if err != nil {
			l.logger.Debugw("ignoring chat message", "error", err)
			return
		}
		l.update(func(s *domain.CallSnapshot) {
			s.Transcript = append(s.Transcript, chat)
		})

	case *protocol.End:
		l.end(endReasonText(m.Reason))

	case *protocol.Error:
		l.handleError(m)

	default:
		l.logger.Debugw("ignoring unexpected message", "type", msg.Type())
	}
}

// roomReady applies the room's appointment metadata and starts waiting.
func (l *Leg) roomReady(info protocol.RoomInfo) {
	if info.Label != "" {
		l.update(func(s *domain.CallSnapshot) { s.Label = info.Label })
	}
	if info.AudioOnly && l.cfg.WantsVideo {
		l.logger.Infow("audio appointment, camera off")
		l.cfg.WantsVideo = false
		if l.session != nil {
			l.session.SetVideoEnabled(false)
		}
		l.update(func(s *domain.CallSnapshot) { s.VideoOff = true })
	}
	l.setState(domain.CallWaiting)
}

func (l *Leg) handlePeerJoined() {
	if l.snapshot.Role != domain.RoleInitiator {
		return
	}
	roomID := l.snapshot.RoomID

	switch l.snapshot.State {
	case domain.CallWaiting:
		offer, err := l.session.CreateOffer(l.ctx)
		if err != nil {
			l.logger.Warnw("failed to create offer", "error", err)
			l.leave(domain.EndReasonCallEnded)
			l.fail(CauseConnection)
			return
		}
		l.offer = offer
		l.setState(domain.CallNegotiating)
		if err := l.send(&protocol.Offer{RoomID: roomID, Payload: offer}); err != nil {
			l.logger.Warnw("failed to send offer", "error", err)
		}

	case domain.CallNegotiating:
		l.logger.Debugw("peer joined again, re-sending offer")
		if err := l.send(&protocol.Offer{RoomID: roomID, Payload: l.offer}); err != nil {
			l.logger.Warnw("failed to re-send offer", "error", err)
		}
	}
}

func (l *Leg) handleOffer(payload json.RawMessage) {
	if l.snapshot.Role != domain.RoleResponder {
		l.logger.Debugw("ignoring offer as initiator")
		return
	}
	switch l.snapshot.State {
	case domain.CallJoining, domain.CallWaiting:
	default:
		l.logger.Debugw("ignoring offer", "state", l.snapshot.State)
		return
	}

	l.setState(domain.CallNegotiating)
	answer, err := l.session.AcceptOffer(l.ctx, payload)
	if err != nil {
		l.logger.Warnw("failed to accept offer", "error", err)
		l.leave(domain.EndReasonCallEnded)
		l.fail(CauseConnection)
		return
	}
	if err := l.send(&protocol.Answer{RoomID: l.snapshot.RoomID, Payload: answer}); err != nil {
		l.logger.Warnw("failed to send answer", "error", err)
		return
	}
	l.connected()
}

func (l *Leg) handleAnswer(payload json.RawMessage) {
	if l.snapshot.Role != domain.RoleInitiator || l.snapshot.State != domain.CallNegotiating {
		l.logger.Debugw("ignoring answer", "state", l.snapshot.State)
		return
	}
	if err := l.session.ApplyAnswer(l.ctx, payload); err != nil {
		l.logger.Warnw("failed to apply answer", "error", err)
		l.leave(domain.EndReasonCallEnded)
		l.fail(CauseConnection)
		return
	}
	l.connected()
}

func (l *Leg) handleError(e *protocol.Error) {
	state := l.snapshot.State
	l.logger.Debugw("signaling error", "code", e.Code, "message", e.Message, "state", state)

	switch e.Code {
	case protocol.CodeRoomAlreadyExists:
		if state != domain.CallCreating {
			return
		}
		// Lost the creation race: the other side is the initiator.
		l.logger.Infow("room already exists, joining instead")
		l.update(func(s *domain.CallSnapshot) { s.Role = domain.RoleResponder })
		l.setState(domain.CallJoining)
		if err := l.send(&protocol.JoinRoom{RoomID: l.snapshot.RoomID, DisplayName: l.cfg.DisplayName}); err != nil {
			l.fail(CauseSignalingLost)
		}

	case protocol.CodeRoomNotFound:
		if state == domain.CallJoining {
			l.fail(CauseRoomNotFound)
		}

	case protocol.CodeRoomFull, protocol.CodeAlreadyInRoom:
		if state == domain.CallJoining || state == domain.CallCreating {
			l.fail(CauseRoomFull)
		}

	case protocol.CodeInvalidRoom:
		if state == domain.CallConnected {
			l.end(ReasonPeerLost)
			return
		}
		l.fail(CauseRoomGone)

	default:
		l.logger.Warnw("signaling server rejected message", "code", e.Code, "message", e.Message)
	}
}

func (l *Leg) handleMediaState(state ports.MediaState) {
	if l.snapshot.State != domain.CallConnected {
		return
	}
	switch state {
	case ports.MediaConnected:
		if l.lossTimer != nil {
			l.logger.Infow("peer media recovered")
			l.stopLossTimer()
		}
	case ports.MediaDisconnected, ports.MediaFailed:
		if l.lossTimer == nil {
			l.logger.Infow("peer media interrupted", "media_state", state)
			l.lossTimer = time.NewTimer(l.cfg.PeerLossGrace)
			l.lossC = l.lossTimer.C
		}
	}
}

func (l *Leg) stopLossTimer() {
	if l.lossTimer != nil {
		l.lossTimer.Stop()
	}
	l.lossTimer = nil
	l.lossC = nil
}

func (l *Leg) connected() {
	l.update(func(s *domain.CallSnapshot) { s.ConnectedAt = time.Now() })
	l.setState(domain.CallConnected)

	var sampler ports.QualitySampler = l.session
	if l.cfg.Sampler != nil {
		sampler = l.cfg.Sampler
	}
	ctx, cancel := context.WithCancel(l.ctx)
	l.stopMon = cancel
	monitor := services.NewHealthMonitor(sampler, l.classifier, l.cfg.QualityInterval, l.logger)
	l.reports = monitor.Run(ctx)
}

// drainInbound handles messages that arrived before the transport closed,
// so a final end notice wins over the disconnect.
func (l *Leg) drainInbound() {
	for !l.snapshot.State.Terminal() {
		select {
		case msg, ok := <-l.signaling.Inbound():
			if !ok {
				return
			}
			l.handleMessage(msg)
		default:
			return
		}
	}
}

func (l *Leg) signalingLost() {
	if l.snapshot.State == domain.CallConnected {
		l.end(ReasonSignalingLost)
		return
	}
	l.fail(CauseSignalingLost)
}

// leave tells the server we are gone. Best effort.
func (l *Leg) leave(reason domain.EndReason) {
	switch l.snapshot.State {
	case domain.CallIdle, domain.CallEnded, domain.CallError:
		return
	}
	if err := l.send(&protocol.End{RoomID: l.snapshot.RoomID, Reason: reason}); err != nil {
		l.logger.Debugw("failed to notify server of leave", "error", err)
	}
}

func (l *Leg) end(reason string) {
	if l.snapshot.State.Terminal() {
		return
	}
	l.update(func(s *domain.CallSnapshot) {
		s.EndReason = reason
		s.EndedAt = time.Now()
	})
	l.setState(domain.CallEnded)
}

func (l *Leg) fail(cause string) {
	if l.snapshot.State.Terminal() {
		return
	}
	l.update(func(s *domain.CallSnapshot) {
		s.Cause = cause
		s.EndedAt = time.Now()
	})
	l.setState(domain.CallError)
}

func (l *Leg) send(msg protocol.Message) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(l.ctx), sendTimeout)
	defer cancel()
	return l.signaling.Send(ctx, msg)
}

func (l *Leg) teardown() {
	if l.stopMon != nil {
		l.stopMon()
	}
	l.stopLossTimer()
	if l.session != nil {
		if err := l.session.Close(); err != nil {
			l.logger.Debugw("failed to close media session", "error", err)
		}
	}

	l.mu.Lock()
	l.closed = true
	for _, ch := range l.subscribers {
		close(ch)
	}
	l.subscribers = nil
	l.mu.Unlock()

	close(l.done)
}

func endReasonText(reason domain.EndReason) string {
	switch reason {
	case domain.EndReasonParticipantLeft:
		return "peer left the call"
	case domain.EndReasonDisconnected:
		return ReasonPeerLost
	case domain.EndReasonExpired:
		return "no one joined in time"
	case domain.EndReasonAdministrative:
		return "ended by the clinic"
	default:
		return ReasonLocalEnd
	}
}
