package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/ports"
	"consultnet/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var (
	ErrSessionClosed = errors.New("media session closed")
	ErrNoStats       = errors.New("no transport statistics yet")
)

const (
	opusPayloadType = 111
	opusFrame       = 20 * time.Millisecond
	// 20ms of 48kHz audio.
	opusFrameSamples = 960
)

var opusSilence = []byte{0xF8, 0xFF, 0xFE}

// SessionConfig configures peer connections created by the Acquirer.
type SessionConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// Trickle emits local candidates on Candidates instead of waiting for
	// gathering to complete before returning a description.
	Trickle bool
}

// SessionConfigFrom maps the webrtc configuration section
func SessionConfigFrom(cfg *config.Config) SessionConfig {
	sc := SessionConfig{}
	for _, s := range cfg.WebRTC.ICEServers {
		sc.ICEServers = append(sc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	sc.PortRange.Min = cfg.WebRTC.PortRange.Min
	sc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return sc
}

// Devices describes the local capture hardware the Acquirer pretends to own.
type Devices struct {
	Microphone       bool
	Camera           bool
	PermissionDenied bool
}

// Acquirer opens synthetic local media: a silent Opus track and, for video
// calls, a VP8 track.
type Acquirer struct {
	cfg     SessionConfig
	devices Devices
	logger  *zap.SugaredLogger
}

// NewAcquirer creates an acquirer for the given simulated devices
func NewAcquirer(cfg SessionConfig, devices Devices, logger *zap.SugaredLogger) *Acquirer {
	return &Acquirer{cfg: cfg, devices: devices, logger: logger}
}

func (a *Acquirer) Acquire(ctx context.Context, wantsVideo bool) (ports.MediaSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case a.devices.PermissionDenied:
		return nil, domain.ErrPermissionDenied
	case !a.devices.Microphone:
		return nil, fmt.Errorf("%w: no microphone", domain.ErrDeviceUnavailable)
	case wantsVideo && !a.devices.Camera:
		return nil, fmt.Errorf("%w: no camera", domain.ErrDeviceUnavailable)
	}
	return NewPeerSession(a.cfg, wantsVideo, a.logger)
}

// PeerSession is a pion peer connection carrying the local tracks of one
// call leg.
type PeerSession struct {
	cfg SessionConfig
	pc  *webrtc.PeerConnection

	audio       *webrtc.TrackLocalStaticRTP
	video       *webrtc.TrackLocalStaticRTP
	videoSender *webrtc.RTPSender

	audioOn atomic.Bool
	videoOn atomic.Bool

	mu      sync.Mutex
	closed  bool
	pending []webrtc.ICECandidateInit

	states     chan ports.MediaState
	candidates chan json.RawMessage
	done       chan struct{}

	reports *reportStats
	logger  *zap.SugaredLogger
}

// NewPeerSession creates a peer connection with local tracks attached
func NewPeerSession(cfg SessionConfig, wantsVideo bool, logger *zap.SugaredLogger) (*PeerSession, error) {
	pc, err := newPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &PeerSession{
		cfg:        cfg,
		pc:         pc,
		states:     make(chan ports.MediaState, 16),
		candidates: make(chan json.RawMessage, 32),
		done:       make(chan struct{}),
		reports:    newReportStats(),
		logger:     logger,
	}

	s.audio, err = webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"consultnet",
	)
	if err != nil {
		pc.Close()
		return nil, err
	}
	audioSender, err := pc.AddTrack(s.audio)
	if err != nil {
		pc.Close()
		return nil, err
	}
	s.audioOn.Store(true)
	go s.readRTCP(audioSender)

	if wantsVideo {
		s.video, err = webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video",
			"consultnet",
		)
		if err != nil {
			pc.Close()
			return nil, err
		}
		s.videoSender, err = pc.AddTrack(s.video)
		if err != nil {
			pc.Close()
			return nil, err
		}
		s.videoOn.Store(true)
		go s.readRTCP(s.videoSender)
	}

	pc.OnConnectionStateChange(s.handleConnectionState)
	pc.OnICECandidate(s.handleICECandidate)
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.logger.Infow("remote track started",
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)
		go s.drain(track)
	})

	go s.writeSilence()
	return s, nil
}

func newPeerConnection(cfg SessionConfig) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
}

// CreateOffer creates and applies the local offer
func (s *PeerSession) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	return s.setLocal(ctx, offer)
}

func (s *PeerSession) AcceptOffer(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	offer, err := decodeDescription(payload, webrtc.SDPTypeOffer)
	if err != nil {
		return nil, err
	}
	if err := s.setRemote(offer); err != nil {
		return nil, err
	}

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	return s.setLocal(ctx, answer)
}

// ApplyAnswer applies the remote answer and flushes held candidates
func (s *PeerSession) ApplyAnswer(ctx context.Context, payload json.RawMessage) error {
	answer, err := decodeDescription(payload, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	return s.setRemote(answer)
}

// AddRemoteCandidate applies a trickled candidate. Candidates that arrive
// before the remote description are held until it is set.
func (s *PeerSession) AddRemoteCandidate(payload json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return fmt.Errorf("invalid ICE candidate: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.pc.RemoteDescription() == nil {
		s.pending = append(s.pending, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (s *PeerSession) setLocal(ctx context.Context, desc webrtc.SessionDescription) (json.RawMessage, error) {
	var gatherDone <-chan struct{}
	if !s.cfg.Trickle {
		gatherDone = webrtc.GatheringCompletePromise(s.pc)
	}

	if err := s.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}

	if gatherDone != nil {
		select {
		case <-gatherDone:
		case <-s.done:
			return nil, ErrSessionClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return json.Marshal(s.pc.LocalDescription())
}

func (s *PeerSession) setRemote(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, candidate := range pending {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.logger.Warnw("failed to add held ICE candidate", "error", err)
		}
	}
	return nil
}

func decodeDescription(payload json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("invalid session description: %w", err)
	}
	if desc.Type != want {
		return webrtc.SessionDescription{}, fmt.Errorf("expected %s description, got %s", want, desc.Type)
	}
	return desc, nil
}

func (s *PeerSession) Candidates() <-chan json.RawMessage { return s.candidates }

func (s *PeerSession) States() <-chan ports.MediaState { return s.states }

func (s *PeerSession) SetAudioEnabled(enabled bool) {
	s.audioOn.Store(enabled)
}

// SetVideoEnabled detaches the video track from its sender while disabled.
func (s *PeerSession) SetVideoEnabled(enabled bool) {
	if s.videoSender == nil || s.videoOn.Swap(enabled) == enabled {
		return
	}

	var track webrtc.TrackLocal
	if enabled {
		track = s.video
	}
	if err := s.videoSender.ReplaceTrack(track); err != nil {
		s.logger.Warnw("failed to toggle video track", "enabled", enabled, "error", err)
	}
}

func (s *PeerSession) handleConnectionState(state webrtc.PeerConnectionState) {
	s.logger.Infow("peer connection state changed", "connection_state", state.String())

	var mapped ports.MediaState
	switch state {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		mapped = ports.MediaConnecting
	case webrtc.PeerConnectionStateConnected:
		mapped = ports.MediaConnected
	case webrtc.PeerConnectionStateDisconnected:
		mapped = ports.MediaDisconnected
	case webrtc.PeerConnectionStateFailed:
		mapped = ports.MediaFailed
	case webrtc.PeerConnectionStateClosed:
		mapped = ports.MediaClosed
	default:
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.states <- mapped:
	default:
		s.logger.Warnw("dropping media state, consumer is behind", "state", mapped)
	}
}

func (s *PeerSession) handleICECandidate(c *webrtc.ICECandidate) {
	if c == nil || !s.cfg.Trickle {
		return
	}
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		s.logger.Warnw("failed to marshal ICE candidate", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.candidates <- data:
	default:
		s.logger.Warnw("dropping local ICE candidate, consumer is behind")
	}
}

// writeSilence keeps the audio track flowing so the remote side receives
// RTP and produces receiver reports.
func (s *PeerSession) writeSilence() {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: opusPayloadType,
		},
		Payload: opusSilence,
	}

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		pkt.SequenceNumber++
		pkt.Timestamp += opusFrameSamples
		if !s.audioOn.Load() {
			continue
		}
		if err := s.audio.WriteRTP(pkt); err != nil {
			s.logger.Debugw("failed to write silence packet", "error", err)
		}
	}
}

func (s *PeerSession) drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

func (s *PeerSession) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		s.reports.observe(packets, time.Now())
	}
}

// Sample merges the peer connection statistics with the latest receiver
// reports about our outbound tracks.
func (s *PeerSession) Sample(ctx context.Context) (domain.NetworkSample, error) {
	select {
	case <-s.done:
		return domain.NetworkSample{}, ErrSessionClosed
	default:
	}

	sample, ok := s.reports.sample()
	if rtt, found := candidatePairRTT(s.pc.GetStats()); found {
		sample.RoundTripTime = rtt
		ok = true
	}
	if !ok {
		return domain.NetworkSample{}, ErrNoStats
	}
	sample.SampledAt = time.Now()
	return sample, nil
}

func candidatePairRTT(report webrtc.StatsReport) (time.Duration, bool) {
	for _, stats := range report {
		pair, ok := stats.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.CurrentRoundTripTime <= 0 {
			continue
		}
		return time.Duration(pair.CurrentRoundTripTime * float64(time.Second)), true
	}
	return 0, false
}

// Close closes the peer connection
func (s *PeerSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.states)
	close(s.candidates)
	s.mu.Unlock()

	return s.pc.Close()
}
