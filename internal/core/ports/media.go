package ports

import (
	"context"
	"encoding/json"

	"consultnet/internal/core/domain"
	"consultnet/internal/protocol"
)

// MediaAcquirer opens the local camera/microphone. Failures wrap
// domain.ErrPermissionDenied or domain.ErrDeviceUnavailable.
type MediaAcquirer interface {
	Acquire(ctx context.Context, wantsVideo bool) (MediaSession, error)
}

type MediaState string

const (
	MediaConnecting   MediaState = "connecting"
	MediaConnected    MediaState = "connected"
	MediaDisconnected MediaState = "disconnected"
	MediaFailed       MediaState = "failed"
	MediaClosed       MediaState = "closed"
)

// MediaSession is the local end of the peer media transport. Negotiation
// payloads are opaque to everything except the session itself.
type MediaSession interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	ApplyAnswer(ctx context.Context, answer json.RawMessage) error
	AddRemoteCandidate(candidate json.RawMessage) error
	// Candidates yields local trickle candidates, if the session produces any.
	Candidates() <-chan json.RawMessage
	States() <-chan MediaState
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	QualitySampler
	Close() error
}

type QualitySampler interface {
	Sample(ctx context.Context) (domain.NetworkSample, error)
}

// Signaling is the call leg's ordered bidirectional channel to the server.
type Signaling interface {
	Send(ctx context.Context, msg protocol.Message) error
	Inbound() <-chan protocol.Message
	// Done is closed when the transport is gone.
	Done() <-chan struct{}
	Close() error
}
