package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"consultnet/internal/core/domain"
	"consultnet/internal/core/services"
	"consultnet/internal/protocol"
	"consultnet/pkg/config"
	"consultnet/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticDirectory map[string]domain.Appointment

func (d staticDirectory) Lookup(ctx context.Context, id string) (*domain.Appointment, error) {
	appt, ok := d[id]
	if !ok {
		return nil, domain.ErrAppointmentMissing
	}
	return &appt, nil
}

type testServer struct {
	*httptest.Server
	registry *services.SessionRegistry
	signal   *WebSocketServer
}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) *testServer {
	t.Helper()
	logger := zap.NewNop().Sugar()
	registry := services.NewSessionRegistry(services.DefaultSessionRegistryConfig(), logger)
	relay := services.NewSignalingRelay(registry, services.NewRelayStats(), logger)

	cfg := DefaultServerConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	directory := staticDirectory{"apt-7": {ID: "apt-7", ClinicianName: "Dr. Reyes", PatientName: "Sam", Type: domain.AppointmentAudio}}
	ws := NewWebSocketServer(registry, relay, directory, cfg, nil, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ws.HandleWebSocket)
	mux.HandleFunc("/health", ws.HealthCheck)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, registry: registry, signal: ws}
}

func (s *testServer) wsURL() string {
	return "ws" + s.URL[4:] + "/ws"
}

func dial(t *testing.T, s *testServer) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func read(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

func readError(t *testing.T, conn *websocket.Conn) *protocol.Error {
	t.Helper()
	msg := read(t, conn)
	perr, ok := msg.(*protocol.Error)
	require.True(t, ok, "expected error frame, got %T", msg)
	return perr
}

func openCall(t *testing.T, s *testServer, roomID domain.RoomID) (initiator, responder *websocket.Conn) {
	t.Helper()
	initiator = dial(t, s)
	write(t, initiator, &protocol.CreateRoom{RoomID: roomID, DisplayName: "Dr. Reyes"})
	_, ok := read(t, initiator).(*protocol.RoomCreated)
	require.True(t, ok)

	responder = dial(t, s)
	write(t, responder, &protocol.JoinRoom{RoomID: roomID, DisplayName: "Sam"})
	joined, ok := read(t, responder).(*protocol.RoomJoined)
	require.True(t, ok)
	require.Len(t, joined.Participants, 2)

	pj, ok := read(t, initiator).(*protocol.ParticipantJoined)
	require.True(t, ok)
	assert.Equal(t, "Sam", pj.Participant.DisplayName)
	return initiator, responder
}

func TestWebSocketServer_FullExchange(t *testing.T) {
	s := newTestServer(t, nil)
	initiator, responder := openCall(t, s, "apt-1")

	write(t, initiator, &protocol.Offer{RoomID: "apt-1", Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)})
	offer, ok := read(t, responder).(*protocol.Offer)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(offer.Payload))

	write(t, responder, &protocol.Answer{RoomID: "apt-1", Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`)})
	_, ok = read(t, initiator).(*protocol.Answer)
	require.True(t, ok)

	write(t, responder, &protocol.Signal{RoomID: "apt-1", Payload: json.RawMessage(`{"candidate":"c1"}`)})
	write(t, responder, &protocol.Chat{RoomID: "apt-1", Payload: json.RawMessage(`{"senderName":"Sam","text":"hello","timestamp":"2024-05-01T09:00:00Z"}`)})
	_, ok = read(t, initiator).(*protocol.Signal)
	require.True(t, ok)
	chat, ok := read(t, initiator).(*protocol.Chat)
	require.True(t, ok)
	assert.Contains(t, string(chat.Payload), "hello")

	room, found := s.registry.GetRoom(context.Background(), "apt-1")
	require.True(t, found)
	assert.Equal(t, domain.RoomStateActive, room.State)

	write(t, initiator, &protocol.End{RoomID: "apt-1"})
	end, ok := read(t, responder).(*protocol.End)
	require.True(t, ok)
	assert.Equal(t, domain.EndReasonCallEnded, end.Reason)
}

// expectOnlyBadRequest sends an invalid create and asserts its error is the
// next frame, so nothing was queued for the messages written before it.
func expectOnlyBadRequest(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	write(t, conn, &protocol.CreateRoom{RoomID: "bad room"})
	assert.Equal(t, protocol.CodeBadRequest, readError(t, conn).Code)
}

func TestWebSocketServer_MessagesAfterEndAreIgnored(t *testing.T) {
	s := newTestServer(t, nil)
	initiator, responder := openCall(t, s, "apt-9")

	write(t, initiator, &protocol.End{RoomID: "apt-9"})
	_, ok := read(t, responder).(*protocol.End)
	require.True(t, ok)

	write(t, initiator, &protocol.End{RoomID: "apt-9"})
	write(t, initiator, &protocol.LeaveRoom{RoomID: "apt-9"})
	expectOnlyBadRequest(t, initiator)

	write(t, responder, &protocol.Chat{RoomID: "apt-9", Payload: json.RawMessage(`{"senderName":"Sam","text":"still there?","timestamp":"2024-05-01T09:00:00Z"}`)})
	write(t, responder, &protocol.Offer{RoomID: "apt-9", Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)})
	write(t, responder, &protocol.End{RoomID: "apt-9"})
	expectOnlyBadRequest(t, responder)

	room, found := s.registry.GetRoom(context.Background(), "apt-9")
	require.True(t, found)
	assert.Equal(t, domain.RoomStateEnded, room.State)
	assert.Equal(t, domain.EndReasonCallEnded, room.EndReason)

	// other rooms are still rejected
	write(t, responder, &protocol.Chat{RoomID: "apt-10", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, protocol.CodeInvalidRoom, readError(t, responder).Code)
}

func TestWebSocketServer_LabelFromDirectory(t *testing.T) {
	s := newTestServer(t, nil)
	conn := dial(t, s)

	write(t, conn, &protocol.CreateRoom{RoomID: "apt-7"})
	created, ok := read(t, conn).(*protocol.RoomCreated)
	require.True(t, ok)
	assert.Equal(t, "Dr. Reyes with Sam (audio)", created.Label)
	assert.True(t, created.AudioOnly)

	patient := dial(t, s)
	write(t, patient, &protocol.JoinRoom{RoomID: "apt-7"})
	joined, ok := read(t, patient).(*protocol.RoomJoined)
	require.True(t, ok)
	assert.True(t, joined.AudioOnly)

	other := dial(t, s)
	write(t, other, &protocol.CreateRoom{RoomID: "walk-in"})
	created, ok = read(t, other).(*protocol.RoomCreated)
	require.True(t, ok)
	assert.False(t, created.AudioOnly)
	assert.Empty(t, created.Label)
}

func TestWebSocketServer_RoomErrors(t *testing.T) {
	s := newTestServer(t, nil)

	stranger := dial(t, s)
	write(t, stranger, &protocol.JoinRoom{RoomID: "nope"})
	assert.Equal(t, protocol.CodeRoomNotFound, readError(t, stranger).Code)

	openCall(t, s, "apt-1")

	third := dial(t, s)
	write(t, third, &protocol.JoinRoom{RoomID: "apt-1"})
	assert.Equal(t, protocol.CodeRoomFull, readError(t, third).Code)

	write(t, third, &protocol.CreateRoom{RoomID: "apt-1"})
	assert.Equal(t, protocol.CodeRoomAlreadyExists, readError(t, third).Code)

	write(t, third, &protocol.Offer{RoomID: "apt-1", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, protocol.CodeInvalidRoom, readError(t, third).Code)

	write(t, third, &protocol.CreateRoom{RoomID: "bad room"})
	assert.Equal(t, protocol.CodeBadRequest, readError(t, third).Code)

	require.NoError(t, third.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport","room_id":"apt-1"}`)))
	assert.Equal(t, protocol.CodeBadRequest, readError(t, third).Code)
}

func TestWebSocketServer_DisconnectEndsCall(t *testing.T) {
	s := newTestServer(t, nil)
	initiator, responder := openCall(t, s, "apt-1")

	responder.Close()

	end, ok := read(t, initiator).(*protocol.End)
	require.True(t, ok)
	assert.Equal(t, domain.EndReasonDisconnected, end.Reason)

	assert.Eventually(t, func() bool { return s.signal.ActiveConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	// the room id is free again
	again := dial(t, s)
	write(t, again, &protocol.CreateRoom{RoomID: "apt-1"})
	_, ok = read(t, again).(*protocol.RoomCreated)
	assert.True(t, ok)
}

func TestWebSocketServer_MessageRateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *ServerConfig) {
		cfg.RateLimitEnabled = true
		cfg.MessagesPerSecond = 0.001
		cfg.MessageBurst = 1
	})
	conn := dial(t, s)

	write(t, conn, &protocol.CreateRoom{RoomID: "apt-1"})
	_, ok := read(t, conn).(*protocol.RoomCreated)
	require.True(t, ok)

	write(t, conn, &protocol.LeaveRoom{RoomID: "apt-1"})
	assert.Equal(t, protocol.CodeRateLimited, readError(t, conn).Code)
}

func TestWebSocketServer_MaxConnections(t *testing.T) {
	s := newTestServer(t, func(cfg *ServerConfig) { cfg.MaxConnections = 1 })
	dial(t, s)

	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocketServer_Shutdown(t *testing.T) {
	s := newTestServer(t, nil)
	initiator, _ := openCall(t, s, "apt-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.signal.Shutdown(ctx))
	assert.Equal(t, 0, s.signal.ActiveConnections())

	initiator.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := initiator.ReadMessage(); err != nil {
			break
		}
	}

	room, ok := s.registry.GetRoom(ctx, "apt-1")
	require.True(t, ok)
	assert.Equal(t, domain.RoomStateEnded, room.State)

	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocketServer_ShutdownDuringHandshakes(t *testing.T) {
	s := newTestServer(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(), nil)
			if err != nil {
				return
			}
			defer conn.Close()
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.signal.Shutdown(ctx))
	wg.Wait()

	require.NoError(t, s.signal.Wait(ctx))
	assert.Equal(t, 0, s.signal.ActiveConnections())
	s.signal.connsMu.Lock()
	assert.Empty(t, s.signal.conns)
	s.signal.connsMu.Unlock()
}

func TestWebSocketServer_HealthCheck(t *testing.T) {
	s := newTestServer(t, nil)
	resp, err := http.Get(s.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
}

func TestClient_RoundTrip(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()

	client, err := Dial(ctx, s.wsURL(), retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond}, zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NoError(t, client.Send(ctx, &protocol.CreateRoom{RoomID: "apt-1", DisplayName: "Dr. Reyes"}))
	select {
	case msg := <-client.Inbound():
		created, ok := msg.(*protocol.RoomCreated)
		require.True(t, ok)
		assert.Equal(t, domain.RoomID("apt-1"), created.RoomID)
	case <-time.After(2 * time.Second):
		t.Fatal("no roomCreated")
	}

	require.NoError(t, client.Close())
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not done after close")
	}
	assert.ErrorIs(t, client.Send(ctx, &protocol.LeaveRoom{RoomID: "apt-1"}), ErrClientClosed)

	// closing the socket releases the room
	assert.Eventually(t, func() bool {
		room, ok := s.registry.GetRoom(ctx, "apt-1")
		return ok && room.State == domain.RoomStateEnded
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDial_RejectsBadURL(t *testing.T) {
	_, err := Dial(context.Background(), "http://localhost/ws", retry.DefaultConfig(), zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestServerConfigFrom(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Signal.AllowedOrigins = []string{"https://portal.example"}
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 0
	cfg.RateLimiting.WebSocket.MaxConcurrent = 500

	sc := ServerConfigFrom(cfg)
	assert.Equal(t, cfg.Signal.PingInterval, sc.PingInterval)
	assert.Equal(t, cfg.Signal.SendBuffer, sc.SendBuffer)
	assert.Equal(t, []string{"https://portal.example"}, sc.AllowedOrigins)
	assert.True(t, sc.RateLimitEnabled)
	assert.Equal(t, 20.0, sc.MessagesPerSecond)
	assert.Equal(t, 40, sc.MessageBurst)
	assert.Equal(t, 500, sc.MaxConnections)
	assert.Equal(t, DefaultServerConfig().MaxMessageSize, sc.MaxMessageSize)
}
