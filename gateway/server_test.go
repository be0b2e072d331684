package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawnet/reef/eventbus"
	"github.com/clawnet/reef/inbox"
	"github.com/clawnet/reef/realtime"
)

// testAuth accepts any handshake whose signature is "valid" and returns
// the claw parameter as the verified identity
var testAuth = AuthenticatorFunc(func(_ context.Context, creds Credentials) (string, error) {
	if creds.Signature != "valid" || creds.ClawID == "" {
		return "", errors.New("bad signature")
	}
	return creds.ClawID, nil
})

type testGateway struct {
	server   *Server
	registry *realtime.Registry
	delivery realtime.Delivery
	store    *inbox.Memory
	bus      *eventbus.Bus
	http     *httptest.Server
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	registry := realtime.NewRegistry(time.Hour, nil)
	t.Cleanup(registry.Stop)

	delivery := realtime.NewDirect(registry)
	store := inbox.NewMemory()
	catchup := realtime.NewCatchUp(store, delivery, 0)

	server, err := NewServer(Config{
		Registry:      registry,
		Delivery:      delivery,
		CatchUp:       catchup,
		Authenticator: testAuth,
	})
	require.NoError(t, err)

	bus := eventbus.New(nil)
	server.Attach(bus, FrameEventTypes()...)

	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	return &testGateway{
		server:   server,
		registry: registry,
		delivery: delivery,
		store:    store,
		bus:      bus,
		http:     httpServer,
	}
}

func (g *testGateway) wsURL(claw, sig string) string {
	return strings.Replace(g.http.URL, "http://", "ws://", 1) +
		"?claw=" + claw + "&ts=123&sig=" + sig
}

func (g *testGateway) dial(t *testing.T, claw string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.wsURL(claw, "valid"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitForConnection polls until the registry sees the user
func waitForConnection(t *testing.T, registry *realtime.Registry, userID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if registry.Get(userID) != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection for %s never registered", userID)
}

func readFrame(t *testing.T, conn *websocket.Conn) realtime.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame realtime.Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestGateway_RejectsBadSignatureBeforeUpgrade(t *testing.T) {
	g := newTestGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL("claw-a", "forged"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, g.registry.Count(), "no connection state leaks on rejection")
}

func TestGateway_RejectsMissingIdentity(t *testing.T) {
	g := newTestGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(g.wsURL("", "valid"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGateway_AcceptedHandshakeRegisters(t *testing.T) {
	g := newTestGateway(t)

	g.dial(t, "claw-a")
	waitForConnection(t, g.registry, "claw-a")
	assert.Equal(t, 1, g.registry.Count())
}

func TestGateway_SecondConnectionDisplacesFirst(t *testing.T) {
	g := newTestGateway(t)

	first := g.dial(t, "claw-a")
	waitForConnection(t, g.registry, "claw-a")

	g.dial(t, "claw-a")

	// The first socket receives a close frame with the replaced code
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, realtime.CloseReplaced, closeErr.Code)
}

func TestGateway_LiveDeliveryCarriesSequence(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	conn := g.dial(t, "claw-a")
	waitForConnection(t, g.registry, "claw-a")

	// The collaborator records the message durably, then publishes
	payload := map[string]any{"text": "hello", "from": "claw-b"}
	data, _ := json.Marshal(payload)
	seq, err := g.store.Append(ctx, "claw-a", realtime.FrameMessageNew, data)
	require.NoError(t, err)

	g.bus.Publish(ctx, eventbus.Event{
		Type:    realtime.FrameMessageNew,
		Owner:   "claw-a",
		Payload: payload,
		Seq:     seq,
	})

	frame := readFrame(t, conn)
	assert.Equal(t, realtime.FrameMessageNew, frame.Type)
	assert.Equal(t, seq, frame.Seq)
	assert.JSONEq(t, string(data), string(frame.Data))
}

func TestGateway_CatchUpAfterReconnect(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	// Live session: claw-a receives one sequenced message
	conn := g.dial(t, "claw-a")
	waitForConnection(t, g.registry, "claw-a")

	payload := map[string]any{"text": "first"}
	data, _ := json.Marshal(payload)
	seq, err := g.store.Append(ctx, "claw-a", realtime.FrameMessageNew, data)
	require.NoError(t, err)
	g.bus.Publish(ctx, eventbus.Event{Type: realtime.FrameMessageNew, Owner: "claw-a", Payload: payload, Seq: seq})

	live := readFrame(t, conn)
	require.Equal(t, seq, live.Seq)

	// Disconnect; a message lands while offline
	require.NoError(t, conn.Close())
	offlineData, _ := json.Marshal(map[string]any{"text": "while away"})
	offlineSeq, err := g.store.Append(ctx, "claw-a", realtime.FrameMessageNew, offlineData)
	require.NoError(t, err)
	require.Equal(t, seq+1, offlineSeq)

	// Reconnect and request catch-up from the last observed sequence
	reconn := g.dial(t, "claw-a")
	waitForConnection(t, g.registry, "claw-a")

	control, _ := json.Marshal(realtime.ControlFrame{Type: realtime.ControlCatchUp, LastSeq: seq})
	require.NoError(t, reconn.WriteMessage(websocket.TextMessage, control))

	// Exactly the missed frame, no duplicate of what was delivered live
	replayed := readFrame(t, reconn)
	assert.Equal(t, offlineSeq, replayed.Seq)
	assert.JSONEq(t, string(offlineData), string(replayed.Data))

	// A subsequent live message continues the sequence
	nextData, _ := json.Marshal(map[string]any{"text": "back again"})
	nextSeq, err := g.store.Append(ctx, "claw-a", realtime.FrameMessageNew, nextData)
	require.NoError(t, err)
	require.Equal(t, offlineSeq+1, nextSeq)
	g.bus.Publish(ctx, eventbus.Event{
		Type:  realtime.FrameMessageNew,
		Owner: "claw-a",
		Payload: map[string]any{
			"text": "back again",
		},
		Seq: nextSeq,
	})

	next := readFrame(t, reconn)
	assert.Equal(t, nextSeq, next.Seq)
}

func TestGateway_MalformedControlFrameIgnored(t *testing.T) {
	g := newTestGateway(t)

	conn := g.dial(t, "claw-a")
	waitForConnection(t, g.registry, "claw-a")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	// The connection survives the junk frame
	time.Sleep(50 * time.Millisecond)
	assert.NotNil(t, g.registry.Get("claw-a"))
}

func TestGateway_DisconnectUnregisters(t *testing.T) {
	g := newTestGateway(t)

	conn := g.dial(t, "claw-a")
	waitForConnection(t, g.registry, "claw-a")

	require.NoError(t, conn.Close())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.registry.Get("claw-a") == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("connection was not unregistered after close")
}

func TestNewServer_RequiresCollaborators(t *testing.T) {
	_, err := NewServer(Config{})
	require.Error(t, err)
}
