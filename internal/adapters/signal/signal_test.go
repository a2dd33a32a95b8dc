package signal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onecast/onecast/internal/media"
	"github.com/onecast/onecast/internal/media/mediatest"
	"github.com/onecast/onecast/internal/session"
)

func newTestController(t *testing.T) (*Controller, *mediatest.Fake) {
	t.Helper()
	fake := mediatest.NewFake()
	reg := session.NewRegistry(fake)
	pub := session.NewPublisher(fake, "rtsp://cam/stream")
	ctl := NewController(reg, pub, fake)
	ctl.DebugDir = t.TempDir()
	return ctl, fake
}

// connect simulates a viewer connection arriving: the session is registered
// and a transport with a buffered outbound queue stands in for the websocket.
func connect(ctl *Controller, sid string) *wsSignalConn {
	ctl.Registry.GetOrCreate(sid)
	conn := &wsSignalConn{send: make(chan []byte, 32)}
	ctl.register(sid, conn)
	return conn
}

func recvFrame(t *testing.T, conn *wsSignalConn) map[string]any {
	t.Helper()
	select {
	case data := <-conn.send:
		var v map[string]any
		require.NoError(t, json.Unmarshal(data, &v))
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound frame")
		return nil
	}
}

func noFrame(t *testing.T, conn *wsSignalConn) {
	t.Helper()
	select {
	case data := <-conn.send:
		t.Fatalf("unexpected outbound frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func msg(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func awaitState(t *testing.T, sess *session.Session, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session state %s, want %s", sess.State(), want)
}

// Offer with no prior publish: nothing is emitted and no backend endpoint is
// created.
func TestOfferBeforePublishEmitsNothing(t *testing.T) {
	ctl, fake := newTestController(t)
	conn := connect(ctl, "viewer-1")

	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "offer", "sdp": "offer-1"}))

	noFrame(t, conn)
	assert.Equal(t, 0, fake.Endpoints)
	assert.Equal(t, 0, fake.OfferCalls)
}

// Publish then offer: exactly one answer, session negotiated, viewer wired
// to the source.
func TestPublishThenOffer(t *testing.T) {
	ctl, fake := newTestController(t)
	conn := connect(ctl, "viewer-1")

	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "startPublish"}))
	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "offer", "sdp": "offer-1"}))

	frame := recvFrame(t, conn)
	assert.Equal(t, "answer", frame["type"])
	assert.Equal(t, "answer:offer-1", frame["sdp"])
	noFrame(t, conn)

	sess, ok := ctl.Registry.Get("viewer-1")
	require.True(t, ok)
	assert.Equal(t, session.StateNegotiated, sess.State())
	assert.Equal(t, media.ObjectID("player-1"), fake.Connected[sess.Endpoint()])
}

// Candidates sent before the offer are applied to the new endpoint in
// arrival order once it exists.
func TestCandidatesBeforeOfferFlushedInOrder(t *testing.T) {
	ctl, fake := newTestController(t)
	conn := connect(ctl, "viewer-1")

	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "startPublish"}))
	ctl.handleSignal("viewer-1", conn, msg(t, map[string]any{"type": "candidate", "candidate": "c1", "sdpMid": "0", "sdpMLineIndex": 0}))
	ctl.handleSignal("viewer-1", conn, msg(t, map[string]any{"type": "candidate", "candidate": "c2", "sdpMid": "0", "sdpMLineIndex": 0}))
	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "offer", "sdp": "offer-1"}))

	frame := recvFrame(t, conn)
	require.Equal(t, "answer", frame["type"])

	sess, ok := ctl.Registry.Get("viewer-1")
	require.True(t, ok)
	applied := fake.AppliedTo(sess.Endpoint())
	require.Len(t, applied, 2)
	assert.Equal(t, "c1", applied[0].Candidate)
	assert.Equal(t, "c2", applied[1].Candidate)
}

func TestCandidateWithoutSessionIsDropped(t *testing.T) {
	ctl, _ := newTestController(t)
	conn := &wsSignalConn{send: make(chan []byte, 32)}

	ctl.handleSignal("ghost", conn, msg(t, map[string]any{"type": "candidate", "candidate": "c1", "sdpMid": "0", "sdpMLineIndex": 0}))
	noFrame(t, conn)
}

func TestNegotiationFailureRemovesSessionAndEmitsNothing(t *testing.T) {
	ctl, fake := newTestController(t)
	conn := connect(ctl, "viewer-1")

	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "startPublish"}))
	fake.ProcessOfferErr = errors.New("backend rejected offer")
	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "offer", "sdp": "offer-1"}))

	noFrame(t, conn)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := ctl.Registry.Get("viewer-1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session not removed after failed negotiation")
}

func TestConnectFailureRemovesSessionAndEmitsNothing(t *testing.T) {
	ctl, fake := newTestController(t)
	conn := connect(ctl, "viewer-1")

	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "startPublish"}))
	fake.ConnectErr = errors.New("link refused")
	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "offer", "sdp": "offer-1"}))

	noFrame(t, conn)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := ctl.Registry.Get("viewer-1"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session not removed after failed connect")
}

func TestRepeatedOfferIsIgnored(t *testing.T) {
	ctl, fake := newTestController(t)
	conn := connect(ctl, "viewer-1")

	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "startPublish"}))
	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "offer", "sdp": "offer-1"}))
	frame := recvFrame(t, conn)
	require.Equal(t, "answer", frame["type"])

	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "offer", "sdp": "offer-2"}))
	noFrame(t, conn)

	sess, ok := ctl.Registry.Get("viewer-1")
	require.True(t, ok)
	assert.Equal(t, session.StateNegotiated, sess.State())
	assert.Equal(t, 1, fake.Endpoints)
	assert.Equal(t, 1, fake.OfferCalls)
}

// Backend-discovered candidates are routed to the owning viewer.
func TestBackendCandidateRoutedToViewer(t *testing.T) {
	ctl, fake := newTestController(t)
	conn := connect(ctl, "viewer-1")

	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "startPublish"}))
	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "offer", "sdp": "offer-1"}))
	frame := recvFrame(t, conn)
	require.Equal(t, "answer", frame["type"])

	sess, _ := ctl.Registry.Get("viewer-1")
	mid := "0"
	var idx uint16
	fake.Emit(media.Notification{
		Kind:      media.CandidateFound,
		Source:    sess.Endpoint(),
		Candidate: media.Candidate{Candidate: "srv-c1", SDPMid: &mid, SDPMLineIndex: &idx},
	})

	frame = recvFrame(t, conn)
	assert.Equal(t, "candidate", frame["type"])
	assert.Equal(t, "srv-c1", frame["candidate"])
}

func TestBackendCandidateForUnknownEndpointIgnored(t *testing.T) {
	ctl, fake := newTestController(t)
	conn := connect(ctl, "viewer-1")

	fake.Emit(media.Notification{
		Kind:      media.CandidateFound,
		Source:    "endpoint-unknown",
		Candidate: media.Candidate{Candidate: "srv-c1"},
	})
	noFrame(t, conn)
}

func TestEndpointErrorClosesSession(t *testing.T) {
	ctl, fake := newTestController(t)
	conn := connect(ctl, "viewer-1")

	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "startPublish"}))
	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "offer", "sdp": "offer-1"}))
	frame := recvFrame(t, conn)
	require.Equal(t, "answer", frame["type"])

	sess, _ := ctl.Registry.Get("viewer-1")
	fake.Emit(media.Notification{
		Kind:   media.EndpointError,
		Source: sess.Endpoint(),
		Detail: "ICE failed",
	})

	awaitState(t, sess, session.StateClosed)
	_, ok := ctl.Registry.Get("viewer-1")
	assert.False(t, ok)
}

func TestPingPong(t *testing.T) {
	ctl, _ := newTestController(t)
	conn := connect(ctl, "viewer-1")

	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "ping"}))
	frame := recvFrame(t, conn)
	assert.Equal(t, "pong", frame["type"])
}

func TestDebugDumpWritesPipelineAndEndpointGraphs(t *testing.T) {
	ctl, _ := newTestController(t)
	conn := connect(ctl, "viewer-1")

	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "startPublish"}))
	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "offer", "sdp": "offer-1"}))
	frame := recvFrame(t, conn)
	require.Equal(t, "answer", frame["type"])

	ctl.handleSignal("viewer-1", conn, msg(t, map[string]string{"type": "debugDot"}))

	entries, err := os.ReadDir(ctl.DebugDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

// Two viewers racing to start the publish share one pipeline and both reach
// a negotiated session.
func TestTwoViewersConcurrentStartPublish(t *testing.T) {
	ctl, fake := newTestController(t)
	conn1 := connect(ctl, "viewer-1")
	conn2 := connect(ctl, "viewer-2")

	start := msg(t, map[string]string{"type": "startPublish"})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); ctl.handleSignal("viewer-1", conn1, start) }()
	go func() { defer wg.Done(); ctl.handleSignal("viewer-2", conn2, start) }()
	wg.Wait()

	assert.Equal(t, 1, fake.Pipelines)

	ctl.handleSignal("viewer-1", conn1, msg(t, map[string]string{"type": "offer", "sdp": "offer-1"}))
	ctl.handleSignal("viewer-2", conn2, msg(t, map[string]string{"type": "offer", "sdp": "offer-2"}))

	assert.Equal(t, "answer", recvFrame(t, conn1)["type"])
	assert.Equal(t, "answer", recvFrame(t, conn2)["type"])

	s1, _ := ctl.Registry.Get("viewer-1")
	s2, _ := ctl.Registry.Get("viewer-2")
	assert.Equal(t, session.StateNegotiated, s1.State())
	assert.Equal(t, session.StateNegotiated, s2.State())
}

func TestDisconnectTeardownBeforeIdentityReuse(t *testing.T) {
	ctl, fake := newTestController(t)
	conn := connect(ctl, "viewer-x")

	ctl.handleSignal("viewer-x", conn, msg(t, map[string]string{"type": "startPublish"}))
	ctl.handleSignal("viewer-x", conn, msg(t, map[string]any{"type": "candidate", "candidate": "stale", "sdpMid": "0", "sdpMLineIndex": 0}))

	// Connection close path.
	ctl.unregister("viewer-x")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ctl.Registry.Remove(ctx, "viewer-x")

	// Reuse of the same identity gets a clean session.
	conn2 := connect(ctl, "viewer-x")
	ctl.handleSignal("viewer-x", conn2, msg(t, map[string]string{"type": "offer", "sdp": "offer-1"}))
	frame := recvFrame(t, conn2)
	require.Equal(t, "answer", frame["type"])

	sess, ok := ctl.Registry.Get("viewer-x")
	require.True(t, ok)
	assert.Empty(t, fake.AppliedTo(sess.Endpoint()), "stale candidate must not reach the new endpoint")
}
