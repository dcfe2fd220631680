package avatar

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyesung/avatarlink/internal/session"
	"github.com/hyesung/avatarlink/internal/speech"
)

func newTestService(engine *speech.MockEngine) *Service {
	return NewService(engine, nil, Config{
		DefaultVoice:         "en-US-JennyMultilingualV2Neural",
		RepeatAfterReconnect: true,
	}, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectReturnsRemoteSDP(t *testing.T) {
	engine := speech.NewMockEngine()
	svc := newTestService(engine)
	sess := session.NewRegistry(0).Create()

	sdp, err := svc.Connect(context.Background(), sess, ConnectParams{LocalSDP: "local-offer"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if sdp != "mock-remote-sdp" {
		t.Fatalf("sdp = %q", sdp)
	}
	if !sess.SynthesisConnected() {
		t.Fatal("session not marked connected")
	}
	if got := sess.Voice().TTSVoice; got != "en-US-JennyMultilingualV2Neural" {
		t.Fatalf("default voice not applied: %q", got)
	}
}

func TestConnectRejectsEmptySDP(t *testing.T) {
	svc := newTestService(speech.NewMockEngine())
	sess := session.NewRegistry(0).Create()
	if _, err := svc.Connect(context.Background(), sess, ConnectParams{}); err == nil {
		t.Fatal("expected error for empty sdp")
	}
}

func TestReconnectClosesPreviousConnection(t *testing.T) {
	engine := speech.NewMockEngine()
	svc := newTestService(engine)
	sess := session.NewRegistry(0).Create()

	ctx := context.Background()
	if _, err := svc.Connect(ctx, sess, ConnectParams{LocalSDP: "offer-1"}); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if _, err := svc.Connect(ctx, sess, ConnectParams{LocalSDP: "offer-2"}); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	conns := engine.SynthConns()
	if len(conns) != 2 {
		t.Fatalf("conns = %d", len(conns))
	}
	waitFor(t, "old connection closed", func() bool { return conns[0].Closed() })
	if conns[1].Closed() {
		t.Fatal("new connection closed")
	}
	if !sess.SynthesisConnected() {
		t.Fatal("session lost connection after reconnect")
	}
}

func TestSpeakWithQueueOrdering(t *testing.T) {
	engine := speech.NewMockEngine()
	svc := newTestService(engine)
	sess := session.NewRegistry(0).Create()

	if _, err := svc.Connect(context.Background(), sess, ConnectParams{LocalSDP: "offer"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	svc.SpeakWithQueue(sess, "first sentence.", 0)
	svc.SpeakWithQueue(sess, "second sentence.", 0)

	conn := engine.SynthConns()[0]
	waitFor(t, "both utterances spoken", func() bool { return len(conn.Spoken()) == 2 })
	waitFor(t, "worker drained", func() bool { return !sess.IsSpeaking() })

	spoken := conn.Spoken()
	if !strings.Contains(spoken[0], "first sentence.") || !strings.Contains(spoken[1], "second sentence.") {
		t.Fatalf("wrong order: %v", spoken)
	}
	if !strings.Contains(spoken[0], "<speak version='1.0'") {
		t.Fatalf("not ssml: %q", spoken[0])
	}
	if sess.QueueLen() != 0 {
		t.Fatalf("queue not drained: %d", sess.QueueLen())
	}
}

func TestSingleWorkerUnderConcurrentEnqueues(t *testing.T) {
	engine := speech.NewMockEngine()
	svc := newTestService(engine)
	sess := session.NewRegistry(0).Create()

	if _, err := svc.Connect(context.Background(), sess, ConnectParams{LocalSDP: "offer"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.SpeakWithQueue(sess, "line.", 0)
		}()
	}
	wg.Wait()

	conn := engine.SynthConns()[0]
	waitFor(t, "all utterances spoken", func() bool {
		return len(conn.Spoken()) == n && !sess.IsSpeaking()
	})
	if sess.QueueLen() != 0 {
		t.Fatalf("queue remainder: %d", sess.QueueLen())
	}
}

func TestNoUtteranceStrandedOnWorkerHandoff(t *testing.T) {
	engine := speech.NewMockEngine()
	svc := newTestService(engine)
	sess := session.NewRegistry(0).Create()

	if _, err := svc.Connect(context.Background(), sess, ConnectParams{LocalSDP: "offer"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Each enqueue races the previous worker's drain-and-exit; an utterance
	// landing between the empty pop and the release must still be spoken.
	const rounds = 50
	for i := 0; i < rounds; i++ {
		svc.SpeakWithQueue(sess, "ping.", 0)
		svc.SpeakWithQueue(sess, "pong.", 0)
	}

	conn := engine.SynthConns()[0]
	waitFor(t, "every utterance spoken", func() bool {
		return len(conn.Spoken()) == 2*rounds && !sess.IsSpeaking()
	})
	if sess.QueueLen() != 0 {
		t.Fatalf("queue remainder: %d", sess.QueueLen())
	}
}

func TestStopSpeakingClearsQueueAndAbortsPlayback(t *testing.T) {
	engine := speech.NewMockEngine()
	engine.SpeakDelay = 200 * time.Millisecond
	svc := newTestService(engine)
	sess := session.NewRegistry(0).Create()

	if _, err := svc.Connect(context.Background(), sess, ConnectParams{LocalSDP: "offer"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	svc.SpeakWithQueue(sess, "one.", 0)
	svc.SpeakWithQueue(sess, "two.", 0)
	svc.SpeakWithQueue(sess, "three.", 0)

	conn := engine.SynthConns()[0]
	waitFor(t, "first utterance in flight", func() bool { return len(conn.Spoken()) >= 1 })

	svc.StopSpeaking(context.Background(), sess, false)

	if sess.QueueLen() != 0 {
		t.Fatalf("queue not cleared: %d", sess.QueueLen())
	}
	if conn.Stops() != 1 {
		t.Fatalf("stops = %d", conn.Stops())
	}
	waitFor(t, "worker stopped", func() bool { return !sess.IsSpeaking() })
	if got := len(conn.Spoken()); got > 2 {
		t.Fatalf("spoke past stop: %d", got)
	}
}

func TestStopSpeakingPreservesQueueForResume(t *testing.T) {
	engine := speech.NewMockEngine()
	engine.SpeakDelay = 100 * time.Millisecond
	svc := newTestService(engine)
	sess := session.NewRegistry(0).Create()

	if _, err := svc.Connect(context.Background(), sess, ConnectParams{LocalSDP: "offer"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	svc.SpeakWithQueue(sess, "one.", 0)
	svc.SpeakWithQueue(sess, "two.", 0)

	conn := engine.SynthConns()[0]
	waitFor(t, "first utterance in flight", func() bool { return len(conn.Spoken()) >= 1 })

	svc.StopSpeaking(context.Background(), sess, true)
	waitFor(t, "worker stopped", func() bool { return !sess.IsSpeaking() })

	if sess.QueueLen() == 0 {
		t.Fatal("preserved queue is empty")
	}
}

func TestResumeRepeatsInterruptedUtterance(t *testing.T) {
	engine := speech.NewMockEngine()
	engine.FailSpeakAfter = 1
	svc := newTestService(engine)
	sess := session.NewRegistry(0).Create()

	if _, err := svc.Connect(context.Background(), sess, ConnectParams{LocalSDP: "offer"}); err != nil {
		t.Fatalf("connect: %v", err)
	}

	svc.SpeakWithQueue(sess, "kept.", 0)
	svc.SpeakWithQueue(sess, "interrupted.", 0)
	waitFor(t, "worker aborted", func() bool { return !sess.IsSpeaking() })

	first := engine.SynthConns()[0]
	if got := len(first.Spoken()); got != 1 {
		t.Fatalf("spoken before failure = %d", got)
	}

	engine.FailSpeakAfter = -1
	if _, err := svc.Connect(context.Background(), sess, ConnectParams{LocalSDP: "offer-2"}); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	svc.Resume(sess)

	second := engine.SynthConns()[1]
	waitFor(t, "interrupted utterance respoken", func() bool { return len(second.Spoken()) == 1 })
	if !strings.Contains(second.Spoken()[0], "interrupted.") {
		t.Fatalf("respoke wrong text: %q", second.Spoken()[0])
	}
}

func TestDisconnectClosesConnection(t *testing.T) {
	engine := speech.NewMockEngine()
	svc := newTestService(engine)
	sess := session.NewRegistry(0).Create()

	if _, err := svc.Connect(context.Background(), sess, ConnectParams{LocalSDP: "offer"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	svc.Disconnect(context.Background(), sess, false)

	if sess.SynthesisConnected() {
		t.Fatal("session still marked connected")
	}
	conn := engine.SynthConns()[0]
	waitFor(t, "connection closed", func() bool { return conn.Closed() })
}
