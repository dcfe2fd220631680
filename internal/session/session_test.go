package session

import (
	"testing"
	"time"

	"github.com/hyesung/avatarlink/internal/speech"
)

func TestQueueFIFO(t *testing.T) {
	s := NewRegistry(0).Create()
	s.Enqueue("one")
	s.Enqueue("two")
	s.RequeueFront("zero")

	if got := s.QueueSnapshot(); len(got) != 3 || got[0] != "zero" || got[1] != "one" || got[2] != "two" {
		t.Fatalf("queue = %v", got)
	}
}

func TestClaimWorkerSingleClaim(t *testing.T) {
	s := NewRegistry(0).Create()
	if !s.ClaimWorker() {
		t.Fatal("first claim refused")
	}
	if s.ClaimWorker() {
		t.Fatal("second claim succeeded while worker active")
	}
	if !s.IsSpeaking() {
		t.Fatal("claim did not set speaking")
	}
	s.ReleaseWorker()
	if s.IsSpeaking() {
		t.Fatal("release did not clear speaking")
	}
	if !s.ClaimWorker() {
		t.Fatal("claim after release refused")
	}
}

func TestNextUtteranceStopsAtBoundary(t *testing.T) {
	s := NewRegistry(0).Create()
	s.Enqueue("a.")
	s.Enqueue("b.")
	s.ClaimWorker()

	text, _, _, ok := s.NextUtterance()
	if !ok || text != "a." {
		t.Fatalf("pop = %q ok=%v", text, ok)
	}
	if got := s.SpeakingText(); got != "a." {
		t.Fatalf("speakingText = %q", got)
	}

	s.StopSpeaking(true)
	if _, _, _, ok := s.NextUtterance(); ok {
		t.Fatal("pop succeeded after stop")
	}
	if got := s.QueueLen(); got != 1 {
		t.Fatalf("preserved queue len = %d", got)
	}
}

func TestReleaseWorkerIfIdleKeepsClaimForLateEnqueue(t *testing.T) {
	s := NewRegistry(0).Create()
	s.Enqueue("a.")
	s.ClaimWorker()

	if text, _, _, ok := s.NextUtterance(); !ok || text != "a." {
		t.Fatalf("pop = %q ok=%v", text, ok)
	}
	if _, _, _, ok := s.NextUtterance(); ok {
		t.Fatal("queue should be drained")
	}

	// Producer slips in between the worker's empty pop and its release.
	s.Enqueue("b.")
	if s.ClaimWorker() {
		t.Fatal("producer claimed while worker still active")
	}

	// The worker must keep the claim and drain the late utterance.
	if s.ReleaseWorkerIfIdle() {
		t.Fatal("released with a pending utterance")
	}
	text, _, _, ok := s.NextUtterance()
	if !ok || text != "b." {
		t.Fatalf("pop = %q ok=%v", text, ok)
	}

	if _, _, _, ok := s.NextUtterance(); ok {
		t.Fatal("queue should be drained")
	}
	if !s.ReleaseWorkerIfIdle() {
		t.Fatal("release refused on a drained queue")
	}
	if s.IsSpeaking() {
		t.Fatal("release did not clear speaking")
	}
	if !s.ClaimWorker() {
		t.Fatal("claim refused after release")
	}
}

func TestReleaseWorkerIfIdleReleasesAfterStop(t *testing.T) {
	s := NewRegistry(0).Create()
	s.Enqueue("a.")
	s.ClaimWorker()
	s.StopSpeaking(true)

	// Stopped speaking releases even with a preserved queue.
	if !s.ReleaseWorkerIfIdle() {
		t.Fatal("release refused after stop")
	}
	if got := s.QueueLen(); got != 1 {
		t.Fatalf("preserved queue len = %d", got)
	}
}

func TestStopSpeakingClearsQueue(t *testing.T) {
	s := NewRegistry(0).Create()
	s.Enqueue("a.")
	s.Enqueue("b.")
	s.StopSpeaking(false)
	if got := s.QueueLen(); got != 0 {
		t.Fatalf("queue len = %d", got)
	}
}

func TestInterruptedCaptureAndConsume(t *testing.T) {
	s := NewRegistry(0).Create()
	s.Enqueue("cut short.")
	s.ClaimWorker()
	s.NextUtterance()

	s.MarkInterrupted()
	s.ReleaseWorker()

	if got := s.TakeInterrupted(); got != "cut short." {
		t.Fatalf("interrupted = %q", got)
	}
	if got := s.TakeInterrupted(); got != "" {
		t.Fatalf("second take = %q", got)
	}
}

func TestMarkInterruptedIgnoresIdle(t *testing.T) {
	s := NewRegistry(0).Create()
	s.MarkInterrupted()
	if got := s.TakeInterrupted(); got != "" {
		t.Fatalf("interrupted = %q", got)
	}
}

func TestMarkSpoken(t *testing.T) {
	s := NewRegistry(0).Create()
	at := time.Now()
	s.MarkSpoken(at)
	if !s.LastSpeakTime().Equal(at) {
		t.Fatal("lastSpeakTime not recorded")
	}
}

func TestAccumulateVADFrame(t *testing.T) {
	s := NewRegistry(0).Create()

	if _, ok := s.AccumulateVADFrame(make([]byte, 600), 1024); ok {
		t.Fatal("frame emitted before threshold")
	}
	frame, ok := s.AccumulateVADFrame(make([]byte, 600), 1024)
	if !ok {
		t.Fatal("no frame at threshold")
	}
	if len(frame) != 1024 {
		t.Fatalf("frame len = %d", len(frame))
	}
	// Buffer resets after each emitted frame.
	if _, ok := s.AccumulateVADFrame(make([]byte, 600), 1024); ok {
		t.Fatal("frame emitted from stale buffer")
	}
}

func TestSetSynthesisSwapsConnection(t *testing.T) {
	s := NewRegistry(0).Create()
	first := &speech.MockSynthConn{}
	second := &speech.MockSynthConn{}

	if old := s.SetSynthesis(first, VoiceParams{TTSVoice: "v1"}); old != nil {
		t.Fatalf("old = %v", old)
	}
	if old := s.SetSynthesis(second, VoiceParams{TTSVoice: "v2"}); old != first {
		t.Fatal("swap did not return previous connection")
	}
	if got := s.Voice().TTSVoice; got != "v2" {
		t.Fatalf("voice = %q", got)
	}

	// A stale disconnect must not clobber the newer connection.
	s.DropSynthesis(first)
	if !s.SynthesisConnected() {
		t.Fatal("stale drop cleared the live connection")
	}
	s.DropSynthesis(second)
	if s.SynthesisConnected() {
		t.Fatal("drop did not clear the connection")
	}
	if s.Status().SpeechSynthesizerConnected {
		t.Fatal("status still reports connected")
	}
}

func TestRecognitionHandlesSwap(t *testing.T) {
	s := NewRegistry(0).Create()
	rec := &speech.MockRecognizer{}

	oldConn, _ := s.SetRecognition(rec, rec)
	if oldConn != nil {
		t.Fatalf("old = %v", oldConn)
	}
	if !s.RecognitionActive() {
		t.Fatal("recognition not active")
	}

	gotConn, _ := s.ClearRecognition()
	if gotConn != rec {
		t.Fatal("clear did not return installed connection")
	}
	if s.RecognitionActive() || s.AudioSink() != nil {
		t.Fatal("recognition state not cleared")
	}
}

func TestResetChatReplacesContext(t *testing.T) {
	s := NewRegistry(0).Create()
	if s.ChatInitiated() {
		t.Fatal("fresh session marked initiated")
	}

	s.ResetChat([]Message{{Role: "system", Content: "p1"}}, nil)
	s.AppendMessage(Message{Role: "user", Content: "hi"})

	s.ResetChat([]Message{{Role: "system", Content: "p2"}}, []DataSource{{Type: "azure_search"}})
	msgs := s.MessagesSnapshot()
	if len(msgs) != 1 || msgs[0].Content != "p2" {
		t.Fatalf("messages = %v", msgs)
	}
	if ds := s.DataSourcesSnapshot(); len(ds) != 1 || ds[0].Type != "azure_search" {
		t.Fatalf("data sources = %v", ds)
	}
	if !s.ChatInitiated() {
		t.Fatal("reset did not mark initiated")
	}
}

func TestStructureWholeValue(t *testing.T) {
	s := NewRegistry(0).Create()
	s.SetStructure(`{"a":1}`)
	s.SetStructure(`{"b":2}`)
	if got := s.Structure(); got != `{"b":2}` {
		t.Fatalf("structure = %q", got)
	}
}
