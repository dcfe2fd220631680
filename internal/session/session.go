package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyesung/avatarlink/internal/speech"
)

// Message is one conversation history entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DataSource describes one external knowledge source attached to the chat
// context ("on your data" style grounding).
type DataSource struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
}

// VoiceParams are the synthesis parameters negotiated at avatar connect time
// and read by every subsequent speak operation.
type VoiceParams struct {
	TTSVoice              string
	CustomVoiceEndpointID string
	SpeakerProfileID      string
}

// Session is the per-client record. One mutex guards the whole record; engine
// calls (speak, audio writes) happen outside the lock, state transitions
// inside it.
type Session struct {
	ID uuid.UUID

	mu sync.Mutex

	// output state
	isSpeaking      bool
	workerActive    bool
	speakingText    string
	interruptedText string
	spokenQueue     []string
	lastSpeakTime   time.Time

	// recognition state
	recognitionActive bool
	recognizer        speech.RecognizerConn
	audioSink         speech.AudioSink
	vadBuffer         []byte

	// synthesis state
	synthConn      speech.SynthConn
	synthConnected bool
	voice          VoiceParams

	// chat state
	chatInitiated bool
	messages      []Message
	dataSources   []DataSource
	structureJSON string
}

func newSession() *Session {
	return &Session{ID: uuid.New()}
}

// --- output queue state -----------------------------------------------------

// Enqueue appends an utterance to the pending queue.
func (s *Session) Enqueue(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spokenQueue = append(s.spokenQueue, text)
}

// RequeueFront reinserts an interrupted utterance at the head of the queue.
func (s *Session) RequeueFront(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spokenQueue = append([]string{text}, s.spokenQueue...)
}

// ClaimWorker marks the single speak worker active. It returns false when a
// worker already owns the queue: callers must not start a second one.
func (s *Session) ClaimWorker() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.workerActive {
		return false
	}
	s.workerActive = true
	s.isSpeaking = true
	return true
}

// NextUtterance pops the queue head for the worker. It returns ok=false when
// the queue is drained or speaking was stopped; the worker must exit then.
func (s *Session) NextUtterance() (text string, voice VoiceParams, conn speech.SynthConn, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isSpeaking || len(s.spokenQueue) == 0 {
		return "", VoiceParams{}, nil, false
	}
	text = s.spokenQueue[0]
	s.spokenQueue = s.spokenQueue[1:]
	s.speakingText = text
	return text, s.voice, s.synthConn, true
}

// MarkSpoken records a completed utterance.
func (s *Session) MarkSpoken(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSpeakTime = at
}

// ReleaseWorker clears the worker ownership and speaking state when the loop
// exits, regardless of how it exited.
func (s *Session) ReleaseWorker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerActive = false
	s.isSpeaking = false
	s.speakingText = ""
}

// ReleaseWorkerIfIdle releases the claim only when there is nothing left to
// drain. A producer can enqueue between the worker's empty pop and its
// release; ClaimWorker returns false for that producer because the claim is
// still held, so the release must be conditional or the utterance strands.
// Returns false when the claim is kept and the worker must loop again.
func (s *Session) ReleaseWorkerIfIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isSpeaking && len(s.spokenQueue) > 0 {
		return false
	}
	s.workerActive = false
	s.isSpeaking = false
	s.speakingText = ""
	return true
}

// StopSpeaking clears the speaking flag so the worker halts at the next
// utterance boundary. Unless preserveQueue is set the pending queue is
// emptied. The active synthesis connection is returned so the caller can
// abort in-flight playback outside the lock.
func (s *Session) StopSpeaking(preserveQueue bool) speech.SynthConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isSpeaking = false
	if !preserveQueue {
		s.spokenQueue = s.spokenQueue[:0]
	}
	return s.synthConn
}

// MarkInterrupted captures the utterance that was being synthesized when the
// connection dropped, before ReleaseWorker clears the speaking state. The
// capture feeds the repeat-after-reconnection policy.
func (s *Session) MarkInterrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speakingText != "" {
		s.interruptedText = s.speakingText
	}
}

// TakeInterrupted returns the captured interrupted utterance and clears it.
func (s *Session) TakeInterrupted() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.interruptedText
	s.interruptedText = ""
	return text
}

func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spokenQueue)
}

func (s *Session) QueueSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spokenQueue))
	copy(out, s.spokenQueue)
	return out
}

func (s *Session) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isSpeaking
}

func (s *Session) SpeakingText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speakingText
}

func (s *Session) LastSpeakTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSpeakTime
}

// --- recognition state ------------------------------------------------------

// SetRecognition installs a new recognition connection, returning the
// previous handles so the caller can close them outside the lock.
func (s *Session) SetRecognition(conn speech.RecognizerConn, sink speech.AudioSink) (oldConn speech.RecognizerConn, oldSink speech.AudioSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldConn, oldSink = s.recognizer, s.audioSink
	s.recognizer = conn
	s.audioSink = sink
	s.recognitionActive = conn != nil
	s.vadBuffer = s.vadBuffer[:0]
	return oldConn, oldSink
}

// ClearRecognition detaches the recognition handles; idempotent.
func (s *Session) ClearRecognition() (speech.RecognizerConn, speech.AudioSink) {
	return s.SetRecognition(nil, nil)
}

func (s *Session) AudioSink() speech.AudioSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioSink
}

func (s *Session) RecognitionActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recognitionActive
}

// AccumulateVADFrame appends audio to the detection buffer and, once at least
// frameSize bytes are buffered, returns one frame and clears the buffer.
func (s *Session) AccumulateVADFrame(chunk []byte, frameSize int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vadBuffer = append(s.vadBuffer, chunk...)
	if len(s.vadBuffer) < frameSize {
		return nil, false
	}
	frame := make([]byte, frameSize)
	copy(frame, s.vadBuffer[:frameSize])
	s.vadBuffer = s.vadBuffer[:0]
	return frame, true
}

// --- synthesis state --------------------------------------------------------

// SetSynthesis installs a new synthesis connection with its negotiated voice
// parameters, returning the previous connection for teardown.
func (s *Session) SetSynthesis(conn speech.SynthConn, voice VoiceParams) speech.SynthConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.synthConn
	s.synthConn = conn
	s.synthConnected = conn != nil
	if conn != nil {
		s.voice = voice
	}
	return old
}

// DropSynthesis clears the connection only if it is still the given one, so a
// late disconnect event cannot clobber a newer connection.
func (s *Session) DropSynthesis(conn speech.SynthConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.synthConn == conn {
		s.synthConn = nil
		s.synthConnected = false
	}
}

func (s *Session) Synthesis() (speech.SynthConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synthConn, s.synthConn != nil
}

func (s *Session) SynthesisConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synthConnected
}

func (s *Session) Voice() VoiceParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// --- chat state -------------------------------------------------------------

func (s *Session) ChatInitiated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chatInitiated
}

// ResetChat replaces the conversation context wholesale.
func (s *Session) ResetChat(messages []Message, dataSources []DataSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages[:0], messages...)
	s.dataSources = append(s.dataSources[:0], dataSources...)
	s.chatInitiated = true
}

func (s *Session) AppendMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

func (s *Session) MessagesSnapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Session) DataSourcesSnapshot() []DataSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DataSource, len(s.dataSources))
	copy(out, s.dataSources)
	return out
}

// SetStructure replaces the auxiliary structure produced or supplied by a
// chat turn. Whole-value semantics: readers never observe a partial update.
func (s *Session) SetStructure(structureJSON string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.structureJSON = structureJSON
}

func (s *Session) Structure() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.structureJSON
}

// Status is the client-visible snapshot returned by the status endpoint.
type Status struct {
	SpeechSynthesizerConnected bool `json:"speechSynthesizerConnected"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{SpeechSynthesizerConnected: s.synthConnected}
}
