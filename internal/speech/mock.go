package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MockEngine is an in-process engine used in tests and when no speech
// credentials are configured. Recognition events are injected by the test;
// synthesis records what was spoken.
type MockEngine struct {
	mu sync.Mutex

	// SpeakDelay simulates utterance duration on the synthesis side.
	SpeakDelay time.Duration
	// FailSpeakAfter makes Speak fail once this many utterances succeeded.
	// Negative means never fail.
	FailSpeakAfter int

	recognizers []*MockRecognizer
	synths      []*MockSynthConn
}

func NewMockEngine() *MockEngine {
	return &MockEngine{FailSpeakAfter: -1}
}

func (e *MockEngine) StartRecognition(_ context.Context, cfg RecognitionConfig) (RecognizerConn, AudioSink, <-chan RecognizerEvent, error) {
	r := &MockRecognizer{
		Language: cfg.Language,
		events:   make(chan RecognizerEvent, 64),
	}
	e.mu.Lock()
	e.recognizers = append(e.recognizers, r)
	e.mu.Unlock()
	return r, r, r.events, nil
}

func (e *MockEngine) Connect(_ context.Context, cfg SynthesisConfig) (SynthConn, error) {
	c := &MockSynthConn{
		Config:     cfg,
		remoteSDP:  "mock-remote-sdp",
		events:     make(chan SynthEvent, 8),
		speakDelay: e.SpeakDelay,
		failAfter:  e.FailSpeakAfter,
	}
	e.mu.Lock()
	e.synths = append(e.synths, c)
	e.mu.Unlock()
	c.events <- SynthEvent{Type: SynthEventConnected}
	return c, nil
}

// Recognizers returns every recognition connection opened so far.
func (e *MockEngine) Recognizers() []*MockRecognizer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*MockRecognizer, len(e.recognizers))
	copy(out, e.recognizers)
	return out
}

func (e *MockEngine) SynthConns() []*MockSynthConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*MockSynthConn, len(e.synths))
	copy(out, e.synths)
	return out
}

type MockRecognizer struct {
	Language string

	mu     sync.Mutex
	events chan RecognizerEvent
	closed bool
	audio  [][]byte
}

// Emit injects a recognition event, as the real engine's delivery thread
// would. Safe to call concurrently with Close.
func (r *MockRecognizer) Emit(evt RecognizerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.events <- evt
}

func (r *MockRecognizer) Write(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New("recognizer closed")
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	r.audio = append(r.audio, buf)
	return nil
}

func (r *MockRecognizer) AudioBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.audio {
		n += len(c)
	}
	return n
}

func (r *MockRecognizer) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *MockRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.events)
	return nil
}

type MockSynthConn struct {
	Config SynthesisConfig

	mu         sync.Mutex
	remoteSDP  string
	events     chan SynthEvent
	closed     bool
	spoken     []string
	stops      int
	speakDelay time.Duration
	failAfter  int
	nextResult int
}

func (c *MockSynthConn) Speak(ctx context.Context, ssml string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", errors.New("synthesis connection closed")
	}
	if c.failAfter >= 0 && len(c.spoken) >= c.failAfter {
		c.mu.Unlock()
		return "", errors.New("synthesis canceled: mock failure")
	}
	c.spoken = append(c.spoken, ssml)
	c.nextResult++
	id := fmt.Sprintf("mock-result-%d", c.nextResult)
	delay := c.speakDelay
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return id, nil
}

func (c *MockSynthConn) SpeakAsync(ctx context.Context, ssml string) (string, error) {
	return c.Speak(ctx, ssml)
}

func (c *MockSynthConn) StopPlayback(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *MockSynthConn) RemoteSDP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSDP
}

func (c *MockSynthConn) Events() <-chan SynthEvent { return c.events }

// Spoken returns the SSML documents synthesized so far, in order.
func (c *MockSynthConn) Spoken() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.spoken))
	copy(out, c.spoken)
	return out
}

func (c *MockSynthConn) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

func (c *MockSynthConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockSynthConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}
