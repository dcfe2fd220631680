package stt

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hyesung/avatarlink/internal/observability"
	"github.com/hyesung/avatarlink/internal/reliability"
	"github.com/hyesung/avatarlink/internal/session"
	"github.com/hyesung/avatarlink/internal/speech"
	"github.com/hyesung/avatarlink/internal/vad"
)

// Config carries the recognition-side settings.
type Config struct {
	Language  string
	EnableVAD bool
}

// Handlers are the downstream hooks the recognition pump drives. OnUtterance
// runs synchronously on the pump goroutine, so two utterances from one
// session never produce interleaved chat turns.
type Handlers struct {
	OnUtterance func(sess *session.Session, text string, latencyMS int64)
	OnBargeIn   func(sess *session.Session)
}

// Service owns continuous recognition connections and the microphone audio
// path, including the optional VAD gate for barge-in.
type Service struct {
	engine   speech.RecognitionEngine
	detector vad.Detector
	cfg      Config
	handlers Handlers
	metrics  *observability.Metrics
}

func NewService(engine speech.RecognitionEngine, detector vad.Detector, cfg Config, handlers Handlers, metrics *observability.Metrics) *Service {
	return &Service{
		engine:   engine,
		detector: detector,
		cfg:      cfg,
		handlers: handlers,
		metrics:  metrics,
	}
}

// Connect opens a continuous recognition connection for the session. Any
// prior connection is torn down first, so reconnects never leak recognizers.
func (s *Service) Connect(ctx context.Context, sess *session.Session) error {
	s.Disconnect(sess)

	conn, sink, events, err := s.engine.StartRecognition(ctx, speech.RecognitionConfig{Language: s.cfg.Language})
	if err != nil {
		if s.metrics != nil {
			s.metrics.EngineErrors.WithLabelValues("recognition", "connect").Inc()
		}
		return fmt.Errorf("start recognition: %w", err)
	}

	oldConn, oldSink := sess.SetRecognition(conn, sink)
	closeRecognition(oldConn, oldSink)

	started := time.Now()
	go s.pump(sess, events, started)

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("recognition_connected").Inc()
	}
	return nil
}

// Disconnect tears down the session's recognition connection. Safe to call
// with none active.
func (s *Service) Disconnect(sess *session.Session) {
	conn, sink := sess.ClearRecognition()
	closeRecognition(conn, sink)
}

func closeRecognition(conn speech.RecognizerConn, sink speech.AudioSink) {
	if sink != nil {
		_ = sink.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// pump consumes recognition events in arrival order until the engine closes
// the channel.
func (s *Service) pump(sess *session.Session, events <-chan speech.RecognizerEvent, started time.Time) {
	for ev := range events {
		switch ev.Type {
		case speech.RecognizerEventPartial:
			// Without a VAD gate the first hypothesis is the barge-in signal.
			if !s.cfg.EnableVAD && s.handlers.OnBargeIn != nil {
				s.handlers.OnBargeIn(sess)
			}
		case speech.RecognizerEventFinal:
			text := strings.TrimSpace(ev.Text)
			if text == "" {
				continue
			}
			latencyMS := time.Since(started).Milliseconds() - (ev.OffsetTicks+ev.DurationTicks)/10000
			if latencyMS < 0 {
				latencyMS = 0
			}
			if s.metrics != nil {
				s.metrics.ObserveRecognitionLatency(time.Duration(latencyMS) * time.Millisecond)
			}
			if s.handlers.OnUtterance != nil {
				s.handlers.OnUtterance(sess, text, latencyMS)
			}
		case speech.RecognizerEventCanceled:
			if s.metrics != nil {
				s.metrics.EngineErrors.WithLabelValues("recognition", "canceled").Inc()
			}
			log.Printf("stt: recognition canceled for session %s: %s (retryable=%v)", sess.ID, ev.Reason, reliability.IsRetryableCancelReason(ev.Reason))
		}
	}
}

// FeedAudio forwards one microphone chunk to the active recognizer. A chunk
// arriving with no active sink is dropped. With VAD enabled, accumulated
// fixed-size frames run through the detector and a positive hit fires the
// barge-in hook.
func (s *Service) FeedAudio(sess *session.Session, chunk []byte) error {
	sink := sess.AudioSink()
	if sink == nil {
		return nil
	}

	if s.cfg.EnableVAD && s.detector != nil {
		if frame, ok := sess.AccumulateVADFrame(chunk, vad.FrameBytes); ok {
			if s.detector.IsSpeech(vad.Int16ToFloat32(frame)) && s.handlers.OnBargeIn != nil {
				s.handlers.OnBargeIn(sess)
			}
		}
	}

	if err := sink.Write(chunk); err != nil {
		if s.metrics != nil {
			s.metrics.EngineErrors.WithLabelValues("recognition", "write").Inc()
		}
		return fmt.Errorf("write audio: %w", err)
	}
	return nil
}
