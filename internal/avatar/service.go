package avatar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hyesung/avatarlink/internal/observability"
	"github.com/hyesung/avatarlink/internal/session"
	"github.com/hyesung/avatarlink/internal/speech"
	"github.com/hyesung/avatarlink/internal/token"
)

// TokenSource supplies the credentials the synthesis handshake needs.
type TokenSource interface {
	WaitSpeechToken(ctx context.Context) (string, error)
	Relay() (token.RelayCredential, bool)
}

// Config carries the policy knobs for the speech output side.
type Config struct {
	DefaultVoice         string
	SubscriptionKey      string
	EnableTokenAuth      bool
	RepeatAfterReconnect bool
	DisconnectGrace      time.Duration
}

// ConnectParams is the client's avatar negotiation request.
type ConnectParams struct {
	LocalSDP              string
	Character             string
	Style                 string
	BackgroundColor       string
	BackgroundImageURL    string
	Customized            bool
	TransparentBackground bool
	VideoCrop             bool
	TTSVoice              string
	CustomVoiceEndpointID string
	SpeakerProfileID      string
}

// Service owns avatar synthesis connections and the per-session speech
// output queue.
type Service struct {
	engine  speech.SynthesisEngine
	tokens  TokenSource
	cfg     Config
	metrics *observability.Metrics
}

func NewService(engine speech.SynthesisEngine, tokens TokenSource, cfg Config, metrics *observability.Metrics) *Service {
	return &Service{engine: engine, tokens: tokens, cfg: cfg, metrics: metrics}
}

// Connect negotiates a new synthesis connection for the session and returns
// the remote SDP answer. An existing connection is replaced and closed.
func (s *Service) Connect(ctx context.Context, sess *session.Session, p ConnectParams) (string, error) {
	if p.LocalSDP == "" {
		return "", errors.New("missing local sdp")
	}

	engineCfg := speech.SynthesisConfig{
		LocalSDP:              p.LocalSDP,
		Character:             p.Character,
		Style:                 p.Style,
		BackgroundColor:       p.BackgroundColor,
		BackgroundImageURL:    p.BackgroundImageURL,
		Customized:            p.Customized,
		TransparentBackground: p.TransparentBackground,
		VideoCrop:             p.VideoCrop,
		CustomVoiceEndpointID: p.CustomVoiceEndpointID,
	}

	if s.cfg.EnableTokenAuth {
		if s.tokens == nil {
			return "", errors.New("token auth enabled without a token source")
		}
		tok, err := s.tokens.WaitSpeechToken(ctx)
		if err != nil {
			return "", fmt.Errorf("wait speech token: %w", err)
		}
		engineCfg.AuthToken = tok
	} else {
		engineCfg.SubscriptionKey = s.cfg.SubscriptionKey
	}

	if s.tokens != nil {
		if relay, ok := s.tokens.Relay(); ok {
			engineCfg.ICEServerURLs = relay.URLs
			engineCfg.ICEUsername = relay.Username
			engineCfg.ICECredential = relay.Password
		}
	}

	conn, err := s.engine.Connect(ctx, engineCfg)
	if err != nil {
		if s.metrics != nil {
			s.metrics.EngineErrors.WithLabelValues("synthesis", "connect").Inc()
		}
		return "", fmt.Errorf("connect synthesis: %w", err)
	}

	voice := session.VoiceParams{
		TTSVoice:              p.TTSVoice,
		CustomVoiceEndpointID: p.CustomVoiceEndpointID,
		SpeakerProfileID:      p.SpeakerProfileID,
	}
	if voice.TTSVoice == "" {
		voice.TTSVoice = s.cfg.DefaultVoice
	}

	if old := sess.SetSynthesis(conn, voice); old != nil {
		_ = old.Close()
	}
	go s.watchEvents(sess, conn)

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("synthesis_connected").Inc()
	}
	return conn.RemoteSDP(), nil
}

// watchEvents clears the session's synthesis handles when the engine reports
// the connection gone. DropSynthesis only clears when the session still holds
// this conn, so a late event never clobbers a newer connection.
func (s *Service) watchEvents(sess *session.Session, conn speech.SynthConn) {
	for ev := range conn.Events() {
		if ev.Type == speech.SynthEventDisconnected {
			sess.MarkInterrupted()
			sess.DropSynthesis(conn)
			if s.metrics != nil {
				s.metrics.SessionEvents.WithLabelValues("synthesis_disconnected").Inc()
			}
		}
	}
	sess.DropSynthesis(conn)
}

// SpeakWithQueue appends text to the session's output queue and starts the
// single drain worker if none is running. The worker claim happens under the
// session mutex, so concurrent callers spawn at most one worker.
func (s *Service) SpeakWithQueue(sess *session.Session, text string, trailingSilenceMs int) {
	if text != "" {
		sess.Enqueue(text)
	}
	if !sess.ClaimWorker() {
		return
	}
	go s.speakLoop(sess, trailingSilenceMs)
}

func (s *Service) speakLoop(sess *session.Session, trailingSilenceMs int) {
	for {
		text, voice, conn, ok := sess.NextUtterance()
		if !ok {
			// A producer may have enqueued after the empty pop; in that
			// case the claim is kept and the loop drains again, otherwise
			// the new utterance would sit with no worker scheduled.
			if sess.ReleaseWorkerIfIdle() {
				return
			}
			continue
		}
		if conn == nil {
			sess.RequeueFront(text)
			sess.ReleaseWorker()
			return
		}

		ssml := BuildSSML(text, voice.TTSVoice, voice.SpeakerProfileID, trailingSilenceMs)
		start := time.Now()
		if _, err := conn.Speak(context.Background(), ssml); err != nil {
			sess.MarkInterrupted()
			if s.metrics != nil {
				s.metrics.EngineErrors.WithLabelValues("synthesis", "speak").Inc()
			}
			log.Printf("avatar: speak failed for session %s: %v", sess.ID, err)
			sess.ReleaseWorker()
			return
		}
		sess.MarkSpoken(time.Now())
		if s.metrics != nil {
			s.metrics.UtterancesSpoken.Inc()
			s.metrics.ObserveUtteranceDuration(time.Since(start))
		}
	}
}

// StopSpeaking halts output at the next utterance boundary and asks the
// engine to abort in-flight playback. With preserveQueue the pending
// utterances survive for a later Resume.
func (s *Service) StopSpeaking(ctx context.Context, sess *session.Session, preserveQueue bool) {
	conn := sess.StopSpeaking(preserveQueue)
	if conn != nil {
		if err := conn.StopPlayback(ctx); err != nil {
			log.Printf("avatar: stop playback for session %s: %v", sess.ID, err)
		}
	}
}

// Resume restarts the drain worker after an avatar reconnection. When the
// repeat policy is on, the utterance cut off by the disconnect goes back to
// the queue front first.
func (s *Service) Resume(sess *session.Session) {
	if s.cfg.RepeatAfterReconnect {
		if text := sess.TakeInterrupted(); text != "" {
			sess.RequeueFront(text)
		}
	}
	s.SpeakWithQueue(sess, "", 0)
}

// Disconnect tears down the session's synthesis connection. A reconnecting
// client passes preserveQueue so the pending utterances survive for Resume.
// The close is delayed by the configured grace so a quick page reload does
// not race an in-flight stop.
func (s *Service) Disconnect(ctx context.Context, sess *session.Session, preserveQueue bool) {
	s.StopSpeaking(ctx, sess, preserveQueue)
	conn, ok := sess.Synthesis()
	if !ok {
		return
	}
	sess.DropSynthesis(conn)
	if s.cfg.DisconnectGrace > 0 {
		time.AfterFunc(s.cfg.DisconnectGrace, func() { _ = conn.Close() })
		return
	}
	_ = conn.Close()
}
