package router

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/hyesung/avatarlink/internal/chat"
	"github.com/hyesung/avatarlink/internal/hub"
	"github.com/hyesung/avatarlink/internal/observability"
	"github.com/hyesung/avatarlink/internal/protocol"
	"github.com/hyesung/avatarlink/internal/session"
	"github.com/hyesung/avatarlink/internal/stt"
)

// SpeechStopper aborts the session's speech output, used for the explicit
// client stop.
type SpeechStopper interface {
	StopSpeaking(ctx context.Context, sess *session.Session, preserveQueue bool)
}

// Router demultiplexes inbound duplex messages onto the gateway services.
type Router struct {
	registry *session.Registry
	stt      *stt.Service
	chat     *chat.Service
	stopper  SpeechStopper
	hub      *hub.Hub
	metrics  *observability.Metrics
}

func New(registry *session.Registry, sttSvc *stt.Service, chatSvc *chat.Service, stopper SpeechStopper, h *hub.Hub, metrics *observability.Metrics) *Router {
	return &Router{
		registry: registry,
		stt:      sttSvc,
		chat:     chatSvc,
		stopper:  stopper,
		hub:      h,
		metrics:  metrics,
	}
}

// HandleMessage routes one raw inbound message. Malformed envelopes and
// unknown sessions produce an error message on the session's outbound
// channel; unknown paths are ignored for forward compatibility.
func (r *Router) HandleMessage(ctx context.Context, raw []byte) {
	env, err := protocol.ParseClientEnvelope(raw)
	if err != nil {
		log.Printf("router: drop malformed envelope: %v", err)
		return
	}
	if r.metrics != nil {
		r.metrics.WSMessages.WithLabelValues("in", string(env.Path)).Inc()
	}

	id, err := uuid.Parse(env.SessionID)
	if err != nil {
		r.emitError(env.SessionID, env.Path, "invalid clientId")
		return
	}
	sess, err := r.registry.Get(id)
	if err != nil {
		r.emitError(env.SessionID, env.Path, "session not found")
		return
	}

	switch env.Path {
	case protocol.PathAudio:
		r.handleAudio(sess, env)
	case protocol.PathChat:
		r.handleChat(ctx, sess, env)
	case protocol.PathStopSpeaking:
		r.stopper.StopSpeaking(ctx, sess, false)
	default:
		// Unknown paths are a forward-compatible no-op.
	}
}

func (r *Router) handleAudio(sess *session.Session, env protocol.ClientEnvelope) {
	payload, err := protocol.DecodeAudio(env.Payload)
	if err != nil {
		r.emitError(env.SessionID, env.Path, fmt.Sprintf("bad audio payload: %v", err))
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(payload.AudioChunk)
	if err != nil {
		r.emitError(env.SessionID, env.Path, "audio chunk is not valid base64")
		return
	}
	if err := r.stt.FeedAudio(sess, pcm); err != nil {
		log.Printf("router: feed audio for session %s: %v", env.SessionID, err)
	}
}

// handleChat runs the turn off the read loop so audio keeps flowing while
// the completion streams. Turns for one session stay serialized inside the
// chat service.
func (r *Router) handleChat(ctx context.Context, sess *session.Session, env protocol.ClientEnvelope) {
	payload, err := protocol.DecodeChat(env.Payload)
	if err != nil {
		r.emitError(env.SessionID, env.Path, fmt.Sprintf("bad chat payload: %v", err))
		return
	}

	r.chat.EnsureContext(sess, payload.SystemPrompt)
	if payload.MessageData.StructureJSON != "" {
		sess.SetStructure(payload.MessageData.StructureJSON)
	}

	go func() {
		first := true
		_, err := r.chat.HandleTurn(ctx, sess, payload.Query(), func(chunk string) error {
			if first {
				first = false
				r.emitChat(env.SessionID, "Assistant: ")
			}
			r.emitChat(env.SessionID, chunk)
			return nil
		})
		if err != nil {
			log.Printf("router: chat turn for session %s: %v", env.SessionID, err)
			r.emitError(env.SessionID, protocol.PathChat, "chat turn failed")
		}
	}()
}

// EmitUtterance publishes a recognized user utterance and its recognition
// latency tag, then runs the chat turn for it. Wired as the recognition
// pump's OnUtterance hook, so it runs synchronously per session.
func (r *Router) EmitUtterance(sess *session.Session, text string, latencyMS int64) {
	id := sess.ID.String()
	r.emitChat(id, "\n\n "+text+"\n\n")
	r.emitChat(id, fmt.Sprintf("<STTL>%d</STTL>", latencyMS))

	first := true
	_, err := r.chat.HandleTurn(context.Background(), sess, text, func(chunk string) error {
		if first {
			first = false
			r.emitChat(id, "Assistant: ")
		}
		r.emitChat(id, chunk)
		return nil
	})
	if err != nil {
		log.Printf("router: voice chat turn for session %s: %v", id, err)
	}
}

func (r *Router) emitChat(sessionID, chunk string) {
	if r.metrics != nil {
		r.metrics.WSMessages.WithLabelValues("out", string(protocol.PathChat)).Inc()
	}
	r.hub.Emit(sessionID, protocol.ServerMessage{
		Path:         protocol.PathChat,
		ChatResponse: chunk,
	})
}

func (r *Router) emitError(sessionID string, path protocol.Path, detail string) {
	if r.metrics != nil {
		r.metrics.WSMessages.WithLabelValues("out", string(protocol.PathError)).Inc()
	}
	r.hub.Emit(sessionID, protocol.ServerMessage{
		Path:  protocol.PathError,
		Error: fmt.Sprintf("%s: %s", path, detail),
	})
}
