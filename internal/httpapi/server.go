package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hyesung/avatarlink/internal/avatar"
	"github.com/hyesung/avatarlink/internal/chat"
	"github.com/hyesung/avatarlink/internal/config"
	"github.com/hyesung/avatarlink/internal/hub"
	"github.com/hyesung/avatarlink/internal/observability"
	"github.com/hyesung/avatarlink/internal/protocol"
	"github.com/hyesung/avatarlink/internal/router"
	"github.com/hyesung/avatarlink/internal/session"
	"github.com/hyesung/avatarlink/internal/stt"
	"github.com/hyesung/avatarlink/internal/token"
)

type Server struct {
	cfg      config.Config
	registry *session.Registry
	avatar   *avatar.Service
	stt      *stt.Service
	chat     *chat.Service
	tokens   *token.Service
	router   *router.Router
	hub      *hub.Hub
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, registry *session.Registry, avatarSvc *avatar.Service, sttSvc *stt.Service, chatSvc *chat.Service, tokens *token.Service, rt *router.Router, h *hub.Hub, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		avatar:   avatarSvc,
		stt:      sttSvc,
		chat:     chatSvc,
		tokens:   tokens,
		router:   rt,
		hub:      h,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly opened
				// up; a foreign page must not drive the user's mic session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", observability.MetricsHandler())

	r.Post("/api/session", s.handleCreateSession)
	r.Get("/ws", s.handleWS)

	r.Get("/api/getSpeechToken", s.handleGetSpeechToken)
	r.Get("/api/getIceToken", s.handleGetIceToken)
	r.Get("/api/getStatus", s.handleGetStatus)
	r.Get("/api/perf/latency", s.handlePerfLatency)

	r.Post("/api/connectAvatar", s.handleConnectAvatar)
	r.Post("/api/connectSTT", s.handleConnectSTT)
	r.Post("/api/disconnectSTT", s.handleDisconnectSTT)
	r.Post("/api/speak", s.handleSpeak)
	r.Post("/api/stopSpeaking", s.handleStopSpeaking)
	r.Post("/api/chat", s.handleChat)
	r.Post("/api/chat/continueSpeaking", s.handleContinueSpeaking)
	r.Post("/api/chat/clearHistory", s.handleClearHistory)
	r.Post("/api/disconnectAvatar", s.handleDisconnectAvatar)
	r.Post("/api/releaseClient", s.handleReleaseClient)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.registry.Count(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	sess := s.registry.Create()
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
		s.metrics.SessionEvents.WithLabelValues("created").Inc()
	}
	respondJSON(w, http.StatusOK, map[string]any{"clientId": sess.ID.String()})
}

// sessionFromHeader resolves the ClientId request header. The original
// browser client sends the session id this way on every REST call.
func (s *Server) sessionFromHeader(r *http.Request) (*session.Session, error) {
	raw := strings.TrimSpace(r.Header.Get("ClientId"))
	if raw == "" {
		return nil, errors.New("missing ClientId header")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.New("invalid ClientId header")
	}
	return s.registry.Get(id)
}

func (s *Server) handleGetSpeechToken(w http.ResponseWriter, _ *http.Request) {
	tok, ok := s.tokens.SpeechToken()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "token_unavailable", "speech token not fetched yet")
		return
	}
	w.Header().Set("SpeechRegion", s.cfg.SpeechRegion)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(tok))
}

func (s *Server) handleGetIceToken(w http.ResponseWriter, _ *http.Request) {
	relay, ok := s.tokens.Relay()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "token_unavailable", "relay credential not available yet")
		return
	}
	respondJSON(w, http.StatusOK, relay)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromHeader(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.LatencySnapshot{Stages: []observability.LatencyStats{}})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.LatencySnapshot())
}

func (s *Server) handleConnectAvatar(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromHeader(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	reconnecting := strings.EqualFold(r.Header.Get("Reconnect"), "true")
	s.avatar.Disconnect(r.Context(), sess, reconnecting)

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
		return
	}

	backgroundColor := r.Header.Get("BackgroundColor")
	if backgroundColor == "" {
		backgroundColor = "#FFFFFFFF"
	}

	params := avatar.ConnectParams{
		LocalSDP:              strings.TrimSpace(string(body)),
		Character:             r.Header.Get("AvatarCharacter"),
		Style:                 r.Header.Get("AvatarStyle"),
		BackgroundColor:       backgroundColor,
		BackgroundImageURL:    r.Header.Get("BackgroundImageUrl"),
		Customized:            strings.EqualFold(r.Header.Get("IsCustomAvatar"), "true"),
		TransparentBackground: strings.EqualFold(r.Header.Get("TransparentBackground"), "true"),
		VideoCrop:             strings.EqualFold(r.Header.Get("VideoCrop"), "true"),
		TTSVoice:              r.Header.Get("TtsVoice"),
		CustomVoiceEndpointID: r.Header.Get("CustomVoiceEndpointId"),
		SpeakerProfileID:      r.Header.Get("PersonalVoiceSpeakerProfileId"),
	}

	remoteSDP, err := s.avatar.Connect(r.Context(), sess, params)
	if err != nil {
		respondError(w, http.StatusBadRequest, "avatar_connect_failed", err.Error())
		return
	}

	s.hub.Emit(sess.ID.String(), protocol.ServerMessage{
		Path:      protocol.PathEvent,
		EventType: "SPEECH_SYNTHESIZER_CONNECTED",
	})
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(remoteSDP))
}

func (s *Server) handleConnectSTT(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromHeader(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.chat.EnsureContext(sess, r.Header.Get("SystemPrompt"))
	if err := s.stt.Connect(r.Context(), sess); err != nil {
		respondError(w, http.StatusBadRequest, "stt_connect_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDisconnectSTT(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromHeader(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.stt.Disconnect(sess)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("STT disconnected."))
}

// handleSpeak synthesizes caller-provided SSML without touching the queue,
// fire-and-forget.
func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromHeader(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	conn, ok := sess.Synthesis()
	if !ok {
		respondError(w, http.StatusBadRequest, "not_connected", "no synthesis connection")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(body) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing ssml body")
		return
	}
	resultID, err := conn.SpeakAsync(r.Context(), string(body))
	if err != nil {
		respondError(w, http.StatusBadRequest, "speak_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(resultID))
}

func (s *Server) handleStopSpeaking(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromHeader(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.avatar.StopSpeaking(r.Context(), sess, false)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Speaking stopped."))
}

// handleChat streams the assistant reply as plain text chunks, flushing per
// token so the browser renders it as it is generated.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromHeader(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.chat.EnsureContext(sess, r.Header.Get("SystemPrompt"))

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || strings.TrimSpace(string(body)) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing query body")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	_, err = s.chat.HandleTurn(r.Context(), sess, string(body), func(chunk string) error {
		if _, werr := io.WriteString(w, chunk); werr != nil {
			return werr
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// Headers already sent; the truncated stream is the error signal.
		return
	}
}

func (s *Server) handleContinueSpeaking(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromHeader(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.avatar.Resume(sess)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Request sent."))
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromHeader(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.chat.ClearHistory(sess, r.Header.Get("SystemPrompt"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Chat history cleared."))
}

func (s *Server) handleDisconnectAvatar(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromHeader(r)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.avatar.Disconnect(r.Context(), sess, false)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Disconnected avatar."))
}

func (s *Server) handleReleaseClient(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing clientId")
		return
	}
	id, err := uuid.Parse(req.ClientID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid clientId")
		return
	}
	sess, lookupErr := s.registry.Get(id)
	if lookupErr == nil {
		s.avatar.Disconnect(r.Context(), sess, false)
		s.stt.Disconnect(sess)
	}
	s.registry.Release(id)
	// A duplicate release resolves no live session; counting it again would
	// drive the gauge negative.
	if lookupErr == nil && s.metrics != nil {
		s.metrics.ActiveSessions.Dec()
		s.metrics.SessionEvents.WithLabelValues("released").Inc()
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Client context released."))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("clientId"))
	if raw == "" {
		respondError(w, http.StatusBadRequest, "missing_client_id", "query parameter clientId is required")
		return
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_client_id", "clientId must be a uuid")
		return
	}
	if _, err := s.registry.Get(id); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound, unregister := s.hub.Register(id.String())
	defer unregister()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		s.router.HandleMessage(ctx, data)
	}

	cancel()
	<-writerDone
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
