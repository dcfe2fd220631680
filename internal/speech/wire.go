package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WireConfig configures the websocket speech engine adapter.
type WireConfig struct {
	Region          string
	SubscriptionKey string
	// AuthToken, when set, is preferred over the subscription key.
	AuthToken func() string
	// Endpoint overrides for tests; defaults derive from Region.
	STTBaseURL string
	TTSBaseURL string
}

// WireEngine talks to the vendor's realtime recognition and synthesis
// websockets. It implements the Engine boundary; all avatar/queue semantics
// live above it.
type WireEngine struct {
	cfg WireConfig
}

func NewWireEngine(cfg WireConfig) (*WireEngine, error) {
	if strings.TrimSpace(cfg.STTBaseURL) == "" {
		if strings.TrimSpace(cfg.Region) == "" {
			return nil, errors.New("speech region is required")
		}
		cfg.STTBaseURL = fmt.Sprintf("wss://%s.stt.speech.microsoft.com", cfg.Region)
	}
	if strings.TrimSpace(cfg.TTSBaseURL) == "" {
		if strings.TrimSpace(cfg.Region) == "" {
			return nil, errors.New("speech region is required")
		}
		cfg.TTSBaseURL = fmt.Sprintf("wss://%s.tts.speech.microsoft.com", cfg.Region)
	}
	return &WireEngine{cfg: cfg}, nil
}

func (e *WireEngine) authHeaders() http.Header {
	headers := http.Header{}
	if e.cfg.AuthToken != nil {
		if tok := strings.TrimSpace(e.cfg.AuthToken()); tok != "" {
			headers.Set("Authorization", "Bearer "+tok)
			return headers
		}
	}
	headers.Set("Ocp-Apim-Subscription-Key", e.cfg.SubscriptionKey)
	return headers
}

func (e *WireEngine) StartRecognition(ctx context.Context, cfg RecognitionConfig) (RecognizerConn, AudioSink, <-chan RecognizerEvent, error) {
	u, err := url.Parse(strings.TrimRight(e.cfg.STTBaseURL, "/") + "/speech/universal/v2")
	if err != nil {
		return nil, nil, nil, err
	}
	q := u.Query()
	if strings.TrimSpace(cfg.Language) != "" {
		q.Set("language", cfg.Language)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), e.authHeaders())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("dial recognition websocket: %w", err)
	}

	r := &wireRecognizer{conn: conn, events: make(chan RecognizerEvent, 256)}
	go r.readLoop()
	return r, r, r.events, nil
}

type wireRecognizer struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan RecognizerEvent
}

func (r *wireRecognizer) Write(chunk []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (r *wireRecognizer) readLoop() {
	defer r.safeClose()
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		switch asString(raw["path"]) {
		case "speech.hypothesis":
			r.events <- RecognizerEvent{
				Type: RecognizerEventPartial,
				Text: asString(raw["Text"]),
			}
		case "speech.phrase":
			if !strings.EqualFold(asString(raw["RecognitionStatus"]), "Success") {
				continue
			}
			r.events <- RecognizerEvent{
				Type:          RecognizerEventFinal,
				Text:          asString(raw["DisplayText"]),
				OffsetTicks:   asInt64(raw["Offset"]),
				DurationTicks: asInt64(raw["Duration"]),
			}
		case "turn.end", "speech.startDetected", "speech.endDetected":
			// control traffic
		default:
			if reason := asString(raw["error"]); reason != "" {
				r.events <- RecognizerEvent{Type: RecognizerEventCanceled, Reason: reason}
			}
		}
	}
}

func (r *wireRecognizer) Close() error {
	var retErr error
	r.closeOnce.Do(func() {
		retErr = r.conn.Close()
		close(r.events)
	})
	return retErr
}

func (r *wireRecognizer) safeClose() {
	r.closeOnce.Do(func() {
		_ = r.conn.Close()
		close(r.events)
	})
}

func (e *WireEngine) Connect(ctx context.Context, cfg SynthesisConfig) (SynthConn, error) {
	u, err := url.Parse(strings.TrimRight(e.cfg.TTSBaseURL, "/") + "/cognitiveservices/websocket/v1")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("enableTalkingAvatar", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if strings.TrimSpace(cfg.AuthToken) != "" {
		headers.Set("Authorization", "Bearer "+cfg.AuthToken)
	} else {
		headers.Set("Ocp-Apim-Subscription-Key", cfg.SubscriptionKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial synthesis websocket: %w", err)
	}

	c := &wireSynthConn{
		conn:    conn,
		events:  make(chan SynthEvent, 8),
		pending: make(map[string]chan speakOutcome),
	}
	go c.readLoop()

	if err := c.writeJSON(map[string]any{
		"path":    "speech.config",
		"context": avatarContext(cfg),
	}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("send avatar config: %w", err)
	}

	// The remote SDP arrives in the turn.start of the first (empty) utterance.
	if _, err := c.Speak(ctx, ""); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("avatar handshake: %w", err)
	}
	if strings.TrimSpace(c.RemoteSDP()) == "" {
		_ = c.Close()
		return nil, errors.New("avatar handshake: engine returned no connection string")
	}
	c.events <- SynthEvent{Type: SynthEventConnected}
	return c, nil
}

// avatarContext builds the synthesis context payload negotiated at connect
// time: WebRTC bootstrap, video format, and avatar appearance.
func avatarContext(cfg SynthesisConfig) map[string]any {
	cropLeft, cropRight := 0, 1920
	if cfg.VideoCrop {
		cropLeft, cropRight = 600, 1320
	}
	background := cfg.BackgroundColor
	if cfg.TransparentBackground {
		background = "#00FF00FF"
	}
	return map[string]any{
		"synthesis": map[string]any{
			"video": map[string]any{
				"protocol": map[string]any{
					"name": "WebRTC",
					"webrtcConfig": map[string]any{
						"clientDescription": cfg.LocalSDP,
						"iceServers": []map[string]any{{
							"urls":       cfg.ICEServerURLs,
							"username":   cfg.ICEUsername,
							"credential": cfg.ICECredential,
						}},
					},
				},
				"format": map[string]any{
					"crop": map[string]any{
						"topLeft":     map[string]int{"x": cropLeft, "y": 0},
						"bottomRight": map[string]int{"x": cropRight, "y": 1080},
					},
					"bitrate": 1000000,
				},
				"talkingAvatar": map[string]any{
					"customized": cfg.Customized,
					"character":  cfg.Character,
					"style":      cfg.Style,
					"background": map[string]any{
						"color": background,
						"image": map[string]any{"url": cfg.BackgroundImageURL},
					},
				},
			},
		},
	}
}

type speakOutcome struct {
	err error
}

type wireSynthConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan SynthEvent

	mu        sync.Mutex
	remoteSDP string
	pending   map[string]chan speakOutcome
}

func (c *wireSynthConn) Speak(ctx context.Context, ssml string) (string, error) {
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	done := make(chan speakOutcome, 1)

	c.mu.Lock()
	c.pending[requestID] = done
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.writeJSON(map[string]any{
		"path":      "ssml",
		"requestId": requestID,
		"ssml":      ssml,
	}); err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case outcome, ok := <-done:
		if !ok {
			return "", errors.New("synthesis connection closed")
		}
		if outcome.err != nil {
			return "", outcome.err
		}
		return requestID, nil
	}
}

func (c *wireSynthConn) SpeakAsync(_ context.Context, ssml string) (string, error) {
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := c.writeJSON(map[string]any{
		"path":      "ssml",
		"requestId": requestID,
		"ssml":      ssml,
	}); err != nil {
		return "", err
	}
	return requestID, nil
}

func (c *wireSynthConn) StopPlayback(_ context.Context) error {
	return c.writeJSON(map[string]any{
		"path":    "synthesis.control",
		"payload": map[string]string{"action": "stop"},
	})
}

func (c *wireSynthConn) RemoteSDP() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSDP
}

func (c *wireSynthConn) Events() <-chan SynthEvent { return c.events }

func (c *wireSynthConn) readLoop() {
	defer c.safeClose()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		switch asString(raw["path"]) {
		case "turn.start":
			if webrtc, ok := raw["webrtc"].(map[string]any); ok {
				if sdp := asString(webrtc["connectionString"]); sdp != "" {
					c.mu.Lock()
					c.remoteSDP = sdp
					c.mu.Unlock()
				}
			}
		case "turn.end":
			c.resolve(asString(raw["requestId"]), nil)
		case "synthesis.canceled":
			reason := asString(raw["error"])
			if reason == "" {
				reason = "canceled"
			}
			c.resolve(asString(raw["requestId"]), fmt.Errorf("synthesis canceled: %s", reason))
		}
	}
}

func (c *wireSynthConn) resolve(requestID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if requestID == "" {
		// Engine did not echo the request id; resolve everything in flight.
		for id, ch := range c.pending {
			ch <- speakOutcome{err: err}
			delete(c.pending, id)
		}
		return
	}
	if ch, ok := c.pending[requestID]; ok {
		ch <- speakOutcome{err: err}
		delete(c.pending, requestID)
	}
}

func (c *wireSynthConn) writeJSON(payload map[string]any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(payload)
}

func (c *wireSynthConn) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		retErr = c.conn.Close()
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.events)
	})
	return retErr
}

func (c *wireSynthConn) safeClose() {
	_ = c.Close()
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

func asInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	default:
		return 0
	}
}
