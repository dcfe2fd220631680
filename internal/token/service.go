package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hyesung/avatarlink/internal/config"
	"github.com/hyesung/avatarlink/internal/observability"
)

// RelayCredential is the TURN relay material handed to browsers for the
// avatar WebRTC connection.
type RelayCredential struct {
	URLs     []string `json:"Urls"`
	Username string   `json:"Username"`
	Password string   `json:"Password"`
}

// Config holds everything the refresh loops need.
type Config struct {
	Region          string
	SubscriptionKey string

	SpeechRefreshEvery time.Duration
	RelayRefreshEvery  time.Duration

	// Static override. When URL is set the relay fetch loop never runs.
	StaticRelay RelayCredential

	// When set, relay credentials are minted locally instead of fetched.
	RelaySharedSecret string
	RelayExpiry       time.Duration
	RelayURL          string

	// Test seams. Empty values use the public regional endpoints.
	SpeechTokenURL string
	RelayTokenURL  string
}

// FromAppConfig maps the application configuration onto the service's own.
func FromAppConfig(cfg config.Config) Config {
	return Config{
		Region:             cfg.SpeechRegion,
		SubscriptionKey:    cfg.SpeechKey,
		SpeechRefreshEvery: cfg.SpeechTokenRefresh,
		RelayRefreshEvery:  cfg.RelayCredentialExpiry,
		StaticRelay: RelayCredential{
			URLs:     staticRelayURLs(cfg),
			Username: cfg.ICEServerUsername,
			Password: cfg.ICEServerPassword,
		},
		RelaySharedSecret: cfg.RelaySharedSecret,
		RelayExpiry:       cfg.RelayCredentialExpiry,
		RelayURL:          cfg.ICEServerURL,
	}
}

func staticRelayURLs(cfg config.Config) []string {
	if cfg.ICEServerURL == "" || cfg.ICEServerUsername == "" || cfg.ICEServerPassword == "" {
		return nil
	}
	return []string{cfg.ICEServerURL}
}

// Service keeps a speech auth token and a relay credential fresh in the
// background. Readers always see a whole value; a failed refresh keeps the
// previous one.
type Service struct {
	cfg     Config
	client  *http.Client
	metrics *observability.Metrics

	mu         sync.RWMutex
	speech     string
	relay      RelayCredential
	haveRelay  bool
	speechOnce sync.Once
	speechSet  chan struct{}
}

func NewService(cfg Config, metrics *observability.Metrics) *Service {
	return &Service{
		cfg:       cfg,
		client:    &http.Client{Timeout: 10 * time.Second},
		metrics:   metrics,
		speechSet: make(chan struct{}),
	}
}

// Run starts the refresh loops and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.speechLoop(ctx)
	}()

	if len(s.cfg.StaticRelay.URLs) > 0 {
		s.setRelay(s.cfg.StaticRelay)
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.relayLoop(ctx)
		}()
	}
	wg.Wait()
}

// SpeechToken returns the current token. ok is false until the first fetch
// succeeds.
func (s *Service) SpeechToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.speech, s.speech != ""
}

// WaitSpeechToken blocks until a token is available or ctx is done.
func (s *Service) WaitSpeechToken(ctx context.Context) (string, error) {
	if tok, ok := s.SpeechToken(); ok {
		return tok, nil
	}
	select {
	case <-s.speechSet:
		tok, _ := s.SpeechToken()
		return tok, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Relay returns the current relay credential. ok is false until one is
// available.
func (s *Service) Relay() (RelayCredential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relay, s.haveRelay
}

func (s *Service) speechLoop(ctx context.Context) {
	s.refreshSpeech(ctx)
	ticker := time.NewTicker(s.cfg.SpeechRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Failures wait for the next tick; hammering the credential
			// endpoint buys nothing.
			s.refreshSpeech(ctx)
		}
	}
}

func (s *Service) refreshSpeech(ctx context.Context) {
	tok, err := s.fetchSpeechToken(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.TokenRefreshFailed.WithLabelValues("speech").Inc()
		}
		log.Printf("token: speech refresh failed: %v", err)
		return
	}
	s.mu.Lock()
	s.speech = tok
	s.mu.Unlock()
	s.speechOnce.Do(func() { close(s.speechSet) })
}

func (s *Service) fetchSpeechToken(ctx context.Context) (string, error) {
	if s.cfg.SubscriptionKey == "" {
		return "", errors.New("no subscription key configured")
	}
	url := s.cfg.SpeechTokenURL
	if url == "" {
		url = fmt.Sprintf("https://%s.api.cognitive.microsoft.com/sts/v1.0/issueToken", s.cfg.Region)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", s.cfg.SubscriptionKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("issueToken status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", err
	}
	tok := strings.TrimSpace(string(body))
	if tok == "" {
		return "", errors.New("empty token response")
	}
	return tok, nil
}

func (s *Service) relayLoop(ctx context.Context) {
	s.refreshRelay(ctx)
	ticker := time.NewTicker(s.cfg.RelayRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshRelay(ctx)
		}
	}
}

func (s *Service) refreshRelay(ctx context.Context) {
	var (
		cred RelayCredential
		err  error
	)
	if s.cfg.RelaySharedSecret != "" {
		cred, err = s.mintRelayCredential(time.Now())
	} else {
		cred, err = s.fetchRelayCredential(ctx)
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.TokenRefreshFailed.WithLabelValues("relay").Inc()
		}
		log.Printf("token: relay refresh failed: %v", err)
		return
	}
	s.setRelay(cred)
}

func (s *Service) setRelay(cred RelayCredential) {
	s.mu.Lock()
	s.relay = cred
	s.haveRelay = true
	s.mu.Unlock()
}

// mintRelayCredential signs a short-lived TURN credential with the shared
// secret, the same scheme coturn's static-auth mode expects.
func (s *Service) mintRelayCredential(now time.Time) (RelayCredential, error) {
	if s.cfg.RelayURL == "" {
		return RelayCredential{}, errors.New("no relay url configured")
	}
	expiry := s.cfg.RelayExpiry
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	claims := jwt.MapClaims{
		"iss": "avatarlink",
		"sub": "relay",
		"iat": now.Unix(),
		"exp": now.Add(expiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.RelaySharedSecret))
	if err != nil {
		return RelayCredential{}, err
	}
	return RelayCredential{
		URLs:     []string{s.cfg.RelayURL},
		Username: fmt.Sprintf("%d:avatarlink", now.Add(expiry).Unix()),
		Password: signed,
	}, nil
}

func (s *Service) fetchRelayCredential(ctx context.Context) (RelayCredential, error) {
	url := s.cfg.RelayTokenURL
	if url == "" {
		url = fmt.Sprintf("https://%s.tts.speech.microsoft.com/cognitiveservices/avatar/relay/token/v1", s.cfg.Region)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return RelayCredential{}, err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", s.cfg.SubscriptionKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return RelayCredential{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return RelayCredential{}, fmt.Errorf("relay token status %d", resp.StatusCode)
	}
	var cred RelayCredential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return RelayCredential{}, err
	}
	if len(cred.URLs) == 0 {
		return RelayCredential{}, errors.New("relay response without urls")
	}
	return cred, nil
}
