package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hyesung/avatarlink/internal/avatar"
	"github.com/hyesung/avatarlink/internal/chat"
	"github.com/hyesung/avatarlink/internal/config"
	"github.com/hyesung/avatarlink/internal/httpapi"
	"github.com/hyesung/avatarlink/internal/hub"
	"github.com/hyesung/avatarlink/internal/observability"
	"github.com/hyesung/avatarlink/internal/router"
	"github.com/hyesung/avatarlink/internal/session"
	"github.com/hyesung/avatarlink/internal/speech"
	"github.com/hyesung/avatarlink/internal/stt"
	"github.com/hyesung/avatarlink/internal/token"
	"github.com/hyesung/avatarlink/internal/transcript"
	"github.com/hyesung/avatarlink/internal/vad"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer store.Close()

	tokens := token.NewService(token.FromAppConfig(cfg), metrics)

	var engine speech.Engine
	engineMode := strings.ToLower(strings.TrimSpace(cfg.SpeechEngine))
	if engineMode == "" {
		engineMode = "auto"
	}

	tryWire := func(fatal bool) bool {
		if err := cfg.ValidateSpeech(); err != nil {
			if fatal {
				log.Fatalf("wire speech engine init failed: %v", err)
			}
			log.Printf("wire speech engine unavailable: %v", err)
			return false
		}
		wire, err := speech.NewWireEngine(speech.WireConfig{
			Region:          cfg.SpeechRegion,
			SubscriptionKey: cfg.SpeechKey,
			AuthToken: func() string {
				tok, _ := tokens.SpeechToken()
				return tok
			},
		})
		if err != nil {
			if fatal {
				log.Fatalf("wire speech engine init failed: %v", err)
			}
			log.Printf("wire speech engine unavailable: %v", err)
			return false
		}
		engine = wire
		log.Printf("speech engine: wire (%s)", cfg.SpeechRegion)
		return true
	}

	switch engineMode {
	case "wire":
		_ = tryWire(true)
	case "mock":
		engine = speech.NewMockEngine()
		log.Printf("speech engine: mock")
	case "auto":
		if !tryWire(false) {
			engine = speech.NewMockEngine()
			log.Printf("speech engine: mock (speech credentials not configured)")
		}
	default:
		log.Fatalf("invalid SPEECH_ENGINE: %q (expected auto|wire|mock)", cfg.SpeechEngine)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if cfg.ValidateSpeech() == nil {
		go tokens.Run(runCtx)
	} else {
		log.Printf("token refresh disabled: speech credentials not configured")
	}

	registry := session.NewRegistry(cfg.ReleaseGrace)
	h := hub.New(metrics)

	avatarSvc := avatar.NewService(engine, tokens, avatar.Config{
		DefaultVoice:         cfg.DefaultTTSVoice,
		SubscriptionKey:      cfg.SpeechKey,
		EnableTokenAuth:      cfg.EnableTokenAuth,
		RepeatAfterReconnect: cfg.RepeatAfterReconnect,
		DisconnectGrace:      cfg.DisconnectGrace,
	}, metrics)

	var completer chat.Completer
	chatMode := strings.ToLower(strings.TrimSpace(cfg.ChatMode))
	switch chatMode {
	case "", "auto":
		if cfg.OpenAIEndpoint != "" && cfg.OpenAIAPIKey != "" && cfg.OpenAIDeployment != "" {
			completer = chat.NewOpenAICompleter(cfg.OpenAIEndpoint, cfg.OpenAIAPIKey, cfg.OpenAIDeployment)
			log.Printf("chat completer: openai (%s)", cfg.OpenAIDeployment)
		} else {
			completer = &chat.MockCompleter{Tokens: []string{"Chat", " is", " not", " configured", "."}}
			log.Printf("chat completer: mock (openai credentials not configured)")
		}
	case "openai":
		if cfg.OpenAIEndpoint == "" || cfg.OpenAIAPIKey == "" || cfg.OpenAIDeployment == "" {
			log.Fatalf("CHAT_MODE=openai requires AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_API_KEY and AZURE_OPENAI_DEPLOYMENT_NAME")
		}
		completer = chat.NewOpenAICompleter(cfg.OpenAIEndpoint, cfg.OpenAIAPIKey, cfg.OpenAIDeployment)
		log.Printf("chat completer: openai (%s)", cfg.OpenAIDeployment)
	case "mock":
		completer = &chat.MockCompleter{Tokens: []string{"This", " is", " a", " mock", " reply", "."}}
		log.Printf("chat completer: mock")
	default:
		log.Fatalf("invalid CHAT_MODE: %q (expected auto|openai|mock)", cfg.ChatMode)
	}

	chatSvc := chat.NewService(completer, avatarSvc, store, chat.Config{
		SearchEndpoint:   cfg.SearchEndpoint,
		SearchAPIKey:     cfg.SearchAPIKey,
		SearchIndexName:  cfg.SearchIndexName,
		EnableQuickReply: cfg.EnableQuickReply,
	}, metrics)

	var detector vad.Detector
	if cfg.EnableVAD {
		detector = vad.NewEnergyDetector(0)
		log.Printf("vad: energy detector enabled")
	}

	var rt *router.Router
	sttSvc := stt.NewService(engine, detector, stt.Config{
		Language:  cfg.STTLanguage,
		EnableVAD: cfg.EnableVAD,
	}, stt.Handlers{
		OnUtterance: func(sess *session.Session, text string, latencyMS int64) {
			rt.EmitUtterance(sess, text, latencyMS)
		},
		OnBargeIn: func(sess *session.Session) {
			if !sess.IsSpeaking() {
				return
			}
			metrics.BargeIns.Inc()
			avatarSvc.StopSpeaking(runCtx, sess, false)
		},
	}, metrics)

	rt = router.New(registry, sttSvc, chatSvc, avatarSvc, h, metrics)

	api := httpapi.New(cfg, registry, avatarSvc, sttSvc, chatSvc, tokens, rt, h, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("gateway listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
