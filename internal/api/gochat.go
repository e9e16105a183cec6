package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-messenger/internal/chat"
	"github.com/npezzotti/go-messenger/internal/config"
	"github.com/npezzotti/go-messenger/internal/database"
	"github.com/npezzotti/go-messenger/internal/relay"
	"github.com/npezzotti/go-messenger/internal/suggest"
	"go.uber.org/zap"
)

type Option interface {
	apply(*GoChatApp)
}

type optionFunc func(s *GoChatApp)

func (f optionFunc) apply(s *GoChatApp) { f(s) }

// WithSuggester enables POST /api/suggestions.
func WithSuggester(p suggest.Provider) Option {
	return optionFunc(func(s *GoChatApp) {
		s.suggester = p
	})
}

type GoChatApp struct {
	log            *zap.SugaredLogger
	db             database.GoChatRepository
	mux            *http.Server
	hub            *relay.Hub
	chat           *chat.Service
	suggester      suggest.Provider
	limiter        *limiterPool
	signingKey     []byte
	allowedOrigins []string
}

func NewGoChatApp(mux *http.ServeMux, logger *zap.SugaredLogger, hub *relay.Hub, svc *chat.Service, db database.GoChatRepository, cfg *config.Config, opts ...Option) *GoChatApp {
	s := &GoChatApp{
		log:            logger,
		db:             db,
		hub:            hub,
		chat:           svc,
		limiter:        newLimiterPool(cfg.SendRPS, cfg.SendBurst),
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	for _, o := range opts {
		o.apply(s)
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)

	mux.HandleFunc("POST /api/auth/register", s.validateJson(s.createAccount))
	mux.HandleFunc("POST /api/auth/login", s.validateJson(s.login))
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))

	mux.HandleFunc("POST /api/messages", s.authMiddleware(s.rateLimit(s.validateJson(s.sendMessage))))
	mux.HandleFunc("DELETE /api/messages/{id}", s.authMiddleware(s.deleteMessage))

	mux.HandleFunc("GET /api/conversations", s.authMiddleware(s.listConversations))
	mux.HandleFunc("POST /api/conversations", s.authMiddleware(s.validateJson(s.createConversation)))
	mux.HandleFunc("DELETE /api/conversations/{id}", s.authMiddleware(s.deleteConversation))
	mux.HandleFunc("GET /api/conversations/{id}/messages", s.authMiddleware(s.getMessages))
	mux.HandleFunc("POST /api/conversations/{id}/seen", s.authMiddleware(s.markSeen))
	mux.HandleFunc("POST /api/conversations/{id}/members", s.authMiddleware(s.validateJson(s.addMember)))
	mux.HandleFunc("DELETE /api/conversations/{id}/members", s.authMiddleware(s.leaveConversation))

	mux.HandleFunc("POST /api/users/status", s.authMiddleware(s.validateJson(s.updateStatus)))
	mux.HandleFunc("POST /api/suggestions", s.authMiddleware(s.validateJson(s.suggestMessage)))

	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)
	h = s.requestLogger(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *GoChatApp) Start() error {
	s.log.Infow("starting server", "addr", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
