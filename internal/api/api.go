// Package api provides the HTTP surface of FunnelPipe.
//
// It ingests payment-provider and gateway webhooks, and exposes operator
// endpoints for funnels, conversations, armed timers, manual sends and the
// status page. Webhook work runs in the background so slow funnel steps
// never hold the provider's request open.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/activity"
	"github.com/BTreeMap/FunnelPipe/internal/delivery"
	"github.com/BTreeMap/FunnelPipe/internal/gateway"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/go-playground/validator/v10"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":3000"

// RecentLogLimit is how many activity entries the status page shows.
const RecentLogLimit = 50

// shutdownTimeout bounds graceful shutdown of the HTTP server.
const shutdownTimeout = 10 * time.Second

// Engine is the orchestrator surface the API drives.
type Engine interface {
	OnApprovalEvent(ctx context.Context, recipient string, meta models.OrderMetadata) error
	OnPendingPaymentEvent(ctx context.Context, recipient string, meta models.OrderMetadata) error
	ManualAdvance(ctx context.Context, recipient string) error
	ResetConversation(ctx context.Context, recipient string) error
	GetConversation(recipient string) (*models.Conversation, error)
	ListConversations() ([]models.Conversation, error)
	ListPendingTimers() []models.TimerInfo
}

// Sender delivers a payload outside of any funnel.
type Sender interface {
	Deliver(ctx context.Context, recipient string, kind gateway.PayloadKind, text, mediaURL string) delivery.Result
}

// InboundHandler consumes messages observed on the gateway.
type InboundHandler interface {
	Handle(ctx context.Context, msg models.InboundMessage) (bool, error)
}

// Feed is the operational log shown on the status page.
type Feed interface {
	Publish(kind, message string, fields map[string]any)
	Recent(n int) []activity.Entry
}

// AckCounter reports outstanding delivery acknowledgements.
type AckCounter interface {
	Pending() int
}

// Deps are the components the server routes requests to. Engine and Funnels
// are required; the rest disable their endpoints or stats when nil.
type Deps struct {
	Engine  Engine
	Funnels store.FunnelStore
	Sticky  store.StickyStore
	Sender  Sender
	Inbound InboundHandler
	Feed    Feed
	Acks    AckCounter
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr           string
	ProductMapping map[string]string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithProductMapping sets the offer id to product classification table used
// by the payment webhook.
func WithProductMapping(m map[string]string) Option {
	return func(o *Opts) {
		o.ProductMapping = m
	}
}

// Server is the FunnelPipe HTTP server.
type Server struct {
	deps     Deps
	opts     Opts
	validate *validator.Validate

	httpServer *http.Server

	// background webhook work
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer builds a server over deps.
func NewServer(deps Deps, opts ...Option) (*Server, error) {
	if deps.Engine == nil || deps.Funnels == nil {
		return nil, errors.New("api: engine and funnel store are required")
	}
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.ProductMapping == nil {
		cfg.ProductMapping = models.DefaultProductMapping()
	}
	if deps.Feed == nil {
		deps.Feed = nopFeed{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:     deps,
		opts:     cfg,
		validate: validator.New(),
		bgCtx:    ctx,
		bgCancel: cancel,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Debug("Server created", "addr", cfg.Addr, "products", len(cfg.ProductMapping))
	return s, nil
}

type nopFeed struct{}

func (nopFeed) Publish(string, string, map[string]any) {}
func (nopFeed) Recent(int) []activity.Entry           { return nil }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.opts.Addr }

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/kirvano", s.kirvanoWebhookHandler)
	mux.HandleFunc("POST /webhook/evolution", s.evolutionWebhookHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	mux.HandleFunc("GET /funnels", s.listFunnelsHandler)
	mux.HandleFunc("POST /funnels", s.saveFunnelHandler)
	mux.HandleFunc("DELETE /funnels/{id}", s.deleteFunnelHandler)
	mux.HandleFunc("GET /conversations", s.listConversationsHandler)
	mux.HandleFunc("POST /conversations/{recipient}/advance", s.advanceConversationHandler)
	mux.HandleFunc("POST /conversations/{recipient}/reset", s.resetConversationHandler)
	mux.HandleFunc("GET /timers", s.timersHandler)
	mux.HandleFunc("POST /send", s.sendHandler)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("FunnelPipe API running", "addr", s.opts.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.stopBackground()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, cancels background webhook work and
// waits for it to return.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: stopping API server")
	err := s.httpServer.Shutdown(ctx)
	s.stopBackground()
	return err
}

func (s *Server) stopBackground() {
	s.bgCancel()
	s.Wait()
}

// Wait blocks until all background webhook work has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// background runs fn detached from the request.
func (s *Server) background(name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.bgCtx); err != nil {
			slog.Error("Server.background: task failed", "task", name, "error", err)
		}
	}()
}
